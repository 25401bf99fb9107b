package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/pkg/db"
	"github.com/parleyhq/parley/pkg/event"
	"gorm.io/gorm"
)

// WriteError marks a storage write failure. The engine never retries these;
// they propagate to the caller.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// StreamError marks the terminal failure of a live subscription. It is
// reported to the subscriber once; resubscribing is the caller's choice.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return fmt.Sprintf("subscription terminated: %v", e.Err) }
func (e *StreamError) Unwrap() error { return e.Err }

// MessageLogService owns the append-only ordered turn log of each
// conversation. All mutation goes through Append/DeletePage; turns are never
// edited in place.
type MessageLogService struct {
	db      *gorm.DB
	emitter *event.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewMessageLogService creates the log service on top of the durable store.
func NewMessageLogService(gdb *gorm.DB, logger *slog.Logger) *MessageLogService {
	return &MessageLogService{
		db:      gdb,
		emitter: event.Global(),
		logger:  logger,
		now:     time.Now,
	}
}

// turnSeq breaks ordering ties between turns written in the same instant.
// Seeded from the clock so it keeps growing across restarts; CreatedAt still
// dominates the ordering, the sequence only settles same-timestamp writes.
var turnSeq uint64 = uint64(time.Now().UnixNano())

// Append durably stores one turn. The service assigns the creation time (and
// a monotonic sequence for same-instant tiebreaks); the caller's turn struct
// is filled in with the assigned identity.
func (s *MessageLogService) Append(ctx context.Context, conversationID string, turn *db.Turn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	turn.ConversationID = conversationID
	turn.CreatedAt = s.now()
	turn.Seq = atomic.AddUint64(&turnSeq, 1)

	if err := s.db.WithContext(ctx).Create(turn).Error; err != nil {
		return "", &WriteError{Op: "append turn", Err: err}
	}

	s.emitter.Emit(event.TurnAppendedEvent{
		ConversationID: conversationID,
		TurnID:         turn.ID,
		Sender:         turn.Sender,
	})

	return turn.ID, nil
}

// Turns returns the full ordered log of one conversation, ascending by
// creation time with the write sequence as tiebreak.
func (s *MessageLogService) Turns(ctx context.Context, conversationID string) ([]db.Turn, error) {
	var turns []db.Turn
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, seq ASC").
		Find(&turns).Error; err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	return turns, nil
}

// Subscribe delivers the live ordered view of a conversation's log: one
// snapshot immediately, then one per append or page-delete from any writer.
// An empty log delivers an empty slice — the welcome placeholder is the
// presentation layer's synthesis, never log state. A read failure is
// terminal: onError fires once and the subscription tears itself down.
// The returned function must be called when the view is no longer needed.
func (s *MessageLogService) Subscribe(conversationID string, onNext func([]db.Turn), onError func(error)) func() {
	var mu sync.Mutex
	closed := false

	var offAppend, offDelete func()
	teardown := func() {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		closed = true
		if offAppend != nil {
			offAppend()
		}
		if offDelete != nil {
			offDelete()
		}
	}

	push := func() {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		mu.Unlock()

		turns, err := s.Turns(context.Background(), conversationID)
		if err != nil {
			teardown()
			onError(&StreamError{Err: err})
			return
		}
		onNext(turns)
	}

	relevant := func(ev event.Event) {
		if event.ConversationIDOf(ev) != conversationID {
			return
		}
		push()
	}

	offAppend = event.On(event.TurnAppended, relevant)
	offDelete = event.On(event.TurnsDeleted, relevant)

	push()
	return teardown
}

// DeletePage removes up to pageSize turns of a conversation in one atomic
// unit and returns the number deleted. Callers repeat until a page comes back
// short (or zero), the exhaustion signal.
func (s *MessageLogService) DeletePage(ctx context.Context, conversationID string, pageSize int) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&db.Turn{}).
			Where("conversation_id = ?", conversationID).
			Order("seq ASC").
			Limit(pageSize).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Where("id IN ?", ids).Delete(&db.Turn{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, &WriteError{Op: "delete turn page", Err: err}
	}

	if deleted > 0 {
		s.emitter.Emit(event.TurnsDeletedEvent{ConversationID: conversationID, Count: deleted})
	}
	return deleted, nil
}
