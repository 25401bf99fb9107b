package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/pkg/db"
	"github.com/parleyhq/parley/pkg/event"
	"gorm.io/gorm"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidCategory      = errors.New("invalid conversation category")
)

const (
	// DefaultTitle is the title every conversation starts with; the engine
	// replaces it exactly once, on the first user turn.
	DefaultTitle = "New Chat"

	// ImageOnlyTitle is the fixed placeholder for a first turn that carries
	// only an image and no text.
	ImageOnlyTitle = "Image message"

	titleMaxChars = 40
)

// CategoryAll is the derived-view filter value that matches every category.
const CategoryAll = "all"

// MetadataPatch is a partial conversation update. Nil fields are untouched;
// updated_at is always stamped as part of the same write.
type MetadataPatch struct {
	Title       *string
	LastMessage *string
	LastSender  *string
	Pinned      *bool
	Category    *string
}

// ConversationService owns the set of conversation records per user and the
// live, filterable owner view.
type ConversationService struct {
	db      *gorm.DB
	emitter *event.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewConversationService creates the registry on top of the durable store.
func NewConversationService(gdb *gorm.DB, logger *slog.Logger) *ConversationService {
	return &ConversationService{
		db:      gdb,
		emitter: event.Global(),
		logger:  logger,
		now:     time.Now,
	}
}

// Create starts an empty conversation for ownerID with the default metadata.
func (s *ConversationService) Create(ctx context.Context, ownerID string) (*db.Conversation, error) {
	now := s.now()
	conv := &db.Conversation{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Title:     DefaultTitle,
		Category:  db.CategoryPersonal,
		Pinned:    false,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, &WriteError{Op: "create conversation", Err: err}
	}

	s.emitter.Emit(event.ConversationCreatedEvent{ConversationID: conv.ID, OwnerID: ownerID})
	return conv, nil
}

// Get retrieves a conversation by ID.
func (s *ConversationService) Get(ctx context.Context, id string) (*db.Conversation, error) {
	var conv db.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// List returns all conversations owned by ownerID, most recently updated
// first.
func (s *ConversationService) List(ctx context.Context, ownerID string) ([]db.Conversation, error) {
	var conversations []db.Conversation
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Find(&conversations).Error; err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	return conversations, nil
}

// UpdateMetadata applies a partial update and stamps updated_at in the same
// write. Category values outside the enum are rejected at this boundary.
func (s *ConversationService) UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) error {
	updates := map[string]interface{}{}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.LastMessage != nil {
		updates["last_message"] = *patch.LastMessage
	}
	if patch.LastSender != nil {
		updates["last_sender"] = *patch.LastSender
	}
	if patch.Pinned != nil {
		updates["pinned"] = *patch.Pinned
	}
	if patch.Category != nil {
		if !db.ValidCategory(*patch.Category) {
			return fmt.Errorf("%w: %q", ErrInvalidCategory, *patch.Category)
		}
		updates["category"] = *patch.Category
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = s.now()

	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Model(&db.Conversation{}).
		Where("id = ?", id).Updates(updates).Error; err != nil {
		return &WriteError{Op: "update conversation metadata", Err: err}
	}

	s.emitter.Emit(event.ConversationUpdatedEvent{ConversationID: id, OwnerID: conv.OwnerID})
	return nil
}

// SetTitleFromFirstTurn derives and sets the title from the first user
// turn's text. The write is guarded on the default title, so a second call
// never changes an already-set title.
func (s *ConversationService) SetTitleFromFirstTurn(ctx context.Context, id, text string, hasImage bool) error {
	title := DeriveTitle(text, hasImage)

	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&db.Conversation{}).
		Where("id = ? AND title = ?", id, DefaultTitle).
		Updates(map[string]interface{}{"title": title, "updated_at": s.now()})
	if res.Error != nil {
		return &WriteError{Op: "set conversation title", Err: res.Error}
	}

	if res.RowsAffected > 0 {
		s.emitter.Emit(event.ConversationUpdatedEvent{ConversationID: id, OwnerID: conv.OwnerID})
	}
	return nil
}

// SetPinned toggles the pinned flag.
func (s *ConversationService) SetPinned(ctx context.Context, id string, pinned bool) error {
	return s.UpdateMetadata(ctx, id, MetadataPatch{Pinned: &pinned})
}

// SetCategory selects the conversation's category.
func (s *ConversationService) SetCategory(ctx context.Context, id, category string) error {
	return s.UpdateMetadata(ctx, id, MetadataPatch{Category: &category})
}

// DeleteRecord removes the conversation record only. Callers must have
// drained the message log first (see PurgeService) or the turns leak.
func (s *ConversationService) DeleteRecord(ctx context.Context, id string) error {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Delete(&db.Conversation{}, "id = ?", id).Error; err != nil {
		return &WriteError{Op: "delete conversation", Err: err}
	}

	s.emitter.Emit(event.ConversationDeletedEvent{ConversationID: id, OwnerID: conv.OwnerID})
	return nil
}

// DeleteRecords removes a batch of conversation records in one transaction.
// The batch must respect the transactional write primitive's ceiling; the
// PurgeService slices accordingly.
func (s *ConversationService) DeleteRecords(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id IN ?", ids).Delete(&db.Conversation{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, &WriteError{Op: "delete conversation batch", Err: err}
	}
	return deleted, nil
}

// Subscribe delivers the live owner view: one snapshot immediately, then one
// per change to any owned conversation, ordered updated_at descending. Read
// failures are terminal; onError fires once and the subscription tears
// itself down. The returned function must be called on teardown.
func (s *ConversationService) Subscribe(ownerID string, onNext func([]db.Conversation), onError func(error)) func() {
	var mu sync.Mutex
	closed := false

	offs := make([]func(), 0, 4)
	teardown := func() {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		closed = true
		for _, off := range offs {
			off()
		}
	}

	push := func() {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		mu.Unlock()

		conversations, err := s.List(context.Background(), ownerID)
		if err != nil {
			teardown()
			onError(&StreamError{Err: err})
			return
		}
		onNext(conversations)
	}

	relevant := func(ev event.Event) {
		if event.OwnerIDOf(ev) != ownerID {
			return
		}
		push()
	}

	for _, name := range []string{
		event.ConversationCreated,
		event.ConversationUpdated,
		event.ConversationDeleted,
		event.ChatsCleared,
	} {
		offs = append(offs, event.On(name, relevant))
	}

	push()
	return teardown
}

// DeriveTitle builds a conversation title from the first user turn: the
// first 40 characters plus an ellipsis when longer, or a fixed placeholder
// when the turn carries only an image.
func DeriveTitle(text string, hasImage bool) string {
	text = strings.TrimSpace(text)
	if text == "" {
		if hasImage {
			return ImageOnlyTitle
		}
		return DefaultTitle
	}
	runes := []rune(text)
	if len(runes) <= titleMaxChars {
		return text
	}
	return string(runes[:titleMaxChars]) + "..."
}

// FilterConversations is the derived read-side view: case-insensitive title
// substring search, category filter ("all" passes everything), and a stable
// sort that places pinned conversations first while preserving the incoming
// order among equally-pinned items.
func FilterConversations(conversations []db.Conversation, search, category string) []db.Conversation {
	search = strings.ToLower(strings.TrimSpace(search))

	out := make([]db.Conversation, 0, len(conversations))
	for _, conv := range conversations {
		if search != "" && !strings.Contains(strings.ToLower(conv.Title), search) {
			continue
		}
		if category != "" && category != CategoryAll && conv.Category != category {
			continue
		}
		out = append(out, conv)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Pinned && !out[j].Pinned
	})
	return out
}
