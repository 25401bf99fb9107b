package service

import (
	"context"
	"log/slog"

	"github.com/parleyhq/parley/pkg/event"
)

const (
	// DeletePageSize bounds one atomic page of turn deletion.
	DeletePageSize = 200

	// maxDeleteBatch is the transactional write primitive's hard ceiling on
	// records per atomic unit.
	maxDeleteBatch = 500
)

// ClearAllResult reports the precise counts a bulk delete removed.
type ClearAllResult struct {
	Conversations int64 `json:"conversations"`
	Turns         int64 `json:"turns"`
}

// PurgeService performs safe, resumable cascading deletion: a conversation
// record is only ever removed after its entire message log is confirmed
// drained, so interrupted runs leave re-drainable logs, never orphans.
type PurgeService struct {
	log      *MessageLogService
	registry *ConversationService
	emitter  *event.Emitter
	logger   *slog.Logger
}

// NewPurgeService wires the deletion controller to the log and registry.
func NewPurgeService(log *MessageLogService, registry *ConversationService, logger *slog.Logger) *PurgeService {
	return &PurgeService{
		log:      log,
		registry: registry,
		emitter:  event.Global(),
		logger:   logger,
	}
}

// DeleteConversation drains the conversation's log in bounded pages, then
// deletes the record. Returns the number of turns removed. If the deleted
// conversation was active in a UI, creating a replacement is the caller's
// contract, not enforced here.
func (p *PurgeService) DeleteConversation(ctx context.Context, conversationID string) (int64, error) {
	turns, err := p.drain(ctx, conversationID)
	if err != nil {
		return turns, err
	}
	if err := p.registry.DeleteRecord(ctx, conversationID); err != nil {
		return turns, err
	}
	return turns, nil
}

// ClearAll deletes every conversation owned by ownerID. The id list is
// snapshotted once up front (no re-query mid-operation, to avoid racing with
// concurrent creation); every log is drained to exhaustion before any record
// is deleted; records then go in batches bounded by the transactional write
// ceiling. Double confirmation is the HTTP caller's contract.
func (p *PurgeService) ClearAll(ctx context.Context, ownerID string) (ClearAllResult, error) {
	var result ClearAllResult

	conversations, err := p.registry.List(ctx, ownerID)
	if err != nil {
		return result, err
	}
	ids := make([]string, len(conversations))
	for i, conv := range conversations {
		ids[i] = conv.ID
	}

	// Phase one: drain every log completely. No record is touched yet, so a
	// crash here leaves only fully-intact or fully-drained logs behind.
	for _, id := range ids {
		turns, err := p.drain(ctx, id)
		result.Turns += turns
		if err != nil {
			return result, err
		}
	}

	// Phase two: delete the records in bounded batches.
	for start := 0; start < len(ids); start += maxDeleteBatch {
		end := start + maxDeleteBatch
		if end > len(ids) {
			end = len(ids)
		}
		deleted, err := p.registry.DeleteRecords(ctx, ids[start:end])
		result.Conversations += deleted
		if err != nil {
			return result, err
		}
	}

	p.logger.Info("Cleared all conversations",
		"owner_id", ownerID,
		"conversations", result.Conversations,
		"turns", result.Turns)
	p.emitter.Emit(event.ChatsClearedEvent{
		OwnerID:       ownerID,
		Conversations: result.Conversations,
		Turns:         result.Turns,
	})

	return result, nil
}

// drain repeatedly deletes pages until one comes back short of the page
// size, the exhaustion signal.
func (p *PurgeService) drain(ctx context.Context, conversationID string) (int64, error) {
	var total int64
	for {
		n, err := p.log.DeletePage(ctx, conversationID, DeletePageSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < DeletePageSize {
			return total, nil
		}
	}
}
