package service

import (
	"context"
	"errors"
	"testing"

	"github.com/parleyhq/parley/pkg/db"
	"github.com/parleyhq/parley/pkg/event"
)

func newPurgeFixture(t *testing.T) (*PurgeService, *ConversationService, *MessageLogService) {
	t.Helper()
	store := newTestStore(t)
	logger := testLogger()
	logSvc := NewMessageLogService(store, logger)
	registry := NewConversationService(store, logger)
	return NewPurgeService(logSvc, registry, logger), registry, logSvc
}

func TestDeleteConversationDrainsInPages(t *testing.T) {
	purge, registry, logSvc := newPurgeFixture(t)
	ctx := context.Background()

	conv, err := registry.Create(ctx, "owner-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for i := 0; i < 450; i++ {
		if _, err := logSvc.Append(ctx, conv.ID, &db.Turn{Sender: db.SenderUser, Text: "t"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	var pages []int64
	off := event.On(event.TurnsDeleted, func(ev event.Event) {
		e, ok := ev.(event.TurnsDeletedEvent)
		if ok && e.ConversationID == conv.ID {
			pages = append(pages, e.Count)
		}
	})
	defer off()

	total, err := purge.DeleteConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if total != 450 {
		t.Errorf("turns deleted = %d, want 450", total)
	}

	// 450 turns at a page size of 200 means exactly three bounded pages.
	want := []int64{200, 200, 50}
	if len(pages) != len(want) {
		t.Fatalf("pages = %v, want %v", pages, want)
	}
	for i := range want {
		if pages[i] != want[i] {
			t.Fatalf("pages = %v, want %v", pages, want)
		}
	}

	if _, err := registry.Get(ctx, conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrConversationNotFound", err)
	}
	turns, err := logSvc.Turns(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("len(turns) = %d after delete, want 0", len(turns))
	}
}

func TestClearAllDrainsBeforeRecordDelete(t *testing.T) {
	purge, registry, logSvc := newPurgeFixture(t)
	ctx := context.Background()

	convIDs := make(map[string]bool)
	for i := 0; i < 3; i++ {
		conv, err := registry.Create(ctx, "owner-1")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		convIDs[conv.ID] = true
		for j := 0; j < 3; j++ {
			if _, err := logSvc.Append(ctx, conv.ID, &db.Turn{Sender: db.SenderUser, Text: "t"}); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
		}
	}

	// At the moment any turn page is deleted, every conversation record
	// must still exist: records only go after all logs are drained.
	off := event.On(event.TurnsDeleted, func(ev event.Event) {
		e, ok := ev.(event.TurnsDeletedEvent)
		if !ok || !convIDs[e.ConversationID] {
			return
		}
		for id := range convIDs {
			if _, err := registry.Get(ctx, id); err != nil {
				t.Errorf("record %s gone while logs still draining: %v", id, err)
			}
		}
	})
	defer off()

	var cleared *event.ChatsClearedEvent
	offCleared := event.On(event.ChatsCleared, func(ev event.Event) {
		if e, ok := ev.(event.ChatsClearedEvent); ok && e.OwnerID == "owner-1" {
			cleared = &e
		}
	})
	defer offCleared()

	result, err := purge.ClearAll(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	if result.Conversations != 3 || result.Turns != 9 {
		t.Errorf("result = %+v, want 3 conversations and 9 turns", result)
	}
	if cleared == nil || cleared.Conversations != 3 || cleared.Turns != 9 {
		t.Errorf("cleared event = %+v, want counts matching the result", cleared)
	}

	list, err := registry.List(ctx, "owner-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 0 {
		t.Errorf("len(list) = %d after clear, want 0", len(list))
	}
}

func TestClearAllNothingToDo(t *testing.T) {
	purge, _, _ := newPurgeFixture(t)

	result, err := purge.ClearAll(context.Background(), "owner-without-chats")
	if err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	if result.Conversations != 0 || result.Turns != 0 {
		t.Errorf("result = %+v, want zero counts", result)
	}
}

func TestClearAllScopedToOwner(t *testing.T) {
	purge, registry, _ := newPurgeFixture(t)
	ctx := context.Background()

	if _, err := registry.Create(ctx, "owner-a"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	other, err := registry.Create(ctx, "owner-b")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := purge.ClearAll(ctx, "owner-a"); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}

	if _, err := registry.Get(ctx, other.ID); err != nil {
		t.Errorf("other owner's conversation gone after ClearAll: %v", err)
	}
}
