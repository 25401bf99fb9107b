package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/db"
	"github.com/parleyhq/parley/pkg/event"
	"gorm.io/gorm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *gorm.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "parley.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	return store
}

func TestAppendAssignsIdentity(t *testing.T) {
	svc := NewMessageLogService(newTestStore(t), testLogger())

	turn := &db.Turn{Sender: db.SenderUser, Text: "hello"}
	id, err := svc.Append(context.Background(), "conv-1", turn)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if id == "" || turn.ID != id {
		t.Errorf("Append() id = %q, turn.ID = %q; want matching non-empty id", id, turn.ID)
	}
	if turn.ConversationID != "conv-1" {
		t.Errorf("turn.ConversationID = %q, want %q", turn.ConversationID, "conv-1")
	}
	if turn.CreatedAt.IsZero() {
		t.Error("turn.CreatedAt is zero, want assigned")
	}
	if turn.Seq == 0 {
		t.Error("turn.Seq = 0, want assigned")
	}
}

func TestTurnsOrderedSameInstant(t *testing.T) {
	svc := NewMessageLogService(newTestStore(t), testLogger())

	// Freeze the clock so every turn shares one timestamp; the write
	// sequence alone must keep them in append order.
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	texts := []string{"one", "two", "three", "four", "five"}
	for _, text := range texts {
		if _, err := svc.Append(context.Background(), "conv-1", &db.Turn{Sender: db.SenderUser, Text: text}); err != nil {
			t.Fatalf("Append(%q) error = %v", text, err)
		}
	}

	turns, err := svc.Turns(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if len(turns) != len(texts) {
		t.Fatalf("len(turns) = %d, want %d", len(turns), len(texts))
	}
	for i, turn := range turns {
		if turn.Text != texts[i] {
			t.Errorf("turns[%d].Text = %q, want %q", i, turn.Text, texts[i])
		}
	}
}

func TestTurnsScopedToConversation(t *testing.T) {
	svc := NewMessageLogService(newTestStore(t), testLogger())

	if _, err := svc.Append(context.Background(), "conv-a", &db.Turn{Sender: db.SenderUser, Text: "a"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := svc.Append(context.Background(), "conv-b", &db.Turn{Sender: db.SenderUser, Text: "b"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	turns, err := svc.Turns(context.Background(), "conv-a")
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if len(turns) != 1 || turns[0].Text != "a" {
		t.Errorf("Turns(conv-a) = %+v, want exactly the one turn %q", turns, "a")
	}
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	svc := NewMessageLogService(newTestStore(t), testLogger())
	ctx := context.Background()

	var snapshots [][]db.Turn
	off := svc.Subscribe("conv-1",
		func(turns []db.Turn) { snapshots = append(snapshots, turns) },
		func(err error) { t.Errorf("unexpected stream error: %v", err) })
	defer off()

	// The initial snapshot of an empty log is an empty slice, not an error
	// and not a placeholder turn.
	if len(snapshots) != 1 {
		t.Fatalf("after subscribe: %d snapshots, want 1", len(snapshots))
	}
	if len(snapshots[0]) != 0 {
		t.Errorf("initial snapshot has %d turns, want 0", len(snapshots[0]))
	}

	if _, err := svc.Append(ctx, "conv-1", &db.Turn{Sender: db.SenderUser, Text: "hi"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := svc.Append(ctx, "conv-1", &db.Turn{Sender: db.SenderAssistant, Text: "hello"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if len(snapshots) != 3 {
		t.Fatalf("after two appends: %d snapshots, want 3", len(snapshots))
	}
	last := snapshots[len(snapshots)-1]
	if len(last) != 2 || last[0].Text != "hi" || last[1].Text != "hello" {
		t.Errorf("final snapshot = %+v, want [hi hello] in order", last)
	}

	// Appends on other conversations must not push.
	if _, err := svc.Append(ctx, "conv-other", &db.Turn{Sender: db.SenderUser, Text: "x"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(snapshots) != 3 {
		t.Errorf("after unrelated append: %d snapshots, want 3", len(snapshots))
	}

	// After unsubscribe nothing is delivered.
	off()
	if _, err := svc.Append(ctx, "conv-1", &db.Turn{Sender: db.SenderUser, Text: "late"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(snapshots) != 3 {
		t.Errorf("after unsubscribe: %d snapshots, want 3", len(snapshots))
	}
}

func TestSubscribeStreamErrorIsTerminal(t *testing.T) {
	store := newTestStore(t)
	svc := NewMessageLogService(store, testLogger())

	var snapshots int
	var streamErrs []error
	off := svc.Subscribe("conv-1",
		func([]db.Turn) { snapshots++ },
		func(err error) { streamErrs = append(streamErrs, err) })
	defer off()

	if snapshots != 1 || len(streamErrs) != 0 {
		t.Fatalf("after subscribe: %d snapshots, %d errors; want 1 and 0", snapshots, len(streamErrs))
	}

	// Break the store underneath the live view; the next push must fail.
	sqlDB, err := store.DB()
	if err != nil {
		t.Fatalf("store.DB() error = %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	event.Emit(event.TurnAppendedEvent{ConversationID: "conv-1", TurnID: "t1"})

	if len(streamErrs) != 1 {
		t.Fatalf("stream errors = %d, want exactly 1", len(streamErrs))
	}
	var se *StreamError
	if !errors.As(streamErrs[0], &se) {
		t.Errorf("stream error = %v, want *StreamError", streamErrs[0])
	}
	if snapshots != 1 {
		t.Errorf("snapshots = %d after failure, want unchanged 1", snapshots)
	}

	// The subscription tore itself down: further events deliver nothing,
	// and the error is never repeated.
	event.Emit(event.TurnAppendedEvent{ConversationID: "conv-1", TurnID: "t2"})
	if snapshots != 1 || len(streamErrs) != 1 {
		t.Errorf("after teardown: %d snapshots, %d errors; want 1 and 1", snapshots, len(streamErrs))
	}
}

func TestDeletePage(t *testing.T) {
	svc := NewMessageLogService(newTestStore(t), testLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Append(ctx, "conv-1", &db.Turn{Sender: db.SenderUser, Text: "t"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	var pages []int64
	for {
		n, err := svc.DeletePage(ctx, "conv-1", 2)
		if err != nil {
			t.Fatalf("DeletePage() error = %v", err)
		}
		if n == 0 {
			break
		}
		pages = append(pages, n)
		if n < 2 {
			break
		}
	}

	want := []int64{2, 2, 1}
	if len(pages) != len(want) {
		t.Fatalf("pages = %v, want %v", pages, want)
	}
	for i := range want {
		if pages[i] != want[i] {
			t.Fatalf("pages = %v, want %v", pages, want)
		}
	}

	turns, err := svc.Turns(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Turns() error = %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("len(turns) = %d after full drain, want 0", len(turns))
	}
}
