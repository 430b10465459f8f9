package presence

import (
	"context"
	"testing"
	"time"
)

func TestNotifierDeliversFreshRosterOnChangeEvent(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	feed := NewChangeFeed()
	store, err := NewStore(StoreConfig{
		Database: openTestDatabase(t),
		Feed:     feed,
		Clock:    fixedClock(now),
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	notifier, err := NewNotifier(NotifierConfig{Store: store, Feed: feed})
	if err != nil {
		t.Fatalf("unexpected notifier error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rosters, cleanup := notifier.Subscribe(ctx, mustDocumentID(t, 7))
	defer cleanup()

	store.UpsertPresence(ctx, UpsertRequest{
		DocumentID:     mustDocumentID(t, 7),
		UserID:         mustUserID(t, "user-1"),
		FieldName:      mustFieldName(t, "title"),
		CursorPosition: 4,
	})

	select {
	case roster := <-rosters:
		if len(roster) != 1 {
			t.Fatalf("expected 1 active editor, got %d", len(roster))
		}
		if roster[0].Record.CursorPosition != 4 {
			t.Fatalf("expected cursor position 4, got %d", roster[0].Record.CursorPosition)
		}
	case <-time.After(time.Second):
		t.Fatal("expected roster within deadline")
	}
}

func TestNotifierCleanupStopsDelivery(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	feed := NewChangeFeed()
	store, err := NewStore(StoreConfig{
		Database: openTestDatabase(t),
		Feed:     feed,
		Clock:    fixedClock(now),
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	notifier, err := NewNotifier(NotifierConfig{Store: store, Feed: feed})
	if err != nil {
		t.Fatalf("unexpected notifier error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rosters, cleanup := notifier.Subscribe(ctx, mustDocumentID(t, 7))
	cleanup()

	store.UpsertPresence(ctx, UpsertRequest{
		DocumentID:     mustDocumentID(t, 7),
		UserID:         mustUserID(t, "user-1"),
		FieldName:      mustFieldName(t, "title"),
		CursorPosition: 0,
	})

	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case _, ok := <-rosters:
			if !ok {
				return
			}
			t.Fatal("did not expect roster after cleanup")
		case <-deadline:
			return
		}
	}
}

func TestNotifierRequiresDependencies(t *testing.T) {
	if _, err := NewNotifier(NotifierConfig{Feed: NewChangeFeed()}); err == nil {
		t.Fatal("expected error for missing store")
	}
	store, err := NewStore(StoreConfig{Database: openTestDatabase(t)})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if _, err := NewNotifier(NotifierConfig{Store: store}); err == nil {
		t.Fatal("expected error for missing feed")
	}
}
