package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "nanoclaw.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenCreatesSchemaAndIsReopenable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nanoclaw.db")

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.IntegrityCheck(context.Background()); err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen must pass the checksum ledger check without re-migrating.
	store2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = store2.Close()
}

func TestChecksumMismatchIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nanoclaw.db")

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = ?;`, schemaVersionLatest)
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = store.Close()

	if _, err := Open(path, nil); err == nil {
		t.Fatal("expected checksum mismatch to fail open")
	}
}

func TestInsertMessageDuplicateIsSilentNoop(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	msg := ChatMessage{
		ChatAddress: "telegram:42",
		MessageID:   "m1",
		SenderID:    "u1",
		Content:     "hello",
		Timestamp:   time.Unix(1000, 0).UTC(),
	}
	if err := store.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	msg.Content = "changed"
	if err := store.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("duplicate insert should not error: %v", err)
	}

	msgs, err := store.MessagesAfter(ctx, "telegram:42", time.Time{}, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" {
		t.Fatalf("duplicate overwrote content: %q", msgs[0].Content)
	}
}

func TestMessagesAfterIsExclusiveAndOrdered(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Unix(2000, 0).UTC()
	for i, id := range []string{"a", "b", "c"} {
		err := store.InsertMessage(ctx, ChatMessage{
			ChatAddress: "ws:chat1",
			MessageID:   id,
			SenderID:    "u",
			Content:     id,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	msgs, err := store.MessagesAfter(ctx, "ws:chat1", base, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("after-boundary read returned %d messages, want 2", len(msgs))
	}
	if msgs[0].MessageID != "b" || msgs[1].MessageID != "c" {
		t.Fatalf("order wrong: %v %v", msgs[0].MessageID, msgs[1].MessageID)
	}
}

func TestCursorMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	addr := "telegram:7"

	if err := store.AdvanceCursor(ctx, addr, time.Unix(5000, 0)); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// Stale advance must be ignored.
	if err := store.AdvanceCursor(ctx, addr, time.Unix(4000, 0)); err != nil {
		t.Fatalf("stale advance: %v", err)
	}
	cur, err := store.GetCursor(ctx, addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !cur.Equal(time.Unix(5000, 0).UTC()) {
		t.Fatalf("cursor regressed: %v", cur)
	}

	if err := store.AdvanceCursor(ctx, addr, time.Unix(6000, 0)); err != nil {
		t.Fatalf("forward advance: %v", err)
	}
	cur, _ = store.GetCursor(ctx, addr)
	if !cur.Equal(time.Unix(6000, 0).UTC()) {
		t.Fatalf("cursor did not advance: %v", cur)
	}
}

func TestCursorMissingIsZero(t *testing.T) {
	store := openTestStore(t)
	cur, err := store.GetCursor(context.Background(), "telegram:none")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !cur.IsZero() {
		t.Fatalf("expected zero cursor, got %v", cur)
	}
}

func TestLastUserMessageTimeIgnoresBot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	addr := "telegram:9"

	base := time.Unix(3000, 0).UTC()
	_ = store.InsertMessage(ctx, ChatMessage{ChatAddress: addr, MessageID: "u1", SenderID: "u", Content: "hi", Timestamp: base})
	_ = store.InsertMessage(ctx, ChatMessage{ChatAddress: addr, MessageID: "b1", SenderID: "bot", Content: "yo", IsFromBot: true, Timestamp: base.Add(time.Minute)})

	ts, err := store.LastUserMessageTime(ctx, addr)
	if err != nil {
		t.Fatalf("last user ts: %v", err)
	}
	if !ts.Equal(base) {
		t.Fatalf("bot message leaked into user timestamp: %v", ts)
	}

	ok, err := store.HasAgentMessageAfter(ctx, addr, base)
	if err != nil {
		t.Fatalf("has agent after: %v", err)
	}
	if !ok {
		t.Fatal("expected agent reply after base")
	}
	ok, _ = store.HasAgentMessageAfter(ctx, addr, base.Add(2*time.Minute))
	if ok {
		t.Fatal("no agent reply exists after that instant")
	}
}

func TestKVRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if v, err := store.KVGet(ctx, "absent"); err != nil || v != "" {
		t.Fatalf("absent key: %q %v", v, err)
	}
	if err := store.KVSet(ctx, "update_stamp:main", "123"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.KVSet(ctx, "update_stamp:main", "456"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err := store.KVGet(ctx, "update_stamp:main")
	if err != nil || v != "456" {
		t.Fatalf("get: %q %v", v, err)
	}
}

func TestRetryOnBusyGivesUpOnOtherErrors(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 5, func() error {
		calls++
		return errors.New("constraint violation")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("non-busy error retried %d times", calls)
	}
}

func TestRetryOnBusyRetriesBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 5, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}
