package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCursorUpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertCursor(ctx, "src1", 10, "hashA"); err != nil {
		t.Fatalf("upsert cursor: %v", err)
	}
	h, hash, ok, err := store.GetCursor(ctx, "src1")
	if err != nil || !ok {
		t.Fatalf("get cursor failed err=%v ok=%v", err, ok)
	}
	if h != 10 || hash != "hashA" {
		t.Fatalf("unexpected cursor: %d %s", h, hash)
	}

	if err := store.UpsertCursor(ctx, "src1", 20, "hashB"); err != nil {
		t.Fatalf("upsert cursor update: %v", err)
	}
	h, hash, ok, err = store.GetCursor(ctx, "src1")
	if err != nil || !ok || h != 20 || hash != "hashB" {
		t.Fatalf("cursor not updated: %d %s err=%v ok=%v", h, hash, err, ok)
	}

	if _, _, ok, err := store.GetCursor(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing cursor, ok=%v err=%v", ok, err)
	}
}

func TestListCursors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a"} {
		if err := store.UpsertCursor(ctx, id, 1, "h"); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	cursors, err := store.ListCursors(ctx)
	if err != nil {
		t.Fatalf("list cursors: %v", err)
	}
	if len(cursors) != 2 || cursors[0].SourceID != "a" || cursors[1].SourceID != "b" {
		t.Fatalf("unexpected cursors: %+v", cursors)
	}
}

func TestDedupeTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.MarkDedupe(ctx, "k1", now.Add(1*time.Second)); err != nil {
		t.Fatalf("mark dedupe: %v", err)
	}
	dup, err := store.IsDuplicate(ctx, "k1", now)
	if err != nil {
		t.Fatalf("is duplicate: %v", err)
	}
	if !dup {
		t.Fatalf("expected duplicate before expiry")
	}

	later := now.Add(2 * time.Second)
	dup, err = store.IsDuplicate(ctx, "k1", later)
	if err != nil {
		t.Fatalf("is duplicate later: %v", err)
	}
	if dup {
		t.Fatalf("expected non-duplicate after expiry")
	}
}

func TestExactlyOnceAnnouncement(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := Announcement{
		ID:          "a1",
		EventKey:    "0xaa|100|0x1",
		Signer:      "0xaa",
		PledgedAt:   100,
		TxHash:      "0x1",
		PayloadJSON: `{"x":1}`,
		CreatedAt:   time.Now(),
	}

	if err := store.InsertAnnouncement(ctx, a); err != nil {
		t.Fatalf("insert announcement: %v", err)
	}
	if err := store.InsertAnnouncement(ctx, a); err == nil {
		t.Fatalf("expected duplicate announcement insert to fail")
	}

	older := a
	older.ID, older.EventKey, older.PledgedAt = "a0", "0xaa|50|", 50
	older.TxHash = ""
	if err := store.InsertAnnouncement(ctx, older); err != nil {
		t.Fatalf("insert older: %v", err)
	}

	list, err := store.ListAnnouncements(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "a1" || list[1].ID != "a0" {
		t.Fatalf("unexpected order: %+v", list)
	}

	list, err = store.ListAnnouncements(ctx, 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("limit not applied: %d err=%v", len(list), err)
	}
}

func TestExactlyOnceSend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := Send{AnnouncementID: "a1", SinkID: "slack", Status: "sent", ResponseCode: 200}
	if err := store.InsertSend(ctx, s); err != nil {
		t.Fatalf("insert send: %v", err)
	}
	if err := store.InsertSend(ctx, s); err == nil {
		t.Fatalf("expected duplicate send insert to fail")
	}
	if err := store.InsertSend(ctx, Send{AnnouncementID: "a1"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	store.Close()
	if err := store.Ping(ctx); err == nil {
		t.Fatalf("expected ping to fail after close")
	}
}

func TestAnnouncementKeyIsUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := Announcement{ID: "a1", EventKey: "0xaa|100|0x1", Signer: "0xaa", PledgedAt: 100}
	if err := store.InsertAnnouncement(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}
	a.ID = "a2"
	if err := store.InsertAnnouncement(ctx, a); !errors.Is(err, ErrAlreadyAnnounced) {
		t.Fatalf("expected ErrAlreadyAnnounced, got %v", err)
	}
}

func TestPruneDedupe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for key, exp := range map[string]time.Time{
		"old":   now.Add(-time.Minute),
		"older": now.Add(-time.Hour),
		"fresh": now.Add(time.Hour),
	} {
		if err := store.MarkDedupe(ctx, key, exp); err != nil {
			t.Fatalf("mark %s: %v", key, err)
		}
	}
	n, err := store.PruneDedupe(ctx, now)
	if err != nil || n != 2 {
		t.Fatalf("prune removed %d err=%v, want 2", n, err)
	}
	if dup, _ := store.IsDuplicate(ctx, "fresh", now); !dup {
		t.Fatalf("fresh key pruned")
	}
}

func TestListSinkStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	sends := []Send{
		{AnnouncementID: "a1", SinkID: "slack", Status: "sent", CreatedAt: at},
		{AnnouncementID: "a2", SinkID: "slack", Status: "failed", ResponseCode: 500, CreatedAt: at.Add(time.Minute)},
		{AnnouncementID: "a1", SinkID: "hook", Status: "sent", CreatedAt: at},
	}
	for _, s := range sends {
		if err := store.InsertSend(ctx, s); err != nil {
			t.Fatalf("insert send: %v", err)
		}
	}

	stats, err := store.ListSinkStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 2 || stats[0].SinkID != "hook" || stats[1].SinkID != "slack" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats[1].Sent != 1 || stats[1].Failed != 1 {
		t.Fatalf("slack counts: %+v", stats[1])
	}
	if !stats[1].LastSend.Equal(at.Add(time.Minute)) {
		t.Fatalf("last send = %v", stats[1].LastSend)
	}
}
