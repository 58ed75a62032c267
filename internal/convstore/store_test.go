package convstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" && cfg.RetentionMode != "ephemeral" {
		cfg.Path = filepath.Join(t.TempDir(), "conversation.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// steppingClock advances by a fixed step on every call.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(step)
		return now
	}
}

func TestRoundTripPreservesEveryField(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{RetentionMode: "persistent"})

	zone := time.FixedZone("UTC+2", 2*60*60)
	in := Message{Role: RoleUser, Content: "héllo\nworld", Status: StatusCommitted, Timestamp: time.Date(2026, 3, 4, 5, 6, 7, 123456789, zone)}
	stored, err := s.Append(ctx, in)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if stored.ID == 0 {
		t.Fatal("expected an id")
	}
	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one message, got %d", len(got))
	}
	if got[0] != stored {
		t.Fatalf("read back %+v, appended %+v", got[0], stored)
	}
	if !got[0].Timestamp.Equal(in.Timestamp) || got[0].Content != in.Content || got[0].Role != in.Role || got[0].Status != in.Status {
		t.Fatalf("fields changed in round trip: %+v vs %+v", got[0], in)
	}
}

func TestListMatchesAppendOrder(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{RetentionMode: "persistent"})
	s.clock = steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Nanosecond)

	var want []Message
	for i, role := range []string{RoleSystem, RoleUser, RoleAssistant, RoleUser, RoleAssistant} {
		m, err := s.Append(ctx, Message{Role: role, Content: string(rune('a' + i)), Status: StatusCommitted})
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, m)
	}
	got, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %+v want %+v", i, got[i], want[i])
		}
	}

	last, err := s.Last(ctx)
	if err != nil || last != want[len(want)-1] {
		t.Fatalf("unexpected last %+v (%v)", last, err)
	}
}

func TestSameTimestampOrdersById(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{RetentionMode: "ephemeral"})
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return fixed }

	first, _ := s.Append(ctx, Message{Role: RoleUser, Content: "1", Status: StatusCommitted})
	second, _ := s.Append(ctx, Message{Role: RoleAssistant, Content: "2", Status: StatusCommitted})
	got, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestRecentReturnsLatestCommitted(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{RetentionMode: "ephemeral"})
	s.clock = steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)

	for i := 0; i < 14; i++ {
		status := StatusCommitted
		if i == 12 {
			status = StatusError
		}
		if _, err := s.Append(ctx, Message{Role: RoleUser, Content: string(rune('a' + i)), Status: status}); err != nil {
			t.Fatal(err)
		}
	}
	recent, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(recent))
	}
	if recent[0].Content != "c" || recent[9].Content != "n" {
		t.Fatalf("unexpected window %q..%q", recent[0].Content, recent[9].Content)
	}
	for _, m := range recent {
		if m.Status != StatusCommitted {
			t.Fatalf("non-committed message in context: %+v", m)
		}
	}
}

func TestCommitPendingOnly(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{RetentionMode: "ephemeral"})
	m, err := s.Append(ctx, Message{Role: RoleUser, Content: "hi", Status: StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx, m.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	last, _ := s.Last(ctx)
	if last.Status != StatusCommitted {
		t.Fatalf("expected committed, got %s", last.Status)
	}
	if err := s.Commit(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second commit should fail, got %v", err)
	}
}

func TestAppendRejectsInvalidFields(t *testing.T) {
	s := openStore(t, config.StoreConfig{RetentionMode: "ephemeral"})
	if _, err := s.Append(context.Background(), Message{Role: "robot", Status: StatusCommitted}); err == nil {
		t.Fatal("expected invalid role error")
	}
	if _, err := s.Append(context.Background(), Message{Role: RoleUser, Status: "draft"}); err == nil {
		t.Fatal("expected invalid status error")
	}
	if _, err := s.Last(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{RetentionMode: "ephemeral"})
	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, Message{Role: RoleUser, Content: "x", Status: StatusCommitted}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.DeleteAll(ctx)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 deleted, got %d (%v)", n, err)
	}
	if c, _ := s.Count(ctx); c != 0 {
		t.Fatalf("expected empty store, got %d", c)
	}
}

func TestPruneByDaysAndMaxMessages(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxMessages: 2})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := s.Append(ctx, Message{Role: RoleUser, Content: "old", Status: StatusCommitted}); err != nil {
		t.Fatal(err)
	}
	s.clock = steppingClock(time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC), time.Minute)
	for _, c := range []string{"a", "b", "c"} {
		if _, err := s.Append(ctx, Message{Role: RoleUser, Content: c, Status: StatusCommitted}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	got, _ := s.List(ctx)
	if len(got) != 2 || got[0].Content != "b" || got[1].Content != "c" {
		t.Fatalf("unexpected survivors %+v", got)
	}
}

func TestSessionModeStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversation.db")
	cfg := config.StoreConfig{Path: path, RetentionMode: "persistent"}
	s := openStore(t, cfg)
	if _, err := s.Append(context.Background(), Message{Role: RoleUser, Content: "keep", Status: StatusCommitted}); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	reopened := openStore(t, cfg)
	if n, _ := reopened.Count(context.Background()); n != 1 {
		t.Fatalf("persistent store lost history: %d", n)
	}
	_ = reopened.Close()

	cfg.RetentionMode = "session"
	session := openStore(t, cfg)
	if n, _ := session.Count(context.Background()); n != 0 {
		t.Fatalf("session store should start empty, got %d", n)
	}
}

func TestWatchDeliversSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := openStore(t, config.StoreConfig{RetentionMode: "ephemeral"})

	feed := s.Watch(ctx)
	next := func() []Message {
		t.Helper()
		select {
		case msgs := <-feed:
			return msgs
		case <-time.After(2 * time.Second):
			t.Fatal("no snapshot")
		}
		return nil
	}
	if got := next(); len(got) != 0 {
		t.Fatalf("expected empty initial snapshot, got %v", got)
	}
	if _, err := s.Append(ctx, Message{Role: RoleUser, Content: "one", Status: StatusCommitted}); err != nil {
		t.Fatal(err)
	}
	if got := next(); len(got) != 1 || got[0].Content != "one" {
		t.Fatalf("unexpected snapshot %v", got)
	}
	if _, err := s.DeleteAll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := next(); len(got) != 0 {
		t.Fatalf("expected empty snapshot after delete, got %v", got)
	}

	cancel()
	select {
	case _, ok := <-feed:
		if ok {
			// A snapshot may have been in flight; the feed must still close.
			for range feed {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feed not closed after cancel")
	}
}
