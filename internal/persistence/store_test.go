package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentgate/internal/bus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "agentgate.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestOpen_SchemaIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentgate.db")
	s1, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := s1.AppendMessage(context.Background(), NewMessage{SessionID: "s1", Role: RoleHuman, Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = s1.Close()

	s2, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	items, err := s2.ListMessages(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 message after reopen, got %d", len(items))
	}
}

func TestOpen_ChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentgate.db")
	s1, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s1.DB().Exec(`UPDATE schema_migrations SET checksum = 'bogus' WHERE version = ?`, schemaVersionLatest); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = s1.Close()

	if _, err := OpenSQLite(path, nil); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestConversationLog(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func(t *testing.T, s *Store, ctx context.Context)
	}{
		{
			name: "append assigns id and timestamp",
			fn: func(t *testing.T, s *Store, ctx context.Context) {
				before := time.Now().UTC().Add(-time.Second)
				m, err := s.AppendMessage(ctx, NewMessage{SessionID: "assign", Role: RoleHuman, Content: "list files"})
				if err != nil {
					t.Fatalf("append: %v", err)
				}
				if m.ID <= 0 {
					t.Fatalf("expected positive id, got %d", m.ID)
				}
				if m.CreatedAt.Before(before) {
					t.Fatalf("created_at %v is before %v", m.CreatedAt, before)
				}
				if m.Metadata != nil {
					t.Fatalf("expected nil metadata, got %s", m.Metadata)
				}
			},
		},
		{
			name: "ids increase monotonically",
			fn: func(t *testing.T, s *Store, ctx context.Context) {
				var last int64
				for i := 0; i < 5; i++ {
					m, err := s.AppendMessage(ctx, NewMessage{SessionID: "mono", Role: RoleHuman, Content: fmt.Sprint(i)})
					if err != nil {
						t.Fatalf("append %d: %v", i, err)
					}
					if m.ID <= last {
						t.Fatalf("id %d not greater than previous %d", m.ID, last)
					}
					last = m.ID
				}
			},
		},
		{
			name: "human then agent order preserved",
			fn: func(t *testing.T, s *Store, ctx context.Context) {
				h, err := s.AppendMessage(ctx, NewMessage{SessionID: "s1", Role: RoleHuman, Content: "list files"})
				if err != nil {
					t.Fatalf("append human: %v", err)
				}
				a, err := s.AppendMessage(ctx, NewMessage{SessionID: "s1", Role: RoleAgent, Content: "README.md, main.go"})
				if err != nil {
					t.Fatalf("append agent: %v", err)
				}
				if a.CreatedAt.Before(h.CreatedAt) {
					t.Fatalf("agent turn %v created before human turn %v", a.CreatedAt, h.CreatedAt)
				}
				items, err := s.ListMessages(ctx, "s1", 10)
				if err != nil {
					t.Fatalf("list: %v", err)
				}
				if len(items) != 2 {
					t.Fatalf("expected 2 messages, got %d", len(items))
				}
				if items[0].Role != RoleHuman || items[0].Content != "list files" {
					t.Fatalf("first turn = %+v", items[0])
				}
				if items[1].Role != RoleAgent || items[1].Content != "README.md, main.go" {
					t.Fatalf("second turn = %+v", items[1])
				}
			},
		},
		{
			name: "metadata round trips as json object",
			fn: func(t *testing.T, s *Store, ctx context.Context) {
				_, err := s.AppendMessage(ctx, NewMessage{
					SessionID: "meta",
					Role:      RoleAgent,
					Content:   "sorry",
					Metadata:  map[string]any{"error": true, "requestId": "r1"},
				})
				if err != nil {
					t.Fatalf("append: %v", err)
				}
				items, err := s.ListMessages(ctx, "meta", 10)
				if err != nil {
					t.Fatalf("list: %v", err)
				}
				var meta map[string]any
				if err := json.Unmarshal(items[0].Metadata, &meta); err != nil {
					t.Fatalf("decode metadata %s: %v", items[0].Metadata, err)
				}
				if meta["error"] != true || meta["requestId"] != "r1" {
					t.Fatalf("unexpected metadata %v", meta)
				}
			},
		},
		{
			name: "limit keeps most recent turns oldest first",
			fn: func(t *testing.T, s *Store, ctx context.Context) {
				for i := 0; i < 20; i++ {
					if _, err := s.AppendMessage(ctx, NewMessage{SessionID: "limit", Role: RoleHuman, Content: fmt.Sprintf("msg-%02d", i)}); err != nil {
						t.Fatalf("append %d: %v", i, err)
					}
				}
				items, err := s.ListMessages(ctx, "limit", 5)
				if err != nil {
					t.Fatalf("list: %v", err)
				}
				if len(items) != 5 {
					t.Fatalf("expected 5, got %d", len(items))
				}
				for i, m := range items {
					want := fmt.Sprintf("msg-%02d", 15+i)
					if m.Content != want {
						t.Fatalf("items[%d] = %q, want %q", i, m.Content, want)
					}
				}
			},
		},
		{
			name: "sessions are isolated",
			fn: func(t *testing.T, s *Store, ctx context.Context) {
				if _, err := s.AppendMessage(ctx, NewMessage{SessionID: "iso-a", Role: RoleHuman, Content: "a"}); err != nil {
					t.Fatalf("append: %v", err)
				}
				if _, err := s.AppendMessage(ctx, NewMessage{SessionID: "iso-b", Role: RoleHuman, Content: "b"}); err != nil {
					t.Fatalf("append: %v", err)
				}
				items, err := s.ListMessages(ctx, "iso-a", 10)
				if err != nil {
					t.Fatalf("list: %v", err)
				}
				if len(items) != 1 || items[0].Content != "a" {
					t.Fatalf("expected only session a, got %+v", items)
				}
			},
		},
		{
			name: "unknown session returns empty slice",
			fn: func(t *testing.T, s *Store, ctx context.Context) {
				items, err := s.ListMessages(ctx, "nobody", 10)
				if err != nil {
					t.Fatalf("list: %v", err)
				}
				if items == nil || len(items) != 0 {
					t.Fatalf("expected empty non-nil slice, got %#v", items)
				}
			},
		},
		{
			name: "repeated reads are stable",
			fn: func(t *testing.T, s *Store, ctx context.Context) {
				for i := 0; i < 4; i++ {
					if _, err := s.AppendMessage(ctx, NewMessage{SessionID: "stable", Role: RoleHuman, Content: fmt.Sprint(i)}); err != nil {
						t.Fatalf("append: %v", err)
					}
				}
				first, err := s.ListMessages(ctx, "stable", 0)
				if err != nil {
					t.Fatalf("list: %v", err)
				}
				second, err := s.ListMessages(ctx, "stable", 0)
				if err != nil {
					t.Fatalf("list: %v", err)
				}
				if len(first) != len(second) {
					t.Fatalf("read lengths differ: %d vs %d", len(first), len(second))
				}
				for i := range first {
					if first[i].ID != second[i].ID {
						t.Fatalf("read %d differs: %d vs %d", i, first[i].ID, second[i].ID)
					}
					if i > 0 && first[i].ID <= first[i-1].ID {
						t.Fatalf("read not in insert order at %d", i)
					}
				}
			},
		},
		{
			name: "insert order wins over a clock step back",
			fn: func(t *testing.T, s *Store, ctx context.Context) {
				human, err := s.AppendMessage(ctx, NewMessage{SessionID: "clock", Role: RoleHuman, Content: "q"})
				if err != nil {
					t.Fatalf("append human: %v", err)
				}
				// The agent turn carries a timestamp earlier than the human
				// turn, as after an NTP correction.
				if _, err := s.db.ExecContext(ctx, `
					INSERT INTO messages (session_id, role, content, created_at)
					VALUES ('clock', 'agent', 'a', '2000-01-01T00:00:00.000Z');
				`); err != nil {
					t.Fatalf("insert backdated agent turn: %v", err)
				}
				got, err := s.ListMessages(ctx, "clock", 0)
				if err != nil {
					t.Fatalf("list: %v", err)
				}
				if len(got) != 2 || got[0].ID != human.ID || got[1].Role != RoleAgent {
					t.Fatalf("got %+v, want human turn first", got)
				}
				if !got[1].CreatedAt.Before(got[0].CreatedAt) {
					t.Fatal("setup: agent turn should carry the earlier timestamp")
				}
			},
		},
		{
			name: "invalid role rejected",
			fn: func(t *testing.T, s *Store, ctx context.Context) {
				_, err := s.AppendMessage(ctx, NewMessage{SessionID: "x", Role: "system", Content: "nope"})
				if !errors.Is(err, ErrInvalidMessage) {
					t.Fatalf("expected ErrInvalidMessage, got %v", err)
				}
			},
		},
		{
			name: "empty session rejected",
			fn: func(t *testing.T, s *Store, ctx context.Context) {
				_, err := s.AppendMessage(ctx, NewMessage{Role: RoleHuman, Content: "nope"})
				if !errors.Is(err, ErrInvalidMessage) {
					t.Fatalf("expected ErrInvalidMessage, got %v", err)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, store, ctx)
		})
	}
}

func TestStore_AppendOnlyTriggers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	m, err := store.AppendMessage(ctx, NewMessage{SessionID: "s1", Role: RoleHuman, Content: "keep me"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `UPDATE messages SET content = 'changed' WHERE id = ?`, m.ID); err == nil {
		t.Fatal("expected update to be rejected")
	}
	if _, err := store.DB().ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, m.ID); err == nil {
		t.Fatal("expected delete to be rejected")
	}
	items, err := store.ListMessages(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].Content != "keep me" {
		t.Fatalf("message mutated: %+v", items)
	}
}

func TestStore_ConcurrentAppends(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := store.AppendMessage(ctx, NewMessage{SessionID: "busy", Role: RoleHuman, Content: fmt.Sprintf("%d-%d", w, i)}); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}
	items, err := store.ListMessages(ctx, "busy", MaxListLimit)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != writers*perWriter {
		t.Fatalf("expected %d messages, got %d", writers*perWriter, len(items))
	}
}

func TestStore_PublishesAppendedEvent(t *testing.T) {
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicMessageAppended)
	defer eventBus.Unsubscribe(sub)

	store, err := OpenSQLite(filepath.Join(t.TempDir(), "agentgate.db"), eventBus)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	m, err := store.AppendMessage(context.Background(), NewMessage{SessionID: "s1", Role: RoleHuman, Content: "hi"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		got, ok := ev.Payload.(Message)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if got.ID != m.ID {
			t.Fatalf("event id %d, want %d", got.ID, m.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for appended event")
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := errors.New("database is locked")
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name      string
		ctx       context.Context
		failures  int
		failWith  error
		wantErr   bool
		wantCalls int
	}{
		{name: "success first try", ctx: context.Background(), wantCalls: 1},
		{name: "busy then success", ctx: context.Background(), failures: 2, failWith: busy, wantCalls: 3},
		{name: "non-busy not retried", ctx: context.Background(), failures: 10, failWith: errors.New("constraint failed"), wantErr: true, wantCalls: 1},
		{name: "retries exhausted", ctx: context.Background(), failures: 10, failWith: busy, wantErr: true, wantCalls: 3},
		{name: "canceled context stops retry", ctx: canceled, failures: 10, failWith: busy, wantErr: true, wantCalls: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := retryOnBusy(tc.ctx, 2, func() error {
				calls++
				if calls <= tc.failures {
					return tc.failWith
				}
				return nil
			})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
		})
	}
}

func TestIsSQLiteBusy(t *testing.T) {
	cases := map[string]bool{
		"database is locked":          true,
		"database table is locked":    true,
		"SQLITE_BUSY (5)":             true,
		"wrapped: database is locked": true,
		"UNIQUE constraint failed":    false,
	}
	for msg, want := range cases {
		if got := isSQLiteBusy(errors.New(msg)); got != want {
			t.Errorf("isSQLiteBusy(%q) = %v, want %v", msg, got, want)
		}
	}
	if isSQLiteBusy(nil) {
		t.Error("nil error reported as busy")
	}
}

func TestOpen_DriverSelection(t *testing.T) {
	ctx := context.Background()
	log, err := Open(ctx, OpenConfig{Path: filepath.Join(t.TempDir(), "a.db")}, nil)
	if err != nil {
		t.Fatalf("open default: %v", err)
	}
	defer log.Close()
	if _, ok := log.(*Store); !ok {
		t.Fatalf("expected sqlite store, got %T", log)
	}

	if _, err := Open(ctx, OpenConfig{Driver: "mysql"}, nil); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(ctx, OpenConfig{Driver: DriverPostgres}, nil); err == nil {
		t.Fatal("expected missing dsn error")
	}
}
