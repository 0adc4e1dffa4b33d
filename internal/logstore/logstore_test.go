package logstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/soundline/duplex/internal/logstore"
	"github.com/soundline/duplex/internal/voice"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if DUPLEX_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("DUPLEX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DUPLEX_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *logstore.Store {
	t.Helper()
	store, err := logstore.Open(context.Background(), testDSN(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_SaveAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sessionID := "test-" + time.Now().UTC().Format("20060102150405.000")

	records := []voice.InteractionRecord{
		{Turn: 1, StartedAt: time.Now().UTC(), AudioDuration: 1200 * time.Millisecond, ToolCalls: 0},
		{Turn: 2, StartedAt: time.Now().UTC(), AudioDuration: 800 * time.Millisecond, ToolCalls: 2, Interrupted: true},
	}
	for _, rec := range records {
		if err := store.Save(ctx, sessionID, rec); err != nil {
			t.Fatalf("Save turn %d: %v", rec.Turn, err)
		}
	}

	got, err := store.Session(ctx, sessionID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Turn != 1 || got[1].Turn != 2 {
		t.Errorf("turn order = %d, %d; want 1, 2", got[0].Turn, got[1].Turn)
	}
	if got[1].AudioDuration != 800*time.Millisecond {
		t.Errorf("audio duration = %v, want 800ms", got[1].AudioDuration)
	}
	if !got[1].Interrupted {
		t.Error("second record not marked interrupted")
	}
	if got[1].ToolCalls != 2 {
		t.Errorf("tool calls = %d, want 2", got[1].ToolCalls)
	}
}

func TestStore_EmptySession(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Session(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d records for unknown session, want 0", len(got))
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
