package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/roelfdiedericks/codemem/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenAt(filepath.Join(t.TempDir(), "mem.sqlite"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type fakeExtractor struct {
	calls []store.RawEventFlushBatch
	err   error
}

func (f *fakeExtractor) ExtractBatch(ctx context.Context, batch store.RawEventFlushBatch) error {
	f.calls = append(f.calls, batch)
	return f.err
}

func seedEvents(t *testing.T, st *store.Store, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := st.RecordRawEvent(sessionID, sessionID+"-evt-"+string(rune('a'+i)), "user_prompt", nil, nil, store.JSONMap{"text": "hello"}, "/tmp", "proj"); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
}

func lastFlushedSeq(t *testing.T, st *store.Store, sessionID string) int64 {
	t.Helper()
	var seq int64
	if err := st.DB().QueryRow(`SELECT last_flushed_event_seq FROM raw_event_sessions WHERE opencode_session_id = ?`, sessionID).Scan(&seq); err != nil {
		t.Fatalf("read watermark: %v", err)
	}
	return seq
}

func TestCheckSessionSuccessAdvancesWatermark(t *testing.T) {
	st := setupTestStore(t)
	seedEvents(t, st, "S1", 3)

	extractor := &fakeExtractor{}
	svc := NewService(st, extractor)
	svc.checkSession(context.Background(), "S1")

	if len(extractor.calls) != 1 {
		t.Fatalf("expected 1 extraction, got %d", len(extractor.calls))
	}
	if got := lastFlushedSeq(t, st, "S1"); got != 3 {
		t.Errorf("watermark should be 3, got %d", got)
	}

	// A completed batch is never re-dispatched.
	svc.checkSession(context.Background(), "S1")
	if len(extractor.calls) != 1 {
		t.Errorf("completed range re-dispatched: %d calls", len(extractor.calls))
	}
}

func TestCheckSessionFailureKeepsWatermark(t *testing.T) {
	st := setupTestStore(t)
	seedEvents(t, st, "S1", 2)

	extractor := &fakeExtractor{err: errors.New("observer returned empty raw output")}
	svc := NewService(st, extractor)
	svc.checkSession(context.Background(), "S1")

	if got := lastFlushedSeq(t, st, "S1"); got != 0 {
		t.Errorf("failed flush must not advance watermark, got %d", got)
	}

	// The same range is retried.
	svc.checkSession(context.Background(), "S1")
	if len(extractor.calls) != 2 {
		t.Fatalf("expected a retry, got %d calls", len(extractor.calls))
	}
	if extractor.calls[1].StartEventSeq != 1 || extractor.calls[1].EndEventSeq != 2 {
		t.Errorf("retry covers [%d,%d], want [1,2]", extractor.calls[1].StartEventSeq, extractor.calls[1].EndEventSeq)
	}

	// Success on a later attempt completes and advances.
	extractor.err = nil
	svc.checkSession(context.Background(), "S1")
	if got := lastFlushedSeq(t, st, "S1"); got != 2 {
		t.Errorf("watermark should advance to 2 after success, got %d", got)
	}
}

func TestTerminalFailureCountsDropped(t *testing.T) {
	st := setupTestStore(t)
	seedEvents(t, st, "S1", 2)

	extractor := &fakeExtractor{err: errors.New("permanently broken")}
	svc := NewService(st, extractor)
	for i := 0; i < maxAttempts; i++ {
		svc.checkSession(context.Background(), "S1")
	}

	stats, err := st.GetIngestStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.EventsDropped != 2 {
		t.Errorf("expected 2 dropped events after terminal failure, got %d", stats.EventsDropped)
	}

	// Terminal batch is not re-dispatched.
	calls := len(extractor.calls)
	svc.checkSession(context.Background(), "S1")
	if len(extractor.calls) != calls {
		t.Error("terminally failed batch was re-dispatched")
	}
}

func TestSweeperStartStop(t *testing.T) {
	st := setupTestStore(t)
	svc := NewService(st, &fakeExtractor{})

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := svc.Start(ctx); err == nil {
		t.Error("double Start must fail")
	}
	svc.Stop()
	svc.Stop() // idempotent
}

func TestFlushAll(t *testing.T) {
	st := setupTestStore(t)
	seedEvents(t, st, "S1", 2)
	seedEvents(t, st, "S2", 3)

	extractor := &fakeExtractor{}
	svc := NewService(st, extractor)
	n, err := svc.FlushAll(context.Background())
	if err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 sessions flushed, got %d", n)
	}
	if lastFlushedSeq(t, st, "S1") != 2 || lastFlushedSeq(t, st, "S2") != 3 {
		t.Error("watermarks not advanced by FlushAll")
	}
}
