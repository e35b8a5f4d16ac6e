package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenAt(filepath.Join(t.TempDir(), "mem.sqlite"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testSession(t *testing.T, st *Store, project string) int64 {
	t.Helper()
	id, err := st.StartSession("/tmp/"+project, project, "", "", "tester", "dev", "", nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	return id
}

func TestRecordRawEventIdempotent(t *testing.T) {
	st := setupTestStore(t)

	seq1, err := st.RecordRawEvent("S1", "evt-A", "user_prompt", nil, nil, JSONMap{"text": "hi"}, "/tmp", "proj")
	if err != nil {
		t.Fatalf("first record failed: %v", err)
	}
	if seq1 != 1 {
		t.Errorf("expected seq 1, got %d", seq1)
	}

	seq2, err := st.RecordRawEvent("S1", "evt-A", "user_prompt", nil, nil, JSONMap{"text": "hi"}, "/tmp", "proj")
	if err != nil {
		t.Fatalf("duplicate record failed: %v", err)
	}
	if seq2 != seq1 {
		t.Errorf("duplicate should return original seq %d, got %d", seq1, seq2)
	}

	stats, err := st.GetIngestStats()
	if err != nil {
		t.Fatalf("GetIngestStats failed: %v", err)
	}
	if stats.EventsReceived != 1 {
		t.Errorf("expected 1 received, got %d", stats.EventsReceived)
	}
	if stats.EventsSkippedDuplicate != 1 {
		t.Errorf("expected 1 skipped duplicate, got %d", stats.EventsSkippedDuplicate)
	}
}

func TestRecordRawEventBatchCounters(t *testing.T) {
	st := setupTestStore(t)

	result, err := st.RecordRawEventBatch("S1", "/tmp", "proj", []RawEventInput{
		{EventID: "evt-A", EventType: "user_prompt"},
		{EventID: "evt-B", EventType: "user_prompt"},
		{EventID: "evt-A", EventType: "user_prompt"}, // duplicate within batch
		{EventID: "", EventType: "user_prompt"},      // invalid
	})
	if err != nil {
		t.Fatalf("RecordRawEventBatch failed: %v", err)
	}
	if result.Inserted != 2 {
		t.Errorf("expected 2 inserted, got %d", result.Inserted)
	}
	if result.SkippedDuplicate != 1 {
		t.Errorf("expected 1 skipped duplicate, got %d", result.SkippedDuplicate)
	}
	if result.SkippedInvalid != 1 {
		t.Errorf("expected 1 skipped invalid, got %d", result.SkippedInvalid)
	}

	events, err := st.EventsInRange("S1", 1, 10)
	if err != nil {
		t.Fatalf("EventsInRange failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 stored events, got %d", len(events))
	}
	if events[0].EventID != "evt-A" || events[0].EventSeq != 1 {
		t.Errorf("unexpected first event %s seq %d", events[0].EventID, events[0].EventSeq)
	}
	if events[1].EventID != "evt-B" || events[1].EventSeq != 2 {
		t.Errorf("unexpected second event %s seq %d", events[1].EventID, events[1].EventSeq)
	}
}

func TestEventSeqMonotonicNoGaps(t *testing.T) {
	st := setupTestStore(t)

	for i := 0; i < 20; i++ {
		if _, err := st.RecordRawEvent("S1", eventID(i), "tool.execute.after", nil, nil, nil, "", ""); err != nil {
			t.Fatalf("record %d failed: %v", i, err)
		}
	}
	events, err := st.EventsInRange("S1", 1, 100)
	if err != nil {
		t.Fatalf("EventsInRange failed: %v", err)
	}
	if len(events) != 20 {
		t.Fatalf("expected 20 events, got %d", len(events))
	}
	for i, e := range events {
		if e.EventSeq != int64(i+1) {
			t.Errorf("gap in sequence: position %d has seq %d", i, e.EventSeq)
		}
	}
}

func eventID(i int) string {
	return fmt.Sprintf("evt-%03d", i)
}

func TestClaimFlushBatchSingleOwner(t *testing.T) {
	st := setupTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := st.RecordRawEvent("S1", eventID(i), "user_prompt", nil, nil, nil, "", ""); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	batch, err := st.GetOrCreateFlushBatch("S1", "test-v1")
	if err != nil {
		t.Fatalf("GetOrCreateFlushBatch failed: %v", err)
	}
	if batch == nil {
		t.Fatal("expected a batch")
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ClaimFlushBatch(batch.ID)
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	claimed := 0
	for ok := range results {
		if ok {
			claimed++
		}
	}
	if claimed != 1 {
		t.Errorf("expected exactly 1 successful claim, got %d", claimed)
	}
}

func TestFlushBatchWatermark(t *testing.T) {
	st := setupTestStore(t)

	for i := 0; i < 3; i++ {
		if _, err := st.RecordRawEvent("S1", eventID(i), "user_prompt", nil, nil, nil, "", ""); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	batch, err := st.GetOrCreateFlushBatch("S1", "test-v1")
	if err != nil || batch == nil {
		t.Fatalf("GetOrCreateFlushBatch: batch=%v err=%v", batch, err)
	}
	if batch.StartEventSeq != 1 || batch.EndEventSeq != 3 {
		t.Fatalf("unexpected batch range [%d,%d]", batch.StartEventSeq, batch.EndEventSeq)
	}
	if _, err := st.ClaimFlushBatch(batch.ID); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := st.CompleteFlushBatch(batch.ID); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// Watermark advanced; nothing left to flush.
	next, err := st.GetOrCreateFlushBatch("S1", "test-v1")
	if err != nil {
		t.Fatalf("second GetOrCreateFlushBatch failed: %v", err)
	}
	if next != nil {
		t.Errorf("expected no batch after completion, got [%d,%d]", next.StartEventSeq, next.EndEventSeq)
	}

	// New events make a new batch starting after the watermark.
	if _, err := st.RecordRawEvent("S1", "evt-later", "user_prompt", nil, nil, nil, "", ""); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	next, err = st.GetOrCreateFlushBatch("S1", "test-v1")
	if err != nil || next == nil {
		t.Fatalf("third GetOrCreateFlushBatch: batch=%v err=%v", next, err)
	}
	if next.StartEventSeq != 4 {
		t.Errorf("expected new batch to start at 4, got %d", next.StartEventSeq)
	}
}

func TestFailedBatchKeepsWatermark(t *testing.T) {
	st := setupTestStore(t)

	for i := 0; i < 2; i++ {
		if _, err := st.RecordRawEvent("S1", eventID(i), "user_prompt", nil, nil, nil, "", ""); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	batch, _ := st.GetOrCreateFlushBatch("S1", "test-v1")
	st.ClaimFlushBatch(batch.ID)
	if err := st.FailFlushBatch(batch.ID, false); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	// The same range comes back for retry; the watermark did not move.
	retry, err := st.GetOrCreateFlushBatch("S1", "test-v1")
	if err != nil || retry == nil {
		t.Fatalf("retry batch: batch=%v err=%v", retry, err)
	}
	if retry.ID != batch.ID {
		t.Errorf("expected the same batch back, got %d vs %d", retry.ID, batch.ID)
	}
	if retry.StartEventSeq != 1 || retry.EndEventSeq != 2 {
		t.Errorf("unexpected retry range [%d,%d]", retry.StartEventSeq, retry.EndEventSeq)
	}
}

func TestRememberInvariants(t *testing.T) {
	st := setupTestStore(t)
	sessionID := testSession(t, st, "proj")

	item, err := st.Remember(RememberInput{
		SessionID: sessionID, Kind: KindDecision,
		Title: "Use SQLite WAL mode", BodyText: "WAL avoids writer starvation under the sweeper.",
		DeviceID: "dev-1",
	})
	if err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if item.Rev < 1 {
		t.Errorf("rev must be >= 1, got %d", item.Rev)
	}
	if !item.Active || item.DeletedAt != nil {
		t.Error("new item must be active with no deleted_at")
	}
	if item.ImportKey == "" {
		t.Error("import_key must be auto-assigned")
	}

	// Exactly one op was recorded.
	ops, err := st.OpsSinceCursor("", 10)
	if err != nil {
		t.Fatalf("OpsSinceCursor failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 replication op, got %d", len(ops))
	}
	if ops[0].EntityID != item.ImportKey || ops[0].OpType != OpUpsert {
		t.Errorf("unexpected op %+v", ops[0])
	}

	if err := st.Forget(item.ID, "dev-1"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	var active int
	var rev int64
	var deleted *int64
	if err := st.db.QueryRow(`SELECT active, rev, deleted_at FROM memory_items WHERE id = ?`, item.ID).Scan(&active, &rev, &deleted); err != nil {
		t.Fatalf("read item: %v", err)
	}
	if active != 0 || deleted == nil {
		t.Error("forgotten item must be inactive with deleted_at set")
	}
	if rev != item.Rev+1 {
		t.Errorf("forget must bump rev: %d -> %d", item.Rev, rev)
	}

	ops, _ = st.OpsSinceCursor("", 10)
	if len(ops) != 2 {
		t.Fatalf("expected 2 ops after forget, got %d", len(ops))
	}
	if ops[1].OpType != OpDelete {
		t.Errorf("second op must be delete, got %s", ops[1].OpType)
	}
}

func TestRememberRejectsUnknownKind(t *testing.T) {
	st := setupTestStore(t)
	sessionID := testSession(t, st, "proj")

	if _, err := st.Remember(RememberInput{SessionID: sessionID, Kind: "banana", Title: "x", BodyText: "yyyyyyyyyy", DeviceID: "d"}); err == nil {
		t.Error("expected unknown kind to be rejected")
	}

	// Legacy "project" maps to decision.
	item, err := st.Remember(RememberInput{SessionID: sessionID, Kind: "project", Title: "legacy kind", BodyText: "maps onto decision", DeviceID: "d"})
	if err != nil {
		t.Fatalf("legacy kind failed: %v", err)
	}
	if item.Kind != KindDecision {
		t.Errorf("expected decision, got %s", item.Kind)
	}
}

func TestFlushBatchDedupProbe(t *testing.T) {
	st := setupTestStore(t)
	sessionID := testSession(t, st, "proj")

	in := RememberInput{
		SessionID: sessionID, Kind: KindObservation,
		Title: "retry writes once", BodyText: "a retried flush must not duplicate this row",
		DeviceID: "dev-1",
		Metadata: JSONMap{"flush_batch": float64(7), "discovery_group": "S1:p1"},
	}
	first, err := st.Remember(in)
	if err != nil {
		t.Fatalf("first Remember failed: %v", err)
	}
	in.ImportKey = "" // a retry would mint a different key
	second, err := st.Remember(in)
	if err != nil {
		t.Fatalf("second Remember failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("flush dedup should return the existing row: %d vs %d", first.ID, second.ID)
	}

	var count int
	st.db.QueryRow(`SELECT COUNT(*) FROM memory_items`).Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}
}

func TestDeriveTags(t *testing.T) {
	tags := deriveTags(
		"Fix the auth bug",
		[]string{"session handling"},
		[]string{"/src/internal/auth/auth.go"},
		[]string{"/src/internal/auth/verify.go"},
	)
	tokens := strings.Fields(tags)

	seen := map[string]bool{}
	for i, tok := range tokens {
		if stopwords[tok] {
			t.Errorf("stopword %q in tags", tok)
		}
		if len(tok) < 2 {
			t.Errorf("short token %q in tags", tok)
		}
		if seen[tok] {
			t.Errorf("duplicate token %q", tok)
		}
		seen[tok] = true
		if i > 0 && tokens[i-1] > tok {
			t.Errorf("tags not sorted: %q before %q", tokens[i-1], tok)
		}
	}
	for _, want := range []string{"auth", "go", "fix", "bug", "session", "handling", "verify"} {
		if !seen[want] {
			t.Errorf("expected tag %q in %q", want, tags)
		}
	}
}

func TestRememberHonorsExplicitTags(t *testing.T) {
	st := setupTestStore(t)
	sessionID := testSession(t, st, "proj")

	item, err := st.Remember(RememberInput{
		SessionID: sessionID, Kind: KindNote,
		Title: "Fix the auth bug", BodyText: "explicit tags must win",
		Tags:     []string{"zeta", "alpha", "alpha", " "},
		DeviceID: "d",
	})
	if err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if item.TagsText != "alpha zeta" {
		t.Errorf("explicit tags not stored as-is: %q", item.TagsText)
	}
}

func TestBackfillTagsIdempotent(t *testing.T) {
	st := setupTestStore(t)
	sessionID := testSession(t, st, "proj")

	if _, err := st.Remember(RememberInput{
		SessionID: sessionID, Kind: KindNote, Title: "note with tags",
		BodyText: "body body body", DeviceID: "d",
	}); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}

	report, err := st.BackfillTags()
	if err != nil {
		t.Fatalf("BackfillTags failed: %v", err)
	}
	if report.Changed != 0 {
		t.Errorf("already-tagged corpus should be untouched, changed %d", report.Changed)
	}
}

func TestClockCompareTotalOrder(t *testing.T) {
	base := time.Unix(1000, 0)
	clocks := []MemoryClock{
		{Rev: 1, UpdatedAt: base, DeviceID: "a"},
		{Rev: 1, UpdatedAt: base, DeviceID: "b"},
		{Rev: 1, UpdatedAt: base.Add(time.Second), DeviceID: "a"},
		{Rev: 2, UpdatedAt: base, DeviceID: "a"},
	}
	for i := range clocks {
		for j := range clocks {
			got := clocks[i].Compare(clocks[j])
			rev := clocks[j].Compare(clocks[i])
			if i == j {
				if got != 0 {
					t.Errorf("clock %d should equal itself", i)
				}
				continue
			}
			if got == 0 {
				t.Errorf("distinct clocks %d/%d compare equal", i, j)
			}
			if got != -rev {
				t.Errorf("compare not antisymmetric for %d/%d", i, j)
			}
		}
	}
	// Spot-check the order: rev dominates time, time dominates device.
	if clocks[3].Compare(clocks[2]) <= 0 {
		t.Error("higher rev must win over later updated_at")
	}
	if clocks[2].Compare(clocks[1]) <= 0 {
		t.Error("later updated_at must win over higher device id")
	}
}
