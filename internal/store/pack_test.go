package store

import (
	"strings"
	"testing"
	"time"
)

func TestItemTokenCost(t *testing.T) {
	if got := itemTokenCost(""); got != 8 {
		t.Errorf("empty body floor: got %d", got)
	}
	if got := itemTokenCost(strings.Repeat("x", 480)); got != 120 {
		t.Errorf("480 chars should cost 120, got %d", got)
	}
}

// TestPackBudgeting pins the documented budget scenario: one summary at
// 120 tokens, three timeline items at 100 each, five observations at 80
// each, budget 400 — the pack holds Summary + 2 Timeline + 1
// Observation, exactly 400 tokens.
func TestPackBudgeting(t *testing.T) {
	st := setupTestStore(t)
	sessionID := testSession(t, st, "alpha")

	// Summary body of 480 chars -> 120 tokens.
	quarter := strings.Repeat("s", 120)
	if _, err := st.RecordSessionSummary(sessionID, SessionSummary{
		Request: quarter, Investigated: quarter, Learned: quarter, Completed: quarter,
	}); err != nil {
		t.Fatalf("RecordSessionSummary failed: %v", err)
	}

	// Five observations first (320 chars -> 80 tokens), then three
	// timeline items (400 chars -> 100 tokens) so the timeline items are
	// the most recent.
	obsBody := "gadget " + strings.Repeat("o", 313) // 320 chars
	for i := 0; i < 5; i++ {
		if _, err := st.Remember(RememberInput{
			SessionID: sessionID, Kind: KindDecision,
			Title: "gadget decision", BodyText: obsBody, DeviceID: "d",
		}); err != nil {
			t.Fatalf("Remember observation %d failed: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct updated_at timestamps
	}
	timelineBody := "gadget " + strings.Repeat("t", 393) // 400 chars
	for i := 0; i < 3; i++ {
		if _, err := st.Remember(RememberInput{
			SessionID: sessionID, Kind: KindChange,
			Title: "gadget change", BodyText: timelineBody, DeviceID: "d",
		}); err != nil {
			t.Fatalf("Remember timeline %d failed: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	pack, err := st.AssemblePack(PackParams{
		Project: "alpha", Query: "gadget",
		ObservationLimit: 8, TimelineLimit: 3, TokenBudget: 400,
	})
	if err != nil {
		t.Fatalf("AssemblePack failed: %v", err)
	}

	if pack.Summary == nil {
		t.Fatal("expected a summary section")
	}
	if pack.Summary.TokenCost != 120 {
		t.Errorf("summary cost: got %d, want 120", pack.Summary.TokenCost)
	}
	if len(pack.Timeline) != 2 {
		t.Fatalf("timeline: got %d items, want 2", len(pack.Timeline))
	}
	for _, item := range pack.Timeline {
		if item.TokenCost != 100 {
			t.Errorf("timeline item cost: got %d, want 100", item.TokenCost)
		}
		if item.Item.Kind != KindChange {
			t.Errorf("timeline picked %s, want the recent changes", item.Item.Kind)
		}
	}
	if len(pack.Observations) != 1 {
		t.Fatalf("observations: got %d items, want 1", len(pack.Observations))
	}
	if pack.Observations[0].TokenCost != 80 {
		t.Errorf("observation cost: got %d, want 80", pack.Observations[0].TokenCost)
	}
	if pack.TotalTokens != 400 {
		t.Errorf("total: got %d, want exactly 400", pack.TotalTokens)
	}
	if !pack.Truncated {
		t.Error("pack should be marked truncated")
	}
	if pack.Metrics.SemanticHits > pack.Metrics.SemanticCandidates {
		t.Errorf("semantic_hits %d > semantic_candidates %d", pack.Metrics.SemanticHits, pack.Metrics.SemanticCandidates)
	}
}

func TestPackObservationOrdering(t *testing.T) {
	st := setupTestStore(t)
	sessionID := testSession(t, st, "alpha")

	body := "widget " + strings.Repeat("b", 100)
	kinds := []MemoryKind{KindNote, KindDiscovery, KindDecision, KindFeature, KindNote, KindDiscovery, KindDecision, KindFeature}
	for _, k := range kinds {
		if _, err := st.Remember(RememberInput{
			SessionID: sessionID, Kind: k, Title: "widget " + string(k), BodyText: body, DeviceID: "d",
		}); err != nil {
			t.Fatalf("Remember %s failed: %v", k, err)
		}
	}

	pack, err := st.AssemblePack(PackParams{
		Project: "alpha", Query: "widget",
		ObservationLimit: 8, TimelineLimit: 0, TokenBudget: 0,
	})
	if err != nil {
		t.Fatalf("AssemblePack failed: %v", err)
	}

	// The 3 most recent go to Timeline (a TimelineLimit of 0 falls back
	// to 3); the other five land in Observations, which must come out in
	// kind-priority order.
	var seen []MemoryKind
	for _, item := range pack.Observations {
		seen = append(seen, item.Item.Kind)
	}
	for i := 1; i < len(seen); i++ {
		if observationKindPriority[seen[i-1]] > observationKindPriority[seen[i]] {
			t.Errorf("observations out of kind-priority order: %v", seen)
		}
	}
}

func TestTagOverlap(t *testing.T) {
	if got := tagOverlap("auth login session", []string{"auth", "session", "missing"}); got != 2 {
		t.Errorf("expected overlap 2, got %d", got)
	}
	if got := tagOverlap("auth", nil); got != 0 {
		t.Errorf("nil context tags must overlap 0, got %d", got)
	}
}

func TestPackRecordsUsageEvent(t *testing.T) {
	st := setupTestStore(t)
	sessionID := testSession(t, st, "alpha")
	if _, err := st.Remember(RememberInput{
		SessionID: sessionID, Kind: KindNote, Title: "usage probe", BodyText: "some body for the probe", DeviceID: "d",
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := st.AssemblePack(PackParams{Project: "alpha", Query: "probe", LogUsage: true}); err != nil {
		t.Fatalf("AssemblePack failed: %v", err)
	}
	var count int
	st.db.QueryRow(`SELECT COUNT(*) FROM usage_events WHERE event = 'pack'`).Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 pack usage event, got %d", count)
	}

	if _, err := st.AssemblePack(PackParams{Project: "alpha", Query: "probe", LogUsage: false}); err != nil {
		t.Fatalf("AssemblePack failed: %v", err)
	}
	st.db.QueryRow(`SELECT COUNT(*) FROM usage_events WHERE event = 'pack'`).Scan(&count)
	if count != 1 {
		t.Errorf("LogUsage=false must not record, got %d events", count)
	}
}
