package observer

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/roelfdiedericks/codemem/internal/config"
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

func seedAndBatch(t *testing.T, st *store.Store, sessionID string, events []store.RawEventInput) store.RawEventFlushBatch {
	t.Helper()
	if _, err := st.RecordRawEventBatch(sessionID, "/w/alpha", "alpha", events); err != nil {
		t.Fatalf("seed events failed: %v", err)
	}
	batch, err := st.GetOrCreateFlushBatch(sessionID, "test-v1")
	if err != nil || batch == nil {
		t.Fatalf("batch: %v err=%v", batch, err)
	}
	return *batch
}

func TestExtractBatchPersistsObservationsAndSummary(t *testing.T) {
	st := setupTestStore(t)
	batch := seedAndBatch(t, st, "S1", []store.RawEventInput{
		{EventID: "e1", EventType: "user_prompt", Payload: store.JSONMap{"text": "fix the login bug", "prompt_number": float64(2), "project": "alpha", "cwd": "/w/alpha"}},
		{EventID: "e2", EventType: "tool.execute.after", Payload: store.JSONMap{"tool": "edit", "input": map[string]any{"file": "auth.go"}, "output": "ok"}},
		{EventID: "e3", EventType: "assistant_message", Payload: store.JSONMap{"text": "fixed by checking the session expiry"}},
	})

	var seen ObserverContext
	obs := ObserverFunc(func(ctx context.Context, octx ObserverContext) (ParsedOutput, error) {
		seen = octx
		return ParsedOutput{
			Raw: `{"observations": [...]}`,
			Observations: []ObservationDraft{
				{Kind: "bugfix", Title: "login session expiry fixed", BodyText: "the login handler ignored session expiry entirely", Confidence: 0.9, FilesModified: []string{"auth.go"}},
				{Kind: "tui-noise", Title: "dropped", BodyText: "wrong kind, never persisted"},
			},
			Summary: &SummaryDraft{Request: "fix the login bug", Learned: "expiry was ignored", Completed: "patched auth.go"},
			Usage:   &Usage{InputTokens: 300, OutputTokens: 50},
		}, nil
	})

	p := NewPipeline(st, obs, config.Default(), "device-1")
	if err := p.ExtractBatch(context.Background(), batch); err != nil {
		t.Fatalf("ExtractBatch failed: %v", err)
	}

	if seen.UserPrompt != "fix the login bug" {
		t.Errorf("observer context prompt: %q", seen.UserPrompt)
	}
	if seen.PromptNumber == nil || *seen.PromptNumber != 2 {
		t.Error("prompt number not threaded through")
	}
	if len(seen.ToolEvents) != 1 || seen.ToolEvents[0].Tool != "edit" {
		t.Errorf("tool events: %+v", seen.ToolEvents)
	}
	if seen.LastAssistantMessage == "" {
		t.Error("assistant message not captured")
	}

	var count int
	st.DB().QueryRow(`SELECT COUNT(*) FROM memory_items WHERE kind = 'bugfix'`).Scan(&count)
	if count != 1 {
		t.Fatalf("expected 1 persisted bugfix, got %d", count)
	}
	st.DB().QueryRow(`SELECT COUNT(*) FROM memory_items`).Scan(&count)
	if count != 2 { // bugfix + session_summary companion
		t.Errorf("expected 2 memory items total, got %d", count)
	}

	var group string
	st.DB().QueryRow(`SELECT json_extract(metadata, '$.discovery_group') FROM memory_items WHERE kind = 'bugfix'`).Scan(&group)
	if group != "S1:p2" {
		t.Errorf("discovery_group: got %q, want S1:p2", group)
	}
	var tokens float64
	st.DB().QueryRow(`SELECT json_extract(metadata, '$.discovery_tokens') FROM memory_items WHERE kind = 'bugfix'`).Scan(&tokens)
	if int(tokens) != 350 {
		t.Errorf("discovery_tokens should use reported usage 350, got %v", tokens)
	}

	st.DB().QueryRow(`SELECT COUNT(*) FROM session_summaries`).Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 session summary, got %d", count)
	}
	st.DB().QueryRow(`SELECT COUNT(*) FROM user_prompts`).Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 user prompt, got %d", count)
	}

	var ended *int64
	st.DB().QueryRow(`SELECT ended_at FROM sessions LIMIT 1`).Scan(&ended)
	if ended == nil {
		t.Error("session not ended after extraction")
	}
}

func TestExtractBatchEmptyRawFails(t *testing.T) {
	st := setupTestStore(t)
	batch := seedAndBatch(t, st, "S1", []store.RawEventInput{
		{EventID: "e1", EventType: "user_prompt", Payload: store.JSONMap{"text": "do something substantial"}},
		{EventID: "e2", EventType: "tool.execute.after", Payload: store.JSONMap{"tool": "bash", "output": "ran"}},
	})

	obs := ObserverFunc(func(ctx context.Context, octx ObserverContext) (ParsedOutput, error) {
		return ParsedOutput{}, nil // no raw output at all
	})
	p := NewPipeline(st, obs, config.Default(), "device-1")
	if err := p.ExtractBatch(context.Background(), batch); err == nil {
		t.Fatal("empty raw output must fail the flush")
	}
}

func TestTrivialBatchSkipsObserver(t *testing.T) {
	st := setupTestStore(t)
	batch := seedAndBatch(t, st, "S1", []store.RawEventInput{
		{EventID: "e1", EventType: "user_prompt", Payload: store.JSONMap{"text": "ok!"}},
	})

	called := false
	obs := ObserverFunc(func(ctx context.Context, octx ObserverContext) (ParsedOutput, error) {
		called = true
		return ParsedOutput{Raw: "{}"}, nil
	})
	p := NewPipeline(st, obs, config.Default(), "device-1")
	if err := p.ExtractBatch(context.Background(), batch); err != nil {
		t.Fatalf("trivial batch should succeed silently: %v", err)
	}
	if called {
		t.Error("observer must not be invoked for a trivial batch")
	}
}

func TestPrivateBlocksStripped(t *testing.T) {
	st := setupTestStore(t)
	batch := seedAndBatch(t, st, "S1", []store.RawEventInput{
		{EventID: "e1", EventType: "user_prompt", Payload: store.JSONMap{"text": "deploy this <private>api key hunter2</private> tonight"}},
		{EventID: "e2", EventType: "tool.execute.after", Payload: store.JSONMap{"tool": "bash", "output": "deployed"}},
	})

	obs := ObserverFunc(func(ctx context.Context, octx ObserverContext) (ParsedOutput, error) {
		if strings.Contains(octx.Transcript, "hunter2") {
			t.Error("private block leaked into transcript")
		}
		return ParsedOutput{Raw: "{}"}, nil
	})
	p := NewPipeline(st, obs, config.Default(), "device-1")
	if err := p.ExtractBatch(context.Background(), batch); err != nil {
		t.Fatalf("ExtractBatch failed: %v", err)
	}

	var text string
	st.DB().QueryRow(`SELECT prompt_text FROM user_prompts`).Scan(&text)
	if strings.Contains(text, "hunter2") {
		t.Error("private block persisted")
	}
}

func TestToolEventFiltering(t *testing.T) {
	events := []store.RawEvent{
		{EventType: "tool.execute.after", Payload: store.JSONMap{"tool": "read", "input": map[string]any{"file": "a.go"}, "output": "contents"}},
		{EventType: "tool.execute.after", Payload: store.JSONMap{"tool": "todowrite", "output": "noise"}},
		{EventType: "tool.execute.after", Payload: store.JSONMap{"tool": "codemem_search", "output": "feedback loop"}},
		{EventType: "user_prompt", Payload: store.JSONMap{"text": "not a tool"}},
	}
	out := ExtractToolEvents(events)
	if len(out) != 1 || out[0].Tool != "read" {
		t.Errorf("expected only the read event, got %+v", out)
	}
}

func TestToolEventDedup(t *testing.T) {
	events := []ToolEvent{
		{Tool: "bash", Input: `{"cmd":"git status"}`, Output: "clean"},
		{Tool: "bash", Input: `{"cmd":"git status --short"}`, Output: "dirty now"},
		{Tool: "read", Input: `{"file":"a.go"}`, Output: "x"},
		{Tool: "read", Input: `{"file":"a.go"}`, Output: "x"},
		{Tool: "read", Input: `{"file":"b.go"}`, Output: "y"},
	}
	out := DedupToolEvents(events)
	if len(out) != 3 {
		t.Fatalf("expected 3 after dedup (git-status collapse + read dedup), got %d", len(out))
	}
}

func TestToolEventBudgetPrefersErrors(t *testing.T) {
	big := strings.Repeat("x", 500)
	events := []ToolEvent{
		{Tool: "read", Input: "1", Output: big},
		{Tool: "read", Input: "2", Output: big},
		{Tool: "bash", Input: "3", Error: "exit status 1"},
		{Tool: "edit", Input: "4", Output: big},
	}
	out := BudgetToolEvents(events, 1100, 10)

	hasError := false
	for _, te := range out {
		if te.Error != "" {
			hasError = true
		}
	}
	if !hasError {
		t.Error("budget dropped the error event; errors rank first")
	}
	if len(out) >= len(events) {
		t.Errorf("budget kept everything (%d events)", len(out))
	}
}

func TestCanonicalJSONStableKeyOrder(t *testing.T) {
	a := canonicalJSON(map[string]any{"b": 1.0, "a": "x"})
	b := canonicalJSON(map[string]any{"a": "x", "b": 1.0})
	if a != b {
		t.Errorf("canonical JSON differs by insertion order: %q vs %q", a, b)
	}
	if a != `{"a":"x","b":1}` {
		t.Errorf("unexpected canonical form: %q", a)
	}
}
