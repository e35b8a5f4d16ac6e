// Package observer turns a claimed flush batch of raw events into
// structured memories: user prompts, session summaries, and tagged
// observations, via a pluggable Observer capability.
package observer

import "context"

// ToolEvent is one compacted tool invocation extracted from the raw
// event stream, the unit the transcript budgeter works over.
type ToolEvent struct {
	Tool   string
	Input  string // canonical JSON of the tool's arguments
	Output string
	Error  string
}

// ObserverContext is the bounded, budgeted input handed to an Observer:
// the transcript assembled from one flush batch's raw events, plus the
// session metadata needed to interpret it.
type ObserverContext struct {
	Project              string
	Cwd                  string
	UserPrompt           string
	PromptNumber         *int
	ToolEvents           []ToolEvent
	LastAssistantMessage string
	DiffSummary          string
	RecentFiles          []string
	Transcript           string // budgeted per ObserverMaxChars/ObserverMaxTokens
}

// Usage is the token accounting an Observer reports for one call, when
// the underlying model makes it available.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ParsedOutput is what an Observer extracts from one ObserverContext.
// Raw is the model's unparsed response text; an empty Raw on the
// raw-event flush path fails the batch so it is retried, preserving
// at-least-once extraction.
type ParsedOutput struct {
	Raw               string
	Summary           *SummaryDraft
	SkipSummaryReason string
	Observations      []ObservationDraft
	Usage             *Usage
}

// SummaryDraft mirrors store.SessionSummary's narrative fields before
// they are attached to a session id.
type SummaryDraft struct {
	Request      string
	Investigated string
	Learned      string
	Completed    string
	NextSteps    string
	Notes        string
	FilesRead    []string
	FilesEdited  []string
}

// ObservationDraft is one candidate memory item before it is persisted.
type ObservationDraft struct {
	Kind          string
	Title         string
	BodyText      string
	Subtitle      string
	Facts         []string
	Concepts      []string
	FilesRead     []string
	FilesModified []string
	Confidence    float64
}

// Observer is the pure function capability that turns a transcript into
// structured output. Implementations call out to an LLM provider; the
// pipeline itself has no knowledge of any specific provider, so provider
// wiring internals stay out of this package's scope.
type Observer interface {
	Observe(ctx context.Context, octx ObserverContext) (ParsedOutput, error)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(ctx context.Context, octx ObserverContext) (ParsedOutput, error)

func (f ObserverFunc) Observe(ctx context.Context, octx ObserverContext) (ParsedOutput, error) {
	return f(ctx, octx)
}

// NoneObserver is the "observer_provider: none" configuration: it
// produces no summary and no observations, used when the operator has
// not configured an LLM-backed Observer. Raw is non-empty so the
// raw-event queue still drains (batches complete), just with nothing
// synthesized from them.
var NoneObserver Observer = ObserverFunc(func(ctx context.Context, octx ObserverContext) (ParsedOutput, error) {
	return ParsedOutput{Raw: "{}"}, nil
})
