package observer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/roelfdiedericks/codemem/internal/config"
	"github.com/roelfdiedericks/codemem/internal/store"
	. "github.com/roelfdiedericks/codemem/internal/logging"
	"github.com/roelfdiedericks/codemem/internal/tokens"
)

// observationKinds restricts what an Observer may persist as a memory
// item; drafts outside this set are dropped with a debug log line, never
// an error (one bad draft must not fail the whole batch).
var observationKinds = map[string]bool{
	"observation": true, "note": true, "decision": true, "discovery": true,
	"change": true, "feature": true, "bugfix": true, "refactor": true,
	"exploration": true, "entities": true,
}

// trivialPrompts are bare affirmations that, with no tool events and no
// assistant message, skip Observer invocation entirely.
var trivialPrompts = map[string]bool{
	"ok": true, "okay": true, "yes": true, "y": true, "no": true, "n": true,
	"lgtm": true, "thanks": true, "thank you": true, "ty": true,
	"sounds good": true, "sure": true, "yep": true, "nope": true, "done": true,
}

// privateBlock strips <private>…</private> spans from prompts before
// they are persisted; the plugin marks content the user excluded from
// memory with these tags.
var privateBlock = regexp.MustCompile(`(?s)<private>.*?</private>`)

// Pipeline implements queue.Extractor: it builds a transcript from one
// flush batch's raw events, calls the configured Observer, and persists
// whatever the Observer returns. The batch's user prompts are stored
// before the Observer is called; a failed or empty Observer call then
// returns an error without writing any memory item — the raw-event-flush
// invariant that a batch only ever completes after a successful,
// fully-persisted extraction, so a crash or Observer outage never loses
// events, only delays their processing.
type Pipeline struct {
	st       *store.Store
	observer Observer
	cfg      config.Config
	est      *tokens.Estimator
	deviceID string
}

// NewPipeline constructs the extraction pipeline bound to a store and an
// Observer implementation. deviceID is stamped onto every memory item the
// pipeline persists, so the replication clock attributes pipeline-derived
// observations to this device like any other local write.
func NewPipeline(st *store.Store, obs Observer, cfg config.Config, deviceID string) *Pipeline {
	return &Pipeline{st: st, observer: obs, cfg: cfg, est: tokens.Get(), deviceID: deviceID}
}

// ExtractBatch satisfies queue.Extractor.
func (p *Pipeline) ExtractBatch(ctx context.Context, batch store.RawEventFlushBatch) error {
	events, err := p.st.EventsInRange(batch.OpencodeSessionID, batch.StartEventSeq, batch.EndEventSeq)
	if err != nil {
		return fmt.Errorf("load batch events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	sessionID, err := p.bindSession(batch.OpencodeSessionID, events)
	if err != nil {
		return err
	}

	octx := p.buildContext(events)

	promptIDs, err := p.persistPrompts(sessionID, events, octx.PromptNumber)
	if err != nil {
		return err
	}

	// Trivial-request early exit: a bare affirmation with no tool
	// activity and no assistant reply has nothing worth observing.
	if isTrivial(octx) {
		L_debug("observer: trivial batch, skipping", "session", batch.OpencodeSessionID)
		return p.endSession(sessionID)
	}

	out, err := p.observer.Observe(ctx, octx)
	if err != nil {
		return fmt.Errorf("observer failed: %w", err)
	}
	if strings.TrimSpace(out.Raw) == "" {
		// No raw output means the Observer produced nothing to parse;
		// failing here keeps the batch retryable instead of silently
		// draining events into the void.
		return fmt.Errorf("observer returned empty raw output")
	}

	group := discoveryGroup(batch, octx.PromptNumber)
	discoveryTokens := p.discoveryTokens(out, octx)

	var userPromptID *int64
	if len(promptIDs) > 0 {
		userPromptID = &promptIDs[len(promptIDs)-1]
	}

	for _, draft := range out.Observations {
		if !qualifies(draft) {
			L_debug("observer: dropping low-signal draft", "kind", draft.Kind, "title", draft.Title)
			continue
		}
		if _, err := p.st.Remember(store.RememberInput{
			SessionID: sessionID, Kind: store.MemoryKind(draft.Kind), Title: draft.Title,
			BodyText: draft.BodyText, Subtitle: draft.Subtitle, Facts: draft.Facts, Concepts: draft.Concepts,
			FilesRead: draft.FilesRead, FilesModified: draft.FilesModified,
			PromptNumber: octx.PromptNumber, UserPromptID: userPromptID, Confidence: draft.Confidence,
			DeviceID: p.deviceID,
			Metadata: store.JSONMap{
				"discovery_group":  group,
				"discovery_tokens": float64(discoveryTokens),
				"discovery_source": "raw_event_flush",
				"flush_batch":      float64(batch.ID),
			},
		}); err != nil {
			return fmt.Errorf("persist observation %q: %w", draft.Title, err)
		}
	}

	if out.Summary != nil {
		if err := p.persistSummary(sessionID, out.Summary, octx.PromptNumber, group, discoveryTokens, batch.ID); err != nil {
			return err
		}
	} else if out.SkipSummaryReason != "" {
		L_debug("observer: summary skipped", "reason", out.SkipSummaryReason)
	}

	if out.Usage != nil {
		if err := p.st.RecordUsageEvent("observer", out.Usage.InputTokens, out.Usage.OutputTokens, 0, store.JSONMap{
			"discovery_group": group,
		}); err != nil {
			L_warn("observer: failed to record usage", "error", err)
		}
	}

	return p.endSession(sessionID)
}

// bindSession resolves the opencode session id to a local session,
// creating and linking one from the raw-event session metadata when it
// has never been seen before.
func (p *Pipeline) bindSession(opencodeSessionID string, events []store.RawEvent) (int64, error) {
	sessionID, ok, err := p.st.SessionIDForOpencodeSession(opencodeSessionID)
	if err != nil {
		return 0, fmt.Errorf("resolve session: %w", err)
	}
	if ok {
		return sessionID, nil
	}

	var cwd, project string
	for _, e := range events {
		if c, found := e.Payload["cwd"].(string); found && cwd == "" {
			cwd = c
		}
		if pr, found := e.Payload["project"].(string); found && project == "" {
			project = pr
		}
	}
	sessionID, err = p.st.StartSession(cwd, project, "", "", "", "", "opencode:"+opencodeSessionID, nil)
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	if err := p.st.LinkOpencodeSession(opencodeSessionID, sessionID); err != nil {
		return 0, fmt.Errorf("link session: %w", err)
	}
	return sessionID, nil
}

// persistPrompts writes one user_prompt row per prompt event, private
// blocks stripped, returning the inserted ids in event order.
func (p *Pipeline) persistPrompts(sessionID int64, events []store.RawEvent, promptNumber *int) ([]int64, error) {
	var ids []int64
	for _, e := range events {
		if e.EventType != "user_prompt" && e.EventType != "message.user" {
			continue
		}
		text, _ := e.Payload["text"].(string)
		text = strings.TrimSpace(privateBlock.ReplaceAllString(text, ""))
		if text == "" {
			continue
		}
		id, err := p.st.RecordUserPrompt(sessionID, text, promptNumber, nil)
		if err != nil {
			return nil, fmt.Errorf("persist user prompt: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *Pipeline) persistSummary(sessionID int64, draft *SummaryDraft, promptNumber *int, group string, discoveryTokens int, batchID int64) error {
	if _, err := p.st.RecordSessionSummary(sessionID, store.SessionSummary{
		Request: draft.Request, Investigated: draft.Investigated,
		Learned: draft.Learned, Completed: draft.Completed,
		NextSteps: draft.NextSteps, Notes: draft.Notes,
		FilesRead: draft.FilesRead, FilesEdited: draft.FilesEdited,
		PromptNumber: promptNumber,
	}); err != nil {
		return fmt.Errorf("persist session summary: %w", err)
	}

	// Companion memory item so the summary is retrievable through the
	// same hybrid search path as every other memory.
	body := strings.TrimSpace(strings.Join([]string{draft.Investigated, draft.Learned, draft.Completed}, "\n"))
	if body == "" {
		return nil
	}
	_, err := p.st.Remember(store.RememberInput{
		SessionID: sessionID, Kind: store.KindSessionSummary,
		Title: draft.Request, BodyText: body,
		FilesRead: draft.FilesRead, FilesModified: draft.FilesEdited,
		PromptNumber: promptNumber, Confidence: 1.0,
		DeviceID: p.deviceID,
		Metadata: store.JSONMap{
			"discovery_group":  group,
			"discovery_tokens": float64(discoveryTokens),
			"discovery_source": "raw_event_flush",
			"flush_batch":      float64(batchID),
		},
	})
	if err != nil {
		return fmt.Errorf("persist summary memory: %w", err)
	}
	return nil
}

func (p *Pipeline) endSession(sessionID int64) error {
	if err := p.st.EndSession(sessionID); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// discoveryGroup attributes this batch's work to one logical turn:
// session:p<n> when a prompt number is known, otherwise a batch-range
// fallback that is still stable across retries.
func discoveryGroup(batch store.RawEventFlushBatch, promptNumber *int) string {
	if promptNumber != nil {
		return fmt.Sprintf("%s:p%d", batch.OpencodeSessionID, *promptNumber)
	}
	return fmt.Sprintf("%s:batch%d-%d", batch.OpencodeSessionID, batch.StartEventSeq, batch.EndEventSeq)
}

// discoveryTokens prefers the model's own reported usage; absent that,
// it estimates from the transcript the Observer actually saw.
func (p *Pipeline) discoveryTokens(out ParsedOutput, octx ObserverContext) int {
	if out.Usage != nil && out.Usage.InputTokens+out.Usage.OutputTokens > 0 {
		return out.Usage.InputTokens + out.Usage.OutputTokens
	}
	return p.est.Count(octx.Transcript)
}

func isTrivial(octx ObserverContext) bool {
	if len(octx.ToolEvents) > 0 || octx.LastAssistantMessage != "" {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(octx.UserPrompt))
	normalized = strings.TrimRight(normalized, ".!? ")
	return normalized == "" || trivialPrompts[normalized]
}

// qualifies filters Observer drafts down to the restricted kind set with
// non-trivial content.
func qualifies(draft ObservationDraft) bool {
	if !observationKinds[draft.Kind] {
		return false
	}
	if len(strings.TrimSpace(draft.Title)) < 3 {
		return false
	}
	if len(strings.TrimSpace(draft.BodyText)) < 10 {
		return false
	}
	return true
}

// buildContext assembles the Observer's input from the batch's events:
// prompts, deduplicated and budgeted tool events, the last assistant
// message, and a flat transcript honoring the configured caps.
func (p *Pipeline) buildContext(events []store.RawEvent) ObserverContext {
	var octx ObserverContext
	var prompts []string
	recentFiles := map[string]bool{}

	for _, e := range events {
		if proj, ok := e.Payload["project"].(string); ok && proj != "" {
			octx.Project = proj
		}
		if c, ok := e.Payload["cwd"].(string); ok && c != "" {
			octx.Cwd = c
		}
		if pn, ok := e.Payload["prompt_number"].(float64); ok {
			n := int(pn)
			octx.PromptNumber = &n
		}
		switch e.EventType {
		case "user_prompt", "message.user":
			if text, ok := e.Payload["text"].(string); ok {
				text = strings.TrimSpace(privateBlock.ReplaceAllString(text, ""))
				if text != "" {
					prompts = append(prompts, text)
				}
			}
		case "assistant_message", "message.assistant":
			if text, ok := e.Payload["text"].(string); ok && strings.TrimSpace(text) != "" {
				octx.LastAssistantMessage = text
			}
		case "diff_summary":
			if text, ok := e.Payload["text"].(string); ok {
				octx.DiffSummary = text
			}
		case "file_touched":
			if f, ok := e.Payload["path"].(string); ok {
				recentFiles[f] = true
			}
		}
	}

	if len(prompts) > 0 {
		octx.UserPrompt = prompts[len(prompts)-1]
	}
	for f := range recentFiles {
		octx.RecentFiles = append(octx.RecentFiles, f)
	}

	toolEvents := ExtractToolEvents(events)
	toolEvents = DedupToolEvents(toolEvents)
	octx.ToolEvents = BudgetToolEvents(toolEvents, p.cfg.ObserverMaxChars/2, 50)

	octx.Transcript = p.truncateToBudget(renderTranscript(prompts, octx.ToolEvents, octx.LastAssistantMessage))
	return octx
}

func renderTranscript(prompts []string, toolEvents []ToolEvent, lastAssistant string) string {
	var sb strings.Builder
	for _, prompt := range prompts {
		sb.WriteString("USER: ")
		sb.WriteString(prompt)
		sb.WriteString("\n")
	}
	for _, te := range toolEvents {
		sb.WriteString("TOOL ")
		sb.WriteString(te.Tool)
		sb.WriteString("(")
		sb.WriteString(te.Input)
		sb.WriteString(")")
		if te.Error != "" {
			sb.WriteString(" ERROR: ")
			sb.WriteString(te.Error)
		} else if te.Output != "" {
			sb.WriteString(" -> ")
			sb.WriteString(te.Output)
		}
		sb.WriteString("\n")
	}
	if lastAssistant != "" {
		sb.WriteString("ASSISTANT: ")
		sb.WriteString(lastAssistant)
		sb.WriteString("\n")
	}
	return sb.String()
}

// truncateToBudget trims the transcript from the front (keeping the most
// recent content) until it fits within both ObserverMaxChars and
// ObserverMaxTokens.
func (p *Pipeline) truncateToBudget(transcript string) string {
	maxChars := p.cfg.ObserverMaxChars
	if maxChars <= 0 {
		maxChars = 24000
	}
	if len(transcript) > maxChars {
		transcript = transcript[len(transcript)-maxChars:]
	}

	maxTokens := p.cfg.ObserverMaxTokens
	if maxTokens <= 0 {
		return transcript
	}
	if n := p.est.Count(transcript); n > maxTokens {
		// Proportional front-trim; the estimator is close enough to
		// linear over transcript text for a single cut to land under
		// budget.
		keep := len(transcript) * maxTokens / n
		if keep < len(transcript) {
			transcript = transcript[len(transcript)-keep:]
		}
	}
	return transcript
}
