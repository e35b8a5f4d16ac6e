package store

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PackParams controls memory pack assembly for one retrieval request.
type PackParams struct {
	Project          string
	Query            string
	Embedder         Embedder
	ObservationLimit int
	SessionLimit     int
	TimelineLimit    int
	TokenBudget      int
	ContextTags      []string
	LogUsage         bool
}

// PackItem is one memory surfaced into an assembled pack, annotated with
// the token cost the pack accounting charged it.
type PackItem struct {
	Item      MemoryItem
	TokenCost int
	MatchType string
}

// PackMetrics is the accounting recorded alongside every assembled pack,
// per spec.md §4.5.
type PackMetrics struct {
	WorkTokensUnique   int     `json:"work_tokens_unique"`
	PackTokens         int     `json:"pack_tokens"`
	TokensSaved        int     `json:"tokens_saved"`
	AvoidedWorkSaved   int     `json:"avoided_work_saved"`
	CompressionRatio   float64 `json:"compression_ratio"`
	SemanticCandidates int     `json:"semantic_candidates"`
	SemanticHits       int     `json:"semantic_hits"`
}

// MemoryPack is the bounded, three-section set of memories returned to
// the editor/agent plugin for one retrieval call: at most one Summary,
// up to TimelineLimit recent non-summary items, and kind-priority-ordered
// Observations, per spec.md §4.5.
type MemoryPack struct {
	Summary     *PackItem
	Timeline    []PackItem
	Observations []PackItem
	TotalTokens int
	Truncated   bool
	Metrics     PackMetrics
}

// itemTokenCost is the literal, testable arithmetic invariant from the
// pack-budget scenario: max(8, len(body)/4). This one place does not
// go through the tiktoken estimator, because the cost accounting itself
// is a pinned formula, not an estimate.
func itemTokenCost(body string) int {
	cost := len(body) / 4
	if cost < 8 {
		return 8
	}
	return cost
}

// observationKindPriority orders Observations per spec.md §4.5; kinds not
// listed (session_summary, observation, entities) sort last since they
// never appear in this section.
var observationKindPriority = map[MemoryKind]int{
	KindDecision:    0,
	KindFeature:     1,
	KindBugfix:      2,
	KindRefactor:    3,
	KindChange:      4,
	KindDiscovery:   5,
	KindExploration: 6,
	KindNote:        7,
}

// tagOverlap counts shared whitespace-separated tokens between a memory
// item's tags_text and the caller-supplied context tags.
func tagOverlap(tagsText string, contextTags []string) int {
	if len(contextTags) == 0 {
		return 0
	}
	have := map[string]bool{}
	for _, t := range strings.Fields(tagsText) {
		have[t] = true
	}
	n := 0
	for _, t := range contextTags {
		if have[t] {
			n++
		}
	}
	return n
}

// AssemblePack gathers the most relevant memories for a project/query
// into the three-section pack structure, trimming to TokenBudget under
// the pinned per-item cost formula (budget applies across all sections,
// in Summary, Timeline, Observations order, stopping once adding the
// next item would exceed budget after at least one item has been
// emitted). It records a UsageEvent{event="pack"} with the pack's
// metrics unless LogUsage is false.
func (s *Store) AssemblePack(p PackParams) (*MemoryPack, error) {
	if p.ObservationLimit <= 0 {
		p.ObservationLimit = 8
	}
	if p.SessionLimit <= 0 {
		p.SessionLimit = 3
	}
	if p.TimelineLimit <= 0 {
		p.TimelineLimit = 3
	}

	results, err := s.Search(SearchParams{
		Query:    p.Query,
		Project:  p.Project,
		Limit:    p.ObservationLimit * 3,
		Embedder: p.Embedder,
	})
	if err != nil {
		return nil, fmt.Errorf("pack search: %w", err)
	}

	summaries, err := s.RecentSessionSummaries(p.Project, 1)
	if err != nil {
		return nil, fmt.Errorf("pack summaries: %w", err)
	}

	pack := &MemoryPack{}
	semanticCandidates, semanticHits := 0, 0
	for _, r := range results {
		if r.MatchType == "semantic" || r.MatchType == "hybrid" {
			semanticCandidates++
		}
	}

	budget := p.TokenBudget
	emitted := 0
	tryEmit := func(cost int) bool {
		if budget > 0 && emitted > 0 && pack.TotalTokens+cost > budget {
			pack.Truncated = true
			return false
		}
		pack.TotalTokens += cost
		emitted++
		return true
	}

	if len(summaries) > 0 {
		sum := summaries[0]
		body := sum.Request + sum.Investigated + sum.Learned + sum.Completed
		cost := itemTokenCost(body)
		if tryEmit(cost) {
			pack.Summary = &PackItem{
				Item: MemoryItem{
					Kind: KindSessionSummary, Title: sum.Request, BodyText: body,
					CreatedAt: sum.CreatedAt, UpdatedAt: sum.CreatedAt,
				},
				TokenCost: cost, MatchType: "summary",
			}
		}
	}

	// Timeline: up to TimelineLimit most recent non-summary items from
	// the candidate set, by recency.
	timelineCandidates := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Item.Kind != KindSessionSummary {
			timelineCandidates = append(timelineCandidates, r)
		}
	}
	sort.Slice(timelineCandidates, func(i, j int) bool {
		return timelineCandidates[i].Item.UpdatedAt.After(timelineCandidates[j].Item.UpdatedAt)
	})
	used := map[int64]bool{}
	for i := 0; i < len(timelineCandidates) && len(pack.Timeline) < p.TimelineLimit; i++ {
		r := timelineCandidates[i]
		cost := itemTokenCost(r.Item.BodyText)
		if !tryEmit(cost) {
			break
		}
		pack.Timeline = append(pack.Timeline, PackItem{Item: r.Item, TokenCost: cost, MatchType: r.MatchType})
		used[r.Item.ID] = true
		if r.MatchType == "semantic" || r.MatchType == "hybrid" {
			semanticHits++
		}
	}

	// Observations: kind-priority, then tag overlap, then recency.
	obsCandidates := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if used[r.Item.ID] || r.Item.Kind == KindSessionSummary {
			continue
		}
		obsCandidates = append(obsCandidates, r)
	}
	sort.SliceStable(obsCandidates, func(i, j int) bool {
		pi, ok := observationKindPriority[obsCandidates[i].Item.Kind]
		if !ok {
			pi = len(observationKindPriority)
		}
		pj, ok := observationKindPriority[obsCandidates[j].Item.Kind]
		if !ok {
			pj = len(observationKindPriority)
		}
		if pi != pj {
			return pi < pj
		}
		oi, oj := tagOverlap(obsCandidates[i].Item.TagsText, p.ContextTags), tagOverlap(obsCandidates[j].Item.TagsText, p.ContextTags)
		if oi != oj {
			return oi > oj
		}
		return obsCandidates[i].Item.UpdatedAt.After(obsCandidates[j].Item.UpdatedAt)
	})
	for i := 0; i < len(obsCandidates) && len(pack.Observations) < p.ObservationLimit; i++ {
		r := obsCandidates[i]
		cost := itemTokenCost(r.Item.BodyText)
		if !tryEmit(cost) {
			break
		}
		pack.Observations = append(pack.Observations, PackItem{Item: r.Item, TokenCost: cost, MatchType: r.MatchType})
		if r.MatchType == "semantic" || r.MatchType == "hybrid" {
			semanticHits++
		}
	}

	metrics, err := s.packMetrics(pack, results, semanticCandidates, semanticHits)
	if err != nil {
		return nil, err
	}
	pack.Metrics = metrics

	if p.LogUsage {
		if err := s.RecordUsageEvent("pack", 0, 0, metrics.TokensSaved, JSONMap{
			"work_tokens_unique":  metrics.WorkTokensUnique,
			"pack_tokens":         metrics.PackTokens,
			"tokens_saved":        metrics.TokensSaved,
			"avoided_work_saved":  metrics.AvoidedWorkSaved,
			"compression_ratio":   metrics.CompressionRatio,
			"semantic_candidates": metrics.SemanticCandidates,
			"semantic_hits":       metrics.SemanticHits,
		}); err != nil {
			return nil, fmt.Errorf("record pack usage event: %w", err)
		}
	}

	return pack, nil
}

// packMetrics computes spec.md §4.5's per-pack accounting:
// work_tokens_unique sums the max cost per discovery_group across the
// candidate set (the work the pack is substituting for); pack_tokens is
// the pack's own total; tokens_saved is the difference;
// avoided_work_saved further nets out any discovery_tokens recorded on
// the underlying observations, where known.
func (s *Store) packMetrics(pack *MemoryPack, candidates []SearchResult, semanticCandidates, semanticHits int) (PackMetrics, error) {
	groupMaxCost := map[string]int{}
	groupDiscoveryTokens := map[string]int{}
	for _, r := range candidates {
		group, _ := r.Item.Metadata["discovery_group"].(string)
		if group == "" {
			group = fmt.Sprintf("item:%d", r.Item.ID)
		}
		cost := itemTokenCost(r.Item.BodyText)
		if cost > groupMaxCost[group] {
			groupMaxCost[group] = cost
		}
		if dt, ok := r.Item.Metadata["discovery_tokens"].(float64); ok && int(dt) > groupDiscoveryTokens[group] {
			groupDiscoveryTokens[group] = int(dt)
		}
	}

	workTokensUnique := 0
	knownDiscoveryTokens := 0
	for group, cost := range groupMaxCost {
		workTokensUnique += cost
		knownDiscoveryTokens += groupDiscoveryTokens[group]
	}

	packTokens := pack.TotalTokens
	tokensSaved := workTokensUnique - packTokens
	if tokensSaved < 0 {
		tokensSaved = 0
	}
	avoidedWorkSaved := workTokensUnique - knownDiscoveryTokens - packTokens
	if avoidedWorkSaved < 0 {
		avoidedWorkSaved = 0
	}
	ratio := 0.0
	if workTokensUnique > 0 {
		ratio = float64(packTokens) / float64(workTokensUnique)
	}

	return PackMetrics{
		WorkTokensUnique:   workTokensUnique,
		PackTokens:         packTokens,
		TokensSaved:        tokensSaved,
		AvoidedWorkSaved:   avoidedWorkSaved,
		CompressionRatio:   ratio,
		SemanticCandidates: semanticCandidates,
		SemanticHits:       semanticHits,
	}, nil
}

// RecentSessionSummaries returns the most recent session summaries for a
// project, most recent first.
func (s *Store) RecentSessionSummaries(project string, limit int) ([]SessionSummary, error) {
	rows, err := s.db.Query(`
		SELECT ss.id, ss.session_id, ss.request, ss.investigated, ss.learned, ss.completed,
			ss.next_steps, ss.notes, ss.files_read, ss.files_edited, ss.prompt_number, ss.created_at
		FROM session_summaries ss
		JOIN sessions sess ON sess.id = ss.session_id
		WHERE sess.project = ? OR ? = ''
		ORDER BY ss.created_at DESC
		LIMIT ?
	`, project, project, limit)
	if err != nil {
		return nil, fmt.Errorf("query session summaries: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var ss SessionSummary
		var filesRead, filesEdited string
		var createdMs int64
		if err := rows.Scan(&ss.ID, &ss.SessionID, &ss.Request, &ss.Investigated, &ss.Learned, &ss.Completed,
			&ss.NextSteps, &ss.Notes, &filesRead, &filesEdited, &ss.PromptNumber, &createdMs); err != nil {
			return nil, err
		}
		ss.FilesRead = unmarshalStrings(filesRead)
		ss.FilesEdited = unmarshalStrings(filesEdited)
		ss.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, ss)
	}
	return out, rows.Err()
}

// RecordSessionSummary persists a narrative summary for one prompt turn.
func (s *Store) RecordSessionSummary(sessionID int64, summary SessionSummary) (int64, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO session_summaries (session_id, request, investigated, learned, completed, next_steps, notes, files_read, files_edited, prompt_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, summary.Request, summary.Investigated, summary.Learned, summary.Completed,
		summary.NextSteps, summary.Notes, marshalStrings(summary.FilesRead), marshalStrings(summary.FilesEdited),
		summary.PromptNumber, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert session_summary: %w", err)
	}
	return res.LastInsertId()
}
