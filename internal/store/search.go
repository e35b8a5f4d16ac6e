package store

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Embedder produces a query embedding for the semantic leg of hybrid
// retrieval. Kept as a narrow capability interface so the store package
// has no hard dependency on any particular embedding provider.
type Embedder interface {
	Embed(text string) ([]float32, error)
}

// SearchParams controls one retrieval call.
type SearchParams struct {
	Query    string
	Project  string
	Kinds    []MemoryKind
	Since    *time.Time
	Limit    int
	Embedder Embedder // optional; nil disables the semantic leg
}

// SearchResult pairs a memory item with its merged relevance score.
type SearchResult struct {
	Item      MemoryItem
	Score     float64
	MatchType string // "keyword", "semantic", "hybrid", or "fuzzy"
}

// kindBonus nudges ranking toward kinds that tend to answer a query
// directly: summaries and decisions over raw observations.
var kindBonus = map[MemoryKind]float64{
	KindSessionSummary: 0.25,
	KindDecision:       0.20,
	KindNote:           0.15,
	KindObservation:    0.10,
	KindEntities:       0.05,
}

const (
	// taskRecencyDays bounds task-query results; a year-old todo is
	// still a todo, anything older is archaeology.
	taskRecencyDays = 365
	// recallRecencyDays clips general results to the recent subset when
	// one exists.
	recallRecencyDays = 180
	// fuzzyAcceptThreshold is the floor for the fallback tier's
	// max(token-overlap, match-ratio) score.
	fuzzyAcceptThreshold = 0.18
)

// taskKeywords/recallKeywords route a query toward the retrieval
// strategy that serves it best: task-shaped queries want open work
// items, recall-shaped queries want summaries and their timelines.
var taskKeywords = []string{"todo", "pending", "next", "resume", "backlog", "unfinished", "remaining", "continue", "in progress"}
var recallKeywords = []string{"remember", "recap", "summary", "summarize", "what did we", "what have we", "last time", "previously", "catch me up"}

// taskKindRank orders task results: notes and decisions carry the
// actionable content.
var taskKindRank = map[MemoryKind]int{
	KindNote: 0, KindDecision: 1, KindObservation: 2,
}

// recallKindRank orders recall results: summaries first.
var recallKindRank = map[MemoryKind]int{
	KindSessionSummary: 0, KindDecision: 1, KindNote: 2, KindObservation: 3,
}

func classifyQuery(q string) string {
	lower := strings.ToLower(q)
	for _, kw := range recallKeywords {
		if strings.Contains(lower, kw) {
			return "recall"
		}
	}
	for _, kw := range taskKeywords {
		if strings.Contains(lower, kw) {
			return "task"
		}
	}
	return "general"
}

// recencyScore decays with age on a one-week scale: 1 today, 1/2 at a
// week, 1/5 at a month.
func recencyScore(now, updatedAt time.Time) float64 {
	days := now.Sub(updatedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return 1 / (1 + days/7)
}

// Search runs hybrid keyword+semantic retrieval (falling back to fuzzy
// token overlap when FTS finds nothing), routes task- and recall-shaped
// queries to their own ranking, and returns the top Limit results.
func (s *Store) Search(p SearchParams) ([]SearchResult, error) {
	if p.Limit <= 0 {
		p.Limit = 20
	}

	switch classifyQuery(p.Query) {
	case "task":
		return s.searchTask(p)
	case "recall":
		return s.searchRecall(p)
	default:
		return s.searchGeneral(p)
	}
}

// gatherCandidates runs the keyword and semantic legs and merges them
// by item id, with the fuzzy tier as a last resort.
func (s *Store) gatherCandidates(p SearchParams) (map[int64]*SearchResult, error) {
	byID := map[int64]*SearchResult{}

	kw, err := s.keywordSearch(p.Query, p.Project, p.Kinds, p.Since, p.Limit*3)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	for _, r := range kw {
		r := r
		r.MatchType = "keyword"
		byID[r.Item.ID] = &r
	}

	if p.Embedder != nil {
		vec, err := p.Embedder.Embed(p.Query)
		if err == nil && len(vec) > 0 {
			sem, err := s.semanticSearch(vec, p.Project, p.Kinds, p.Since, p.Limit)
			if err == nil {
				for _, r := range sem {
					if existing, ok := byID[r.Item.ID]; ok {
						existing.Score += r.Score
						existing.MatchType = "hybrid"
					} else {
						r := r
						r.MatchType = "semantic"
						byID[r.Item.ID] = &r
					}
				}
			}
		}
	}

	if len(byID) == 0 {
		fz, err := s.fuzzySearch(p.Query, p.Project, p.Kinds, p.Limit*3)
		if err != nil {
			return nil, fmt.Errorf("fuzzy search: %w", err)
		}
		for _, r := range fz {
			r := r
			r.MatchType = "fuzzy"
			byID[r.Item.ID] = &r
		}
	}
	return byID, nil
}

// searchGeneral reranks merged candidates by score*1.5 + recency +
// kind bonus, clipping to the recent subset when one exists.
func (s *Store) searchGeneral(p SearchParams) ([]SearchResult, error) {
	byID, err := s.gatherCandidates(p)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]SearchResult, 0, len(byID))
	recent := 0
	cutoff := now.AddDate(0, 0, -recallRecencyDays)
	for _, r := range byID {
		r.Score = r.Score*1.5 + recencyScore(now, r.Item.UpdatedAt) + kindBonus[r.Item.Kind]
		if r.Item.UpdatedAt.After(cutoff) {
			recent++
		}
		out = append(out, *r)
	}

	// Old items only matter when nothing recent matched at all.
	if recent > 0 {
		clipped := out[:0]
		for _, r := range out {
			if r.Item.UpdatedAt.After(cutoff) {
				clipped = append(clipped, r)
			}
		}
		out = clipped
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

// searchTask favors open-work kinds within the task recency window,
// ordered by kind rank then recency.
func (s *Store) searchTask(p SearchParams) ([]SearchResult, error) {
	since := time.Now().AddDate(0, 0, -taskRecencyDays)
	if p.Since == nil || p.Since.Before(since) {
		p.Since = &since
	}
	byID, err := s.gatherCandidates(p)
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(byID))
	for _, r := range byID {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := taskRankOf(out[i].Item.Kind), taskRankOf(out[j].Item.Kind)
		if ri != rj {
			return ri < rj
		}
		return out[i].Item.UpdatedAt.After(out[j].Item.UpdatedAt)
	})
	if len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

func taskRankOf(k MemoryKind) int {
	if r, ok := taskKindRank[k]; ok {
		return r
	}
	return len(taskKindRank)
}

func recallRankOf(k MemoryKind) int {
	if r, ok := recallKindRank[k]; ok {
		return r
	}
	return len(recallKindRank)
}

// searchRecall tries session summaries first, merges the rest of the
// candidate set behind them, and orders by recall kind rank. Callers
// wanting the surrounding narrative expand the top hit with
// TimelineAround.
func (s *Store) searchRecall(p SearchParams) ([]SearchResult, error) {
	summariesOnly := p
	summariesOnly.Kinds = []MemoryKind{KindSessionSummary}
	byID, err := s.gatherCandidates(summariesOnly)
	if err != nil {
		return nil, err
	}
	rest, err := s.gatherCandidates(p)
	if err != nil {
		return nil, err
	}
	for id, r := range rest {
		if _, ok := byID[id]; !ok {
			byID[id] = r
		}
	}

	out := make([]SearchResult, 0, len(byID))
	for _, r := range byID {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := recallRankOf(out[i].Item.Kind), recallRankOf(out[j].Item.Kind)
		if ri != rj {
			return ri < rj
		}
		return out[i].Item.UpdatedAt.After(out[j].Item.UpdatedAt)
	})
	if len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

func (s *Store) keywordSearch(query, project string, kinds []MemoryKind, since *time.Time, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	sqlQuery := `
		SELECT m.id, m.session_id, m.kind, m.title, m.body_text, m.subtitle, m.facts, m.concepts,
			m.files_read, m.files_modified, m.prompt_number, m.user_prompt_id, m.confidence,
			m.tags_text, m.active, m.created_at, m.updated_at, m.deleted_at, m.rev, m.metadata, COALESCE(m.import_key,''),
			bm25(memory_fts, 1.0, 1.0, 0.25) AS rank
		FROM memory_fts
		JOIN memory_items m ON m.id = memory_fts.rowid
		JOIN sessions sess ON sess.id = m.session_id
		WHERE memory_fts MATCH ? AND m.active = 1
	`
	args := []any{match}
	sqlQuery, args = appendFilters(sqlQuery, args, project, kinds, since, "sess", "m")
	sqlQuery += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	var out []SearchResult
	for rows.Next() {
		item, rank, err := scanMemoryItemWithRank(rows)
		if err != nil {
			return nil, err
		}
		// bm25() is lower-is-better; negate, then fold in the recency
		// term and kind bonus so the keyword leg is self-contained.
		score := -rank + recencyScore(now, item.UpdatedAt) + kindBonus[item.Kind]
		out = append(out, SearchResult{Item: *item, Score: score})
	}
	return out, rows.Err()
}

// ftsQuery strips FTS5 boolean keywords and OR-joins the remaining
// quoted tokens, so punctuation in paths or identifiers (e.g. "foo.go")
// doesn't break the query grammar.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	kept := fields[:0]
	for _, f := range fields {
		switch strings.ToUpper(f) {
		case "AND", "OR", "NOT", "NEAR":
			continue
		}
		f = strings.ReplaceAll(f, `"`, `""`)
		kept = append(kept, `"`+f+`"`)
	}
	return strings.Join(kept, " OR ")
}

func appendFilters(sqlQuery string, args []any, project string, kinds []MemoryKind, since *time.Time, sessAlias, memAlias string) (string, []any) {
	if project != "" {
		// Exact match, or the stored project is a path whose basename
		// matches.
		sqlQuery += fmt.Sprintf(" AND (%s.project = ? OR %s.project LIKE ?)", sessAlias, sessAlias)
		args = append(args, project, "%/"+project)
	}
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		sqlQuery += fmt.Sprintf(" AND %s.kind IN (%s)", memAlias, strings.Join(placeholders, ","))
	}
	if since != nil {
		sqlQuery += fmt.Sprintf(" AND %s.updated_at >= ?", memAlias)
		args = append(args, since.UnixMilli())
	}
	return sqlQuery, args
}

func (s *Store) semanticSearch(query []float32, project string, kinds []MemoryKind, since *time.Time, limit int) ([]SearchResult, error) {
	sqlQuery := `
		SELECT m.id, m.session_id, m.kind, m.title, m.body_text, m.subtitle, m.facts, m.concepts,
			m.files_read, m.files_modified, m.prompt_number, m.user_prompt_id, m.confidence,
			m.tags_text, m.active, m.created_at, m.updated_at, m.deleted_at, m.rev, m.metadata, COALESCE(m.import_key,''),
			v.embedding
		FROM memory_vectors v
		JOIN memory_items m ON m.id = v.memory_id
		JOIN sessions sess ON sess.id = m.session_id
		WHERE m.active = 1
	`
	args := []any{}
	sqlQuery, args = appendFilters(sqlQuery, args, project, kinds, since, "sess", "m")

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	best := map[int64]SearchResult{}
	for rows.Next() {
		var item MemoryItem
		var kind, facts, concepts, filesRead, filesMod, metadata string
		var created, updated int64
		var deleted sql.NullInt64
		var active int
		var embBytes []byte
		if err := rows.Scan(&item.ID, &item.SessionID, &kind, &item.Title, &item.BodyText, &item.Subtitle,
			&facts, &concepts, &filesRead, &filesMod, &item.PromptNumber, &item.UserPromptID, &item.Confidence,
			&item.TagsText, &active, &created, &updated, &deleted, &item.Rev, &metadata, &item.ImportKey, &embBytes); err != nil {
			return nil, err
		}
		item.Kind = MemoryKind(kind)
		item.Facts = unmarshalStrings(facts)
		item.Concepts = unmarshalStrings(concepts)
		item.FilesRead = unmarshalStrings(filesRead)
		item.FilesModified = unmarshalStrings(filesMod)
		item.Metadata = unmarshalJSONMap(metadata)
		item.Active = active != 0
		item.CreatedAt = time.UnixMilli(created)
		item.UpdatedAt = time.UnixMilli(updated)

		// Distance transformed to similarity 1/(1+d); an item embedded
		// in several chunks keeps its best chunk's score.
		distance := 1 - cosineSimilarity(query, bytesToFloat32(embBytes))
		score := 1 / (1 + math.Max(0, distance))
		if existing, ok := best[item.ID]; !ok || score > existing.Score {
			best[item.ID] = SearchResult{Item: item, Score: score}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func scanMemoryItemWithRank(rows *sql.Rows) (*MemoryItem, float64, error) {
	var m MemoryItem
	var kind, facts, concepts, filesRead, filesMod, metadata string
	var created, updated int64
	var deleted sql.NullInt64
	var active int
	var rank float64
	if err := rows.Scan(&m.ID, &m.SessionID, &kind, &m.Title, &m.BodyText, &m.Subtitle,
		&facts, &concepts, &filesRead, &filesMod, &m.PromptNumber, &m.UserPromptID, &m.Confidence,
		&m.TagsText, &active, &created, &updated, &deleted, &m.Rev, &metadata, &m.ImportKey, &rank); err != nil {
		return nil, 0, err
	}
	m.Kind = MemoryKind(kind)
	m.Facts = unmarshalStrings(facts)
	m.Concepts = unmarshalStrings(concepts)
	m.FilesRead = unmarshalStrings(filesRead)
	m.FilesModified = unmarshalStrings(filesMod)
	m.Metadata = unmarshalJSONMap(metadata)
	m.Active = active != 0
	m.CreatedAt = time.UnixMilli(created)
	m.UpdatedAt = time.UnixMilli(updated)
	return &m, rank, nil
}
