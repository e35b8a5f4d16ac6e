package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// fuzzySearch is the last-resort retrieval tier used when FTS5 finds no
// token match at all (e.g. the query is mostly punctuation or a path
// fragment with no whole-word overlap). It scores every active memory
// item by the higher of token overlap and a Ratcliff/Obershelp-style
// match ratio against the title, since the corpus has no off-the-shelf fuzzy-string
// matching library equivalent to Python's difflib.SequenceMatcher.
func (s *Store) fuzzySearch(query, project string, kinds []MemoryKind, limit int) ([]SearchResult, error) {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	sqlQuery := `
		SELECT m.id, m.session_id, m.kind, m.title, m.body_text, m.subtitle, m.facts, m.concepts,
			m.files_read, m.files_modified, m.prompt_number, m.user_prompt_id, m.confidence,
			m.tags_text, m.active, m.created_at, m.updated_at, m.deleted_at, m.rev, m.metadata, COALESCE(m.import_key,'')
		FROM memory_items m
		JOIN sessions sess ON sess.id = m.session_id
		WHERE m.active = 1
	`
	args := []any{}
	sqlQuery, args = appendFilters(sqlQuery, args, project, kinds, nil, "sess", "m")

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("fuzzy candidates: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		item, err := scanMemoryItemFull(rows)
		if err != nil {
			return nil, err
		}
		overlap := tokenOverlap(queryTokens, tokenize(item.Title+" "+item.TagsText))
		ratio := matchRatio(strings.ToLower(query), strings.ToLower(item.Title))
		score := math.Max(overlap, ratio)
		if score < fuzzyAcceptThreshold {
			continue
		}
		out = append(out, SearchResult{Item: *item, Score: score})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, rows.Err()
}

func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 {
		return 0
	}
	set := map[string]bool{}
	for _, t := range b {
		set[t] = true
	}
	matched := 0
	for _, t := range a {
		if set[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(a))
}

// matchRatio computes a Ratcliff/Obershelp-style similarity ratio:
// 2*M / T where M is the total length of matching (longest common
// substring, recursively) blocks and T is the combined length of both
// strings.
func matchRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	matched := matchingBlockLength(a, b)
	return 2 * float64(matched) / float64(len(a)+len(b))
}

func matchingBlockLength(a, b string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	bestLen, bestAI, bestBI := 0, 0, 0
	for ai := 0; ai < len(a); ai++ {
		for bi := 0; bi < len(b); bi++ {
			l := 0
			for ai+l < len(a) && bi+l < len(b) && a[ai+l] == b[bi+l] {
				l++
			}
			if l > bestLen {
				bestLen, bestAI, bestBI = l, ai, bi
			}
		}
	}
	if bestLen == 0 {
		return 0
	}
	total := bestLen
	total += matchingBlockLength(a[:bestAI], b[:bestBI])
	total += matchingBlockLength(a[bestAI+bestLen:], b[bestBI+bestLen:])
	return total
}

func scanMemoryItemFull(rows *sql.Rows) (*MemoryItem, error) {
	var m MemoryItem
	var kind, facts, concepts, filesRead, filesMod, metadata string
	var created, updated int64
	var deleted sql.NullInt64
	var active int
	if err := rows.Scan(&m.ID, &m.SessionID, &kind, &m.Title, &m.BodyText, &m.Subtitle,
		&facts, &concepts, &filesRead, &filesMod, &m.PromptNumber, &m.UserPromptID, &m.Confidence,
		&m.TagsText, &active, &created, &updated, &deleted, &m.Rev, &metadata, &m.ImportKey); err != nil {
		return nil, err
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
	if deleted.Valid {
		t := time.UnixMilli(deleted.Int64)
		m.DeletedAt = &t
	}
	return &m, nil
}

func float32ToBytes(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloat32(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
