package store

import "fmt"

// TimelineAround expands an anchor memory into its session-local
// chronological neighborhood: depthBefore items created before it,
// the anchor itself, then depthAfter items after it. Used by the
// recall-query path to show what led up to and followed a remembered
// moment.
func (s *Store) TimelineAround(anchorID int64, depthBefore, depthAfter int) ([]MemoryItem, error) {
	anchor, err := s.memoryByID(anchorID)
	if err != nil {
		return nil, err
	}
	if anchor == nil {
		return nil, nil
	}

	before, err := s.timelineNeighbors(anchor, depthBefore, true)
	if err != nil {
		return nil, err
	}
	after, err := s.timelineNeighbors(anchor, depthAfter, false)
	if err != nil {
		return nil, err
	}

	// before comes back newest-first; reverse into chronological order.
	out := make([]MemoryItem, 0, len(before)+1+len(after))
	for i := len(before) - 1; i >= 0; i-- {
		out = append(out, before[i])
	}
	out = append(out, *anchor)
	out = append(out, after...)
	return out, nil
}

func (s *Store) memoryByID(id int64) (*MemoryItem, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.session_id, m.kind, m.title, m.body_text, m.subtitle, m.facts, m.concepts,
			m.files_read, m.files_modified, m.prompt_number, m.user_prompt_id, m.confidence,
			m.tags_text, m.active, m.created_at, m.updated_at, m.deleted_at, m.rev, m.metadata, COALESCE(m.import_key,'')
		FROM memory_items m WHERE m.id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("read memory: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanMemoryItemFull(rows)
}

func (s *Store) timelineNeighbors(anchor *MemoryItem, depth int, before bool) ([]MemoryItem, error) {
	if depth <= 0 {
		return nil, nil
	}
	op, order := ">", "ASC"
	if before {
		op, order = "<", "DESC"
	}
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT m.id, m.session_id, m.kind, m.title, m.body_text, m.subtitle, m.facts, m.concepts,
			m.files_read, m.files_modified, m.prompt_number, m.user_prompt_id, m.confidence,
			m.tags_text, m.active, m.created_at, m.updated_at, m.deleted_at, m.rev, m.metadata, COALESCE(m.import_key,'')
		FROM memory_items m
		WHERE m.session_id = ? AND m.active = 1 AND m.id != ?
			AND (m.created_at %s ? OR (m.created_at = ? AND m.id %s ?))
		ORDER BY m.created_at %s, m.id %s
		LIMIT ?
	`, op, op, order, order), anchor.SessionID, anchor.ID,
		anchor.CreatedAt.UnixMilli(), anchor.CreatedAt.UnixMilli(), anchor.ID, depth)
	if err != nil {
		return nil, fmt.Errorf("query timeline neighbors: %w", err)
	}
	defer rows.Close()

	var out []MemoryItem
	for rows.Next() {
		item, err := scanMemoryItemFull(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}
