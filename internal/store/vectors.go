package store

import "fmt"

// StoreVector persists one chunk's embedding for a memory item, replacing
// any prior vector for the same (memory_id, chunk_index, model).
func (s *Store) StoreVector(memoryID int64, chunkIndex int, model, contentHash string, embedding []float32) error {
	_, err := s.db.Exec(`
		INSERT INTO memory_vectors (memory_id, chunk_index, model, content_hash, embedding)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(memory_id, chunk_index, model) DO UPDATE SET
			content_hash = excluded.content_hash, embedding = excluded.embedding
	`, memoryID, chunkIndex, model, contentHash, float32ToBytes(embedding))
	if err != nil {
		return fmt.Errorf("store vector: %w", err)
	}
	return nil
}

// MemoriesMissingVectors returns up to limit active memory item ids that
// have no vector row for the given model, used by the maintenance
// backfill-vectors operation.
func (s *Store) MemoriesMissingVectors(model string, limit int) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT m.id FROM memory_items m
		WHERE m.active = 1 AND NOT EXISTS (
			SELECT 1 FROM memory_vectors v WHERE v.memory_id = m.id AND v.model = ?
		)
		ORDER BY m.id ASC LIMIT ?
	`, model, limit)
	if err != nil {
		return nil, fmt.Errorf("query memories missing vectors: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
