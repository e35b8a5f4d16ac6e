package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// vectorChunkSize is the deterministic chunker's target size in bytes.
// Chunks split on paragraph boundaries where possible so an edit to one
// paragraph invalidates one chunk's hash, not all of them.
const vectorChunkSize = 1200

// ChunkForEmbedding splits title+body into the deterministic chunk list
// the vector table is keyed by.
func ChunkForEmbedding(title, body string) []string {
	text := strings.TrimSpace(title + "\n" + body)
	if text == "" {
		return nil
	}
	paragraphs := strings.Split(text, "\n\n")

	var chunks []string
	var current strings.Builder
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(p) > vectorChunkSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)

		// A single paragraph over the target is split hard.
		for current.Len() > vectorChunkSize {
			s := current.String()
			chunks = append(chunks, s[:vectorChunkSize])
			current.Reset()
			current.WriteString(s[vectorChunkSize:])
		}
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func ContentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// BackfillVectors embeds every active memory item missing a vector row
// for the given model, in batches of batchSize, skipping chunks whose
// content hash is already stored. Idempotent and restartable: killing it
// mid-run loses nothing, re-running resumes where it stopped.
func (s *Store) BackfillVectors(embedder Embedder, model string, batchSize int) (*MaintenanceReport, error) {
	report := &MaintenanceReport{Operation: "backfill_vectors"}
	if batchSize <= 0 {
		batchSize = 100
	}

	for {
		ids, err := s.MemoriesMissingVectors(model, batchSize)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			report.Scanned++
			if err := s.embedMemory(embedder, model, id); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("memory %d: %v", id, err))
				continue
			}
			report.Changed++
		}
		if len(ids) < batchSize {
			break
		}
	}
	return report, nil
}

func (s *Store) embedMemory(embedder Embedder, model string, memoryID int64) error {
	var title, body string
	if err := s.db.QueryRow(`SELECT title, body_text FROM memory_items WHERE id = ?`, memoryID).Scan(&title, &body); err != nil {
		return fmt.Errorf("read memory: %w", err)
	}

	chunks := ChunkForEmbedding(title, body)
	if len(chunks) == 0 {
		// Nothing embeddable; store a zero-length sentinel so the item
		// stops showing up as missing.
		return s.StoreVector(memoryID, 0, model, ContentHash(""), nil)
	}

	for i, chunk := range chunks {
		hash := ContentHash(chunk)
		var existingHash string
		err := s.db.QueryRow(`
			SELECT content_hash FROM memory_vectors WHERE memory_id = ? AND chunk_index = ? AND model = ?
		`, memoryID, i, model).Scan(&existingHash)
		if err == nil && existingHash == hash {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check chunk hash: %w", err)
		}

		vec, err := embedder.Embed(chunk)
		if err != nil {
			return fmt.Errorf("embed chunk %d: %w", i, err)
		}
		if err := s.StoreVector(memoryID, i, model, hash, vec); err != nil {
			return err
		}
	}
	return nil
}

// BackfillReplicationOps emits an op (upsert for active rows, delete for
// tombstoned ones) for every memory item with an import_key that has no
// op in the log at all — rows written by builds that predate
// op emission, or imported out-of-band. Part of the sync daemon's
// preflight.
func (s *Store) BackfillReplicationOps(deviceID string) (*MaintenanceReport, error) {
	report := &MaintenanceReport{Operation: "backfill_replication_ops"}

	ids, err := queryInt64s(s.db, `
		SELECT m.id FROM memory_items m
		WHERE m.import_key IS NOT NULL AND m.import_key != ''
		AND NOT EXISTS (
			SELECT 1 FROM replication_ops o WHERE o.entity_type = 'memory_item' AND o.entity_id = m.import_key
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("find op-less memories: %w", err)
	}

	for _, id := range ids {
		report.Scanned++
		err := s.withTx(func(tx *sql.Tx) error {
			var item *MemoryItem
			if err := loadMemoryItem(tx, id, &item); err != nil {
				return err
			}
			project, err := sessionProject(tx, item.SessionID)
			if err != nil {
				return err
			}
			clock := item.Clock()
			if clock.DeviceID == "" {
				clock.DeviceID = deviceID
				if _, err := tx.Exec(`
					UPDATE memory_items SET metadata = json_set(metadata, '$.clock_device_id', ?) WHERE id = ?
				`, deviceID, id); err != nil {
					return fmt.Errorf("stamp clock device: %w", err)
				}
				item.Metadata["clock_device_id"] = deviceID
			}
			opType := OpUpsert
			if !item.Active {
				opType = OpDelete
			}
			return emitOpTx(tx, "memory_item", item.ImportKey, opType, memoryOpPayload(*item, project), clock)
		})
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("memory %d: %v", id, err))
			continue
		}
		report.Changed++
	}
	return report, nil
}

// BackfillDiscoveryTokens estimates and stamps discovery_tokens onto
// memory items missing it, using the pinned pack-cost formula as the
// estimate source, so savings accounting has a denominator for old rows.
func (s *Store) BackfillDiscoveryTokens() (*MaintenanceReport, error) {
	report := &MaintenanceReport{Operation: "backfill_discovery_tokens"}
	rows, err := s.db.Query(`
		SELECT id, body_text FROM memory_items
		WHERE active = 1 AND json_extract(metadata, '$.discovery_tokens') IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("find untokened memories: %w", err)
	}
	type row struct {
		id   int64
		body string
	}
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.body); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range candidates {
		report.Scanned++
		if _, err := s.db.Exec(`
			UPDATE memory_items SET metadata = json_set(metadata, '$.discovery_tokens', ?) WHERE id = ?
		`, itemTokenCost(r.body), r.id); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("memory %d: %v", r.id, err))
			continue
		}
		report.Changed++
	}
	return report, nil
}

// NormalizeProjects rewrites every session's project to its path
// basename, collapsing "/home/x/src/alpha" and "alpha" onto one name.
func (s *Store) NormalizeProjects() (*MaintenanceReport, error) {
	report := &MaintenanceReport{Operation: "normalize_projects"}
	rows, err := s.db.Query(`SELECT DISTINCT project FROM sessions WHERE project != ''`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		projects = append(projects, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range projects {
		report.Scanned++
		base := p
		if idx := strings.LastIndexByte(strings.TrimRight(p, "/"), '/'); idx >= 0 {
			base = strings.TrimRight(p, "/")[idx+1:]
		}
		if base == p {
			continue
		}
		if _, err := s.db.Exec(`UPDATE sessions SET project = ? WHERE project = ?`, base, p); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("project %s: %v", p, err))
			continue
		}
		report.Changed++
	}
	return report, nil
}

// EnsureMemoryImportKeys assigns a UUID import_key to any memory item
// missing one, part of the legacy-key repair surface.
func (s *Store) EnsureMemoryImportKeys() (*MaintenanceReport, error) {
	report := &MaintenanceReport{Operation: "ensure_memory_import_keys"}
	ids, err := queryInt64s(s.db, `SELECT id FROM memory_items WHERE import_key IS NULL OR import_key = ''`)
	if err != nil {
		return nil, fmt.Errorf("find unkeyed memories: %w", err)
	}
	for _, id := range ids {
		report.Scanned++
		if _, err := s.db.Exec(`UPDATE memory_items SET import_key = ? WHERE id = ?`, uuid.NewString(), id); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("memory %d: %v", id, err))
			continue
		}
		report.Changed++
	}
	return report, nil
}

// PruneInactiveMemories hard-deletes tombstoned rows older than ttl —
// the one sanctioned hard-delete path, for operators reclaiming space
// from long-dead tombstones.
func (s *Store) PruneInactiveMemories(ttl time.Duration) (*MaintenanceReport, error) {
	report := &MaintenanceReport{Operation: "prune_inactive_memories"}
	cutoff := time.Now().Add(-ttl).UnixMilli()
	res, err := s.db.Exec(`
		DELETE FROM memory_items WHERE active = 0 AND deleted_at IS NOT NULL AND deleted_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("prune inactive memories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	report.Scanned = int(n)
	report.Changed = int(n)
	return report, nil
}
