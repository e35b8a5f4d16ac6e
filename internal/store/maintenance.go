package store

import (
	"database/sql"
	"fmt"
	"time"
)

// MaintenanceReport summarizes the effect of one maintenance operation.
type MaintenanceReport struct {
	Operation string
	Scanned   int
	Changed   int
	Errors    []string
}

// BackfillTags recomputes tags_text for every active memory item whose
// tags_text is empty, used after an upgrade that changes tag derivation.
func (s *Store) BackfillTags() (*MaintenanceReport, error) {
	report := &MaintenanceReport{Operation: "backfill_tags"}
	rows, err := s.db.Query(`
		SELECT id, title, concepts, files_read, files_modified FROM memory_items
		WHERE active = 1 AND tags_text = ''
	`)
	if err != nil {
		return nil, fmt.Errorf("query untagged items: %w", err)
	}
	type row struct {
		id                            int64
		title, concepts, fr, fm       string
	}
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.title, &r.concepts, &r.fr, &r.fm); err != nil {
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
		tags := deriveTags(r.title, unmarshalStrings(r.concepts), unmarshalStrings(r.fr), unmarshalStrings(r.fm))
		if _, err := s.db.Exec(`UPDATE memory_items SET tags_text = ? WHERE id = ?`, tags, r.id); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("item %d: %v", r.id, err))
			continue
		}
		report.Changed++
	}
	return report, nil
}

// PruneLowConfidence soft-deletes active observations below
// confidenceFloor that carry no tags — low-value, untagged noise that a
// pack assembly would never select anyway.
func (s *Store) PruneLowConfidence(confidenceFloor float64) (*MaintenanceReport, error) {
	report := &MaintenanceReport{Operation: "prune_low_confidence"}
	now := time.Now().UnixMilli()
	res, err := s.db.Exec(`
		UPDATE memory_items SET active = 0, deleted_at = ?, updated_at = ?, rev = rev + 1
		WHERE active = 1 AND kind = 'observation' AND confidence < ? AND tags_text = ''
	`, now, now, confidenceFloor)
	if err != nil {
		return nil, fmt.Errorf("prune low confidence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	report.Scanned = int(n)
	report.Changed = int(n)
	return report, nil
}

// RenameProject retargets every session (and therefore every memory item
// under it) from oldProject to newProject.
func (s *Store) RenameProject(oldProject, newProject string) (*MaintenanceReport, error) {
	report := &MaintenanceReport{Operation: "rename_project"}
	res, err := s.db.Exec(`UPDATE sessions SET project = ? WHERE project = ?`, newProject, oldProject)
	if err != nil {
		return nil, fmt.Errorf("rename project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	report.Scanned = int(n)
	report.Changed = int(n)
	return report, nil
}

// MigrateLegacyKeys rewrites memory items whose kind is the legacy
// "project" spelling onto "decision", reporting how many rows changed.
func (s *Store) MigrateLegacyKeys() (*MaintenanceReport, error) {
	report := &MaintenanceReport{Operation: "migrate_legacy_keys"}
	res, err := s.withTxResult(func(tx *sql.Tx) (sql.Result, error) {
		return tx.Exec(`UPDATE memory_items SET kind = ? WHERE kind = 'project'`, string(KindDecision))
	})
	if err != nil {
		return nil, fmt.Errorf("migrate legacy keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	report.Scanned = int(n)
	report.Changed = int(n)
	return report, nil
}

func (s *Store) withTxResult(fn func(tx *sql.Tx) (sql.Result, error)) (sql.Result, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	res, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// FullReindex clears all derived data and rebuilds from durable source
// tables is out of scope for the store package itself (it requires
// replaying the raw-event log through the Observer pipeline); this
// exposes only the underlying clear primitive used by that higher-level
// operation.
func (s *Store) FullReindex() error {
	return clearAllData(s.db)
}
