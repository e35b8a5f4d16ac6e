package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	. "github.com/roelfdiedericks/codemem/internal/logging"
)

// defaultFlushBatchSize bounds how many events one flush batch claims at
// a time, keeping a single Observer pass's transcript within budget.
const defaultFlushBatchSize = 200

// staleBatchAfter is how long a batch may sit in "claimed" before the
// sweeper considers its worker dead and returns it to "pending", per
// spec.md §4.1's default stuck-threshold.
const staleBatchAfter = 5 * time.Minute

// RecordRawEvent appends one event to the durable per-session log. It is
// idempotent on (opencode_session_id, event_id): a duplicate delivery
// returns the already-assigned sequence number instead of erroring.
func (s *Store) RecordRawEvent(opencodeSessionID, eventID, eventType string, tsWallMs *int64, tsMonoMs *float64, payload JSONMap, cwd, project string) (int64, error) {
	var seq int64
	err := s.withTx(func(tx *sql.Tx) error {
		if err := upsertRawEventSession(tx, opencodeSessionID, cwd, project, tsWallMs); err != nil {
			return err
		}

		var existing int64
		err := tx.QueryRow(`
			SELECT event_seq FROM raw_events
			WHERE opencode_session_id = ? AND event_id = ?
		`, opencodeSessionID, eventID).Scan(&existing)
		if err == nil {
			seq = existing
			return bumpIngestStat(tx, "events_skipped_duplicate", 1)
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check existing event: %w", err)
		}

		var nextSeq int64
		err = tx.QueryRow(`
			SELECT COALESCE(MAX(event_seq), 0) + 1 FROM raw_events WHERE opencode_session_id = ?
		`, opencodeSessionID).Scan(&nextSeq)
		if err != nil {
			return fmt.Errorf("allocate event_seq: %w", err)
		}

		now := time.Now().UnixMilli()
		if _, err := tx.Exec(`
			INSERT INTO raw_events (opencode_session_id, event_id, event_seq, event_type, ts_wall_ms, ts_mono_ms, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, opencodeSessionID, eventID, nextSeq, eventType, tsWallMs, tsMonoMs, marshalJSONMap(payload), now); err != nil {
			return fmt.Errorf("insert raw_event: %w", err)
		}

		if _, err := tx.Exec(`
			UPDATE raw_event_sessions SET last_received_event_seq = ? WHERE opencode_session_id = ?
		`, nextSeq, opencodeSessionID); err != nil {
			return fmt.Errorf("update session seq: %w", err)
		}

		if err := bumpIngestStat(tx, "events_received", 1); err != nil {
			return err
		}

		seq = nextSeq
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// RawEventInput is one event in a record_batch call.
type RawEventInput struct {
	EventID   string
	EventType string
	TSWallMs  *int64
	TSMonoMs  *float64
	Payload   JSONMap
}

// BatchResult tallies the outcome of RecordRawEventBatch.
type BatchResult struct {
	Inserted       int
	SkippedDuplicate int
	SkippedInvalid   int
	SkippedConflict  int
}

// preScanChunkSize bounds how many event_ids are checked against existing
// rows per query, per spec.md §4.1.
const preScanChunkSize = 500

// RecordRawEventBatch appends a batch of events to session's log in one
// pass: it pre-scans existing event_ids in chunks to short-circuit
// duplicates, then inserts the remainder under a single allocated
// seq-range. Invalid rows (missing event_id/event_type) are counted as
// skipped_invalid and never inserted.
func (s *Store) RecordRawEventBatch(opencodeSessionID, cwd, project string, events []RawEventInput) (BatchResult, error) {
	var result BatchResult
	err := s.withTx(func(tx *sql.Tx) error {
		if err := upsertRawEventSession(tx, opencodeSessionID, cwd, project, latestTSWall(events)); err != nil {
			return err
		}

		valid := make([]RawEventInput, 0, len(events))
		for _, e := range events {
			if e.EventID == "" || e.EventType == "" {
				result.SkippedInvalid++
				continue
			}
			valid = append(valid, e)
		}

		existing := map[string]bool{}
		for i := 0; i < len(valid); i += preScanChunkSize {
			end := i + preScanChunkSize
			if end > len(valid) {
				end = len(valid)
			}
			chunk := valid[i:end]
			args := make([]any, 0, len(chunk)+1)
			args = append(args, opencodeSessionID)
			placeholders := make([]string, len(chunk))
			for j, e := range chunk {
				placeholders[j] = "?"
				args = append(args, e.EventID)
			}
			rows, err := tx.Query(fmt.Sprintf(`
				SELECT event_id FROM raw_events WHERE opencode_session_id = ? AND event_id IN (%s)
			`, strings.Join(placeholders, ",")), args...)
			if err != nil {
				return fmt.Errorf("prescan existing event ids: %w", err)
			}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return err
				}
				existing[id] = true
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()
		}

		var nextSeq int64
		if err := tx.QueryRow(`
			SELECT COALESCE(MAX(event_seq), 0) + 1 FROM raw_events WHERE opencode_session_id = ?
		`, opencodeSessionID).Scan(&nextSeq); err != nil {
			return fmt.Errorf("allocate event_seq range: %w", err)
		}

		now := time.Now().UnixMilli()
		seen := map[string]bool{}
		for _, e := range valid {
			if existing[e.EventID] || seen[e.EventID] {
				result.SkippedDuplicate++
				continue
			}
			seen[e.EventID] = true
			if _, err := tx.Exec(`
				INSERT INTO raw_events (opencode_session_id, event_id, event_seq, event_type, ts_wall_ms, ts_mono_ms, payload, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, opencodeSessionID, e.EventID, nextSeq, e.EventType, e.TSWallMs, e.TSMonoMs, marshalJSONMap(e.Payload), now); err != nil {
				if isUniqueConstraintErr(err) {
					result.SkippedConflict++
					continue
				}
				return fmt.Errorf("insert raw_event: %w", err)
			}
			result.Inserted++
			nextSeq++
		}

		if result.Inserted > 0 {
			if _, err := tx.Exec(`
				UPDATE raw_event_sessions SET last_received_event_seq = ? WHERE opencode_session_id = ?
			`, nextSeq-1, opencodeSessionID); err != nil {
				return fmt.Errorf("update session seq: %w", err)
			}
		}

		if err := bumpIngestStat(tx, "events_received", int64(result.Inserted)); err != nil {
			return err
		}
		for column, delta := range map[string]int64{
			"events_skipped_duplicate": int64(result.SkippedDuplicate),
			"events_skipped_invalid":   int64(result.SkippedInvalid),
			"events_skipped_conflict":  int64(result.SkippedConflict),
		} {
			if delta == 0 {
				continue
			}
			if err := bumpIngestStat(tx, column, delta); err != nil {
				return err
			}
		}
		return nil
	})
	return result, err
}

func latestTSWall(events []RawEventInput) *int64 {
	var latest *int64
	for _, e := range events {
		if e.TSWallMs != nil && (latest == nil || *e.TSWallMs > *latest) {
			v := *e.TSWallMs
			latest = &v
		}
	}
	return latest
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func upsertRawEventSession(tx *sql.Tx, opencodeSessionID, cwd, project string, tsWallMs *int64) error {
	_, err := tx.Exec(`
		INSERT INTO raw_event_sessions (opencode_session_id, cwd, project, started_at, last_seen_ts_wall_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(opencode_session_id) DO UPDATE SET
			last_seen_ts_wall_ms = COALESCE(excluded.last_seen_ts_wall_ms, raw_event_sessions.last_seen_ts_wall_ms)
	`, opencodeSessionID, cwd, project, time.Now().UTC().Format(time.RFC3339), tsWallMs)
	if err != nil {
		return fmt.Errorf("upsert raw_event_session: %w", err)
	}
	return nil
}

func bumpIngestStat(tx *sql.Tx, column string, delta int64) error {
	_, err := tx.Exec(fmt.Sprintf(`
		INSERT INTO raw_event_ingest_stats (id, %s) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET %s = %s + excluded.%s
	`, column, column, column, column), delta)
	if err != nil {
		return fmt.Errorf("bump ingest stat %s: %w", column, err)
	}
	return nil
}

// MaxBatchAttempts bounds how many times one batch range is retried
// before the queue gives up on it and counts its events as dropped.
const MaxBatchAttempts = 5

// GetOrCreateFlushBatch returns the oldest retryable batch for a session
// if one exists, or creates one spanning events after
// last_flushed_event_seq up to defaultFlushBatchSize events. A batch is
// retryable while non-completed (legacy status spellings included) and
// under MaxBatchAttempts. Returns (nil, nil) if there is nothing to
// flush.
func (s *Store) GetOrCreateFlushBatch(opencodeSessionID, extractorVersion string) (*RawEventFlushBatch, error) {
	var batch *RawEventFlushBatch
	err := s.withTx(func(tx *sql.Tx) error {
		existing, err := scanFlushBatch(tx.QueryRow(`
			SELECT id, opencode_session_id, start_event_seq, end_event_seq, extractor_version, status, attempt_count, created_at, updated_at
			FROM raw_event_flush_batches
			WHERE opencode_session_id = ?
				AND status IN ('pending', 'claimed', 'failed', 'started', 'running', 'error')
				AND attempt_count < ?
			ORDER BY start_event_seq ASC LIMIT 1
		`, opencodeSessionID, MaxBatchAttempts))
		if err == nil {
			batch = existing
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("query existing batch: %w", err)
		}

		var lastFlushed int64
		if err := tx.QueryRow(`
			SELECT last_flushed_event_seq FROM raw_event_sessions WHERE opencode_session_id = ?
		`, opencodeSessionID).Scan(&lastFlushed); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("read last_flushed_event_seq: %w", err)
		}

		// Ranges already covered by a completed or given-up batch are
		// never re-batched; a new batch starts past them.
		var covered int64
		if err := tx.QueryRow(`
			SELECT COALESCE(MAX(end_event_seq), 0) FROM raw_event_flush_batches
			WHERE opencode_session_id = ? AND (status = 'completed' OR attempt_count >= ?)
		`, opencodeSessionID, MaxBatchAttempts).Scan(&covered); err != nil {
			return fmt.Errorf("read covered range: %w", err)
		}
		if covered > lastFlushed {
			lastFlushed = covered
		}

		var maxSeq sql.NullInt64
		if err := tx.QueryRow(`
			SELECT MAX(event_seq) FROM raw_events WHERE opencode_session_id = ?
		`, opencodeSessionID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("read max seq: %w", err)
		}
		if !maxSeq.Valid || maxSeq.Int64 <= lastFlushed {
			return nil
		}

		endSeq := maxSeq.Int64
		if endSeq-lastFlushed > defaultFlushBatchSize {
			endSeq = lastFlushed + defaultFlushBatchSize
		}

		now := time.Now().UnixMilli()
		res, err := tx.Exec(`
			INSERT INTO raw_event_flush_batches (opencode_session_id, start_event_seq, end_event_seq, extractor_version, status, attempt_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)
		`, opencodeSessionID, lastFlushed+1, endSeq, extractorVersion, now, now)
		if err != nil {
			return fmt.Errorf("create flush batch: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("flush batch id: %w", err)
		}

		batch = &RawEventFlushBatch{
			ID: id, OpencodeSessionID: opencodeSessionID,
			StartEventSeq: lastFlushed + 1, EndEventSeq: endSeq,
			ExtractorVersion: extractorVersion, Status: FlushPending,
			CreatedAt: time.UnixMilli(now), UpdatedAt: time.UnixMilli(now),
		}
		return nil
	})
	return batch, err
}

// ClaimFlushBatch atomically transitions a pending (or failed, or
// legacy-spelled) batch to claimed, ensuring a single worker owns it.
// Returns false if another worker already claimed it or it is terminal.
func (s *Store) ClaimFlushBatch(batchID int64) (bool, error) {
	claimed := false
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE raw_event_flush_batches
			SET status = 'claimed', attempt_count = attempt_count + 1, updated_at = ?
			WHERE id = ? AND status IN ('pending', 'failed', 'started', 'error')
		`, time.Now().UnixMilli(), batchID)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// CompleteFlushBatch marks a batch completed and advances the session's
// last_flushed_event_seq watermark.
func (s *Store) CompleteFlushBatch(batchID int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		var sessionID string
		var endSeq int64
		if err := tx.QueryRow(`
			SELECT opencode_session_id, end_event_seq FROM raw_event_flush_batches WHERE id = ?
		`, batchID).Scan(&sessionID, &endSeq); err != nil {
			return fmt.Errorf("read batch: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE raw_event_flush_batches SET status = 'completed', updated_at = ? WHERE id = ?
		`, time.Now().UnixMilli(), batchID); err != nil {
			return fmt.Errorf("complete batch: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE raw_event_sessions SET last_flushed_event_seq = ?
			WHERE opencode_session_id = ? AND last_flushed_event_seq < ?
		`, endSeq, sessionID, endSeq); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
		if err := bumpIngestStat(tx, "batches_completed", 1); err != nil {
			return err
		}
		return nil
	})
}

// FailFlushBatch returns a batch to pending (if attempts remain) or marks
// it failed, per the extractor's own retry policy — the store just
// records the outcome the caller decided.
func (s *Store) FailFlushBatch(batchID int64, terminal bool) error {
	status := "pending"
	if terminal {
		status = "failed"
	}
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			UPDATE raw_event_flush_batches SET status = ?, updated_at = ? WHERE id = ?
		`, status, time.Now().UnixMilli(), batchID); err != nil {
			return fmt.Errorf("fail batch: %w", err)
		}
		if terminal {
			if err := bumpIngestStat(tx, "batches_failed", 1); err != nil {
				return err
			}
		}
		return nil
	})
}

// PruneRawEvents deletes raw events and ingest samples older than the
// given TTL, the sweeper's retention duty (spec.md §4.1 duty 1). Events
// belonging to an incomplete flush batch are never deleted regardless of
// age, preserving at-least-once extraction.
func (s *Store) PruneRawEvents(ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).UnixMilli()
	var deleted int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM raw_events
			WHERE created_at < ?
			AND opencode_session_id NOT IN (
				SELECT opencode_session_id FROM raw_event_flush_batches WHERE status IN ('pending', 'claimed')
			)
		`, cutoff)
		if err != nil {
			return fmt.Errorf("prune raw events: %w", err)
		}
		deleted, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM raw_event_ingest_samples WHERE bucket_ts < ?`, cutoff/1000); err != nil {
			return fmt.Errorf("prune ingest samples: %w", err)
		}
		return nil
	})
	return deleted, err
}

// SweepStuckBatches returns batches that have sat in "claimed" (or the
// legacy "running"/"started" spellings) longer than staleBatchAfter
// back to "pending", recovering from a crashed extractor worker so
// GetOrCreateFlushBatch/ClaimFlushBatch pick them back up on the next
// dispatch. Returns the number of batches recovered.
func (s *Store) SweepStuckBatches() (int, error) {
	cutoff := time.Now().Add(-staleBatchAfter).UnixMilli()
	res, err := s.db.Exec(`
		UPDATE raw_event_flush_batches SET status = 'pending', updated_at = ?
		WHERE status IN ('claimed', 'running', 'started') AND updated_at < ?
	`, time.Now().UnixMilli(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep stuck batches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		L_warn("store: recovered stuck flush batches", "count", n)
	}
	return int(n), nil
}

// SessionsNeedingFlush implements the sweeper's idle+queued dispatch
// rule (spec.md §4.1): sessions with any non-terminal flush batch
// (queue-driven) are returned first, followed by sessions whose
// last_seen_ts_wall_ms is older than idleThreshold and have unflushed
// events (idle-only) that aren't already in the queue-driven set. An
// idleThreshold of zero or less selects every session with unflushed
// events, including sessions that never reported a wall-clock timestamp.
func (s *Store) SessionsNeedingFlush(idleThreshold time.Duration) ([]string, error) {
	queueDriven, err := queryStrings(s.db, `
		SELECT DISTINCT opencode_session_id FROM raw_event_flush_batches
		WHERE status IN ('pending', 'claimed')
	`)
	if err != nil {
		return nil, fmt.Errorf("query queue-driven sessions: %w", err)
	}

	cutoff := time.Now().Add(-idleThreshold).UnixMilli()
	idleOnly, err := queryStrings(s.db, `
		SELECT res.opencode_session_id FROM raw_event_sessions res
		JOIN (SELECT opencode_session_id, MAX(event_seq) AS max_seq FROM raw_events GROUP BY opencode_session_id) agg
			ON agg.opencode_session_id = res.opencode_session_id
		WHERE (? OR (res.last_seen_ts_wall_ms IS NOT NULL AND res.last_seen_ts_wall_ms < ?))
			AND agg.max_seq > res.last_flushed_event_seq
	`, idleThreshold <= 0, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}

	seen := map[string]bool{}
	out := make([]string, 0, len(queueDriven)+len(idleOnly))
	for _, id := range queueDriven {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range idleOnly {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

func queryStrings(db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EventsInRange returns the events in [startSeq, endSeq] for a session,
// ordered by ts_mono_ms (events without one last), then by sequence,
// used by the Observer pipeline to build a batch's transcript.
func (s *Store) EventsInRange(opencodeSessionID string, startSeq, endSeq int64) ([]RawEvent, error) {
	rows, err := s.db.Query(`
		SELECT opencode_session_id, event_id, event_seq, event_type, ts_wall_ms, ts_mono_ms, payload, created_at
		FROM raw_events
		WHERE opencode_session_id = ? AND event_seq BETWEEN ? AND ?
		ORDER BY (ts_mono_ms IS NULL) ASC, ts_mono_ms ASC, event_seq ASC
	`, opencodeSessionID, startSeq, endSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []RawEvent
	for rows.Next() {
		var e RawEvent
		var createdMs int64
		var payload string
		if err := rows.Scan(&e.OpencodeSessionID, &e.EventID, &e.EventSeq, &e.EventType, &e.TSWallMs, &e.TSMonoMs, &payload, &createdMs); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = unmarshalJSONMap(payload)
		e.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanFlushBatch(row *sql.Row) (*RawEventFlushBatch, error) {
	var b RawEventFlushBatch
	var status string
	var created, updated int64
	if err := row.Scan(&b.ID, &b.OpencodeSessionID, &b.StartEventSeq, &b.EndEventSeq, &b.ExtractorVersion, &status, &b.AttemptCount, &created, &updated); err != nil {
		return nil, err
	}
	b.Status = NormalizeFlushStatus(status)
	b.CreatedAt = time.UnixMilli(created)
	b.UpdatedAt = time.UnixMilli(updated)
	return &b, nil
}
