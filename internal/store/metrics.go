package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ReliabilityMetrics is the raw-event queue's health report: the four
// rates the operator gate checks.
type ReliabilityMetrics struct {
	WindowHours           int     `json:"window_hours"`
	FlushSuccessRate      float64 `json:"flush_success_rate"`
	DroppedEventRate      float64 `json:"dropped_event_rate"`
	SessionBoundaryAccuracy float64 `json:"session_boundary_accuracy"`
	RetryDepthMax         int64   `json:"retry_depth_max"`
	BatchesCompleted      int64   `json:"batches_completed"`
	BatchesFailed         int64   `json:"batches_failed"`
}

// ReliabilityMetricsWindowed computes the queue metrics. The batch
// metrics (success rate, retry depth, batch counts) cover batches updated
// in the last windowHours hours (0 means all time); the dropped-event
// rate and session-boundary accuracy are always all-time, read from the
// cumulative counters and session rows. Rates with an empty denominator
// report 1.0 — an idle queue is a healthy queue, not a failing one.
func (s *Store) ReliabilityMetricsWindowed(windowHours int) (ReliabilityMetrics, error) {
	m := ReliabilityMetrics{WindowHours: windowHours}

	var cutoff int64
	if windowHours > 0 {
		cutoff = time.Now().Add(-time.Duration(windowHours) * time.Hour).UnixMilli()
	}

	var completed, failed int64
	var maxAttempts sql.NullInt64
	err := s.db.QueryRow(`
		SELECT
			COUNT(CASE WHEN status IN ('completed') THEN 1 END),
			COUNT(CASE WHEN status IN ('failed', 'error') THEN 1 END),
			MAX(attempt_count)
		FROM raw_event_flush_batches
		WHERE updated_at >= ?
	`, cutoff).Scan(&completed, &failed, &maxAttempts)
	if err != nil {
		return m, fmt.Errorf("query batch metrics: %w", err)
	}
	m.BatchesCompleted = completed
	m.BatchesFailed = failed
	m.FlushSuccessRate = ratio(completed, completed+failed)
	if maxAttempts.Valid && maxAttempts.Int64 > 1 {
		m.RetryDepthMax = maxAttempts.Int64 - 1
	}

	stats, err := s.GetIngestStats()
	if err != nil {
		return m, err
	}
	skipped := stats.EventsSkippedInvalid + stats.EventsSkippedConflict
	m.DroppedEventRate = 1 - ratio(stats.EventsReceived, stats.EventsReceived+skipped)

	var withEvents, withStart int64
	err = s.db.QueryRow(`
		SELECT
			COUNT(*),
			COUNT(CASE WHEN started_at != '' THEN 1 END)
		FROM raw_event_sessions
		WHERE last_received_event_seq > 0
	`).Scan(&withEvents, &withStart)
	if err != nil {
		return m, fmt.Errorf("query session boundary metrics: %w", err)
	}
	m.SessionBoundaryAccuracy = ratio(withStart, withEvents)

	return m, nil
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 1.0
	}
	return float64(num) / float64(den)
}

// GateThresholds are the operator-policy floors/ceilings checked by the
// raw-events gate command.
type GateThresholds struct {
	SuccessRateMin      float64
	DroppedRateMax      float64
	BoundaryAccuracyMin float64
	RetryDepthMax       int
}

// CheckGate returns every threshold the metrics violate, empty when the
// queue is healthy.
func (m ReliabilityMetrics) CheckGate(t GateThresholds) []string {
	var violations []string
	if m.FlushSuccessRate < t.SuccessRateMin {
		violations = append(violations, fmt.Sprintf("flush_success_rate %.4f < %.4f", m.FlushSuccessRate, t.SuccessRateMin))
	}
	if m.DroppedEventRate > t.DroppedRateMax {
		violations = append(violations, fmt.Sprintf("dropped_event_rate %.4f > %.4f", m.DroppedEventRate, t.DroppedRateMax))
	}
	if m.SessionBoundaryAccuracy < t.BoundaryAccuracyMin {
		violations = append(violations, fmt.Sprintf("session_boundary_accuracy %.4f < %.4f", m.SessionBoundaryAccuracy, t.BoundaryAccuracyMin))
	}
	if int(m.RetryDepthMax) > t.RetryDepthMax {
		violations = append(violations, fmt.Sprintf("retry_depth_max %d > %d", m.RetryDepthMax, t.RetryDepthMax))
	}
	return violations
}

// RawEventBacklog is the per-session pending-event count surfaced by the
// raw-events-status CLI.
type RawEventBacklog struct {
	OpencodeSessionID string
	Pending           int64
	LastReceivedSeq   int64
	LastFlushedSeq    int64
}

// Backlog reports every session with unflushed events, largest backlog
// first.
func (s *Store) Backlog() ([]RawEventBacklog, error) {
	rows, err := s.db.Query(`
		SELECT opencode_session_id, last_received_event_seq, last_flushed_event_seq,
			last_received_event_seq - last_flushed_event_seq AS pending
		FROM raw_event_sessions
		WHERE last_received_event_seq > last_flushed_event_seq
		ORDER BY pending DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query backlog: %w", err)
	}
	defer rows.Close()

	var out []RawEventBacklog
	for rows.Next() {
		var b RawEventBacklog
		if err := rows.Scan(&b.OpencodeSessionID, &b.LastReceivedSeq, &b.LastFlushedSeq, &b.Pending); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
