package store

import (
	"database/sql"
	"fmt"
	"time"
)

// IngestStats is the cumulative raw-event ingest counter row.
type IngestStats struct {
	EventsReceived         int64
	EventsFlushed          int64
	EventsDropped          int64
	EventsSkippedDuplicate int64
	EventsSkippedInvalid   int64
	EventsSkippedConflict  int64
	BatchesCompleted       int64
	BatchesFailed          int64
}

// GetIngestStats returns the cumulative ingest counters.
func (s *Store) GetIngestStats() (IngestStats, error) {
	var st IngestStats
	err := s.db.QueryRow(`
		SELECT events_received, events_flushed, events_dropped,
			events_skipped_duplicate, events_skipped_invalid, events_skipped_conflict,
			batches_completed, batches_failed
		FROM raw_event_ingest_stats WHERE id = 1
	`).Scan(&st.EventsReceived, &st.EventsFlushed, &st.EventsDropped,
		&st.EventsSkippedDuplicate, &st.EventsSkippedInvalid, &st.EventsSkippedConflict,
		&st.BatchesCompleted, &st.BatchesFailed)
	if err == sql.ErrNoRows {
		return IngestStats{}, nil
	}
	if err != nil {
		return st, fmt.Errorf("read ingest stats: %w", err)
	}
	return st, nil
}

// RecordIngestSample writes a time-bucketed snapshot of ingest activity
// into raw_event_ingest_samples. ReliabilityMetricsWindowed does not
// read these samples; its rates come from the batch rows and the
// cumulative counters.
func (s *Store) RecordIngestSample(bucket time.Time, received, flushed, dropped int64) error {
	_, err := s.db.Exec(`
		INSERT INTO raw_event_ingest_samples (bucket_ts, events_received, events_flushed, events_dropped)
		VALUES (?, ?, ?, ?)
	`, bucket.Unix(), received, flushed, dropped)
	if err != nil {
		return fmt.Errorf("record ingest sample: %w", err)
	}
	return nil
}

// IngestSamplesSince returns samples at or after since, oldest first.
func (s *Store) IngestSamplesSince(since time.Time) ([]IngestSample, error) {
	rows, err := s.db.Query(`
		SELECT bucket_ts, events_received, events_flushed, events_dropped
		FROM raw_event_ingest_samples WHERE bucket_ts >= ? ORDER BY bucket_ts ASC
	`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query ingest samples: %w", err)
	}
	defer rows.Close()

	var out []IngestSample
	for rows.Next() {
		var smp IngestSample
		var bucketTS int64
		if err := rows.Scan(&bucketTS, &smp.EventsReceived, &smp.EventsFlushed, &smp.EventsDropped); err != nil {
			return nil, err
		}
		smp.Bucket = time.Unix(bucketTS, 0)
		out = append(out, smp)
	}
	return out, rows.Err()
}

// IngestSample is one time-bucketed ingest reliability snapshot.
type IngestSample struct {
	Bucket         time.Time
	EventsReceived int64
	EventsFlushed  int64
	EventsDropped  int64
}

// MarkEventsDropped increments the cumulative dropped-event counter,
// called when a batch is terminally failed and its events are given up
// on rather than retried further.
func (s *Store) MarkEventsDropped(n int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		return bumpIngestStat(tx, "events_dropped", n)
	})
}

// MarkEventsFlushed increments the cumulative flushed-event counter.
func (s *Store) MarkEventsFlushed(n int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		return bumpIngestStat(tx, "events_flushed", n)
	})
}
