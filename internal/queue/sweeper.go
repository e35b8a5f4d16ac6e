// Package queue runs the background sweep over the raw-event queue:
// recovering stuck flush batches and dispatching pending/idle batches to
// an extractor. It is deliberately not a package-level singleton — each
// caller constructs and owns its own *Service.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/codemem/internal/store"
	. "github.com/roelfdiedericks/codemem/internal/logging"
)

// sweepInterval is how often the service checks for stuck batches and
// idle sessions with unflushed events, absent any other wake source.
const sweepInterval = 30 * time.Second

// Extractor processes one claimed flush batch (the events in
// [batch.StartEventSeq, batch.EndEventSeq]) and reports success/failure.
// The Observer pipeline implements this.
type Extractor interface {
	ExtractBatch(ctx context.Context, batch store.RawEventFlushBatch) error
}

// Service sweeps the raw-event queue on a fixed interval, recovering
// stuck batches and dispatching new ones to an Extractor.
type Service struct {
	st        *store.Store
	extractor Extractor

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	ticker  *time.Ticker

	kickCh chan string // session ids to check immediately, bypassing the tick
}

// NewService constructs a sweeper over st, dispatching claimed batches to
// extractor.
func NewService(st *store.Store, extractor Extractor) *Service {
	return &Service{
		st:        st,
		extractor: extractor,
		kickCh:    make(chan string, 64),
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("queue sweeper already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.ticker = time.NewTicker(sweepInterval)
	s.mu.Unlock()

	L_info("queue: sweeper started", "interval", sweepInterval)
	go s.runLoop(ctx)
	return nil
}

// Stop gracefully halts the sweep loop, waiting for any in-flight sweep
// to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
	s.ticker.Stop()
	L_info("queue: sweeper stopped")
}

// Kick requests an immediate flush check for one session, used right
// after a session-end event so its tail batch doesn't wait for the next
// tick.
func (s *Service) Kick(opencodeSessionID string) {
	select {
	case s.kickCh <- opencodeSessionID:
	default:
		L_warn("queue: kick channel full, dropping immediate-check request", "session", opencodeSessionID)
	}
}

func (s *Service) runLoop(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.ticker.C:
			s.sweepOnce(ctx)
		case sessionID := <-s.kickCh:
			s.checkSession(ctx, sessionID)
		}
	}
}

// rawEventTTL bounds how long raw events are retained, counted from
// their created_at; events of a session with a pending or claimed batch
// are kept regardless of age (see PruneRawEvents).
const rawEventTTL = 7 * 24 * time.Hour

// sweepOnce prunes expired raw events, recovers stuck batches, then
// checks every session that needs a flush.
func (s *Service) sweepOnce(ctx context.Context) {
	if n, err := s.st.PruneRawEvents(rawEventTTL); err != nil {
		L_error("queue: retention sweep failed", "error", err)
	} else if n > 0 {
		L_debug("queue: retention sweep pruned raw events", "count", n)
	}

	if _, err := s.st.SweepStuckBatches(); err != nil {
		L_error("queue: stuck-batch sweep failed", "error", err)
	}

	sessions, err := s.sessionsWithPendingEvents(ctx)
	if err != nil {
		L_error("queue: failed to list sessions with pending events", "error", err)
		return
	}
	for _, sessionID := range sessions {
		s.checkSession(ctx, sessionID)
	}
}

// idleThreshold is the default "session gone quiet" cutoff from spec.md
// §4.1; sessions idle longer than this with unflushed events are swept
// even without an explicit Kick.
const idleThreshold = 2 * time.Minute

// sessionsWithPendingEvents returns queue-driven sessions (any
// non-terminal flush batch) followed by idle-only sessions (quiet longer
// than idleThreshold with unflushed events), queue-driven first per
// spec.md §4.1.
func (s *Service) sessionsWithPendingEvents(ctx context.Context) ([]string, error) {
	return s.st.SessionsNeedingFlush(idleThreshold)
}

// FlushAll synchronously flushes every session with pending work, used
// by the flush-raw-events maintenance command. Returns how many
// sessions were dispatched.
func (s *Service) FlushAll(ctx context.Context) (int, error) {
	sessions, err := s.st.SessionsNeedingFlush(0)
	if err != nil {
		return 0, err
	}
	for _, sessionID := range sessions {
		s.checkSession(ctx, sessionID)
	}
	return len(sessions), nil
}

func (s *Service) checkSession(ctx context.Context, opencodeSessionID string) {
	batch, err := s.st.GetOrCreateFlushBatch(opencodeSessionID, extractorVersion)
	if err != nil {
		L_error("queue: failed to get/create flush batch", "session", opencodeSessionID, "error", err)
		return
	}
	if batch == nil {
		return
	}

	claimed, err := s.st.ClaimFlushBatch(batch.ID)
	if err != nil {
		L_error("queue: failed to claim flush batch", "batch", batch.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	if err := s.extractor.ExtractBatch(ctx, *batch); err != nil {
		L_warn("queue: extractor failed, batch returned to pending", "batch", batch.ID, "error", err)
		terminal := batch.AttemptCount+1 >= maxAttempts
		if failErr := s.st.FailFlushBatch(batch.ID, terminal); failErr != nil {
			L_error("queue: failed to record batch failure", "batch", batch.ID, "error", failErr)
		}
		if terminal {
			n := batch.EndEventSeq - batch.StartEventSeq + 1
			if err := s.st.MarkEventsDropped(n); err != nil {
				L_error("queue: failed to record dropped events", "error", err)
			}
		}
		return
	}

	if err := s.st.CompleteFlushBatch(batch.ID); err != nil {
		L_error("queue: failed to complete flush batch", "batch", batch.ID, "error", err)
		return
	}
	n := batch.EndEventSeq - batch.StartEventSeq + 1
	if err := s.st.MarkEventsFlushed(n); err != nil {
		L_error("queue: failed to record flushed events", "error", err)
	}
}

// extractorVersion is stamped onto every batch this build creates, so a
// future extractor version change can identify and reprocess batches
// produced by an older build.
const extractorVersion = "codemem-queue-v1"

// maxAttempts mirrors the store's retry bound; a batch hitting it is
// marked terminally failed and its events counted as dropped.
const maxAttempts = store.MaxBatchAttempts
