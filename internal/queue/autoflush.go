package queue

import (
	"sync"
	"time"

	. "github.com/roelfdiedericks/codemem/internal/logging"
)

// autoFlushDebounce is how long a session must stay quiet after its last
// recorded event before the auto-flusher dispatches it. Bursts of events
// keep pushing the timer out, so one busy prompt turn becomes one flush.
const autoFlushDebounce = 10 * time.Second

// AutoFlusher coalesces per-session event activity into debounced flush
// kicks. The ingest path calls Touch on every recorded event; the
// flusher fires the sweeper's Kick once the session goes quiet.
type AutoFlusher struct {
	sweeper  *Service
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewAutoFlusher constructs an auto-flusher dispatching into sweeper.
func NewAutoFlusher(sweeper *Service) *AutoFlusher {
	return &AutoFlusher{
		sweeper:  sweeper,
		debounce: autoFlushDebounce,
		timers:   map[string]*time.Timer{},
	}
}

// Touch notes activity on a session, resetting its debounce timer.
func (f *AutoFlusher) Touch(opencodeSessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	if t, ok := f.timers[opencodeSessionID]; ok {
		t.Reset(f.debounce)
		return
	}
	f.timers[opencodeSessionID] = time.AfterFunc(f.debounce, func() {
		f.fire(opencodeSessionID)
	})
}

func (f *AutoFlusher) fire(opencodeSessionID string) {
	f.mu.Lock()
	delete(f.timers, opencodeSessionID)
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	L_debug("queue: auto-flush firing", "session", opencodeSessionID)
	f.sweeper.Kick(opencodeSessionID)
}

// Close cancels all pending timers. Sessions with unflushed events are
// still picked up by the sweeper's idle scan, so nothing is lost.
func (f *AutoFlusher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, t := range f.timers {
		t.Stop()
		delete(f.timers, id)
	}
}
