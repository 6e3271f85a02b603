package session

import (
	"sync"
	"time"
)

// Heartbeat is a single restartable idle timer. Every Reset cancels the
// pending fire and schedules a new one, so at most one fire is ever live.
// After firing it re-arms itself with the same interval unless something
// reset it in the meantime.
//
// fire runs on the timer's goroutine without h.mu held, so it may take the
// session lock.
type Heartbeat struct {
	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64 // bumped on every Reset and Cancel; stale fires compare and bail
	interval time.Duration
	stopped  bool
	inflight sync.WaitGroup
	fire     func()
}

// NewHeartbeat returns a stopped scheduler. Call Start before Reset.
func NewHeartbeat(fire func()) *Heartbeat {
	return &Heartbeat{fire: fire, stopped: true}
}

// Start allows Reset to arm the timer again after a Cancel.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	h.stopped = false
	h.mu.Unlock()
}

// Reset cancels any pending fire and schedules one after interval.
// A non-positive interval disarms the timer.
func (h *Heartbeat) Reset(interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.arm(interval)
}

// arm must be called with h.mu held.
func (h *Heartbeat) arm(interval time.Duration) {
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.interval = interval
	if interval <= 0 {
		return
	}
	gen := h.gen
	h.timer = time.AfterFunc(interval, func() { h.onFire(gen) })
}

func (h *Heartbeat) onFire(gen uint64) {
	h.mu.Lock()
	if h.stopped || gen != h.gen {
		h.mu.Unlock()
		return
	}
	h.inflight.Add(1)
	h.mu.Unlock()
	defer h.inflight.Done()

	h.fire()

	h.mu.Lock()
	defer h.mu.Unlock()
	// fire usually sends, and sending resets the timer; only re-arm if it didn't
	if !h.stopped && gen == h.gen {
		h.arm(h.interval)
	}
}

// Cancel stops the timer and waits for an in-flight fire to finish.
// No fire starts after Cancel returns. Must not be called from fire.
func (h *Heartbeat) Cancel() {
	h.mu.Lock()
	h.stopped = true
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()

	h.inflight.Wait()
}

// Interval returns the interval of the last Reset.
func (h *Heartbeat) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}
