package address

import (
	"sync"
	"time"
)

// DefaultQuietPeriod is the trailing quiet period before a debounced validation runs.
const DefaultQuietPeriod = 300 * time.Millisecond

// Debouncer runs the most recently triggered function once the quiet period elapses without a
// new trigger. At most one run is pending at any time.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewDebouncer constructs a debouncer. Non-positive delays fall back to DefaultQuietPeriod.
func NewDebouncer(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultQuietPeriod
	}
	return &Debouncer{delay: delay}
}

// Trigger schedules fn, replacing any pending run and restarting the quiet period.
// It returns false when the debouncer has been stopped.
func (d *Debouncer) Trigger(fn func()) bool {
	if fn == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.stopped || gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	})
	return true
}

// Cancel drops the pending run, if any, and reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked()
}

// Pending reports whether a run is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop cancels any pending run and rejects future triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.stopped = true
}

func (d *Debouncer) cancelLocked() bool {
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	// bump the generation so a callback already past Stop still sees itself as stale
	d.gen++
	return true
}
