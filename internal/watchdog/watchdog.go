// Package watchdog implements silence timers that fire once per silence
// episode.
package watchdog

import (
	"sync"
	"time"
)

// Watchdog fires when no Feed happened for threshold. It fires at most once
// until fed again.
type Watchdog struct {
	name      string
	threshold time.Duration

	mu    sync.Mutex
	armed bool
	fired bool
	last  time.Time
}

func New(name string, threshold time.Duration) *Watchdog {
	return &Watchdog{name: name, threshold: threshold}
}

func (w *Watchdog) Name() string {
	return w.name
}

func (w *Watchdog) Threshold() time.Duration {
	return w.threshold
}

// Arm starts watching from now. Arming an armed watchdog is a no-op so a
// repeated start never restarts the silence window.
func (w *Watchdog) Arm(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.armed {
		return
	}
	w.armed = true
	w.fired = false
	w.last = now
}

func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = false
	w.fired = false
}

// Feed records activity and re-enables firing.
func (w *Watchdog) Feed(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = now
	w.fired = false
}

// Check reports true exactly once when the silence reaches the threshold.
func (w *Watchdog) Check(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.armed || w.fired {
		return false
	}
	if now.Sub(w.last) < w.threshold {
		return false
	}
	w.fired = true
	return true
}

// Silence is the time since the last Feed.
func (w *Watchdog) Silence(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return 0
	}
	return now.Sub(w.last)
}

// Repeater re-fires every interval while active, for conditions that must
// keep nagging until they clear.
type Repeater struct {
	interval time.Duration

	mu     sync.Mutex
	active bool
	last   time.Time
}

func NewRepeater(interval time.Duration) *Repeater {
	return &Repeater{interval: interval}
}

// Set activates or clears the condition. It returns true on the transition
// into the active state and on the transition out.
func (r *Repeater) Set(active bool, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == active {
		return false
	}
	r.active = active
	r.last = now
	return true
}

func (r *Repeater) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Due reports whether another reminder should go out and restarts the
// interval if so.
func (r *Repeater) Due(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active || now.Sub(r.last) < r.interval {
		return false
	}
	r.last = now
	return true
}
