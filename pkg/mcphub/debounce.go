package mcphub

import (
	"sync"
	"time"
)

// debouncer coalesces rapid successive triggers per key: each trigger cancels
// and replaces the key's scheduled task, so only the last one within the
// interval fires. An interval of zero or less runs tasks synchronously.
type debouncer struct {
	mu       sync.Mutex
	interval time.Duration
	timers   map[string]*time.Timer
	stopped  bool
}

func newDebouncer(interval time.Duration) *debouncer {
	return &debouncer{
		interval: interval,
		timers:   make(map[string]*time.Timer),
	}
}

func (d *debouncer) trigger(key string, fn func()) {
	if d.interval <= 0 {
		fn()
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if timer, ok := d.timers[key]; ok {
		timer.Stop()
	}
	d.timers[key] = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		delete(d.timers, key)
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			fn()
		}
	})
}

// stop cancels all pending tasks and rejects future triggers.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, timer := range d.timers {
		timer.Stop()
		delete(d.timers, key)
	}
}
