package watch

import (
	"context"
	"sync"
	"time"

	"github.com/agentic-research/traceview/internal/records"
)

// Debouncer collapses bursts of events on the same path into a single
// downstream notification. A path becomes ready once no new event has
// arrived for the quiet period; tool parts are rewritten many times per
// second while streaming, and each rewrite would otherwise trigger a
// full parse and upsert.
type Debouncer struct {
	tick  time.Duration
	quiet time.Duration

	mu      sync.Mutex
	pending map[string]pendingEvent
}

type pendingEvent struct {
	fileType records.FileType
	lastSeen time.Time
}

func NewDebouncer(tick, quiet time.Duration) *Debouncer {
	return &Debouncer{
		tick:    tick,
		quiet:   quiet,
		pending: make(map[string]pendingEvent),
	}
}

// Observe records one raw event. Safe to call from the watcher goroutine
// while Run scans from its own.
func (d *Debouncer) Observe(ev Event) {
	d.mu.Lock()
	d.pending[ev.Path] = pendingEvent{fileType: ev.FileType, lastSeen: time.Now()}
	d.mu.Unlock()
}

// Run scans on every tick for paths quiet long enough and emits exactly
// one ready notification each, then forgets them. Returns when ctx is
// cancelled.
func (d *Debouncer) Run(ctx context.Context, in <-chan Event, out chan<- Event) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			d.Observe(ev)
		case <-ticker.C:
			for _, ready := range d.drainReady(time.Now()) {
				select {
				case out <- ready:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (d *Debouncer) drainReady(now time.Time) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ready []Event
	for path, p := range d.pending {
		if now.Sub(p.lastSeen) >= d.quiet {
			ready = append(ready, Event{Path: path, FileType: p.fileType})
			delete(d.pending, path)
		}
	}
	return ready
}

// PendingCount reports how many paths are waiting out their quiet period.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
