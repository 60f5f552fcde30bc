package sync

import stdsync "sync"

// progressBuffer is the capacity of the progress channel. One slot is
// enough: rapid updates are coalesced by replacing the undelivered event,
// never by blocking the sync task.
const progressBuffer = 1

// ProgressPublisher delivers coalesced progress events to the
// presentation layer over a bounded channel. If the consumer has not
// drained the previous event when a new one arrives, the stale event is
// replaced — the consumer always sees the most recent state.
type ProgressPublisher struct {
	mu     stdsync.Mutex
	ch     chan Progress
	closed bool
}

// NewProgressPublisher creates a publisher with a single-slot buffer.
func NewProgressPublisher() *ProgressPublisher {
	return &ProgressPublisher{ch: make(chan Progress, progressBuffer)}
}

// Events returns the channel the presentation layer drains. It is closed
// by Close when the orchestrator shuts down.
func (p *ProgressPublisher) Events() <-chan Progress {
	return p.ch
}

// Publish offers an event without ever blocking. An undelivered previous
// event is dropped in favor of the newer one.
func (p *ProgressPublisher) Publish(ev Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	for {
		select {
		case p.ch <- ev:
			return
		default:
		}

		// Channel full: evict the stale event and retry. The mutex keeps
		// concurrent publishers from both evicting.
		select {
		case <-p.ch:
		default:
		}
	}
}

// Close closes the event channel. Publish becomes a no-op afterwards.
func (p *ProgressPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}
