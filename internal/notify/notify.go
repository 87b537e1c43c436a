// Package notify fans first-click events out to interested listeners. The
// Recorder publishes on a Bus and the Observer subscribes to it so a new click
// triggers an immediate refresh instead of waiting for the next poll.
//
// Delivery is best-effort. A slow subscriber misses events rather than
// blocking publishers, and the Observer's periodic poll covers any gap.
package notify

import (
	"context"
	"sync"

	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

// Bus publishes and delivers click events.
type Bus interface {
	tracking.Publisher

	// Subscribe returns a channel of events published after the call. The
	// channel is closed when ctx is cancelled or the bus is closed.
	Subscribe(ctx context.Context) (<-chan tracking.ClickEvent, error)

	Close() error
}

// subscriberBuffer is the per-subscriber queue depth before events are dropped.
const subscriberBuffer = 16

// ─── IN-PROCESS ──────────────────────────────────────────────────────────────

// Local is a Bus for a single process.
type Local struct {
	mu     sync.RWMutex
	subs   map[chan tracking.ClickEvent]struct{}
	closed bool
}

func NewLocal() *Local {
	return &Local{subs: make(map[chan tracking.ClickEvent]struct{})}
}

func (l *Local) PublishClick(_ context.Context, ev tracking.ClickEvent) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	for ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context) (<-chan tracking.ClickEvent, error) {
	ch := make(chan tracking.ClickEvent, subscriberBuffer)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.remove(ch)
	}()
	return ch, nil
}

func (l *Local) remove(ch chan tracking.ClickEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[ch]; ok {
		delete(l.subs, ch)
		close(ch)
	}
}

// Close closes every subscriber channel. Later publishes return ErrClosed.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for ch := range l.subs {
		delete(l.subs, ch)
		close(ch)
	}
	return nil
}
