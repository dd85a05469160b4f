// Package eventbus fans status-change events out to in-process subscribers.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.EventSink = (*Bus)(nil)

// defaultBuffer is the per-subscriber channel depth. A slow subscriber loses
// its oldest events rather than stalling the sync loops.
const defaultBuffer = 64

// Bus is an in-process publish/subscribe hub. Publish never blocks: when a
// subscriber's buffer is full the oldest event is dropped to make room.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan model.Event
	nextID int
	logger *slog.Logger
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan model.Event),
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its event channel along
// with a cancel function. The channel closes when cancel is called.
func (b *Bus) Subscribe() (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan model.Event, defaultBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(e model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Buffer full: drop the oldest event, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
				b.logger.Warn("event dropped for slow subscriber",
					"subscriber", id, "kind", string(e.Kind))
			}
		}
	}
}
