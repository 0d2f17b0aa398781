// Package events carries inbound chat lines from sessions to their consumers.
package events

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/altpool-go/internal/config"
	"github.com/lk2023060901/altpool-go/pkg/log"
	"github.com/lk2023060901/altpool-go/pkg/util/conc"
)

const defaultBufferSize = 256

// ChatEvent is one inbound text line seen by a session.
type ChatEvent struct {
	Endpoint config.EndpointKey
	// From is the display name of the receiving session.
	From string
	Text string
	At   time.Time
}

// Sink receives chat events from sessions. Publish must not block.
type Sink interface {
	Publish(ev ChatEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev ChatEvent)

func (f SinkFunc) Publish(ev ChatEvent) { f(ev) }

// Bus fans chat events out to subscribers. Every subscriber sees events in
// publish order on its own goroutine; a subscriber that falls behind by more
// than its buffer loses events instead of stalling publishers.
type Bus struct {
	log.Binder

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

type subscriber struct {
	name    string
	ch      chan ChatEvent
	done    *conc.Future[struct{}]
	dropped atomic.Int64
}

var _ Sink = (*Bus)(nil)

func NewBus() *Bus {
	b := &Bus{subs: make(map[uint64]*subscriber)}
	b.SetLogger(log.With(log.FieldModule("events")))
	return b
}

// Subscribe registers fn under name. The returned function unsubscribes and
// waits until fn has returned for the last time.
func (b *Bus) Subscribe(name string, buffer int, fn func(ChatEvent)) (unsubscribe func()) {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	sub := &subscriber{name: name, ch: make(chan ChatEvent, buffer)}
	sub.done = conc.Go(func() (struct{}, error) {
		for ev := range sub.ch {
			fn(ev)
		}
		return struct{}{}, nil
	})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			_, ok := b.subs[id]
			delete(b.subs, id)
			b.mu.Unlock()
			if ok {
				close(sub.ch)
			}
			sub.done.Await()
		})
	}
}

func (b *Bus) Publish(ev ChatEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			n := sub.dropped.Inc()
			b.Logger().RatedWarn(10, "chat subscriber is behind, event dropped",
				zap.String("subscriber", sub.name), zap.Int64("dropped", n))
		}
	}
}

// Close stops every subscriber after it has drained what it already holds.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	for _, sub := range subs {
		sub.done.Await()
	}
}
