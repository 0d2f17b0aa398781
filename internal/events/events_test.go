package events

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/altpool-go/internal/config"
)

func TestBusOrderedDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	unsubscribe := bus.Subscribe("test", 16, func(ev ChatEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Text)
	})

	for _, text := range []string{"one", "two", "three"} {
		bus.Publish(ChatEvent{Endpoint: config.EndpointA, From: "Steve", Text: text})
	}
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, got)

	// no delivery after unsubscribe
	bus.Publish(ChatEvent{Text: "late"})
	assert.Len(t, got, 3)
}

func TestBusDropsWhenSubscriberIsBehind(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})
	var count int
	unsubscribe := bus.Subscribe("slow", 1, func(ChatEvent) {
		<-release
		count++
	})
	for i := 0; i < 10; i++ {
		bus.Publish(ChatEvent{Text: "x"})
	}
	close(release)
	unsubscribe()
	assert.GreaterOrEqual(t, count, 1)
	assert.LessOrEqual(t, count, 2)
	bus.Close()
	bus.Close()
}

func TestDedupe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := NewDedupe(clock, 10*time.Second)

	ev := ChatEvent{Endpoint: config.EndpointA, From: "Steve", Text: "hello   world"}
	require.True(t, d.Allow(ev))
	assert.False(t, d.Allow(ChatEvent{Endpoint: config.EndpointA, From: "Steve", Text: " hello world "}))
	assert.True(t, d.Allow(ChatEvent{Endpoint: config.EndpointB, From: "Steve", Text: "hello world"}))
	assert.True(t, d.Allow(ChatEvent{Endpoint: config.EndpointA, From: "Alex", Text: "hello world"}))
	assert.False(t, d.Allow(ChatEvent{Endpoint: config.EndpointA, From: "Steve", Text: `""`}))

	clock.Advance(9 * time.Second)
	assert.False(t, d.Allow(ev))
	clock.Advance(time.Second)
	assert.True(t, d.Allow(ev))
}

func TestRelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var out []ChatEvent
	r := NewRelay(NewDedupe(clock, 10*time.Second), func(ev ChatEvent) { out = append(out, ev) })
	ev := ChatEvent{Endpoint: config.EndpointA, From: "Steve", Text: "hi"}
	r.Handle(ev)
	r.Handle(ev)
	require.Len(t, out, 1)
	assert.Equal(t, ev, out[0])
}
