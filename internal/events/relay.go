package events

import (
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// pruneThreshold is the number of remembered keys above which expired
// entries are swept on the next check.
const pruneThreshold = 1024

// Dedupe suppresses a chat line already seen with the same endpoint, sender
// and text inside the window.
type Dedupe struct {
	clock  clockwork.Clock
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewDedupe(clock clockwork.Clock, window time.Duration) *Dedupe {
	return &Dedupe{
		clock:  clock,
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Allow reports whether ev should be relayed and remembers it when so.
func (d *Dedupe) Allow(ev ChatEvent) bool {
	text := strings.Join(strings.Fields(ev.Text), " ")
	if text == "" || text == `""` || text == `''` {
		return false
	}
	key := string(ev.Endpoint) + "|" + ev.From + "|" + text
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return false
	}
	if len(d.seen) >= pruneThreshold {
		for k, at := range d.seen {
			if now.Sub(at) >= d.window {
				delete(d.seen, k)
			}
		}
	}
	d.seen[key] = now
	return true
}

// Relay forwards de-duplicated chat lines to out.
type Relay struct {
	dedupe *Dedupe
	out    func(ChatEvent)
}

func NewRelay(dedupe *Dedupe, out func(ChatEvent)) *Relay {
	return &Relay{dedupe: dedupe, out: out}
}

func (r *Relay) Handle(ev ChatEvent) {
	if r.dedupe.Allow(ev) {
		r.out(ev)
	}
}
