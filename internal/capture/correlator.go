// Package capture correlates a dispatched command with the chat lines that
// follow it on the endpoints it was sent to.
package capture

import (
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lk2023060901/altpool-go/internal/config"
	"github.com/lk2023060901/altpool-go/internal/events"
	"github.com/lk2023060901/altpool-go/pkg/log"
	"github.com/lk2023060901/altpool-go/pkg/metrics"
	"github.com/lk2023060901/altpool-go/pkg/util/conc"
	"github.com/lk2023060901/altpool-go/pkg/util/merr"
	"github.com/lk2023060901/altpool-go/pkg/util/typeutil"
)

const (
	// TriggerClosed marks captures flushed because the correlator closed.
	TriggerClosed = "closed"

	deliveryWorkerExpiry = time.Minute
)

// Request describes one capture.
type Request struct {
	Endpoints []config.EndpointKey
	// MaxLines is clamped to [1, config.MaxCaptureLines].
	MaxLines int
	// Seed lines are delivered first and count toward MaxLines.
	Seed    []string
	Timeout time.Duration
}

// Result is what a requester receives exactly once.
type Result struct {
	ID        uint64
	Endpoints []config.EndpointKey
	Lines     []string
	// Trigger is metrics.TriggerLines, metrics.TriggerTimeout or TriggerClosed.
	Trigger string
}

func (r Result) Empty() bool {
	return len(r.Lines) == 0
}

// FormatLine renders a captured chat line.
func FormatLine(from, text string) string {
	return from + " » " + text
}

type pending struct {
	id       uint64
	scope    typeutil.Set[config.EndpointKey]
	maxLines int
	lines    []string
	deadline time.Time
	deliver  func(Result)
}

func (p *pending) result(trigger string) Result {
	return Result{
		ID:        p.id,
		Endpoints: typeutil.Sorted(p.scope),
		Lines:     p.lines,
		Trigger:   trigger,
	}
}

// Correlator holds the open captures. Deadlines are timestamps compared
// against the clock by Sweep and Observe. Results are handed to an unbounded
// worker pool while mu is held, so Begin and Observe never wait on a
// requester and Close sees every delivery that was accepted.
type Correlator struct {
	log.Binder

	clock      clockwork.Clock
	pool       *conc.Pool[struct{}]
	delivering sync.WaitGroup

	mu     sync.Mutex
	nextID uint64
	open   []*pending
	closed bool
}

func New(clock clockwork.Clock) *Correlator {
	c := &Correlator{
		clock: clock,
		pool:  conc.NewPool[struct{}](0, conc.WithExpiryDuration(deliveryWorkerExpiry), conc.WithConcealPanic(true)),
	}
	c.SetLogger(log.With(log.FieldModule("capture")))
	return c
}

// Begin registers a capture and returns its id. deliver is called exactly
// once with the accumulated lines, also when none were captured.
func (c *Correlator) Begin(req Request, deliver func(Result)) (uint64, error) {
	if len(req.Endpoints) == 0 {
		return 0, merr.WrapErrParameterMissing("endpoints", "capture needs at least one endpoint")
	}
	if req.Timeout <= 0 {
		return 0, merr.WrapErrParameterInvalidMsg("capture timeout must be positive, got %s", req.Timeout)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, merr.WrapErrServiceInternal("correlator closed")
	}
	c.nextID++
	p := &pending{
		id:       c.nextID,
		scope:    typeutil.NewSet(req.Endpoints...),
		maxLines: config.ClampCaptureLines(req.MaxLines),
		lines:    append([]string(nil), req.Seed...),
		deadline: c.clock.Now().Add(req.Timeout),
		deliver:  deliver,
	}
	if len(p.lines) >= p.maxLines {
		p.lines = p.lines[:p.maxLines]
		c.submitLocked([]Result{p.result(metrics.TriggerLines)}, []*pending{p})
		c.mu.Unlock()
		return p.id, nil
	}
	c.open = append(c.open, p)
	c.mu.Unlock()

	c.Logger().Debug("capture started", zap.Uint64("id", p.id), zap.Int("maxLines", p.maxLines), zap.Duration("timeout", req.Timeout))
	return p.id, nil
}

// Observe appends ev to every open capture watching its endpoint. Captures
// that reach their line cap are flushed at once.
func (c *Correlator) Observe(ev events.ChatEvent) {
	text := strings.Join(strings.Fields(ev.Text), " ")
	now := c.clock.Now()

	c.mu.Lock()
	results, done := c.expireLocked(now)
	if text != "" {
		line := FormatLine(ev.From, text)
		kept := c.open[:0]
		for _, p := range c.open {
			if p.scope.Contain(ev.Endpoint) {
				p.lines = append(p.lines, line)
				if len(p.lines) >= p.maxLines {
					results = append(results, p.result(metrics.TriggerLines))
					done = append(done, p)
					continue
				}
			}
			kept = append(kept, p)
		}
		clear(c.open[len(kept):])
		c.open = kept
	}
	c.submitLocked(results, done)
	c.mu.Unlock()
}

// Sweep flushes every capture whose deadline is not after now and returns
// how many were flushed.
func (c *Correlator) Sweep(now time.Time) int {
	c.mu.Lock()
	results, done := c.expireLocked(now)
	c.submitLocked(results, done)
	c.mu.Unlock()
	return len(results)
}

func (c *Correlator) expireLocked(now time.Time) ([]Result, []*pending) {
	var (
		results []Result
		done    []*pending
	)
	kept := c.open[:0]
	for _, p := range c.open {
		if !now.Before(p.deadline) {
			results = append(results, p.result(metrics.TriggerTimeout))
			done = append(done, p)
			continue
		}
		kept = append(kept, p)
	}
	clear(c.open[len(kept):])
	c.open = kept
	return results, done
}

// Active is the number of open captures.
func (c *Correlator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// Close flushes every open capture with TriggerClosed and waits for all
// deliveries to finish.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	results := make([]Result, 0, len(c.open))
	for _, p := range c.open {
		results = append(results, p.result(TriggerClosed))
	}
	c.submitLocked(results, c.open)
	c.open = nil
	c.mu.Unlock()

	c.delivering.Wait()
	c.pool.Release()
}

func (c *Correlator) submitLocked(results []Result, done []*pending) {
	for i := range results {
		res, deliver := results[i], done[i].deliver
		metrics.CaptureFlushed.WithLabelValues(res.Trigger).Inc()
		c.Logger().Debug("capture flushed", zap.Uint64("id", res.ID), zap.Int("lines", len(res.Lines)), zap.String("trigger", res.Trigger))
		if deliver == nil {
			continue
		}
		c.delivering.Add(1)
		c.pool.Submit(func() (struct{}, error) {
			defer c.delivering.Done()
			deliver(res)
			return struct{}{}, nil
		})
	}
}
