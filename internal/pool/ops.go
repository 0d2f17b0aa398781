package pool

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/altpool-go/internal/config"
	"github.com/lk2023060901/altpool-go/internal/session"
	"github.com/lk2023060901/altpool-go/pkg/metrics"
	"github.com/lk2023060901/altpool-go/pkg/util/merr"
)

// Move relocates s to endpoint to. The session is disconnected, re-targeted
// and, after delay, reconnected if it is still enabled. Moving to a disabled
// endpoint fails and leaves the session where it is.
func (p *Pool) Move(ctx context.Context, s *session.Session, to config.EndpointKey, delay time.Duration) error {
	if !to.Valid() {
		metrics.MoveTotal.WithLabelValues(metrics.FailLabel).Inc()
		return merr.WrapErrEndpointUnknown(to)
	}
	if !p.cfg.Endpoints.IsEnabled(to) {
		s.SetReason(fmt.Sprintf("server %s is disabled in config", to))
		metrics.MoveTotal.WithLabelValues(metrics.FailLabel).Inc()
		_ = p.Persist(ctx)
		return merr.WrapErrEndpointDisabled(to)
	}
	from := s.Endpoint().Key
	if from == to {
		s.SetReason(fmt.Sprintf("already on %s", to))
		metrics.MoveTotal.WithLabelValues(metrics.NoopLabel).Inc()
		return p.Persist(ctx)
	}

	s.Disconnect(fmt.Sprintf("moving %s -> %s", from, to))
	s.SetEndpoint(p.cfg.Endpoints.Get(to))
	s.SetReason(fmt.Sprintf("moved to %s; reconnecting in %ds", to, int(math.Ceil(delay.Seconds()))))
	if err := p.Persist(ctx); err != nil {
		return err
	}
	s.Logger().Info("moved", zap.Stringer("from", from), zap.Stringer("to", to), zap.Duration("delay", delay))

	if err := p.wait(ctx, delay); err != nil {
		return err
	}
	if s.Enabled() && !p.killed.Load() {
		s.Start()
		s.Connect()
	}
	metrics.MoveTotal.WithLabelValues(metrics.SuccessLabel).Inc()
	return p.Persist(ctx)
}

// MoveTarget resolves token and moves the session with the configured delay.
func (p *Pool) MoveTarget(ctx context.Context, token string, to config.EndpointKey) error {
	s, err := p.Lookup(token)
	if err != nil {
		return err
	}
	return p.Move(ctx, s, to, p.cfg.Pool.MoveReconnectDelay)
}

func (p *Pool) countOn(key config.EndpointKey, sessions []*session.Session) int {
	return lo.CountBy(sessions, func(s *session.Session) bool { return s.Endpoint().Key == key })
}

// Balance spreads enabled sessions across the enabled endpoints. With one
// endpoint enabled everything moves there; with both, sessions move until the
// counts differ by at most one with A holding the extra.
func (p *Pool) Balance(ctx context.Context) error {
	enabledEps := p.enabledEndpoints()
	if len(enabledEps) == 0 {
		return merr.WrapErrEndpointDisabled("A,B", "no endpoint enabled")
	}
	active := lo.Filter(p.Sessions(), func(s *session.Session, _ int) bool { return s.Enabled() })
	delay := p.cfg.Pool.MoveReconnectDelay

	if len(enabledEps) == 1 {
		only := enabledEps[0]
		for _, s := range active {
			if s.Endpoint().Key == only {
				continue
			}
			if err := p.Move(ctx, s, only, delay); err != nil {
				return err
			}
		}
		return nil
	}

	a := p.countOn(config.EndpointA, active)
	b := p.countOn(config.EndpointB, active)
	moved := 0
	for _, s := range active {
		if abs(a-b) <= 1 && a >= b {
			break
		}
		switch on := s.Endpoint().Key; {
		case a > b+1 && on == config.EndpointA:
			if err := p.Move(ctx, s, config.EndpointB, delay); err != nil {
				return err
			}
			a, b = a-1, b+1
			moved++
		case b > a && on == config.EndpointB:
			if err := p.Move(ctx, s, config.EndpointA, delay); err != nil {
				return err
			}
			a, b = a+1, b-1
			moved++
		}
	}
	p.Logger().Info("balanced", zap.Int("moved", moved), zap.Int("onA", a), zap.Int("onB", b))
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Hold pauses automatic reconnects pool-wide.
func (p *Pool) Hold(ctx context.Context) error {
	p.hold.Store(true)
	p.Logger().Info("reconnects held")
	return p.Persist(ctx)
}

// Resume clears both hold and kill.
func (p *Pool) Resume(ctx context.Context) error {
	p.hold.Store(false)
	p.killed.Store(false)
	p.Logger().Info("reconnects resumed")
	return p.Persist(ctx)
}

// Kill stops all activity: every session is disconnected and ticks no longer
// reconnect anything until Resume.
func (p *Pool) Kill(ctx context.Context) error {
	p.killed.Store(true)
	p.Logger().Warn("pool killed")
	return p.StopAll(ctx, "killed")
}

func (p *Pool) Held() bool   { return p.hold.Load() }
func (p *Pool) Killed() bool { return p.killed.Load() }

// each applies fn to every target of token and persists once.
func (p *Pool) each(ctx context.Context, token string, fn func(*session.Session)) (int, error) {
	targets, err := p.Targets(token)
	if err != nil {
		return 0, err
	}
	for _, s := range targets {
		fn(s)
	}
	return len(targets), p.Persist(ctx)
}

// Start enables and connects the targets.
func (p *Pool) Start(ctx context.Context, token string) (int, error) {
	if p.killed.Load() {
		return 0, merr.WrapErrPoolKilled("start " + token)
	}
	return p.each(ctx, token, func(s *session.Session) {
		s.Start()
		s.Connect()
	})
}

// Stop disables and disconnects the targets.
func (p *Pool) Stop(ctx context.Context, token string) (int, error) {
	return p.each(ctx, token, func(s *session.Session) { s.Stop("stopped") })
}

// Restart drops the targets' connections and connects them again.
func (p *Pool) Restart(ctx context.Context, token string) (int, error) {
	if p.killed.Load() {
		return 0, merr.WrapErrPoolKilled("restart " + token)
	}
	return p.each(ctx, token, func(s *session.Session) {
		s.Disconnect("restarting")
		s.Start()
		s.Connect()
	})
}

// Enable marks the targets enabled without connecting; the next StartAll or
// Start picks them up.
func (p *Pool) Enable(ctx context.Context, token string) (int, error) {
	return p.each(ctx, token, func(s *session.Session) { s.Start() })
}

func (p *Pool) Disable(ctx context.Context, token string) (int, error) {
	return p.each(ctx, token, func(s *session.Session) { s.Stop("disabled") })
}

// Say sends message as chat from every online target and returns the
// sessions it was queued on.
func (p *Pool) Say(token, message string) ([]*session.Session, error) {
	targets, err := p.Targets(token)
	if err != nil {
		return nil, err
	}
	sent := lo.Filter(targets, func(s *session.Session, _ int) bool {
		return s.SendChat(message) == nil
	})
	if len(sent) == 0 {
		if lo.NoneBy(targets, func(s *session.Session) bool { return s.Enabled() }) {
			return nil, merr.WrapErrSessionDisabled(token)
		}
		return nil, merr.WrapErrSessionNotOnline(token)
	}
	return sent, nil
}

// SessionSummary is one row of a status display.
type SessionSummary struct {
	session.View
	Name   string
	Uptime time.Duration
	// Ping is only meaningful when PingKnown is set.
	Ping      time.Duration
	PingKnown bool
}

// Summary aggregates the pool for status displays.
type Summary struct {
	Total      int
	ByStatus   map[session.Status]int
	ByEndpoint map[config.EndpointKey]int
	Hold       bool
	Killed     bool
	Sessions   []SessionSummary
}

func (p *Pool) Summary() Summary {
	rows := lo.Map(p.Sessions(), func(s *session.Session, _ int) SessionSummary {
		ping, known := s.Ping()
		return SessionSummary{
			View:      s.View(),
			Name:      s.SafeDisplayName(),
			Uptime:    s.Uptime(),
			Ping:      ping,
			PingKnown: known,
		}
	})
	return Summary{
		Total:      len(rows),
		ByStatus:   lo.CountValuesBy(rows, func(r SessionSummary) session.Status { return r.Status }),
		ByEndpoint: lo.CountValuesBy(rows, func(r SessionSummary) config.EndpointKey { return r.Endpoint }),
		Hold:       p.hold.Load(),
		Killed:     p.killed.Load(),
		Sessions:   rows,
	}
}

// StatusChange is a status or reason transition not yet reported.
type StatusChange struct {
	Slot   int
	Name   string
	Status session.Status
	Reason string
}

// StatusChanges returns the sessions whose status or reason changed since
// the previous call.
func (p *Pool) StatusChanges() []StatusChange {
	var out []StatusChange
	for _, s := range p.Sessions() {
		v := s.View()
		cur := reported{status: v.Status, reason: v.Reason}
		p.mu.Lock()
		prev, ok := p.reported[v.AccountID]
		p.reported[v.AccountID] = cur
		p.mu.Unlock()
		if ok && prev == cur {
			continue
		}
		out = append(out, StatusChange{Slot: v.Slot, Name: s.SafeDisplayName(), Status: v.Status, Reason: v.Reason})
	}
	return out
}

// Close cancels pending moves and spacing waits and closes every session.
func (p *Pool) Close() {
	p.cancel()
	for _, s := range p.Sessions() {
		s.Close()
	}
}
