// Package pool owns the fixed set of slots: endpoint placement, persistence,
// the scheduler tick, bulk lifecycle operations, moves and rebalancing.
package pool

import (
	"context"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/altpool-go/internal/account"
	"github.com/lk2023060901/altpool-go/internal/config"
	"github.com/lk2023060901/altpool-go/internal/events"
	"github.com/lk2023060901/altpool-go/internal/session"
	"github.com/lk2023060901/altpool-go/internal/store"
	"github.com/lk2023060901/altpool-go/internal/transport"
	"github.com/lk2023060901/altpool-go/pkg/log"
	"github.com/lk2023060901/altpool-go/pkg/metrics"
	"github.com/lk2023060901/altpool-go/pkg/util/merr"
)

// Options wires the pool to its collaborators.
type Options struct {
	Config *config.Config
	Store  store.Store
	Dialer transport.Dialer
	// Sink receives inbound chat from every session; may be nil.
	Sink  events.Sink
	Clock clockwork.Clock
	// Rand seeds anti-idle jitter and every session's backoff draws.
	Rand *rand.Rand
}

type reported struct {
	status session.Status
	reason string
}

// Pool is the slot orchestrator.
type Pool struct {
	log.Binder

	cfg    *config.Config
	store  store.Store
	dialer transport.Dialer
	sink   events.Sink
	clock  clockwork.Clock

	ctx    context.Context
	cancel context.CancelFunc

	hold   atomic.Bool
	killed atomic.Bool

	// persistMu serializes load-modify-save cycles of the snapshot.
	persistMu sync.Mutex

	mu       sync.Mutex
	rng      *rand.Rand
	sessions []*session.Session
	antiIdle map[string]time.Time
	reported map[string]reported
}

func New(opts Options) *Pool {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      opts.Config,
		store:    opts.Store,
		dialer:   opts.Dialer,
		sink:     opts.Sink,
		clock:    opts.Clock,
		ctx:      ctx,
		cancel:   cancel,
		rng:      opts.Rand,
		antiIdle: make(map[string]time.Time),
		reported: make(map[string]reported),
	}
	p.SetLogger(log.With(log.FieldModule("pool")))
	return p
}

// enabledEndpoints lists the endpoints enabled in configuration, without the
// fallback to A that placement uses.
func (p *Pool) enabledEndpoints() []config.EndpointKey {
	return lo.Filter(config.EndpointKeys, func(k config.EndpointKey, _ int) bool {
		return p.cfg.Endpoints.IsEnabled(k)
	})
}

// pickAuto places on the single enabled endpoint, or on the less loaded one
// with ties going to A.
func (p *Pool) pickAuto(aCount, bCount int) config.EndpointKey {
	enabled := p.cfg.Endpoints.Enabled()
	if len(enabled) == 1 {
		return enabled[0]
	}
	if aCount <= bCount {
		return config.EndpointA
	}
	return config.EndpointB
}

// Init builds the slots from accounts and the persisted snapshot. Exactly
// pool.maxSlots slots are written back; unused ones are reserved placeholders.
func (p *Pool) Init(ctx context.Context, accounts []account.Account) error {
	snap := p.store.Load(ctx)
	p.hold.Store(snap.HoldReconnect)
	p.killed.Store(snap.Killed)

	enabled := p.cfg.Endpoints.Enabled()
	maxSlots := p.cfg.Pool.MaxSlots
	slots := make([]store.Slot, 0, maxSlots)
	var aCount, bCount int

	for i := 0; i < len(accounts) && i < maxSlots; i++ {
		acc := accounts[i]
		prior := snap.Find(acc.ID)

		var endpoint config.EndpointKey
		switch {
		case acc.Preferred.Valid() && lo.Contains(enabled, acc.Preferred):
			endpoint = acc.Preferred
		case prior != nil && prior.Endpoint.Valid() && lo.Contains(enabled, prior.Endpoint):
			endpoint = prior.Endpoint
		default:
			endpoint = p.pickAuto(aCount, bCount)
		}
		if endpoint == config.EndpointA {
			aCount++
		} else {
			bCount++
		}

		slot := store.Slot{AccountID: acc.ID, Endpoint: endpoint, Enabled: acc.Enabled}
		if prior != nil {
			slot.DisplayName = prior.DisplayName
			slot.Identifier = prior.Identifier
			slot.Status = prior.Status
			slot.Reason = prior.Reason
			slot.NextRetryAt = prior.NextRetryAt
			slot.LastSeenAt = prior.LastSeenAt
		}
		slots = append(slots, slot)
	}
	if len(accounts) > maxSlots {
		p.Logger().Warn("more accounts than slots, extra accounts ignored",
			zap.Int("accounts", len(accounts)), zap.Int("maxSlots", maxSlots))
	}
	for len(slots) < maxSlots {
		slots = append(slots, store.ReservedSlot(len(slots)+1, p.pickAuto(aCount, bCount)))
	}

	snap.Slots = slots
	snap.HoldReconnect = p.hold.Load()
	snap.Killed = p.killed.Load()
	if err := p.save(ctx, snap); err != nil {
		return err
	}

	byID := lo.SliceToMap(accounts, func(a account.Account) (string, account.Account) {
		return a.ID, a
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		s.Close()
	}
	p.sessions = p.sessions[:0]
	clear(p.antiIdle)
	clear(p.reported)
	for i, slot := range slots {
		if slot.Reserved() {
			continue
		}
		acc, ok := byID[slot.AccountID]
		if !ok {
			continue
		}
		acc.Enabled = slot.Enabled
		sess := session.New(session.Options{
			Slot:          i + 1,
			Account:       acc,
			Endpoint:      p.cfg.Endpoints.Get(slot.Endpoint),
			Clock:         p.clock,
			Rand:          rand.New(rand.NewPCG(p.rng.Uint64(), p.rng.Uint64())),
			Dialer:        p.dialer,
			Sink:          p.sink,
			Session:       p.cfg.Session,
			Reconnect:     p.cfg.Reconnect,
			AuthCacheRoot: p.cfg.Paths.AuthCache,
		})
		sess.Restore(session.Restored{
			DisplayName: slot.DisplayName,
			Identifier:  slot.Identifier,
			Status:      slot.Status,
			Reason:      slot.Reason,
			NextRetryAt: store.FromMillis(slot.NextRetryAt),
		})
		p.sessions = append(p.sessions, sess)
	}
	p.Logger().Info("slots initialized",
		zap.Int("sessions", len(p.sessions)),
		zap.Int("reserved", maxSlots-len(p.sessions)),
		zap.Int("onA", aCount), zap.Int("onB", bCount))
	return nil
}

func (p *Pool) save(ctx context.Context, snap store.Snapshot) error {
	if err := p.store.Save(ctx, snap); err != nil {
		p.Logger().RatedWarn(5, "persist snapshot failed", zap.Error(err))
		return err
	}
	return nil
}

// Persist merges every live session into the stored snapshot by account id.
// Slots with no matching session are left untouched.
func (p *Pool) Persist(ctx context.Context) error {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	snap := p.store.Load(ctx)
	now := store.ToMillis(p.clock.Now())
	for _, s := range p.Sessions() {
		v := s.View()
		slot := snap.Find(v.AccountID)
		if slot == nil {
			continue
		}
		slot.Endpoint = v.Endpoint
		slot.Enabled = v.Enabled
		slot.DisplayName = v.DisplayName
		slot.Identifier = v.Identifier
		slot.Status = string(v.Status)
		slot.Reason = v.Reason
		slot.NextRetryAt = store.ToMillis(v.NextRetryAt)
		slot.LastSeenAt = now
	}
	snap.HoldReconnect = p.hold.Load()
	snap.Killed = p.killed.Load()
	return p.save(ctx, snap)
}

// Sessions returns the sessions in slot order.
func (p *Pool) Sessions() []*session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*session.Session(nil), p.sessions...)
}

// Slots returns the persisted slot table, reserved placeholders included.
func (p *Pool) Slots(ctx context.Context) []store.Slot {
	return p.store.Load(ctx).Slots
}

// Lookup resolves token as an account id, a slot number ("3", "slot 3") or a
// display name. Matching is case-insensitive.
func (p *Pool) Lookup(token string) (*session.Session, error) {
	key := strings.ToLower(strings.TrimSpace(token))
	if key == "" {
		return nil, merr.WrapErrParameterMissing("target")
	}
	sessions := p.Sessions()

	if s, ok := lo.Find(sessions, func(s *session.Session) bool {
		return strings.ToLower(s.AccountID()) == key
	}); ok {
		return s, nil
	}
	if n, ok := parseSlot(key); ok {
		if s, ok := lo.Find(sessions, func(s *session.Session) bool { return s.Slot() == n }); ok {
			return s, nil
		}
	}
	if s, ok := lo.Find(sessions, func(s *session.Session) bool {
		v := s.View()
		return v.DisplayName != "" && strings.ToLower(v.DisplayName) == key
	}); ok {
		return s, nil
	}
	return nil, merr.WrapErrSessionNotFound(token)
}

// parseSlot accepts "N", "slotN" and "slot N" with one or two digits.
func parseSlot(key string) (int, bool) {
	digits := strings.TrimSpace(strings.TrimPrefix(key, "slot"))
	if len(digits) == 0 || len(digits) > 2 {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Targets resolves "all", an endpoint key or a single session token.
func (p *Pool) Targets(token string) ([]*session.Session, error) {
	key := strings.TrimSpace(token)
	if strings.EqualFold(key, "all") {
		return p.Sessions(), nil
	}
	if ep, ok := config.ParseEndpointKey(key); ok {
		return lo.Filter(p.Sessions(), func(s *session.Session, _ int) bool {
			return s.Endpoint().Key == ep
		}), nil
	}
	s, err := p.Lookup(key)
	if err != nil {
		return nil, err
	}
	return []*session.Session{s}, nil
}

// wait blocks for d on the pool clock, returning early when ctx or the pool
// is canceled.
func (p *Pool) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-p.clock.After(d):
		return nil
	}
}

// StartAll connects every enabled session in slot order with the configured
// spacing between connects, persisting after each.
func (p *Pool) StartAll(ctx context.Context) error {
	if p.killed.Load() {
		return merr.WrapErrPoolKilled("start all")
	}
	enabled := lo.Filter(p.Sessions(), func(s *session.Session, _ int) bool { return s.Enabled() })
	for i, s := range enabled {
		if i > 0 {
			if err := p.wait(ctx, p.cfg.Pool.ConnectSpacing); err != nil {
				return err
			}
		}
		s.Connect()
		if err := p.Persist(ctx); err != nil {
			return err
		}
	}
	p.Logger().Info("start all issued", zap.Int("sessions", len(enabled)))
	return nil
}

// StopAll disconnects every session at once and persists.
func (p *Pool) StopAll(ctx context.Context, reason string) error {
	for _, s := range p.Sessions() {
		s.Disconnect(reason)
	}
	p.Logger().Info("stop all", zap.String("reason", reason))
	return p.Persist(ctx)
}

// Tick runs one scheduler cycle.
func (p *Pool) Tick(ctx context.Context) error {
	start := p.clock.Now()
	hold, killed := p.hold.Load(), p.killed.Load()

	for _, s := range p.Sessions() {
		s.Tick(hold, killed)
		if s.Status() == session.StatusOnline {
			p.antiIdleTick(s)
		}
	}
	p.observeStatus()
	err := p.Persist(ctx)
	metrics.TickDuration.Observe(p.clock.Since(start).Seconds())
	return err
}

func (p *Pool) antiIdleTick(s *session.Session) {
	now := p.clock.Now()
	p.mu.Lock()
	due, ok := p.antiIdle[s.AccountID()]
	if ok && now.Before(due) {
		p.mu.Unlock()
		return
	}
	p.antiIdle[s.AccountID()] = now.Add(session.DrawBackoff(p.rng, config.Range{
		Min: p.cfg.Pool.AntiIdleMin,
		Max: p.cfg.Pool.AntiIdleMax,
	}))
	p.mu.Unlock()

	if err := s.SendChat(p.cfg.Pool.AntiIdleCommand); err != nil {
		s.Logger().Debug("anti-idle skipped", zap.Error(err))
	}
}

func (p *Pool) observeStatus() {
	metrics.SessionStatus.Reset()
	for _, s := range p.Sessions() {
		v := s.View()
		metrics.SessionStatus.WithLabelValues(string(v.Status), string(v.Endpoint)).Inc()
	}
}
