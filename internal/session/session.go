// Package session 实现单个托管账号的连接状态机。
//
// 一个 Session 任意时刻至多持有一条传输连接；所有失败都被吸收为
// status/reason 与退避重连计划，不会以 error 的形式抛给调用方。
package session

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lk2023060901/altpool-go/internal/account"
	"github.com/lk2023060901/altpool-go/internal/chat"
	"github.com/lk2023060901/altpool-go/internal/config"
	"github.com/lk2023060901/altpool-go/internal/events"
	"github.com/lk2023060901/altpool-go/internal/sendqueue"
	"github.com/lk2023060901/altpool-go/internal/transport"
	"github.com/lk2023060901/altpool-go/pkg/log"
	"github.com/lk2023060901/altpool-go/pkg/metrics"
	"github.com/lk2023060901/altpool-go/pkg/util/conc"
	"github.com/lk2023060901/altpool-go/pkg/util/merr"
)

const unknownName = "UnknownAlt"

// Options 描述创建 Session 所需的协作者与配置。
type Options struct {
	Slot     int
	Account  account.Account
	Endpoint config.Endpoint

	Clock  clockwork.Clock
	Rand   *rand.Rand
	Dialer transport.Dialer
	// Sink 接收入站聊天事件，可为 nil。
	Sink events.Sink

	Session   config.SessionConfig
	Reconnect config.ReconnectConfig
	// AuthCacheRoot 为各账号凭据缓存目录的根目录。
	AuthCacheRoot string
}

// link 是一条传输连接及其附属定时器。
// 事件处理时通过比较 s.link 判断事件是否来自当前连接，过期连接的事件一律忽略。
type link struct {
	conn         transport.Conn
	connectTimer clockwork.Timer
	joinTimer    clockwork.Timer
	kicked       bool
	lastLogin    time.Time
}

func (l *link) stopTimers() {
	if l.connectTimer != nil {
		l.connectTimer.Stop()
	}
	if l.joinTimer != nil {
		l.joinTimer.Stop()
	}
}

// Session 管理一个账号的连接生命周期。
type Session struct {
	log.Binder

	slot    int
	account account.Account
	clock   clockwork.Clock
	rand    *rand.Rand
	dialer  transport.Dialer
	sink    events.Sink
	cfg     config.SessionConfig
	backoff config.ReconnectConfig
	root    string
	queue   *sendqueue.Queue

	mu          sync.Mutex
	endpoint    config.Endpoint
	enabled     bool
	status      Status
	reason      string
	displayName string
	identifier  string
	nextRetryAt time.Time
	onlineSince time.Time
	disconnects int
	kicks       int
	errs        int
	link        *link
	closed      bool
}

// New 创建 Session。启用的账号初始为 OFFLINE，否则为 DISABLED；New 不会发起连接。
func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s := &Session{
		slot:     opts.Slot,
		account:  opts.Account,
		clock:    opts.Clock,
		rand:     opts.Rand,
		dialer:   opts.Dialer,
		sink:     opts.Sink,
		cfg:      opts.Session,
		backoff:  opts.Reconnect,
		root:     opts.AuthCacheRoot,
		queue:    sendqueue.New(opts.Clock, opts.Session.SendMinInterval),
		endpoint: opts.Endpoint,
		enabled:  opts.Account.Enabled,
		status:   StatusOffline,
		reason:   "offline",
	}
	if !s.enabled {
		s.status = StatusDisabled
		s.reason = "disabled"
	}
	s.resetLoggerLocked()
	return s
}

func (s *Session) resetLoggerLocked() {
	logger := log.With(
		log.FieldModule("session"),
		log.FieldSlot(s.slot),
		log.FieldAccountID(s.account.ID),
		log.FieldEndpoint(s.endpoint.Key.String()),
	)
	s.SetLogger(logger)
	s.queue.BindLogger(logger)
}

func (s *Session) Slot() int {
	return s.slot
}

func (s *Session) AccountID() string {
	return s.account.ID
}

// Connect 发起一次连接。已禁用时强制为 DISABLED；已有连接时为空操作。
func (s *Session) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectLocked()
}

func (s *Session) connectLocked() {
	if !s.enabled {
		s.status = StatusDisabled
		s.reason = "disabled"
		return
	}
	if s.link != nil || s.closed {
		return
	}
	s.status = StatusConnecting
	s.reason = "connecting " + s.endpoint.Host
	s.nextRetryAt = time.Time{}
	s.Logger().Info("connecting", zap.String("host", s.endpoint.Host))

	cacheDir, err := account.PrepareCacheDir(s.root, s.account)
	if err != nil {
		s.Logger().Warn("prepare auth cache failed", zap.Error(err))
	}

	conn, err := s.dialer.Dial(transport.Options{
		Host:     s.endpoint.Host,
		Port:     s.endpoint.Port,
		Identity: s.account.Identity,
		CacheDir: cacheDir,
	})
	if err != nil {
		err = merr.WrapErrTransportCreate(s.endpoint.Key.String(), err)
		s.errs++
		s.reason = "create transport failed: " + errors.UnwrapAll(err).Error()
		s.Logger().Warn("create transport failed", zap.Error(err))
		s.scheduleLocked(FailureAuth)
		return
	}

	l := &link{conn: conn}
	l.connectTimer = s.clock.AfterFunc(s.cfg.ConnectTimeout, func() {
		s.onConnectTimeout(l)
	})
	s.link = l

	// 每条连接一个消费协程，按顺序处理该连接的全部事件直到通道关闭。
	_ = conc.Go(func() (struct{}, error) {
		s.consume(l)
		return struct{}{}, nil
	})
}

func (s *Session) consume(l *link) {
	ended := false
	for ev := range l.conn.Events() {
		if _, ok := ev.(transport.End); ok {
			ended = true
		}
		s.handle(l, ev)
	}
	if !ended {
		s.handle(l, transport.End{Reason: "event stream closed"})
	}
}

func (s *Session) handle(l *link, ev transport.Event) {
	var publish *events.ChatEvent

	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return
	}
	switch e := ev.(type) {
	case transport.Login:
		s.onLoginLocked(l, e)
	case transport.Packet:
		publish = s.onPacketLocked(l, e)
	case transport.Error:
		s.errs++
		msg := "unknown"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		s.reason = "error: " + msg
		s.Logger().Warn("transport error", zap.Error(e.Err))
	case transport.End:
		s.disconnects++
		s.onlineSince = time.Time{}
		class := FailureSocket
		if l.kicked {
			class = FailureKick
		}
		s.Logger().Info("connection ended", zap.String("reason", s.reason), zap.String("end", e.Reason))
		s.teardownLocked()
		s.scheduleLocked(class)
	}
	s.mu.Unlock()

	if publish != nil && s.sink != nil {
		s.sink.Publish(*publish)
	}
}

func (s *Session) onLoginLocked(l *link, e transport.Login) {
	now := s.clock.Now()
	// 同一连接上 dedup 窗口内的重复登录事件直接忽略。
	if !l.lastLogin.IsZero() && now.Sub(l.lastLogin) < s.cfg.LoginDedupWindow {
		return
	}
	l.lastLogin = now

	if e.Username != "" {
		s.displayName = e.Username
	}
	if e.UUID != "" {
		s.identifier = e.UUID
	}
	s.status = StatusOnline
	s.reason = "online"
	s.onlineSince = now
	s.nextRetryAt = time.Time{}
	if l.connectTimer != nil {
		l.connectTimer.Stop()
	}
	s.Logger().Info("online", zap.String("name", s.displayNameLocked()))

	joinCommand := s.endpoint.JoinCommand
	if joinCommand == "" {
		return
	}
	if l.joinTimer != nil {
		l.joinTimer.Stop()
	}
	delay := DrawBackoff(s.rand, config.Range{Min: s.cfg.JoinDelayMin, Max: s.cfg.JoinDelayMax})
	l.joinTimer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.link != l {
			return
		}
		if err := s.sendChatLocked(joinCommand); err != nil {
			s.Logger().Debug("skip join command", zap.Error(err))
		}
	})
}

func (s *Session) onPacketLocked(l *link, p transport.Packet) *events.ChatEvent {
	switch p.Name {
	case transport.PacketLoginSuccess:
		if name, ok := p.Data["username"].(string); ok && name != "" {
			s.displayName = name
		}
		if id, ok := p.Data["uuid"].(string); ok && id != "" {
			s.identifier = id
		}
	case transport.PacketChat:
		var payload any = p.Data
		if msg, ok := p.Data["message"]; ok {
			payload = msg
		}
		text := chat.Extract(payload)
		if text == "" {
			return nil
		}
		return &events.ChatEvent{
			Endpoint: s.endpoint.Key,
			From:     s.displayNameLocked(),
			Text:     text,
			At:       s.clock.Now(),
		}
	case transport.PacketDisconnect, transport.PacketKickDisconnect:
		s.kicks++
		l.kicked = true
		var msg string
		switch r := p.Data["reason"].(type) {
		case string:
			msg = r
		case nil:
			msg = chat.Extract(p.Data)
		default:
			msg = chat.Extract(r)
		}
		s.reason = "kicked: " + msg
		s.Logger().Info("kicked", zap.String("reason", msg))
	}
	return nil
}

func (s *Session) onConnectTimeout(l *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != l || s.status == StatusOnline {
		return
	}
	s.Logger().Warn("connect timeout, dropping connection", zap.Duration("timeout", s.cfg.ConnectTimeout))
	s.reason = "connect timeout"
	s.teardownLocked()
	s.scheduleLocked(FailureSocket)
}

// teardownLocked 关闭当前连接（如有），并按 enabled 将状态置为 OFFLINE 或 DISABLED。
func (s *Session) teardownLocked() {
	if l := s.link; l != nil {
		l.stopTimers()
		s.link = nil
		if err := l.conn.Close(); err != nil {
			s.Logger().Debug("close connection failed", zap.Error(err))
		}
	}
	if s.enabled {
		s.status = StatusOffline
	} else {
		s.status = StatusDisabled
	}
}

func (s *Session) scheduleLocked(class FailureClass) {
	if !s.enabled {
		s.status = StatusDisabled
		return
	}
	wait := DrawBackoff(s.rand, class.Range(s.backoff))
	s.status = StatusBackoff
	s.nextRetryAt = s.clock.Now().Add(wait)
	s.reason = fmt.Sprintf("backoff %dm (%s)", int(math.Ceil(wait.Minutes())), class)
	metrics.ReconnectScheduled.WithLabelValues(string(class)).Inc()
	s.Logger().Info("reconnect scheduled", zap.Duration("wait", wait), zap.String("class", string(class)))
}

// ScheduleReconnect 按失败类别安排一次退避重连；仍持有的连接会先被关闭。
func (s *Session) ScheduleReconnect(class FailureClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != nil {
		s.onlineSince = time.Time{}
		s.teardownLocked()
	}
	s.scheduleLocked(class)
}

// Disconnect 断开连接并清除待定的重试；仍启用时进入 OFFLINE。
func (s *Session) Disconnect(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason = reason
	s.onlineSince = time.Time{}
	s.nextRetryAt = time.Time{}
	s.teardownLocked()
}

// Stop 禁用 Session 并断开连接。
func (s *Session) Stop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	s.reason = reason
	s.onlineSince = time.Time{}
	s.nextRetryAt = time.Time{}
	s.teardownLocked()
	s.status = StatusDisabled
}

// Start 重新启用 Session，本身不发起连接。
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	if s.link != nil {
		return
	}
	s.status = StatusOffline
	s.reason = "starting"
	s.nextRetryAt = time.Time{}
}

// Tick 由调度周期驱动：重试截止时间到达后重新连接。
func (s *Session) Tick(holdReconnect, killed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if killed {
		return
	}
	if !s.enabled {
		s.status = StatusDisabled
		return
	}
	if s.link != nil || holdReconnect || s.nextRetryAt.IsZero() {
		return
	}
	if s.clock.Now().Before(s.nextRetryAt) {
		return
	}
	s.nextRetryAt = time.Time{}
	s.status = StatusReconnecting
	s.reason = "reconnecting"
	s.connectLocked()
}

// SendChat 通过发送队列发送一条聊天消息；未在线时返回 ErrSessionNotOnline。
func (s *Session) SendChat(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendChatLocked(message)
}

func (s *Session) sendChatLocked(message string) error {
	if s.link == nil || s.status != StatusOnline {
		return merr.WrapErrSessionNotOnline(s.safeDisplayNameLocked())
	}
	conn := s.link.conn
	logger := s.Logger()
	queued := s.queue.Enqueue(func(context.Context) error {
		if err := conn.Write(transport.PacketChat, map[string]any{"message": message}); err != nil {
			return errors.Wrapf(err, "send %q", message)
		}
		logger.Debug("sent", zap.String("message", message))
		return nil
	})
	if !queued {
		return merr.WrapErrTransportClosed("send queue closed")
	}
	return nil
}

// SetEndpoint 更新分配的端点，只影响之后的连接。
func (s *Session) SetEndpoint(ep config.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = ep
	s.resetLoggerLocked()
}

// SetReason 只更新原因字段。
func (s *Session) SetReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reason = reason
}

func (s *Session) Endpoint() config.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func (s *Session) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Ping 返回在线连接的往返时延；未知时第二个返回值为 false。
func (s *Session) Ping() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil || s.status != StatusOnline {
		return 0, false
	}
	return s.link.conn.Ping()
}

func (s *Session) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onlineSince.IsZero() {
		return 0
	}
	return max(0, s.clock.Since(s.onlineSince))
}

// DisplayName 返回登录后得知的名字，未知时为 UnknownAlt。
func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayNameLocked()
}

func (s *Session) displayNameLocked() string {
	if s.displayName != "" {
		return s.displayName
	}
	return unknownName
}

// SafeDisplayName 用于对外展示，名字未知时退化为槽位编号。
func (s *Session) SafeDisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.safeDisplayNameLocked()
}

func (s *Session) safeDisplayNameLocked() string {
	if s.displayName != "" {
		return s.displayName
	}
	if s.slot > 0 {
		return fmt.Sprintf("Slot %d", s.slot)
	}
	return "Slot"
}

// Close 释放连接与发送队列。关闭后 Connect 为空操作。
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.onlineSince = time.Time{}
	s.teardownLocked()
	s.mu.Unlock()
	s.queue.Close()
}

// View 是 Session 某一时刻的只读快照。
type View struct {
	Slot        int
	AccountID   string
	DisplayName string
	Identifier  string
	Endpoint    config.EndpointKey
	Enabled     bool
	Status      Status
	Reason      string
	NextRetryAt time.Time
	OnlineSince time.Time
	Disconnects int
	Kicks       int
	Errors      int
	// Connected 表示当前持有传输连接（连接中或在线）。
	Connected bool
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		Slot:        s.slot,
		AccountID:   s.account.ID,
		DisplayName: s.displayName,
		Identifier:  s.identifier,
		Endpoint:    s.endpoint.Key,
		Enabled:     s.enabled,
		Status:      s.status,
		Reason:      s.reason,
		NextRetryAt: s.nextRetryAt,
		OnlineSince: s.onlineSince,
		Disconnects: s.disconnects,
		Kicks:       s.kicks,
		Errors:      s.errs,
		Connected:   s.link != nil,
	}
}

// Restored 是从持久化快照中恢复的字段。
type Restored struct {
	DisplayName string
	Identifier  string
	Status      string
	Reason      string
	NextRetryAt time.Time
}

// Restore 恢复上次运行记录的身份与状态。
//
// 无法识别的状态被丢弃；恢复后的 Session 不持有连接，因此只有记录了重试时间的
// 启用会话保持 BACKOFF，其余按 enabled 归一为 OFFLINE 或 DISABLED。
func (s *Session) Restore(r Restored) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.DisplayName != "" {
		s.displayName = r.DisplayName
	}
	if r.Identifier != "" {
		s.identifier = r.Identifier
	}
	if r.Reason != "" {
		s.reason = r.Reason
	}
	if s.link != nil {
		return
	}

	status, ok := ParseStatus(r.Status)
	switch {
	case !s.enabled:
		s.status = StatusDisabled
		s.nextRetryAt = time.Time{}
	case ok && !r.NextRetryAt.IsZero():
		s.status = StatusBackoff
		s.nextRetryAt = r.NextRetryAt
	default:
		s.status = StatusOffline
		s.nextRetryAt = time.Time{}
	}
	if ok && status != s.status {
		s.Logger().Debug("restored status normalized", zap.String("persisted", string(status)), zap.String("status", string(s.status)))
	}
}
