package wstransport

import (
	"context"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/altpool-go/internal/json"
	"github.com/lk2023060901/altpool-go/internal/transport"
	"github.com/lk2023060901/altpool-go/pkg/log"
	"github.com/lk2023060901/altpool-go/pkg/util/conc"
	"github.com/lk2023060901/altpool-go/pkg/util/merr"
)

const (
	// FrameLoginStart 是建连后客户端发送的第一帧。
	FrameLoginStart = "login_start"

	tokenFileName = "session.json"
)

// Config 描述 WebSocket 连接的基础配置。
type Config struct {
	// Scheme 为 ws 或 wss，默认 ws。
	Scheme string
	// Path 为升级请求路径，默认 "/"。
	Path string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval 为 0 时不主动探测 RTT。
	PingInterval  time.Duration
	SendQueueSize int
}

func defaultConfig() Config {
	return Config{
		Scheme:           "ws",
		Path:             "/",
		HandshakeTimeout: 30 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     15 * time.Second,
		SendQueueSize:    256,
	}
}

// frame 是线上传输的 JSON 文本帧。
type frame struct {
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

type cachedToken struct {
	Token string `json:"token"`
}

// Dialer 是基于 gorilla/websocket 的 transport.Dialer 实现。
type Dialer struct {
	cfg Config
	ws  *websocket.Dialer
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer 创建一个 WebSocket Dialer，未设置的字段使用默认值。
func NewDialer(cfg Config) *Dialer {
	def := defaultConfig()
	if cfg.Scheme == "" {
		cfg.Scheme = def.Scheme
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	return &Dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Dial 校验参数并立即返回连接，握手在后台完成。
func (d *Dialer) Dial(opts transport.Options) (transport.Conn, error) {
	if opts.Host == "" || opts.Port <= 0 || opts.Port > 65535 {
		return nil, merr.WrapErrParameterInvalidMsg("endpoint address %q:%d", opts.Host, opts.Port)
	}
	if opts.Identity == "" {
		return nil, merr.WrapErrParameterMissing("identity")
	}
	u := url.URL{
		Scheme: d.cfg.Scheme,
		Host:   net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		Path:   d.cfg.Path,
	}

	login := map[string]any{"username": opts.Identity}
	if token, err := readToken(opts.CacheDir); err != nil {
		log.Warn("read cached token failed", zap.Error(stageErr(StageCache, err)))
	} else if token != "" {
		login["token"] = token
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		cfg:    d.cfg,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan transport.Event, 64),
		sendCh: make(chan frame, d.cfg.SendQueueSize),
		logger: log.With(log.FieldComponent("wstransport"), zap.String("addr", u.Host)),
	}
	c.sendCh <- frame{Name: FrameLoginStart, Data: login}

	// 使用 conc.Go 启动连接协程，避免直接使用 go 关键字。
	_ = conc.Go(func() (struct{}, error) {
		c.run(d.ws, u.String())
		return struct{}{}, nil
	})
	return c, nil
}

// wsConn 是基于 WebSocket 的 transport.Conn 实现。
type wsConn struct {
	cfg    Config
	opts   transport.Options
	logger *log.MLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	ws *websocket.Conn

	events chan transport.Event
	sendCh chan frame

	rtt       atomic.Duration
	closeOnce sync.Once
}

func (c *wsConn) Events() <-chan transport.Event { return c.events }

func (c *wsConn) Ping() (time.Duration, bool) {
	rtt := c.rtt.Load()
	return rtt, rtt > 0
}

func (c *wsConn) Write(kind string, payload map[string]any) error {
	select {
	case <-c.ctx.Done():
		return merr.WrapErrTransportClosed(kind)
	default:
	}
	select {
	case c.sendCh <- frame{Name: kind, Data: payload}:
		return nil
	default:
		return stageErr(StageSend, errors.New("send queue full"))
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws != nil {
			err = ws.Close()
		}
	})
	return err
}

// emit 投递事件；连接已被关闭时直接丢弃，保证 Close 不会阻塞在事件投递上。
func (c *wsConn) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *wsConn) run(dialer *websocket.Dialer, urlStr string) {
	defer close(c.events)

	ws, _, err := dialer.DialContext(c.ctx, urlStr, nil)
	if err != nil {
		c.emit(transport.Error{Err: stageErr(StageHandshake, err)})
		c.emit(transport.End{Reason: "handshake failed"})
		return
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	ws.SetPongHandler(func(appData string) error {
		sent, perr := strconv.ParseInt(appData, 10, 64)
		if perr == nil {
			c.rtt.Store(time.Since(time.Unix(0, sent)))
		}
		return nil
	})

	stop := make(chan struct{})
	_ = conc.Go(func() (struct{}, error) {
		c.sendLoop(ws, stop)
		return struct{}{}, nil
	})

	reason := c.recvLoop(ws)
	close(stop)
	c.emit(transport.End{Reason: reason})
}

// recvLoop 持续读取文本帧并转换为事件，返回连接结束原因。
func (c *wsConn) recvLoop(ws *websocket.Conn) string {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return "closed"
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "socket closed by remote"
			}
			c.emit(transport.Error{Err: stageErr(StageRecv, err)})
			return "socket error"
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Name == "" {
			if err == nil {
				err = errors.New("frame without name")
			}
			c.emit(transport.Error{Err: stageErr(StageDecode, err)})
			continue
		}

		c.emit(transport.Packet{Name: f.Name, Data: f.Data})
		if f.Name == transport.PacketLoginSuccess {
			c.onLoginSuccess(f.Data)
		}
	}
}

func (c *wsConn) onLoginSuccess(data map[string]any) {
	username, _ := data["username"].(string)
	uuid, _ := data["uuid"].(string)
	if token, ok := data["token"].(string); ok && token != "" {
		if err := writeToken(c.opts.CacheDir, token); err != nil {
			c.logger.Warn("persist token failed", zap.Error(stageErr(StageCache, err)))
		}
	}
	c.emit(transport.Login{Username: username, UUID: uuid})
}

// sendLoop 是连接上唯一的写协程。
func (c *wsConn) sendLoop(ws *websocket.Conn, stop <-chan struct{}) {
	var pingC <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-stop:
			return
		case <-pingC:
			payload := strconv.FormatInt(time.Now().UnixNano(), 10)
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, []byte(payload), deadline); err != nil {
				c.logger.RatedDebug(10, "ping failed", zap.Error(err))
			}
		case f := <-c.sendCh:
			data, err := json.Marshal(f)
			if err != nil {
				c.emit(transport.Error{Err: stageErr(StageEncode, err)})
				continue
			}
			if err := ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err == nil {
				err = ws.WriteMessage(websocket.TextMessage, data)
			}
			if err != nil {
				c.emit(transport.Error{Err: stageErr(StageSend, err)})
				// 关闭底层连接，由 recvLoop 结束并投递 End。
				_ = ws.Close()
				return
			}
		}
	}
}

func readToken(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Join(dir, tokenFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var t cachedToken
	if err := json.Unmarshal(data, &t); err != nil {
		return "", err
	}
	return t.Token, nil
}

func writeToken(dir, token string) error {
	if dir == "" {
		return nil
	}
	data, err := json.Marshal(cachedToken{Token: token})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, tokenFileName), data, 0o600)
}
