// Package transporttest provides in-memory transport fakes for tests.
package transporttest

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/altpool-go/internal/transport"
)

// Write is one recorded outbound packet.
type Write struct {
	Kind    string
	Payload map[string]any
}

// Conn is a scriptable transport.Conn.
type Conn struct {
	Opts transport.Options

	mu       sync.Mutex
	events   chan transport.Event
	writes   []Write
	closed   bool
	ended    bool
	writeErr error
	ping     time.Duration
}

func NewConn(opts transport.Options) *Conn {
	return &Conn{
		Opts:   opts,
		events: make(chan transport.Event, 64),
	}
}

func (c *Conn) Events() <-chan transport.Event {
	return c.events
}

// Emit delivers ev to the session. Emitting End closes the stream.
// Events emitted after End are dropped.
func (c *Conn) Emit(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.events <- ev
	if _, ok := ev.(transport.End); ok {
		c.ended = true
		close(c.events)
	}
}

func (c *Conn) Login(username, uuid string) {
	c.Emit(transport.Login{Username: username, UUID: uuid})
}

func (c *Conn) Chat(message any) {
	c.Emit(transport.Packet{Name: transport.PacketChat, Data: map[string]any{"message": message}})
}

func (c *Conn) Kick(reason string) {
	c.Emit(transport.Packet{Name: transport.PacketKickDisconnect, Data: map[string]any{"reason": reason}})
}

func (c *Conn) Fail(err error) {
	c.Emit(transport.Error{Err: err})
}

func (c *Conn) End(reason string) {
	c.Emit(transport.End{Reason: reason})
}

func (c *Conn) Write(kind string, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, Write{Kind: kind, Payload: payload})
	return nil
}

// FailWrites makes every following Write return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Writes returns a copy of the recorded writes.
func (c *Conn) Writes() []Write {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Write(nil), c.writes...)
}

// Messages returns the "message" field of every recorded chat write.
func (c *Conn) Messages() []string {
	var out []string
	for _, w := range c.Writes() {
		if msg, ok := w.Payload["message"].(string); ok && w.Kind == transport.PacketChat {
			out = append(out, msg)
		}
	}
	return out
}

// Close marks the connection closed. Like a real client it still emits End
// unless the stream already ended.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.Emit(transport.End{Reason: "closed"})
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) SetPing(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ping = d
}

func (c *Conn) Ping() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ping, c.ping > 0
}

// Dialer records every dial and hands out fake connections.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	err   error
	dials chan *Conn
}

func NewDialer() *Dialer {
	return &Dialer{dials: make(chan *Conn, 64)}
}

// FailWith makes every following Dial return err; nil restores success.
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *Dialer) Dial(opts transport.Options) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := NewConn(opts)
	d.conns = append(d.conns, c)
	select {
	case d.dials <- c:
	default:
	}
	return c, nil
}

// Dials exposes each new connection as it is created.
func (d *Dialer) Dials() <-chan *Conn {
	return d.dials
}

func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the most recent connection or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
