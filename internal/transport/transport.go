// Package transport defines the boundary between a session and the
// wire-level client that speaks to an endpoint.
package transport

import (
	"time"
)

// Packet names a session reacts to.
const (
	PacketLoginSuccess   = "login_success"
	PacketChat           = "chat"
	PacketDisconnect     = "disconnect"
	PacketKickDisconnect = "kick_disconnect"
)

// Event is one of Login, Packet, Error or End.
// A connection delivers its events in order on a single channel which is
// closed after the last event. A connection that ends on its own emits End
// as its last event; after a local Close pending events may be dropped.
type Event interface {
	isEvent()
}

// Login reports that the endpoint accepted the session.
type Login struct {
	Username string
	UUID     string
}

// Packet is an inbound protocol packet.
type Packet struct {
	Name string
	Data map[string]any
}

// Error is a transport level error. It does not end the connection by itself.
type Error struct {
	Err error
}

// End reports that the connection is gone.
type End struct {
	Reason string
}

func (Login) isEvent()  {}
func (Packet) isEvent() {}
func (Error) isEvent()  {}
func (End) isEvent()    {}

// Options describes one connection attempt.
type Options struct {
	Host string
	Port int
	// Identity is the raw credential identity; it must not be logged.
	Identity string
	// CacheDir is the account's private credential cache directory.
	CacheDir string
}

// Conn is one live transport connection.
type Conn interface {
	// Events returns the ordered event stream of this connection.
	Events() <-chan Event
	// Write sends one outbound packet.
	Write(kind string, payload map[string]any) error
	// Close tears the connection down. It never blocks on event delivery
	// and is safe to call more than once.
	Close() error
	// Ping returns the best-effort round trip time, false when unknown.
	Ping() (time.Duration, bool)
}

// Dialer creates connections. Dial only constructs the connection and
// returns immediately; the handshake result arrives as a Login or End event.
// An error from Dial means the connection could not even be created.
type Dialer interface {
	Dial(opts Options) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(opts Options) (Conn, error)

func (f DialerFunc) Dial(opts Options) (Conn, error) {
	return f(opts)
}
