package session

import (
	"math/rand/v2"
	"time"

	"github.com/lk2023060901/altpool-go/internal/config"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusDisabled     Status = "DISABLED"
	StatusOffline      Status = "OFFLINE"
	StatusConnecting   Status = "CONNECTING"
	StatusOnline       Status = "ONLINE"
	StatusReconnecting Status = "RECONNECTING"
	StatusBackoff      Status = "BACKOFF"
)

// Statuses lists every status in display order.
var Statuses = []Status{
	StatusOnline, StatusConnecting, StatusReconnecting, StatusBackoff, StatusOffline, StatusDisabled,
}

// ParseStatus accepts only the exact status names.
func ParseStatus(s string) (Status, bool) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func (s Status) String() string {
	return string(s)
}

// FailureClass decides which reconnect window a failure waits in.
type FailureClass string

const (
	FailureSocket FailureClass = "socket"
	FailureKick   FailureClass = "kick"
	FailureAuth   FailureClass = "auth"
)

// Range returns the reconnect window configured for the class.
func (c FailureClass) Range(cfg config.ReconnectConfig) config.Range {
	switch c {
	case FailureKick:
		return cfg.Kick()
	case FailureAuth:
		return cfg.Auth()
	default:
		return cfg.Socket()
	}
}

// DrawBackoff draws a wait uniformly from the inclusive window, at
// millisecond granularity.
func DrawBackoff(r *rand.Rand, window config.Range) time.Duration {
	lo, hi := window.Min.Milliseconds(), window.Max.Milliseconds()
	if hi <= lo {
		return time.Duration(lo) * time.Millisecond
	}
	return time.Duration(lo+r.Int64N(hi-lo+1)) * time.Millisecond
}
