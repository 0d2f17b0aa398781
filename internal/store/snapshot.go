package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lk2023060901/altpool-go/internal/config"
)

// CurrentVersion is the snapshot schema version written by this binary.
const CurrentVersion = "1.0.0"

// ReservedPrefix marks placeholder slots that have no backing account.
const ReservedPrefix = "RESERVED_SLOT_"

// ReservedStatus is the status stamped on placeholder slots.
const ReservedStatus = "RESERVED"

// Slot is the persisted projection of one session.
// Timestamps are unix milliseconds, zero meaning unset.
type Slot struct {
	AccountID   string             `json:"accountId"`
	Endpoint    config.EndpointKey `json:"endpoint"`
	Enabled     bool               `json:"enabled"`
	DisplayName string             `json:"displayName,omitempty"`
	Identifier  string             `json:"identifier,omitempty"`
	Status      string             `json:"status,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	NextRetryAt int64              `json:"nextRetryAt,omitempty"`
	LastSeenAt  int64              `json:"lastSeenAt,omitempty"`
}

// ReservedSlot builds the placeholder for 1-based slot number n.
func ReservedSlot(n int, endpoint config.EndpointKey) Slot {
	return Slot{
		AccountID: fmt.Sprintf("%s%d", ReservedPrefix, n),
		Endpoint:  endpoint,
		Status:    ReservedStatus,
		Reason:    "reserved",
	}
}

func (s Slot) Reserved() bool {
	return strings.HasPrefix(s.AccountID, ReservedPrefix)
}

// Snapshot is the whole persisted pool state.
type Snapshot struct {
	Version       string `json:"version"`
	Slots         []Slot `json:"slots"`
	HoldReconnect bool   `json:"holdReconnect"`
	Killed        bool   `json:"killed"`
}

func Empty() Snapshot {
	return Snapshot{Version: CurrentVersion, Slots: []Slot{}}
}

// Find returns the slot for accountID or nil.
func (s *Snapshot) Find(accountID string) *Slot {
	for i := range s.Slots {
		if s.Slots[i].AccountID == accountID {
			return &s.Slots[i]
		}
	}
	return nil
}

func (s Snapshot) Clone() Snapshot {
	s.Slots = slices.Clone(s.Slots)
	if s.Slots == nil {
		s.Slots = []Slot{}
	}
	return s
}

// Store is the persistence collaborator of the pool.
// Load never fails: missing or corrupt data yields Empty().
type Store interface {
	Load(ctx context.Context) Snapshot
	Save(ctx context.Context, snap Snapshot) error
}

func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func FromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
