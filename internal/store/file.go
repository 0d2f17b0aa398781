package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/altpool-go/internal/account"
	"github.com/lk2023060901/altpool-go/internal/config"
	"github.com/lk2023060901/altpool-go/internal/json"
	"github.com/lk2023060901/altpool-go/pkg/log"
	"github.com/lk2023060901/altpool-go/pkg/util/merr"
)

const (
	stateDirMode     = 0o700
	stateFileMode    = 0o600
	tempFilePattern  = "alts-*.json.tmp"
	saveMaxRetries   = 3
	saveInitialDelay = 20 * time.Millisecond
)

var (
	currentVersion = semver.MustParse(CurrentVersion)
	// 没有 version 字段的快照视为最早的格式。
	legacyVersion = semver.MustParse("0.0.0")
)

// FileStore persists the snapshot as one JSON document.
// Writes go to a temp file in the same directory and are renamed into place.
type FileStore struct {
	log.Binder

	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	fs := &FileStore{path: path}
	fs.SetLogger(log.With(log.FieldModule("store"), zap.String("path", path)))
	return fs
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(ctx context.Context) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.Logger().Warn("read snapshot failed, starting empty", zap.Error(err))
		}
		return Empty()
	}
	snap, err := decode(data)
	if err != nil {
		s.Logger().Warn("snapshot unusable, starting empty", zap.Error(err))
		return Empty()
	}
	return snap
}

func (s *FileStore) Save(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.Version = CurrentVersion
	if snap.Slots == nil {
		snap.Slots = []Slot{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return merr.WrapErrServiceInternal("encode snapshot", err.Error())
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = saveInitialDelay
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, saveMaxRetries), ctx)

	return backoff.RetryNotify(func() error {
		return writeFileAtomic(s.path, data)
	}, policy, func(err error, next time.Duration) {
		s.Logger().RatedWarn(1, "save snapshot failed, retrying", zap.Error(err), zap.Duration("next", next))
	})
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, stateDirMode); err != nil {
		return merr.WrapErrIoFailed(dir, err)
	}

	tempFile, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return merr.WrapErrIoFailed(path, err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return merr.WrapErrIoFailed(tempName, err)
	}
	if err := tempFile.Chmod(stateFileMode); err != nil {
		_ = tempFile.Close()
		return merr.WrapErrIoFailed(tempName, err)
	}
	if err := tempFile.Close(); err != nil {
		return merr.WrapErrIoFailed(tempName, err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return merr.WrapErrIoFailed(path, err)
	}
	cleanup = false
	return nil
}

// decode parses a snapshot document, accepting the older slot key names
// (server, username, uuid, email-only slots).
func decode(data []byte) (Snapshot, error) {
	var raw struct {
		Version       string `json:"version"`
		Slots         []any  `json:"slots"`
		HoldReconnect any    `json:"holdReconnect"`
		Killed        any    `json:"killed"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode snapshot")
	}

	version := legacyVersion
	if raw.Version != "" {
		v, err := semver.ParseTolerant(raw.Version)
		if err != nil {
			return Snapshot{}, errors.Wrapf(err, "parse snapshot version %q", raw.Version)
		}
		version = v
	}
	if version.Major > currentVersion.Major {
		return Snapshot{}, errors.Newf("snapshot version %s is newer than supported %s", version, currentVersion)
	}

	snap := Empty()
	snap.HoldReconnect = raw.HoldReconnect == true
	snap.Killed = raw.Killed == true
	for _, item := range raw.Slots {
		m, _ := item.(map[string]any)
		if slot, ok := normalizeSlot(m); ok {
			snap.Slots = append(snap.Slots, slot)
		}
	}
	return snap, nil
}

func normalizeSlot(m map[string]any) (Slot, bool) {
	if m == nil {
		return Slot{}, false
	}
	var slot Slot
	if id := strings.TrimSpace(stringField(m, "accountId")); id != "" {
		slot.AccountID = id
	} else if email, ok := m["email"].(string); ok {
		slot.AccountID = account.IDFromIdentity(email)
	} else {
		return Slot{}, false
	}

	endpoint := stringField(m, "endpoint", "server")
	slot.Endpoint = config.EndpointA
	if endpoint == string(config.EndpointB) {
		slot.Endpoint = config.EndpointB
	}
	slot.Enabled = m["enabled"] == true
	slot.DisplayName = stringField(m, "displayName", "username")
	slot.Identifier = stringField(m, "identifier", "uuid")
	slot.Status = stringField(m, "status")
	slot.Reason = stringField(m, "reason")
	slot.NextRetryAt = millisField(m, "nextRetryAt")
	slot.LastSeenAt = millisField(m, "lastSeenAt")
	return slot, true
}

// stringField returns the first string value found under keys.
func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return s
		}
	}
	return ""
}

func millisField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return 0
}
