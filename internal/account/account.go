package account

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/lk2023060901/altpool-go/internal/config"
	"github.com/lk2023060901/altpool-go/internal/json"
	"github.com/lk2023060901/altpool-go/pkg/log"
	"github.com/lk2023060901/altpool-go/pkg/util/merr"
)

const idPrefix = "acct_"

var legacyKeyPattern = regexp.MustCompile(`[^a-z0-9]`)

// Account is one managed identity from the accounts file.
// Identity is handed to the transport only; it is never persisted or logged.
type Account struct {
	Identity  string
	ID        string
	LegacyKey string
	Enabled   bool
	// Preferred is empty when the account has no endpoint preference.
	Preferred config.EndpointKey
}

// New derives the stable id and legacy cache key from identity.
func New(identity string, enabled bool, preferred config.EndpointKey) Account {
	return Account{
		Identity:  strings.TrimSpace(identity),
		ID:        IDFromIdentity(identity),
		LegacyKey: LegacyKeyFromIdentity(identity),
		Enabled:   enabled,
		Preferred: preferred,
	}
}

// String keeps the raw identity out of formatted output.
func (a Account) String() string {
	return a.ID
}

func Normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// IDFromIdentity returns "acct_" followed by the first 16 hex chars of
// sha256 over the normalized identity.
func IDFromIdentity(identity string) string {
	sum := sha256.Sum256([]byte(Normalize(identity)))
	return idPrefix + hex.EncodeToString(sum[:])[:16]
}

// LegacyKeyFromIdentity is the cache directory name used before ids existed.
func LegacyKeyFromIdentity(identity string) string {
	return legacyKeyPattern.ReplaceAllString(Normalize(identity), "_")
}

type accountsFile struct {
	Alts []map[string]any `json:"alts"`
}

// Parse decodes an accounts document. Entries without a string "email" or
// a boolean "enabled" are skipped, as are duplicates by normalized identity.
// An unknown "server" value means no preference.
func Parse(data []byte) ([]Account, error) {
	var doc accountsFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, merr.WrapErrParameterInvalidMsg("decode accounts: %s", err.Error())
	}

	seen := make(map[string]struct{}, len(doc.Alts))
	out := make([]Account, 0, len(doc.Alts))
	for _, raw := range doc.Alts {
		identity, ok := raw["email"].(string)
		if !ok || strings.TrimSpace(identity) == "" {
			continue
		}
		enabled, ok := raw["enabled"].(bool)
		if !ok {
			continue
		}
		key := Normalize(identity)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		var preferred config.EndpointKey
		if s, ok := raw["server"].(string); ok {
			if k := config.EndpointKey(s); k.Valid() {
				preferred = k
			}
		}
		out = append(out, New(identity, enabled, preferred))
	}
	return out, nil
}

// Load reads the accounts file at path. A missing or unreadable file yields
// an empty list; the problem is logged, never returned.
func Load(path string) []Account {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("read accounts file failed", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	accounts, err := Parse(data)
	if err != nil {
		log.Warn("accounts file is corrupt, ignoring", zap.String("path", path), zap.Error(err))
		return nil
	}
	return accounts
}

// CacheDir is the per-account credential cache directory under root.
func CacheDir(root string, a Account) string {
	return filepath.Join(root, a.ID)
}

// PrepareCacheDir makes sure the account's cache directory exists,
// first renaming a legacy directory into place when only that one exists.
func PrepareCacheDir(root string, a Account) (string, error) {
	dir := CacheDir(root, a)
	if _, err := os.Stat(dir); os.IsNotExist(err) && a.LegacyKey != "" {
		legacy := filepath.Join(root, a.LegacyKey)
		if st, lerr := os.Stat(legacy); lerr == nil && st.IsDir() {
			if rerr := os.Rename(legacy, dir); rerr != nil {
				log.Warn("migrate legacy auth cache failed", log.FieldAccountID(a.ID), zap.Error(rerr))
			} else {
				log.Info("migrated legacy auth cache", log.FieldAccountID(a.ID))
			}
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return dir, merr.WrapErrIoFailed(dir, err)
	}
	return dir, nil
}
