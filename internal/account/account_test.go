package account

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/altpool-go/internal/config"
)

func TestIDFromIdentity(t *testing.T) {
	id := IDFromIdentity("  Alice@Example.com ")
	assert.True(t, strings.HasPrefix(id, "acct_"))
	assert.Len(t, id, len("acct_")+16)
	assert.Equal(t, id, IDFromIdentity("alice@example.com"))
	assert.NotEqual(t, id, IDFromIdentity("bob@example.com"))
	assert.NotContains(t, id, "alice")
}

func TestLegacyKey(t *testing.T) {
	assert.Equal(t, "alice_example_com", LegacyKeyFromIdentity("Alice@Example.com"))
}

func TestAccountString(t *testing.T) {
	a := New("alice@example.com", true, "")
	assert.Equal(t, a.ID, a.String())
}

func TestParse(t *testing.T) {
	data := []byte(`{"alts":[
		{"email":"a@x.io","enabled":true,"server":"B"},
		{"email":"A@X.IO","enabled":false},
		{"email":"b@x.io","enabled":"yes"},
		{"enabled":true},
		{"email":"   ","enabled":true},
		{"email":"c@x.io","enabled":false,"server":"Z"}
	]}`)
	accounts, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, "a@x.io", accounts[0].Identity)
	assert.True(t, accounts[0].Enabled)
	assert.Equal(t, config.EndpointB, accounts[0].Preferred)

	assert.Equal(t, "c@x.io", accounts[1].Identity)
	assert.False(t, accounts[1].Enabled)
	assert.Equal(t, config.EndpointKey(""), accounts[1].Preferred)

	_, err = Parse([]byte("{"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, Load(filepath.Join(dir, "missing.json")))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0o600))
	assert.Empty(t, Load(bad))

	good := filepath.Join(dir, "accounts.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"alts":[{"email":"a@x.io","enabled":true}]}`), 0o600))
	assert.Len(t, Load(good), 1)
}

func TestPrepareCacheDirMigratesLegacy(t *testing.T) {
	root := t.TempDir()
	a := New("Alice@Example.com", true, "")

	legacy := filepath.Join(root, a.LegacyKey)
	require.NoError(t, os.MkdirAll(legacy, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(legacy, "token.json"), []byte("{}"), 0o600))

	dir, err := PrepareCacheDir(root, a)
	require.NoError(t, err)
	assert.Equal(t, CacheDir(root, a), dir)
	assert.FileExists(t, filepath.Join(dir, "token.json"))
	assert.NoDirExists(t, legacy)

	// second call is a no-op
	_, err = PrepareCacheDir(root, a)
	require.NoError(t, err)
}

func TestPrepareCacheDirFresh(t *testing.T) {
	root := t.TempDir()
	a := New("bob@example.com", true, "")
	dir, err := PrepareCacheDir(root, a)
	require.NoError(t, err)
	assert.DirExists(t, dir)
}
