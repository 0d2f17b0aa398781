package application

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/altpool-go/internal/capture"
	"github.com/lk2023060901/altpool-go/internal/store"
	"github.com/lk2023060901/altpool-go/internal/transport/transporttest"
	"github.com/lk2023060901/altpool-go/pkg/util/merr"
)

const (
	waitFor = 5 * time.Second
	tickFor = 10 * time.Millisecond
)

func writeFixture(t *testing.T) (dir, configPath string) {
	dir = t.TempDir()
	configPath = filepath.Join(dir, "config.yaml")
	cfg := `
pool:
  maxSlots: 4
  tickInterval: 10ms
  connectSpacing: 0s
capture:
  timeout: 2s
  maxLines: 5
paths:
  state: ` + filepath.Join(dir, "state", "alts.json") + `
  accounts: ` + filepath.Join(dir, "accounts.json") + `
  authCache: ` + filepath.Join(dir, "state", "auth-cache") + `
  lock: ` + filepath.Join(dir, "state", "runtime.lock") + `
`
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o644))
	accounts := `{"alts":[
  {"email":"one@example.com","enabled":true,"server":"A"},
  {"email":"two@example.com","enabled":true,"server":"B"},
  {"email":"three@example.com","enabled":false}
]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "accounts.json"), []byte(accounts), 0o644))
	return dir, configPath
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(configPathEnv, "")
	path, explicit := New().resolveConfigPath()
	assert.Equal(t, defaultConfigPath, path)
	assert.False(t, explicit)

	t.Setenv(configPathEnv, "/etc/altpool.yaml")
	path, explicit = New().resolveConfigPath()
	assert.Equal(t, "/etc/altpool.yaml", path)
	assert.True(t, explicit)

	path, _ = New(WithConfigPath("cli.yaml")).resolveConfigPath()
	assert.Equal(t, "cli.yaml", path)
}

func TestPrepareMissingFiles(t *testing.T) {
	t.Setenv(configPathEnv, "")
	t.Chdir(t.TempDir())
	app := New()
	require.NoError(t, app.Prepare())
	assert.Equal(t, 20, app.Config().Pool.MaxSlots)

	err := New(WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml"))).Prepare()
	assert.ErrorIs(t, err, merr.ErrIoFailed)
}

func TestLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "runtime.lock")

	release, err := acquireLock(path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
	release()
	assert.NoFileExists(t, path)

	// the parent of the test binary is alive
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o644))
	_, err = acquireLock(path)
	assert.ErrorIs(t, err, merr.ErrInstanceLocked)

	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o644))
	release, err = acquireLock(path)
	require.NoError(t, err)
	release()

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	release, err = acquireLock(path)
	require.NoError(t, err)
	release()
}

func TestRunDispatchAndShutdown(t *testing.T) {
	dir, configPath := writeFixture(t)
	dialer := transporttest.NewDialer()
	app := New(WithConfigPath(configPath), WithDialer(dialer))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return len(dialer.Conns()) == 2 }, waitFor, tickFor)
	assert.FileExists(t, filepath.Join(dir, "state", "runtime.lock"))

	var conn *transporttest.Conn
	for _, c := range dialer.Conns() {
		if c.Opts.Host == app.Config().Endpoints.A.Host {
			conn = c
		}
	}
	require.NotNil(t, conn)
	conn.Login("Steve", "uuid-1")
	require.Eventually(t, func() bool {
		s, err := app.Pool().Lookup("steve")
		return err == nil && s.Slot() == 1
	}, waitFor, tickFor)

	results := make(chan capture.Result, 1)
	require.Eventually(t, func() bool {
		return app.Dispatch("1", "/bal", 2, func(r capture.Result) { results <- r }) == nil
	}, waitFor, tickFor)
	conn.Chat("Balance: $5")

	select {
	case r := <-results:
		assert.Equal(t, []string{"Steve » /bal", "Steve » Balance: $5"}, r.Lines)
	case <-time.After(waitFor):
		t.Fatal("capture never delivered")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("run did not stop")
	}
	assert.NoFileExists(t, filepath.Join(dir, "state", "runtime.lock"))

	slots, err := New(WithConfigPath(configPath)).Slots(context.Background())
	require.NoError(t, err)
	require.Len(t, slots, 4)
	assert.Equal(t, "Steve", slots[0].DisplayName)
	assert.Equal(t, "shutdown", slots[0].Reason)
	assert.Equal(t, "DISABLED", slots[2].Status)
	assert.True(t, slots[3].Reserved())
	assert.Equal(t, store.ReservedStatus, slots[3].Status)
}

func TestDispatchBeforeRun(t *testing.T) {
	err := New().Dispatch("all", "hi", 1, func(capture.Result) {})
	assert.ErrorIs(t, err, merr.ErrServiceInternal)
}
