package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/altpool-go/pkg/util/merr"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 20, cfg.Pool.MaxSlots)
	assert.Equal(t, time.Second, cfg.Pool.TickInterval)
	assert.Equal(t, 8*time.Second, cfg.Pool.ConnectSpacing)
	assert.Equal(t, "/bal", cfg.Pool.AntiIdleCommand)
	assert.Equal(t, 45*time.Second, cfg.Session.ConnectTimeout)
	assert.Equal(t, Range{2 * time.Minute, 5 * time.Minute}, cfg.Reconnect.Socket())
	assert.Equal(t, Range{10 * time.Minute, 20 * time.Minute}, cfg.Reconnect.Kick())
	assert.Equal(t, Range{21 * time.Minute, 30 * time.Minute}, cfg.Reconnect.Auth())
	assert.Equal(t, 9*time.Second, cfg.Capture.Timeout)

	a := cfg.Endpoints.Get(EndpointA)
	assert.Equal(t, EndpointA, a.Key)
	assert.Equal(t, "/server factions", a.JoinCommand)
	assert.Equal(t, "example-a.server.invalid:25565", a.Address())
	assert.Equal(t, []EndpointKey{EndpointA, EndpointB}, cfg.Endpoints.Enabled())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
endpoints:
  b:
    enabled: false
pool:
  maxSlots: 4
  connectSpacing: 2s
reconnect:
  socketMin: 1m
  socketMax: 2m
logging:
  pool:
    level: debug
    stdout: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Pool.MaxSlots)
	assert.Equal(t, 2*time.Second, cfg.Pool.ConnectSpacing)
	assert.Equal(t, time.Minute, cfg.Reconnect.SocketMin)
	assert.False(t, cfg.Endpoints.IsEnabled(EndpointB))
	assert.True(t, cfg.Endpoints.IsEnabled(EndpointA))
	assert.Equal(t, []EndpointKey{EndpointA}, cfg.Endpoints.Enabled())
	assert.Equal(t, "debug", cfg.Logging["pool"].Level)
	// untouched keys keep defaults
	assert.Equal(t, "/factions", cfg.Endpoints.B.JoinCommand)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ALTPOOL_POOL_MAXSLOTS", "7")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pool.MaxSlots)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, merr.ErrIoFailed)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Reconnect.KickMin = 4 * time.Minute
	err := cfg.Validate()
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)
	assert.Contains(t, err.Error(), "socket and kick overlap")

	cfg = Default()
	cfg.Reconnect.AuthMin = 40 * time.Minute
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Capture.MaxLines = 61
	assert.ErrorIs(t, cfg.Validate(), merr.ErrParameterInvalid)

	cfg = Default()
	cfg.Endpoints.A.Host = ""
	assert.Error(t, cfg.Validate())
	cfg.Endpoints.A.Enabled = false
	assert.NoError(t, cfg.Validate())
}

func TestEndpointKey(t *testing.T) {
	k, ok := ParseEndpointKey(" b ")
	assert.True(t, ok)
	assert.Equal(t, EndpointB, k)
	assert.Equal(t, EndpointA, k.Other())
	_, ok = ParseEndpointKey("c")
	assert.False(t, ok)
	assert.False(t, EndpointKey("").Valid())
}

func TestClampCaptureLines(t *testing.T) {
	assert.Equal(t, 1, ClampCaptureLines(0))
	assert.Equal(t, 3, ClampCaptureLines(3))
	assert.Equal(t, MaxCaptureLines, ClampCaptureLines(500))
}
