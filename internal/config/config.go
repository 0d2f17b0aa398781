package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/lk2023060901/altpool-go/pkg/log"
	"github.com/lk2023060901/altpool-go/pkg/util/merr"
	zviper "github.com/lk2023060901/altpool-go/pkg/util/viper"
)

// EndpointKey identifies one of the two interchangeable backend endpoints.
type EndpointKey string

const (
	EndpointA EndpointKey = "A"
	EndpointB EndpointKey = "B"
)

// EndpointKeys lists the endpoint keys in their conventional order, A first.
var EndpointKeys = []EndpointKey{EndpointA, EndpointB}

// ParseEndpointKey accepts "a", "A", "b" or "B".
func ParseEndpointKey(s string) (EndpointKey, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(EndpointA):
		return EndpointA, true
	case string(EndpointB):
		return EndpointB, true
	}
	return "", false
}

func (k EndpointKey) Valid() bool {
	return k == EndpointA || k == EndpointB
}

func (k EndpointKey) Other() EndpointKey {
	if k == EndpointA {
		return EndpointB
	}
	return EndpointA
}

func (k EndpointKey) String() string {
	return string(k)
}

// Endpoint describes one backend destination.
type Endpoint struct {
	Key         EndpointKey `mapstructure:"-" json:"-"`
	Host        string      `mapstructure:"host"`
	Port        int         `mapstructure:"port"`
	JoinCommand string      `mapstructure:"joinCommand"`
	Enabled     bool        `mapstructure:"enabled"`
}

func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

type EndpointsConfig struct {
	A Endpoint `mapstructure:"a"`
	B Endpoint `mapstructure:"b"`
}

// Get returns the endpoint for key with its Key field stamped.
func (c EndpointsConfig) Get(key EndpointKey) Endpoint {
	ep := c.A
	if key == EndpointB {
		ep = c.B
	}
	ep.Key = key
	return ep
}

func (c EndpointsConfig) IsEnabled(key EndpointKey) bool {
	return key.Valid() && c.Get(key).Enabled
}

// Enabled returns the enabled endpoint keys in conventional order.
// When neither endpoint is enabled A is returned so that placement stays total.
func (c EndpointsConfig) Enabled() []EndpointKey {
	out := make([]EndpointKey, 0, 2)
	for _, k := range EndpointKeys {
		if c.Get(k).Enabled {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return []EndpointKey{EndpointA}
	}
	return out
}

type PoolConfig struct {
	MaxSlots           int           `mapstructure:"maxSlots"`
	TickInterval       time.Duration `mapstructure:"tickInterval"`
	ConnectSpacing     time.Duration `mapstructure:"connectSpacing"`
	MoveReconnectDelay time.Duration `mapstructure:"moveReconnectDelay"`
	AntiIdleCommand    string        `mapstructure:"antiIdleCommand"`
	AntiIdleMin        time.Duration `mapstructure:"antiIdleMin"`
	AntiIdleMax        time.Duration `mapstructure:"antiIdleMax"`
}

type SessionConfig struct {
	SendMinInterval  time.Duration `mapstructure:"sendMinInterval"`
	JoinDelayMin     time.Duration `mapstructure:"joinDelayMin"`
	JoinDelayMax     time.Duration `mapstructure:"joinDelayMax"`
	ConnectTimeout   time.Duration `mapstructure:"connectTimeout"`
	LoginDedupWindow time.Duration `mapstructure:"loginDedupWindow"`
}

// Range is an inclusive [Min, Max] duration window.
type Range struct {
	Min time.Duration
	Max time.Duration
}

func (r Range) overlaps(o Range) bool {
	return r.Min <= o.Max && o.Min <= r.Max
}

type ReconnectConfig struct {
	SocketMin time.Duration `mapstructure:"socketMin"`
	SocketMax time.Duration `mapstructure:"socketMax"`
	KickMin   time.Duration `mapstructure:"kickMin"`
	KickMax   time.Duration `mapstructure:"kickMax"`
	AuthMin   time.Duration `mapstructure:"authMin"`
	AuthMax   time.Duration `mapstructure:"authMax"`
}

func (c ReconnectConfig) Socket() Range { return Range{c.SocketMin, c.SocketMax} }
func (c ReconnectConfig) Kick() Range   { return Range{c.KickMin, c.KickMax} }
func (c ReconnectConfig) Auth() Range   { return Range{c.AuthMin, c.AuthMax} }

// MaxCaptureLines is the hard upper bound of a capture's line cap.
const MaxCaptureLines = 60

type CaptureConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxLines int           `mapstructure:"maxLines"`
}

type RelayConfig struct {
	DedupWindow time.Duration `mapstructure:"dedupWindow"`
}

type PathsConfig struct {
	State     string `mapstructure:"state"`
	Accounts  string `mapstructure:"accounts"`
	AuthCache string `mapstructure:"authCache"`
	Lock      string `mapstructure:"lock"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// Config is the full runtime configuration.
type Config struct {
	Endpoints EndpointsConfig       `mapstructure:"endpoints"`
	Pool      PoolConfig            `mapstructure:"pool"`
	Session   SessionConfig         `mapstructure:"session"`
	Reconnect ReconnectConfig       `mapstructure:"reconnect"`
	Capture   CaptureConfig         `mapstructure:"capture"`
	Relay     RelayConfig           `mapstructure:"relay"`
	Paths     PathsConfig           `mapstructure:"paths"`
	Metrics   MetricsConfig         `mapstructure:"metrics"`
	Logging   map[string]log.Config `mapstructure:"logging"`
}

// Default returns the configuration used when no file overrides a key.
func Default() *Config {
	cfg := &Config{}
	v := zviper.New()
	SetDefaults(v)
	// Defaults only; Unmarshal cannot fail on values we set ourselves.
	_ = v.Unmarshal(cfg)
	return cfg
}

// SetDefaults registers every default value on v.
func SetDefaults(v *zviper.Config) {
	v.SetDefault("endpoints.a.host", "example-a.server.invalid")
	v.SetDefault("endpoints.a.port", 25565)
	v.SetDefault("endpoints.a.joinCommand", "/server factions")
	v.SetDefault("endpoints.a.enabled", true)
	v.SetDefault("endpoints.b.host", "example-b.server.invalid")
	v.SetDefault("endpoints.b.port", 25565)
	v.SetDefault("endpoints.b.joinCommand", "/factions")
	v.SetDefault("endpoints.b.enabled", true)

	v.SetDefault("pool.maxSlots", 20)
	v.SetDefault("pool.tickInterval", time.Second)
	v.SetDefault("pool.connectSpacing", 8*time.Second)
	v.SetDefault("pool.moveReconnectDelay", 15*time.Second)
	v.SetDefault("pool.antiIdleCommand", "/bal")
	v.SetDefault("pool.antiIdleMin", 60*time.Second)
	v.SetDefault("pool.antiIdleMax", 120*time.Second)

	v.SetDefault("session.sendMinInterval", time.Second)
	v.SetDefault("session.joinDelayMin", 6*time.Second)
	v.SetDefault("session.joinDelayMax", 10*time.Second)
	v.SetDefault("session.connectTimeout", 45*time.Second)
	v.SetDefault("session.loginDedupWindow", 15*time.Second)

	v.SetDefault("reconnect.socketMin", 2*time.Minute)
	v.SetDefault("reconnect.socketMax", 5*time.Minute)
	v.SetDefault("reconnect.kickMin", 10*time.Minute)
	v.SetDefault("reconnect.kickMax", 20*time.Minute)
	v.SetDefault("reconnect.authMin", 21*time.Minute)
	v.SetDefault("reconnect.authMax", 30*time.Minute)

	v.SetDefault("capture.timeout", 9*time.Second)
	v.SetDefault("capture.maxLines", 20)

	v.SetDefault("relay.dedupWindow", 10*time.Second)

	v.SetDefault("paths.state", "state/alts.json")
	v.SetDefault("paths.accounts", "accounts.json")
	v.SetDefault("paths.authCache", "state/auth-cache")
	v.SetDefault("paths.lock", "state/runtime.lock")

	v.SetDefault("metrics.listen", "")
}

// Load reads path (if non-empty) on top of the defaults.
// ALTPOOL_<SECTION>_<KEY> environment variables override file values.
func Load(path string) (*Config, error) {
	v := zviper.New().WithEnvPrefix("ALTPOOL")
	SetDefaults(v)
	if path != "" {
		if err := v.LoadFile(path); err != nil {
			return nil, merr.WrapErrIoFailed(path, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, merr.WrapErrParameterInvalidMsg("decode config %q: %s", path, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, merr.WrapErrParameterInvalidMsg("%s must be positive, got %s", name, d))
		}
	}
	window := func(name string, r Range) {
		if r.Min < 0 || r.Min > r.Max {
			errs = append(errs, merr.WrapErrParameterInvalidMsg("%s range invalid: min %s max %s", name, r.Min, r.Max))
		}
	}

	for _, k := range EndpointKeys {
		ep := c.Endpoints.Get(k)
		if ep.Enabled && (ep.Host == "" || ep.Port <= 0 || ep.Port > 65535) {
			errs = append(errs, merr.WrapErrParameterInvalidMsg("endpoint %s needs host and port, got %q:%d", k, ep.Host, ep.Port))
		}
	}

	if c.Pool.MaxSlots <= 0 {
		errs = append(errs, merr.WrapErrParameterInvalidRange(1, 1<<10, c.Pool.MaxSlots, "pool.maxSlots"))
	}
	positive("pool.tickInterval", c.Pool.TickInterval)
	if c.Pool.ConnectSpacing < 0 || c.Pool.MoveReconnectDelay < 0 {
		errs = append(errs, merr.WrapErrParameterInvalidMsg("pool delays must not be negative"))
	}
	window("pool.antiIdle", Range{c.Pool.AntiIdleMin, c.Pool.AntiIdleMax})

	if c.Session.SendMinInterval < 0 {
		errs = append(errs, merr.WrapErrParameterInvalidMsg("session.sendMinInterval must not be negative"))
	}
	window("session.joinDelay", Range{c.Session.JoinDelayMin, c.Session.JoinDelayMax})
	positive("session.connectTimeout", c.Session.ConnectTimeout)

	classes := []struct {
		name string
		r    Range
	}{{"socket", c.Reconnect.Socket()}, {"kick", c.Reconnect.Kick()}, {"auth", c.Reconnect.Auth()}}
	for _, cl := range classes {
		window("reconnect."+cl.name, cl.r)
	}
	for i := 0; i < len(classes); i++ {
		for j := i + 1; j < len(classes); j++ {
			if classes[i].r.overlaps(classes[j].r) {
				errs = append(errs, merr.WrapErrParameterInvalidMsg("reconnect ranges %s and %s overlap", classes[i].name, classes[j].name))
			}
		}
	}

	positive("capture.timeout", c.Capture.Timeout)
	if c.Capture.MaxLines < 1 || c.Capture.MaxLines > MaxCaptureLines {
		errs = append(errs, merr.WrapErrParameterInvalidRange(1, MaxCaptureLines, c.Capture.MaxLines, "capture.maxLines"))
	}

	if c.Paths.State == "" || c.Paths.Accounts == "" || c.Paths.AuthCache == "" {
		errs = append(errs, merr.WrapErrParameterMissing("paths.state|paths.accounts|paths.authCache"))
	}
	return merr.Combine(errs...)
}

// ClampCaptureLines bounds n to [1, MaxCaptureLines].
func ClampCaptureLines(n int) int {
	return max(1, min(MaxCaptureLines, n))
}
