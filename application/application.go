package application

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/lk2023060901/altpool-go/internal/account"
	"github.com/lk2023060901/altpool-go/internal/capture"
	"github.com/lk2023060901/altpool-go/internal/config"
	"github.com/lk2023060901/altpool-go/internal/events"
	"github.com/lk2023060901/altpool-go/internal/pool"
	"github.com/lk2023060901/altpool-go/internal/session"
	"github.com/lk2023060901/altpool-go/internal/store"
	"github.com/lk2023060901/altpool-go/internal/transport"
	"github.com/lk2023060901/altpool-go/internal/transport/wstransport"
	zlog "github.com/lk2023060901/altpool-go/pkg/log"
	"github.com/lk2023060901/altpool-go/pkg/metrics"
	"github.com/lk2023060901/altpool-go/pkg/util/merr"
)

const (
	defaultConfigPath = "./config.yaml"
	configPathEnv     = "ALTPOOL_CONFIG_FILE_PATH"

	busBuffer = 256
)

// Application is the runtime container of the pool process. It owns the
// configuration, the loggers and the wiring between pool, event bus, relay
// and capture correlator.
type Application struct {
	configFlag string
	clock      clockwork.Clock
	dialer     transport.Dialer

	cfg     *config.Config
	loggers map[string]*zlog.MLogger

	bus        *events.Bus
	correlator *capture.Correlator
	pool       *pool.Pool
}

type Option func(*Application)

// WithConfigPath sets the --config value; it overrides the environment.
func WithConfigPath(path string) Option {
	return func(a *Application) { a.configFlag = path }
}

// WithDialer replaces the websocket transport.
func WithDialer(d transport.Dialer) Option {
	return func(a *Application) { a.dialer = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(a *Application) { a.clock = c }
}

func New(opts ...Option) *Application {
	a := &Application{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Prepare loads configuration and initializes logging. It is idempotent.
//
// The configuration file is resolved with the following priority:
//  1. Default: ./config.yaml (may be absent; defaults apply)
//  2. Env: ALTPOOL_CONFIG_FILE_PATH
//  3. CLI: --config <path>
func (a *Application) Prepare() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg
	return a.initLogging()
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *config.Config {
	return a.cfg
}

// Logger returns a named logger created from configuration.
// If the name is unknown, it falls back to the global logger.
func (a *Application) Logger(name string) *zlog.MLogger {
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return zlog.With(zlog.FieldModule(name))
}

// Pool is available after Run has wired the process.
func (a *Application) Pool() *pool.Pool {
	return a.pool
}

func (a *Application) resolveConfigPath() (path string, explicit bool) {
	path = defaultConfigPath
	if env := strings.TrimSpace(os.Getenv(configPathEnv)); env != "" {
		path, explicit = env, true
	}
	if a.configFlag != "" {
		path, explicit = a.configFlag, true
	}
	return path, explicit
}

func (a *Application) loadConfig() (*config.Config, error) {
	path, explicit := a.resolveConfigPath()
	if !explicit {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %q", path)
	}
	return cfg, nil
}

// initLogging initializes global and module-level loggers.
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	return a.initModuleLoggersFromConfig()
}

// initGlobalLoggerFromEnv configures the process-wide logger based on ALTPOOL_LOG_* env vars.
//
//   - ALTPOOL_LOG_ENABLE: "0"/"false" discards all output (default enabled).
//   - ALTPOOL_LOG_LEVEL: log level (default "info").
//   - ALTPOOL_LOG_STDOUT: whether to log to stdout (default true).
//   - ALTPOOL_LOG_FILE_DIR: log directory.
//   - ALTPOOL_LOG_FILE: log file name (empty means no file).
//   - ALTPOOL_LOG_FORMAT: log format ("text" or "json", default "text").
func (a *Application) initGlobalLoggerFromEnv() error {
	cfg := &zlog.Config{
		Level:  getenvDefault("ALTPOOL_LOG_LEVEL", "info"),
		Format: getenvDefault("ALTPOOL_LOG_FORMAT", "text"),
		Stdout: getenvBool("ALTPOOL_LOG_STDOUT", true),
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("ALTPOOL_LOG_FILE_DIR", ""),
			Filename: getenvDefault("ALTPOOL_LOG_FILE", ""),
		},
	}
	if !getenvBool("ALTPOOL_LOG_ENABLE", true) {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init global logger from env")
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig creates named loggers from the "logging" key.
//
// Example:
//
//	logging:
//	  relay:
//	    level: info
//	    stdout: true
//	    file:
//	      rootpath: ./logs
//	      filename: chat.log
func (a *Application) initModuleLoggersFromConfig() error {
	if len(a.cfg.Logging) == 0 {
		return nil
	}
	a.loggers = make(map[string]*zlog.MLogger, len(a.cfg.Logging))
	for name, lc := range a.cfg.Logging {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return errors.Wrapf(err, "init module logger %q", name)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger.With(zlog.FieldModule(name))}
	}
	return nil
}

// wire builds the pool and its event consumers and restores the slots.
func (a *Application) wire(ctx context.Context) error {
	if a.dialer == nil {
		a.dialer = wstransport.NewDialer(wstransport.Config{})
	}

	a.bus = events.NewBus()
	relayLog := a.Logger("relay")
	relay := events.NewRelay(events.NewDedupe(a.clock, a.cfg.Relay.DedupWindow), func(ev events.ChatEvent) {
		relayLog.Info("chat", zap.Stringer("endpoint", ev.Endpoint), zap.String("from", ev.From), zap.String("text", ev.Text))
	})
	a.bus.Subscribe("relay", busBuffer, relay.Handle)

	a.correlator = capture.New(a.clock)
	a.bus.Subscribe("capture", busBuffer, a.correlator.Observe)

	a.pool = pool.New(pool.Options{
		Config: a.cfg,
		Store:  store.NewFileStore(a.cfg.Paths.State),
		Dialer: a.dialer,
		Sink:   a.bus,
		Clock:  a.clock,
	})
	return a.pool.Init(ctx, account.Load(a.cfg.Paths.Accounts))
}

// Run starts every enabled session and drives the scheduler tick until ctx
// is canceled, then disconnects everything and persists the final state.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Prepare(); err != nil {
		return err
	}

	intentCtx, span := zlog.NewIntentContext("altpool", "startup")
	logger := zlog.Ctx(intentCtx)

	release, err := acquireLock(a.cfg.Paths.Lock)
	if err != nil {
		span.End()
		return err
	}
	defer release()

	if err := a.wire(intentCtx); err != nil {
		span.End()
		a.shutdown()
		return err
	}
	logger.Info("pool wired",
		zap.Int("sessions", len(a.pool.Sessions())),
		zap.Strings("endpoints", lo.Map(a.cfg.Endpoints.Enabled(), func(k config.EndpointKey, _ int) string { return k.String() })))
	span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.pool.StartAll(gctx)
		switch {
		case errors.Is(err, merr.ErrPoolKilled):
			logger.Warn("pool is killed, sessions not started")
			return nil
		case merr.IsCanceledOrTimeout(err):
			return nil
		}
		return err
	})
	g.Go(func() error {
		wait.UntilWithContext(gctx, a.tick, a.cfg.Pool.TickInterval)
		return nil
	})
	if a.cfg.Metrics.Listen != "" {
		a.serveMetrics(gctx, g)
	}

	err = g.Wait()
	a.shutdown()
	return err
}

func (a *Application) tick(ctx context.Context) {
	logger := a.Logger("pool")
	if err := a.pool.Tick(ctx); err != nil && ctx.Err() == nil {
		logger.RatedWarn(30, "tick persist failed", zap.Error(err))
	}
	a.correlator.Sweep(a.clock.Now())
	for _, ch := range a.pool.StatusChanges() {
		logger.Info("status",
			zlog.FieldSlot(ch.Slot),
			zap.String("name", ch.Name),
			zap.String("status", string(ch.Status)),
			zap.String("reason", ch.Reason))
	}
}

func (a *Application) serveMetrics(ctx context.Context, g *errgroup.Group) {
	metrics.Register(prometheus.DefaultRegisterer)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		zlog.Info("metrics listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func (a *Application) shutdown() {
	if a.pool != nil {
		if err := a.pool.StopAll(context.Background(), "shutdown"); err != nil {
			zlog.Warn("final persist failed", zap.Error(err))
		}
		a.pool.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.correlator != nil {
		a.correlator.Close()
	}
	_ = zlog.Sync()
}

// Dispatch sends message from the sessions matched by token and captures the
// chat that follows on their endpoints. deliver receives the capture result
// exactly once, the sent line included as its first entry.
func (a *Application) Dispatch(token, message string, maxLines int, deliver func(capture.Result)) error {
	if a.pool == nil {
		return merr.WrapErrServiceInternal("application is not running")
	}
	targets, err := a.pool.Targets(token)
	if err != nil {
		return err
	}
	online := lo.Filter(targets, func(s *session.Session, _ int) bool { return s.Status() == session.StatusOnline })
	if len(online) == 0 {
		return merr.WrapErrSessionNotOnline(token)
	}
	endpoints := lo.Uniq(lo.Map(online, func(s *session.Session, _ int) config.EndpointKey { return s.Endpoint().Key }))
	if maxLines <= 0 {
		maxLines = a.cfg.Capture.MaxLines
	}
	if _, err := a.correlator.Begin(capture.Request{
		Endpoints: endpoints,
		MaxLines:  maxLines,
		Seed:      []string{capture.FormatLine(online[0].SafeDisplayName(), message)},
		Timeout:   a.cfg.Capture.Timeout,
	}, deliver); err != nil {
		return err
	}
	_, err = a.pool.Say(token, message)
	return err
}

// Slots returns the persisted slot table without starting anything.
func (a *Application) Slots(ctx context.Context) ([]store.Slot, error) {
	if err := a.Prepare(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(a.cfg.Paths.State); os.IsNotExist(err) {
		return nil, merr.WrapErrIoKeyNotFound(a.cfg.Paths.State, "no snapshot written yet")
	}
	return store.NewFileStore(a.cfg.Paths.State).Load(ctx).Slots, nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
