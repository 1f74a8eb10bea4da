package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/reqdesk/reqdesk/internal/app/metrics"
	"github.com/reqdesk/reqdesk/internal/app/system"
	"github.com/reqdesk/reqdesk/internal/auth"
	"github.com/reqdesk/reqdesk/internal/config"
	"github.com/reqdesk/reqdesk/internal/domain"
	"github.com/reqdesk/reqdesk/internal/httputil"
	"github.com/reqdesk/reqdesk/internal/journal"
	"github.com/reqdesk/reqdesk/internal/logging"
	"github.com/reqdesk/reqdesk/internal/mirror"
	"github.com/reqdesk/reqdesk/internal/realtime"
	"github.com/reqdesk/reqdesk/internal/refresh"
	"github.com/reqdesk/reqdesk/internal/services"
	"github.com/reqdesk/reqdesk/internal/store"
)

// mirrorClearTimeout bounds the mirror cleanup after the backend ends a
// session, which has no caller context.
const mirrorClearTimeout = 5 * time.Second

// Application ties the client components together and manages their
// lifecycle. It replaces any process-wide store: everything cached belongs
// to one Application and is dropped on Logout.
type Application struct {
	cfg     config.Config
	log     *logging.Logger
	manager *system.Manager

	Client   *httputil.Client
	Session  *auth.Session
	Services *services.Registry
	Store    *store.Store

	// Optional components; nil when disabled in the configuration.
	Mirror   *mirror.Redis
	Journal  *journal.Journal
	Realtime *realtime.Client
	Refresh  *refresh.Scheduler

	closers []func() error

	metricsMu   sync.Mutex
	metricsAddr string
}

// Option customises New.
type Option func(*options)

type options struct {
	log        *logging.Logger
	httpClient *http.Client
	redis      mirror.Commands
	journal    *journal.Journal
}

// WithLogger overrides the logger built from the configuration.
func WithLogger(log *logging.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithHTTPClient overrides the instrumented default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRedis mirrors the store through cmds instead of dialing Redis.Addr.
func WithRedis(cmds mirror.Commands) Option {
	return func(o *options) { o.redis = cmds }
}

// WithJournal records changes through j instead of opening Journal.DSN.
func WithJournal(j *journal.Journal) Option {
	return func(o *options) { o.journal = j }
}

// New builds an application from cfg. Nothing runs in the background until
// Start is called.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log
	if log == nil {
		log = logging.New("reqdesk", cfg.Log.Level, cfg.Log.Format)
	}

	a := &Application{
		cfg:     cfg,
		log:     log,
		manager: system.NewManager(),
	}

	client, err := httputil.NewClient(httputil.Config{
		BaseURL:        cfg.API.BaseURL,
		Timeout:        cfg.API.Timeout,
		RateLimit:      cfg.API.RateLimit,
		Burst:          cfg.API.Burst,
		UserAgent:      cfg.API.UserAgent,
		HTTPClient:     o.httpClient,
		Logger:         log.Named("http"),
		OnUnauthorized: a.expire,
	})
	if err != nil {
		return nil, fmt.Errorf("create api client: %w", err)
	}
	a.Client = client
	a.Session = auth.NewSession(client, log.Named("auth"))
	a.Services = services.NewRegistry(client)
	a.Store = store.New(a.Services, log.Named("store"))

	if err := a.attachMirror(cfg.Redis, o.redis); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.attachJournal(ctx, cfg.Journal, o.journal); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.attachBackground(cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) attachMirror(cfg config.RedisConfig, cmds mirror.Commands) error {
	if cmds == nil && cfg.Addr == "" {
		return nil
	}
	if cmds == nil {
		rdb := mirror.NewClient(cfg)
		a.closers = append(a.closers, rdb.Close)
		cmds = rdb
	}
	a.Mirror = mirror.New(cmds, cfg.Prefix, cfg.TTL, a.log)
	a.Store.Observe(a.Mirror)
	return nil
}

func (a *Application) attachJournal(ctx context.Context, cfg config.JournalConfig, j *journal.Journal) error {
	if j == nil && cfg.DSN == "" {
		return nil
	}
	if j == nil {
		db, err := journal.Open(ctx, cfg.DSN)
		if err != nil {
			return err
		}
		j = journal.New(db, a.log)
		if cfg.Migrate {
			if err := j.Migrate(); err != nil {
				_ = j.Close()
				return fmt.Errorf("migrate journal: %w", err)
			}
		}
		a.closers = append(a.closers, j.Close)
	}
	a.Journal = j
	a.Store.Observe(j)
	return nil
}

func (a *Application) attachBackground(cfg config.Config) error {
	if cfg.Metrics.Addr != "" {
		if err := a.manager.Register(a.metricsService(cfg.Metrics.Addr)); err != nil {
			return err
		}
	}

	if cfg.Realtime.Enabled {
		rt, err := realtime.New(realtime.Config{
			URL:     cfg.RealtimeURL(),
			Tokens:  a.Session,
			Handler: realtime.StoreHandler(a.Store, a.log),
			Logger:  a.log,
		})
		if err != nil {
			return fmt.Errorf("configure realtime: %w", err)
		}
		a.Realtime = rt
		if err := a.manager.Register(runner("realtime", rt.Run)); err != nil {
			return err
		}
	}

	if cfg.Refresh.Enabled {
		sched, err := refresh.New(cfg.Refresh.Schedule, a.Store.Collections(), a.log)
		if err != nil {
			return fmt.Errorf("configure refresh: %w", err)
		}
		a.Refresh = sched
		if err := a.manager.Register(system.Func{
			ServiceName: "refresh",
			StartFunc:   sched.Start,
			StopFunc: func(context.Context) error {
				sched.Stop()
				return nil
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// Config returns the configuration the application was built from.
func (a *Application) Config() config.Config {
	return a.cfg
}

// Logger returns the application logger.
func (a *Application) Logger() *logging.Logger {
	return a.log
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// =============================================================================
// Session lifecycle
// =============================================================================

// Login authenticates with username and password, then warms the store
// from the mirror when one is configured.
func (a *Application) Login(ctx context.Context, username, password string) (*domain.User, error) {
	user, err := a.Session.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	a.warm(ctx)
	return user, nil
}

// LoginFromConfig authenticates with the configured token, or with the
// configured username and password when no token is set.
func (a *Application) LoginFromConfig(ctx context.Context) (*domain.User, error) {
	if a.cfg.Auth.Token != "" {
		if err := a.Session.SetToken(a.cfg.Auth.Token); err != nil {
			return nil, err
		}
		a.warm(ctx)
		return a.Session.User(), nil
	}
	return a.Login(ctx, a.cfg.Auth.Username, a.cfg.Auth.Password)
}

// Logout forgets the session, resets every collection and clears the mirror
// so nothing of the previous user survives.
func (a *Application) Logout(ctx context.Context) {
	a.forget(ctx)
	a.log.WithContext(ctx).Info("Logged out")
}

// Context returns ctx annotated with the current user for logging and
// journaling.
func (a *Application) Context(ctx context.Context) context.Context {
	return a.Session.Context(ctx)
}

// expire runs when the backend rejects the token.
func (a *Application) expire() {
	if !a.Session.Authenticated() {
		return
	}
	a.log.Warn("Backend rejected the session token; logging out")
	ctx, cancel := context.WithTimeout(context.Background(), mirrorClearTimeout)
	defer cancel()
	a.forget(ctx)
}

// forget drops the session and every cached entity, mirrored ones included,
// so the next login starts from nothing of the previous user.
func (a *Application) forget(ctx context.Context) {
	a.Session.Logout()
	a.Store.Reset()
	if a.Mirror == nil {
		return
	}
	if err := a.Mirror.Clear(ctx); err != nil {
		a.log.WithContext(ctx).WithError(err).Warn("Failed to clear cache mirror")
	}
}

func (a *Application) warm(ctx context.Context) {
	if a.Mirror == nil {
		return
	}
	n := a.Store.Warm(ctx, a.Mirror)
	a.log.WithContext(ctx).WithField("entities", n).Debug("Warmed store from mirror")
}

// =============================================================================
// Background lifecycle
// =============================================================================

// Start begins all registered background services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all background services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Close stops background services and releases connections.
func (a *Application) Close() error {
	err := a.manager.Stop(context.Background())
	for i := len(a.closers) - 1; i >= 0; i-- {
		if cerr := a.closers[i](); cerr != nil && err == nil {
			err = cerr
		}
	}
	a.closers = nil
	return err
}

// MetricsAddr returns the address the metrics endpoint listens on once
// started, or "" when it is not running.
func (a *Application) MetricsAddr() string {
	a.metricsMu.Lock()
	defer a.metricsMu.Unlock()
	return a.metricsAddr
}

func (a *Application) metricsService(addr string) system.Service {
	var srv *http.Server
	return system.Func{
		ServiceName: "metrics",
		StartFunc: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			a.metricsMu.Lock()
			a.metricsAddr = ln.Addr().String()
			a.metricsMu.Unlock()

			go func() {
				if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
					a.log.WithError(err).Error("Metrics server failed")
				}
			}()
			a.log.WithContext(ctx).WithField("addr", ln.Addr().String()).Info("Metrics endpoint listening")
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			a.metricsMu.Lock()
			a.metricsAddr = ""
			a.metricsMu.Unlock()
			if srv == nil {
				return nil
			}
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// runner turns a blocking run function into a Service whose Stop cancels
// the run and waits for it to return.
func runner(name string, run func(ctx context.Context) error) system.Service {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	return system.Func{
		ServiceName: name,
		StartFunc: func(ctx context.Context) error {
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
			done = make(chan struct{})
			go func() {
				defer close(done)
				_ = run(runCtx)
			}()
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}
