// Package app wires the bridge's subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown drains
// calls and tears everything down in order.
//
// For testing, inject doubles via functional options (WithAgentFactory,
// WithProfileSource, WithNotifier, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avabridge/internal/call"
	"github.com/MrWong99/avabridge/internal/config"
	"github.com/MrWong99/avabridge/internal/health"
	"github.com/MrWong99/avabridge/internal/notify"
	"github.com/MrWong99/avabridge/internal/observe"
	"github.com/MrWong99/avabridge/internal/profile"
	"github.com/MrWong99/avabridge/internal/resilience"
	"github.com/MrWong99/avabridge/internal/server"
	"github.com/MrWong99/avabridge/internal/summary"
	"github.com/MrWong99/avabridge/internal/twilio"
	"github.com/MrWong99/avabridge/pkg/provider/llm"
	"github.com/MrWong99/avabridge/pkg/provider/vad"
	"github.com/MrWong99/avabridge/pkg/realtime"
)

// ErrMissingRealtimeKey is reported by /readyz when no realtime API key is
// configured.
var ErrMissingRealtimeKey = errors.New("app: realtime api key not configured")

// Database is the PostgreSQL handle shared by the profile store and the
// summary archive. *pgxpool.Pool satisfies it.
type Database interface {
	profile.DB
	health.Pinger
}

// NamedLLM is one summary fallback backend.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the completion backends built by main.go via the config
// registry. A nil LLM disables summaries.
type Providers struct {
	LLM       llm.Provider
	Fallbacks []NamedLLM
}

// App owns all subsystem lifetimes of the bridge.
type App struct {
	cfg       *config.Config
	providers *Providers
	logger    *slog.Logger

	// Subsystems, initialised in New and torn down in Shutdown.
	db         Database
	profiles   profile.Source
	summarizer summary.Summarizer
	notifier   notify.Notifier
	agents     call.AgentFactory
	metrics    *observe.Metrics
	registry   *prometheus.Registry
	health     *health.Handler
	calls      *CallManager
	httpServer *http.Server
	listener   net.Listener
	checkers   []health.Checker

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDatabase injects a database instead of opening a pool from
// database.postgres_dsn.
func WithDatabase(db Database) Option {
	return func(a *App) { a.db = db }
}

// WithProfileSource injects a profile source instead of building the
// HTTP / PostgreSQL loader.
func WithProfileSource(s profile.Source) Option {
	return func(a *App) { a.profiles = s }
}

// WithSummarizer injects a summarizer instead of wrapping Providers.LLM.
func WithSummarizer(s summary.Summarizer) Option {
	return func(a *App) { a.summarizer = s }
}

// WithNotifier injects a notifier instead of the log / e-mail / archive
// fan-out.
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithAgentFactory injects the realtime agent constructor.
func WithAgentFactory(f call.AgentFactory) Option {
	return func(a *App) { a.agents = f }
}

// WithMetrics injects metrics instead of installing the global
// OpenTelemetry providers. /metrics is not served in that case.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: telemetry, database pool and
// migrations, profile sources, summarizer, notifiers, the call manager and
// the HTTP server. No port is opened until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Database ──────────────────────────────────────────────────────
	if err := a.initDatabase(ctx); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init database: %w", err)
	}

	// ── 3. Profiles ──────────────────────────────────────────────────────
	if err := a.initProfiles(ctx); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init profiles: %w", err)
	}

	// ── 4. Summarizer ────────────────────────────────────────────────────
	a.initSummarizer()

	// ── 5. Notifiers ─────────────────────────────────────────────────────
	if err := a.initNotifier(ctx); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init notifier: %w", err)
	}

	// ── 6. Calls ─────────────────────────────────────────────────────────
	if a.agents == nil {
		a.agents = realtimeAgents(cfg.Realtime)
	}
	if cfg.Realtime.APIKey == "" {
		a.logger.Error("realtime api key missing; calls will fail to connect")
		a.checkers = append(a.checkers, health.Static("realtime", ErrMissingRealtimeKey))
	}
	a.calls = NewCallManager(CallManagerConfig{
		Deps: a.callDeps(cfg),
		Call: callConfig(cfg),
	})

	// ── 7. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()

	a.logger.Info("app initialised",
		"summaries", a.summarizer != nil,
		"database", a.db != nil,
		"default_tenant", cfg.Profile.DefaultTenantID,
	)
	return a, nil
}

// initTelemetry installs the OpenTelemetry providers with a Prometheus
// exporter unless metrics were injected.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.metrics != nil {
		return nil
	}
	a.registry = prometheus.NewRegistry()
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{Registry: a.registry})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdown)

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initDatabase opens the PostgreSQL pool when a DSN is configured.
func (a *App) initDatabase(ctx context.Context) error {
	if a.db == nil && a.cfg.Database.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, a.cfg.Database.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.db = pool
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
	}
	if a.db != nil {
		a.checkers = append(a.checkers, health.PingChecker("database", a.db))
	}
	return nil
}

// initProfiles builds the profile loader: the HTTP source first, then the
// PostgreSQL store, then built-in defaults.
func (a *App) initProfiles(ctx context.Context) error {
	if a.profiles != nil {
		return nil
	}

	var sources []profile.NamedSource
	if base := a.cfg.Profile.APIBase; base != "" {
		sources = append(sources, profile.NamedSource{
			Name:   "http",
			Source: profile.NewHTTPSource(base, a.cfg.Profile.ServiceToken),
		})
	}
	if a.cfg.Profile.UseDatabase {
		if a.db == nil {
			return errors.New("profile.use_database requires a database")
		}
		store := profile.NewPostgresStore(a.db)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		sources = append(sources, profile.NamedSource{Name: "postgres", Source: store})
	}

	a.profiles = profile.NewLoader(sources,
		profile.WithTimeout(a.cfg.Profile.Timeout),
		profile.WithLogger(a.logger),
		profile.WithFallbackConfig(a.fallbackConfig()),
	)
	return nil
}

// initSummarizer wraps the configured completion backends in a fallback
// chain. Without a primary backend summaries are disabled.
func (a *App) initSummarizer() {
	if a.summarizer != nil {
		return
	}
	if a.providers.LLM == nil {
		a.logger.Warn("no summary llm configured; calls will not be summarized")
		return
	}

	chain := resilience.NewLLMFallback(a.providers.LLM, a.cfg.Summary.LLM.Name, a.fallbackConfig())
	for _, fb := range a.providers.Fallbacks {
		chain.AddFallback(fb.Name, fb.Provider)
	}

	opts := []summary.Option{
		summary.WithMaxTokens(a.cfg.Summary.MaxTokens),
		summary.WithLogger(a.logger),
	}
	if a.cfg.Summary.Temperature > 0 {
		opts = append(opts, summary.WithTemperature(a.cfg.Summary.Temperature))
	}
	a.summarizer = summary.NewLLMSummarizer(chain, opts...)
}

// initNotifier assembles the fan-out: the log is always present, e-mail and
// the archive when configured.
func (a *App) initNotifier(ctx context.Context) error {
	if a.notifier != nil {
		return nil
	}

	multi := notify.NewMulti().Add("log", notify.NewLog(a.logger))

	if e := a.cfg.Email; e.Recipient != "" {
		multi.Add("email", notify.NewEmail(notify.EmailConfig{
			Recipient: e.Recipient,
			Server:    e.Server,
			Port:      e.Port,
			StartTLS:  !e.ImplicitTLS,
			Username:  e.Username,
			Password:  e.Password,
			Sender:    e.Sender,
		}, notify.WithEmailLogger(a.logger)))
	}

	if a.cfg.Database.Archive {
		if a.db == nil {
			return errors.New("database.archive requires a database")
		}
		archive := notify.NewArchive(a.db)
		if err := archive.Migrate(ctx); err != nil {
			return err
		}
		multi.Add("archive", archive)
	}

	a.notifier = multi
	return nil
}

func (a *App) initHTTP() {
	var validator *twilio.Validator
	if a.cfg.Twilio.ValidateSignatures {
		validator = twilio.NewValidator(a.cfg.Twilio.AuthToken)
	}

	a.health = health.New(a.checkers...)
	opts := []server.Option{
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.logger),
	}
	if a.registry != nil {
		opts = append(opts, server.WithMetricsHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	}

	srv := server.New(a.calls, server.Config{
		PublicBaseURL:   a.cfg.Server.PublicBaseURL,
		DefaultTenantID: a.cfg.Profile.DefaultTenantID,
		Validator:       validator,
	}, opts...)

	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}
}

// fallbackConfig labels every breaker transition in the metrics.
func (a *App) fallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			Logger: a.logger,
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	}
}

// callDeps builds the per-call dependencies from cfg.
func (a *App) callDeps(cfg *config.Config) call.Deps {
	return call.Deps{
		Agents:     a.agents,
		Profiles:   a.profiles,
		VAD:        vad.NewEnergy(vad.Config{Threshold: cfg.Call.VADThreshold}),
		Summarizer: a.summarizer,
		Notifier:   a.notifier,
		Metrics:    a.metrics,
		Logger:     a.logger,
	}
}

func callConfig(cfg *config.Config) call.Config {
	return call.Config{
		TenantID: cfg.Profile.DefaultTenantID,
		Runtime: profile.Runtime{
			Model:              cfg.Realtime.Model,
			TranscriptionModel: cfg.Realtime.TranscriptionModel,
			Voice:              cfg.Realtime.Voice,
			SampleRateHz:       cfg.Realtime.SampleRateHz,
		},
		MaxUtterance:       cfg.Call.MaxUtterance,
		MinTranscriptChars: cfg.Call.MinTranscriptChars,
		SummaryTimeout:     cfg.Call.SummaryTimeout,
		NotifyTimeout:      cfg.Call.NotifyTimeout,
	}
}

func realtimeAgents(rt config.RealtimeConfig) call.AgentFactory {
	return call.RealtimeAgents(rt.APIKey, realtime.WithBaseURL(rt.BaseURL))
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies a changed configuration to calls started from now on.
// Settings that need a restart are logged and otherwise ignored.
func (a *App) Reload(newCfg *config.Config) config.ConfigDiff {
	d := config.Diff(a.cfg, newCfg)
	for _, field := range d.RestartRequired {
		a.logger.Warn("config change requires restart", "field", field)
	}
	if !d.CallChanged && !d.RealtimeChanged && !d.DefaultTenantChanged {
		return d
	}

	// Only hot-reloadable fields are taken over. The realtime key and URL
	// are baked into the agent factory.
	next := *a.cfg
	next.Call = newCfg.Call
	next.Realtime = newCfg.Realtime
	next.Realtime.APIKey = a.cfg.Realtime.APIKey
	next.Realtime.BaseURL = a.cfg.Realtime.BaseURL
	next.Profile.DefaultTenantID = newCfg.Profile.DefaultTenantID
	next.Server.LogLevel = newCfg.Server.LogLevel
	a.cfg = &next

	a.calls.Reconfigure(a.callDeps(a.cfg), callConfig(a.cfg))
	a.logger.Info("call settings reloaded",
		"call_changed", d.CallChanged,
		"realtime_changed", d.RealtimeChanged,
		"default_tenant_changed", d.DefaultTenantChanged,
	)
	return d
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// When ctx is done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.httpServer.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.httpServer.Serve(ln)
	}()

	a.logger.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Calls returns the call manager.
func (a *App) Calls() *CallManager { return a.calls }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, stops the HTTP server, ends every
// active call and then tears down the remaining subsystems in reverse-init
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "active_calls", a.calls.ActiveCount(), "closers", len(a.closers))
		a.health.SetDraining()

		// Hijacked media-stream connections are not tracked by
		// http.Server.Shutdown, so the calls are ended in parallel.
		errs := make([]error, 2)
		var g errgroup.Group
		g.Go(func() error {
			if err := a.httpServer.Shutdown(ctx); err != nil {
				errs[0] = fmt.Errorf("app: http shutdown: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			errs[1] = a.calls.Shutdown(ctx)
			return nil
		})
		_ = g.Wait()
		if err := errors.Join(errs...); err != nil {
			a.logger.Warn("drain incomplete", "err", err)
			shutdownErr = err
		}

		if err := a.closeAll(ctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
			return
		}
		a.logger.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers in reverse order.
func (a *App) closeAll(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}
