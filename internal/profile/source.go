package profile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/avabridge/internal/resilience"
)

// ErrNotFound is returned by a [Source] that has no profile for the tenant.
var ErrNotFound = errors.New("profile: not found")

// Source loads a tenant's profile.
type Source interface {
	Load(ctx context.Context, tenantID string) (*Profile, error)
}

// NamedSource labels a source for logs and circuit-breaker names.
type NamedSource struct {
	Name   string
	Source Source
}

// DefaultLoadTimeout bounds a whole [Loader.Load] call.
const DefaultLoadTimeout = 5 * time.Second

// Loader resolves profiles from an ordered list of sources, each behind its
// own circuit breaker, and falls back to [Defaults].
//
// Loader is itself a [Source] whose Load never fails.
type Loader struct {
	group       *resilience.FallbackGroup[Source]
	fallbackCfg resilience.FallbackConfig
	timeout     time.Duration
	logger      *slog.Logger
}

var _ Source = (*Loader)(nil)

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithTimeout bounds each Load call. Zero keeps [DefaultLoadTimeout].
func WithTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(lg *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = lg }
}

// WithFallbackConfig sets the circuit-breaker tuning shared by all sources.
func WithFallbackConfig(cfg resilience.FallbackConfig) LoaderOption {
	return func(l *Loader) { l.fallbackCfg = cfg }
}

// NewLoader creates a Loader over sources, tried in order. With no sources
// every Load returns the defaults.
func NewLoader(sources []NamedSource, opts ...LoaderOption) *Loader {
	l := &Loader{timeout: DefaultLoadTimeout, logger: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	for _, s := range sources {
		if s.Source == nil {
			continue
		}
		if l.group == nil {
			l.group = resilience.NewFallbackGroup(s.Source, s.Name, l.fallbackCfg)
			continue
		}
		l.group.AddFallback(s.Name, s.Source)
	}
	return l
}

// Load returns the tenant's profile, or [Defaults] when no source has a
// usable one. The error is always nil.
func (l *Loader) Load(ctx context.Context, tenantID string) (*Profile, error) {
	if l.group == nil {
		return Defaults(tenantID), nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	p, err := resilience.ExecuteWithResult(l.group, func(s Source) (*Profile, error) {
		p, err := s.Load(ctx, tenantID)
		if errors.Is(err, ErrNotFound) {
			// A definitive answer, not a source failure.
			return nil, nil
		}
		return p, err
	})
	switch {
	case err != nil:
		l.logger.Warn("profile sources unavailable, using defaults", "tenant_id", tenantID, "err", err)
		return Defaults(tenantID), nil
	case p == nil:
		l.logger.Info("no profile for tenant, using defaults", "tenant_id", tenantID)
		return Defaults(tenantID), nil
	}

	if verr := p.Validate(); verr != nil {
		l.logger.Warn("invalid tenant profile, using defaults", "tenant_id", tenantID, "err", verr)
		return Defaults(tenantID), nil
	}
	p.TenantID = tenantID
	l.logger.Info("tenant profile loaded", "tenant_id", tenantID, "name", p.Name)
	return p, nil
}
