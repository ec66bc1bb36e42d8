// Package server is the HTTP surface of the bridge: the TwiML webhook Twilio
// calls when a phone call arrives, the media-stream WebSocket the call is
// then connected to, and the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/avabridge/internal/call"
	"github.com/MrWong99/avabridge/internal/health"
	"github.com/MrWong99/avabridge/internal/observe"
	"github.com/MrWong99/avabridge/internal/twilio"
)

// MediaStreamPath is the WebSocket route Twilio streams call audio to.
const MediaStreamPath = "/media-stream"

// ErrNoPublicURL is returned when no public base URL is configured and the
// request carries no host to derive one from.
var ErrNoPublicURL = errors.New("server: public base url unknown")

// Calls runs one call per accepted media stream. Serve blocks until the call
// is over.
type Calls interface {
	Serve(ctx context.Context, stream call.MediaStream) error
}

// Config holds the public-facing settings of the HTTP surface.
type Config struct {
	// PublicBaseURL is the https URL Twilio reaches this server on. Empty
	// derives it from each request.
	PublicBaseURL string

	// DefaultTenantID is passed to the stream when /twiml has no tenant_id
	// query parameter.
	DefaultTenantID string

	// Validator checks X-Twilio-Signature on /twiml. Nil disables the check.
	Validator *twilio.Validator
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics wraps every route in [observe.Middleware].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// ── Server ────────────────────────────────────────────────────────────────────

// Server routes HTTP requests. It holds no per-call state.
type Server struct {
	calls          Calls
	cfg            Config
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	logger         *slog.Logger
}

// New creates a Server. It panics if calls is nil.
func New(calls Calls, cfg Config, opts ...Option) *Server {
	if calls == nil {
		panic("server: calls must not be nil")
	}
	s := &Server{
		calls:  calls,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /twiml", s.handleTwiML)
	mux.HandleFunc("POST /twiml", s.handleTwiML)
	mux.HandleFunc("GET /public-url", s.handlePublicURL)
	mux.HandleFunc("GET "+MediaStreamPath, s.handleMediaStream)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	var h http.Handler = mux
	if s.metrics != nil {
		h = observe.Middleware(s.metrics)(h)
	}
	return h
}

// ── Handlers ──────────────────────────────────────────────────────────────────

func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	base, err := s.publicBase(r)
	if err != nil {
		s.logger.Error("cannot build media stream url", "err", err)
		http.Error(w, "PUBLIC_BASE_URL must be configured when running behind a proxy", http.StatusInternalServerError)
		return
	}

	if s.cfg.Validator != nil {
		ok, err := s.cfg.Validator.ValidateRequest(r, requestURL(base, r))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if !ok {
			s.logger.Warn("rejected twiml request with invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	tenant := r.URL.Query().Get(call.TenantParameter)
	if tenant == "" {
		tenant = s.cfg.DefaultTenantID
	}
	streamURL := mediaStreamURL(base)
	body, err := twilio.ConnectStreamTwiML(streamURL, map[string]string{call.TenantParameter: tenant})
	if err != nil {
		s.logger.Error("build twiml", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("twiml generated", "stream_url", streamURL, "tenant_id", tenant)
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write([]byte(body))
}

func (s *Server) handlePublicURL(w http.ResponseWriter, r *http.Request) {
	base, err := s.publicBase(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"publicUrl":      base.String(),
		"mediaStreamUrl": mediaStreamURL(base),
	})
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	// Twilio does not send an Origin header we could pin.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("media stream upgrade failed", "err", err)
		return
	}

	stream := twilio.NewStream(conn)
	if err := s.calls.Serve(r.Context(), stream); err != nil {
		s.logger.Error("call failed", "err", err)
		conn.Close(websocket.StatusInternalError, "call failed")
		return
	}
	_ = stream.Close()
}

// ── URLs ──────────────────────────────────────────────────────────────────────

// publicBase returns the configured base URL or, failing that, the one the
// request was made to. Forwarded headers from a TLS-terminating proxy are
// honoured.
func (s *Server) publicBase(r *http.Request) (*url.URL, error) {
	if s.cfg.PublicBaseURL != "" {
		u, err := url.Parse(strings.TrimRight(s.cfg.PublicBaseURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("server: parse public base url: %w", err)
		}
		if u.Host == "" {
			return nil, ErrNoPublicURL
		}
		return u, nil
	}

	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	if host == "" {
		return nil, ErrNoPublicURL
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	return &url.URL{Scheme: scheme, Host: host}, nil
}

// mediaStreamURL is always wss: Twilio refuses plain ws stream URLs.
func mediaStreamURL(base *url.URL) string {
	u := url.URL{
		Scheme: "wss",
		Host:   base.Host,
		Path:   strings.TrimRight(base.Path, "/") + MediaStreamPath,
	}
	return u.String()
}

// requestURL is the URL Twilio signed: the public base plus the path and
// query of r.
func requestURL(base *url.URL, r *http.Request) string {
	u := *base
	u.Path = strings.TrimRight(base.Path, "/") + r.URL.Path
	u.RawQuery = r.URL.RawQuery
	return u.String()
}
