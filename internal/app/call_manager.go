package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/avabridge/internal/call"
)

// ErrDraining is returned by [CallManager.Serve] once shutdown has begun.
var ErrDraining = errors.New("app: not accepting calls, shutting down")

// CallInfo holds metadata about an active call.
type CallInfo struct {
	// CallID is the bridge-assigned identifier used in logs and summaries.
	CallID string

	// TenantID and StreamID are empty until the stream's start frame arrives.
	TenantID string
	StreamID string

	StartedAt time.Time
	State     call.State
}

type activeCall struct {
	session   *call.Session
	startedAt time.Time
}

// CallManager runs every call the server accepts and tracks the ones in
// progress so shutdown can end them. All exported methods are safe for
// concurrent use.
type CallManager struct {
	mu       sync.Mutex
	active   map[string]activeCall
	draining bool
	deps     call.Deps
	cfg      call.Config

	// runs counts Serve calls in flight; background counts post-call
	// notifier dispatches.
	runs       sync.WaitGroup
	background sync.WaitGroup

	logger *slog.Logger
}

// CallManagerConfig holds all dependencies for a [CallManager].
type CallManagerConfig struct {
	Deps call.Deps
	Call call.Config
}

// NewCallManager creates a CallManager. cfg.Deps.Background is replaced by
// the manager's own group.
func NewCallManager(cfg CallManagerConfig) *CallManager {
	cm := &CallManager{
		active: make(map[string]activeCall),
		cfg:    cfg.Call,
		logger: cfg.Deps.Logger,
	}
	if cm.logger == nil {
		cm.logger = slog.Default()
	}
	cm.deps = cm.bind(cfg.Deps)
	return cm
}

func (cm *CallManager) bind(deps call.Deps) call.Deps {
	deps.Background = &cm.background
	if deps.Logger == nil {
		deps.Logger = cm.logger
	}
	return deps
}

// Reconfigure replaces the dependencies and tuning used for calls started
// from now on. Calls in progress keep what they started with.
func (cm *CallManager) Reconfigure(deps call.Deps, cfg call.Config) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.deps = cm.bind(deps)
	cm.cfg = cfg
}

// Serve bridges one media stream and blocks until the call is over.
//
// Returns [ErrDraining] without touching the stream once Shutdown has begun.
func (cm *CallManager) Serve(ctx context.Context, stream call.MediaStream) error {
	cm.mu.Lock()
	if cm.draining {
		cm.mu.Unlock()
		return ErrDraining
	}
	s := call.New(stream, cm.deps, cm.cfg)
	cm.active[s.ID()] = activeCall{session: s, startedAt: time.Now().UTC()}
	cm.runs.Add(1)
	n := len(cm.active)
	cm.mu.Unlock()

	cm.logger.Debug("call accepted", "call_id", s.ID(), "active_calls", n)

	defer func() {
		cm.mu.Lock()
		delete(cm.active, s.ID())
		cm.mu.Unlock()
		cm.runs.Done()
	}()
	return s.Run(ctx)
}

// Active returns the calls in progress, oldest first.
func (cm *CallManager) Active() []CallInfo {
	cm.mu.Lock()
	calls := make([]activeCall, 0, len(cm.active))
	for _, ac := range cm.active {
		calls = append(calls, ac)
	}
	cm.mu.Unlock()

	infos := make([]CallInfo, 0, len(calls))
	for _, ac := range calls {
		infos = append(infos, CallInfo{
			CallID:    ac.session.ID(),
			TenantID:  ac.session.TenantID(),
			StreamID:  ac.session.StreamID(),
			StartedAt: ac.startedAt,
			State:     ac.session.State(),
		})
	}
	slices.SortFunc(infos, func(a, b CallInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return infos
}

// ActiveCount returns the number of calls in progress.
func (cm *CallManager) ActiveCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.active)
}

// Shutdown stops accepting calls, ends every active call (each still gets
// its summary) and waits for running calls and pending notifications.
// It returns ctx's error if they do not finish in time.
func (cm *CallManager) Shutdown(ctx context.Context) error {
	cm.mu.Lock()
	cm.draining = true
	sessions := make([]*call.Session, 0, len(cm.active))
	for _, ac := range cm.active {
		sessions = append(sessions, ac.session)
	}
	cm.mu.Unlock()

	if len(sessions) > 0 {
		cm.logger.Info("ending active calls", "count", len(sessions))
	}
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Go(func() { s.Close(ctx) })
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		cm.runs.Wait()
		cm.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: wait for calls: %w", ctx.Err())
	}
}
