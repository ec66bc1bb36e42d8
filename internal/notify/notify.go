// Package notify delivers post-call summaries out of band.
//
// A [Notifier] receives one [Delivery] per finished call. Implementations
// cover SMTP e-mail ([Email]), structured logs ([Log]), a PostgreSQL archive
// ([Archive]) and fan-out to several of them ([Multi]).
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avabridge/pkg/conversation"
)

// Delivery is the payload handed to a [Notifier] after a call.
type Delivery struct {
	CallID    string
	TenantID  string
	StreamID  string
	Summary   string
	StartedAt time.Time

	// Duration is zero when the end time is unknown.
	Duration time.Duration

	// Transcript is a snapshot of the call's turns.
	Transcript []conversation.Turn
}

// DurationSeconds renders Duration as seconds with one decimal, or "n/a".
func (d Delivery) DurationSeconds() string {
	if d.Duration <= 0 {
		return "n/a"
	}
	return strconv.FormatFloat(d.Duration.Seconds(), 'f', 1, 64)
}

// Notifier delivers a call summary.
type Notifier interface {
	Notify(ctx context.Context, d Delivery) error
}

// Func adapts a plain function to [Notifier].
type Func func(ctx context.Context, d Delivery) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, d Delivery) error { return f(ctx, d) }

// ── Log ──────────────────────────────────────────────────────────────────────

// Log writes the summary to a structured logger. It is the fallback used
// when no other channel is configured.
type Log struct {
	logger *slog.Logger
}

var _ Notifier = (*Log)(nil)

// NewLog creates a [Log] notifier. A nil logger means slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Notify logs the summary at info level. It never fails.
func (l *Log) Notify(ctx context.Context, d Delivery) error {
	l.logger.InfoContext(ctx, "call summary",
		"call_id", d.CallID,
		"tenant_id", d.TenantID,
		"duration_s", d.DurationSeconds(),
		"turns", len(d.Transcript),
		"summary", d.Summary,
	)
	return nil
}

// ── Multi ────────────────────────────────────────────────────────────────────

// Multi fans a delivery out to several notifiers concurrently. One failing
// target does not stop the others; all errors are joined.
type Multi struct {
	targets []namedNotifier
}

type namedNotifier struct {
	name string
	n    Notifier
}

var _ Notifier = (*Multi)(nil)

// NewMulti creates an empty [Multi].
func NewMulti() *Multi { return &Multi{} }

// Add registers a target under name. Nil notifiers are ignored.
func (m *Multi) Add(name string, n Notifier) *Multi {
	if n != nil {
		m.targets = append(m.targets, namedNotifier{name: name, n: n})
	}
	return m
}

// Len returns the number of registered targets.
func (m *Multi) Len() int { return len(m.targets) }

// Notify delivers d to every target and waits for all of them.
func (m *Multi) Notify(ctx context.Context, d Delivery) error {
	errs := make([]error, len(m.targets))
	var g errgroup.Group
	for i, t := range m.targets {
		g.Go(func() error {
			if err := t.n.Notify(ctx, d); err != nil {
				errs[i] = fmt.Errorf("%s: %w", t.name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
