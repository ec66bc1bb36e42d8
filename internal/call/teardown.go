package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/avabridge/internal/notify"
	"github.com/MrWong99/avabridge/internal/observe"
	"github.com/MrWong99/avabridge/internal/summary"
)

// Metadata labels passed to the summarizer.
const (
	MetaCallID   = "Call ID"
	MetaDuration = "Durée (s)"
)

// Close tears the session down if Run has not already done so. It is safe to
// call from any goroutine and any number of times.
func (s *Session) Close(ctx context.Context) {
	s.teardown(ctx)
}

// teardown runs exactly once. ctx must outlive the call: the summary and the
// notifier dispatch happen here.
func (s *Session) teardown(ctx context.Context) {
	s.teardownOnce.Do(func() { s.doTeardown(ctx) })
}

func (s *Session) doTeardown(ctx context.Context) {
	s.setState(StateTearingDown)

	s.mu.Lock()
	s.endedAt = time.Now()
	agent := s.agent
	connected := s.connected
	flush := connected && s.pendingAudio
	s.pendingAudio = false
	s.connected = false
	drainCancel, drainDone := s.drainCancel, s.drainDone
	logger := s.logger
	s.mu.Unlock()

	if flush {
		if err := agent.CommitAudio(ctx); err != nil {
			logger.Warn("final commit failed", "err", err)
		} else {
			s.metrics.RecordCommit(ctx, observe.CommitFlush)
		}
	}

	if drainCancel != nil {
		drainCancel()
		<-drainDone
	}

	if agent != nil {
		if err := agent.Close(); err != nil {
			logger.Warn("closing realtime session", "err", err)
		}
		agent.FinalizePendingTranscripts()
	}
	if err := s.stream.Close(); err != nil {
		logger.Warn("closing telephony stream", "err", err)
	}

	d := s.Duration()
	logger.Info("call ended", "duration", d, "turns", s.conv.Len())

	s.summarize(ctx, d, logger)

	s.mu.Lock()
	outcome := s.outcome
	s.mu.Unlock()
	s.metrics.CallEnded(ctx, outcome, d)
	s.setState(StateClosed)
}

// Duration returns the call length, or zero while the call is running.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt.IsZero() || s.startedAt.IsZero() {
		return 0
	}
	return s.endedAt.Sub(s.startedAt)
}

// summarize generates the summary and hands it to the notifier in the
// background. Every failure is logged and swallowed.
func (s *Session) summarize(ctx context.Context, d time.Duration, logger *slog.Logger) {
	if s.deps.Summarizer == nil {
		return
	}

	delivery := notify.Delivery{
		CallID:    s.id,
		TenantID:  s.TenantID(),
		StreamID:  s.StreamID(),
		StartedAt: s.startedAt,
		Duration:  d,
	}
	meta := []summary.Meta{
		{Key: MetaCallID, Value: s.id},
		{Key: MetaDuration, Value: delivery.DurationSeconds()},
	}

	sctx, span := observe.StartSpan(ctx, "call.summarize")
	sctx, cancel := context.WithTimeout(sctx, s.cfg.SummaryTimeout)
	start := time.Now()
	text, err := s.deps.Summarizer.Summarize(sctx, s.conv, meta)
	cancel()
	if err != nil {
		observe.EndSpan(span, err)
		s.metrics.RecordSummary(ctx, time.Since(start), "error")
		logger.Warn("summary generation failed", "err", err)
		return
	}
	observe.EndSpan(span, nil)
	s.metrics.RecordSummary(ctx, time.Since(start), "ok")

	if s.deps.Notifier == nil {
		logger.Info("summary generated, no notifier configured")
		return
	}
	delivery.Summary = text
	delivery.Transcript = s.conv.Turns()

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		nctx, span := observe.StartSpan(ctx, "call.notify")
		nctx, cancel := context.WithTimeout(nctx, s.cfg.NotifyTimeout)
		defer cancel()
		err := s.deps.Notifier.Notify(nctx, delivery)
		observe.EndSpan(span, err)
		if err != nil {
			s.metrics.RecordNotification(ctx, "error")
			logger.Warn("summary delivery failed", "err", err)
			return
		}
		s.metrics.RecordNotification(ctx, "ok")
	}()
}
