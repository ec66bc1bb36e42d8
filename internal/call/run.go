package call

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/avabridge/internal/observe"
	"github.com/MrWong99/avabridge/internal/profile"
	"github.com/MrWong99/avabridge/internal/twilio"
)

// Call outcomes reported on the calls counter.
const (
	outcomeCompleted     = "completed"
	outcomeHangup        = "hangup"
	outcomeConnectFailed = "connect_failed"
	outcomeError         = "error"
)

// Run reads telephony frames until the stream stops, closes or fails, or ctx
// is cancelled. Teardown always runs exactly once before Run returns, with a
// context that is not cancelled by ctx.
//
// A clean end of the call returns nil. A realtime connect failure or an
// unexpected transport error is returned after teardown.
func (s *Session) Run(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "call", trace.WithAttributes(attribute.String("call.id", s.id)))
	defer func() { observe.EndSpan(span, err) }()
	ctx, stop := context.WithCancel(ctx)
	s.stopRun = stop
	defer stop()

	s.mu.Lock()
	s.logger = observe.WithTrace(ctx, s.logger)
	s.mu.Unlock()

	s.metrics.CallStarted(ctx)
	s.log().Info("call started")

	defer func() {
		if err != nil {
			s.setOutcome(outcomeError)
		}
		s.teardown(context.WithoutCancel(ctx))
		s.mu.Lock()
		span.SetAttributes(attribute.String("call.outcome", s.outcome))
		s.mu.Unlock()
	}()

	for {
		frame, rerr := s.stream.Receive(ctx)
		if rerr != nil {
			if errors.Is(rerr, twilio.ErrMalformedFrame) {
				s.log().Warn("skipping malformed telephony frame", "err", rerr)
				continue
			}
			if ctx.Err() != nil || twilio.IsClosed(rerr) {
				return nil
			}
			return fmt.Errorf("call: receive: %w", rerr)
		}

		switch frame.Event {
		case twilio.EventStart:
			if err := s.start(ctx, &frame); err != nil {
				return err
			}
			if s.State() >= StateTearingDown {
				return nil
			}
		case twilio.EventMedia:
			if err := s.media(ctx, &frame); err != nil {
				return err
			}
		case twilio.EventStop, twilio.EventClose:
			s.setOutcome(outcomeCompleted)
			s.log().Info("telephony stream stopped", "event", string(frame.Event))
			return nil
		case twilio.EventConnected, twilio.EventMark, twilio.EventDTMF:
			s.log().Debug("telephony frame", "event", string(frame.Event))
		default:
			s.log().Debug("ignoring telephony frame", "event", string(frame.Event))
		}
	}
}

// ── Start ─────────────────────────────────────────────────────────────────────

// start resolves the profile, connects the agent and begins draining its
// events. Only a connect failure is returned.
func (s *Session) start(ctx context.Context, frame *twilio.Frame) error {
	s.mu.Lock()
	if s.agent != nil {
		logger := s.logger
		s.mu.Unlock()
		logger.Warn("duplicate start frame ignored")
		return nil
	}
	s.streamSid = frame.StreamID()
	if frame.Start != nil {
		s.callSid = frame.Start.CallSid
	}
	if tenant := frame.CustomParameter(TenantParameter); tenant != "" {
		s.tenantID = tenant
	}
	s.logger = s.logger.With("stream_id", s.streamSid, "tenant_id", s.tenantID)
	tenantID, callSid, logger := s.tenantID, s.callSid, s.logger
	s.mu.Unlock()

	logger.Info("telephony stream started", "call_sid", callSid)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("call.tenant_id", tenantID),
		attribute.String("call.stream_id", frame.StreamID()),
	)

	p := s.loadProfile(ctx, tenantID, logger)
	settings := p.Settings(s.cfg.Runtime)

	agent := s.deps.Agents(settings, s.conv, logger)
	s.mu.Lock()
	s.agent = agent
	s.mu.Unlock()

	connectStart := time.Now()
	if err := agent.Connect(ctx); err != nil {
		s.metrics.RecordRealtimeConnect(ctx, time.Since(connectStart), "error")
		s.setOutcome(outcomeConnectFailed)
		logger.Error("realtime connect failed", "err", err)
		return fmt.Errorf("call: connect: %w", err)
	}
	s.metrics.RecordRealtimeConnect(ctx, time.Since(connectStart), "ok")

	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.mu.Lock()
	if s.State() >= StateTearingDown {
		// Closed while connecting; teardown already ran without this connection.
		s.mu.Unlock()
		cancel()
		logger.Info("call closed while connecting")
		if err := agent.Close(); err != nil {
			logger.Warn("closing realtime session", "err", err)
		}
		return nil
	}
	s.connected = true
	s.drainCancel = cancel
	s.drainDone = done
	s.mu.Unlock()

	go s.drain(drainCtx, agent, done)

	if err := agent.SendGreeting(ctx, settings.Greeting); err != nil {
		logger.Warn("greeting failed", "err", err)
	}
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateStreaming)) {
		return nil
	}
	logger.Debug("call state changed", "from", StateConnecting.String(), "to", StateStreaming.String())
	logger.Info("call streaming", "profile", p.Name, "voice", settings.Voice)
	return nil
}

// loadProfile never fails: any error or empty result yields the defaults.
func (s *Session) loadProfile(ctx context.Context, tenantID string, logger *slog.Logger) *profile.Profile {
	if s.deps.Profiles == nil {
		return profile.Defaults(tenantID)
	}
	p, err := s.deps.Profiles.Load(ctx, tenantID)
	if err != nil || p == nil {
		if err != nil {
			logger.Warn("profile unavailable, using defaults", "err", err)
		}
		return profile.Defaults(tenantID)
	}
	return p
}

func (s *Session) drain(ctx context.Context, agent Agent, done chan struct{}) {
	defer close(done)
	err := agent.DrainEvents(ctx, s.handleEvent)
	if err != nil {
		s.log().Error("realtime connection lost", "err", err)
		s.setOutcome(outcomeError)
	}
	// The drain only ends on its own when the endpoint went away.
	if ctx.Err() == nil {
		s.log().Info("realtime session ended, hanging up")
		if s.stopRun != nil {
			s.stopRun()
		}
	}
}

// ── Media ─────────────────────────────────────────────────────────────────────

// media forwards one caller audio chunk and applies the local speech window.
func (s *Session) media(ctx context.Context, frame *twilio.Frame) error {
	if frame.Media == nil {
		return nil
	}

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	agent := s.agent
	if ts, ok := frame.Media.TimestampMs(); ok && ts > s.latestMs {
		s.latestMs = ts
	}
	if raw, err := base64.StdEncoding.DecodeString(frame.Media.Payload); err == nil {
		if s.deps.VAD.Classify(raw).Speech {
			if !s.pendingAudio {
				s.pendingAudio = true
				s.pendingStartMs = s.latestMs
			}
			s.lastVoiceMs = s.latestMs
		}
	}
	forced := s.pendingAudio &&
		time.Duration(s.latestMs-s.pendingStartMs)*time.Millisecond > s.cfg.MaxUtterance
	if forced {
		s.pendingAudio = false
		s.pendingStartMs = 0
	}
	s.mu.Unlock()

	if err := agent.AppendAudio(ctx, frame.Media.Payload); err != nil {
		return s.agentFailure(ctx, "append audio", err)
	}
	if forced {
		if err := agent.CommitAudio(ctx); err != nil {
			return s.agentFailure(ctx, "forced commit", err)
		}
		s.metrics.RecordCommit(ctx, observe.CommitForced)
		s.log().Info("utterance ceiling reached, audio committed", "max_utterance", s.cfg.MaxUtterance)
	}
	return nil
}

// agentFailure ends the call unless the failure is only the call shutting
// down underneath us.
func (s *Session) agentFailure(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("call: %s: %w", op, err)
}

func (s *Session) setOutcome(o string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The first explicit outcome wins.
	if s.outcome == outcomeHangup {
		s.outcome = o
	}
}
