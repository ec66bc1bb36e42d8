// Package call bridges one phone call: it relays audio between the telephony
// media stream and the realtime inference endpoint, decides when to commit
// caller audio and when to ask for a reply, handles barge-in, and runs the
// post-call summary pipeline exactly once when the call ends.
//
// A [Session] moves through [StateConnecting], [StateStreaming],
// [StateTearingDown] and [StateClosed]. Two goroutines touch it while
// streaming: the telephony reader running [Session.Run] and the drain
// goroutine handling realtime events in arrival order. Shared bookkeeping is
// guarded by a mutex.
package call

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/avabridge/internal/notify"
	"github.com/MrWong99/avabridge/internal/observe"
	"github.com/MrWong99/avabridge/internal/profile"
	"github.com/MrWong99/avabridge/internal/summary"
	"github.com/MrWong99/avabridge/internal/twilio"
	"github.com/MrWong99/avabridge/pkg/conversation"
	"github.com/MrWong99/avabridge/pkg/provider/vad"
	"github.com/MrWong99/avabridge/pkg/realtime"
)

// Defaults for [Config] fields left at zero.
const (
	DefaultMaxUtterance       = 15 * time.Second
	DefaultMinTranscriptChars = 2
	DefaultSummaryTimeout     = 60 * time.Second
	DefaultNotifyTimeout      = 60 * time.Second

	// TenantParameter is the custom stream parameter carrying the tenant id.
	TenantParameter = "tenant_id"

	// MarkName labels the mark sent after every assistant audio chunk.
	MarkName = "responsePart"
)

// State is the lifecycle stage of a [Session].
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateTearingDown
	StateClosed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateTearingDown:
		return "tearing_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MediaStream is the telephony side of a call. *twilio.Stream implements it.
type MediaStream interface {
	Receive(ctx context.Context) (twilio.Frame, error)
	SendMedia(ctx context.Context, streamSid, payload string) error
	SendMark(ctx context.Context, streamSid, name string) error
	SendClear(ctx context.Context, streamSid string) error
	Close() error
}

var _ MediaStream = (*twilio.Stream)(nil)

// Agent is the realtime endpoint connection of a call. *realtime.Agent
// implements it.
type Agent interface {
	Connect(ctx context.Context) error
	SendGreeting(ctx context.Context, text string) error
	AppendAudio(ctx context.Context, payload string) error
	CommitAudio(ctx context.Context) error
	Truncate(ctx context.Context, itemID string, audioEndMs int64) error
	CreateResponse(ctx context.Context) error
	DrainEvents(ctx context.Context, handler func(context.Context, realtime.Event) error) error
	FinalizePendingTranscripts()
	Close() error
}

var _ Agent = (*realtime.Agent)(nil)

// AgentFactory builds the agent for one call. The agent must record its
// transcript into conv.
type AgentFactory func(settings profile.SessionSettings, conv *conversation.State, logger *slog.Logger) Agent

// RealtimeAgents returns an [AgentFactory] producing [realtime.Agent]s.
// opts are applied after the per-call model, conversation and logger.
func RealtimeAgents(apiKey string, opts ...realtime.Option) AgentFactory {
	return func(st profile.SessionSettings, conv *conversation.State, logger *slog.Logger) Agent {
		all := []realtime.Option{
			realtime.WithModel(st.Model),
			realtime.WithConversation(conv),
			realtime.WithLogger(logger),
		}
		all = append(all, opts...)
		return realtime.New(apiKey, realtime.SessionConfig{
			Instructions:          st.SystemPrompt,
			Voice:                 st.Voice,
			TranscriptionModel:    st.TranscriptionModel,
			TranscriptionLanguage: st.TranscriptionLanguage,
		}, all...)
	}
}

// Deps are the collaborators of a [Session]. Agents is required; every other
// field has a fallback.
type Deps struct {
	Agents AgentFactory

	// Profiles resolves the tenant persona. Nil means built-in defaults.
	Profiles profile.Source

	// VAD is the local speech detector. Nil means [vad.NewEnergy] with the
	// default threshold.
	VAD vad.Classifier

	// Summarizer produces the post-call summary. Nil skips the summary.
	Summarizer summary.Summarizer

	// Notifier receives the summary. Nil skips delivery.
	Notifier notify.Notifier

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Background tracks notifier goroutines so the server can wait for them
	// at shutdown. Nil gives the session its own group; see [Session.Wait].
	Background *sync.WaitGroup
}

// Config holds per-call tuning.
type Config struct {
	// TenantID is used when the stream carries no tenant_id parameter.
	TenantID string

	// Runtime holds the deployment-wide realtime settings.
	Runtime profile.Runtime

	// MaxUtterance is the pending-audio ceiling after which a commit is
	// forced. Default: [DefaultMaxUtterance].
	MaxUtterance time.Duration

	// MinTranscriptChars is the rune count below which a transcript is
	// treated as noise. Default: [DefaultMinTranscriptChars].
	MinTranscriptChars int

	SummaryTimeout time.Duration
	NotifyTimeout  time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = DefaultMaxUtterance
	}
	if c.MinTranscriptChars <= 0 {
		c.MinTranscriptChars = DefaultMinTranscriptChars
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = DefaultSummaryTimeout
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
}

// Session bridges one call. Create it with [New] and drive it with
// [Session.Run].
type Session struct {
	id      string
	stream  MediaStream
	deps    Deps
	cfg     Config
	conv    *conversation.State
	metrics *observe.Metrics
	bg      *sync.WaitGroup

	state atomic.Int32

	mu                sync.Mutex
	logger            *slog.Logger
	agent             Agent
	connected         bool
	streamSid         string
	callSid           string
	tenantID          string
	startedAt         time.Time
	endedAt           time.Time
	latestMs          int64
	lastAssistantItem string
	responseStartMs   int64
	responseStarted   bool
	pendingAudio      bool
	pendingStartMs    int64
	lastVoiceMs       int64
	pendingItems      map[string]struct{}
	respondedItems    map[string]struct{}
	outcome           string

	stopRun     context.CancelFunc
	drainCancel context.CancelFunc
	drainDone   chan struct{}

	teardownOnce sync.Once
}

// New creates a session for stream. It panics if deps.Agents is nil.
func New(stream MediaStream, deps Deps, cfg Config) *Session {
	if deps.Agents == nil {
		panic("call: Deps.Agents must not be nil")
	}
	if deps.VAD == nil {
		deps.VAD = vad.NewEnergy(vad.Config{})
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	bg := deps.Background
	if bg == nil {
		bg = &sync.WaitGroup{}
	}
	cfg.withDefaults()

	id := uuid.NewString()
	return &Session{
		id:             id,
		stream:         stream,
		deps:           deps,
		cfg:            cfg,
		conv:           conversation.New(),
		metrics:        metrics,
		bg:             bg,
		logger:         deps.Logger.With("call_id", id),
		tenantID:       cfg.TenantID,
		startedAt:      time.Now(),
		pendingItems:   make(map[string]struct{}),
		respondedItems: make(map[string]struct{}),
		outcome:        outcomeHangup,
	}
}

// ID returns the call id (a UUID v4).
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// Conversation returns the call transcript.
func (s *Session) Conversation() *conversation.State { return s.conv }

// StreamID returns the telephony stream id, or "" before the start frame.
func (s *Session) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSid
}

// TenantID returns the tenant the call is served for.
func (s *Session) TenantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenantID
}

// Wait blocks until background deliveries started by this session's group
// have finished.
func (s *Session) Wait() { s.bg.Wait() }

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log().Debug("call state changed", "from", prev.String(), "to", st.String())
	}
}

func (s *Session) log() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}
