// Package realtime is the client side of an OpenAI-Realtime style inference
// endpoint, specialised for telephone calls.
//
// An [Agent] owns one WebSocket connection for the lifetime of a call. It
// configures the session for G.711 mu-law in both directions with server-side
// turn detection and input transcription, forwards caller audio, and decodes
// every server frame into an [Event]. While draining events it maintains the
// call's [conversation.State], assembling streamed transcript fragments per
// conversation item so that each utterance ends up as exactly one turn.
//
// Send, the typed senders and Close may be called from any goroutine.
// Receive and DrainEvents must only be used by a single reader.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/MrWong99/avabridge/pkg/conversation"
	"github.com/coder/websocket"
)

const (
	DefaultModel              = "gpt-4o-realtime-preview-2024-10-01"
	DefaultBaseURL            = "wss://api.openai.com/v1/realtime"
	DefaultVoice              = "alloy"
	DefaultTranscriptionModel = "whisper-1"

	// readLimit bounds a single server frame. Audio deltas for long responses
	// are well above coder/websocket's 32 KiB default.
	readLimit = 16 << 20
)

// ErrNotConnected is returned by senders and readers before Connect succeeds
// or after Close.
var ErrNotConnected = errors.New("realtime: not connected")

// SessionConfig is the immutable per-call session configuration sent in the
// initial session.update.
type SessionConfig struct {
	// Instructions is the system prompt.
	Instructions string

	// Voice is the output voice id. Empty selects [DefaultVoice].
	Voice string

	// TranscriptionModel transcribes caller audio. Empty selects
	// [DefaultTranscriptionModel].
	TranscriptionModel string

	// TranscriptionLanguage is an optional ISO-639-1 hint such as "fr".
	TranscriptionLanguage string
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Agent.
type Option func(*Agent)

// WithModel sets the realtime model requested in the connection URL.
func WithModel(model string) Option {
	return func(a *Agent) {
		if model != "" {
			a.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local fake endpoint.
func WithBaseURL(u string) Option {
	return func(a *Agent) {
		if u != "" {
			a.baseURL = u
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithConversation makes the agent record into an existing state instead of
// a fresh one.
func WithConversation(c *conversation.State) Option {
	return func(a *Agent) { a.conv = c }
}

// ── Agent ─────────────────────────────────────────────────────────────────────

// Agent is one realtime session.
type Agent struct {
	apiKey  string
	model   string
	baseURL string
	cfg     SessionConfig
	logger  *slog.Logger

	conv *conversation.State
	tr   *transcriber

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// New creates an Agent. No network activity happens until Connect.
func New(apiKey string, cfg SessionConfig, opts ...Option) *Agent {
	a := &Agent{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: DefaultBaseURL,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.conv == nil {
		a.conv = conversation.New()
	}
	if a.cfg.Voice == "" {
		a.cfg.Voice = DefaultVoice
	}
	if a.cfg.TranscriptionModel == "" {
		a.cfg.TranscriptionModel = DefaultTranscriptionModel
	}
	a.tr = newTranscriber(a.conv)
	return a
}

// Model returns the model the agent connects to.
func (a *Agent) Model() string { return a.model }

// Conversation returns the transcript the agent records into.
func (a *Agent) Conversation() *conversation.State { return a.conv }

// Connect dials the endpoint and sends the session configuration. A failure
// leaves the agent unconnected.
func (a *Agent) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrNotConnected
	}
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	wsURL := fmt.Sprintf("%s?model=%s", a.baseURL, url.QueryEscape(a.model))
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + a.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	if err := writeJSON(ctx, conn, a.sessionUpdate()); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return fmt.Errorf("realtime: session update: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return ErrNotConnected
	}
	a.conn = conn
	a.logger.Debug("realtime session configured", "model", a.model, "voice", a.cfg.Voice)
	return nil
}

func (a *Agent) sessionUpdate() sessionUpdateMessage {
	return sessionUpdateMessage{
		Type: TypeSessionUpdate,
		Session: sessionParams{
			Modalities:        []string{"text", "audio"},
			Voice:             a.cfg.Voice,
			Instructions:      a.cfg.Instructions,
			InputAudioFormat:  audioFormatG711Ulaw,
			OutputAudioFormat: audioFormatG711Ulaw,
			TurnDetection:     turnDetection{Type: turnDetectionServerVAD},
			InputAudioTranscription: &inputAudioTranscription{
				Model:    a.cfg.TranscriptionModel,
				Language: a.cfg.TranscriptionLanguage,
			},
		},
	}
}

// SendGreeting sends nothing: the endpoint only speaks once the caller has
// said something. The greeting is part of the instructions instead.
func (a *Agent) SendGreeting(_ context.Context, text string) error {
	a.logger.Debug("greeting deferred until caller speaks", "greeting", text)
	return nil
}

func (a *Agent) current() (*websocket.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.closed {
		return nil, ErrNotConnected
	}
	return a.conn, nil
}

// Send marshals event to JSON and writes it as one text frame.
func (a *Agent) Send(ctx context.Context, event any) error {
	conn, err := a.current()
	if err != nil {
		return err
	}
	if err := writeJSON(ctx, conn, event); err != nil {
		return fmt.Errorf("realtime: send: %w", err)
	}
	return nil
}

// AppendAudio forwards a base64 mu-law payload to the input audio buffer.
func (a *Agent) AppendAudio(ctx context.Context, payload string) error {
	return a.Send(ctx, appendAudioMessage{Type: TypeAudioAppend, Audio: payload})
}

// CommitAudio commits the input audio buffer as one user item.
func (a *Agent) CommitAudio(ctx context.Context) error {
	return a.Send(ctx, typeOnlyMessage{Type: TypeAudioCommit})
}

// Truncate cuts the assistant item's audio at audioEndMs.
func (a *Agent) Truncate(ctx context.Context, itemID string, audioEndMs int64) error {
	return a.Send(ctx, truncateMessage{
		Type:         TypeItemTruncate,
		ItemID:       itemID,
		ContentIndex: 0,
		AudioEndMs:   audioEndMs,
	})
}

// CreateResponse asks the endpoint to answer.
func (a *Agent) CreateResponse(ctx context.Context) error {
	return a.Send(ctx, typeOnlyMessage{Type: TypeResponseCreate})
}

// Receive reads and decodes one frame. A frame that fails to decode yields an
// error wrapping [ErrMalformedEvent]; the connection stays usable.
func (a *Agent) Receive(ctx context.Context) (Event, error) {
	conn, err := a.current()
	if err != nil {
		return Event{}, err
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("realtime: read: %w", err)
	}
	return Decode(data)
}

// RecordFromEvent applies ev to the transcript. For a completed caller
// transcription it returns the resolved text, which may come from the event's
// item content, a legacy transcriptions list or earlier deltas.
func (a *Agent) RecordFromEvent(ev Event) string {
	return a.tr.record(&ev)
}

// FinalizePendingTranscripts flushes every buffered fragment that never got
// its completion event into the transcript, oldest item first.
func (a *Agent) FinalizePendingTranscripts() {
	a.tr.flush()
}

// DrainEvents reads frames until the connection closes or ctx is cancelled.
// Each decoded event is first recorded into the transcript and then handed to
// handler, one at a time and in arrival order. A completed caller
// transcription reaches handler with Transcript set to the resolved text.
// Malformed frames are logged and skipped; handler errors are logged and do
// not stop the loop.
//
// A cancelled ctx, a normal closure or a local Close returns nil. Any other
// transport failure is returned.
//
// Cancelling ctx closes the underlying connection.
func (a *Agent) DrainEvents(ctx context.Context, handler func(context.Context, Event) error) error {
	for {
		ev, err := a.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformedEvent) {
				a.logger.Warn("skipping malformed realtime frame", "err", err)
				continue
			}
			if a.isExpectedEnd(ctx, err) {
				return nil
			}
			return err
		}

		if text := a.RecordFromEvent(ev); ev.Kind == KindInputTranscriptionCompleted {
			ev.Transcript = text
		}
		if handler == nil {
			continue
		}
		if herr := handler(ctx, ev); herr != nil {
			a.logger.Warn("realtime event handler failed", "type", ev.Type, "err", herr)
		}
	}
}

func (a *Agent) isExpectedEnd(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, ErrNotConnected) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close closes the connection with a normal closure. Only the first call has
// an effect; later calls return the first result.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		conn := a.conn
		a.closed = true
		a.mu.Unlock()
		if conn == nil {
			return
		}
		err := conn.Close(websocket.StatusNormalClosure, "session closed")
		if err != nil && !isClosedErr(err) {
			a.closeErr = fmt.Errorf("realtime: close: %w", err)
		}
	})
	return a.closeErr
}

// writeJSON marshals v and writes it as a text WebSocket message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// isClosedErr reports errors that only mean the peer or a cancelled read
// already closed the connection.
func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.CloseStatus(err) != -1
}
