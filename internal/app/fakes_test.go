package app_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/avabridge/internal/call"
	"github.com/MrWong99/avabridge/internal/notify"
	"github.com/MrWong99/avabridge/internal/profile"
	"github.com/MrWong99/avabridge/internal/summary"
	"github.com/MrWong99/avabridge/internal/twilio"
	"github.com/MrWong99/avabridge/pkg/conversation"
	"github.com/MrWong99/avabridge/pkg/realtime"
)

var discard = slog.New(slog.DiscardHandler)

// pipeStream is an in-memory media stream fed through push.
type pipeStream struct {
	in        chan twilio.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

var _ call.MediaStream = (*pipeStream)(nil)

func newPipeStream() *pipeStream {
	return &pipeStream{in: make(chan twilio.Frame, 16), closed: make(chan struct{})}
}

func (p *pipeStream) push(f twilio.Frame) { p.in <- f }

func (p *pipeStream) Receive(ctx context.Context) (twilio.Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.closed:
		return twilio.Frame{}, io.EOF
	case <-ctx.Done():
		return twilio.Frame{}, ctx.Err()
	}
}

func (p *pipeStream) SendMedia(context.Context, string, string) error { return nil }
func (p *pipeStream) SendMark(context.Context, string, string) error { return nil }
func (p *pipeStream) SendClear(context.Context, string) error { return nil }

func (p *pipeStream) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func startFrame(sid, tenant string) twilio.Frame {
	params := map[string]string{}
	if tenant != "" {
		params[call.TenantParameter] = tenant
	}
	return twilio.Frame{
		Event:     twilio.EventStart,
		StreamSid: sid,
		Start: &twilio.Start{
			StreamSid:        sid,
			CallSid:          "CA" + sid,
			CustomParameters: params,
		},
	}
}

func stopFrame(sid string) twilio.Frame {
	return twilio.Frame{Event: twilio.EventStop, StreamSid: sid, Stop: &twilio.Stop{}}
}

// idleAgent connects and then waits for the call to end. It writes one
// exchange into the transcript so summaries have something to work on.
type idleAgent struct {
	conv *conversation.State
}

func idleAgents(st profile.SessionSettings, conv *conversation.State, _ *slog.Logger) call.Agent {
	return &idleAgent{conv: conv}
}

func (a *idleAgent) Connect(context.Context) error { return nil }
func (a *idleAgent) SendGreeting(context.Context, string) error { return nil }
func (a *idleAgent) AppendAudio(context.Context, string) error { return nil }
func (a *idleAgent) CommitAudio(context.Context) error { return nil }
func (a *idleAgent) Truncate(context.Context, string, int64) error { return nil }
func (a *idleAgent) CreateResponse(context.Context) error { return nil }
func (a *idleAgent) FinalizePendingTranscripts() {}
func (a *idleAgent) Close() error { return nil }

func (a *idleAgent) DrainEvents(ctx context.Context, _ func(context.Context, realtime.Event) error) error {
	a.conv.Add(conversation.RoleUser, "Bonjour, je voudrais un rendez-vous.")
	a.conv.Add(conversation.RoleAssistant, "Bien sûr, pour quel jour ?")
	<-ctx.Done()
	return nil
}

type stubSummarizer struct{ text string }

func (s stubSummarizer) Summarize(context.Context, *conversation.State, []summary.Meta) (string, error) {
	return s.text, nil
}

// recordingNotifier collects deliveries. When release is non-nil Notify
// blocks until it is closed or ctx ends.
type recordingNotifier struct {
	mu         sync.Mutex
	deliveries []notify.Delivery
	release    chan struct{}
}

func (n *recordingNotifier) Notify(ctx context.Context, d notify.Delivery) error {
	if n.release != nil {
		select {
		case <-n.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, d)
	return nil
}

func (n *recordingNotifier) all() []notify.Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Delivery(nil), n.deliveries...)
}

// waitFor polls cond for up to 3s.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
