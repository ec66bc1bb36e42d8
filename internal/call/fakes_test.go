package call_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/avabridge/internal/call"
	"github.com/MrWong99/avabridge/internal/notify"
	"github.com/MrWong99/avabridge/internal/observe"
	"github.com/MrWong99/avabridge/internal/profile"
	"github.com/MrWong99/avabridge/internal/summary"
	"github.com/MrWong99/avabridge/internal/twilio"
	"github.com/MrWong99/avabridge/pkg/conversation"
	"github.com/MrWong99/avabridge/pkg/provider/vad"
	vadmock "github.com/MrWong99/avabridge/pkg/provider/vad/mock"
	"github.com/MrWong99/avabridge/pkg/realtime"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ── Fake telephony stream ─────────────────────────────────────────────────────

type sent struct {
	event     twilio.EventType
	streamSid string
	payload   string
	mark      string
}

type fakeStream struct {
	in chan twilio.Frame

	mu     sync.Mutex
	out    []sent
	closes int
}

var _ call.MediaStream = (*fakeStream)(nil)

func newFakeStream() *fakeStream {
	return &fakeStream{in: make(chan twilio.Frame, 2048)}
}

func (f *fakeStream) Receive(ctx context.Context) (twilio.Frame, error) {
	select {
	case <-ctx.Done():
		return twilio.Frame{}, ctx.Err()
	case fr, ok := <-f.in:
		if !ok {
			return twilio.Frame{}, io.EOF
		}
		return fr, nil
	}
}

func (f *fakeStream) record(s sent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, s)
	return nil
}

func (f *fakeStream) SendMedia(_ context.Context, sid, payload string) error {
	return f.record(sent{event: twilio.EventMedia, streamSid: sid, payload: payload})
}

func (f *fakeStream) SendMark(_ context.Context, sid, name string) error {
	return f.record(sent{event: twilio.EventMark, streamSid: sid, mark: name})
}

func (f *fakeStream) SendClear(_ context.Context, sid string) error {
	return f.record(sent{event: twilio.EventClear, streamSid: sid})
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeStream) sentOf(ev twilio.EventType) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.out {
		if s.event == ev {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeStream) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeStream) push(frames ...twilio.Frame) {
	for _, fr := range frames {
		f.in <- fr
	}
}

func startFrame(streamSid string, params map[string]string) twilio.Frame {
	return twilio.Frame{
		Event:     twilio.EventStart,
		StreamSid: streamSid,
		Start: &twilio.Start{
			StreamSid:        streamSid,
			CallSid:          "CA" + streamSid,
			CustomParameters: params,
		},
	}
}

// mediaFrame carries a short chunk of mu-law silence stamped at ts. Whether it
// counts as speech is up to the harness's classifier.
func mediaFrame(ts int64) twilio.Frame {
	return mediaFrameWith(ts, "////////")
}

func mediaFrameWith(ts int64, payload string) twilio.Frame {
	return twilio.Frame{
		Event: twilio.EventMedia,
		Media: &twilio.Media{
			Track:     "inbound",
			Timestamp: strconv.FormatInt(ts, 10),
			Payload:   payload,
		},
	}
}

func stopFrame() twilio.Frame { return twilio.Frame{Event: twilio.EventStop} }

// ── Fake agent ────────────────────────────────────────────────────────────────

type truncation struct {
	itemID     string
	audioEndMs int64
}

type fakeAgent struct {
	settings profile.SessionSettings
	conv     *conversation.State
	events   chan realtime.Event

	connectErr  error
	connectGate chan struct{} // when set, Connect blocks until it is closed

	mu        sync.Mutex
	connects  int
	greetings []string
	appends   int
	commits   int
	truncates []truncation
	responses int
	closes    int
	finalized int
}

var _ call.Agent = (*fakeAgent)(nil)

func (a *fakeAgent) Connect(context.Context) error {
	a.mu.Lock()
	a.connects++
	a.mu.Unlock()
	if a.connectGate != nil {
		<-a.connectGate
	}
	return a.connectErr
}

func (a *fakeAgent) SendGreeting(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.greetings = append(a.greetings, text)
	return nil
}

func (a *fakeAgent) AppendAudio(context.Context, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.appends++
	return nil
}

func (a *fakeAgent) CommitAudio(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commits++
	return nil
}

func (a *fakeAgent) Truncate(_ context.Context, itemID string, audioEndMs int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.truncates = append(a.truncates, truncation{itemID, audioEndMs})
	return nil
}

func (a *fakeAgent) CreateResponse(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses++
	return nil
}

// DrainEvents hands queued events to handler until ctx is cancelled or the
// events channel is closed, which simulates the endpoint hanging up.
func (a *fakeAgent) DrainEvents(ctx context.Context, handler func(context.Context, realtime.Event) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-a.events:
			if !ok {
				return nil
			}
			_ = handler(ctx, ev)
		}
	}
}

func (a *fakeAgent) FinalizePendingTranscripts() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized++
}

func (a *fakeAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes++
	return nil
}

// snapshot returns a copy of the counters.
func (a *fakeAgent) snapshot() fakeAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fakeAgent{
		settings:  a.settings,
		connects:  a.connects,
		greetings: append([]string(nil), a.greetings...),
		appends:   a.appends,
		commits:   a.commits,
		truncates: append([]truncation(nil), a.truncates...),
		responses: a.responses,
		closes:    a.closes,
		finalized: a.finalized,
	}
}

func (a *fakeAgent) push(evs ...realtime.Event) {
	for _, ev := range evs {
		ev.Kind = realtime.KindOf(ev.Type)
		a.events <- ev
	}
}

// agentSlot hands out one fakeAgent and remembers it.
type agentSlot struct {
	connectErr  error
	connectGate chan struct{}

	mu    sync.Mutex
	agent *fakeAgent
	ready chan struct{}
}

func newAgentSlot() *agentSlot { return &agentSlot{ready: make(chan struct{})} }

func (s *agentSlot) factory(st profile.SessionSettings, conv *conversation.State, _ *slog.Logger) call.Agent {
	a := &fakeAgent{
		settings:   st,
		conv:       conv,
		events:      make(chan realtime.Event, 64),
		connectErr:  s.connectErr,
		connectGate: s.connectGate,
	}
	s.mu.Lock()
	s.agent = a
	s.mu.Unlock()
	close(s.ready)
	return a
}

func (s *agentSlot) get(t *testing.T) *fakeAgent {
	t.Helper()
	select {
	case <-s.ready:
	case <-time.After(3 * time.Second):
		t.Fatal("agent was never created")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// ── Fake post-call pipeline ───────────────────────────────────────────────────

type fakeSummarizer struct {
	text string
	err  error

	mu         sync.Mutex
	calls      int
	meta       []summary.Meta
	transcript string
}

func (f *fakeSummarizer) Summarize(_ context.Context, st *conversation.State, meta []summary.Meta) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.meta = append([]summary.Meta(nil), meta...)
	f.transcript = st.Plaintext()
	return f.text, f.err
}

func (f *fakeSummarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNotifier struct {
	mu         sync.Mutex
	deliveries []notify.Delivery
}

func (n *recordingNotifier) Notify(_ context.Context, d notify.Delivery) error {
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

type failingProfiles struct{}

func (failingProfiles) Load(context.Context, string) (*profile.Profile, error) {
	return nil, errors.New("profile service down")
}

// ── Harness ───────────────────────────────────────────────────────────────────

type harness struct {
	stream  *fakeStream
	agents  *agentSlot
	vad     *vadmock.Classifier
	sum     *fakeSummarizer
	notes   *recordingNotifier
	reader  *sdkmetric.ManualReader
	session *call.Session
	bg      *sync.WaitGroup

	done chan error
}

type harnessOption func(*harness, *call.Deps, *call.Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		stream: newFakeStream(),
		agents: newAgentSlot(),
		vad:    &vadmock.Classifier{},
		sum:    &fakeSummarizer{text: "Résumé."},
		notes:  &recordingNotifier{},
		reader: reader,
		bg:     &sync.WaitGroup{},
		done:   make(chan error, 1),
	}
	deps := call.Deps{
		Agents:     h.agents.factory,
		VAD:        h.vad,
		Summarizer: h.sum,
		Notifier:   h.notes,
		Metrics:    metrics,
		Logger:     slog.New(slog.DiscardHandler),
		Background: h.bg,
	}
	cfg := call.Config{TenantID: "default-tenant"}
	for _, o := range opts {
		o(h, &deps, &cfg)
	}
	h.session = call.New(h.stream, deps, cfg)
	return h
}

func (h *harness) run() {
	go func() { h.done <- h.session.Run(context.Background()) }()
}

// startCall runs the session and waits until it is streaming.
func (h *harness) startCall(t *testing.T, streamSid string) *fakeAgent {
	t.Helper()
	h.run()
	h.stream.push(startFrame(streamSid, nil))
	agent := h.agents.get(t)
	waitFor(t, "streaming", func() bool { return h.session.State() == call.StateStreaming })
	return agent
}

// stop ends the call and returns Run's result.
func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.stream.push(stopFrame())
	return h.wait(t)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func (h *harness) counter(t *testing.T, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// withSpeech makes every caller frame count as speech.
func withSpeech() harnessOption {
	return func(h *harness, _ *call.Deps, _ *call.Config) {
		h.vad.Result = vad.Verdict{Speech: true, RMS: 0.5}
	}
}
