package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/avabridge/pkg/conversation"
	"github.com/MrWong99/avabridge/pkg/realtime"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a fake realtime endpoint. The handler receives
// the accepted conn and is closed when the test finishes.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeRaw sends data as a text frame.
func writeRaw(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Logf("writeRaw: %v (may be expected on close)", err)
	}
}

func connectAgent(t *testing.T, srv *httptest.Server, opts ...realtime.Option) *realtime.Agent {
	t.Helper()
	opts = append([]realtime.Option{realtime.WithBaseURL(wsURL(srv))}, opts...)
	a := realtime.New("test-key", realtime.SessionConfig{Instructions: "be nice"}, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type seen struct {
		model, auth, beta string
		update            map[string]any
	}
	got := make(chan seen, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		s := seen{
			model: r.URL.Query().Get("model"),
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
		}
		readJSON(t, conn, &s.update)
		got <- s
		<-conn.CloseRead(context.Background()).Done()
	})

	a := realtime.New("sk-test", realtime.SessionConfig{
		Instructions:          "Tu es Ava.",
		Voice:                 "shimmer",
		TranscriptionLanguage: "fr",
	}, realtime.WithBaseURL(wsURL(srv)), realtime.WithModel("gpt-4o-mini-realtime"))
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer a.Close()

	var s seen
	select {
	case s = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}

	if s.model != "gpt-4o-mini-realtime" {
		t.Errorf("model = %q", s.model)
	}
	if s.auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", s.auth)
	}
	if s.beta != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", s.beta)
	}
	if s.update["type"] != "session.update" {
		t.Fatalf("type = %v", s.update["type"])
	}
	sess, _ := s.update["session"].(map[string]any)
	if sess["voice"] != "shimmer" || sess["instructions"] != "Tu es Ava." {
		t.Errorf("voice/instructions = %v / %v", sess["voice"], sess["instructions"])
	}
	if sess["input_audio_format"] != "g711_ulaw" || sess["output_audio_format"] != "g711_ulaw" {
		t.Errorf("audio formats = %v / %v", sess["input_audio_format"], sess["output_audio_format"])
	}
	td, _ := sess["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" {
		t.Errorf("turn_detection = %v", sess["turn_detection"])
	}
	mods, _ := sess["modalities"].([]any)
	if len(mods) != 2 || mods[0] != "text" || mods[1] != "audio" {
		t.Errorf("modalities = %v", mods)
	}
	tr, _ := sess["input_audio_transcription"].(map[string]any)
	if tr["model"] != "whisper-1" || tr["language"] != "fr" {
		t.Errorf("input_audio_transcription = %v", tr)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	a := realtime.New("key", realtime.SessionConfig{}, realtime.WithBaseURL(url))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.Connect(ctx); err == nil {
		t.Fatal("expected dial error")
	}
	if err := a.CommitAudio(ctx); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("CommitAudio after failed connect = %v; want ErrNotConnected", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	a := realtime.New("key", realtime.SessionConfig{})
	if a.Model() != realtime.DefaultModel {
		t.Errorf("Model() = %q; want %q", a.Model(), realtime.DefaultModel)
	}
	if a.Conversation() == nil || a.Conversation().Len() != 0 {
		t.Error("expected an empty conversation")
	}

	shared := conversation.New()
	b := realtime.New("key", realtime.SessionConfig{}, realtime.WithConversation(shared), realtime.WithModel(""))
	if b.Conversation() != shared {
		t.Error("WithConversation not applied")
	}
	if b.Model() != realtime.DefaultModel {
		t.Error("empty WithModel must keep the default")
	}
}

// ── Senders ───────────────────────────────────────────────────────────────────

func TestTypedSenders_WireFormat(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]any, 8)
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		for range 4 {
			var m map[string]any
			readJSON(t, conn, &m)
			frames <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	a := connectAgent(t, srv)
	ctx := context.Background()
	if err := a.AppendAudio(ctx, "//79"); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := a.CommitAudio(ctx); err != nil {
		t.Fatalf("CommitAudio: %v", err)
	}
	if err := a.Truncate(ctx, "ast_1", 500); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if err := a.CreateResponse(ctx); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	want := []map[string]any{
		{"type": "input_audio_buffer.append", "audio": "//79"},
		{"type": "input_audio_buffer.commit"},
		{"type": "conversation.item.truncate", "item_id": "ast_1", "content_index": float64(0), "audio_end_ms": float64(500)},
		{"type": "response.create"},
	}
	for i, w := range want {
		select {
		case got := <-frames:
			for k, v := range w {
				if got[k] != v {
					t.Errorf("frame %d: %s = %v; want %v", i, k, got[k], v)
				}
			}
			if len(got) != len(w) {
				t.Errorf("frame %d: got %d fields %v; want %d", i, len(got), got, len(w))
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}
}

// ── DrainEvents ───────────────────────────────────────────────────────────────

func TestDrainEvents_RecordsAndDispatchesInOrder(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeRaw(t, conn, `{"type":"conversation.item.created","item":{"id":"u1","role":"user"}}`)
		writeRaw(t, conn, `not json`)
		writeRaw(t, conn, `{"type":"conversation.item.input_audio_transcription.delta","item_id":"u1","delta":"bon"}`)
		writeRaw(t, conn, `{"type":"conversation.item.input_audio_transcription.delta","item_id":"u1","delta":"jour"}`)
		writeRaw(t, conn, `{"type":"conversation.item.input_audio_transcription.completed","item_id":"u1"}`)
		writeRaw(t, conn, `{"type":"rate_limits.updated"}`)
		writeRaw(t, conn, `{"type":"response.audio_transcript.done","item_id":"a1","transcript":"Bonjour, que puis-je faire ?"}`)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	a := connectAgent(t, srv)

	var (
		mu    sync.Mutex
		kinds []realtime.Kind
	)
	err := a.DrainEvents(context.Background(), func(_ context.Context, ev realtime.Event) error {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, ev.Kind)
		if ev.Kind == realtime.KindUnknown {
			return errors.New("handler errors are only logged")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("DrainEvents: %v", err)
	}

	wantKinds := []realtime.Kind{
		realtime.KindItemCreated,
		realtime.KindInputTranscriptionDelta,
		realtime.KindInputTranscriptionDelta,
		realtime.KindInputTranscriptionCompleted,
		realtime.KindUnknown,
		realtime.KindAudioTranscriptDone,
	}
	if len(kinds) != len(wantKinds) {
		t.Fatalf("kinds = %v; want %v", kinds, wantKinds)
	}
	for i := range wantKinds {
		if kinds[i] != wantKinds[i] {
			t.Errorf("kinds[%d] = %v; want %v", i, kinds[i], wantKinds[i])
		}
	}

	turns := a.Conversation().Turns()
	want := []conversation.Turn{
		{Role: conversation.RoleUser, Content: "bonjour"},
		{Role: conversation.RoleAssistant, Content: "Bonjour, que puis-je faire ?"},
	}
	if len(turns) != len(want) {
		t.Fatalf("turns = %+v; want %+v", turns, want)
	}
	for i := range want {
		if turns[i] != want[i] {
			t.Errorf("turn[%d] = %+v; want %+v", i, turns[i], want[i])
		}
	}
}

func TestDrainEvents_CompletedTranscriptionCarriesResolvedText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		frames []string
	}{
		{
			name:   "top level",
			frames: []string{`{"type":"conversation.item.input_audio_transcription.completed","item_id":"u1","transcript":"bonjour"}`},
		},
		{
			name:   "item content",
			frames: []string{`{"type":"conversation.item.input_audio_transcription.completed","item":{"id":"u1","role":"user","content":[{"type":"input_audio","transcript":"bonjour"}]}}`},
		},
		{
			name:   "legacy transcriptions",
			frames: []string{`{"type":"input_audio_buffer.transcription.completed","item_id":"u1","transcriptions":[{"text":" "},{"text":"bonjour"}]}`},
		},
		{
			name: "deltas",
			frames: []string{
				`{"type":"conversation.item.input_audio_transcription.delta","item_id":"u1","delta":"bon"}`,
				`{"type":"conversation.item.input_audio_transcription.delta","item_id":"u1","delta":"jour"}`,
				`{"type":"conversation.item.input_audio_transcription.completed","item_id":"u1"}`,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
				var update map[string]any
				readJSON(t, conn, &update)
				for _, f := range tt.frames {
					writeRaw(t, conn, f)
				}
				conn.Close(websocket.StatusNormalClosure, "bye")
			})
			a := connectAgent(t, srv)

			var got []string
			err := a.DrainEvents(context.Background(), func(_ context.Context, ev realtime.Event) error {
				if ev.Kind == realtime.KindInputTranscriptionCompleted {
					got = append(got, ev.Transcript)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("DrainEvents: %v", err)
			}
			if len(got) != 1 || got[0] != "bonjour" {
				t.Errorf("handler transcripts = %q; want [bonjour]", got)
			}
		})
	}
}

func TestDrainEvents_ContextCancelReturnsNil(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		<-conn.CloseRead(context.Background()).Done()
	})
	a := connectAgent(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.DrainEvents(ctx, nil) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("DrainEvents after cancel = %v; want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("DrainEvents did not return after cancel")
	}
}

func TestDrainEvents_AbnormalClosureReturnsError(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		conn.Close(websocket.StatusInternalError, "boom")
	})
	a := connectAgent(t, srv)

	err := a.DrainEvents(context.Background(), nil)
	if err == nil {
		t.Fatal("expected an error for abnormal closure")
	}
	if websocket.CloseStatus(err) != websocket.StatusInternalError {
		t.Errorf("close status = %v; want %v", websocket.CloseStatus(err), websocket.StatusInternalError)
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	closed := make(chan struct{})
	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		<-conn.CloseRead(context.Background()).Done()
		close(closed)
	})
	a := connectAgent(t, srv)

	for i := range 3 {
		if err := a.Close(); err != nil {
			t.Errorf("Close #%d: %v", i+1, err)
		}
	}
	if err := a.CreateResponse(context.Background()); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("CreateResponse after Close = %v; want ErrNotConnected", err)
	}
	if err := a.Connect(context.Background()); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("Connect after Close = %v; want ErrNotConnected", err)
	}

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw the close")
	}
}

func TestClose_BeforeConnect(t *testing.T) {
	t.Parallel()
	a := realtime.New("key", realtime.SessionConfig{})
	if err := a.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
