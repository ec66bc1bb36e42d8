package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEvent is returned when a frame from the endpoint cannot be
// decoded. Callers skip the frame and keep reading.
var ErrMalformedEvent = errors.New("realtime: malformed event")

// Kind is the closed set of server event kinds the bridge acts on. Every type
// string that is not listed maps to [KindUnknown], which callers must treat as
// a no-op.
type Kind int

const (
	KindUnknown Kind = iota

	// ── Conversation item lifecycle ──────────────────────────────────────────
	KindItemCreated
	KindItemCompleted

	// ── Caller speech ────────────────────────────────────────────────────────
	KindInputTranscriptionCompleted
	KindInputTranscriptionDelta
	KindSpeechStarted
	KindSpeechStopped

	// ── Assistant output ─────────────────────────────────────────────────────
	KindTextDelta
	KindTextDone
	KindAudioDelta
	KindAudioTranscriptDone
	KindOutputItemDone

	KindError
)

var kindNames = map[Kind]string{
	KindUnknown:                     "unknown",
	KindItemCreated:                 "item_created",
	KindItemCompleted:               "item_completed",
	KindInputTranscriptionCompleted: "input_transcription_completed",
	KindInputTranscriptionDelta:     "input_transcription_delta",
	KindSpeechStarted:               "speech_started",
	KindSpeechStopped:               "speech_stopped",
	KindTextDelta:                   "text_delta",
	KindTextDone:                    "text_done",
	KindAudioDelta:                  "audio_delta",
	KindAudioTranscriptDone:         "audio_transcript_done",
	KindOutputItemDone:              "output_item_done",
	KindError:                       "error",
}

// String returns a short label suitable for logs and metric attributes.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// eventKinds maps wire type strings to kinds. Older protocol revisions used
// different names for the same events; they are folded into the current
// kinds here so that the rest of the bridge only sees one vocabulary.
var eventKinds = map[string]Kind{
	"conversation.item.created":   KindItemCreated,
	"conversation.item.completed": KindItemCompleted,

	"conversation.item.input_audio_transcription.completed": KindInputTranscriptionCompleted,
	"input_audio_buffer.transcription.completed":            KindInputTranscriptionCompleted,
	"response.input_text.done":                              KindInputTranscriptionCompleted,

	"conversation.item.input_audio_transcription.delta": KindInputTranscriptionDelta,
	"input_audio_buffer.transcription.delta":            KindInputTranscriptionDelta,
	"response.input_text.delta":                         KindInputTranscriptionDelta,

	"input_audio_buffer.speech_started": KindSpeechStarted,
	"input_audio_buffer.speech_stopped": KindSpeechStopped,

	"response.text.delta":        KindTextDelta,
	"response.output_text.delta": KindTextDelta,
	"response.text.done":         KindTextDone,
	"response.output_text.done":  KindTextDone,

	"response.audio.delta":           KindAudioDelta,
	"response.audio_transcript.done": KindAudioTranscriptDone,
	"response.output_item.done":      KindOutputItemDone,

	"error": KindError,
}

// KindOf returns the kind for a wire type string.
func KindOf(eventType string) Kind {
	return eventKinds[eventType]
}

// ContentPart is one entry of an item's content array.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Item is the subset of a conversation item the bridge reads.
type Item struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Status  string        `json:"status,omitempty"`
	Name    string        `json:"name,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// firstText returns the first non-blank transcript or text of the item's
// content parts.
func (it *Item) firstText() string {
	if it == nil {
		return ""
	}
	for _, c := range it.Content {
		if strings.TrimSpace(c.Transcript) != "" {
			return c.Transcript
		}
		if strings.TrimSpace(c.Text) != "" {
			return c.Text
		}
	}
	return ""
}

// Transcription is an entry of the legacy "transcriptions" array.
type Transcription struct {
	Text string `json:"text"`
}

// ErrorDetail is the nested error object of an "error" event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// Event is a decoded server event. Kind is derived from Type; fields that the
// event type does not carry are left zero.
type Event struct {
	Kind Kind `json:"-"`

	Type         string `json:"type"`
	EventID      string `json:"event_id,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	ResponseID   string `json:"response_id,omitempty"`
	ContentIndex int    `json:"content_index,omitempty"`

	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Text       string `json:"text,omitempty"`

	AudioStartMs int64 `json:"audio_start_ms,omitempty"`
	AudioEndMs   int64 `json:"audio_end_ms,omitempty"`

	Item           *Item           `json:"item,omitempty"`
	Transcriptions []Transcription `json:"transcriptions,omitempty"`
	Error          *ErrorDetail    `json:"error,omitempty"`

	// Raw holds the undecoded frame.
	Raw json.RawMessage `json:"-"`
}

// ResolvedItemID returns ItemID, falling back to the nested item's id.
func (e *Event) ResolvedItemID() string {
	if e.ItemID != "" {
		return e.ItemID
	}
	if e.Item != nil {
		return e.Item.ID
	}
	return ""
}

// Decode parses one server frame. Frames without a "type" field are
// malformed; unrecognised types decode fine with Kind set to [KindUnknown].
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	ev.Kind = KindOf(ev.Type)
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}
