// Package twilio speaks the Twilio side of a phone call: the Media Streams
// WebSocket framing, the TwiML that points a call at that WebSocket, and the
// webhook signature check.
//
// Audio on a media stream is 8 kHz G.711 mu-law, base64-encoded in JSON text
// frames. Payloads are passed through untouched; nothing in this package
// decodes audio.
package twilio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedFrame is returned when an inbound media-stream frame is not a
// JSON object with an "event" field.
var ErrMalformedFrame = errors.New("twilio: malformed frame")

// EventType is the "event" discriminator of a media-stream frame.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventMark      EventType = "mark"
	EventStop      EventType = "stop"
	EventClose     EventType = "close"
	EventDTMF      EventType = "dtmf"
	EventClear     EventType = "clear"
)

// Frame is one media-stream message in either direction. Only the section
// matching Event is populated.
type Frame struct {
	Event          EventType `json:"event"`
	StreamSid      string    `json:"streamSid,omitempty"`
	SequenceNumber string    `json:"sequenceNumber,omitempty"`

	Start *Start `json:"start,omitempty"`
	Media *Media `json:"media,omitempty"`
	Mark  *Mark  `json:"mark,omitempty"`
	Stop  *Stop  `json:"stop,omitempty"`
}

// Start is sent once per stream, before any media.
type Start struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the stream's audio encoding.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Media carries one chunk of audio.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"` // ms since stream start, as a decimal string
	Payload   string `json:"payload"`             // base64 mu-law
}

// TimestampMs parses Timestamp. ok is false when it is absent or not a
// number.
func (m *Media) TimestampMs() (ms int64, ok bool) {
	if m == nil || m.Timestamp == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Mark names a playback position.
type Mark struct {
	Name string `json:"name"`
}

// Stop ends the stream.
type Stop struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// StreamID returns the stream sid from the frame or its start section.
func (f *Frame) StreamID() string {
	if f.StreamSid != "" {
		return f.StreamSid
	}
	if f.Start != nil {
		return f.Start.StreamSid
	}
	return ""
}

// CustomParameter returns a <Parameter> value passed through TwiML, or "".
func (f *Frame) CustomParameter(name string) string {
	if f.Start == nil {
		return ""
	}
	return f.Start.CustomParameters[name]
}

// DecodeFrame parses one inbound frame. Unknown event types decode fine and
// are left for the caller to ignore.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return f, nil
}

// ── Outbound ──────────────────────────────────────────────────────────────────

// MediaFrame builds the frame that plays payload to the caller.
func MediaFrame(streamSid, payload string) Frame {
	return Frame{Event: EventMedia, StreamSid: streamSid, Media: &Media{Payload: payload}}
}

// MarkFrame builds a playback mark.
func MarkFrame(streamSid, name string) Frame {
	return Frame{Event: EventMark, StreamSid: streamSid, Mark: &Mark{Name: name}}
}

// ClearFrame builds the frame that drops all audio queued for playback.
func ClearFrame(streamSid string) Frame {
	return Frame{Event: EventClear, StreamSid: streamSid}
}
