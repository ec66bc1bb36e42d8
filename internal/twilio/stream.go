package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/coder/websocket"
)

// Stream is one accepted media-stream WebSocket.
//
// Receive must be called from a single goroutine. The senders and Close are
// safe for concurrent use.
type Stream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps an accepted connection.
func NewStream(conn *websocket.Conn) *Stream {
	return &Stream{conn: conn}
}

// Receive reads the next frame. Malformed frames yield an error wrapping
// [ErrMalformedFrame] and leave the stream usable. Errors caused by the call
// ending satisfy [IsClosed].
func (s *Stream) Receive(ctx context.Context) (Frame, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("twilio: read: %w", err)
	}
	if typ != websocket.MessageText {
		return Frame{}, fmt.Errorf("%w: binary message", ErrMalformedFrame)
	}
	return DecodeFrame(data)
}

// Send writes f as one text frame.
func (s *Stream) Send(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("twilio: marshal: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("twilio: write %s: %w", f.Event, err)
	}
	return nil
}

// SendMedia plays a base64 mu-law payload to the caller.
func (s *Stream) SendMedia(ctx context.Context, streamSid, payload string) error {
	return s.Send(ctx, MediaFrame(streamSid, payload))
}

// SendMark queues a playback mark after the media sent so far.
func (s *Stream) SendMark(ctx context.Context, streamSid, name string) error {
	return s.Send(ctx, MarkFrame(streamSid, name))
}

// SendClear drops any audio Twilio still has queued for playback.
func (s *Stream) SendClear(ctx context.Context, streamSid string) error {
	return s.Send(ctx, ClearFrame(streamSid))
}

// Close closes the WebSocket with a normal closure. Only the first call has
// an effect.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		err := s.conn.Close(websocket.StatusNormalClosure, "call ended")
		if err != nil && !IsClosed(err) {
			s.closeErr = fmt.Errorf("twilio: close: %w", err)
		}
	})
	return s.closeErr
}

// IsClosed reports whether err only means that the stream has ended: a close
// frame from Twilio, a cancelled context or an already closed connection.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.CloseStatus(err) != -1
}
