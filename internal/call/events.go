package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/avabridge/internal/observe"
	"github.com/MrWong99/avabridge/pkg/realtime"
)

// handleEvent reacts to one realtime event. The drain goroutine calls it
// sequentially, after the event was recorded into the transcript.
func (s *Session) handleEvent(ctx context.Context, ev realtime.Event) error {
	switch ev.Kind {
	case realtime.KindAudioDelta:
		return s.onAudioDelta(ctx, &ev)
	case realtime.KindSpeechStarted:
		return s.onSpeechStarted(ctx, &ev)
	case realtime.KindSpeechStopped:
		return s.onSpeechStopped(ctx, &ev)
	case realtime.KindInputTranscriptionCompleted:
		return s.onTranscription(ctx, &ev)
	case realtime.KindError:
		s.onError(ctx, &ev)
	case realtime.KindOutputItemDone:
		if ev.Item != nil && ev.Item.Type == "function_call" {
			s.log().Warn("unhandled function call", "name", ev.Item.Name, "item_id", ev.Item.ID)
		}
	}
	return nil
}

// onAudioDelta plays one chunk of assistant audio, followed by a mark.
func (s *Session) onAudioDelta(ctx context.Context, ev *realtime.Event) error {
	if ev.Delta == "" {
		return nil
	}
	itemID := ev.ResolvedItemID()

	s.mu.Lock()
	streamSid := s.streamSid
	if streamSid == "" {
		s.mu.Unlock()
		return nil
	}
	if itemID != "" && itemID != s.lastAssistantItem {
		// A new assistant item starts a new playback span.
		s.lastAssistantItem = itemID
		s.responseStarted = false
	}
	if !s.responseStarted {
		s.responseStarted = true
		s.responseStartMs = s.latestMs
	}
	s.mu.Unlock()

	if err := s.stream.SendMedia(ctx, streamSid, ev.Delta); err != nil {
		return fmt.Errorf("call: play audio: %w", err)
	}
	if err := s.stream.SendMark(ctx, streamSid, MarkName); err != nil {
		return fmt.Errorf("call: send mark: %w", err)
	}
	return nil
}

// onSpeechStarted interrupts assistant playback if any, then opens the
// pending-audio window.
func (s *Session) onSpeechStarted(ctx context.Context, ev *realtime.Event) error {
	var (
		interrupt bool
		itemID    string
		elapsed   int64
	)

	s.mu.Lock()
	agent, streamSid := s.agent, s.streamSid
	if streamSid != "" && s.lastAssistantItem != "" && s.responseStarted {
		interrupt = true
		itemID = s.lastAssistantItem
		elapsed = max(0, s.latestMs-s.responseStartMs)
		s.lastAssistantItem = ""
		s.responseStarted = false
		s.responseStartMs = 0
	}
	if !s.pendingAudio {
		s.pendingAudio = true
		s.pendingStartMs = s.latestMs
	}
	s.markPendingLocked(ev.ResolvedItemID())
	s.mu.Unlock()

	if !interrupt {
		return nil
	}
	s.log().Info("caller barged in", "item_id", itemID, "audio_end_ms", elapsed)
	s.metrics.RecordBargeIn(ctx)

	var errs []error
	if err := agent.Truncate(ctx, itemID, elapsed); err != nil {
		errs = append(errs, fmt.Errorf("call: truncate: %w", err))
	}
	if err := s.stream.SendClear(ctx, streamSid); err != nil {
		errs = append(errs, fmt.Errorf("call: clear playback: %w", err))
	}
	return errors.Join(errs...)
}

// onSpeechStopped commits the caller's utterance.
func (s *Session) onSpeechStopped(ctx context.Context, ev *realtime.Event) error {
	s.mu.Lock()
	agent := s.agent
	s.pendingAudio = false
	s.pendingStartMs = 0
	s.markPendingLocked(ev.ResolvedItemID())
	s.mu.Unlock()

	if err := agent.CommitAudio(ctx); err != nil {
		return fmt.Errorf("call: commit: %w", err)
	}
	s.metrics.RecordCommit(ctx, observe.CommitEndpointVAD)
	return nil
}

// onTranscription asks for a reply to a finished caller utterance, at most
// once per item. The agent has already resolved the text into Transcript.
// Transcripts shorter than MinTranscriptChars are noise.
func (s *Session) onTranscription(ctx context.Context, ev *realtime.Event) error {
	text := ev.Transcript
	if text == "" {
		text = ev.Text
	}
	text = strings.TrimSpace(text)
	itemID := ev.ResolvedItemID()

	if n := utf8.RuneCountInString(text); n < s.cfg.MinTranscriptChars {
		s.log().Debug("transcript too short, not responding", "item_id", itemID, "runes", n)
		return nil
	}

	s.mu.Lock()
	agent := s.agent
	_, done := s.respondedItems[itemID]
	s.mu.Unlock()
	if itemID != "" && done {
		return nil
	}

	if err := agent.CreateResponse(ctx); err != nil {
		return fmt.Errorf("call: create response: %w", err)
	}
	s.metrics.RecordResponse(ctx)

	if itemID != "" {
		s.mu.Lock()
		delete(s.pendingItems, itemID)
		s.respondedItems[itemID] = struct{}{}
		s.mu.Unlock()
	}
	s.log().Debug("response requested", "item_id", itemID)
	return nil
}

func (s *Session) onError(ctx context.Context, ev *realtime.Event) {
	var code, msg string
	if ev.Error != nil {
		code = ev.Error.Code
		if code == "" {
			code = ev.Error.Type
		}
		msg = ev.Error.Message
	}
	s.log().Error("realtime error event", "code", code, "message", msg)
	s.metrics.RecordRealtimeError(ctx, code)
}

// markPendingLocked records a caller item that has not been answered yet.
// s.mu must be held.
func (s *Session) markPendingLocked(itemID string) {
	if itemID == "" {
		return
	}
	if _, ok := s.respondedItems[itemID]; ok {
		return
	}
	s.pendingItems[itemID] = struct{}{}
}
