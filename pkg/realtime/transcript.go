package realtime

import (
	"cmp"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/avabridge/pkg/conversation"
)

// itemEntry is the per-item bookkeeping kept between the first event that
// mentions an item and the event that completes it.
type itemEntry struct {
	role      conversation.Role
	roleKnown bool
	buf       strings.Builder
	open      bool   // buf holds text that has not been turned into a turn yet
	seq       uint64 // arrival order, used when flushing at teardown
}

// transcriber turns realtime events into conversation turns.
type transcriber struct {
	mu    sync.Mutex
	conv  *conversation.State
	items map[string]*itemEntry
	seq   uint64
}

func newTranscriber(conv *conversation.State) *transcriber {
	return &transcriber{conv: conv, items: make(map[string]*itemEntry)}
}

// entry returns the entry for id, creating it if needed. Caller holds t.mu.
func (t *transcriber) entry(id string) *itemEntry {
	e, ok := t.items[id]
	if !ok {
		t.seq++
		e = &itemEntry{seq: t.seq}
		t.items[id] = e
	}
	return e
}

// learnRole records an explicit role for id. Caller holds t.mu.
func (t *transcriber) learnRole(id string, role string) *itemEntry {
	e := t.entry(id)
	if role != "" {
		e.role = conversation.ParseRole(role)
		e.roleKnown = true
	}
	return e
}

// roleFor resolves the role of id, preferring the event's own item role.
// Caller holds t.mu.
func (t *transcriber) roleFor(id string, ev *Event, fallback conversation.Role) conversation.Role {
	if ev.Item != nil && ev.Item.Role != "" {
		return conversation.ParseRole(ev.Item.Role)
	}
	if e, ok := t.items[id]; ok && e.roleKnown {
		return e.role
	}
	return fallback
}

// buffered returns the pending text of id, or "". Caller holds t.mu.
func (t *transcriber) buffered(id string) string {
	if e, ok := t.items[id]; ok && e.open {
		return e.buf.String()
	}
	return ""
}

// bufferDelta appends delta to id's buffer. Caller holds t.mu.
func (t *transcriber) bufferDelta(id string, delta string, role conversation.Role) {
	e := t.entry(id)
	if !e.roleKnown {
		e.role = role
		e.roleKnown = true
	}
	e.buf.WriteString(delta)
	e.open = true
}

// record applies one event to the transcript. For a completed caller
// transcription it returns the text that was resolved for the turn, wherever
// in the event or the delta buffer it was found.
func (t *transcriber) record(ev *Event) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := ev.ResolvedItemID()

	switch ev.Kind {
	case KindItemCreated:
		if id == "" {
			return ""
		}
		var role string
		if ev.Item != nil {
			role = ev.Item.Role
		}
		e := t.learnRole(id, role)
		e.buf.Reset()
		e.open = false

	case KindItemCompleted:
		if id == "" {
			return ""
		}
		var role string
		if ev.Item != nil {
			role = ev.Item.Role
		}
		if e := t.learnRole(id, role); !e.open {
			delete(t.items, id)
		}

	case KindInputTranscriptionDelta:
		if ev.Delta == "" {
			return ""
		}
		if id == "" {
			t.conv.Append(conversation.RoleUser, ev.Delta)
			return ""
		}
		t.bufferDelta(id, ev.Delta, conversation.RoleUser)

	case KindInputTranscriptionCompleted:
		role := t.roleFor(id, ev, conversation.RoleUser)
		text := firstNonBlank(ev.Transcript, ev.Text, ev.Item.firstText(), legacyTranscription(ev.Transcriptions))
		if text == "" && id != "" {
			text = t.buffered(id)
		}
		t.conv.Add(role, text)
		if id != "" {
			delete(t.items, id)
		}
		return text

	case KindTextDelta:
		if ev.Delta == "" {
			return ""
		}
		if id == "" {
			t.conv.Append(conversation.RoleAssistant, ev.Delta)
			return ""
		}
		t.bufferDelta(id, ev.Delta, conversation.RoleAssistant)

	case KindTextDone:
		role := t.roleFor(id, ev, conversation.RoleAssistant)
		text := ev.Text
		if strings.TrimSpace(text) == "" && id != "" {
			text = t.buffered(id)
		}
		t.conv.Add(role, text)
		if id != "" {
			delete(t.items, id)
		}

	case KindAudioTranscriptDone:
		t.conv.Add(conversation.RoleAssistant, ev.Transcript)
	}
	return ""
}

// flush turns every still-open buffer into a turn, in arrival order, and
// empties the index.
func (t *transcriber) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := make([]*itemEntry, 0, len(t.items))
	for _, e := range t.items {
		if e.open {
			pending = append(pending, e)
		}
	}
	slices.SortFunc(pending, func(a, b *itemEntry) int { return cmp.Compare(a.seq, b.seq) })
	for _, e := range pending {
		role := conversation.RoleUser
		if e.roleKnown {
			role = e.role
		}
		t.conv.Add(role, e.buf.String())
	}
	clear(t.items)
}

// pendingItems returns the number of indexed items. Used in tests.
func (t *transcriber) pendingItems() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func firstNonBlank(candidates ...string) string {
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" {
			return c
		}
	}
	return ""
}

func legacyTranscription(ts []Transcription) string {
	for _, t := range ts {
		if strings.TrimSpace(t.Text) != "" {
			return t.Text
		}
	}
	return ""
}
