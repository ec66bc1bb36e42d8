// Package conversation holds the ordered transcript of a single phone call.
//
// A [State] is created empty when a call starts, mutated by the realtime
// agent while it processes endpoint events, and read by the summarizer once
// the call is over. Consecutive fragments spoken by the same role are merged
// into one [Turn] so that a single utterance never ends up split across many
// turns.
//
// All methods on State are safe for concurrent use.
package conversation

import (
	"strings"
	"sync"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ParseRole maps a wire role string to a [Role]. Anything that is not
// "assistant" is attributed to the caller.
func ParseRole(s string) Role {
	if Role(s) == RoleAssistant {
		return RoleAssistant
	}
	return RoleUser
}

// Turn is one speaker turn.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// State is the append-only list of turns for one call.
type State struct {
	mu    sync.Mutex
	turns []Turn
}

// New returns an empty State.
func New() *State {
	return &State{}
}

// Add appends a new turn with the trimmed text. Blank text is ignored.
// It returns the index of the new turn, or -1 when nothing was added.
func (s *State) Add(role Role, text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(role, text)
}

func (s *State) addLocked(role Role, text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return -1
	}
	s.turns = append(s.turns, Turn{Role: role, Content: text})
	return len(s.turns) - 1
}

// Append concatenates delta onto the last turn when it belongs to role.
// Otherwise it starts a new turn, so roles are never merged. Deltas are kept
// verbatim (inner whitespace matters when a word is split across fragments).
func (s *State) Append(role Role, delta string) {
	if delta == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.turns); n > 0 && s.turns[n-1].Role == role {
		s.turns[n-1].Content += delta
		return
	}
	s.addLocked(role, delta)
}

// Len returns the number of turns.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Turns returns a copy of all turns in chronological order.
func (s *State) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Last returns the most recent turn and true, or a zero Turn and false when
// the conversation is empty.
func (s *State) Last() (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}

// Plaintext renders the transcript as "role: content" lines.
func (s *State) Plaintext() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sb strings.Builder
	for i, t := range s.turns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(string(t.Role))
		sb.WriteString(": ")
		sb.WriteString(t.Content)
	}
	return sb.String()
}
