// Package llm defines the Provider interface for text completion backends.
//
// The bridge only needs one-shot completions (the post-call summary), so a
// provider exposes a single blocking Complete call. Backends live in
// sub-packages: openai wraps the official OpenAI SDK, anyllm wraps
// any-llm-go for Anthropic, Gemini, Mistral, Ollama and friends.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single message in a completion request.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the message.
	Content string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional instruction placed before Messages.
	SystemPrompt string

	// Messages is the ordered conversation; the last one drives the reply.
	Messages []Message

	// Temperature controls randomness in [0.0, 2.0]. Zero leaves the
	// backend's default in place.
	Temperature float64

	// MaxTokens caps the completion length. Zero means backend default.
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content string
	Usage   Usage

	// Truncated is set when the backend stopped because it reached
	// MaxTokens rather than finishing the reply.
	Truncated bool
}

// FinishLength is the finish reason both OpenAI-compatible and any-llm
// backends report when a reply hit the token cap.
const FinishLength = "length"

// Provider is the abstraction over any completion backend.
type Provider interface {
	// Complete sends req and waits for the full reply. It returns promptly
	// when ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
