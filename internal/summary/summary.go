// Package summary turns a finished call transcript into a short French
// summary for the account owner.
//
// [Summarizer] is the seam the call session depends on; [LLMSummarizer] is
// the production implementation on top of any [llm.Provider].
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/avabridge/pkg/conversation"
	"github.com/MrWong99/avabridge/pkg/provider/llm"
)

// SystemPrompt is sent as the system message of every summary request.
const SystemPrompt = "Tu es Ava, une secrétaire IA professionnelle. Tu vas résumer un appel " +
	"téléphonique en français. Produis un résumé concis (3 à 5 phrases) qui " +
	"couvre : le motif de l'appel, les informations clés échangées, les " +
	"actions ou suivis éventuels. Utilise un ton poli et professionnel."

const (
	// DefaultTemperature keeps summaries factual.
	DefaultTemperature = 0.3

	// DefaultMaxTokens caps the summary length.
	DefaultMaxTokens = 400

	historyHeader  = "Historique de l'appel :"
	emptyHistory   = "Aucun échange enregistré."
	metadataHeader = "Métadonnées disponibles :"
)

// ErrEmptySummary is returned when the backend answers with blank text.
var ErrEmptySummary = errors.New("summary: backend returned an empty summary")

// Meta is one labelled line of call metadata passed alongside the transcript.
type Meta struct {
	Key   string
	Value string
}

// Summarizer produces the post-call summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcript *conversation.State, meta []Meta) (string, error)
}

// Option configures an [LLMSummarizer].
type Option func(*LLMSummarizer)

// WithTemperature overrides [DefaultTemperature].
func WithTemperature(t float64) Option {
	return func(s *LLMSummarizer) { s.temperature = t }
}

// WithMaxTokens overrides [DefaultMaxTokens]. Non-positive values are ignored.
func WithMaxTokens(n int) Option {
	return func(s *LLMSummarizer) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *LLMSummarizer) { s.logger = l }
}

// LLMSummarizer asks an LLM for the summary.
type LLMSummarizer struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
	logger      *slog.Logger
}

var _ Summarizer = (*LLMSummarizer)(nil)

// NewLLMSummarizer creates an [LLMSummarizer] backed by provider.
func NewLLMSummarizer(provider llm.Provider, opts ...Option) *LLMSummarizer {
	s := &LLMSummarizer{
		llm:         provider,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summarize returns the trimmed summary. An empty transcript is still sent so
// the recipient learns that the call carried no exchange.
func (s *LLMSummarizer) Summarize(ctx context.Context, transcript *conversation.State, meta []Meta) (string, error) {
	prompt := BuildPrompt(transcript, meta)
	turns := 0
	if transcript != nil {
		turns = transcript.Len()
	}
	s.logger.Debug("requesting call summary", "turns", turns, "prompt_chars", len(prompt))

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: SystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summary: complete: %w", err)
	}
	if resp == nil {
		return "", ErrEmptySummary
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", ErrEmptySummary
	}
	if resp.Truncated {
		s.logger.Warn("call summary hit the token limit", "max_tokens", s.maxTokens, "completion_tokens", resp.Usage.CompletionTokens)
	}
	return out, nil
}

// BuildPrompt renders the user message: the transcript (or a placeholder)
// followed by one "- key: value" line per metadata entry.
func BuildPrompt(transcript *conversation.State, meta []Meta) string {
	var b strings.Builder
	b.WriteString(historyHeader)
	b.WriteByte('\n')

	text := ""
	if transcript != nil {
		text = transcript.Plaintext()
	}
	if text == "" {
		text = emptyHistory
	}
	b.WriteString(text)

	if len(meta) > 0 {
		b.WriteString("\n\n")
		b.WriteString(metadataHeader)
		for _, m := range meta {
			fmt.Fprintf(&b, "\n- %s: %s", m.Key, m.Value)
		}
	}
	return b.String()
}
