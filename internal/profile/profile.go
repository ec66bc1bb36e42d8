// Package profile resolves the persona a tenant's calls are answered with.
//
// A [Profile] holds the persona's identity, voice, topics and house rules.
// Profiles come from a [Source] (the tenant API over HTTP or the local
// PostgreSQL table); the [Loader] tries the configured sources in order and
// falls back to [Defaults] whenever none of them can answer, so that a call
// is never blocked by a profile lookup.
//
// [BuildSystemPrompt] renders a profile into the instructions of a realtime
// session and [Profile.Settings] derives the per-call [SessionSettings].
package profile

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Default persona values.
const (
	DefaultName        = "Ava"
	DefaultVoice       = "alloy"
	DefaultLanguage    = "fr-FR"
	DefaultTone        = "douce, calme et professionnelle"
	DefaultPersonality = "empathique, efficace, rassurante"
	DefaultGreeting    = "Bonjour et bienvenue. Je suis Ava, l'assistante personnelle de Nissiel Thomas. " +
		"Merci de m'indiquer votre prénom, votre nom ainsi que votre numéro de téléphone, " +
		"puis dites-moi comment je peux vous aider."
	DefaultFallbackBehavior = "Si une demande sort du périmètre, explique poliment que tu vas transmettre le message à Nissiel Thomas."
	DefaultSignatureStyle   = "chaleureuse et professionnelle"
	DefaultCustomRules      = "Toujours vérifier la langue de l’appelant (français, anglais ou hébreu) et t’y adapter. " +
		"Demander prénom, nom, numéro de téléphone et email, puis reformuler l’objet de l’appel. " +
		"Ne jamais promettre d’action : tu transmets les informations à Nissiel Thomas."
)

// Field length bounds enforced by [Profile.Validate].
const (
	minNameLen, maxNameLen         = 2, 40
	minVoiceLen, maxVoiceLen       = 2, 64
	minGreetingLen, maxGreetingLen = 8, 200
)

// Profile is the persona configuration for one tenant.
type Profile struct {
	TenantID         string   `json:"tenant_id,omitempty"`
	Name             string   `json:"name"`
	Voice            string   `json:"voice"`
	Language         string   `json:"language"`
	Tone             string   `json:"tone"`
	Personality      string   `json:"personality"`
	Greeting         string   `json:"greeting"`
	AllowedTopics    []string `json:"allowed_topics"`
	ForbiddenTopics  []string `json:"forbidden_topics"`
	CanTakeNotes     bool     `json:"can_take_notes"`
	CanSummarizeLive bool     `json:"can_summarize_live"`
	FallbackBehavior string   `json:"fallback_behavior"`
	SignatureStyle   string   `json:"signature_style"`
	CustomRules      string   `json:"custom_rules"`
}

// Defaults returns the built-in persona for tenantID.
func Defaults(tenantID string) *Profile {
	return &Profile{
		TenantID:    tenantID,
		Name:        DefaultName,
		Voice:       DefaultVoice,
		Language:    DefaultLanguage,
		Tone:        DefaultTone,
		Personality: DefaultPersonality,
		Greeting:    DefaultGreeting,
		AllowedTopics: []string{
			"prise de message",
			"coordination avec Nissiel Thomas",
			"collecte de coordonnées",
			"organisation de suivi",
		},
		ForbiddenTopics: []string{
			"promesses d'action directe",
			"conseils juridiques",
			"conseils médicaux",
			"discussions financières détaillées",
		},
		CanTakeNotes:     true,
		CanSummarizeLive: true,
		FallbackBehavior: DefaultFallbackBehavior,
		SignatureStyle:   DefaultSignatureStyle,
		CustomRules:      DefaultCustomRules,
	}
}

// Validate checks the length bounds of the identity fields. All violations
// are reported together.
func (p *Profile) Validate() error {
	var errs []error
	check := func(field, v string, lo, hi int) {
		if n := utf8.RuneCountInString(v); n < lo || n > hi {
			errs = append(errs, fmt.Errorf("profile: %s must be %d-%d characters, got %d", field, lo, hi, n))
		}
	}
	check("name", p.Name, minNameLen, maxNameLen)
	check("voice", p.Voice, minVoiceLen, maxVoiceLen)
	check("greeting", p.Greeting, minGreetingLen, maxGreetingLen)
	return errors.Join(errs...)
}

// TranscriptionLanguage returns the ISO-639-1 part of Language ("fr" for
// "fr-FR"), or "" when Language is empty.
func (p *Profile) TranscriptionLanguage() string {
	lang, _, _ := strings.Cut(strings.TrimSpace(p.Language), "-")
	return strings.ToLower(lang)
}

// Clone returns a deep copy of p.
func (p *Profile) Clone() *Profile {
	c := *p
	c.AllowedTopics = append([]string(nil), p.AllowedTopics...)
	c.ForbiddenTopics = append([]string(nil), p.ForbiddenTopics...)
	return &c
}
