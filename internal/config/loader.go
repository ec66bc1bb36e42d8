package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the completion backends the registry knows.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	cfg, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// An empty document yields an empty config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// Resolve builds the effective configuration: the YAML file at path (skipped
// when path is empty), then the environment overlay read through lookup, then
// defaults. Validation runs once, on the result.
func Resolve(path string, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = decodeFile(path); err != nil {
			return nil, err
		}
	}
	return finish(cfg, lookup)
}

// ResolveReader is [Resolve] for an in-memory document.
func ResolveReader(r io.Reader, lookup LookupFunc) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	return finish(cfg, lookup)
}

func finish(cfg *Config, lookup LookupFunc) (*Config, error) {
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	cfg.WithDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if raw := cfg.Server.PublicBaseURL; raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || !slices.Contains([]string{"http", "https", "ws", "wss"}, u.Scheme) {
			errs = append(errs, fmt.Errorf("server.public_base_url %q must be an absolute http(s) or ws(s) URL", raw))
		}
	}

	// Realtime
	if cfg.Realtime.SampleRateHz < 0 {
		errs = append(errs, fmt.Errorf("realtime.sample_rate_hz %d must not be negative", cfg.Realtime.SampleRateHz))
	}

	// Summary backends
	validateProviderName("summary.llm", cfg.Summary.LLM.Name)
	for i, fb := range cfg.Summary.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("summary.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName(fmt.Sprintf("summary.fallbacks[%d]", i), fb.Name)
	}
	if t := cfg.Summary.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("summary.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Summary.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("summary.max_tokens %d must not be negative", cfg.Summary.MaxTokens))
	}

	// Profile and database
	if cfg.Profile.UseDatabase && cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("profile.use_database requires database.postgres_dsn"))
	}
	if cfg.Database.Archive && cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("database.archive requires database.postgres_dsn"))
	}
	if cfg.Profile.APIBase != "" {
		if u, err := url.Parse(cfg.Profile.APIBase); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("profile.api_base %q is not an absolute URL", cfg.Profile.APIBase))
		}
	}

	// E-mail
	if p := cfg.Email.Port; p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("email.port %d is out of range [1, 65535]", p))
	}
	if cfg.Email.Recipient != "" && cfg.Email.Server == "" {
		slog.Warn("email.recipient is set but email.server is empty; summaries will only be logged")
	}

	// Twilio
	if cfg.Twilio.ValidateSignatures && cfg.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("twilio.validate_signatures requires twilio.auth_token"))
	}

	// Call tuning
	if v := cfg.Call.VADThreshold; v < 0 || v >= 1 {
		errs = append(errs, fmt.Errorf("call.vad_threshold %.3f is out of range [0, 1)", v))
	}
	if cfg.Call.MaxUtterance < 0 {
		errs = append(errs, fmt.Errorf("call.max_utterance %v must not be negative", cfg.Call.MaxUtterance))
	}
	if cfg.Call.MinTranscriptChars < 0 {
		errs = append(errs, fmt.Errorf("call.min_transcript_chars %d must not be negative", cfg.Call.MinTranscriptChars))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
