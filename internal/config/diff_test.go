package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/avabridge/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Realtime: config.RealtimeConfig{APIKey: "sk", Model: "rt"},
		Summary: config.SummaryConfig{
			LLM: config.ProviderEntry{Name: "openai", Options: map[string]any{"seed": 1}},
		},
	}
	cfg.WithDefaults()
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v; want log level debug", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level should not need a restart: %v", d.RestartRequired)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.ConfigDiff) bool
	}{
		{"call tuning", func(c *config.Config) { c.Call.MaxUtterance = 5 * time.Second }, func(d config.ConfigDiff) bool { return d.CallChanged }},
		{"vad threshold", func(c *config.Config) { c.Call.VADThreshold = 0.1 }, func(d config.ConfigDiff) bool { return d.CallChanged }},
		{"voice", func(c *config.Config) { c.Realtime.Voice = "verse" }, func(d config.ConfigDiff) bool { return d.RealtimeChanged }},
		{"model", func(c *config.Config) { c.Realtime.Model = "rt2" }, func(d config.ConfigDiff) bool { return d.RealtimeChanged }},
		{"default tenant", func(c *config.Config) { c.Profile.DefaultTenantID = "acme" }, func(d config.ConfigDiff) bool { return d.DefaultTenantChanged }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !tt.check(d) {
				t.Errorf("change not detected: %+v", d)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("unexpected restart sections %v", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		section string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9000" }, "server"},
		{"tls", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "a", KeyFile: "b"} }, "server"},
		{"api key", func(c *config.Config) { c.Realtime.APIKey = "sk2" }, "realtime"},
		{"summary option", func(c *config.Config) { c.Summary.LLM.Options["seed"] = 2 }, "summary"},
		{"fallback", func(c *config.Config) {
			c.Summary.Fallbacks = append(c.Summary.Fallbacks, config.ProviderEntry{Name: "ollama"})
		}, "summary"},
		{"profile api", func(c *config.Config) { c.Profile.APIBase = "https://p.example.com" }, "profile"},
		{"smtp", func(c *config.Config) { c.Email.Server = "smtp.example.com" }, "email"},
		{"dsn", func(c *config.Config) { c.Database.PostgresDSN = "postgres://x" }, "database"},
		{"twilio", func(c *config.Config) { c.Twilio.AuthToken = "tw" }, "twilio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tt.section) {
				t.Errorf("RestartRequired = %v; want %s", d.RestartRequired, tt.section)
			}
			if !d.Changed() {
				t.Error("Changed() = false")
			}
		})
	}
}
