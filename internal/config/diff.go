package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CallChanged is set when per-call tuning changed. New calls pick it up.
	CallChanged bool

	// RealtimeChanged is set when the model, transcription model or default
	// voice changed. New calls pick it up.
	RealtimeChanged bool

	// DefaultTenantChanged is set when profile.default_tenant_id changed.
	DefaultTenantChanged bool

	// RestartRequired lists the top-level sections whose changes are ignored
	// until the process restarts.
	RestartRequired []string
}

// Changed reports whether anything at all differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CallChanged || d.RealtimeChanged ||
		d.DefaultTenantChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.CallChanged = old.Call != new.Call

	ort, nrt := old.Realtime, new.Realtime
	d.RealtimeChanged = ort.Model != nrt.Model ||
		ort.TranscriptionModel != nrt.TranscriptionModel ||
		ort.Voice != nrt.Voice ||
		ort.SampleRateHz != nrt.SampleRateHz
	d.DefaultTenantChanged = old.Profile.DefaultTenantID != new.Profile.DefaultTenantID

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.PublicBaseURL != new.Server.PublicBaseURL ||
		!sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if ort.APIKey != nrt.APIKey || ort.BaseURL != nrt.BaseURL {
		d.RestartRequired = append(d.RestartRequired, "realtime")
	}
	if !reflect.DeepEqual(old.Summary, new.Summary) {
		d.RestartRequired = append(d.RestartRequired, "summary")
	}
	op, np := old.Profile, new.Profile
	if op.APIBase != np.APIBase || op.ServiceToken != np.ServiceToken || op.UseDatabase != np.UseDatabase || op.Timeout != np.Timeout {
		d.RestartRequired = append(d.RestartRequired, "profile")
	}
	if old.Email != new.Email {
		d.RestartRequired = append(d.RestartRequired, "email")
	}
	if old.Database != new.Database {
		d.RestartRequired = append(d.RestartRequired, "database")
	}
	if old.Twilio != new.Twilio {
		d.RestartRequired = append(d.RestartRequired, "twilio")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
