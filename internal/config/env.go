package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Environment variables read by [ApplyEnv].
const (
	EnvAppPort             = "APP_PORT"
	EnvOpenAIAPIKey        = "OPENAI_API_KEY"
	EnvRealtimeModel       = "OPENAI_REALTIME_MODEL"
	EnvSummaryModel        = "OPENAI_SUMMARY_MODEL"
	EnvRealtimeVoice       = "AVA_REALTIME_VOICE"
	EnvSampleRateHz        = "AVA_SAMPLE_RATE_HZ"
	EnvPublicBaseURL       = "PUBLIC_BASE_URL"
	EnvDefaultTenantID     = "DEFAULT_TENANT_ID"
	EnvProfileAPIBase      = "AVA_PROFILE_API_BASE"
	EnvProfileServiceToken = "AVA_PROFILE_SERVICE_TOKEN"
	EnvSummaryEmail        = "SUMMARY_EMAIL"
	EnvSMTPServer          = "SMTP_SERVER"
	EnvSMTPPort            = "SMTP_PORT"
	EnvSMTPUseTLS          = "SMTP_USE_TLS"
	EnvSMTPUsername        = "SMTP_USERNAME"
	EnvSMTPPassword        = "SMTP_PASSWORD"
	EnvSMTPSender          = "SMTP_SENDER"
	EnvLogLevel            = "LOG_LEVEL"
	EnvDatabaseURL         = "DATABASE_URL"
	EnvTwilioAuthToken     = "TWILIO_AUTH_TOKEN"
)

// ApplyEnv overlays the environment on cfg. Unset or empty variables leave
// the file value alone. Malformed numbers and booleans are reported together.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	var errs []error
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := get(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
			return
		}
		*dst = n
	}

	if v, ok := get(EnvAppPort); ok {
		if port, err := strconv.Atoi(v); err != nil || port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("config: %s=%q is not a valid port", EnvAppPort, v))
		} else {
			cfg.Server.ListenAddr = ":" + v
		}
	}
	str(EnvPublicBaseURL, &cfg.Server.PublicBaseURL)
	if v, ok := get(EnvLogLevel); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}

	str(EnvOpenAIAPIKey, &cfg.Realtime.APIKey)
	str(EnvRealtimeModel, &cfg.Realtime.Model)
	str(EnvRealtimeVoice, &cfg.Realtime.Voice)
	num(EnvSampleRateHz, &cfg.Realtime.SampleRateHz)

	str(EnvSummaryModel, &cfg.Summary.LLM.Model)

	str(EnvDefaultTenantID, &cfg.Profile.DefaultTenantID)
	str(EnvProfileAPIBase, &cfg.Profile.APIBase)
	str(EnvProfileServiceToken, &cfg.Profile.ServiceToken)

	str(EnvSummaryEmail, &cfg.Email.Recipient)
	str(EnvSMTPServer, &cfg.Email.Server)
	num(EnvSMTPPort, &cfg.Email.Port)
	if v, ok := get(EnvSMTPUseTLS); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not a boolean", EnvSMTPUseTLS, v))
		} else {
			cfg.Email.ImplicitTLS = !b
		}
	}
	str(EnvSMTPUsername, &cfg.Email.Username)
	str(EnvSMTPPassword, &cfg.Email.Password)
	str(EnvSMTPSender, &cfg.Email.Sender)

	str(EnvDatabaseURL, &cfg.Database.PostgresDSN)
	str(EnvTwilioAuthToken, &cfg.Twilio.AuthToken)

	return errors.Join(errs...)
}
