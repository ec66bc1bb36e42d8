package twilio_test

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/MrWong99/avabridge/internal/twilio"
)

// sign computes the signature Twilio sends for a form POST.
func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newTwimlRequest(form url.Values, sig string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/twiml", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sig != "" {
		r.Header.Set(twilio.SignatureHeader, sig)
	}
	return r
}

func TestValidator_ValidateRequest(t *testing.T) {
	t.Parallel()

	const (
		token   = "secret-token"
		fullURL = "https://ava.example.com/twiml"
	)
	form := url.Values{"CallSid": {"CA123"}, "From": {"+33600000000"}, "To": {"+33100000000"}}
	v := twilio.NewValidator(token)

	tests := []struct {
		name string
		sig  string
		want bool
	}{
		{"valid", sign(token, fullURL, form), true},
		{"wrong token", sign("other", fullURL, form), false},
		{"wrong url", sign(token, "https://evil.example.com/twiml", form), false},
		{"missing", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ok, err := v.ValidateRequest(newTwimlRequest(form, tt.sig), fullURL)
			if err != nil {
				t.Fatalf("ValidateRequest: %v", err)
			}
			if ok != tt.want {
				t.Errorf("ValidateRequest = %v; want %v", ok, tt.want)
			}
		})
	}
}
