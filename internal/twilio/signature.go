package twilio

import (
	"fmt"
	"net/http"

	"github.com/twilio/twilio-go/client"
)

// SignatureHeader carries Twilio's HMAC-SHA1 request signature.
const SignatureHeader = "X-Twilio-Signature"

// Validator checks webhook signatures against an account auth token.
type Validator struct {
	rv client.RequestValidator
}

// NewValidator returns a validator for authToken.
func NewValidator(authToken string) *Validator {
	return &Validator{rv: client.NewRequestValidator(authToken)}
}

// ValidateRequest reports whether r carries a valid signature for fullURL,
// the public URL Twilio was configured with (scheme, host, path and query).
// The request's form is parsed as a side effect.
func (v *Validator) ValidateRequest(r *http.Request, fullURL string) (bool, error) {
	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		return false, nil
	}
	if err := r.ParseForm(); err != nil {
		return false, fmt.Errorf("twilio: parse form: %w", err)
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vs := range r.PostForm {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return v.rv.Validate(fullURL, params, sig), nil
}
