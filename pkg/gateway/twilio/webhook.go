package twilio

import (
	"net/url"
	"strings"

	twclient "github.com/twilio/twilio-go/client"
)

const SignatureHeader = "X-Twilio-Signature"

// ValidSignature reports whether signature matches a POST of form to fullURL.
func ValidSignature(authToken, fullURL string, form url.Values, signature string) bool {
	signature = strings.TrimSpace(signature)
	if authToken == "" || signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	validator := twclient.NewRequestValidator(authToken)
	return validator.Validate(fullURL, params, signature)
}
