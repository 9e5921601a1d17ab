package webhook

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized means the trigger's credentials did not match the
// registration.
var ErrUnauthorized = errors.New("webhook: unauthorized")

// signatureHeader carries the shared secret for Signed webhooks.
const signatureHeader = "X-Webhook-Signature"

// authorize checks inbound headers against the config. All comparisons are
// constant-time; for Basic auth both fields are compared before the verdict
// so a wrong user costs the same as a wrong password.
func authorize(cfg Config, headers http.Header) error {
	switch cfg.Auth.Type {
	case AuthNone, "":
		return nil
	case AuthBasic:
		user, pass, ok := parseBasicAuth(headers.Get("Authorization"))
		if !ok {
			return ErrUnauthorized
		}
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.Auth.User))
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.Auth.Pass))
		if userOK&passOK != 1 {
			return ErrUnauthorized
		}
		return nil
	case AuthBearer:
		token, ok := parseBearer(headers.Get("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Auth.Token)) != 1 {
			return ErrUnauthorized
		}
		return nil
	case AuthSigned:
		sig := headers.Get(signatureHeader)
		if sig == "" || subtle.ConstantTimeCompare([]byte(sig), []byte(cfg.Auth.Token)) != 1 {
			return ErrUnauthorized
		}
		return nil
	default:
		return ErrUnauthorized
	}
}

func parseBasicAuth(header string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	return user, pass, true
}

func parseBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}
