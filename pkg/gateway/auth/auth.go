package auth

import (
	"context"
	"net/http"
	"strings"
)

// Principal is the authenticated operator behind a control-plane request.
type Principal struct {
	APIKey string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(authz) < len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authz[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// TokenFromRequest reads the bearer token, falling back to the access_token query
// parameter for websocket upgrades since browsers cannot set headers on them.
func TokenFromRequest(r *http.Request) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	if !IsWebSocketUpgrade(r) {
		return "", false
	}
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	return token, token != ""
}

func IsWebSocketUpgrade(r *http.Request) bool {
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
