package mw

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-phone/pkg/core"
	"github.com/vango-go/vai-phone/pkg/gateway/auth"
	"github.com/vango-go/vai-phone/pkg/gateway/config"
	"github.com/vango-go/vai-phone/pkg/gateway/ratelimit"
)

// RateLimit throttles the operator control API. Provider callbacks and the media stream
// are exempt; call admission is bounded by the session registry instead.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := providerPaths[r.URL.Path]; ok || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.AcquireRequest(callerKey(r, cfg.TrustProxyHeaders), time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			e := core.NewCapacityError("rate limit exceeded", dec.RetryAfter)
			e.Code = "rate_limited"
			e.RequestID = reqID
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			writeJSONError(w, http.StatusTooManyRequests, e)
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}

func callerKey(r *http.Request, trustProxyHeaders bool) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok && strings.TrimSpace(p.APIKey) != "" {
		return ratelimit.PrincipalKeyFromAPIKey(p.APIKey)
	}
	if ip := clientIP(r, trustProxyHeaders); ip != "" {
		return ratelimit.PrincipalKeyFromIP(ip)
	}
	return "anonymous"
}

func clientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
			// Left-most entry is the original client.
			if ip := parseIP(strings.Split(raw, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	return parseIP(r.RemoteAddr)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
