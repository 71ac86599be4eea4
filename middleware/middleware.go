// Package middleware adapts the limiter and the risk gate to net/http. The
// application's router composes these in front of its handlers; the
// subsystem itself stays HTTP-agnostic.
package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/provdir/shield/limiter"
	"github.com/provdir/shield/riskgate"
)

// Response headers forming the client contract. Degraded admissions are
// indistinguishable from normal ones to end users except for the
// informational degraded header aimed at operators and capable clients.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderDegraded  = "X-Shield-Degraded"

	// HeaderEvidence carries the risk-challenge evidence token on
	// risk-sensitive writes.
	HeaderEvidence = "X-Risk-Token"

	// AnonymousKey identifies requests with no resolvable principal.
	AnonymousKey = "anonymous"
)

// KeyFunc derives the rate-limited principal from a request. Identity
// resolution lives in the application; this package only supplies a
// reasonable default.
type KeyFunc func(r *http.Request) string

// DefaultKeyFunc prefers an authenticated principal header, then the first
// hop of X-Forwarded-For when the deployment trusts it, then the source
// address, then the anonymous marker.
func DefaultKeyFunc(principalHeader string, trustForwardedFor bool) KeyFunc {
	return func(r *http.Request) string {
		if principalHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(principalHeader)); v != "" {
				return "user:" + v
			}
		}
		if trustForwardedFor {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
					return "ip:" + first
				}
			}
		}
		if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil && host != "" {
			return "ip:" + host
		}
		return AnonymousKey
	}
}

// RateLimit enforces the named spec on every request. Rejections end the
// request with 429, Retry-After and remaining=0; degraded decisions pass
// through annotated with the degraded header.
func RateLimit(lim *limiter.Limiter, specName string, keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = DefaultKeyFunc("", false)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dec, err := lim.Check(r.Context(), specName, keyFn(r))
			if err != nil {
				// Unknown spec or empty key is a wiring bug, not load.
				log.Error().Err(err).Str("spec", specName).Msg("rate limit check misconfigured")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			if dec.Degraded {
				w.Header().Set(HeaderDegraded, "limiter")
			} else {
				w.Header().Set(HeaderRemaining, strconv.FormatInt(dec.Remaining, 10))
				w.Header().Set(HeaderReset, strconv.FormatInt(dec.ResetAt.Unix(), 10))
			}

			if !dec.Allowed {
				secs := int64(dec.RetryAfter.Seconds())
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RiskGate screens risk-sensitive writes through the scoring service. The
// evidence token travels in the evidence header; action names the protected
// operation for per-action thresholds. A deny yields a response distinct
// from quota rejection so clients can react differently, e.g. by redoing
// the challenge.
func RiskGate(gate *riskgate.Gate, action string, keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = DefaultKeyFunc("", false)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := gate.Evaluate(r.Context(), r.Header.Get(HeaderEvidence), keyFn(r), action)
			if err != nil {
				// Configuration errors fail loudly per contract.
				log.Error().Err(err).Str("action", action).Msg("risk gate misconfigured")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			if res.Degraded {
				w.Header().Set(HeaderDegraded, "risk")
			}
			if res.Decision == riskgate.Deny {
				http.Error(w, "blocked: suspicious activity", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
