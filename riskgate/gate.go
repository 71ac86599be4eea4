// Package riskgate fronts the external risk-scoring service used on
// risk-sensitive write endpoints. A client submits an evidence token, the
// service exchanges it for a suspicion score in [0,1] (lower is more
// suspicious), and the gate compares the score against a configurable
// threshold.
//
// The service being unreachable is an expected condition with an explicit
// policy: fail-open routes the request through a separate, tighter fallback
// quota instead of waving everything through, while fail-closed denies until
// the service recovers. The gate never takes the whole application down.
package riskgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/provdir/shield/degrade"
	"github.com/provdir/shield/limiter"
)

const defaultTimeout = 2 * time.Second

// ErrMissingSecret is returned when the gate is evaluated without a
// configured service secret. Misconfiguration fails loudly at first use
// instead of silently degrading.
var ErrMissingSecret = errors.New("riskgate: risk service secret not configured")

// Mode selects the degradation policy applied when the scoring service is
// unreachable or returns garbage.
type Mode int

const (
	// FailOpen admits requests that pass the fallback quota, flagged as
	// degraded.
	FailOpen Mode = iota
	// FailClosed denies every request while the service is unreachable.
	FailClosed
)

// Decision is the gate's verdict.
type Decision int

const (
	Deny Decision = iota
	Allow
	// AllowDegraded admits without a score because the scoring service was
	// unavailable and the fallback quota still had room.
	AllowDegraded
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case AllowDegraded:
		return "allow_degraded"
	default:
		return "deny"
	}
}

// Result carries the decision plus the context operators need to tell "many
// bots" from "dependency outage".
type Result struct {
	Decision Decision
	// Score is the service's suspicion score; meaningful only for scored
	// decisions.
	Score float64
	// Reason labels why a request was denied or degraded: "low_score",
	// "invalid_token", "missing_evidence", "fallback_quota", "fail_closed".
	Reason string
	// Degraded is set whenever the decision was made without a score.
	Degraded bool
}

// verifyResponse is the scoring service's wire contract.
type verifyResponse struct {
	Success bool    `json:"success"`
	Score   float64 `json:"score"`
	Action  string  `json:"action"`
}

// Gate evaluates evidence tokens against the scoring service.
type Gate struct {
	endpoint   string
	secret     string
	mode       Mode
	minScore   float64
	thresholds map[string]float64

	client       *http.Client
	fallback     *limiter.Limiter
	fallbackSpec string
	coord        *degrade.Coordinator

	allows        atomic.Int64
	allowDegraded atomic.Int64
	denyLowScore  atomic.Int64
	denyNoToken   atomic.Int64
	denyFallback  atomic.Int64
	denyClosed    atomic.Int64
	depFailures   atomic.Int64
}

// Option configures a Gate.
type Option func(*Gate)

// WithMode sets the degradation policy. Defaults to FailOpen.
func WithMode(m Mode) Option {
	return func(g *Gate) { g.mode = m }
}

// WithTimeout bounds the scoring call. Defaults to 2s and must stay below
// the enclosing request's timeout budget.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.client.Timeout = d
		}
	}
}

// WithMinScore sets the default score threshold. Defaults to 0.5.
func WithMinScore(min float64) Option {
	return func(g *Gate) {
		if min >= 0 && min <= 1 {
			g.minScore = min
		}
	}
}

// WithActionThreshold sets a per-action threshold overriding the default,
// e.g. a stricter bar for account mutations than for searches.
func WithActionThreshold(action string, min float64) Option {
	return func(g *Gate) {
		if action != "" && min >= 0 && min <= 1 {
			g.thresholds[action] = min
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client. Tests use this
// together with httptest servers.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gate) {
		if c != nil {
			g.client = c
		}
	}
}

// New creates a Gate. The fallback limiter and spec name implement the
// fail-open quota; the spec is deliberately independent of the primary
// request quotas so degraded admissions are accounted separately.
func New(endpoint, secret string, fallback *limiter.Limiter, fallbackSpec string, coord *degrade.Coordinator, opts ...Option) (*Gate, error) {
	if endpoint == "" {
		return nil, errors.New("riskgate: empty endpoint")
	}
	if fallback == nil {
		return nil, errors.New("riskgate: nil fallback limiter")
	}
	if coord == nil {
		return nil, errors.New("riskgate: nil degradation coordinator")
	}

	g := &Gate{
		endpoint:     endpoint,
		secret:       secret,
		mode:         FailOpen,
		minScore:     0.5,
		thresholds:   make(map[string]float64),
		client:       &http.Client{Timeout: defaultTimeout},
		fallback:     fallback,
		fallbackSpec: fallbackSpec,
		coord:        coord,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Evaluate exchanges the evidence token for a score and applies the
// threshold for action. Deny and AllowDegraded are normal return values; the
// only error paths are configuration errors.
func (g *Gate) Evaluate(ctx context.Context, evidenceToken, clientKey, action string) (Result, error) {
	if g.secret == "" {
		return Result{}, ErrMissingSecret
	}
	if evidenceToken == "" {
		// The caller never attempted the challenge. Distinct from a
		// low-score deny for observability.
		g.denyNoToken.Add(1)
		log.Warn().Str("client", clientKey).Msg("evidence token missing")
		return Result{Decision: Deny, Reason: "missing_evidence"}, nil
	}

	resp, err := g.verify(ctx, evidenceToken, clientKey)
	if err != nil {
		g.depFailures.Add(1)
		g.coord.MarkFailure(degrade.DependencyRisk)
		log.Error().Err(err).Str("client", clientKey).Msg("risk service call failed")
		return g.degradedDecision(ctx, clientKey)
	}
	g.coord.MarkSuccess(degrade.DependencyRisk)

	if !resp.Success {
		// The service answered in time and rejected the token itself.
		g.denyLowScore.Add(1)
		return Result{Decision: Deny, Reason: "invalid_token"}, nil
	}

	threshold := g.minScore
	if t, ok := g.thresholds[action]; ok {
		threshold = t
	}
	if resp.Score < threshold {
		g.denyLowScore.Add(1)
		log.Warn().Str("client", clientKey).Float64("score", resp.Score).Float64("threshold", threshold).Msg("risk score below threshold")
		return Result{Decision: Deny, Score: resp.Score, Reason: "low_score"}, nil
	}

	g.allows.Add(1)
	return Result{Decision: Allow, Score: resp.Score}, nil
}

// degradedDecision applies the configured policy while the service is
// unreachable.
func (g *Gate) degradedDecision(ctx context.Context, clientKey string) (Result, error) {
	if g.mode == FailClosed {
		g.denyClosed.Add(1)
		return Result{Decision: Deny, Reason: "fail_closed", Degraded: true}, nil
	}

	dec, err := g.fallback.Check(ctx, g.fallbackSpec, clientKey)
	if err != nil {
		return Result{}, fmt.Errorf("riskgate: fallback limiter: %w", err)
	}
	if !dec.Allowed {
		g.denyFallback.Add(1)
		return Result{Decision: Deny, Reason: "fallback_quota", Degraded: true}, nil
	}
	g.allowDegraded.Add(1)
	return Result{Decision: AllowDegraded, Reason: "risk_service_unavailable", Degraded: true}, nil
}

// verify performs the scoring call. The request is form-encoded with the
// shared secret, the evidence token and the client address; the response is
// JSON.
func (g *Gate) verify(ctx context.Context, token, clientKey string) (*verifyResponse, error) {
	form := url.Values{
		"secret":   {g.secret},
		"response": {token},
		"remoteip": {clientKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("riskgate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("riskgate: verify call: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("riskgate: verify returned status %d", httpResp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("riskgate: malformed verify response: %w", err)
	}
	if out.Score < 0 || out.Score > 1 {
		return nil, fmt.Errorf("riskgate: score %f outside [0,1]", out.Score)
	}
	return &out, nil
}

// Stats returns the gate's counters for the degradation coordinator.
func (g *Gate) Stats() map[string]int64 {
	return map[string]int64{
		"allows":              g.allows.Load(),
		"allow_degraded":      g.allowDegraded.Load(),
		"deny_low_score":      g.denyLowScore.Load(),
		"deny_missing_token":  g.denyNoToken.Load(),
		"deny_fallback_quota": g.denyFallback.Load(),
		"deny_fail_closed":    g.denyClosed.Load(),
		"dependency_failures": g.depFailures.Load(),
	}
}
