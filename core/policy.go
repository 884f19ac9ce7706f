package core

// Policy Enforcer (SPEC_FULL.md §4.4). Resolves a ScopedResourceToken
// against an exact-match override policy or a default policy, and checks
// cumulative quota, rolling-rate, and role requirements. Grounded on the
// teacher's core/access_control.go role-check pattern and
// core/connection_pool.go's use of golang.org/x/time/rate for per-resource
// rate limiting.

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// AuthDecision is the outcome of a Policy check.
type AuthDecision string

const (
	DecisionOK     AuthDecision = "ok"
	DecisionDenied AuthDecision = "denied"
)

// Policy enumerates the quota/rate/role checks enforced for a LedgerKey.
type Policy struct {
	Name             string
	MaxQuota         uint64        // cumulative lifetime quota; 0 = unbounded
	MaxRatePerWindow int           // requests allowed per RateWindow; 0 = unbounded
	RateWindow       time.Duration
	RequiredRoles    []string
}

type usageCounter struct {
	cumulative uint64
	limiter    *rate.Limiter
}

// Enforcer resolves and applies policies over scoped resource tokens.
type Enforcer struct {
	mu        sync.Mutex
	overrides map[string]Policy // LedgerKey.String() -> policy
	defaults  Policy
	usage     map[string]*usageCounter
	logger    *logrus.Entry
}

// NewEnforcer constructs an Enforcer with the given default policy.
func NewEnforcer(defaultPolicy Policy) *Enforcer {
	return &Enforcer{
		overrides: make(map[string]Policy),
		defaults:  defaultPolicy,
		usage:     make(map[string]*usageCounter),
		logger:    logrus.WithField("component", "policy"),
	}
}

// SetOverride installs an exact-match policy for key, taking precedence over
// the default policy.
func (e *Enforcer) SetOverride(key LedgerKey, p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrides[key.String()] = p
}

func (e *Enforcer) resolve(key LedgerKey) Policy {
	if p, ok := e.overrides[key.String()]; ok {
		return p
	}
	return e.defaults
}

func (e *Enforcer) counterFor(key string, p Policy) *usageCounter {
	c, ok := e.usage[key]
	if !ok {
		var lim *rate.Limiter
		if p.MaxRatePerWindow > 0 && p.RateWindow > 0 {
			lim = rate.NewLimiter(rate.Every(p.RateWindow/time.Duration(p.MaxRatePerWindow)), p.MaxRatePerWindow)
		}
		c = &usageCounter{limiter: lim}
		e.usage[key] = c
	}
	return c
}

// CheckAuthorization resolves the policy bound to token.Key and evaluates
// quota, rate, and role requirements. It does not add to the cumulative
// quota count (RecordUsage does that), but each call that reaches the rate
// check takes one token from the key's rate limiter. Returns
// DecisionDenied with a reason string rather than an error: enforcer
// rejection is an expected outcome, surfaced to the WASM guest as a negative
// return code per §4.5, not a Go error.
func (e *Enforcer) CheckAuthorization(token ScopedResourceToken) (AuthDecision, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := token.Key.String()
	p := e.resolve(token.Key)

	if len(p.RequiredRoles) > 0 {
		if !hasAnyRole(token.Roles, p.RequiredRoles) {
			e.emit(token, p, DecisionDenied, "missing required role")
			return DecisionDenied, "missing required role"
		}
	}

	c := e.counterFor(key, p)

	if p.MaxQuota > 0 && c.cumulative+token.Quantity > p.MaxQuota {
		e.emit(token, p, DecisionDenied, "cumulative quota exceeded")
		return DecisionDenied, "cumulative quota exceeded"
	}

	if c.limiter != nil && !c.limiter.AllowN(time.Now(), 1) {
		e.emit(token, p, DecisionDenied, "rate limit exceeded")
		return DecisionDenied, "rate limit exceeded"
	}

	e.emit(token, p, DecisionOK, "")
	return DecisionOK, ""
}

// RecordUsage commits the token's quantity against the resolved policy's
// cumulative quota. Call only after a successful CheckAuthorization and the
// corresponding resource consumption actually occurred.
func (e *Enforcer) RecordUsage(token ScopedResourceToken) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := token.Key.String()
	p := e.resolve(token.Key)
	c := e.counterFor(key, p)
	c.cumulative += token.Quantity
}

func hasAnyRole(have, need []string) bool {
	set := make(map[string]bool, len(have))
	for _, r := range have {
		set[r] = true
	}
	for _, r := range need {
		if set[r] {
			return true
		}
	}
	return false
}

func (e *Enforcer) emit(token ScopedResourceToken, p Policy, outcome AuthDecision, reason string) {
	fields := logrus.Fields{
		"scope":       token.Key.Scope.String(),
		"resource":    string(token.Key.Resource),
		"policy_name": p.Name,
		"outcome":     outcome,
	}
	if reason != "" {
		fields["reason"] = reason
	}
	e.logger.WithFields(fields).Info("policy decision")
}

// Denied converts an enforcer decision into an error for callers that need
// the Go error-propagation path rather than a (decision, reason) pair.
func Denied(reason string) error {
	return fmt.Errorf("%w: %s", ErrDenied, reason)
}
