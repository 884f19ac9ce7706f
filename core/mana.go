package core

// Scoped Ledger & Mana (SPEC_FULL.md §4.3). Each ScopeKey has a regenerating
// ManaState; regeneration rate is modulated by reputation, recent spend
// activity, and an optional per-scope policy override. Grounded on the
// teacher's per-address balance bookkeeping in
// core/account_and_balance_operations.go (map keyed by address, guarded by a
// mutex, read-modify-write on every access) generalized from a single flat
// balance to the scoped, regenerating model the spec requires.

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ReputationScorer supplies the reputation-modulated regen rate. The
// reputation engine implements this; tests can supply a stub.
type ReputationScorer interface {
	Score(did string) float64 // 0-100
}

// ManaConfig parameterizes regeneration and burst-penalty behaviour.
type ManaConfig struct {
	BaseRate       float64 // mana/sec at reputation modifier 1.0x
	Cap            uint64
	BurstThreshold uint64
	CooldownK      float64 // seconds of cooldown per unit of overage
}

const activityWindow = 60 * time.Second

type activityTracker struct {
	spendTimes []time.Time
}

func (a *activityTracker) record(now time.Time) {
	a.spendTimes = append(a.spendTimes, now)
	cut := now.Add(-activityWindow)
	i := 0
	for i < len(a.spendTimes) && a.spendTimes[i].Before(cut) {
		i++
	}
	a.spendTimes = a.spendTimes[i:]
}

func (a *activityTracker) count(now time.Time) int {
	cut := now.Add(-activityWindow)
	n := 0
	for _, t := range a.spendTimes {
		if !t.Before(cut) {
			n++
		}
	}
	return n
}

// ManaLedger tracks per-scope mana balances.
type ManaLedger struct {
	mu       sync.Mutex
	states   map[string]*ManaState
	activity map[string]*activityTracker
	policyMu sync.RWMutex
	policy   map[string]float64 // scope -> h(policy) multiplier override
	cfg      ManaConfig
	rep      ReputationScorer
	logger   *logrus.Entry
}

// NewManaLedger constructs a ledger with the given regen config and
// reputation source.
func NewManaLedger(cfg ManaConfig, rep ReputationScorer) *ManaLedger {
	return &ManaLedger{
		states:   make(map[string]*ManaState),
		activity: make(map[string]*activityTracker),
		policy:   make(map[string]float64),
		cfg:      cfg,
		rep:      rep,
		logger:   logrus.WithField("component", "mana"),
	}
}

// SetPolicyMultiplier overrides h(policy) for scope; pass 1.0 to clear an
// override back to the default.
func (l *ManaLedger) SetPolicyMultiplier(scope ScopeKey, mult float64) {
	l.policyMu.Lock()
	defer l.policyMu.Unlock()
	l.policy[scope.String()] = mult
}

func (l *ManaLedger) policyMultiplier(key string) float64 {
	l.policyMu.RLock()
	defer l.policyMu.RUnlock()
	if m, ok := l.policy[key]; ok {
		return m
	}
	return 1.0
}

// reputationModifier implements f(reputation): piecewise-linear from 0.1x at
// score<=20, through 1.0x at score=50, to 2.0x at score>=80.
func reputationModifier(score float64) float64 {
	switch {
	case score <= 20:
		return 0.1
	case score <= 50:
		return 0.1 + (score-20)/(50-20)*(1.0-0.1)
	case score <= 80:
		return 1.0 + (score-50)/(80-50)*(2.0-1.0)
	default:
		return 2.0
	}
}

// activityModifier implements g(activity): regen dampens as recent spend
// frequency rises, bounded to [0.3, 1.0]. Cooldown semantics beyond "pauses
// regeneration" are not pinned by spec.md §9 Open Questions; this dampening
// is an additional, independent modifier, not a substitute for cooldown.
func activityModifier(recentSpends int) float64 {
	m := 1.0 / (1.0 + 0.1*float64(recentSpends))
	if m < 0.3 {
		return 0.3
	}
	return m
}

func (l *ManaLedger) stateFor(key string) *ManaState {
	st, ok := l.states[key]
	if !ok {
		st = &ManaState{Balance: l.cfg.Cap, Cap: l.cfg.Cap, LastRegenTS: time.Now().UTC(), RegenRate: l.cfg.BaseRate}
		l.states[key] = st
	}
	return st
}

// tick applies elapsed regeneration to the scope's state as of now. Must be
// called with l.mu held.
func (l *ManaLedger) tick(scope ScopeKey, st *ManaState, now time.Time) {
	if st.CooldownUntil != nil {
		if now.Before(*st.CooldownUntil) {
			st.LastRegenTS = now
			return
		}
		st.CooldownUntil = nil
	}
	elapsed := now.Sub(st.LastRegenTS).Seconds()
	if elapsed <= 0 {
		st.LastRegenTS = now
		return
	}
	repScore := 50.0
	if l.rep != nil {
		repScore = l.rep.Score(scope.DID)
	}
	act := 0
	if tr, ok := l.activity[scope.String()]; ok {
		act = tr.count(now)
	}
	rate := l.cfg.BaseRate * reputationModifier(repScore) * activityModifier(act) * l.policyMultiplier(scope.String())
	st.RegenRate = rate
	gain := rate * elapsed
	newBal := float64(st.Balance) + gain
	capF := float64(st.Cap)
	if newBal > capF {
		newBal = capF
	}
	st.Balance = uint64(newBal)
	st.LastRegenTS = now
}

// Get returns the current mana state for scope after applying elapsed
// regeneration as of now.
func (l *ManaLedger) Get(scope ScopeKey, now time.Time) ManaState {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := scope.String()
	st := l.stateFor(key)
	l.tick(scope, st, now)
	return *st
}

// Tick applies elapsed regeneration without spending; idempotent under
// repeated calls at the same timestamp per spec.md §8.
func (l *ManaLedger) Tick(scope ScopeKey, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := scope.String()
	st := l.stateFor(key)
	l.tick(scope, st, now)
}

// Spend debits amount from scope's balance after regenerating, applying a
// burst-cooldown penalty if the spend exceeds BurstThreshold. Returns
// ErrInsufficientBalance if the post-regen balance is short.
func (l *ManaLedger) Spend(scope ScopeKey, amount uint64, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := scope.String()
	st := l.stateFor(key)
	l.tick(scope, st, now)

	if st.Balance < amount {
		l.logger.WithFields(logrus.Fields{"scope": key, "balance": st.Balance, "requested": amount}).
			Warn("mana: spend denied, insufficient balance")
		return fmt.Errorf("%w: scope %s has %d, requested %d", ErrInsufficientBalance, key, st.Balance, amount)
	}
	st.Balance -= amount

	if amount > l.cfg.BurstThreshold {
		overage := float64(amount - l.cfg.BurstThreshold)
		until := now.Add(time.Duration(l.cfg.CooldownK*overage) * time.Second)
		st.CooldownUntil = &until
		l.logger.WithFields(logrus.Fields{"scope": key, "overage": overage, "until": until}).
			Info("mana: burst threshold exceeded, regen cooldown scheduled")
	}

	tr, ok := l.activity[key]
	if !ok {
		tr = &activityTracker{}
		l.activity[key] = tr
	}
	tr.record(now)

	return nil
}

// Refund credits amount back to scope, capped at Cap. No code outside its
// test calls it, so mana spent for a job is never returned when the job is
// cancelled or ends early.
func (l *ManaLedger) Refund(scope ScopeKey, amount uint64, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := scope.String()
	st := l.stateFor(key)
	l.tick(scope, st, now)
	newBal := st.Balance + amount
	if newBal > st.Cap {
		newBal = st.Cap
	}
	st.Balance = newBal
}
