package core

// Reputation Engine (SPEC_FULL.md §4.7). Converts each incoming
// ExecutionReceipt into a bounded score delta via a sigmoid of the job's mana
// cost, clamps the running score to [0,100], and keeps a bounded history.
// Grounded on the teacher's core/reputation_system.go accumulator pattern (a
// mutex-guarded map of subject -> running score, updated in place per event)
// and the idempotent-ingestion convention used throughout core/ledger.go's
// "already applied, skip" checks.

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ReputationConfig parameterizes the sigmoid scoring curve.
type ReputationConfig struct {
	Slope          float64 // steepness of the sigmoid
	Midpoint       float64 // mana cost at which sigmoid(x)=0.5
	MaxDelta       float64 // score points awarded for a maximally-costly success
	FailurePenalty float64 // multiplier applied to the delta magnitude on failure
	HistoryLimit   int     // bounds ScoreHistoryEntry growth per profile
}

// Engine tracks per-executor ReputationProfiles.
type Engine struct {
	mu       sync.Mutex
	profiles map[string]*ReputationProfile
	cfg      ReputationConfig
	logger   *logrus.Entry
}

// NewEngine constructs a reputation Engine.
func NewEngine(cfg ReputationConfig) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 256
	}
	return &Engine{
		profiles: make(map[string]*ReputationProfile),
		cfg:      cfg,
		logger:   logrus.WithField("component", "reputation"),
	}
}

func sigmoid(x, slope, midpoint float64) float64 {
	return 1.0 / (1.0 + math.Exp(-slope*(x-midpoint)))
}

func (e *Engine) profileFor(did string) *ReputationProfile {
	p, ok := e.profiles[did]
	if !ok {
		p = &ReputationProfile{SubjectDID: did, AccumulatedScore: 50, seenJobs: make(map[string]bool)}
		e.profiles[did] = p
	}
	if p.seenJobs == nil {
		p.seenJobs = make(map[string]bool)
	}
	return p
}

// IngestReceipt applies the score delta for receipt to its executor's
// profile. Re-ingesting the same JobCID for the same executor is a no-op,
// making delivery-at-least-once over the mesh safe.
func (e *Engine) IngestReceipt(receipt ExecutionReceipt, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.profileFor(receipt.ExecutorDID)
	if p.seenJobs[receipt.JobCID] {
		e.logger.WithFields(logrus.Fields{"executor": receipt.ExecutorDID, "job_cid": receipt.JobCID}).
			Debug("reputation: duplicate receipt ingestion ignored")
		return
	}
	p.seenJobs[receipt.JobCID] = true

	magnitude := sigmoid(float64(receipt.Metrics.ManaCost), e.cfg.Slope, e.cfg.Midpoint) * e.cfg.MaxDelta
	delta := magnitude
	if receipt.Status == ReceiptFailure {
		delta = -magnitude * e.cfg.FailurePenalty
		p.FailureCount++
	} else {
		p.SuccessCount++
	}
	p.TotalJobs++

	p.AccumulatedScore += delta
	if p.AccumulatedScore > 100 {
		p.AccumulatedScore = 100
	}
	if p.AccumulatedScore < 0 {
		p.AccumulatedScore = 0
	}
	p.LastUpdated = now

	p.History = append(p.History, ScoreHistoryEntry{Timestamp: now, Delta: delta, Cause: receipt.JobCID})
	if len(p.History) > e.cfg.HistoryLimit {
		p.History = p.History[len(p.History)-e.cfg.HistoryLimit:]
	}

	e.logger.WithFields(logrus.Fields{
		"executor": receipt.ExecutorDID,
		"job_cid":  receipt.JobCID,
		"delta":    delta,
		"score":    p.AccumulatedScore,
		"status":   receipt.Status,
	}).Info("reputation: ingested receipt")
}

// Score implements ManaLedger's ReputationScorer: returns did's current
// accumulated score, or the neutral midpoint 50 for an unknown subject.
func (e *Engine) Score(did string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.profiles[did]; ok {
		return p.AccumulatedScore
	}
	return 50
}

// Profile returns a copy of did's profile, or ok=false if no receipts have
// ever been ingested for it.
func (e *Engine) Profile(did string) (ReputationProfile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[did]
	if !ok {
		return ReputationProfile{}, false
	}
	cp := *p
	cp.seenJobs = nil
	cp.History = append([]ScoreHistoryEntry(nil), p.History...)
	return cp, true
}

// History returns did's score history, newest last, or nil if unknown.
func (e *Engine) History(did string) []ScoreHistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[did]
	if !ok {
		return nil
	}
	return append([]ScoreHistoryEntry(nil), p.History...)
}

// Leaderboard returns every known profile sorted by descending score, each as
// a shallow copy with seenJobs cleared.
func (e *Engine) Leaderboard() []ReputationProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ReputationProfile, 0, len(e.profiles))
	for _, p := range e.profiles {
		cp := *p
		cp.seenJobs = nil
		out = append(out, cp)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].AccumulatedScore > out[j-1].AccumulatedScore; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
