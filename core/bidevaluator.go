package core

// Bid Evaluator (SPEC_FULL.md §4.8). Scores each JobBid on four normalized
// axes — price, resource-claim fit, bidder reputation, and timeliness — and
// picks a winner by weighted sum, breaking ties by higher reputation then
// earliest bid timestamp. Grounded on the teacher's core/staking_node.go
// weighted-scoring pattern for validator selection, generalized from a single
// stake-weight axis to the spec's four-axis vector.

import (
	"sort"
	"time"
)

// BidWeights are the per-axis weights the evaluator applies; SPEC_FULL.md §9
// requires they sum to 1 (Normalize enforces this defensively).
type BidWeights struct {
	Price      float64 `json:"price" mapstructure:"price"`
	ResourceFit float64 `json:"resource_fit" mapstructure:"resource_fit"`
	Reputation float64 `json:"reputation" mapstructure:"reputation"`
	Timeliness float64 `json:"timeliness" mapstructure:"timeliness"`
}

// Normalize rescales weights to sum to 1, leaving an all-zero input as a
// uniform split rather than dividing by zero.
func (w BidWeights) Normalize() BidWeights {
	sum := w.Price + w.ResourceFit + w.Reputation + w.Timeliness
	if sum <= 0 {
		return BidWeights{Price: 0.25, ResourceFit: 0.25, Reputation: 0.25, Timeliness: 0.25}
	}
	return BidWeights{
		Price:      w.Price / sum,
		ResourceFit: w.ResourceFit / sum,
		Reputation: w.Reputation / sum,
		Timeliness: w.Timeliness / sum,
	}
}

// Evaluator scores bids for a job against its required resources and a
// reputation source.
type Evaluator struct {
	weights                   BidWeights
	rep                       ReputationScorer
	minReputationForCritical  float64
}

// NewEvaluator constructs an Evaluator with the given (auto-normalized)
// weights and minimum reputation gate for QoSPriority jobs.
func NewEvaluator(weights BidWeights, rep ReputationScorer, minReputationForCritical float64) *Evaluator {
	return &Evaluator{weights: weights.Normalize(), rep: rep, minReputationForCritical: minReputationForCritical}
}

// ScoredBid pairs a bid with its computed composite score.
type ScoredBid struct {
	Bid   JobBid
	Score float64
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// priceScore rewards lower price relative to the job's max bid; a bid at or
// above MaxBid scores 0.
func priceScore(bid JobBid, maxBid uint64) float64 {
	if maxBid == 0 {
		return 0
	}
	if bid.Price >= maxBid {
		return 0
	}
	return clamp01(1 - float64(bid.Price)/float64(maxBid))
}

// resourceFitScore is a Jaccard-style overlap between what the job requires
// and what the bidder claims: 1.0 when the claim exactly covers the
// requirement on every axis, decaying as the claim over- or under-shoots.
func resourceFitScore(required, claimed ResourceSpec) float64 {
	axis := func(req, have uint64) float64 {
		if req == 0 && have == 0 {
			return 1
		}
		lo, hi := req, have
		if have < req {
			lo, hi = have, req
		} else {
			lo, hi = req, have
		}
		if hi == 0 {
			return 1
		}
		return float64(lo) / float64(hi)
	}
	return (axis(required.CPU, claimed.CPU) +
		axis(required.MemoryMB, claimed.MemoryMB) +
		axis(required.StorageMB, claimed.StorageMB) +
		axis(required.Bandwidth, claimed.Bandwidth)) / 4
}

func (e *Evaluator) reputationScore(did string) float64 {
	if e.rep == nil {
		return 0.5
	}
	return clamp01(e.rep.Score(did) / 100)
}

// timelinessScore rewards bids promising lower expected latency relative to
// the time remaining until the job's deadline; a bid whose expected latency
// meets or exceeds the remaining time scores 0.
func timelinessScore(bid JobBid, deadline time.Time, now time.Time) float64 {
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if bid.ExpectedLatency <= 0 {
		return 1
	}
	if bid.ExpectedLatency >= remaining {
		return 0
	}
	return clamp01(1 - float64(bid.ExpectedLatency)/float64(remaining))
}

// Score computes bid's composite score against params.
func (e *Evaluator) Score(params MeshJobParams, bid JobBid, now time.Time) float64 {
	return e.weights.Price*priceScore(bid, params.MaxBid) +
		e.weights.ResourceFit*resourceFitScore(params.RequiredResources, bid.ResourceClaim) +
		e.weights.Reputation*e.reputationScore(bid.BidderDID) +
		e.weights.Timeliness*timelinessScore(bid, params.Deadline, now)
}

// SelectWinner scores every eligible bid and returns the winner, or
// ok=false if no bid is eligible. Bids from a DID whose reputation is below
// minReputationForCritical are excluded when params.QoSProfile is
// QoSPriority. Ties are broken by higher reputation, then earliest
// Timestamp.
func (e *Evaluator) SelectWinner(params MeshJobParams, bids []JobBid, now time.Time) (JobBid, bool) {
	scored := make([]ScoredBid, 0, len(bids))
	for _, b := range bids {
		if params.QoSProfile == QoSPriority && e.rep != nil && e.rep.Score(b.BidderDID) < e.minReputationForCritical {
			continue
		}
		scored = append(scored, ScoredBid{Bid: b, Score: e.Score(params, b, now)})
	}
	if len(scored) == 0 {
		return JobBid{}, false
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		ri, rj := e.reputationScore(scored[i].Bid.BidderDID), e.reputationScore(scored[j].Bid.BidderDID)
		if ri != rj {
			return ri > rj
		}
		return scored[i].Bid.Timestamp.Before(scored[j].Bid.Timestamp)
	})
	return scored[0].Bid, true
}
