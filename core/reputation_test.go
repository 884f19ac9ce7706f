package core

import (
	"testing"
	"time"
)

func defaultReputationConfig() ReputationConfig {
	return ReputationConfig{Slope: 0.01, Midpoint: 500, MaxDelta: 10, FailurePenalty: 1.5, HistoryLimit: 4}
}

func TestEngineNewSubjectStartsNeutral(t *testing.T) {
	e := NewEngine(defaultReputationConfig())
	if got := e.Score("did:key:zUnknown"); got != 50 {
		t.Fatalf("expected neutral score 50 for unknown subject, got %v", got)
	}
}

func TestEngineSuccessIncreasesScore(t *testing.T) {
	e := NewEngine(defaultReputationConfig())
	now := time.Now().UTC()
	receipt := ExecutionReceipt{
		JobCID:      "bafy-job-1",
		ExecutorDID: "did:key:zExec",
		Status:      ReceiptSuccess,
		Metrics:     ExecutionMetrics{ManaCost: 1000},
	}
	e.IngestReceipt(receipt, now)
	if got := e.Score("did:key:zExec"); got <= 50 {
		t.Fatalf("expected success to raise score above neutral, got %v", got)
	}
}

func TestEngineFailureDecreasesScore(t *testing.T) {
	e := NewEngine(defaultReputationConfig())
	now := time.Now().UTC()
	receipt := ExecutionReceipt{
		JobCID:      "bafy-job-2",
		ExecutorDID: "did:key:zExec",
		Status:      ReceiptFailure,
		Metrics:     ExecutionMetrics{ManaCost: 1000},
	}
	e.IngestReceipt(receipt, now)
	if got := e.Score("did:key:zExec"); got >= 50 {
		t.Fatalf("expected failure to lower score below neutral, got %v", got)
	}
}

func TestEngineIngestIsIdempotentPerJobCID(t *testing.T) {
	e := NewEngine(defaultReputationConfig())
	now := time.Now().UTC()
	receipt := ExecutionReceipt{
		JobCID:      "bafy-dup",
		ExecutorDID: "did:key:zExec",
		Status:      ReceiptSuccess,
		Metrics:     ExecutionMetrics{ManaCost: 500},
	}
	e.IngestReceipt(receipt, now)
	first := e.Score("did:key:zExec")
	e.IngestReceipt(receipt, now.Add(time.Second))
	second := e.Score("did:key:zExec")
	if first != second {
		t.Fatalf("expected re-ingesting the same job to be a no-op, got %v then %v", first, second)
	}
}

func TestEngineScoreClampsToBounds(t *testing.T) {
	cfg := ReputationConfig{Slope: 1, Midpoint: 0, MaxDelta: 1000, FailurePenalty: 1, HistoryLimit: 10}
	e := NewEngine(cfg)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		e.IngestReceipt(ExecutionReceipt{
			JobCID:      jobCIDFor(i),
			ExecutorDID: "did:key:zMax",
			Status:      ReceiptSuccess,
			Metrics:     ExecutionMetrics{ManaCost: 10000},
		}, now)
	}
	if got := e.Score("did:key:zMax"); got != 100 {
		t.Fatalf("expected score clamped at 100, got %v", got)
	}
}

func jobCIDFor(i int) string {
	ids := []string{"bafy-0", "bafy-1", "bafy-2", "bafy-3", "bafy-4"}
	return ids[i]
}

func TestEngineHistoryBounded(t *testing.T) {
	cfg := defaultReputationConfig()
	e := NewEngine(cfg)
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		e.IngestReceipt(ExecutionReceipt{
			JobCID:      jobCIDForN(i),
			ExecutorDID: "did:key:zHist",
			Status:      ReceiptSuccess,
			Metrics:     ExecutionMetrics{ManaCost: uint64(i * 100)},
		}, now.Add(time.Duration(i)*time.Second))
	}
	hist := e.History("did:key:zHist")
	if len(hist) != cfg.HistoryLimit {
		t.Fatalf("expected history bounded to %d entries, got %d", cfg.HistoryLimit, len(hist))
	}
}

func jobCIDForN(i int) string {
	return "bafy-n-" + string(rune('a'+i))
}

func TestEngineLeaderboardSortedDescending(t *testing.T) {
	e := NewEngine(defaultReputationConfig())
	now := time.Now().UTC()
	e.IngestReceipt(ExecutionReceipt{JobCID: "bafy-a", ExecutorDID: "did:key:zLow", Status: ReceiptFailure, Metrics: ExecutionMetrics{ManaCost: 900}}, now)
	e.IngestReceipt(ExecutionReceipt{JobCID: "bafy-b", ExecutorDID: "did:key:zHigh", Status: ReceiptSuccess, Metrics: ExecutionMetrics{ManaCost: 900}}, now)

	board := e.Leaderboard()
	if len(board) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(board))
	}
	if board[0].SubjectDID != "did:key:zHigh" {
		t.Fatalf("expected higher-scoring profile first, got %s", board[0].SubjectDID)
	}
	for i := 1; i < len(board); i++ {
		if board[i].AccumulatedScore > board[i-1].AccumulatedScore {
			t.Fatal("expected leaderboard sorted descending by score")
		}
	}
}
