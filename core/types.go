// Package core implements the Planetary Mesh Execution Pipeline: the
// gossip-based mesh protocol, reputation-weighted bid evaluator, WASM
// runtime with host-ABI mediated mana accounting, and the content-addressed
// receipt DAG with quorum-signed trust bundles.
package core

import (
	"time"
)

// ScopeKind tags the namespace a ScopeKey belongs to.
type ScopeKind uint8

const (
	ScopeFederation ScopeKind = iota
	ScopeCooperative
	ScopeCommunity
	ScopeIndividual
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeFederation:
		return "federation"
	case ScopeCooperative:
		return "cooperative"
	case ScopeCommunity:
		return "community"
	case ScopeIndividual:
		return "individual"
	default:
		return "unknown"
	}
}

// ScopeKey is a tagged union identifying an accounting/permission namespace.
type ScopeKey struct {
	Kind ScopeKind `json:"kind"`
	DID  string    `json:"did"`
}

// String renders a ScopeKey as a stable, hashable identifier.
func (s ScopeKey) String() string {
	return s.Kind.String() + ":" + s.DID
}

// ResourceID names a quota-able resource within a scope (mana, storage bytes,
// bandwidth bytes, etc).
type ResourceID string

const (
	ResourceMana      ResourceID = "mana"
	ResourceStorage   ResourceID = "storage"
	ResourceBandwidth ResourceID = "bandwidth"
)

// LedgerKey addresses a balance within the scoped ledger.
type LedgerKey struct {
	Scope    ScopeKey   `json:"scope"`
	Resource ResourceID `json:"resource"`
}

func (k LedgerKey) String() string {
	return k.Scope.String() + "/" + string(k.Resource)
}

// ScopedResourceToken requests authorized consumption of a quantity of a
// scoped resource.
type ScopedResourceToken struct {
	Key      LedgerKey `json:"ledger_key"`
	Quantity uint64    `json:"quantity"`
	Policy   string    `json:"policy,omitempty"`
	Caller   string    `json:"caller_did,omitempty"`
	Roles    []string  `json:"roles,omitempty"`
}

// ResourceSpec describes the resources a job requires or a bidder claims.
type ResourceSpec struct {
	CPU       uint64 `json:"cpu"`
	MemoryMB  uint64 `json:"memory_mb"`
	StorageMB uint64 `json:"storage_mb"`
	Bandwidth uint64 `json:"bandwidth_kbps"`
}

// WorkflowType distinguishes single-stage from multi-stage jobs.
type WorkflowType string

const (
	WorkflowSingle     WorkflowType = "single"
	WorkflowSequential WorkflowType = "sequential"
)

// StageInputKind tags how a stage's input is resolved.
type StageInputKind string

const (
	StageInputJob           StageInputKind = "job-input"
	StageInputPreviousStage StageInputKind = "prev-stage-output"
	StageInputNone          StageInputKind = "none"
)

// StageInputSource is a tagged variant describing where a stage reads its
// input from.
type StageInputSource struct {
	Kind        StageInputKind `json:"kind"`
	Key         string         `json:"key,omitempty"`
	PrevStageID string         `json:"prev_stage_id,omitempty"`
}

// JobStage describes a single step of a sequential workflow.
type JobStage struct {
	StageID     string           `json:"stage_id"`
	WasmCID     string           `json:"wasm_cid"`
	InputSource StageInputSource `json:"input_source"`
	Timeout     *time.Duration   `json:"timeout,omitempty"`
	// RetryPolicy is intentionally optional and unspecified per SPEC_FULL.md
	// §9 Open Questions; the runtime does not currently honor it.
	RetryPolicy *StageRetryPolicy `json:"retry_policy,omitempty"`
}

// StageRetryPolicy is accepted but not enforced by the runtime (see
// DESIGN.md Open Question resolution).
type StageRetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
}

// QoSProfile names a coarse quality-of-service tier for scheduling hints.
type QoSProfile string

const (
	QoSBestEffort QoSProfile = "best-effort"
	QoSStandard   QoSProfile = "standard"
	QoSPriority   QoSProfile = "priority"
)

// MeshJobParams is the full job specification submitted by an originator.
type MeshJobParams struct {
	WasmCID                string        `json:"wasm_cid"`
	Description            string        `json:"description"`
	RequiredResources      ResourceSpec  `json:"required_resources"`
	QoSProfile             QoSProfile    `json:"qos_profile"`
	MaxBid                 uint64        `json:"max_bid"`
	Deadline               time.Time     `json:"deadline"`
	WorkflowType           WorkflowType  `json:"workflow_type"`
	Stages                 []JobStage    `json:"stages,omitempty"`
	IsInteractive          bool          `json:"is_interactive"`
	ExpectedOutputSchemaCID string       `json:"expected_output_schema_cid,omitempty"`
}

// Validate enforces the §3 MeshJobParams invariant: stages are non-empty iff
// the workflow is multi-stage, and stage references form a DAG rooted at the
// first stage (each prev-stage reference must name an earlier stage).
func (p MeshJobParams) Validate() error {
	switch p.WorkflowType {
	case WorkflowSingle:
		if len(p.Stages) != 0 {
			return ErrInvalidJobParams
		}
	case WorkflowSequential:
		if len(p.Stages) == 0 {
			return ErrInvalidJobParams
		}
		seen := make(map[string]bool, len(p.Stages))
		for i, st := range p.Stages {
			if st.StageID == "" || st.WasmCID == "" {
				return ErrInvalidJobParams
			}
			if st.InputSource.Kind == StageInputPreviousStage {
				if i == 0 || !seen[st.InputSource.PrevStageID] {
					return ErrInvalidJobParams
				}
			}
			seen[st.StageID] = true
		}
	default:
		return ErrInvalidJobParams
	}
	return nil
}

// JobStatusKind enumerates the finite states of a job's lifecycle.
type JobStatusKind string

const (
	StatusCreated           JobStatusKind = "created"
	StatusSubmitted         JobStatusKind = "submitted"
	StatusAssigned          JobStatusKind = "assigned"
	StatusRunning           JobStatusKind = "running"
	StatusPendingUserInput  JobStatusKind = "pending_user_input"
	StatusAwaitingNextStage JobStatusKind = "awaiting_next_stage"
	StatusCompleted         JobStatusKind = "completed"
	StatusFailed            JobStatusKind = "failed"
	StatusCancelled         JobStatusKind = "cancelled"
)

// terminal reports whether a status kind admits no further transitions.
func (k JobStatusKind) terminal() bool {
	return k == StatusCompleted || k == StatusFailed || k == StatusCancelled
}

// progressRank orders the non-terminal states so monotonicity can be
// checked; terminal states are reachable from any rank.
var progressRank = map[JobStatusKind]int{
	StatusCreated:           0,
	StatusSubmitted:         1,
	StatusAssigned:          2,
	StatusRunning:           3,
	StatusPendingUserInput:  4,
	StatusAwaitingNextStage: 4,
}

// JobStatus is the current lifecycle state of a job.
type JobStatus struct {
	Kind       JobStatusKind `json:"kind"`
	Executor   string        `json:"executor_did,omitempty"`
	StageIdx   int           `json:"stage_idx,omitempty"`
	Progress   float64       `json:"progress,omitempty"`
	PromptCID  string        `json:"prompt_cid,omitempty"`
	ReceiptCID string        `json:"receipt_cid,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// CanTransition enforces monotonic non-regression: no transition returns to
// an earlier non-terminal state, except into Failed/Cancelled which are
// always reachable.
func (from JobStatus) CanTransition(to JobStatusKind) bool {
	if to.terminal() {
		return true
	}
	if from.Kind.terminal() {
		return false
	}
	fr, ok1 := progressRank[from.Kind]
	tr, ok2 := progressRank[to]
	if !ok1 || !ok2 {
		return true
	}
	return tr >= fr
}

// JobBid is a signed offer to execute a job.
type JobBid struct {
	JobCID          string    `json:"job_cid"`
	BidderDID       string    `json:"bidder_did"`
	Price           uint64    `json:"price"`
	ResourceClaim   ResourceSpec `json:"resource_claim"`
	ExpectedLatency time.Duration `json:"expected_latency"`
	ReputationHint  float64   `json:"reputation_hint"`
	Timestamp       time.Time `json:"timestamp"`
	Signature       []byte    `json:"signature"`
}

// SignableBytes returns the canonical bytes a bid signature covers.
func (b JobBid) SignableBytes() []byte {
	cp := b
	cp.Signature = nil
	return Canonicalize(cp)
}

// StageResult captures the output of a single executed stage.
type StageResult struct {
	StageID  string `json:"stage_id"`
	OutputCID string `json:"output_cid,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ExecutionMetrics records resource consumption for an execution.
type ExecutionMetrics struct {
	ManaCost  uint64        `json:"mana_cost"`
	WallTime  time.Duration `json:"wall_time"`
	HostCalls uint64        `json:"host_calls"`
	IOBytes   uint64        `json:"io_bytes"`
}

// ReceiptStatus enumerates terminal execution outcomes recorded in a receipt.
type ReceiptStatus string

const (
	ReceiptSuccess ReceiptStatus = "success"
	ReceiptFailure ReceiptStatus = "failure"
)

// ExecutionReceipt is the signed, content-addressed record of a job's
// execution outcome.
type ExecutionReceipt struct {
	JobCID        string            `json:"job_cid"`
	StageResults  []StageResult     `json:"stage_results,omitempty"`
	ExecutorDID   string            `json:"executor_did"`
	OriginatorDID string            `json:"originator_did"`
	Scope         ScopeKey          `json:"scope_key"`
	Metrics       ExecutionMetrics  `json:"metrics"`
	OutputCID     string            `json:"output_cid,omitempty"`
	LogsCID       string            `json:"logs_cid,omitempty"`
	Status        ReceiptStatus     `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	StartTS       time.Time         `json:"start_ts"`
	EndTS         time.Time         `json:"end_ts"`
	CoopID        string            `json:"coop_id,omitempty"`
	CommunityID   string            `json:"community_id,omitempty"`
	AnchoredCIDs  []string          `json:"anchored_cids,omitempty"`
	Signature     []byte            `json:"signature"`
}

// SignableBytes returns the canonical bytes a receipt signature covers.
func (r ExecutionReceipt) SignableBytes() []byte {
	cp := r
	cp.Signature = nil
	return Canonicalize(cp)
}

// Validate enforces the §3 ExecutionReceipt invariant end_ts >= start_ts.
func (r ExecutionReceipt) Validate() error {
	if r.EndTS.Before(r.StartTS) {
		return ErrInvalidReceipt
	}
	return nil
}

// ScoreHistoryEntry records one reputation delta.
type ScoreHistoryEntry struct {
	Timestamp time.Time `json:"ts"`
	Delta     float64   `json:"delta"`
	Cause     string    `json:"cause"` // job_cid
}

// ReputationProfile tracks an executor's cumulative standing.
type ReputationProfile struct {
	SubjectDID       string              `json:"subject_did"`
	TotalJobs        uint64              `json:"total_jobs"`
	SuccessCount     uint64              `json:"success_count"`
	FailureCount     uint64              `json:"failure_count"`
	AccumulatedScore float64             `json:"accumulated_score"`
	History          []ScoreHistoryEntry `json:"score_history"`
	LastUpdated      time.Time           `json:"last_updated"`
	// seenJobs deduplicates receipt ingestion per executor; not serialized.
	seenJobs map[string]bool
}

// ManaState is the per-scope regenerating balance.
type ManaState struct {
	Balance       uint64     `json:"balance"`
	Cap           uint64     `json:"cap"`
	LastRegenTS   time.Time  `json:"last_regen_ts"`
	RegenRate     float64    `json:"regen_rate"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// DagNode is a content-addressed entry in the DAG store.
type DagNode struct {
	CID         string    `json:"cid"`
	ContentBytes []byte   `json:"content_bytes"`
	Links       []string  `json:"links"`
	EventType   string    `json:"event_type"`
	ScopeID     string    `json:"scope_id"`
	Timestamp   time.Time `json:"timestamp"`
}
