package core

// Job Orchestrator (SPEC_FULL.md §4.10). Drives a job through its full
// lifecycle from both sides of the mesh: the originator announces, collects
// bids, assigns, and awaits a verified receipt; the executor watches for
// announcements, bids, executes on assignment, and anchors its receipt.
// Grounded on the teacher's core/dao.go CreateDAO/JoinDAO pairing of
// "one side proposes, the other joins" lifecycle methods on a single struct,
// and on core/network.go's Broadcast/Subscribe for every wire step.

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

// Wire messages, CBOR-encoded, one per mesh topic.
type jobAnnounceMsg struct {
	JobCID        string        `cbor:"job_cid"`
	OriginatorDID string        `cbor:"originator_did"`
	Params        MeshJobParams `cbor:"params"`
}

type jobAssignmentMsg struct {
	JobCID      string `cbor:"job_cid"`
	ExecutorDID string `cbor:"executor_did"`
	Signature   []byte `cbor:"signature"`
}

type receiptAvailableMsg struct {
	JobCID     string `cbor:"job_cid"`
	ReceiptCID string `cbor:"receipt_cid"`
}

// JobAnnouncement is the decoded form of a job-announce wire message,
// exposed so a node can observe announcements (e.g. to populate an
// available-jobs listing) without running the full executor loop.
type JobAnnouncement struct {
	JobCID        string
	OriginatorDID string
	Params        MeshJobParams
}

// DecodeJobAnnouncement decodes a raw mesh message received on a
// TopicJobAnnounce topic.
func DecodeJobAnnouncement(data []byte) (JobAnnouncement, error) {
	var a jobAnnounceMsg
	if err := cbor.Unmarshal(data, &a); err != nil {
		return JobAnnouncement{}, fmt.Errorf("orchestrator: decode announcement: %w", err)
	}
	return JobAnnouncement{JobCID: a.JobCID, OriginatorDID: a.OriginatorDID, Params: a.Params}, nil
}

// OrchestratorConfig parameterizes bid-collection timing and job timeouts.
type OrchestratorConfig struct {
	FederationID     string
	BidWindow        time.Duration
	MinBids          int
	AssignmentTimeout time.Duration
	ReceiptTimeout   time.Duration
	FuelPerMana      uint64 // fuel units granted per unit of the executor scope's mana balance
}

// Orchestrator wires the mesh, evaluator, runtime, and supporting ledgers
// into job lifecycle operations.
type Orchestrator struct {
	mesh      *Mesh
	evaluator *Evaluator
	runtime   *Runtime
	mana      *ManaLedger
	enforcer  *Enforcer
	rep       *Engine
	dag       *DagStore
	selfDID   string
	selfKey   ed25519.PrivateKey
	cfg       OrchestratorConfig
	logger    *logrus.Entry
}

// NewOrchestrator constructs an Orchestrator for the local node identified
// by selfDID/selfKey.
func NewOrchestrator(mesh *Mesh, evaluator *Evaluator, runtime *Runtime, mana *ManaLedger, enforcer *Enforcer, rep *Engine, dag *DagStore, selfDID string, selfKey ed25519.PrivateKey, cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		mesh: mesh, evaluator: evaluator, runtime: runtime, mana: mana, enforcer: enforcer,
		rep: rep, dag: dag, selfDID: selfDID, selfKey: selfKey, cfg: cfg,
		logger: logrus.WithField("component", "orchestrator"),
	}
}

// --- originator side ---

// SubmitJob announces params on the federation's job-announce topic,
// collects bids until BidWindow elapses or MinBids validly signed bids have
// arrived, whichever comes first (MinBids <= 0 waits out the full window),
// picks a winner, publishes the assignment, and blocks until a
// signed, DAG-anchored receipt for the job arrives or ReceiptTimeout expires.
func (o *Orchestrator) SubmitJob(ctx context.Context, params MeshJobParams) (ExecutionReceipt, error) {
	if err := params.Validate(); err != nil {
		return ExecutionReceipt{}, err
	}
	jobCID, err := CIDOfCanonical(params)
	if err != nil {
		return ExecutionReceipt{}, fmt.Errorf("%w: hash job params: %v", ErrInvalidJobParams, err)
	}

	bidCh, err := o.mesh.Subscribe(TopicJobBids(jobCID))
	if err != nil {
		return ExecutionReceipt{}, err
	}
	defer o.mesh.Unsubscribe(TopicJobBids(jobCID))

	announce := jobAnnounceMsg{JobCID: jobCID, OriginatorDID: o.selfDID, Params: params}
	data, err := cbor.Marshal(announce)
	if err != nil {
		return ExecutionReceipt{}, fmt.Errorf("orchestrator: encode announce: %w", err)
	}
	if err := o.mesh.Broadcast(TopicJobAnnounce(o.cfg.FederationID), data); err != nil {
		return ExecutionReceipt{}, err
	}

	bids := o.collectBids(ctx, bidCh)
	if len(bids) == 0 {
		return ExecutionReceipt{}, fmt.Errorf("%w: no bids received for job %s", ErrBidRejected, jobCID)
	}

	winner, ok := o.evaluator.SelectWinner(params, bids, time.Now().UTC())
	if !ok {
		return ExecutionReceipt{}, fmt.Errorf("%w: no eligible bid for job %s", ErrBidRejected, jobCID)
	}

	assignment := jobAssignmentMsg{JobCID: jobCID, ExecutorDID: winner.BidderDID}
	assignment.Signature = Sign(o.selfKey, Canonicalize(struct {
		JobCID      string `cbor:"job_cid"`
		ExecutorDID string `cbor:"executor_did"`
	}{assignment.JobCID, assignment.ExecutorDID}))
	adata, err := cbor.Marshal(assignment)
	if err != nil {
		return ExecutionReceipt{}, fmt.Errorf("orchestrator: encode assignment: %w", err)
	}
	if err := o.mesh.Broadcast(TopicJobAssignment(jobCID), adata); err != nil {
		return ExecutionReceipt{}, err
	}

	return o.awaitReceipt(ctx, jobCID, params.Deadline)
}

func (o *Orchestrator) collectBids(ctx context.Context, bidCh <-chan MeshMessage) []JobBid {
	deadline := time.After(o.cfg.BidWindow)
	var bids []JobBid
	for {
		select {
		case <-ctx.Done():
			return bids
		case <-deadline:
			return bids
		case msg, ok := <-bidCh:
			if !ok {
				return bids
			}
			var bid JobBid
			if err := cbor.Unmarshal(msg.Data, &bid); err != nil {
				o.logger.WithError(err).Debug("orchestrator: dropping undecodable bid")
				continue
			}
			if err := VerifySignature(bid.BidderDID, bid.SignableBytes(), bid.Signature); err != nil {
				o.logger.WithField("bidder", bid.BidderDID).Debug("orchestrator: dropping bid with invalid signature")
				continue
			}
			bids = append(bids, bid)
			if o.cfg.MinBids > 0 && len(bids) >= o.cfg.MinBids {
				return bids
			}
		}
	}
}

func (o *Orchestrator) awaitReceipt(ctx context.Context, jobCID string, deadline time.Time) (ExecutionReceipt, error) {
	statusCh, err := o.mesh.Subscribe(TopicJobStatus(jobCID))
	if err != nil {
		return ExecutionReceipt{}, err
	}
	defer o.mesh.Unsubscribe(TopicJobStatus(jobCID))

	receiptCh, err := o.mesh.Subscribe(TopicReceiptsAvailable(o.cfg.FederationID))
	if err != nil {
		return ExecutionReceipt{}, err
	}
	defer o.mesh.Unsubscribe(TopicReceiptsAvailable(o.cfg.FederationID))

	timeout := time.After(o.cfg.ReceiptTimeout)
	for {
		select {
		case <-ctx.Done():
			return ExecutionReceipt{}, ctx.Err()
		case <-timeout:
			return ExecutionReceipt{}, fmt.Errorf("%w: job %s receipt", ErrTimeout, jobCID)
		case msg, ok := <-statusCh:
			if !ok {
				continue
			}
			o.logger.WithField("job_cid", jobCID).WithField("raw_len", len(msg.Data)).Debug("orchestrator: status update received")
		case msg, ok := <-receiptCh:
			if !ok {
				continue
			}
			var avail receiptAvailableMsg
			if err := cbor.Unmarshal(msg.Data, &avail); err != nil || avail.JobCID != jobCID {
				continue
			}
			receipt, err := o.verifyAndIngestReceipt(avail)
			if err != nil {
				return ExecutionReceipt{}, err
			}
			return receipt, nil
		}
	}
}

// verifyAndIngestReceipt resolves avail's ReceiptCID against the DAG store,
// decodes and validates the receipt, verifies its executor signature, and
// feeds the outcome into both peer scoring and the reputation engine. Split
// out of awaitReceipt so this verification path — the same one
// httpapi.handleIngestReceipt must also apply to receipts submitted over
// HTTP — is directly testable without a live mesh subscription.
func (o *Orchestrator) verifyAndIngestReceipt(avail receiptAvailableMsg) (ExecutionReceipt, error) {
	node, ok := o.dag.Get(avail.ReceiptCID)
	if !ok {
		return ExecutionReceipt{}, fmt.Errorf("%w: receipt %s not found in dag", ErrNotFound, avail.ReceiptCID)
	}
	var receipt ExecutionReceipt
	if err := DecodeCanonical(node.ContentBytes, &receipt); err != nil {
		return ExecutionReceipt{}, fmt.Errorf("%w: decode receipt: %v", ErrInvalidReceipt, err)
	}
	if err := receipt.Validate(); err != nil {
		return ExecutionReceipt{}, err
	}
	if err := VerifySignature(receipt.ExecutorDID, receipt.SignableBytes(), receipt.Signature); err != nil {
		o.mesh.RecordPeerOutcome(receipt.ExecutorDID, false, 0, 0, 0)
		return ExecutionReceipt{}, err
	}
	o.mesh.RecordPeerOutcome(receipt.ExecutorDID, true, 0, 1, 1)
	o.rep.IngestReceipt(receipt, time.Now().UTC())
	return receipt, nil
}

// --- executor side ---

// BidFunc decides whether and how much to bid for an announced job; it
// returns ok=false to decline.
type BidFunc func(params MeshJobParams) (price uint64, claim ResourceSpec, ok bool)

// RunExecutorLoop subscribes to the federation's job-announce topic and, for
// every announcement decide accepts, submits a signed bid, watches that
// job's assignment topic, and on winning executes it via wasmFetcher and
// publishes the resulting receipt. Blocks until ctx is cancelled.
func (o *Orchestrator) RunExecutorLoop(ctx context.Context, decide BidFunc, wasmFetcher func(cid string) ([]byte, error), jobInputFetcher func(jobCID string) ([]byte, error)) error {
	announceCh, err := o.mesh.Subscribe(TopicJobAnnounce(o.cfg.FederationID))
	if err != nil {
		return err
	}
	defer o.mesh.Unsubscribe(TopicJobAnnounce(o.cfg.FederationID))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-announceCh:
			if !ok {
				return nil
			}
			var announce jobAnnounceMsg
			if err := cbor.Unmarshal(msg.Data, &announce); err != nil {
				continue
			}
			price, claim, wantsBid := decide(announce.Params)
			if !wantsBid {
				continue
			}
			go o.bidAndMaybeExecute(ctx, announce, price, claim, wasmFetcher, jobInputFetcher)
		}
	}
}

func (o *Orchestrator) bidAndMaybeExecute(ctx context.Context, announce jobAnnounceMsg, price uint64, claim ResourceSpec, wasmFetcher func(cid string) ([]byte, error), jobInputFetcher func(jobCID string) ([]byte, error)) {
	bid := JobBid{
		JobCID: announce.JobCID, BidderDID: o.selfDID, Price: price, ResourceClaim: claim,
		Timestamp: time.Now().UTC(),
	}
	bid.Signature = Sign(o.selfKey, bid.SignableBytes())
	data, err := cbor.Marshal(bid)
	if err != nil {
		o.logger.WithError(err).Warn("orchestrator: encode bid failed")
		return
	}
	if err := o.mesh.Broadcast(TopicJobBids(announce.JobCID), data); err != nil {
		o.logger.WithError(err).Warn("orchestrator: broadcast bid failed")
		return
	}

	assignCh, err := o.mesh.Subscribe(TopicJobAssignment(announce.JobCID))
	if err != nil {
		return
	}
	defer o.mesh.Unsubscribe(TopicJobAssignment(announce.JobCID))

	select {
	case <-ctx.Done():
		return
	case <-time.After(o.cfg.AssignmentTimeout):
		return
	case msg, ok := <-assignCh:
		if !ok {
			return
		}
		var assignment jobAssignmentMsg
		if err := cbor.Unmarshal(msg.Data, &assignment); err != nil || assignment.ExecutorDID != o.selfDID {
			return
		}
		if err := VerifySignature(announce.OriginatorDID, Canonicalize(struct {
			JobCID      string `cbor:"job_cid"`
			ExecutorDID string `cbor:"executor_did"`
		}{assignment.JobCID, assignment.ExecutorDID}), assignment.Signature); err != nil {
			o.logger.WithError(err).Warn("orchestrator: assignment signature invalid")
			return
		}
		o.executeAssigned(announce, wasmFetcher, jobInputFetcher)
	}
}

func (o *Orchestrator) executeAssigned(announce jobAnnounceMsg, wasmFetcher func(cid string) ([]byte, error), jobInputFetcher func(jobCID string) ([]byte, error)) {
	scope := ScopeKey{Kind: ScopeIndividual, DID: announce.OriginatorDID}
	jobCtx := NewJobExecutionContext(announce.JobCID, announce.Params, o.selfDID, announce.OriginatorDID, scope, false)
	jobCtx.OnStatusChange(func(s JobStatus) {
		data, err := cbor.Marshal(s)
		if err != nil {
			return
		}
		_ = o.mesh.Broadcast(TopicJobStatus(announce.JobCID), data)
	})

	st := o.mana.Get(scope, time.Now().UTC())
	fuelBudget := st.Balance * o.cfg.FuelPerMana
	if fuelBudget == 0 {
		fuelBudget = announce.Params.MaxBid * o.cfg.FuelPerMana
	}

	input, err := jobInputFetcher(announce.JobCID)
	if err != nil {
		o.logger.WithError(err).Warn("orchestrator: job input fetch failed")
		return
	}

	receipt, err := o.runtime.ExecuteWorkflow(jobCtx, input, fuelBudget, wasmFetcher)
	if err != nil {
		o.logger.WithError(err).Warn("orchestrator: execution failed")
		return
	}

	avail := receiptAvailableMsg{JobCID: announce.JobCID, ReceiptCID: receipt.AnchoredCIDs[0]}
	data, err := cbor.Marshal(avail)
	if err != nil {
		return
	}
	_ = o.mesh.Broadcast(TopicReceiptsAvailable(o.cfg.FederationID), data)
}
