package core

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

// anchorTestReceipt signs, canonically encodes, and DAG-anchors receipt the
// same way Runtime.finalizeReceipt does, returning the anchored version and
// its CID.
func anchorTestReceipt(t *testing.T, dag *DagStore, receipt ExecutionReceipt, signer ed25519.PrivateKey) (ExecutionReceipt, string) {
	t.Helper()
	receipt.Signature = Sign(signer, receipt.SignableBytes())
	content := Canonicalize(receipt)
	cidStr, err := ComputeCID(content)
	if err != nil {
		t.Fatalf("compute cid: %v", err)
	}
	node := DagNode{CID: cidStr, ContentBytes: content, EventType: "execution_receipt", ScopeID: receipt.Scope.String(), Timestamp: receipt.EndTS}
	if _, err := dag.Insert(node); err != nil {
		t.Fatalf("anchor receipt: %v", err)
	}
	receipt.AnchoredCIDs = append(receipt.AnchoredCIDs, cidStr)
	return receipt, cidStr
}

func newTestOrchestrator(dag *DagStore) *Orchestrator {
	return &Orchestrator{
		mesh: &Mesh{scores: make(map[string]*peerScore)},
		rep:  NewEngine(defaultReputationConfig()),
		dag:  dag,
		cfg:  OrchestratorConfig{FederationID: "fed-1", BidWindow: 50 * time.Millisecond},
	}
}

func baseTestReceipt(executorDID string) ExecutionReceipt {
	now := time.Now().UTC()
	return ExecutionReceipt{
		JobCID:        "bafy-job-1",
		ExecutorDID:   executorDID,
		OriginatorDID: "did:key:zOrig",
		Scope:         ScopeKey{Kind: ScopeIndividual, DID: "did:key:zOrig"},
		Status:        ReceiptSuccess,
		StartTS:       now,
		EndTS:         now.Add(time.Second),
	}
}

func TestVerifyAndIngestReceiptAcceptsValidSignature(t *testing.T) {
	dir := t.TempDir()
	dag, err := NewDagStore(filepath.Join(dir, "dag.wal"))
	if err != nil {
		t.Fatalf("new dag store: %v", err)
	}
	defer dag.Close()

	_, execPriv, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	execDID, err := PubKeyToDID(execPriv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("derive did: %v", err)
	}

	receipt, cidStr := anchorTestReceipt(t, dag, baseTestReceipt(execDID), execPriv)
	o := newTestOrchestrator(dag)

	got, err := o.verifyAndIngestReceipt(receiptAvailableMsg{JobCID: receipt.JobCID, ReceiptCID: cidStr})
	if err != nil {
		t.Fatalf("expected validly signed receipt to be accepted, got %v", err)
	}
	if got.ExecutorDID != execDID {
		t.Fatalf("expected returned receipt executor %s, got %s", execDID, got.ExecutorDID)
	}
	if score := o.mesh.PeerScore(execDID); score <= 0.5 {
		t.Fatalf("expected peer score to improve after a valid receipt, got %v", score)
	}
	if _, ok := o.rep.Profile(execDID); !ok {
		t.Fatal("expected reputation engine to have ingested the receipt")
	}
}

// TestVerifyAndIngestReceiptRejectsForgedSignature is the direct regression
// test for the bug the httpapi.handleIngestReceipt signature check fixes:
// a receipt whose Signature does not match its claimed ExecutorDID must
// never be accepted into reputation, regardless of entry point.
func TestVerifyAndIngestReceiptRejectsForgedSignature(t *testing.T) {
	dir := t.TempDir()
	dag, err := NewDagStore(filepath.Join(dir, "dag.wal"))
	if err != nil {
		t.Fatalf("new dag store: %v", err)
	}
	defer dag.Close()

	_, execPriv, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	execDID, err := PubKeyToDID(execPriv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("derive did: %v", err)
	}
	_, forgerPriv, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate forger key: %v", err)
	}

	// Signed by a different key than the one ExecutorDID names.
	receipt, cidStr := anchorTestReceipt(t, dag, baseTestReceipt(execDID), forgerPriv)
	o := newTestOrchestrator(dag)

	if _, err := o.verifyAndIngestReceipt(receiptAvailableMsg{JobCID: receipt.JobCID, ReceiptCID: cidStr}); err == nil {
		t.Fatal("expected forged-signature receipt to be rejected")
	}
	if _, ok := o.rep.Profile(execDID); ok {
		t.Fatal("expected no reputation profile to be created from a rejected receipt")
	}
	if score := o.mesh.PeerScore(execDID); score >= 0.5 {
		t.Fatalf("expected peer score to be penalized after a forged receipt, got %v", score)
	}
}

func TestVerifyAndIngestReceiptRejectsMissingDagEntry(t *testing.T) {
	dir := t.TempDir()
	dag, err := NewDagStore(filepath.Join(dir, "dag.wal"))
	if err != nil {
		t.Fatalf("new dag store: %v", err)
	}
	defer dag.Close()

	o := newTestOrchestrator(dag)
	if _, err := o.verifyAndIngestReceipt(receiptAvailableMsg{JobCID: "bafy-job-1", ReceiptCID: "bafy-does-not-exist"}); err == nil {
		t.Fatal("expected missing dag entry to be rejected")
	}
}

func TestVerifyAndIngestReceiptRejectsInvalidTimestamps(t *testing.T) {
	dir := t.TempDir()
	dag, err := NewDagStore(filepath.Join(dir, "dag.wal"))
	if err != nil {
		t.Fatalf("new dag store: %v", err)
	}
	defer dag.Close()

	_, execPriv, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	execDID, err := PubKeyToDID(execPriv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("derive did: %v", err)
	}

	bad := baseTestReceipt(execDID)
	bad.EndTS = bad.StartTS.Add(-time.Second)
	receipt, cidStr := anchorTestReceipt(t, dag, bad, execPriv)
	o := newTestOrchestrator(dag)

	if _, err := o.verifyAndIngestReceipt(receiptAvailableMsg{JobCID: receipt.JobCID, ReceiptCID: cidStr}); err == nil {
		t.Fatal("expected end_ts before start_ts to be rejected")
	}
}

func TestCollectBidsFiltersInvalidSignaturesAndRespectsWindow(t *testing.T) {
	o := &Orchestrator{
		mesh:   &Mesh{scores: make(map[string]*peerScore)},
		cfg:    OrchestratorConfig{BidWindow: 30 * time.Millisecond},
		logger: logrus.WithField("component", "orchestrator_test"),
	}

	_, validPriv, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	validDID, err := PubKeyToDID(validPriv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("derive did: %v", err)
	}
	_, otherPriv, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}

	validBid := JobBid{JobCID: "bafy-job-1", BidderDID: validDID, Price: 10, Timestamp: time.Now().UTC()}
	validBid.Signature = Sign(validPriv, validBid.SignableBytes())

	forgedBid := JobBid{JobCID: "bafy-job-1", BidderDID: validDID, Price: 5, Timestamp: time.Now().UTC()}
	forgedBid.Signature = Sign(otherPriv, forgedBid.SignableBytes())

	bidCh := make(chan MeshMessage, 4)
	validData, err := cbor.Marshal(validBid)
	if err != nil {
		t.Fatalf("marshal valid bid: %v", err)
	}
	forgedData, err := cbor.Marshal(forgedBid)
	if err != nil {
		t.Fatalf("marshal forged bid: %v", err)
	}
	bidCh <- MeshMessage{Data: validData}
	bidCh <- MeshMessage{Data: forgedData}

	got := o.collectBids(context.Background(), bidCh)
	if len(got) != 1 {
		t.Fatalf("expected exactly the validly signed bid to survive, got %d", len(got))
	}
	if got[0].BidderDID != validDID || got[0].Price != 10 {
		t.Fatalf("expected the valid bid to be retained, got %+v", got[0])
	}
}
