package httpapi

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/intercooperative/planetary-mesh/core"
)

func newTestHTTPServer(t *testing.T) *Server {
	t.Helper()
	dag, err := core.NewDagStore(t.TempDir() + "/dag.wal")
	if err != nil {
		t.Fatalf("new dag store: %v", err)
	}
	t.Cleanup(func() { dag.Close() })
	rep := core.NewEngine(core.ReputationConfig{})
	return NewServer(":0", nil, dag, rep)
}

func testReceipt(executorDID string) core.ExecutionReceipt {
	now := time.Now().UTC()
	return core.ExecutionReceipt{
		JobCID:        "bafy-job-1",
		ExecutorDID:   executorDID,
		OriginatorDID: "did:key:zOrig",
		Scope:         core.ScopeKey{Kind: core.ScopeIndividual, DID: "did:key:zOrig"},
		Status:        core.ReceiptSuccess,
		StartTS:       now,
		EndTS:         now.Add(time.Second),
	}
}

func postReceipt(t *testing.T, srv *Server, receipt core.ExecutionReceipt) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(receipt)
	if err != nil {
		t.Fatalf("marshal receipt: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/reputation/receipts", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)
	return rr
}

func TestHandleIngestReceiptRejectsForgedSignature(t *testing.T) {
	srv := newTestHTTPServer(t)

	execPub, _, err := core.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	execDID, err := core.PubKeyToDID(execPub)
	if err != nil {
		t.Fatalf("derive did: %v", err)
	}
	_, forgerPriv, err := core.GenerateKey()
	if err != nil {
		t.Fatalf("generate forger key: %v", err)
	}

	receipt := testReceipt(execDID)
	receipt.Signature = core.Sign(forgerPriv, receipt.SignableBytes())

	rr := postReceipt(t, srv, receipt)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for forged signature, got %d: %s", rr.Code, rr.Body.String())
	}
	if _, ok := srv.rep.Profile(execDID); ok {
		t.Fatal("expected no reputation profile to be created from a forged-signature receipt")
	}
}

func TestHandleIngestReceiptRejectsMissingSignature(t *testing.T) {
	srv := newTestHTTPServer(t)

	_, _, err := core.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	receipt := testReceipt("did:key:zUnsigned")

	rr := postReceipt(t, srv, receipt)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing signature, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleIngestReceiptAcceptsValidSignature(t *testing.T) {
	srv := newTestHTTPServer(t)

	execPub, execPriv, err := core.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	execDID, err := core.PubKeyToDID(execPub)
	if err != nil {
		t.Fatalf("derive did: %v", err)
	}

	receipt := testReceipt(execDID)
	receipt.Signature = core.Sign(execPriv, receipt.SignableBytes())

	rr := postReceipt(t, srv, receipt)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for validly signed receipt, got %d: %s", rr.Code, rr.Body.String())
	}
	if _, ok := srv.rep.Profile(execDID); !ok {
		t.Fatal("expected reputation engine to have ingested the validly signed receipt")
	}
}
