package core

import (
	"testing"

	"golang.org/x/time/rate"
)

// These tests exercise only the pure-logic pieces of the Mesh Protocol that
// do not require a live libp2p host (signing/verification, rate limiting):
// standing up a real host for gossipsub round-tripping is an integration
// concern, matching the teacher's own core/network_test.go, which likewise
// tests message handling without a live network.

func TestDagSyncRequestSignatureRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	did, err := PubKeyToDID(pub)
	if err != nil {
		t.Fatalf("derive did: %v", err)
	}

	req := dagSyncRequest{RootCID: "bafy-root", Requester: did, MaxDepth: 3}
	req.Signature = Sign(priv, req.signableBytes())

	if err := VerifySignature(req.Requester, req.signableBytes(), req.Signature); err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}
}

func TestDagSyncRequestRejectsTamperedFields(t *testing.T) {
	pub, priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	did, err := PubKeyToDID(pub)
	if err != nil {
		t.Fatalf("derive did: %v", err)
	}

	req := dagSyncRequest{RootCID: "bafy-root", Requester: did, MaxDepth: 3}
	req.Signature = Sign(priv, req.signableBytes())

	tampered := req
	tampered.MaxDepth = 99
	if err := VerifySignature(tampered.Requester, tampered.signableBytes(), tampered.Signature); err == nil {
		t.Fatal("expected signature verification to fail after tampering with max_depth")
	}
}

func TestAllowDagSyncEnforcesBurstThenBlocks(t *testing.T) {
	m := &Mesh{
		limiters: make(map[string]*rate.Limiter),
		cfg:      MeshConfig{DagSyncRatePerSec: 1, DagSyncBurst: 2},
	}
	const requester = "did:key:zRequester"

	if !m.allowDagSync(requester) {
		t.Fatal("expected first request within burst to be allowed")
	}
	if !m.allowDagSync(requester) {
		t.Fatal("expected second request within burst to be allowed")
	}
	if m.allowDagSync(requester) {
		t.Fatal("expected third immediate request to exceed the burst and be denied")
	}
}

func TestAllowDagSyncTracksRequestersIndependently(t *testing.T) {
	m := &Mesh{
		limiters: make(map[string]*rate.Limiter),
		cfg:      MeshConfig{DagSyncRatePerSec: 1, DagSyncBurst: 1},
	}
	if !m.allowDagSync("did:key:zA") {
		t.Fatal("expected first requester's first request to be allowed")
	}
	if m.allowDagSync("did:key:zA") {
		t.Fatal("expected first requester's second immediate request to be denied")
	}
	if !m.allowDagSync("did:key:zB") {
		t.Fatal("expected a different requester to have its own independent limiter")
	}
}
