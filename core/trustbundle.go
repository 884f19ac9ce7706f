package core

// Trust Bundle & Quorum (SPEC_FULL.md §4.2). A federation's root of trust is
// a quorum-signed bundle; three quorum policies are supported. Grounded on
// the teacher's core/security.go signature-verification helpers, narrowed to
// Ed25519-only per DESIGN.md, and on core/dao.go's pattern of small
// typed-error, struct-plus-constructor subsystems.

import (
	"crypto/sha256"
	"fmt"

	"github.com/sirupsen/logrus"
)

// QuorumType names a signature policy over a signer set.
type QuorumType string

const (
	QuorumMajority   QuorumType = "majority"
	QuorumThreshold  QuorumType = "threshold"
	QuorumWeighted   QuorumType = "weighted"
)

// QuorumPolicy parameterizes a QuorumType.
type QuorumPolicy struct {
	Type      QuorumType         `json:"type"`
	Threshold int                `json:"threshold,omitempty"` // for Threshold(k)
	Weights   map[string]float64 `json:"weights,omitempty"`   // signer DID -> weight, for Weighted
}

// BundleSignature is one signer's attestation over the bundle's canonical
// hash.
type BundleSignature struct {
	SignerDID string `json:"signer_did"`
	Signature []byte `json:"signature"`
}

// QuorumProof bundles the policy declaration with the collected signatures.
type QuorumProof struct {
	Policy     QuorumPolicy      `json:"policy"`
	Signatures []BundleSignature `json:"signatures"`
}

// FederationMetadata carries human-facing attributes of the federation the
// bundle roots.
type FederationMetadata struct {
	FederationID string `json:"federation_id"`
	Name         string `json:"name"`
}

// TrustBundle is a federation's quorum-signed root of trust.
type TrustBundle struct {
	RootCID  string              `json:"root_cid"`
	Metadata FederationMetadata  `json:"federation_metadata"`
	Proof    QuorumProof         `json:"quorum_proof"`
}

// canonicalHash returns the deterministic hash the quorum signs over: the
// bundle with its own proof's signatures cleared (signers sign the
// pre-signature bundle content, not each other's signatures).
func (b TrustBundle) canonicalHash() [32]byte {
	cp := b
	cp.Proof.Signatures = nil
	return sha256.Sum256(Canonicalize(cp))
}

// VerifyTrustBundle runs the ordered verification steps of §4.2:
//  1. canonical-hash the bundle
//  2. check each signature against the canonical hash and claimed signer
//  3. evaluate the policy over the set of valid signers
//  4. confirm each valid signer is in the current authorized set
//
// authorizedSigners maps DID -> weight; only its keys are consulted. The
// Weighted policy sums the weights declared in b.Proof.Policy.Weights, not
// the weights in authorizedSigners. Any failing step yields ErrQuorumInvalid
// wrapped with a reason.
func VerifyTrustBundle(b TrustBundle, authorizedSigners map[string]float64) error {
	hash := b.canonicalHash()

	validSigners := make(map[string]bool)
	for _, sig := range b.Proof.Signatures {
		if err := VerifySignature(sig.SignerDID, hash[:], sig.Signature); err != nil {
			logrus.WithFields(logrus.Fields{"signer": sig.SignerDID}).Warn("trustbundle: dropping invalid signature")
			continue
		}
		validSigners[sig.SignerDID] = true
	}

	// Step 4 folded early: only signers in the authorized set count toward
	// quorum, so an attacker cannot pad the signer count with valid
	// signatures from unauthorized keys.
	authorizedValid := make(map[string]bool)
	for did := range validSigners {
		if _, ok := authorizedSigners[did]; ok {
			authorizedValid[did] = true
		}
	}

	ok, reason := evaluateQuorumPolicy(b.Proof.Policy, authorizedValid, authorizedSigners)
	if !ok {
		return fmt.Errorf("%w: %s", ErrQuorumInvalid, reason)
	}
	return nil
}

func evaluateQuorumPolicy(policy QuorumPolicy, validSigners map[string]bool, authorized map[string]float64) (bool, string) {
	switch policy.Type {
	case QuorumMajority:
		need := len(authorized)/2 + 1
		if len(validSigners) >= need {
			return true, ""
		}
		return false, fmt.Sprintf("majority not met: %d/%d valid, need %d", len(validSigners), len(authorized), need)

	case QuorumThreshold:
		if len(validSigners) >= policy.Threshold {
			return true, ""
		}
		return false, fmt.Sprintf("threshold not met: %d valid, need %d", len(validSigners), policy.Threshold)

	case QuorumWeighted:
		var sum float64
		for did := range validSigners {
			sum += policy.Weights[did]
		}
		threshold := float64(policy.Threshold)
		if sum >= threshold {
			return true, ""
		}
		return false, fmt.Sprintf("weighted sum %.2f below threshold %.2f", sum, threshold)

	default:
		return false, fmt.Sprintf("unknown quorum type %q", policy.Type)
	}
}

// BundleCID computes the content identifier of the bundle's canonical
// encoding, satisfying the §3 invariant that bundle hash is deterministic
// over canonical serialization.
func BundleCID(b TrustBundle) (string, error) {
	return CIDOfCanonical(b)
}
