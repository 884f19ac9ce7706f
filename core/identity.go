package core

// Identity primitives: did:key encoding over Ed25519, and the Sign/Verify
// pair used for every signed wire message. Grounded on the teacher's
// core/security.go Sign/Verify(AlgoEd25519, ...) path, narrowed to the single
// algorithm the spec names (BLS and PQ signing in the teacher have no home
// here — see DESIGN.md).

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/multiformats/go-multibase"
)

// multicodecEd25519Pub is the multicodec prefix (0xed, 0x01) for an
// Ed25519 public key, per SPEC_FULL.md §6 / spec.md §6.
var multicodecEd25519Pub = []byte{0xed, 0x01}

// GenerateKey creates a fresh Ed25519 keypair. Key generation itself is out
// of scope per spec.md §1 (only the verification contract matters); this
// helper exists for tests and local tooling only.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// PubKeyToDID encodes an Ed25519 public key as a did:key identifier:
// "did:key:z" + multibase-base58btc(0xed 0x01 || pubkey).
func PubKeyToDID(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("identity: invalid ed25519 public key length %d", len(pub))
	}
	payload := make([]byte, 0, len(multicodecEd25519Pub)+len(pub))
	payload = append(payload, multicodecEd25519Pub...)
	payload = append(payload, pub...)
	enc, err := multibase.Encode(multibase.Base58BTC, payload)
	if err != nil {
		return "", fmt.Errorf("identity: multibase encode: %w", err)
	}
	return "did:key:" + enc, nil
}

// DIDToPubKey decodes a did:key identifier back into its Ed25519 public key.
// Round-trips with PubKeyToDID per spec.md §8.
func DIDToPubKey(did string) (ed25519.PublicKey, error) {
	const prefix = "did:key:"
	if len(did) <= len(prefix) || did[:len(prefix)] != prefix {
		return nil, fmt.Errorf("identity: not a did:key identifier: %s", did)
	}
	_, payload, err := multibase.Decode(did[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("identity: multibase decode: %w", err)
	}
	if len(payload) != len(multicodecEd25519Pub)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: unexpected payload length %d", len(payload))
	}
	if payload[0] != multicodecEd25519Pub[0] || payload[1] != multicodecEd25519Pub[1] {
		return nil, fmt.Errorf("identity: unsupported multicodec prefix")
	}
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, payload[len(multicodecEd25519Pub):])
	return pub, nil
}

// Sign signs msg under priv and returns the raw Ed25519 signature.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// VerifySignature checks sig over msg against the public key encoded in
// signerDID.
func VerifySignature(signerDID string, msg, sig []byte) error {
	pub, err := DIDToPubKey(signerDID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrSignatureInvalid
	}
	return nil
}
