package core

// Content-addressing helpers. Grounded on the teacher's core/storage.go IPFS
// gateway wrapper, which computes CIDs locally with
// cid.NewCidV1(cid.Raw, mh) before ever touching the network — the same
// approach is used here for WASM modules, DAG nodes, receipts and trust
// bundles, all hashed with multihash sha-256 per SPEC_FULL.md §3.

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ComputeCID returns the multihash-sha256 CIDv1 (raw codec) over content.
func ComputeCID(content []byte) (string, error) {
	encodedMH, err := mh.Sum(content, mh.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("compute multihash: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, encodedMH)
	return c.String(), nil
}

// VerifyCID checks that wantCID is the CID of content.
func VerifyCID(wantCID string, content []byte) error {
	got, err := ComputeCID(content)
	if err != nil {
		return err
	}
	if got != wantCID {
		return fmt.Errorf("%w: expected %s got %s", ErrInvalidContent, wantCID, got)
	}
	return nil
}

// CIDOfCanonical computes the CID of the canonical encoding of v — used for
// the receipt-identity invariant cid(canonical(R)) == R.id.
func CIDOfCanonical(v interface{}) (string, error) {
	return ComputeCID(Canonicalize(v))
}
