package core

import "errors"

// Error taxonomy for the mesh execution pipeline (SPEC_FULL.md §7). Each
// value is returned directly or wrapped with fmt.Errorf("...: %w", err) at
// subsystem boundaries; none are swallowed.
var (
	ErrTransport         = errors.New("transport: peer unreachable or gossip dropped")
	ErrInvalidContent    = errors.New("invalid content: cid mismatch or deserialization failure")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrQuorumInvalid     = errors.New("quorum invalid")
	ErrDenied            = errors.New("denied by policy enforcer")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTimeout           = errors.New("deadline expired")
	ErrFuelExhausted     = errors.New("wasm execution exceeded fuel budget")
	ErrExecutionFailure  = errors.New("wasm execution trapped or guest reported failure")
	ErrNotFound          = errors.New("not found")

	ErrInvalidJobParams = errors.New("invalid job params")
	ErrInvalidReceipt   = errors.New("invalid execution receipt")
	ErrJobNotFound      = errors.New("job not found")
	ErrBidRejected      = errors.New("bid rejected")
	ErrDuplicateBid     = errors.New("duplicate bid from bidder")
	ErrABIVersionMismatch = errors.New("host abi major version mismatch")
)
