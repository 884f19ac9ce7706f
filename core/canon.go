package core

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

// canonEncMode produces deterministic CBOR: sorted map keys, shortest-form
// integers, no indefinite-length containers. All signed payloads in the
// mesh protocol (bids, assignments, receipts, trust bundles) are hashed and
// signed over this encoding so that any two honest peers compute identical
// bytes for identical values.
var canonEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		// Options are a compile-time constant set; a failure here means the
		// cbor library changed its validation rules incompatibly.
		logrus.WithError(err).Panic("core: failed to build canonical cbor encoder")
	}
	return mode
}()

// Canonicalize returns the canonical CBOR encoding of v. It panics only if v
// contains a type the cbor encoder cannot represent (channels, funcs), which
// indicates a programmer error in a wire-message struct definition.
func Canonicalize(v interface{}) []byte {
	b, err := canonEncMode.Marshal(v)
	if err != nil {
		logrus.WithError(err).WithField("type", v).Panic("core: value is not canonically encodable")
	}
	return b
}

// DecodeCanonical unmarshals canonical CBOR bytes into v.
func DecodeCanonical(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
