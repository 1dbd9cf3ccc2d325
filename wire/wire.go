// Package wire provides the canonical, deterministic binary encoding the
// spec requires for every control message, direct message and persisted
// state type: a CBOR profile with sorted map keys and no indefinite-length
// items, so two replicas that agree on a value always agree on its bytes
// (Seen elsewhere in the retrieval pack as the encoding of choice for
// threshold-signature wire messages; fxamacker/cbor is the same library.)
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: build canonical encoder: %v", err))
	}
	return mode
}

var decMode = mustDecMode()

func mustDecMode() cbor.DecMode {
	opts := cbor.DecOptions{
		// Mirrors upstream control-message sizes: group membership lists,
		// ratchet buffers and X3DH/HPKE ciphertexts are all small; this
		// only guards against a corrupt or hostile peer inflating a
		// length prefix to exhaust memory during decode.
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
	}
	mode, err := opts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: build decoder: %v", err))
	}
	return mode
}

// Marshal encodes v using the canonical CBOR profile.
func Marshal(v interface{}) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes b into v, which must be a pointer.
func Unmarshal(b []byte, v interface{}) error {
	if err := decMode.Unmarshal(b, v); err != nil {
		return fmt.Errorf("wire: unmarshal: %w", err)
	}
	return nil
}
