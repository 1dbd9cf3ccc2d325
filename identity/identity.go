// Package identity defines the stable opaque member handle used throughout
// the group key agreement core, and OperationID, the (sender, seq) pair that
// names one control message. The registry interfaces for looking up peers
// live in package pki.
package identity

import (
	"bytes"
	"encoding/hex"
)

// ID is a stable, cheaply-comparable handle for a group member. The core
// never interprets its bytes beyond equality, ordering and hashing; callers
// typically derive it from a long-term Ed25519 public key.
type ID [32]byte

// String renders the identity as lowercase hex, mainly for logs and tests.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Less gives ID a total, bytewise order. Membership state keeps its member
// sets in Go maps and does not call it; canonical wire encoding sorts map
// keys on its own.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Bytes returns a copy of the identity's raw bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, len(id))
	copy(out, id[:])
	return out
}

// FromBytes builds an ID from a 32-byte slice, typically an Ed25519 public key.
func FromBytes(b []byte) (ID, bool) {
	var id ID
	if len(b) != len(id) {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// Handle is the trait the design notes ask for: anything with a String and a
// total Less order can stand in for the participant identity. ID satisfies
// it; implementations are free to swap in their own type (e.g. a UUID or a
// DID) as long as it does the same. It is an ordinary interface, not a type
// constraint, so it does not require comparability beyond what == already
// gives ID as an array type.
type Handle interface {
	String() string
	Less(other ID) bool
}

var _ Handle = ID{}

// OperationID identifies a single control message: a per-sender sequence
// number that is monotone starting at zero. Two operations are the same
// message iff both fields match.
type OperationID struct {
	Sender ID
	Seq    uint64
}

func (op OperationID) String() string {
	return op.Sender.String() + "#" + itoa(op.Seq)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
