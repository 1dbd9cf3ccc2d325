// Package ordering names the causal-delivery contract DCGKA assumes but
// does not implement. The networking layer that gossips control messages
// and replays out-of-order sync sessions lives entirely outside this
// module (see the spec's "out of scope" list); this interface only exists
// so a caller's orderer can be referenced from configuration and tests
// without this module importing a concrete transport.
package ordering

import "github.com/p2panda/p2panda-group/identity"

// Orderer reports whether an operation's causal predecessors have already
// been delivered to the local DCGKA state. DCGKA.Process trusts Ready to
// have been checked by the caller before the message ever reaches it; core
// logic performs no causal buffering of its own.
type Orderer interface {
	Ready(op identity.OperationID) bool
	// Observe records that op has now been delivered, so later Ready calls
	// for operations depending on it can return true.
	Observe(op identity.OperationID)
}

// Sequential is the simplest possible Orderer: it trusts the caller
// completely and is Ready for anything. Useful for single-writer tests and
// as documentation of the minimal contract a real orderer must satisfy.
type Sequential struct{}

func (Sequential) Ready(identity.OperationID) bool { return true }
func (Sequential) Observe(identity.OperationID)    {}

var _ Orderer = Sequential{}
