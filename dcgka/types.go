// Package dcgka implements the Dcgka orchestrator: it ties the membership
// CRDT, the per-pair 2SM channels and the key manager together into the
// create/add/remove/update group operations, deriving a fresh update secret
// for every epoch and routing it to whichever ratchets need it.
package dcgka

import (
	"github.com/p2panda/p2panda-group/identity"
	"github.com/p2panda/p2panda-group/key"
	"github.com/p2panda/p2panda-group/membership"
	"github.com/p2panda/p2panda-group/pki"
	"github.com/p2panda/p2panda-group/ratchet"
	"github.com/p2panda/p2panda-group/twoparty"
)

// ControlKind tags the four group operations a control message can carry.
type ControlKind uint8

const (
	ControlCreate ControlKind = iota
	ControlAdd
	ControlRemove
	ControlUpdate
)

// Control is the broadcast half of a group operation.
type Control struct {
	Kind ControlKind

	InitialMembers []identity.ID // ControlCreate
	Added          identity.ID   // ControlAdd
	Removed        identity.ID   // ControlRemove
}

// DirectKind tags the three payload shapes a direct message can carry.
type DirectKind uint8

const (
	DirectWelcome DirectKind = iota
	DirectTwoParty
	DirectForward
)

// Direct is one point-to-point, 2SM-encrypted message accompanying (or
// following) a group operation. Epoch names the (sender, seq) of the
// operation the carried secret belongs to: for Welcome and TwoParty this is
// always the enclosing Operation's own id; for Forward it names an earlier
// operation whose update secret the sender is relaying to a member who
// could not have received it directly.
type Direct struct {
	Recipient identity.ID
	Kind      DirectKind
	Epoch     identity.OperationID
	Message   twoparty.Message
}

// Operation is one broadcast group operation together with every direct
// message it produced. A transport fans this out so each recipient sees the
// control message plus only the Direct entries addressed to them; Process
// accepts the full Operation and ignores entries not addressed to the
// local member, so tests can exercise it without simulating that fan-out.
type Operation struct {
	Sender  identity.ID
	Seq     uint64
	Control Control
	Direct  []Direct
}

// Signal reports a side effect of Process that the caller must act on
// beyond the returned state: being welcomed into the group, or being
// removed from it.
type Signal uint8

const (
	SignalNone Signal = iota
	SignalWelcomed
	SignalRemoved
)

// welcomePayload is the plaintext a Welcome direct message carries: the
// epoch's raw group seed (so the new member can derive every current
// member's update secret the same way everyone else did) plus the adder's
// serialised membership history.
type welcomePayload struct {
	Seed    ratchet.Secret
	History []byte
}

// State is one local participant's complete DCGKA state.
type State struct {
	MyID       identity.ID
	Keys       key.State
	PKI        pki.View
	TwoParty   map[identity.ID]twoparty.State
	Membership membership.State

	// MySeq is the next sequence number this participant will assign to
	// its own Create/Add/Remove/Update call.
	MySeq uint64
	// ExpectedSeq is the next sequence number expected from each remote
	// sender Process has seen; absence means 0.
	ExpectedSeq map[identity.ID]uint64

	// SendRatchets holds, per epoch-owning sender, the send-ratchet for
	// that sender's update secret: populated for MyID whenever we author
	// an operation ourselves, and mirrored (never advanced by us) for
	// other senders purely so their generation numbers line up with what
	// our ReceiveRatchets entry expects.
	SendRatchets map[identity.ID]ratchet.SendState
	// ReceiveRatchets holds, per sender, our receive-ratchet for that
	// sender's most recent update secret.
	ReceiveRatchets map[identity.ID]ratchet.ReceiveState

	// EpochSeeds retains the raw group seed for every epoch this member
	// has derived an update secret for, so it can still mint Forward
	// messages for members added concurrently with an already-processed
	// epoch. A stricter implementation would drop each seed once every
	// current member is known to hold its derived secret; retaining it
	// is a documented simplification of the message-scheme sketch.
	EpochSeeds map[identity.OperationID]ratchet.Secret

	// Pending marks epochs this member has applied to the membership CRDT
	// but could not yet derive an update secret for (the direct message
	// carrying it has not arrived, typically because of a concurrent add
	// racing the sender's knowledge of this member). It is cleared once a
	// TwoParty or Forward message resolves the gap.
	Pending map[identity.OperationID]struct{}
}

func cloneTwoParty(in map[identity.ID]twoparty.State) map[identity.ID]twoparty.State {
	out := make(map[identity.ID]twoparty.State, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSeq(in map[identity.ID]uint64) map[identity.ID]uint64 {
	out := make(map[identity.ID]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSendRatchets(in map[identity.ID]ratchet.SendState) map[identity.ID]ratchet.SendState {
	out := make(map[identity.ID]ratchet.SendState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneReceiveRatchets(in map[identity.ID]ratchet.ReceiveState) map[identity.ID]ratchet.ReceiveState {
	out := make(map[identity.ID]ratchet.ReceiveState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSeeds(in map[identity.OperationID]ratchet.Secret) map[identity.OperationID]ratchet.Secret {
	out := make(map[identity.OperationID]ratchet.Secret, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clonePending(in map[identity.OperationID]struct{}) map[identity.OperationID]struct{} {
	out := make(map[identity.OperationID]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func (s State) clone() State {
	return State{
		MyID:            s.MyID,
		Keys:            s.Keys,
		PKI:             s.PKI,
		TwoParty:        cloneTwoParty(s.TwoParty),
		Membership:      s.Membership,
		MySeq:           s.MySeq,
		ExpectedSeq:     cloneSeq(s.ExpectedSeq),
		SendRatchets:    cloneSendRatchets(s.SendRatchets),
		ReceiveRatchets: cloneReceiveRatchets(s.ReceiveRatchets),
		EpochSeeds:      cloneSeeds(s.EpochSeeds),
		Pending:         clonePending(s.Pending),
	}
}

// Init builds a fresh, empty DCGKA state for a participant that has not yet
// created or joined any group.
func Init(myID identity.ID, keys key.State, view pki.View) State {
	return State{
		MyID:            myID,
		Keys:            keys,
		PKI:             view,
		TwoParty:        map[identity.ID]twoparty.State{},
		ExpectedSeq:     map[identity.ID]uint64{},
		SendRatchets:    map[identity.ID]ratchet.SendState{},
		ReceiveRatchets: map[identity.ID]ratchet.ReceiveState{},
		EpochSeeds:      map[identity.OperationID]ratchet.Secret{},
		Pending:         map[identity.OperationID]struct{}{},
	}
}
