package membership

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p2panda/p2panda-group/identity"
)

func id(b byte) identity.ID {
	var out identity.ID
	out[0] = b
	return out
}

func op(sender identity.ID, seq uint64) identity.OperationID {
	return identity.OperationID{Sender: sender, Seq: seq}
}

var (
	alice = id(1)
	bob   = id(2)
	carol = id(3)
	dave  = id(4)
)

func TestCreateEveryInitialMemberAcksEachOther(t *testing.T) {
	state := Create(alice, []identity.ID{alice, bob})

	require.Equal(t, map[identity.ID]struct{}{alice: {}, bob: {}}, state.Members)
	for _, m := range []identity.ID{alice, bob} {
		require.Contains(t, state.MemberInfo[m].Acks, alice)
		require.Contains(t, state.MemberInfo[m].Acks, bob)
	}
}

func TestAddMakesNewMemberVisibleToAdder(t *testing.T) {
	state := Create(alice, []identity.ID{alice, bob})

	next, err := Add(state, alice, carol, op(alice, 1))
	require.NoError(t, err)
	require.Contains(t, next.Members, carol)
	require.Contains(t, next.MemberInfo[carol].Acks, alice)
	require.Contains(t, next.MemberInfo[carol].Acks, carol)
}

func TestAddRejectsDuplicateIdentity(t *testing.T) {
	state := Create(alice, []identity.ID{alice, bob})
	next, err := Add(state, alice, carol, op(alice, 1))
	require.NoError(t, err)

	_, err = Add(next, bob, carol, op(bob, 1))
	require.ErrorIs(t, err, ErrDuplicateAdd)
}

func TestAddByUnrecognizedAdderFails(t *testing.T) {
	state := Create(alice, []identity.ID{alice, bob})
	_, err := Add(state, carol, dave, op(carol, 1))
	require.ErrorIs(t, err, ErrUnrecognizedMember)
}

func TestRemoveOnlyRemainingMemberTerminatesCleanly(t *testing.T) {
	state := Create(alice, []identity.ID{alice})
	next, err := Remove(state, alice, []identity.ID{alice}, op(alice, 1))
	require.NoError(t, err)
	require.Empty(t, next.Members)
	require.Contains(t, next.RemovedMembers, alice)
}

// TestConcurrentRemovalNullifiesAdd mirrors scenario 4 from the spec:
// group {A, B, C}; A removes C (A.1); concurrently C adds D (C.1). Once B
// has seen both, D must come out removed and credited to A's remove.
func TestConcurrentRemovalNullifiesAdd(t *testing.T) {
	state := Create(alice, []identity.ID{alice, bob, carol})
	bState := FromWelcome(bob, state)

	// B observes C adding D first.
	bState, err := Add(bState, carol, dave, op(carol, 1))
	require.NoError(t, err)
	require.Contains(t, bState.Members, dave)

	// Then B observes A removing C; the sweep must retroactively remove D.
	bState, err = Remove(bState, alice, []identity.ID{carol}, op(alice, 1))
	require.NoError(t, err)

	require.NotContains(t, bState.Members, dave)
	require.Contains(t, bState.RemovedMembers, dave)
	require.Contains(t, bState.MemberInfo[dave].RemoveMessages, op(alice, 1))

	view := MembersView(bState, alice)
	require.Equal(t, map[identity.ID]struct{}{alice: {}, bob: {}}, view)
}

// TestConcurrentRemovalNullifiesAddOtherDeliveryOrder delivers the same two
// operations to a second replica in the opposite order, and checks it
// converges to the same view as TestConcurrentRemovalNullifiesAdd (the
// CRDT's defining property).
func TestConcurrentRemovalNullifiesAddOtherDeliveryOrder(t *testing.T) {
	state := Create(alice, []identity.ID{alice, bob, carol})
	bState := FromWelcome(bob, state)

	bState, err := Remove(bState, alice, []identity.ID{carol}, op(alice, 1))
	require.NoError(t, err)

	bState, err = Add(bState, carol, dave, op(carol, 1))
	require.NoError(t, err)

	require.NotContains(t, bState.Members, dave)
	require.Contains(t, bState.RemovedMembers, dave)
}

func TestAckOwnAddIsSilentlyTolerated(t *testing.T) {
	state := Create(alice, []identity.ID{alice, bob})
	next, err := Add(state, alice, carol, op(alice, 1))
	require.NoError(t, err)

	same, err := Ack(next, carol, op(alice, 1))
	require.NoError(t, err)
	require.Equal(t, next, same)
}

func TestAckOwnRemovalIsRejected(t *testing.T) {
	state := Create(alice, []identity.ID{alice, bob, carol})
	next, err := Remove(state, alice, []identity.ID{carol}, op(alice, 1))
	require.NoError(t, err)

	_, err = Ack(next, carol, op(alice, 1))
	require.ErrorIs(t, err, ErrAckingOwnRemoval)
}

func TestAckTwiceFails(t *testing.T) {
	state := Create(alice, []identity.ID{alice, bob, carol})
	next, err := Remove(state, alice, []identity.ID{carol}, op(alice, 1))
	require.NoError(t, err)

	next, err = Ack(next, bob, op(alice, 1))
	require.NoError(t, err)

	_, err = Ack(next, bob, op(alice, 1))
	require.ErrorIs(t, err, ErrAlreadyAcked)
}

// TestRemoveAlreadyRemovedMemberIsCredited mirrors acked_dgm.rs's support for
// crediting a second remove of an already-removed identity with its own
// RemoveInfo entry, rather than rejecting it as unrecognized: two members
// can concurrently remove the same target and both removes still converge.
func TestRemoveAlreadyRemovedMemberIsCredited(t *testing.T) {
	state := Create(alice, []identity.ID{alice, bob, carol})

	next, err := Remove(state, alice, []identity.ID{carol}, op(alice, 1))
	require.NoError(t, err)
	require.NotContains(t, next.Members, carol)

	next, err = Remove(next, bob, []identity.ID{carol}, op(bob, 1))
	require.NoError(t, err)

	require.Contains(t, next.RemovedMembers, carol)
	require.Contains(t, next.RemoveInfo, op(alice, 1))
	require.Contains(t, next.RemoveInfo, op(bob, 1))
	require.Contains(t, next.RemoveInfo[op(bob, 1)].Removed, carol)
	require.Contains(t, next.MemberInfo[carol].RemoveMessages, op(alice, 1))
	require.Contains(t, next.MemberInfo[carol].RemoveMessages, op(bob, 1))
}

func TestAckUnknownMessageFails(t *testing.T) {
	state := Create(alice, []identity.ID{alice, bob})
	_, err := Ack(state, bob, op(carol, 99))
	require.ErrorIs(t, err, ErrUnknownMessage)
}

// TestMembersViewConvergesAcrossDeliveryOrders checks invariant 2 from the
// spec's testable properties: two replicas that received the same set of
// operations and acks, in different orders, agree on every viewer's view.
func TestMembersViewConvergesAcrossDeliveryOrders(t *testing.T) {
	base := Create(alice, []identity.ID{alice, bob})

	build := func(ackCarolFirst bool) State {
		// Alice's replica: Bob's acks are not implied by the local id.
		s := base
		add := func(st State, added identity.ID, seq uint64) State {
			out, err := Add(st, alice, added, op(alice, seq))
			require.NoError(t, err)
			return out
		}
		ackByBob := func(st State, seq uint64) State {
			out, err := Ack(st, bob, op(alice, seq))
			require.NoError(t, err)
			return out
		}
		// An ack can't precede the add it references, so the adds come
		// first and Bob's two acks are delivered in either order.
		s = add(add(s, carol, 1), dave, 2)
		if ackCarolFirst {
			s = ackByBob(ackByBob(s, 1), 2)
		} else {
			s = ackByBob(ackByBob(s, 2), 1)
		}
		return s
	}

	a := build(true)
	b := build(false)

	require.Equal(t, MembersView(a, alice), MembersView(b, alice))
	require.Equal(t, MembersView(a, bob), MembersView(b, bob))
	require.Equal(t, MembersView(a, carol), MembersView(b, carol))
}

func TestSweepConvergesWithinDocumentedBound(t *testing.T) {
	// A chain of adds where each adder is removed by the same operation
	// should all fall out in one Remove call, regardless of chain length.
	// Seen from Bob's replica, so Alice, the remover, acked none of the adds.
	state := Create(bob, []identity.ID{alice, bob})
	cur := state
	members := []identity.ID{bob}
	prev := bob
	for i := byte(5); i < 15; i++ {
		next := id(i)
		var err error
		cur, err = Add(cur, prev, next, op(prev, 1))
		require.NoError(t, err)
		members = append(members, next)
		prev = next
	}

	cur, err := Remove(cur, alice, []identity.ID{bob}, op(alice, 1))
	require.NoError(t, err)

	for _, m := range members {
		require.Contains(t, cur.RemovedMembers, m)
		require.NotContains(t, cur.Members, m)
	}
}
