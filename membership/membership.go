// Package membership implements the GroupMembershipCRDT: a replicated set
// of current group members that converges under causal, at-least-once
// delivery of add/remove operations and explicit member acknowledgements.
//
// Every exported operation is a pure function: it takes a State and returns
// a new State (or an error, leaving the input untouched), following the
// same functional-transition discipline the teacher's DKG state machine
// uses for its own proposal/accept/reject/execute steps.
package membership

import (
	"github.com/p2panda/p2panda-group/common/log"
	"github.com/p2panda/p2panda-group/identity"
)

// MemberInfo tracks everything the CRDT knows about one identity that has
// ever been added to the group, whether or not it is a current member.
type MemberInfo struct {
	ID identity.ID
	// Adder is nil only for members present at group creation.
	Adder          *identity.ID
	RemoveMessages []identity.OperationID
	Acks           map[identity.ID]struct{}
}

func (m *MemberInfo) clone() *MemberInfo {
	out := &MemberInfo{ID: m.ID}
	if m.Adder != nil {
		a := *m.Adder
		out.Adder = &a
	}
	out.RemoveMessages = append([]identity.OperationID(nil), m.RemoveMessages...)
	out.Acks = cloneSet(m.Acks)
	return out
}

// RemoveInfo tracks one remove operation: the set of identities it is
// currently credited with removing (which can grow past its literal target
// via the transitive sweep) and who has acked it.
type RemoveInfo struct {
	Removed map[identity.ID]struct{}
	Acks    map[identity.ID]struct{}
}

func (r *RemoveInfo) clone() *RemoveInfo {
	return &RemoveInfo{Removed: cloneSet(r.Removed), Acks: cloneSet(r.Acks)}
}

// State is the full replicated membership CRDT for one local participant.
type State struct {
	MyID           identity.ID
	Members        map[identity.ID]struct{}
	RemovedMembers map[identity.ID]struct{}
	MemberInfo     map[identity.ID]*MemberInfo
	RemoveInfo     map[identity.OperationID]*RemoveInfo
	AddsByMsg      map[identity.OperationID]identity.ID
	RemovesByMsg   map[identity.OperationID]struct{}
}

func cloneSet(in map[identity.ID]struct{}) map[identity.ID]struct{} {
	out := make(map[identity.ID]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func setOf(ids ...identity.ID) map[identity.ID]struct{} {
	out := make(map[identity.ID]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// clone deep-copies every mutable collection in s so mutating operations
// never alter state a caller is still holding a reference to.
func (s State) clone() State {
	out := State{
		MyID:           s.MyID,
		Members:        cloneSet(s.Members),
		RemovedMembers: cloneSet(s.RemovedMembers),
		MemberInfo:     make(map[identity.ID]*MemberInfo, len(s.MemberInfo)),
		RemoveInfo:     make(map[identity.OperationID]*RemoveInfo, len(s.RemoveInfo)),
		AddsByMsg:      make(map[identity.OperationID]identity.ID, len(s.AddsByMsg)),
		RemovesByMsg:   make(map[identity.OperationID]struct{}, len(s.RemovesByMsg)),
	}
	for k, v := range s.MemberInfo {
		out.MemberInfo[k] = v.clone()
	}
	for k, v := range s.RemoveInfo {
		out.RemoveInfo[k] = v.clone()
	}
	for k, v := range s.AddsByMsg {
		out.AddsByMsg[k] = v
	}
	for k := range s.RemovesByMsg {
		out.RemovesByMsg[k] = struct{}{}
	}
	return out
}

// Create builds the initial state for a freshly created group: every
// initial member's add is considered acked by the whole initial set.
func Create(myID identity.ID, initialMembers []identity.ID) State {
	acks := setOf(initialMembers...)
	s := State{
		MyID:           myID,
		Members:        setOf(initialMembers...),
		RemovedMembers: map[identity.ID]struct{}{},
		MemberInfo:     make(map[identity.ID]*MemberInfo, len(initialMembers)),
		RemoveInfo:     map[identity.OperationID]*RemoveInfo{},
		AddsByMsg:      map[identity.OperationID]identity.ID{},
		RemovesByMsg:   map[identity.OperationID]struct{}{},
	}
	for _, id := range initialMembers {
		s.MemberInfo[id] = &MemberInfo{ID: id, Acks: cloneSet(acks)}
	}
	return s
}

// FromWelcome clones a welcoming member's view of the group for use by a
// newly added member: same membership facts, but seen as myID from now on.
func FromWelcome(myID identity.ID, welcome State) State {
	out := welcome.clone()
	out.MyID = myID
	return out
}

// Add records that adder added added under msgID. If adder has itself been
// (possibly concurrently) removed, added is credited to every remove
// message that removed adder instead of joining the live member set — see
// the spec's concurrent-add-vs-remove resolution.
func Add(state State, adder, added identity.ID, msgID identity.OperationID) (State, error) {
	if _, known := state.MemberInfo[added]; known {
		return state, ErrDuplicateAdd
	}
	_, adderIsMember := state.Members[adder]
	adderInfo, adderKnown := state.MemberInfo[adder]
	if !adderIsMember && !adderKnown {
		return state, ErrUnrecognizedMember
	}

	next := state.clone()

	adderCopy := adder
	addedInfo := &MemberInfo{
		ID:    added,
		Adder: &adderCopy,
		Acks:  setOf(adder, added, next.MyID),
	}

	if adderIsMember {
		next.Members[added] = struct{}{}
	} else {
		// adder was concurrently removed: credit every remove message
		// that removed adder with removing added too.
		for _, msg := range adderInfo.RemoveMessages {
			if ri, ok := next.RemoveInfo[msg]; ok {
				ri.Removed[added] = struct{}{}
			}
		}
		next.RemovedMembers[added] = struct{}{}
		addedInfo.RemoveMessages = append(addedInfo.RemoveMessages, adderInfo.RemoveMessages...)
	}

	// Propagate adder's past acks: anyone who already acked adder's own
	// add (or a remove that named adder) transitively acks added too.
	for _, info := range next.MemberInfo {
		if _, ok := info.Acks[adder]; ok {
			info.Acks[added] = struct{}{}
		}
	}
	for _, ri := range next.RemoveInfo {
		if _, ok := ri.Acks[adder]; ok {
			ri.Acks[added] = struct{}{}
		}
	}

	next.MemberInfo[added] = addedInfo
	next.AddsByMsg[msgID] = added

	return next, nil
}

// Remove moves every identity in removed from members to removedMembers
// under msgID, then runs the transitive sweep: any member added by one of
// the identities just removed, whose add the remover never acked, is
// removed too, and credited to the same msgID. A target already removed by
// a concurrent Remove is not rejected: it is simply credited to this msgID
// too, as an additional RemoveInfo entry, matching a second remove of an
// already-removed identity in the message scheme.
func Remove(state State, remover identity.ID, removed []identity.ID, msgID identity.OperationID) (State, error) {
	for _, r := range removed {
		_, isMember := state.Members[r]
		_, known := state.MemberInfo[r]
		if !isMember && !known {
			return state, ErrUnrecognizedMember
		}
	}

	next := state.clone()
	removedSet := setOf(removed...)

	for _, r := range removed {
		delete(next.Members, r)
		next.RemovedMembers[r] = struct{}{}
		next.MemberInfo[r].RemoveMessages = append(next.MemberInfo[r].RemoveMessages, msgID)
	}

	next.RemovesByMsg[msgID] = struct{}{}
	ri := &RemoveInfo{Removed: removedSet, Acks: setOf(remover, next.MyID)}
	next.RemoveInfo[msgID] = ri

	if err := sweepTransitiveRemoves(&next, remover, msgID); err != nil {
		return state, err
	}

	return next, nil
}

// sweepTransitiveRemoves runs the fixed-point loop from the spec: while any
// current member's adder is now credited to msgID's removal and the
// remover never acked that member's add, the member is swept into
// removedMembers too. The loop is bounded by members+removedMembers, which
// is the documented convergence bound; exceeding it indicates corrupted
// state rather than a non-terminating algorithm.
func sweepTransitiveRemoves(state *State, remover identity.ID, msgID identity.OperationID) error {
	ri := state.RemoveInfo[msgID]
	bound := len(state.Members) + len(state.RemovedMembers) + 1

	for iterations := 0; ; iterations++ {
		if iterations > bound {
			return errSweepDidNotConverge
		}
		changed := false
		for id := range state.Members {
			info := state.MemberInfo[id]
			if info.Adder == nil {
				continue
			}
			if _, adderRemoved := ri.Removed[*info.Adder]; !adderRemoved {
				continue
			}
			if _, ackedByRemover := info.Acks[remover]; ackedByRemover {
				continue
			}
			delete(state.Members, id)
			state.RemovedMembers[id] = struct{}{}
			info.RemoveMessages = append(info.RemoveMessages, msgID)
			ri.Removed[id] = struct{}{}
			changed = true
			log.Default().Debugw("membership: transitive sweep removed member whose adder was removed", "member", id, "remover", remover)
		}
		if !changed {
			return nil
		}
	}
}

// Ack records that acker has witnessed the add or remove identified by
// msgID. Acking one's own add is a silent no-op (members implicitly ack
// their own add at Add time already); acking one's own removal is refused.
func Ack(state State, acker identity.ID, msgID identity.OperationID) (State, error) {
	if _, known := state.MemberInfo[acker]; !known {
		return state, ErrUnrecognizedMember
	}

	if added, ok := state.AddsByMsg[msgID]; ok {
		if acker == added {
			return state, nil
		}
		info := state.MemberInfo[added]
		if _, already := info.Acks[acker]; already {
			return state, ErrAlreadyAcked
		}
		next := state.clone()
		next.MemberInfo[added].Acks[acker] = struct{}{}
		return next, nil
	}

	if _, ok := state.RemovesByMsg[msgID]; ok {
		ri := state.RemoveInfo[msgID]
		if _, self := ri.Removed[acker]; self {
			return state, ErrAckingOwnRemoval
		}
		if _, already := ri.Acks[acker]; already {
			return state, ErrAlreadyAcked
		}
		next := state.clone()
		next.RemoveInfo[msgID].Acks[acker] = struct{}{}
		return next, nil
	}

	return state, ErrUnknownMessage
}

// MembersView returns the set of identities viewer currently sees as group
// members. The local MyID sees the canonical Members set; any other
// viewer's view is reconstructed from what they are known to have acked:
// a current member whose add they acked, plus a removed member none of
// whose remove messages they acked yet (they have not caught up to the
// removal from their own vantage point).
func MembersView(state State, viewer identity.ID) map[identity.ID]struct{} {
	if viewer == state.MyID {
		return cloneSet(state.Members)
	}

	view := make(map[identity.ID]struct{})
	for id := range state.Members {
		info := state.MemberInfo[id]
		if _, acked := info.Acks[viewer]; acked {
			view[id] = struct{}{}
		}
	}
	for id := range state.RemovedMembers {
		info := state.MemberInfo[id]
		stillVisible := true
		for _, msg := range info.RemoveMessages {
			if ri, ok := state.RemoveInfo[msg]; ok {
				if _, acked := ri.Acks[viewer]; acked {
					stillVisible = false
					break
				}
			}
		}
		if stillVisible {
			view[id] = struct{}{}
		}
	}
	return view
}
