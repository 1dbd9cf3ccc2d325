package dcgka

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/zeebo/blake3"

	"github.com/p2panda/p2panda-group/common/log"
	"github.com/p2panda/p2panda-group/identity"
	"github.com/p2panda/p2panda-group/membership"
	"github.com/p2panda/p2panda-group/ratchet"
	"github.com/p2panda/p2panda-group/twoparty"
	"github.com/p2panda/p2panda-group/wire"
)

var memberSecretLabel = []byte("p2panda-group/dcgka/member-secret")

// deriveMemberSecret computes member_secret(m) = KDF(S, m) for the epoch
// seed S and member m, per the message scheme in section 4.4.
func deriveMemberSecret(seed ratchet.Secret, member identity.ID) ratchet.Secret {
	h := blake3.New()
	h.Write(memberSecretLabel)
	h.Write(seed[:])
	h.Write(member.Bytes())
	var out ratchet.Secret
	copy(out[:], h.Sum(nil))
	return out
}

func genSeed(rnd io.Reader) (ratchet.Secret, error) {
	var s ratchet.Secret
	if _, err := io.ReadFull(rnd, s[:]); err != nil {
		return s, fmt.Errorf("dcgka: generate group seed: %w", err)
	}
	return s, nil
}

// ensureChannel returns the 2SM channel state for peer, lazily bootstrapping
// it from the PKI view's published bundle the first time it is needed to
// address an outgoing message.
func ensureChannel(state State, peer identity.ID) (State, twoparty.State, error) {
	if ch, ok := state.TwoParty[peer]; ok {
		return state, ch, nil
	}
	bundle, ok := state.PKI.Bundle(peer)
	if !ok {
		return state, twoparty.State{}, ErrMissingPreKeys
	}
	next := state.clone()
	ch := twoparty.Init(bundle)
	next.TwoParty[peer] = ch
	return next, ch, nil
}

// sendSeedTo encrypts seed for recipient over their 2SM channel, tagging the
// resulting Direct with kind and epoch.
func sendSeedTo(state State, recipient identity.ID, kind DirectKind, epoch identity.OperationID, seed ratchet.Secret, rnd io.Reader) (State, Direct, error) {
	next, ch, err := ensureChannel(state, recipient)
	if err != nil {
		return state, Direct{}, err
	}
	payload, err := wire.Marshal(seed)
	if err != nil {
		return state, Direct{}, err
	}
	chNext, msg, err := twoparty.Send(ch, next.Keys, payload, rnd)
	if err != nil {
		return state, Direct{}, err
	}
	next = next.clone()
	next.TwoParty[recipient] = chNext
	return next, Direct{Recipient: recipient, Kind: kind, Epoch: epoch, Message: msg}, nil
}

// fanOutSeed sends seed to every recipient in to (skipping state.MyID). A
// recipient whose channel cannot be bootstrapped (typically MissingPreKeys,
// their bundle not yet known to our PKI view) does not abort the whole
// fan-out: its error is accumulated and every other reachable recipient
// still gets the direct message. The caller decides whether an accumulated
// error is fatal for the overall operation.
func fanOutSeed(state State, to []identity.ID, kind DirectKind, epoch identity.OperationID, seed ratchet.Secret, rnd io.Reader) (State, []Direct, error) {
	next := state
	var direct []Direct
	var errs *multierror.Error
	for _, m := range to {
		if m == next.MyID {
			continue
		}
		updated, d, err := sendSeedTo(next, m, kind, epoch, seed, rnd)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("recipient %s: %w", m, err))
			continue
		}
		next = updated
		direct = append(direct, d)
	}
	return next, direct, errs.ErrorOrNil()
}

// seedSelf reseeds our own send-ratchet for this epoch: we are always the
// sender of a locally originated operation.
func seedSelf(state State, seed ratchet.Secret, epoch identity.OperationID) State {
	next := state.clone()
	next.SendRatchets[next.MyID] = ratchet.NewSendState(deriveMemberSecret(seed, next.MyID))
	next.EpochSeeds[epoch] = seed
	return next
}

// Create starts a brand new group with the given initial membership
// (which must include state.MyID).
func Create(state State, initialMembers []identity.ID, rnd io.Reader) (State, Operation, error) {
	seq := state.MySeq
	epoch := identity.OperationID{Sender: state.MyID, Seq: seq}

	seed, err := genSeed(rnd)
	if err != nil {
		return state, Operation{}, err
	}

	next := state.clone()
	next.Membership = membership.Create(next.MyID, initialMembers)

	next, direct, err := fanOutSeed(next, initialMembers, DirectTwoParty, epoch, seed, rnd)
	if err != nil {
		return state, Operation{}, err
	}
	next = seedSelf(next, seed, epoch)
	next.MySeq = seq + 1

	op := Operation{
		Sender:  state.MyID,
		Seq:     seq,
		Control: Control{Kind: ControlCreate, InitialMembers: initialMembers},
		Direct:  direct,
	}
	return next, op, nil
}

// Add adds a new member to the group, welcoming them with the current
// membership history and this epoch's seed, and reseeding every existing
// member.
func Add(state State, added identity.ID, rnd io.Reader) (State, Operation, error) {
	seq := state.MySeq
	epoch := identity.OperationID{Sender: state.MyID, Seq: seq}

	membershipNext, err := membership.Add(state.Membership, state.MyID, added, epoch)
	if err != nil {
		return state, Operation{}, err
	}

	seed, err := genSeed(rnd)
	if err != nil {
		return state, Operation{}, err
	}

	next := state.clone()
	existing := make([]identity.ID, 0, len(state.Membership.Members))
	for m := range state.Membership.Members {
		existing = append(existing, m)
	}
	next, direct, err := fanOutSeed(next, existing, DirectTwoParty, epoch, seed, rnd)
	if err != nil {
		return state, Operation{}, err
	}

	historyBytes, err := wire.Marshal(membershipNext)
	if err != nil {
		return state, Operation{}, err
	}
	welcomeBytes, err := wire.Marshal(welcomePayload{Seed: seed, History: historyBytes})
	if err != nil {
		return state, Operation{}, err
	}
	welcomeNext, welcomeCh, err := ensureChannel(next, added)
	if err != nil {
		return state, Operation{}, err
	}
	chNext, welcomeMsg, err := twoparty.Send(welcomeCh, welcomeNext.Keys, welcomeBytes, rnd)
	if err != nil {
		return state, Operation{}, err
	}
	next = welcomeNext.clone()
	next.TwoParty[added] = chNext
	direct = append(direct, Direct{Recipient: added, Kind: DirectWelcome, Epoch: epoch, Message: welcomeMsg})

	next.Membership = membershipNext
	next = seedSelf(next, seed, epoch)
	next.MySeq = seq + 1

	op := Operation{
		Sender:  state.MyID,
		Seq:     seq,
		Control: Control{Kind: ControlAdd, Added: added},
		Direct:  direct,
	}
	return next, op, nil
}

// Remove removes a single member from the group and reseeds every
// remaining member.
func Remove(state State, removed identity.ID, rnd io.Reader) (State, Operation, error) {
	seq := state.MySeq
	epoch := identity.OperationID{Sender: state.MyID, Seq: seq}

	membershipNext, err := membership.Remove(state.Membership, state.MyID, []identity.ID{removed}, epoch)
	if err != nil {
		return state, Operation{}, err
	}

	seed, err := genSeed(rnd)
	if err != nil {
		return state, Operation{}, err
	}

	next := state.clone()
	next.Membership = membershipNext
	remaining := make([]identity.ID, 0, len(membershipNext.Members))
	for m := range membershipNext.Members {
		remaining = append(remaining, m)
	}
	next, direct, err := fanOutSeed(next, remaining, DirectTwoParty, epoch, seed, rnd)
	if err != nil {
		return state, Operation{}, err
	}
	next = seedSelf(next, seed, epoch)
	next.MySeq = seq + 1

	op := Operation{
		Sender:  state.MyID,
		Seq:     seq,
		Control: Control{Kind: ControlRemove, Removed: removed},
		Direct:  direct,
	}
	return next, op, nil
}

// Update reseeds the group without changing membership. On a singleton
// group this still advances the local send-ratchet, it simply produces no
// direct messages.
func Update(state State, rnd io.Reader) (State, Operation, error) {
	seq := state.MySeq
	epoch := identity.OperationID{Sender: state.MyID, Seq: seq}

	seed, err := genSeed(rnd)
	if err != nil {
		return state, Operation{}, err
	}

	next := state.clone()
	others := make([]identity.ID, 0, len(state.Membership.Members))
	for m := range state.Membership.Members {
		others = append(others, m)
	}
	next, direct, err := fanOutSeed(next, others, DirectTwoParty, epoch, seed, rnd)
	if err != nil {
		return state, Operation{}, err
	}
	next = seedSelf(next, seed, epoch)
	next.MySeq = seq + 1

	op := Operation{
		Sender:  state.MyID,
		Seq:     seq,
		Control: Control{Kind: ControlUpdate},
		Direct:  direct,
	}
	return next, op, nil
}

// findDirect returns the Direct entry in op addressed to recipient, if any.
func findDirect(op Operation, recipient identity.ID) (Direct, bool) {
	for _, d := range op.Direct {
		if d.Recipient == recipient {
			return d, true
		}
	}
	return Direct{}, false
}

// receiveOn decrypts msg from sender using (and updating) next's 2SM state
// and key manager, returning the recovered plaintext bytes.
func receiveOn(next *State, sender identity.ID, msg twoparty.Message) ([]byte, error) {
	bundle, ok := next.PKI.Bundle(sender)
	if !ok {
		return nil, ErrMissingPreKeys
	}
	theirIdentity := twoparty.Identity{SignKey: bundle.IdentitySignKey, DHKey: bundle.IdentityDHKey}
	ch := next.TwoParty[sender]
	chNext, keysNext, plaintext, err := twoparty.Receive(ch, next.Keys, theirIdentity, msg)
	if err != nil {
		return nil, err
	}
	next.TwoParty[sender] = chNext
	next.Keys = keysNext
	return plaintext, nil
}

// applySeed derives epoch.Sender's member secret from seed, installs it as
// our receive-ratchet and the mirrored send-ratchet for epoch.Sender, and
// forwards that same secret to every other current member in case the
// original sender did not yet know about them (concurrent-add resolution). Forwarding is deliberately conservative: every other current
// member is sent a Forward, even if they may already hold the secret.
//
// A recipient we cannot yet reach (MissingPreKeys, most commonly) does not
// invalidate the epoch secret we just derived for ourselves: its error is
// accumulated and returned alongside the (still valid) new state, rather
// than discarding our own derived ratchets along with the failed forward.
func applySeed(state State, epoch identity.OperationID, seed ratchet.Secret, rnd io.Reader) (State, []Direct, error) {
	next := state.clone()
	next.EpochSeeds[epoch] = seed
	senderSecret := deriveMemberSecret(seed, epoch.Sender)
	next.ReceiveRatchets[epoch.Sender] = ratchet.NewReceiveState(senderSecret)
	next.SendRatchets[epoch.Sender] = ratchet.NewSendState(senderSecret)
	delete(next.Pending, epoch)

	var forwards []Direct
	var errs *multierror.Error
	for m := range membership.MembersView(next.Membership, next.MyID) {
		if m == next.MyID || m == epoch.Sender {
			continue
		}
		updated, d, err := sendSeedTo(next, m, DirectForward, epoch, senderSecret, rnd)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("forward to %s: %w", m, err))
			continue
		}
		next = updated
		forwards = append(forwards, d)
	}
	return next, forwards, errs.ErrorOrNil()
}

// applyForward installs a secret relayed via a Forward direct message: it
// seeds our own receive-ratchet for the epoch it names directly, since a
// Forward already carries the epoch sender's derived member secret rather
// than the raw seed.
func applyForward(state State, epoch identity.OperationID, secret ratchet.Secret) State {
	next := state.clone()
	next.ReceiveRatchets[epoch.Sender] = ratchet.NewReceiveState(secret)
	delete(next.Pending, epoch)
	return next
}

// Process applies a remote operation to state: it updates the membership
// CRDT, consumes whatever direct message is addressed to us, derives (or
// relays) this epoch's update secret, and returns any Forward messages the
// caller must deliver to members the original sender may not have
// addressed.
func Process(state State, op Operation, rnd io.Reader) (State, Signal, []Direct, error) {
	expected := state.ExpectedSeq[op.Sender]
	// The Add that welcomes us is the first operation we see from its
	// sender; its earlier sequence numbers predate our membership.
	welcome := op.Control.Kind == ControlAdd && op.Control.Added == state.MyID
	if op.Seq != expected && !welcome {
		log.Default().Warnw("dcgka: rejected operation with out-of-order sequence", "sender", op.Sender, "seq", op.Seq, "expected", expected)
		return state, SignalNone, nil, ErrSeqOutOfOrder
	}

	next := state.clone()
	next.ExpectedSeq[op.Sender] = op.Seq + 1
	epoch := identity.OperationID{Sender: op.Sender, Seq: op.Seq}

	switch op.Control.Kind {
	case ControlCreate:
		next.Membership = membership.Create(next.MyID, op.Control.InitialMembers)

	case ControlAdd:
		// The Welcome's history already records this Add, so it replaces our
		// membership state instead of the Add being applied to it.
		if op.Control.Added == next.MyID {
			d, ok := findDirect(op, next.MyID)
			if !ok {
				return state, SignalNone, nil, ErrMissingDirectMessage
			}
			if d.Kind != DirectWelcome {
				return state, SignalNone, nil, ErrUnexpectedDirectMessageType
			}
			ptBytes, err := receiveOn(&next, op.Sender, d.Message)
			if err != nil {
				return state, SignalNone, nil, err
			}
			var wp welcomePayload
			if err := wire.Unmarshal(ptBytes, &wp); err != nil {
				return state, SignalNone, nil, err
			}
			var history membership.State
			if err := wire.Unmarshal(wp.History, &history); err != nil {
				return state, SignalNone, nil, err
			}
			next.Membership = membership.FromWelcome(next.MyID, history)

			next.EpochSeeds[epoch] = wp.Seed
			welcomeSenderSecret := deriveMemberSecret(wp.Seed, op.Sender)
			next.ReceiveRatchets[op.Sender] = ratchet.NewReceiveState(welcomeSenderSecret)
			next.SendRatchets[op.Sender] = ratchet.NewSendState(welcomeSenderSecret)

			return next, SignalWelcomed, nil, nil
		}

		membershipNext, err := membership.Add(next.Membership, op.Sender, op.Control.Added, epoch)
		if err != nil {
			return state, SignalNone, nil, err
		}
		next.Membership = membershipNext
	}

	if op.Control.Kind == ControlRemove {
		membershipNext, err := membership.Remove(next.Membership, op.Sender, []identity.ID{op.Control.Removed}, epoch)
		if err != nil {
			return state, SignalNone, nil, err
		}
		next.Membership = membershipNext

		if op.Control.Removed == next.MyID {
			return next, SignalRemoved, nil, nil
		}
	}

	d, ok := findDirect(op, next.MyID)
	if !ok {
		next.Pending[epoch] = struct{}{}
		return next, SignalNone, nil, nil
	}

	switch d.Kind {
	case DirectTwoParty:
		ptBytes, err := receiveOn(&next, op.Sender, d.Message)
		if err != nil {
			return state, SignalNone, nil, err
		}
		var seed ratchet.Secret
		if err := wire.Unmarshal(ptBytes, &seed); err != nil {
			return state, SignalNone, nil, err
		}
		// A forwarding failure for some other member does not unwind the
		// epoch secret we just derived for ourselves: return the updated
		// state and whatever forwards did succeed, with the error surfaced
		// for the caller to retry or log.
		var forwards []Direct
		next, forwards, err = applySeed(next, epoch, seed, rnd)
		return next, SignalNone, forwards, err

	case DirectForward:
		ptBytes, err := receiveOn(&next, op.Sender, d.Message)
		if err != nil {
			return state, SignalNone, nil, err
		}
		var secret ratchet.Secret
		if err := wire.Unmarshal(ptBytes, &secret); err != nil {
			return state, SignalNone, nil, err
		}
		// d.Epoch names the original operation this secret belongs to, which
		// is not the same as the envelope carrying the relay: the relayer's
		// own (Sender, Seq) only identifies their forwarding message, not the
		// epoch whose ratchet we are installing.
		next = applyForward(next, d.Epoch, secret)
		return next, SignalNone, nil, nil

	default:
		return state, SignalNone, nil, ErrUnexpectedDirectMessageType
	}
}
