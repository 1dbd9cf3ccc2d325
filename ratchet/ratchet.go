// Package ratchet implements the per-sender symmetric ratchet the spec's
// message scheme seeds from each DCGKA update secret: a send-ratchet that
// derives keys at a monotonically increasing generation, and a matching
// receive-ratchet that tolerates a bounded amount of out-of-order delivery
// while still deleting every key once it has been used or fallen out of the
// tolerance window, for forward secrecy. The chain derivation uses Blake3
// the same way other_examples' manifest-signing code hashes commitments,
// keyed apart by a domain label instead of a secret key.
package ratchet

import (
	"github.com/zeebo/blake3"

	"github.com/p2panda/p2panda-group/common/log"
)

// Secret is both a ratchet chain key and the output of a single step.
type Secret [32]byte

var (
	labelMessage = []byte("p2panda-group/ratchet/message")
	labelChain   = []byte("p2panda-group/ratchet/chain")
)

func derive(label []byte, secret Secret) Secret {
	h := blake3.Sum256(append(append([]byte(nil), label...), secret[:]...))
	return Secret(h)
}

// step derives this generation's message key and the next chain secret from
// the current chain secret, then the caller is expected to discard the
// input secret: that is what makes the ratchet forward secure.
func step(secret Secret) (messageKey, next Secret) {
	return derive(labelMessage, secret), derive(labelChain, secret)
}

// SendState is one sender's send-ratchet for one epoch, seeded from that
// epoch's update secret.
type SendState struct {
	secret     Secret
	Generation uint64
}

// NewSendState seeds a fresh send-ratchet from an epoch's update secret.
func NewSendState(updateSecret Secret) SendState {
	return SendState{secret: updateSecret, Generation: 0}
}

// RatchetForward derives the next message key, advancing the chain. The
// returned generation is the one the key was derived for; the state's own
// Generation field already points past it.
func RatchetForward(state SendState) (SendState, uint64, Secret) {
	key, next := step(state.secret)
	gen := state.Generation
	return SendState{secret: next, Generation: gen + 1}, gen, key
}

// ReceiveState is one receiver's view of a peer's send-ratchet: the chain
// secret for the lowest generation not yet derived, plus any message keys
// that were derived out of turn and are buffered awaiting their ciphertext.
type ReceiveState struct {
	secret     Secret
	generation uint64
	skipped    map[uint64]Secret
}

// NewReceiveState seeds a fresh receive-ratchet from an epoch's update
// secret, mirroring the peer's NewSendState call for the same epoch.
func NewReceiveState(updateSecret Secret) ReceiveState {
	return ReceiveState{secret: updateSecret, generation: 0, skipped: map[uint64]Secret{}}
}

func (s ReceiveState) clone() ReceiveState {
	out := ReceiveState{secret: s.secret, generation: s.generation, skipped: make(map[uint64]Secret, len(s.skipped))}
	for k, v := range s.skipped {
		out.skipped[k] = v
	}
	return out
}

// SecretForDecryption returns the message key for generation, advancing the
// chain as far as needed and buffering any skipped generations in between.
//
// maxForwardDistance bounds how far ahead of the ratchet's current position
// generation may be: exceeding it returns a GapTooLargeError rather than
// silently deriving and discarding an unbounded run of keys. oooTolerance
// bounds how many skipped keys stay buffered; once exceeded the oldest
// buffered keys are dropped, so a late message for a generation that fell
// out of the window can no longer be decrypted (ErrKeyAlreadyUsed, the same
// error a genuine replay produces — both mean the key no longer exists).
func SecretForDecryption(state ReceiveState, generation, maxForwardDistance, oooTolerance uint64) (ReceiveState, Secret, error) {
	if generation < state.generation {
		if key, ok := state.skipped[generation]; ok {
			next := state.clone()
			delete(next.skipped, generation)
			return next, key, nil
		}
		log.Default().Warnw("ratchet: rejected replayed or evicted generation", "generation", generation, "current", state.generation)
		return state, Secret{}, ErrKeyAlreadyUsed
	}

	if generation-state.generation > maxForwardDistance {
		err := &GapTooLargeError{
			Generation: generation,
			Current:    state.generation,
			Limit:      maxForwardDistance,
		}
		log.Default().Warnw("ratchet: gap exceeds forward distance", "generation", generation, "current", state.generation, "limit", maxForwardDistance)
		return state, Secret{}, err
	}

	next := state.clone()
	cur := next.secret
	gen := next.generation
	var result Secret
	for gen <= generation {
		key, advanced := step(cur)
		if gen == generation {
			result = key
		} else {
			next.skipped[gen] = key
		}
		cur = advanced
		gen++
	}
	next.secret = cur
	next.generation = gen

	pruneSkipped(next.skipped, oooTolerance)

	return next, result, nil
}

// pruneSkipped evicts the lowest-numbered buffered generations until at most
// tolerance entries remain, in place.
func pruneSkipped(skipped map[uint64]Secret, tolerance uint64) {
	if uint64(len(skipped)) <= tolerance {
		return
	}
	excess := uint64(len(skipped)) - tolerance
	for excess > 0 {
		var oldest uint64
		found := false
		for gen := range skipped {
			if !found || gen < oldest {
				oldest = gen
				found = true
			}
		}
		if !found {
			return
		}
		delete(skipped, oldest)
		excess--
		log.Default().Debugw("ratchet: evicted skipped key past ooo tolerance", "generation", oldest)
	}
}

// NextGeneration reports the lowest generation this receive-ratchet has not yet
// derived a key for, mainly for diagnostics and tests.
func (s ReceiveState) NextGeneration() uint64 { return s.generation }
