package twoparty

import (
	"errors"
	"fmt"
)

// ErrPreKeyReuse is returned when the incoming message's one-time prekey id
// has already been consumed (or was never issued). Per the spec this is
// fatal for the offending ciphertext only; the channel itself is fine.
var ErrPreKeyReuse = errors.New("twoparty: one-time prekey already consumed")

// ErrInvalidCiphertextType is returned when a message's key_used tag does
// not match the ciphertext variant actually present (e.g. OwnKey tagged
// against an X3DH ciphertext). This is a protocol violation, fatal for the
// session until a higher layer rekeys it.
var ErrInvalidCiphertextType = errors.New("twoparty: key_used tag does not match ciphertext type")

// ErrMissingPrekeyBundle is returned by Send when the channel has never
// been given the peer's prekey bundle and no HPKE receiving key has been
// learned yet either, so there is no way to address the first message.
var ErrMissingPrekeyBundle = errors.New("twoparty: no prekey bundle to bootstrap the channel")

// ErrMissingReceivedSecret is returned by Receive when a message is tagged
// ReceivedKey but no secret was ever recorded for this direction (the peer
// is out of sync with our state, or this is a replay of an impossible
// message order).
var ErrMissingReceivedSecret = errors.New("twoparty: no received secret recorded for ReceivedKey")

// UnknownSecretUsedError is returned when the peer claims to have used one
// of our OwnKey secrets at an index we no longer hold (already pruned, or
// never issued).
type UnknownSecretUsedError struct {
	Index uint64
}

func (e *UnknownSecretUsedError) Error() string {
	return fmt.Sprintf("twoparty: peer referenced unknown secret at index %d", e.Index)
}
