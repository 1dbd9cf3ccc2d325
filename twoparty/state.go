// Package twoparty implements 2SM: a forward-secure, pairwise messaging
// channel bootstrapped with X3DH and then kept alive with HPKE, where every
// message carries a freshly generated key for the *other* direction. That
// asymmetric ratchet is what gives the channel post-compromise healing in
// O(1) messages per direction without a symmetric double-ratchet's
// bookkeeping, matching the construction the spec's 2SM component
// describes.
package twoparty

import (
	"crypto/ed25519"

	"github.com/p2panda/p2panda-group/crypto/hpke"
	"github.com/p2panda/p2panda-group/crypto/x3dh"
	"github.com/p2panda/p2panda-group/key"
)

// KeyUsedKind tags which of the three decryption paths a message requires.
type KeyUsedKind uint8

const (
	// KeyUsedPreKey marks the first message on a channel: the recipient's
	// X3DH prekey bundle (and possibly a one-time prekey) was used.
	KeyUsedPreKey KeyUsedKind = iota
	// KeyUsedReceived marks a message encrypted to an HPKE key pair the
	// sender generated on the recipient's behalf, whose secret it handed
	// over in its own previous message (the "receiver_new_secret" path).
	KeyUsedReceived
	// KeyUsedOwn marks a message encrypted to one of our own previously
	// advertised HPKE keys, identified by Index.
	KeyUsedOwn
)

// KeyUsed identifies, from the recipient's point of view, which secret a
// message was sealed under.
type KeyUsed struct {
	Kind  KeyUsedKind
	Index uint64 // meaningful only when Kind == KeyUsedOwn
}

// Identity names the two long-term keys that identify a 2SM peer.
type Identity struct {
	SignKey ed25519.PublicKey
	DHKey   key.PublicKey
}

// State is one local participant's view of a single pairwise channel. It is
// never mutated in place: Send and Receive both return a new State.
type State struct {
	// TheirPrekeyBundle is consumed (set to nil) the first time it is used
	// to address an outgoing message; after that the channel runs on HPKE
	// alone.
	TheirPrekeyBundle *key.Bundle

	// TheirPublicKey is the HPKE key our next message is sealed to: after a
	// Send, the public half of the pair we minted for the peer (ReceivedKey
	// path); after a Receive, the last SenderNewPublic they sent us (OwnKey
	// path).
	TheirPublicKey *key.PublicKey

	// TheirNextKeyUsed is the KeyUsed tag to attach to our *next* outgoing
	// message: it tells the peer which of their own keys we are encrypting
	// to, mirroring the last key handed to us.
	TheirNextKeyUsed KeyUsed

	// OurSecretKeys holds HPKE secrets we have advertised to the peer
	// (via SenderNewPublic) but that have not yet been used, indexed by the
	// sequence number we minted them under. Entries below OurMinKeyIndex
	// have been pruned after use; OwnKey(i) is never valid once consumed.
	OurSecretKeys  map[uint64]key.SecretKey
	OurNextIndex   uint64
	OurMinKeyIndex uint64

	// OurReceivedSecretKey is the HPKE secret the peer most recently
	// generated for us and handed over as ReceiverNewSecret; it is what we
	// decrypt their next ReceivedKey-tagged message with, and is replaced
	// (never accumulated) on every Receive.
	OurReceivedSecretKey *key.SecretKey
}

func (s State) clone() State {
	out := State{
		TheirPublicKey:       s.TheirPublicKey,
		TheirNextKeyUsed:     s.TheirNextKeyUsed,
		OurNextIndex:         s.OurNextIndex,
		OurMinKeyIndex:       s.OurMinKeyIndex,
		OurReceivedSecretKey: s.OurReceivedSecretKey,
	}
	if s.TheirPrekeyBundle != nil {
		b := *s.TheirPrekeyBundle
		out.TheirPrekeyBundle = &b
	}
	out.OurSecretKeys = make(map[uint64]key.SecretKey, len(s.OurSecretKeys))
	for k, v := range s.OurSecretKeys {
		out.OurSecretKeys[k] = v
	}
	return out
}

// Init starts a new channel addressed to a peer we only know via their
// published prekey bundle: the first Send will consume it via X3DH.
func Init(bundle key.Bundle) State {
	b := bundle
	return State{
		TheirPrekeyBundle: &b,
		TheirNextKeyUsed:  KeyUsed{Kind: KeyUsedPreKey},
		OurSecretKeys:     map[uint64]key.SecretKey{},
	}
}

// plaintext is the structure X3DH/HPKE ciphertexts carry once decrypted: the
// caller's payload plus the key-rotation bookkeeping that keeps the channel
// forward secure.
type plaintext struct {
	Payload           []byte
	ReceiverNewSecret key.SecretKey
	SenderNewPublic   key.PublicKey
	SenderNextIndex   uint64
}

// ciphertextKind tags which encryption primitive sealed a Message.
type ciphertextKind uint8

const (
	ciphertextPreKey ciphertextKind = iota
	ciphertextHpke
)

// Ciphertext is the tagged union of the two sealing primitives a message can
// use: X3DH for the very first message on a channel, HPKE for every message
// after.
type Ciphertext struct {
	Kind   ciphertextKind
	PreKey *x3dh.Ciphertext
	Hpke   *hpke.Ciphertext
}

// Message is the wire structure exchanged between two 2SM peers.
type Message struct {
	KeyUsed    KeyUsed
	Ciphertext Ciphertext
}
