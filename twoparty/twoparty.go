package twoparty

import (
	"fmt"
	"io"

	"github.com/p2panda/p2panda-group/common/log"
	"github.com/p2panda/p2panda-group/crypto/hpke"
	"github.com/p2panda/p2panda-group/crypto/x3dh"
	"github.com/p2panda/p2panda-group/key"
	"github.com/p2panda/p2panda-group/wire"
)

// Send encrypts plaintext for the peer this channel addresses, advancing
// the ratchet: a fresh HPKE keypair is minted for our own future receiving
// capability (advertised to the peer as SenderNewPublic/SenderNextIndex) and
// a second fresh keypair is minted on the peer's behalf and handed to them
// as ReceiverNewSecret, so our very next message to them can already use
// HPKE instead of falling back to X3DH.
func Send(state State, km key.State, payload []byte, rnd io.Reader) (State, Message, error) {
	ourNewSecret, ourNewPublic, err := hpke.GenerateKeyPair(rnd)
	if err != nil {
		return state, Message{}, fmt.Errorf("twoparty: mint own next key: %w", err)
	}
	theirNewSecret, theirNewPublic, err := hpke.GenerateKeyPair(rnd)
	if err != nil {
		return state, Message{}, fmt.Errorf("twoparty: mint key for peer: %w", err)
	}

	idx := state.OurNextIndex
	pt := plaintext{
		Payload:           payload,
		ReceiverNewSecret: theirNewSecret,
		SenderNewPublic:   ourNewPublic,
		SenderNextIndex:   idx,
	}
	ptBytes, err := wire.Marshal(pt)
	if err != nil {
		return state, Message{}, fmt.Errorf("twoparty: encode plaintext: %w", err)
	}

	keyUsed := state.TheirNextKeyUsed
	next := state.clone()

	var ct Ciphertext
	switch keyUsed.Kind {
	case KeyUsedPreKey:
		if next.TheirPrekeyBundle == nil {
			return state, Message{}, ErrMissingPrekeyBundle
		}
		x, err := x3dh.Encrypt(km.IdentitySecret(), *next.TheirPrekeyBundle, nil, ptBytes, rnd)
		if err != nil {
			return state, Message{}, fmt.Errorf("twoparty: x3dh seal: %w", err)
		}
		ct = Ciphertext{Kind: ciphertextPreKey, PreKey: &x}
		next.TheirPrekeyBundle = nil

	case KeyUsedReceived, KeyUsedOwn:
		if next.TheirPublicKey == nil {
			return state, Message{}, ErrMissingPrekeyBundle
		}
		h, err := hpke.Seal(*next.TheirPublicKey, ptBytes, nil, rnd)
		if err != nil {
			return state, Message{}, fmt.Errorf("twoparty: hpke seal: %w", err)
		}
		ct = Ciphertext{Kind: ciphertextHpke, Hpke: &h}

	default:
		return state, Message{}, fmt.Errorf("twoparty: unknown key_used kind %d", keyUsed.Kind)
	}

	next.OurSecretKeys[idx] = ourNewSecret
	next.OurNextIndex = idx + 1
	pub := theirNewPublic
	next.TheirPublicKey = &pub
	next.TheirNextKeyUsed = KeyUsed{Kind: KeyUsedReceived}

	return next, Message{KeyUsed: keyUsed, Ciphertext: ct}, nil
}

// Receive decrypts msg against state, returning the updated channel state,
// the updated KeyManager state (a one-time prekey may have been consumed)
// and the recovered payload.
func Receive(state State, km key.State, theirIdentity Identity, msg Message) (State, key.State, []byte, error) {
	var (
		ptBytes []byte
		err     error
	)

	next := state.clone()

	switch msg.KeyUsed.Kind {
	case KeyUsedPreKey:
		if msg.Ciphertext.Kind != ciphertextPreKey || msg.Ciphertext.PreKey == nil {
			return state, km, nil, ErrInvalidCiphertextType
		}
		var onetime *key.SecretKey
		if msg.Ciphertext.PreKey.OneTimePrekeyID != nil {
			var (
				secret key.SecretKey
				ok     bool
			)
			km, secret, ok = km.UseOnetimeSecret(*msg.Ciphertext.PreKey.OneTimePrekeyID)
			if !ok {
				log.Default().Warnw("twoparty: rejected message reusing a consumed one-time prekey", "prekey_id", *msg.Ciphertext.PreKey.OneTimePrekeyID)
				return state, km, nil, ErrPreKeyReuse
			}
			onetime = &secret
		}
		ptBytes, err = x3dh.Decrypt(km.IdentitySecret(), km.PrekeySecret(), theirIdentity.DHKey, onetime, *msg.Ciphertext.PreKey)
		if err != nil {
			return state, km, nil, err
		}

	case KeyUsedReceived:
		if msg.Ciphertext.Kind != ciphertextHpke || msg.Ciphertext.Hpke == nil {
			return state, km, nil, ErrInvalidCiphertextType
		}
		if next.OurReceivedSecretKey == nil {
			return state, km, nil, ErrMissingReceivedSecret
		}
		ptBytes, err = hpke.Open(*next.OurReceivedSecretKey, *msg.Ciphertext.Hpke, nil)
		if err != nil {
			return state, km, nil, err
		}

	case KeyUsedOwn:
		if msg.Ciphertext.Kind != ciphertextHpke || msg.Ciphertext.Hpke == nil {
			return state, km, nil, ErrInvalidCiphertextType
		}
		idx := msg.KeyUsed.Index
		secret, ok := next.OurSecretKeys[idx]
		if !ok {
			log.Default().Warnw("twoparty: rejected message using an unknown or already-evicted key index", "index", idx)
			return state, km, nil, &UnknownSecretUsedError{Index: idx}
		}
		ptBytes, err = hpke.Open(secret, *msg.Ciphertext.Hpke, nil)
		if err != nil {
			return state, km, nil, err
		}
		for k := range next.OurSecretKeys {
			if k <= idx {
				delete(next.OurSecretKeys, k)
			}
		}
		next.OurMinKeyIndex = idx + 1

	default:
		return state, km, nil, fmt.Errorf("twoparty: unknown key_used kind %d", msg.KeyUsed.Kind)
	}

	var pt plaintext
	if err := wire.Unmarshal(ptBytes, &pt); err != nil {
		return state, km, nil, fmt.Errorf("twoparty: decode plaintext: %w", err)
	}

	received := pt.ReceiverNewSecret
	next.OurReceivedSecretKey = &received
	senderPublic := pt.SenderNewPublic
	next.TheirPublicKey = &senderPublic
	next.TheirNextKeyUsed = KeyUsed{Kind: KeyUsedOwn, Index: pt.SenderNextIndex}

	return next, km, pt.Payload, nil
}
