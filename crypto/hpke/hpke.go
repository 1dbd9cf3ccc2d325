// Package hpke wraps Cloudflare's circl HPKE implementation (base mode,
// DHKEM-X25519, HKDF-SHA256, ChaCha20-Poly1305) for 2SM's steady-state
// ciphertexts: every message after the first X3DH handshake is sealed to
// the peer's last-advertised receiving key instead.
package hpke

import (
	"errors"
	"fmt"
	"io"

	circlhpke "github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"

	"github.com/p2panda/p2panda-group/key"
)

// suite fixes the HPKE ciphersuite for the whole module; interop requires
// both ends agree on it, same as the spec's primitives table.
var suite = circlhpke.NewSuite(
	circlhpke.KEM_X25519_HKDF_SHA256,
	circlhpke.KDF_HKDF_SHA256,
	circlhpke.AEAD_ChaCha20Poly1305,
)

var scheme kem.Scheme = circlhpke.KEM_X25519_HKDF_SHA256.Scheme()

// info binds ciphertexts to this module and scheme the same way x3dh does.
var info = []byte("p2panda-group/hpke/v1")

// ErrOpenFailed mirrors x3dh.ErrOpenFailed: either the key is wrong or the
// ciphertext was tampered with.
var ErrOpenFailed = errors.New("hpke: ciphertext failed to open")

// Ciphertext is the wire representation of an HPKE-sealed message:
// HpkeCiphertext in the spec's external interface section.
type Ciphertext struct {
	KemOutput  []byte
	Ciphertext []byte
}

// Seal encrypts plaintext to recipientPublic under fresh HPKE encapsulated
// key material. aad is authenticated but not encrypted.
func Seal(recipientPublic key.PublicKey, plaintext, aad []byte, rnd io.Reader) (Ciphertext, error) {
	pk, err := scheme.UnmarshalBinaryPublicKey(recipientPublic[:])
	if err != nil {
		return Ciphertext{}, fmt.Errorf("hpke: load recipient public key: %w", err)
	}
	sender, err := suite.NewSender(pk, info)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("hpke: build sender: %w", err)
	}
	enc, sealer, err := sender.Setup(rnd)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("hpke: setup sender: %w", err)
	}
	ct, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("hpke: seal: %w", err)
	}
	return Ciphertext{KemOutput: enc, Ciphertext: ct}, nil
}

// Open decrypts a Ciphertext sealed with Seal using recipientSecret.
func Open(recipientSecret key.SecretKey, ct Ciphertext, aad []byte) ([]byte, error) {
	sk, err := scheme.UnmarshalBinaryPrivateKey(recipientSecret[:])
	if err != nil {
		return nil, fmt.Errorf("hpke: load recipient secret key: %w", err)
	}
	receiver, err := suite.NewReceiver(sk, info)
	if err != nil {
		return nil, fmt.Errorf("hpke: build receiver: %w", err)
	}
	opener, err := receiver.Setup(ct.KemOutput)
	if err != nil {
		return nil, fmt.Errorf("hpke: setup receiver: %w", err)
	}
	pt, err := opener.Open(ct.Ciphertext, aad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}

// GenerateKeyPair mints a fresh HPKE-compatible X25519 keypair, used by
// callers that want a receiving key independent of the KeyManager's
// identity/prekey material (2SM mints one per round, see TwoPartyState).
func GenerateKeyPair(rnd io.Reader) (key.SecretKey, key.PublicKey, error) {
	pk, sk, err := scheme.DeriveKeyPair(mustSeed(rnd, scheme.SeedSize()))
	if err != nil {
		return key.SecretKey{}, key.PublicKey{}, fmt.Errorf("hpke: generate key pair: %w", err)
	}
	skBytes, err := sk.MarshalBinary()
	if err != nil {
		return key.SecretKey{}, key.PublicKey{}, fmt.Errorf("hpke: marshal secret key: %w", err)
	}
	pkBytes, err := pk.MarshalBinary()
	if err != nil {
		return key.SecretKey{}, key.PublicKey{}, fmt.Errorf("hpke: marshal public key: %w", err)
	}
	var secret key.SecretKey
	var public key.PublicKey
	copy(secret[:], skBytes)
	copy(public[:], pkBytes)
	return secret, public, nil
}

func mustSeed(rnd io.Reader, size int) []byte {
	seed := make([]byte, size)
	if _, err := io.ReadFull(rnd, seed); err != nil {
		panic(err)
	}
	return seed
}
