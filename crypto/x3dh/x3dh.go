// Package x3dh implements the initial-key-exchange handshake 2SM uses for
// the very first ciphertext of a pair-wise session: an Extended Triple
// Diffie-Hellman against a peer's published KeyBundle, followed by a single
// AEAD-sealed payload under the resulting shared secret. It is modelled
// directly on the teacher's ecies package (ephemeral-static DH, HKDF, AEAD)
// but combines multiple DH terms the way X3DH specifies instead of one.
package x3dh

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/p2panda/p2panda-group/key"
)

// info is the HKDF context label, fixing the protocol and version so a key
// schedule never collides with another use of the same curve.
var info = []byte("p2panda-group/x3dh/v1")

// ErrOpenFailed is returned when AEAD decryption fails: either the shared
// secret is wrong (wrong keys, tampered ciphertext) or the message was
// truncated.
var ErrOpenFailed = errors.New("x3dh: ciphertext failed to open")

// Ciphertext is the wire representation of an X3DH-encrypted message:
// X3DHCiphertext in the spec's external interface section.
type Ciphertext struct {
	EphemeralPublic key.PublicKey
	OneTimePrekeyID *uint64
	AssociatedData  []byte
	Ciphertext      []byte
}

// Encrypt performs the X3DH handshake against recipient's bundle and seals
// plaintext under the derived secret. senderIdentitySecret is the sender's
// own long-term X25519 identity key (KeyManager.IdentitySecret()).
//
// recipient.Verify() is the caller's responsibility before calling Encrypt;
// we do not re-verify here, since a long-lived bundle is typically verified
// once when first learned from the PKI view rather than on every send.
func Encrypt(senderIdentitySecret key.SecretKey, recipient key.Bundle, associatedData, plaintext []byte, rnd io.Reader) (Ciphertext, error) {
	ephSecret, ephPublic, err := generateDH(rnd)
	if err != nil {
		return Ciphertext{}, err
	}

	secret, err := deriveSharedSecret(senderIdentitySecret, ephSecret, recipient)
	if err != nil {
		return Ciphertext{}, err
	}

	aead, err := chacha20poly1305.New(secret[:])
	if err != nil {
		return Ciphertext{}, fmt.Errorf("x3dh: build aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return Ciphertext{}, fmt.Errorf("x3dh: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, associatedData)

	return Ciphertext{
		EphemeralPublic: ephPublic,
		OneTimePrekeyID: recipient.OneTimePrekeyID,
		AssociatedData:  associatedData,
		Ciphertext:      sealed,
	}, nil
}

// Decrypt reverses Encrypt. identitySecret and prekeySecret are the
// recipient's own long-term keys; onetimeSecret must be the secret the
// KeyManager returned for ct.OneTimePrekeyID (nil if the ciphertext did not
// reference one, or if the one-time id had already been consumed — in the
// latter case decryption will simply fail, which 2SM surfaces as
// PreKeyReuse rather than ErrOpenFailed).
func Decrypt(identitySecret, prekeySecret key.SecretKey, senderIdentityPublic key.PublicKey, onetimeSecret *key.SecretKey, ct Ciphertext) ([]byte, error) {
	secret, err := deriveSharedSecretReceiver(identitySecret, prekeySecret, senderIdentityPublic, ct.EphemeralPublic, onetimeSecret)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(secret[:])
	if err != nil {
		return nil, fmt.Errorf("x3dh: build aead: %w", err)
	}
	if len(ct.Ciphertext) < aead.NonceSize() {
		return nil, ErrOpenFailed
	}
	nonce, sealed := ct.Ciphertext[:aead.NonceSize()], ct.Ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, ct.AssociatedData)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func deriveSharedSecret(senderIdentitySecret, ephSecret key.SecretKey, recipient key.Bundle) (hkdfSecret, error) {
	dh1, err := dh(senderIdentitySecret, recipient.Prekey)
	if err != nil {
		return hkdfSecret{}, err
	}
	dh2, err := dh(ephSecret, recipient.IdentityDHKey)
	if err != nil {
		return hkdfSecret{}, err
	}
	dh3, err := dh(ephSecret, recipient.Prekey)
	if err != nil {
		return hkdfSecret{}, err
	}
	material := concat(dh1, dh2, dh3)
	if recipient.OneTimePrekey != nil {
		dh4, err := dh(ephSecret, *recipient.OneTimePrekey)
		if err != nil {
			return hkdfSecret{}, err
		}
		material = concat(material, dh4)
	}
	return kdf(material)
}

func deriveSharedSecretReceiver(identitySecret, prekeySecret key.SecretKey, senderIdentityPublic, ephPublic key.PublicKey, onetimeSecret *key.SecretKey) (hkdfSecret, error) {
	dh1, err := dh(prekeySecret, senderIdentityPublic)
	if err != nil {
		return hkdfSecret{}, err
	}
	dh2, err := dh(identitySecret, ephPublic)
	if err != nil {
		return hkdfSecret{}, err
	}
	dh3, err := dh(prekeySecret, ephPublic)
	if err != nil {
		return hkdfSecret{}, err
	}
	material := concat(dh1, dh2, dh3)
	if onetimeSecret != nil {
		dh4, err := dh(*onetimeSecret, ephPublic)
		if err != nil {
			return hkdfSecret{}, err
		}
		material = concat(material, dh4)
	}
	return kdf(material)
}

type hkdfSecret [32]byte

func kdf(material []byte) (hkdfSecret, error) {
	var out hkdfSecret
	reader := hkdf.New(sha256.New, material, nil, info)
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return out, fmt.Errorf("x3dh: derive secret: %w", err)
	}
	return out, nil
}

func dh(secret key.SecretKey, public key.PublicKey) ([]byte, error) {
	out, err := curve25519.X25519(secret[:], public[:])
	if err != nil {
		return nil, fmt.Errorf("x3dh: dh: %w", err)
	}
	return out, nil
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func generateDH(rnd io.Reader) (key.SecretKey, key.PublicKey, error) {
	var sk key.SecretKey
	if _, err := io.ReadFull(rnd, sk[:]); err != nil {
		return sk, key.PublicKey{}, fmt.Errorf("x3dh: generate ephemeral key: %w", err)
	}
	pubBytes, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return sk, key.PublicKey{}, fmt.Errorf("x3dh: derive ephemeral public: %w", err)
	}
	var pub key.PublicKey
	copy(pub[:], pubBytes)
	return sk, pub, nil
}

// VerifyBundleSigner is a convenience re-export so callers that only import
// x3dh can check a bundle's Ed25519 prekey signature without reaching for
// crypto/ed25519 themselves.
func VerifyBundleSigner(pub ed25519.PublicKey, prekey key.PublicKey, sig []byte) bool {
	return ed25519.Verify(pub, prekey[:], sig)
}
