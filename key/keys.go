// Package key implements the KeyManager component: long-term identity keys,
// one-time and long-term prekey bundles, used to bootstrap a 2SM session via
// X3DH. It is the leaf component every other package in this module builds
// on, mirroring the role the teacher's own key package plays for its
// threshold scheme.
package key

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
)

// ErrPrekeyExpired names an expired signed prekey. No function in this
// package returns it: Init accepts any lifetime, Bundle.Verify checks only
// the signature, and expiry is reported by State.PrekeyExpired.
var ErrPrekeyExpired = errors.New("key: signed prekey has expired")

// ErrInvalidSignature is returned when a bundle's prekey signature does not
// verify against its identity key. Treat any bundle failing this as hostile.
var ErrInvalidSignature = errors.New("key: prekey signature does not verify")

// SecretKey is a raw X25519 (Curve25519) scalar, the unit the rest of the
// module passes around as DH material.
type SecretKey [32]byte

// PublicKey is the corresponding X25519 point.
type PublicKey [32]byte

func generateDH(rnd io.Reader) (SecretKey, PublicKey, error) {
	var sk SecretKey
	if _, err := io.ReadFull(rnd, sk[:]); err != nil {
		return sk, PublicKey{}, fmt.Errorf("key: generate dh key: %w", err)
	}
	pubBytes, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return sk, PublicKey{}, fmt.Errorf("key: derive dh public: %w", err)
	}
	var pub PublicKey
	copy(pub[:], pubBytes)
	return sk, pub, nil
}

// Bundle is the published material a peer needs to start a 2SM session with
// us via X3DH. A long-term bundle omits OneTimePrekeyID and may be handed
// out to more than one correspondent; a one-time bundle commits to a secret
// that is destroyed the first time it is consumed.
type Bundle struct {
	IdentitySignKey ed25519.PublicKey
	IdentityDHKey   PublicKey
	Prekey          PublicKey
	PrekeySignature []byte
	OneTimePrekeyID *uint64
	OneTimePrekey   *PublicKey
}

// Verify checks the signed-prekey signature against the bundle's identity
// key. Callers must reject any bundle that fails this before using it in
// X3DH: an unverified bundle lets an active attacker substitute their own
// prekey.
func (b Bundle) Verify() error {
	if !ed25519.Verify(b.IdentitySignKey, b.Prekey[:], b.PrekeySignature) {
		return ErrInvalidSignature
	}
	return nil
}

// onetimeSecret pairs a consumable DH secret with the public half handed out
// in bundles so GenerateOnetimeBundle doesn't need to recompute it.
type onetimeSecret struct {
	secret SecretKey
	public PublicKey
}

// State is the KeyManager's persisted state. Every mutating operation
// returns a new State rather than mutating the receiver, so a crashed
// caller can always resume from the last State it durably wrote.
type State struct {
	identitySignSecret ed25519.PrivateKey
	identitySignPublic ed25519.PublicKey
	identityDHSecret   SecretKey
	identityDHPublic   PublicKey

	prekeySecret    SecretKey
	prekeyPublic    PublicKey
	prekeySignature []byte
	prekeyExpiresAt time.Time

	onetimeSecrets map[uint64]onetimeSecret
	nextOnetimeID  uint64
}

// Init creates a fresh KeyManager state from a long-term Ed25519 identity
// secret: it generates a fresh companion X25519 identity key for X3DH's DH1/DH2
// terms and mints a signed prekey valid for lifetime.
func Init(identitySecret ed25519.PrivateKey, lifetime time.Duration) (State, error) {
	return initAt(identitySecret, lifetime, rand.Reader, time.Now())
}

func initAt(identitySecret ed25519.PrivateKey, lifetime time.Duration, rnd io.Reader, now time.Time) (State, error) {
	if len(identitySecret) != ed25519.PrivateKeySize {
		return State{}, errors.New("key: identity secret must be an ed25519 private key")
	}
	dhSecret, dhPublic, err := generateDH(rnd)
	if err != nil {
		return State{}, err
	}
	st := State{
		identitySignSecret: identitySecret,
		identitySignPublic: identitySecret.Public().(ed25519.PublicKey),
		identityDHSecret:   dhSecret,
		identityDHPublic:   dhPublic,
		onetimeSecrets:     make(map[uint64]onetimeSecret),
	}
	return st.rotatePrekeyAt(lifetime, rnd, now)
}

// RotatePrekey replaces the long-term signed prekey, e.g. once its lifetime
// has elapsed. The old prekey secret is dropped; any 2SM session mid-X3DH
// against the old prekey will fail decryption and must be retried with the
// refreshed bundle.
func (s State) RotatePrekey(lifetime time.Duration) (State, error) {
	return s.rotatePrekeyAt(lifetime, rand.Reader, time.Now())
}

func (s State) rotatePrekeyAt(lifetime time.Duration, rnd io.Reader, now time.Time) (State, error) {
	secret, public, err := generateDH(rnd)
	if err != nil {
		return State{}, err
	}
	sig := ed25519.Sign(s.identitySignSecret, public[:])
	s.prekeySecret = secret
	s.prekeyPublic = public
	s.prekeySignature = sig
	s.prekeyExpiresAt = now.Add(lifetime)
	return s, nil
}

// LongTermBundle returns the reusable bundle a peer can X3DH against
// without consuming anything from our state.
func (s State) LongTermBundle() Bundle {
	return Bundle{
		IdentitySignKey: s.identitySignPublic,
		IdentityDHKey:   s.identityDHPublic,
		Prekey:          s.prekeyPublic,
		PrekeySignature: s.prekeySignature,
	}
}

// GenerateOnetimeBundle mints a fresh one-time DH secret, remembers it under
// a new id until UseOnetimeSecret consumes it, and returns the bundle
// committing to that secret.
func (s State) GenerateOnetimeBundle() (State, Bundle, error) {
	return s.generateOnetimeBundleWith(rand.Reader)
}

func (s State) generateOnetimeBundleWith(rnd io.Reader) (State, Bundle, error) {
	secret, public, err := generateDH(rnd)
	if err != nil {
		return s, Bundle{}, err
	}
	id := s.nextOnetimeID
	secrets := make(map[uint64]onetimeSecret, len(s.onetimeSecrets)+1)
	for k, v := range s.onetimeSecrets {
		secrets[k] = v
	}
	secrets[id] = onetimeSecret{secret: secret, public: public}
	s.onetimeSecrets = secrets
	s.nextOnetimeID = id + 1

	bundle := s.LongTermBundle()
	bundle.OneTimePrekeyID = &id
	pub := public
	bundle.OneTimePrekey = &pub
	return s, bundle, nil
}

// UseOnetimeSecret looks up and removes the one-time secret published under
// id. A missing id (already consumed, or never issued by us) returns
// ok=false; per the spec, callers must treat that as replay evidence rather
// than as an ordinary error, since the secret legitimately disappears after
// its first legitimate use too.
func (s State) UseOnetimeSecret(id uint64) (State, SecretKey, bool) {
	entry, ok := s.onetimeSecrets[id]
	if !ok {
		return s, SecretKey{}, false
	}
	secrets := make(map[uint64]onetimeSecret, len(s.onetimeSecrets)-1)
	for k, v := range s.onetimeSecrets {
		if k != id {
			secrets[k] = v
		}
	}
	s.onetimeSecrets = secrets
	return s, entry.secret, true
}

// IdentitySecret returns the X25519 secret used as IK in X3DH's DH terms.
func (s State) IdentitySecret() SecretKey { return s.identityDHSecret }

// IdentityPublic returns the X25519 identity public key.
func (s State) IdentityPublic() PublicKey { return s.identityDHPublic }

// IdentitySignPublic returns the Ed25519 key bundles are signed under.
func (s State) IdentitySignPublic() ed25519.PublicKey { return s.identitySignPublic }

// PrekeySecret returns the current signed prekey's secret, the fallback
// decryption path once a peer has exhausted our one-time prekeys.
func (s State) PrekeySecret() SecretKey { return s.prekeySecret }

// PrekeyPublic returns the current signed prekey's public half.
func (s State) PrekeyPublic() PublicKey { return s.prekeyPublic }

// PrekeyExpired reports whether the signed prekey has outlived its lifetime.
func (s State) PrekeyExpired(now time.Time) bool {
	return now.After(s.prekeyExpiresAt)
}

// OnetimeSecretCount reports how many one-time prekeys remain unconsumed,
// mainly so an application can decide when to top up published bundles.
func (s State) OnetimeSecretCount() int {
	return len(s.onetimeSecrets)
}
