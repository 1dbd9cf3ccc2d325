package twoparty

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/p2panda/p2panda-group/key"
)

func newKeyManager(t *testing.T) key.State {
	t.Helper()
	_, sk, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	km, err := key.Init(sk, time.Hour)
	require.NoError(t, err)
	return km
}

func identityOf(km key.State) Identity {
	return Identity{SignKey: km.IdentitySignPublic(), DHKey: km.IdentityPublic()}
}

// TestChannelRoundTripsAndAdvancesKeyUsed mirrors the spec's 2SM reverse-flow
// scenario: A sends to B (bootstrapping via X3DH), B replies, A replies
// again, B replies again. Every hop must decrypt to the original payload and
// the key_used tag must progress PreKey -> Own(0) -> Own(0) -> Own(1).
func TestChannelRoundTripsAndAdvancesKeyUsed(t *testing.T) {
	kmA := newKeyManager(t)
	kmB := newKeyManager(t)

	bundleB := kmB.LongTermBundle()
	bundleA := kmA.LongTermBundle()

	aToB := Init(bundleB)
	bToA := Init(bundleA)

	// Hop 1: A -> B, bootstrapped via X3DH.
	aToB, msg1, err := Send(aToB, kmA, []byte("hello b"), rand.Reader)
	require.NoError(t, err)
	require.Equal(t, KeyUsedPreKey, msg1.KeyUsed.Kind)

	bToA, kmB, payload1, err := Receive(bToA, kmB, identityOf(kmA), msg1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello b"), payload1)

	// Hop 2: B -> A, addressing the first key A advertised in hop 1.
	bToA, msg2, err := Send(bToA, kmB, []byte("hi a"), rand.Reader)
	require.NoError(t, err)
	require.Equal(t, KeyUsedOwn, msg2.KeyUsed.Kind)

	aToB, kmA, payload2, err := Receive(aToB, kmA, identityOf(kmB), msg2)
	require.NoError(t, err)
	require.Equal(t, []byte("hi a"), payload2)

	// Hop 3: A -> B, now addressing one of B's own advertised keys.
	aToB, msg3, err := Send(aToB, kmA, []byte("again b"), rand.Reader)
	require.NoError(t, err)
	require.Equal(t, KeyUsedOwn, msg3.KeyUsed.Kind)
	require.Equal(t, uint64(0), msg3.KeyUsed.Index)

	bToA, kmB, payload3, err := Receive(bToA, kmB, identityOf(kmA), msg3)
	require.NoError(t, err)
	require.Equal(t, []byte("again b"), payload3)

	// Hop 4: B -> A, referencing A's second advertised key.
	bToA, msg4, err := Send(bToA, kmB, []byte("again a"), rand.Reader)
	require.NoError(t, err)
	require.Equal(t, KeyUsedOwn, msg4.KeyUsed.Kind)
	require.Equal(t, uint64(1), msg4.KeyUsed.Index)

	_, _, payload4, err := Receive(aToB, kmA, identityOf(kmB), msg4)
	require.NoError(t, err)
	require.Equal(t, []byte("again a"), payload4)
}

// TestOwnKeyIsPrunedAfterUse checks the forward-secrecy property: once a
// secret at some index has been used to decrypt, it (and everything below
// it) is gone, so a replayed message referencing that index fails instead of
// decrypting twice.
func TestOwnKeyIsPrunedAfterUse(t *testing.T) {
	kmA := newKeyManager(t)
	kmB := newKeyManager(t)

	aToB := Init(kmB.LongTermBundle())
	bToA := Init(kmA.LongTermBundle())

	aToB, msg1, err := Send(aToB, kmA, []byte("one"), rand.Reader)
	require.NoError(t, err)
	bToA, kmB, _, err := Receive(bToA, kmB, identityOf(kmA), msg1)
	require.NoError(t, err)

	bToA, msg2, err := Send(bToA, kmB, []byte("two"), rand.Reader)
	require.NoError(t, err)
	aToB, kmA, _, err = Receive(aToB, kmA, identityOf(kmB), msg2)
	require.NoError(t, err)

	aToB, msg3, err := Send(aToB, kmA, []byte("three"), rand.Reader)
	require.NoError(t, err)
	require.Equal(t, KeyUsedOwn, msg3.KeyUsed.Kind)

	bToAAfter, _, _, err := Receive(bToA, kmB, identityOf(kmA), msg3)
	require.NoError(t, err)

	// Replaying msg3 against the now-pruned state must fail rather than
	// silently decrypt again.
	_, _, _, err = Receive(bToAAfter, kmB, identityOf(kmA), msg3)
	require.Error(t, err)
}

func TestPreKeyReuseIsRejected(t *testing.T) {
	kmA := newKeyManager(t)
	kmB := newKeyManager(t)

	kmB, oneTimeBundle, err := kmB.GenerateOnetimeBundle()
	require.NoError(t, err)
	require.NotNil(t, oneTimeBundle.OneTimePrekeyID)

	aToB := Init(oneTimeBundle)
	bToA := Init(kmA.LongTermBundle())

	aToB, msg1, err := Send(aToB, kmA, []byte("first"), rand.Reader)
	require.NoError(t, err)

	_, kmB, _, err = Receive(bToA, kmB, identityOf(kmA), msg1)
	require.NoError(t, err)

	// A second, independently bootstrapped channel reusing the same
	// one-time prekey id must be rejected: the secret is already consumed.
	aToB2 := Init(oneTimeBundle)
	_, msg2, err := Send(aToB2, kmA, []byte("replay"), rand.Reader)
	require.NoError(t, err)

	_, _, _, err = Receive(bToA, kmB, identityOf(kmA), msg2)
	require.ErrorIs(t, err, ErrPreKeyReuse)
}
