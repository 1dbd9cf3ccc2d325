package ratchet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func seed(b byte) Secret {
	var s Secret
	s[0] = b
	return s
}

func TestInOrderDeliveryMatchesSendGenerations(t *testing.T) {
	send := NewSendState(seed(1))
	recv := NewReceiveState(seed(1))

	for gen := uint64(0); gen < 5; gen++ {
		var key Secret
		send, _, key = RatchetForward(send)

		var recvKey Secret
		var err error
		recv, recvKey, err = SecretForDecryption(recv, gen, 100, 10)
		require.NoError(t, err)
		require.Equal(t, key, recvKey)
	}
}

func TestOutOfOrderWithinToleranceStillDecrypts(t *testing.T) {
	send := NewSendState(seed(2))
	recv := NewReceiveState(seed(2))

	var keys []Secret
	for i := 0; i < 4; i++ {
		var k Secret
		send, _, k = RatchetForward(send)
		keys = append(keys, k)
	}

	// Deliver generation 3 first, skipping 0-2; all must still be buffered
	// and recoverable afterward since 3 buffered keys are well within the
	// tolerance of 10.
	recv, key3, err := SecretForDecryption(recv, 3, 100, 10)
	require.NoError(t, err)
	require.Equal(t, keys[3], key3)

	for gen := uint64(0); gen < 3; gen++ {
		var key Secret
		recv, key, err = SecretForDecryption(recv, gen, 100, 10)
		require.NoError(t, err)
		require.Equal(t, keys[gen], key)
	}
}

func TestReplayOfConsumedGenerationFails(t *testing.T) {
	send := NewSendState(seed(3))
	recv := NewReceiveState(seed(3))

	send, _, _ = RatchetForward(send)
	recv, _, err := SecretForDecryption(recv, 0, 100, 10)
	require.NoError(t, err)

	_, _, err = SecretForDecryption(recv, 0, 100, 10)
	require.ErrorIs(t, err, ErrKeyAlreadyUsed)
}

func TestGapBeyondForwardDistanceIsRejected(t *testing.T) {
	recv := NewReceiveState(seed(4))

	_, _, err := SecretForDecryption(recv, 50, 10, 10)
	var gapErr *GapTooLargeError
	require.ErrorAs(t, err, &gapErr)
	require.Equal(t, uint64(50), gapErr.Generation)
}

func TestSkippedKeyEvictedBeyondToleranceIsUnrecoverable(t *testing.T) {
	send := NewSendState(seed(5))
	recv := NewReceiveState(seed(5))

	for i := 0; i < 10; i++ {
		send, _, _ = RatchetForward(send)
	}

	// Jump straight to generation 9 with a tight out-of-order tolerance of
	// 2: generations 0-8 are derived and buffered, but only the 2 most
	// recent survive pruning.
	recv, _, err := SecretForDecryption(recv, 9, 100, 2)
	require.NoError(t, err)

	_, _, err = SecretForDecryption(recv, 0, 100, 2)
	require.ErrorIs(t, err, ErrKeyAlreadyUsed)

	_, _, err = SecretForDecryption(recv, 8, 100, 2)
	require.NoError(t, err)
}
