package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	ID      [32]byte
	Label   string
	Counter uint64
	Tags    []string
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	var id [32]byte
	for i := range id {
		id[i] = byte(i)
	}
	in := sample{ID: id, Label: "epoch-secret", Counter: 7, Tags: []string{"a", "b", "c"}}

	b, err := Marshal(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(b, &out))
	require.Equal(t, in, out)
}

func TestMarshalIsCanonical(t *testing.T) {
	in := sample{Label: "x", Counter: 1, Tags: []string{"p", "q"}}

	first, err := Marshal(in)
	require.NoError(t, err)
	second, err := Marshal(in)
	require.NoError(t, err)

	require.Equal(t, first, second, "two replicas encoding the same value must agree on its bytes")
}
