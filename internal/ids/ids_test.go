package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateClientIDAvoidsInUse(t *testing.T) {
	used := map[ClientId]bool{1: true, 2: true, 3: true}
	for i := 0; i < 100; i++ {
		id, err := AllocateClientID(func(c ClientId) bool { return used[c] })
		require.NoError(t, err)
		require.False(t, used[id])
		require.GreaterOrEqual(t, id, minAssignable)
		require.LessOrEqual(t, id, maxAssignable)
	}
}

func TestAllocateClientIDExhausted(t *testing.T) {
	_, err := AllocateClientID(func(ClientId) bool { return true })
	require.ErrorIs(t, err, ErrExhausted)
}

func TestMessageIDCounterMonotonic(t *testing.T) {
	var c MessageIDCounter
	require.Equal(t, MessageId(0), c.Next())
	require.Equal(t, MessageId(1), c.Next())
	require.Equal(t, MessageId(2), c.Next())
}
