package vault

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/require"
)

func TestPendingLocksAccumulatePerAddress(t *testing.T) {
	p := NewPendingLocks(90 * time.Second)

	id1 := p.Add("alice", sdkmath.NewInt(100))
	id2 := p.Add("alice", sdkmath.NewInt(50))
	p.Add("bob", sdkmath.NewInt(30))

	require.Equal(t, sdkmath.NewInt(150), p.Total("alice"))
	require.Equal(t, sdkmath.NewInt(30), p.Total("bob"))
	require.Equal(t, 2, p.Count("alice"))

	p.Remove(id1)
	require.Equal(t, sdkmath.NewInt(50), p.Total("alice"))
	p.Remove(id2)
	require.True(t, p.Total("alice").IsZero())
}

func TestPendingLocksExpire(t *testing.T) {
	p := NewPendingLocks(90 * time.Second)
	base := time.Now()
	p.now = func() time.Time { return base }

	p.Add("alice", sdkmath.NewInt(100))
	require.Equal(t, sdkmath.NewInt(100), p.Total("alice"))

	p.now = func() time.Time { return base.Add(91 * time.Second) }
	require.True(t, p.Total("alice").IsZero())
	require.Zero(t, p.Count("alice"))
}

func TestPendingLocksRemoveDelayed(t *testing.T) {
	p := NewPendingLocks(90 * time.Second)
	id := p.Add("alice", sdkmath.NewInt(100))

	p.RemoveDelayed(id, 10*time.Millisecond)
	require.Equal(t, sdkmath.NewInt(100), p.Total("alice"))

	require.Eventually(t, func() bool {
		return p.Total("alice").IsZero()
	}, time.Second, 5*time.Millisecond)
}
