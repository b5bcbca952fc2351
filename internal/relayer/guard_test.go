package relayer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGuardBouncesWithinWindow(t *testing.T) {
	g := NewGuard(time.Second)
	base := time.Now()
	g.now = func() time.Time { return base }

	require.NoError(t, g.Begin("addr1"))
	require.ErrorIs(t, g.Begin("addr1"), ErrActionInProgress)

	// Different user is unaffected.
	require.NoError(t, g.Begin("addr2"))

	// Past the window the same user may go again.
	g.now = func() time.Time { return base.Add(time.Second + time.Millisecond) }
	require.NoError(t, g.Begin("addr1"))
}

func TestGuardEndAllowsImmediateRetry(t *testing.T) {
	g := NewGuard(30 * time.Second)

	require.NoError(t, g.Begin("addr1"))
	g.End("addr1")
	require.NoError(t, g.Begin("addr1"))
}
