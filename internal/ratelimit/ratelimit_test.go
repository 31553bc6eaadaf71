package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckAllowsUpToMaxThenDenies(t *testing.T) {
	// max_requests=3, window=60s, four sequential requests from one peer.
	l := New(Config{ActorID: 1, Duration: time.Minute, MaxRequests: 3}, nil)

	for i, wantRemaining := range []uint64{2, 1, 0} {
		d, err := l.Check("peer-a")
		require.NoError(t, err)
		require.Truef(t, d.Allowed, "request %d should be allowed", i+1)
		require.Equal(t, wantRemaining, d.Remaining)
	}

	d, err := l.Check("peer-a")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.GreaterOrEqual(t, d.Current, uint64(3))
	require.LessOrEqual(t, d.RetryAfter, time.Minute)
	require.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestDeniedImpliesCountAtOrAboveMax(t *testing.T) {
	l := New(Config{ActorID: 1, Duration: time.Minute, MaxRequests: 1}, nil)
	_, err := l.Check("k")
	require.NoError(t, err)
	d, err := l.Check("k")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.GreaterOrEqual(t, d.Current, uint64(1))
}

func TestCleanupRemovesExpiredIdleWindows(t *testing.T) {
	l := New(Config{ActorID: 1, Duration: time.Millisecond, MaxRequests: 10}, nil)
	_, err := l.Check("k")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	removed := l.Cleanup()
	require.Equal(t, 1, removed)
}

func TestIndependentKeysDoNotShareState(t *testing.T) {
	l := New(Config{ActorID: 1, Duration: time.Minute, MaxRequests: 1}, nil)
	d1, err := l.Check("a")
	require.NoError(t, err)
	require.True(t, d1.Allowed)

	d2, err := l.Check("b")
	require.NoError(t, err)
	require.True(t, d2.Allowed)
}
