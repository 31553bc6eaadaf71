package xdpfilter

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestFilter(t *testing.T, threshold uint64) (*Filter, *int64) {
	t.Helper()
	f := New(Config{SynThreshold: threshold, BlockDuration: 30 * time.Second})
	var clock int64
	f.nowMicros = func() int64 { return clock }
	return f, &clock
}

func TestAdmitPassesNonIPv4(t *testing.T) {
	f, _ := newTestFilter(t, 5)
	addr := netip.MustParseAddr("10.0.0.1")
	require.Equal(t, Pass, f.Admit(addr, false, false, false, false))
}

func TestAdmitDropsAboveThresholdWithinWindow(t *testing.T) {
	f, clock := newTestFilter(t, 3)
	addr := netip.MustParseAddr("203.0.113.5")

	for i := 0; i < 3; i++ {
		require.Equal(t, Pass, f.Admit(addr, true, true, true, false))
		*clock += 1000
	}
	require.Equal(t, Drop, f.Admit(addr, true, true, true, false))
}

func TestAdmitAutoBlocklistAtDoubleThreshold(t *testing.T) {
	f, clock := newTestFilter(t, 2)
	addr := netip.MustParseAddr("198.51.100.9")

	for i := 0; i < 5; i++ {
		f.Admit(addr, true, true, true, false)
		*clock += 1000
	}
	require.True(t, f.IsBlocked(addr))
	require.Equal(t, Drop, f.Admit(addr, true, true, true, false))
}

func TestWhitelistBypassesRateChecks(t *testing.T) {
	f, clock := newTestFilter(t, 1)
	addr := netip.MustParseAddr("192.0.2.1")
	f.Whitelist(addr)

	for i := 0; i < 10; i++ {
		require.Equal(t, Pass, f.Admit(addr, true, true, true, false))
		*clock += 1000
	}
}

func TestWindowDecayAboveTen(t *testing.T) {
	// count = 11 at rollover → new count = 5, matching
	// original_source/node/ebpf/syn-flood-filter/src/main.rs.
	f, clock := newTestFilter(t, 1000) // high threshold: never trips drop path
	addr := netip.MustParseAddr("203.0.113.20")

	for i := 0; i < 11; i++ {
		f.Admit(addr, true, true, true, false)
	}
	entry := f.synTrack[addr]
	require.Equal(t, uint64(11), entry.count)

	*clock += time.Second.Microseconds() + 1
	f.Admit(addr, true, true, true, false)
	require.Equal(t, uint64(5), entry.count)
}

func TestWindowResetAtOrBelowTen(t *testing.T) {
	f, clock := newTestFilter(t, 1000)
	addr := netip.MustParseAddr("203.0.113.21")
	for i := 0; i < 3; i++ {
		f.Admit(addr, true, true, true, false)
	}
	entry := f.synTrack[addr]
	require.Equal(t, uint64(3), entry.count)

	*clock += time.Second.Microseconds() + 1
	f.Admit(addr, true, true, true, false)
	require.Equal(t, uint64(1), entry.count)
}

func TestBlocklistExpiresLazily(t *testing.T) {
	f, clock := newTestFilter(t, 10)
	addr := netip.MustParseAddr("203.0.113.30")
	f.Block(addr, 5*time.Second)
	require.True(t, f.IsBlocked(addr))

	*clock += 6 * time.Second.Microseconds()
	require.False(t, f.IsBlocked(addr))
	require.Equal(t, Pass, f.Admit(addr, true, false, false, false))
}

func TestStatsAccounting(t *testing.T) {
	f, clock := newTestFilter(t, 100)
	addr := netip.MustParseAddr("203.0.113.40")
	f.Admit(addr, true, true, true, false)
	*clock += 1000
	f.Admit(addr, true, false, false, false)

	s := f.Stats()
	require.Equal(t, uint64(2), s.Total)
	require.Equal(t, uint64(1), s.SYN)
	require.LessOrEqual(t, s.Dropped+s.Passed, s.Total)
}
