// Package xdpfilter models the kernel-attached SYN-flood packet filter
// (C1). No example repo in the pack binds real XDP/cilium-ebpf; this is a
// stdlib-only, pure-Go
// simulation of the map layout and decision pipeline described in
// original_source/node/ebpf/syn-flood-filter/src/main.rs.
package xdpfilter

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// synEntry mirrors the syn_tracker map value {count, last_seen_micros}.
type synEntry struct {
	count    uint64
	lastSeen int64 // micros
}

// blockEntry mirrors the blocklist map value {blocked_until_micros, total_violations}.
type blockEntry struct {
	blockedUntil int64 // micros
	violations   uint64
}

// Stats mirrors the stats map: counters for total/SYN/dropped/passed/blocked/early-drop.
type Stats struct {
	Total      uint64
	SYN        uint64
	Dropped    uint64
	Passed     uint64
	Blocked    uint64
	EarlyDrops uint64
}

// Verdict is the per-packet decision.
type Verdict int

const (
	Pass Verdict = iota
	Drop
)

// Config holds the filter's threshold slots.
type Config struct {
	SynThreshold   uint64
	BlockDuration  time.Duration
}

// Filter is the in-memory analogue of the kernel maps. All map writes are
// best-effort under a single mutex; convergence, not per-packet precision,
// is the correctness criterion.
type Filter struct {
	mu        sync.Mutex
	synTrack  map[netip.Addr]*synEntry
	blocklist map[netip.Addr]*blockEntry
	whitelist map[netip.Addr]struct{}
	cfg       Config
	stats     Stats
	nowMicros func() int64
}

// New constructs a Filter with the given configuration.
func New(cfg Config) *Filter {
	if cfg.SynThreshold == 0 {
		cfg.SynThreshold = 100
	}
	if cfg.BlockDuration == 0 {
		cfg.BlockDuration = 30 * time.Second
	}
	return &Filter{
		synTrack:  make(map[netip.Addr]*synEntry),
		blocklist: make(map[netip.Addr]*blockEntry),
		whitelist: make(map[netip.Addr]struct{}),
		cfg:       cfg,
		nowMicros: func() int64 { return time.Now().UnixMicro() },
	}
}

// Whitelist marks src as exempt from all rate checks, suppressing blocklist
// creation.
func (f *Filter) Whitelist(src netip.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.whitelist[src] = struct{}{}
}

// Block inserts src into the blocklist for the given duration,
// used by the threat-intel gossip layer (C13) to apply remote advisories.
func (f *Filter) Block(src netip.Addr, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockUntilLocked(src, f.nowMicros()+duration.Microseconds())
}

func (f *Filter) blockUntilLocked(src netip.Addr, untilMicros int64) {
	e, ok := f.blocklist[src]
	if !ok {
		e = &blockEntry{}
		f.blocklist[src] = e
	}
	e.blockedUntil = untilMicros
	e.violations++
}

// IsTCPSyn reports whether flags represent a pure SYN packet (SYN set, ACK
// clear), matching step 6 of the decision pipeline.
func IsTCPSyn(synFlag, ackFlag bool) bool {
	return synFlag && !ackFlag
}

// Admit runs the full decision pipeline for one inbound packet and returns
// the verdict. isIPv4/isTCP/synFlag/ackFlag describe the parsed packet;
// parse errors are the caller's responsibility to translate into Pass,
// per the fail-open contract "on any parse error, pass".
func (f *Filter) Admit(src netip.Addr, isIPv4, isTCP, synFlag, ackFlag bool) Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stats.Total++
	if !isIPv4 {
		return Pass
	}

	now := f.nowMicros()
	if e, ok := f.blocklist[src]; ok {
		if e.blockedUntil > now {
			f.stats.Dropped++
			f.stats.EarlyDrops++
			return Drop
		}
		delete(f.blocklist, src) // lazy eviction of expired entry
	}

	if !isTCP {
		return Pass
	}
	if !IsTCPSyn(synFlag, ackFlag) {
		return Pass
	}
	f.stats.SYN++

	if _, ok := f.whitelist[src]; ok {
		f.stats.Passed++
		return Pass
	}

	entry, ok := f.synTrack[src]
	if !ok {
		f.synTrack[src] = &synEntry{count: 1, lastSeen: now}
		f.stats.Passed++
		return Pass
	}

	if now-entry.lastSeen < time.Second.Microseconds() {
		entry.count++
		entry.lastSeen = now
		if entry.count > 2*f.cfg.SynThreshold {
			f.blockUntilLocked(src, now+f.cfg.BlockDuration.Microseconds())
			f.stats.Dropped++
			f.stats.Blocked++
			return Drop
		}
		if entry.count > f.cfg.SynThreshold {
			f.stats.Dropped++
			return Drop
		}
		f.stats.Passed++
		return Pass
	}

	// Window rollover: decay by half above 10, else hard-reset to 1. This
	// matches original_source/node/ebpf/syn-flood-filter/src/main.rs's
	// `if count > 10 { count / 2 } else { 1 }` exactly (not `count - 1`).
	if entry.count > 10 {
		entry.count = entry.count / 2
	} else {
		entry.count = 1
	}
	entry.lastSeen = now
	f.stats.Passed++
	return Pass
}

// Stats returns a snapshot of the filter's counters.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// IsBlocked reports whether src is currently within an active blocklist
// window, without mutating filter state.
func (f *Filter) IsBlocked(src netip.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.blocklist[src]
	if !ok {
		return false
	}
	return e.blockedUntil > f.nowMicros()
}

// FilteredListener wraps a net.Listener and runs every accepted connection
// through Admit before handing it to the caller. In the kernel-XDP
// original the verdict is decided on the raw SYN packet, before any
// connection object exists; a userspace net.Listener only ever sees a
// connection after the handshake has completed, so each Accept is treated
// as the one observable proxy for a SYN arriving from that source.
type FilteredListener struct {
	net.Listener
	filter *Filter
	log    *logrus.Entry
}

// NewFilteredListener constructs a FilteredListener delegating admission
// decisions to filter.
func NewFilteredListener(inner net.Listener, filter *Filter, log *logrus.Entry) *FilteredListener {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FilteredListener{Listener: inner, filter: filter, log: log}
}

// Accept blocks until a connection passes Admit, closing and silently
// skipping any connection the filter drops.
func (l *FilteredListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		addr, ok := conn.RemoteAddr().(*net.TCPAddr)
		if !ok {
			return conn, nil
		}
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			return conn, nil
		}
		ip = ip.Unmap()

		if l.filter.Admit(ip, ip.Is4(), true, true, false) == Drop {
			l.log.WithField("client_ip", ip.String()).Warn("xdpfilter: dropped connection")
			conn.Close()
			continue
		}
		return conn, nil
	}
}
