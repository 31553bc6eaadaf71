// Package ratelimit implements the distributed rate limiter (C6): per
// resource-key sliding windows built atop internal/crdt and internal/syncbus,
// grounded on original_source/node/src/distributed_rate_limiter.rs's sweep
// cadences and admission algorithm.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/FunwayHQ/project-aegis-sub001/internal/crdt"
)

// Decision is the admission result for a single check.
type Decision struct {
	Allowed      bool
	Current      uint64
	Remaining    uint64
	RetryAfter   time.Duration
}

// Window is a single resource key's rate-limit state.
type Window struct {
	counter     *crdt.Counter
	startedAt   time.Time
	duration    time.Duration
	maxRequests uint64
	lastActive  time.Time
}

// IsExpired reports whether the window's period has fully elapsed.
func (w *Window) IsExpired() bool {
	return time.Since(w.startedAt) >= w.duration
}

// Publisher propagates a local CRDT op to the sync bus; implemented by
// internal/syncbus.Bus.Publish, injected here to keep this package free of a
// direct NATS dependency.
type Publisher interface {
	Publish(actorID uint64, operation interface{}) error
}

// Limiter manages per-key rate-limit windows.
type Limiter struct {
	mu          sync.Mutex
	windows     map[string]*Window
	actorID     uint64
	duration    time.Duration
	maxRequests uint64
	bus         Publisher
}

// Config configures default window parameters.
type Config struct {
	ActorID     uint64
	Duration    time.Duration
	MaxRequests uint64
}

// New constructs a Limiter. bus may be nil, in which case local counters
// still work but are never propagated (used in tests and single-node mode).
func New(cfg Config, bus Publisher) *Limiter {
	return &Limiter{
		windows:     make(map[string]*Window),
		actorID:     cfg.ActorID,
		duration:    cfg.Duration,
		maxRequests: cfg.MaxRequests,
		bus:         bus,
	}
}

// Check performs the admission decision for key, creating a window on first
// use and resetting it on expiry.
func (l *Limiter) Check(key string) (Decision, error) {
	l.mu.Lock()
	w, ok := l.windows[key]
	now := time.Now()
	if !ok || w.IsExpired() {
		w = &Window{
			counter:     crdt.New(l.actorID),
			startedAt:   now,
			duration:    l.duration,
			maxRequests: l.maxRequests,
		}
		l.windows[key] = w
	}
	w.lastActive = now
	l.mu.Unlock()

	current, err := w.counter.Value()
	if err != nil {
		return Decision{}, err
	}

	if current >= w.maxRequests {
		elapsed := time.Since(w.startedAt)
		remaining := w.duration - elapsed
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Allowed: false, Current: current, RetryAfter: remaining}, nil
	}

	op := w.counter.Increment(1)
	newCount := current + 1
	if l.bus != nil {
		// best-effort; local increment already committed. The key travels
		// alongside the op since the sync bus's subject hierarchy is keyed
		// by actor, not by rate-limit resource key.
		_ = l.bus.Publish(l.actorID, RemoteOp{Key: key, Op: op})
	}
	return Decision{
		Allowed:   true,
		Current:   newCount,
		Remaining: w.maxRequests - newCount,
	}, nil
}

// RemoteOp is the payload published to and received from the sync bus for
// one local increment: the CRDT op plus the rate-limit key it belongs to.
type RemoteOp struct {
	Key string  `json:"key"`
	Op  crdt.Op `json:"op"`
}

// ApplyRemote decodes a RemoteOp from raw JSON and merges it into the
// matching window. It returns an error on malformed payloads so a sync-bus
// subscription handler can log and discard the message without retrying.
func (l *Limiter) ApplyRemote(raw json.RawMessage) error {
	var remote RemoteOp
	if err := json.Unmarshal(raw, &remote); err != nil {
		return fmt.Errorf("ratelimit: decode remote op: %w", err)
	}
	l.MergeRemote(remote.Key, remote.Op)
	return nil
}

// MergeRemote merges a remote CRDT op into the window for key, called by the
// sync-bus subscription handler when a remote actor's increment arrives.
func (l *Limiter) MergeRemote(key string, op crdt.Op) {
	l.mu.Lock()
	w, ok := l.windows[key]
	if !ok {
		w = &Window{
			counter:     crdt.New(l.actorID),
			startedAt:   time.Now(),
			duration:    l.duration,
			maxRequests: l.maxRequests,
		}
		l.windows[key] = w
	}
	l.mu.Unlock()
	w.counter.MergeOp(op)
}

// Cleanup removes windows expired for at least 2x the configured window
// duration with no recent activity, preventing unbounded key-map growth.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	cutoff := 2 * l.duration
	for key, w := range l.windows {
		if time.Since(w.lastActive) >= cutoff && w.IsExpired() {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Compact collapses any window whose CRDT state exceeds 1 KiB serialized,
// a proxy for many-actor accumulation.
func (l *Limiter) Compact() int {
	l.mu.Lock()
	windows := make([]*Window, 0, len(l.windows))
	for _, w := range l.windows {
		windows = append(windows, w)
	}
	l.mu.Unlock()

	compacted := 0
	for _, w := range windows {
		if w.counter.EstimatedSize() > 1024 {
			if err := w.counter.Compact(); err == nil {
				compacted++
			}
		}
	}
	return compacted
}

// RunSweepers starts the cleanup (every 2x window duration) and compaction
// (every compactionInterval) background loops. The returned function stops
// both loops.
func (l *Limiter) RunSweepers(compactionInterval time.Duration) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		t := time.NewTicker(2 * l.duration)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				l.Cleanup()
			}
		}
	}()

	go func() {
		defer wg.Done()
		t := time.NewTicker(compactionInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				l.Compact()
			}
		}
	}()

	return func() {
		close(stop)
		wg.Wait()
	}
}
