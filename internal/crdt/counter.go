// Package crdt implements a state-based PN-Counter CRDT keyed by actor ID.
// Semantics are grounded on original_source/node/src/distributed_counter.rs:
// each actor owns a positive and negative tally; merge is pointwise max on
// both tallies; value is the sum of positives minus the sum of negatives.
package crdt

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Op is a single remote operation applied via MergeOp.
type Op struct {
	Actor uint64 `json:"actor"`
	Delta uint64 `json:"delta"`
	// Negative marks this as a decrement applied to Actor's negative tally
	// (used for intrinsic compaction of stale actors).
	Negative bool `json:"negative"`
}

type tally struct {
	Positive uint64 `json:"positive"`
	Negative uint64 `json:"negative"`
}

// Counter is a PN-Counter for a single logical resource (e.g. a rate-limit
// window). It is safe for concurrent use.
type Counter struct {
	mu      sync.RWMutex
	self    uint64
	tallies map[uint64]*tally
}

// New creates a counter whose local increments are attributed to selfActor.
func New(selfActor uint64) *Counter {
	return &Counter{
		self:    selfActor,
		tallies: make(map[uint64]*tally),
	}
}

func (c *Counter) entry(actor uint64) *tally {
	t, ok := c.tallies[actor]
	if !ok {
		t = &tally{}
		c.tallies[actor] = t
	}
	return t
}

// Increment adds v to the local actor's positive tally and returns the Op to
// propagate over the sync bus.
func (c *Counter) Increment(v uint64) Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(c.self).Positive += v
	return Op{Actor: c.self, Delta: v}
}

// DecrementActor adds v to actor a's negative tally, used to intrinsically
// retire a stale actor's contribution without coordinating a rebase.
func (c *Counter) DecrementActor(a, v uint64) Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(a).Negative += v
	return Op{Actor: a, Delta: v, Negative: true}
}

// Value returns sum(positive) - sum(negative) as a uint64. Negatives can
// exceed positives only transiently under compaction races; since the
// result is unsigned, a total below zero is reported as an error.
func (c *Counter) Value() (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var pos, neg uint64
	for _, t := range c.tallies {
		pos += t.Positive
		neg += t.Negative
	}
	if neg > pos {
		return 0, fmt.Errorf("crdt: counter value underflow (pos=%d neg=%d)", pos, neg)
	}
	return pos - neg, nil
}

// MergeOp applies a single remote operation into local state.
func (c *Counter) MergeOp(op Op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.entry(op.Actor)
	if op.Negative {
		if op.Delta > t.Negative {
			t.Negative = op.Delta
		}
	} else {
		if op.Delta > t.Positive {
			t.Positive = op.Delta
		}
	}
}

// state is the wire format produced by SerializeState.
type state map[uint64]tally

// SerializeState returns a canonical encoding of the full counter state.
func (c *Counter) SerializeState() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := make(state, len(c.tallies))
	for actor, t := range c.tallies {
		s[actor] = *t
	}
	return json.Marshal(s)
}

// DeserializeState parses the wire format produced by SerializeState.
func DeserializeState(selfActor uint64, data []byte) (*Counter, error) {
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("crdt: deserialize state: %w", err)
	}
	c := New(selfActor)
	for actor, t := range s {
		tCopy := t
		c.tallies[actor] = &tCopy
	}
	return c, nil
}

// Merge performs a pointwise-max merge of remote serialized state into c.
// Merge is commutative, associative, and idempotent by construction because
// it only ever takes componentwise maxima.
func (c *Counter) Merge(remoteState []byte) error {
	var s state
	if err := json.Unmarshal(remoteState, &s); err != nil {
		return fmt.Errorf("crdt: merge: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for actor, rt := range s {
		t := c.entry(actor)
		if rt.Positive > t.Positive {
			t.Positive = rt.Positive
		}
		if rt.Negative > t.Negative {
			t.Negative = rt.Negative
		}
	}
	return nil
}

// Compact collapses all accumulated contributions into a new counter holding
// the current total under the local actor, matching distributed_counter.rs's
// compact(): other actors' history is discarded once folded into the total.
func (c *Counter) Compact() error {
	v, err := c.Value()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tallies = map[uint64]*tally{c.self: {Positive: v}}
	return nil
}

// EstimatedSize approximates the wire size in bytes, used by callers to
// decide when to trigger compaction.
func (c *Counter) EstimatedSize() int {
	b, err := c.SerializeState()
	if err != nil {
		return 0
	}
	return len(b)
}

// ActorCount reports how many distinct actors have contributed state,
// exposed for observability/metrics.
func (c *Counter) ActorCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tallies)
}
