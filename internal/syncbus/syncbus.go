// Package syncbus implements the durable pub/sub transport (C5) binding
// CRDT operations to subjects, wired to github.com/nats-io/nats.go's
// JetStream API, grounded on original_source/node/src/nats_sync.rs's
// durable, at-least-once, explicit-ack semantics.
package syncbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// CounterOpMessage is the wire wrapper published for every local CRDT
// mutation.
type CounterOpMessage struct {
	ActorID      uint64          `json:"actor_id"`
	Operation    json.RawMessage `json:"operation"`
	TimestampMS  int64           `json:"timestamp_ms"`
}

// Bus connects to a JetStream-backed NATS deployment and exposes
// publish/subscribe for CRDT operations on a per-actor subject hierarchy.
type Bus struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	streamName    string
	subjectPrefix string
	selfActor     uint64
	log           *logrus.Entry
}

// Options configures a new Bus.
type Options struct {
	URL           string
	StreamName    string
	SubjectPrefix string // e.g. "aegis.state.counter"
	SelfActor     uint64
}

// Connect dials the NATS URL, ensures the retention-bounded stream exists
// (file-backed, retention <= 1h), and returns a ready Bus.
func Connect(opts Options, log *logrus.Entry) (*Bus, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	nc, err := nats.Connect(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("syncbus: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("syncbus: jetstream context: %w", err)
	}

	subjectWildcard := opts.SubjectPrefix + ".*"
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      opts.StreamName,
		Subjects:  []string{subjectWildcard},
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		nc.Close()
		return nil, fmt.Errorf("syncbus: add stream: %w", err)
	}

	return &Bus{
		nc:            nc,
		js:            js,
		streamName:    opts.StreamName,
		subjectPrefix: opts.SubjectPrefix,
		selfActor:     opts.SelfActor,
		log:           log,
	}, nil
}

func (b *Bus) subject(actorID uint64) string {
	return fmt.Sprintf("%s.%d", b.subjectPrefix, actorID)
}

// Publish serializes a CRDT op and durably publishes it under this actor's
// subject. Publish failures are logged and returned, but callers must not
// block the originating local mutation on this result: the local counter
// has already been updated before Publish runs.
func (b *Bus) Publish(actorID uint64, operation interface{}) error {
	opBytes, err := json.Marshal(operation)
	if err != nil {
		return fmt.Errorf("syncbus: marshal operation: %w", err)
	}
	msg := CounterOpMessage{
		ActorID:     actorID,
		Operation:   opBytes,
		TimestampMS: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("syncbus: marshal message: %w", err)
	}
	if _, err := b.js.Publish(b.subject(actorID), payload); err != nil {
		b.log.WithError(err).WithField("actor_id", actorID).Warn("syncbus publish failed")
		return fmt.Errorf("syncbus: publish: %w", err)
	}
	return nil
}

// Handler is invoked for each remote (non-self) message received.
type Handler func(msg CounterOpMessage) error

// Subscribe creates a durable pull consumer across the whole subject
// hierarchy and dispatches remote messages to handler. Messages originating
// from this node's own actor ID are acked and skipped (no self-loop);
// malformed messages are logged, acked, and discarded without retry.
func (b *Bus) Subscribe(durableName string, handler Handler) (func() error, error) {
	sub, err := b.js.PullSubscribe(b.subjectPrefix+".*", durableName,
		nats.BindStream(b.streamName), nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("syncbus: pull subscribe: %w", err)
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			msgs, err := sub.Fetch(16, nats.MaxWait(2*time.Second))
			if err != nil {
				continue
			}
			for _, m := range msgs {
				b.handleOne(m, handler)
			}
		}
	}()

	return func() error {
		close(stop)
		return sub.Unsubscribe()
	}, nil
}

func (b *Bus) handleOne(m *nats.Msg, handler Handler) {
	var msg CounterOpMessage
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		b.log.WithError(err).Warn("syncbus: dropping malformed message")
		_ = m.Ack()
		return
	}
	if msg.ActorID == b.selfActor {
		_ = m.Ack()
		return
	}
	if err := handler(msg); err != nil {
		b.log.WithError(err).Warn("syncbus: handler error, discarding message")
	}
	_ = m.Ack()
}

// Close closes the underlying NATS connection without draining it.
func (b *Bus) Close() {
	b.nc.Close()
}
