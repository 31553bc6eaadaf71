package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"github.com/FunwayHQ/project-aegis-sub001/internal/identity"
)

// Blocker is the subset of internal/xdpfilter.Filter the gossip node
// depends on: inserting a validated advisory into the kernel-map blocklist.
type Blocker interface {
	Block(ip netip.Addr, duration time.Duration)
}

// MetricsSink counts accepted and rejected advisories; implemented by
// internal/vmetrics.
type MetricsSink interface {
	IncAdvisoryAccepted()
	IncAdvisoryRejected()
}

// Config configures a Node.
type Config struct {
	ListenAddr     string
	DiscoveryTag   string
	BootstrapPeers []string
}

// Node wraps a libp2p host and gossipsub overlay dedicated to threat-intel
// advisories, grounded on core/network.go's NewNode/Broadcast/
// Subscribe pattern.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription

	id      *identity.Identity
	blocker Blocker
	metrics MetricsSink
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	peers map[string]struct{}
}

// NewNode creates and bootstraps a gossip node on Topic.
func NewNode(cfg Config, id *identity.Identity, blocker Blocker, metrics MetricsSink, log *logrus.Entry) (*Node, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("threatintel: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("threatintel: create pubsub: %w", err)
	}

	topic, err := ps.Join(Topic)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("threatintel: join topic: %w", err)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("threatintel: subscribe: %w", err)
	}

	n := &Node{
		host:    h,
		pubsub:  ps,
		topic:   topic,
		sub:     sub,
		id:      id,
		blocker: blocker,
		metrics: metrics,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[string]struct{}),
	}

	for _, addr := range cfg.BootstrapPeers {
		if pi, perr := peer.AddrInfoFromString(addr); perr == nil {
			if cerr := h.Connect(ctx, *pi); cerr != nil {
				log.WithError(cerr).WithField("addr", addr).Warn("threatintel: bootstrap dial failed")
			}
		}
	}

	if cfg.DiscoveryTag != "" {
		mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
	}

	go n.receiveLoop()
	return n, nil
}

// HandlePeerFound implements mdns.Notifee: connect to a locally discovered
// peer.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	n.mu.Lock()
	_, known := n.peers[info.ID.String()]
	n.mu.Unlock()
	if known {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.log.WithError(err).Warn("threatintel: mDNS connect failed")
		return
	}
	n.mu.Lock()
	n.peers[info.ID.String()] = struct{}{}
	n.mu.Unlock()
}

// PublishAdvisory signs and broadcasts an advisory over the topic.
func (n *Node) PublishAdvisory(ip netip.Addr, severity int, durationSecs int, reason string) error {
	a := Advisory{
		SourceNodeID: n.id.NodeID(),
		IP:           ip.String(),
		Severity:     severity,
		DurationSecs: durationSecs,
		Reason:       reason,
		Timestamp:    time.Now().UTC(),
		PublicKeyHex: n.id.PublicKeyHex(),
	}
	payload, err := a.canonicalPayload()
	if err != nil {
		return fmt.Errorf("threatintel: marshal advisory: %w", err)
	}
	a.Signature = n.id.Sign(payload)

	wire, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("threatintel: marshal signed advisory: %w", err)
	}
	return n.topic.Publish(n.ctx, wire)
}

// receiveLoop consumes inbound gossip messages, validating and applying
// each before handing control back for the next message.
func (n *Node) receiveLoop() {
	for {
		msg, err := n.sub.Next(n.ctx)
		if err != nil {
			n.log.WithError(err).Debug("threatintel: subscription closed")
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.handleMessage(msg.Data)
	}
}

func (n *Node) handleMessage(data []byte) {
	var a Advisory
	if err := json.Unmarshal(data, &a); err != nil {
		n.log.WithError(err).Warn("threatintel: malformed advisory dropped")
		if n.metrics != nil {
			n.metrics.IncAdvisoryRejected()
		}
		return
	}

	payload, err := a.canonicalPayload()
	if err != nil {
		n.log.WithError(err).Warn("threatintel: advisory re-serialize failed")
		if n.metrics != nil {
			n.metrics.IncAdvisoryRejected()
		}
		return
	}
	ok, err := identity.VerifyPublicKey(a.PublicKeyHex, payload, a.Signature)
	if err != nil || !ok {
		n.log.WithField("source", a.SourceNodeID).Warn("threatintel: advisory signature invalid, dropped")
		if n.metrics != nil {
			n.metrics.IncAdvisoryRejected()
		}
		return
	}

	if err := a.Validate(time.Now().UTC(), identity.NodeIDFromPublicKeyHex); err != nil {
		n.log.WithError(err).Warn("threatintel: advisory failed validation, dropped")
		if n.metrics != nil {
			n.metrics.IncAdvisoryRejected()
		}
		return
	}

	ip, err := netip.ParseAddr(a.IP)
	if err != nil {
		if n.metrics != nil {
			n.metrics.IncAdvisoryRejected()
		}
		return
	}
	n.blocker.Block(ip, time.Duration(a.DurationSecs)*time.Second)
	if n.metrics != nil {
		n.metrics.IncAdvisoryAccepted()
	}
	n.log.WithFields(logrus.Fields{"ip": a.IP, "severity": a.Severity, "source": a.SourceNodeID}).Info("threatintel: advisory applied")
}

// Close tears down the host and background goroutines.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}
