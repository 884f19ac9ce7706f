package core

// Mesh Protocol (SPEC_FULL.md §4.9). Wraps a libp2p host and gossipsub
// router, exposes the spec's fixed + job-scoped topic taxonomy, tracks a
// lightweight peer score, and answers pull-based DAG sync requests.
// Grounded directly on the teacher's core/network.go Node (libp2p.New +
// pubsub.NewGossipSub, per-topic Join/Publish and Subscribe/sub.Next loops,
// mDNS discovery via mdns.NewMdnsService + the Notifee pattern, DialSeed
// bootstrap-peer dialing).

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Topic name builders for the fixed and job-scoped gossip topics of §4.9.
func TopicJobAnnounce(federationID string) string  { return "/jobs/" + federationID + "/announce" }
func TopicJobBids(jobCID string) string             { return "/jobs/" + jobCID + "/bids" }
func TopicJobAssignment(jobCID string) string       { return "/jobs/" + jobCID + "/assignment" }
func TopicJobStatus(jobCID string) string           { return "/jobs/" + jobCID + "/status" }
func TopicReceiptsAvailable(federationID string) string { return "/receipts/" + federationID + "/available" }
func TopicDagSync(federationID string) string       { return "/dag/" + federationID + "/sync" }

// MeshMessage is the envelope delivered to a topic subscriber.
type MeshMessage struct {
	From  string
	Topic string
	Data  []byte
}

// MeshConfig parameterizes host construction and discovery.
type MeshConfig struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
	// JobTopicTTL bounds how long an ephemeral job-scoped subscription
	// (bids/assignment/status for one job) is kept open after its last
	// activity before the GC sweep unsubscribes it.
	JobTopicTTL time.Duration
	// DagSyncRatePerSec/DagSyncBurst bound how often this node answers DAG
	// sync requests from a single requester DID. Zero selects the default
	// of 2 req/s, burst 5.
	DagSyncRatePerSec float64
	DagSyncBurst      int
}

type peerScore struct {
	validityRate   float64
	timelinessMean float64
	scopeOverlap   float64
	dagResponsive  float64
	samples        int
}

// Mesh is a federation node's gossip transport.
type Mesh struct {
	host   host
	pubsub *pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc

	topicMu sync.Mutex
	topics  map[string]*pubsub.Topic
	subs    map[string]*pubsub.Subscription
	lastUse map[string]time.Time

	scoreMu sync.Mutex
	scores  map[string]*peerScore

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	dag    *DagStore
	logger *logrus.Entry
	cfg    MeshConfig
}

// host is the subset of libp2p's host.Host this package depends on,
// narrowed to the three methods Mesh calls; its signatures still use
// libp2p's peer types.
type host interface {
	ID() peer.ID
	Connect(ctx context.Context, pi peer.AddrInfo) error
	Close() error
}

// NewMesh constructs a Mesh bound to cfg, bootstraps to any configured seed
// peers, and enables mDNS peer discovery under cfg.DiscoveryTag.
func NewMesh(cfg MeshConfig, dag *DagStore) (*Mesh, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mesh: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("mesh: create pubsub: %w", err)
	}

	m := &Mesh{
		host:    h,
		pubsub:  ps,
		ctx:     ctx,
		cancel:  cancel,
		topics:  make(map[string]*pubsub.Topic),
		subs:    make(map[string]*pubsub.Subscription),
		lastUse: make(map[string]time.Time),
		scores:  make(map[string]*peerScore),
		limiters: make(map[string]*rate.Limiter),
		dag:     dag,
		logger:  logrus.WithField("component", "mesh"),
		cfg:     cfg,
	}

	if len(cfg.BootstrapPeers) > 0 {
		if err := m.dialSeeds(cfg.BootstrapPeers); err != nil {
			m.logger.WithError(err).Warn("mesh: bootstrap dial warning")
		}
	}

	if cfg.DiscoveryTag != "" {
		if _, err := mdns.NewMdnsService(h, cfg.DiscoveryTag, m); err != nil {
			m.logger.WithError(err).Warn("mesh: mdns discovery unavailable")
		}
	}

	if cfg.JobTopicTTL > 0 {
		go m.gcLoop()
	}

	return m, nil
}

func (m *Mesh) dialSeeds(seeds []string) error {
	var lastErr error
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			lastErr = err
			continue
		}
		if err := m.host.Connect(m.ctx, *pi); err != nil {
			lastErr = err
			continue
		}
	}
	return lastErr
}

// HandlePeerFound implements mdns.Notifee.
func (m *Mesh) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == m.host.ID() {
		return
	}
	if err := m.host.Connect(m.ctx, info); err != nil {
		m.logger.WithError(err).WithField("peer", info.ID.String()).Debug("mesh: mdns connect failed")
	}
}

// Broadcast publishes data on topic, joining it first if necessary.
func (m *Mesh) Broadcast(topic string, data []byte) error {
	t, err := m.joinTopic(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(m.ctx, data); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrTransport, topic, err)
	}
	return nil
}

func (m *Mesh) joinTopic(topic string) (*pubsub.Topic, error) {
	m.topicMu.Lock()
	defer m.topicMu.Unlock()
	m.lastUse[topic] = time.Now()
	t, ok := m.topics[topic]
	if ok {
		return t, nil
	}
	t, err := m.pubsub.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("%w: join %s: %v", ErrTransport, topic, err)
	}
	m.topics[topic] = t
	return t, nil
}

// Subscribe returns a channel of messages on topic, joining and subscribing
// if necessary. The subscription remains open until the topic is idle for
// longer than JobTopicTTL (for job-scoped topics) or Unsubscribe is called
// explicitly.
func (m *Mesh) Subscribe(topic string) (<-chan MeshMessage, error) {
	t, err := m.joinTopic(topic)
	if err != nil {
		return nil, err
	}

	m.topicMu.Lock()
	sub, ok := m.subs[topic]
	if !ok {
		sub, err = t.Subscribe()
		if err != nil {
			m.topicMu.Unlock()
			return nil, fmt.Errorf("%w: subscribe %s: %v", ErrTransport, topic, err)
		}
		m.subs[topic] = sub
	}
	m.topicMu.Unlock()

	out := make(chan MeshMessage, 64)
	go func() {
		for {
			msg, err := sub.Next(m.ctx)
			if err != nil {
				close(out)
				return
			}
			m.topicMu.Lock()
			m.lastUse[topic] = time.Now()
			m.topicMu.Unlock()
			out <- MeshMessage{From: msg.GetFrom().String(), Topic: topic, Data: msg.Data}
		}
	}()
	return out, nil
}

// Unsubscribe tears down the subscription and topic handle for topic. Safe
// to call on a topic that was never subscribed.
func (m *Mesh) Unsubscribe(topic string) {
	m.topicMu.Lock()
	defer m.topicMu.Unlock()
	if sub, ok := m.subs[topic]; ok {
		sub.Cancel()
		delete(m.subs, topic)
	}
	if t, ok := m.topics[topic]; ok {
		_ = t.Close()
		delete(m.topics, topic)
	}
	delete(m.lastUse, topic)
}

// gcLoop unsubscribes job-scoped topics that have gone idle past
// cfg.JobTopicTTL, preventing per-job subscriptions from accumulating
// forever on a long-lived node.
func (m *Mesh) gcLoop() {
	ticker := time.NewTicker(m.cfg.JobTopicTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.JobTopicTTL)
			m.topicMu.Lock()
			var stale []string
			for topic, last := range m.lastUse {
				jobScoped := strings.HasSuffix(topic, "/bids") || strings.HasSuffix(topic, "/assignment") || strings.HasSuffix(topic, "/status")
				if jobScoped && last.Before(cutoff) {
					stale = append(stale, topic)
				}
			}
			m.topicMu.Unlock()
			for _, topic := range stale {
				m.Unsubscribe(topic)
				m.logger.WithField("topic", topic).Debug("mesh: gc'd idle job topic")
			}
		}
	}
}

// RecordPeerOutcome folds one observation into a peer's running score. valid
// reports whether the peer's last receipt/bid passed validation, onTimeMs is
// its response latency, and scopeOverlap/dagResponsive are 0-1 ratios for
// scope-interest match and DAG-sync responsiveness respectively.
func (m *Mesh) RecordPeerOutcome(peerDID string, valid bool, onTimeMs float64, scopeOverlap, dagResponsive float64) {
	m.scoreMu.Lock()
	defer m.scoreMu.Unlock()
	s, ok := m.scores[peerDID]
	if !ok {
		s = &peerScore{}
		m.scores[peerDID] = s
	}
	validF := 0.0
	if valid {
		validF = 1.0
	}
	n := float64(s.samples)
	s.validityRate = (s.validityRate*n + validF) / (n + 1)
	s.timelinessMean = (s.timelinessMean*n + onTimeMs) / (n + 1)
	s.scopeOverlap = (s.scopeOverlap*n + scopeOverlap) / (n + 1)
	s.dagResponsive = (s.dagResponsive*n + dagResponsive) / (n + 1)
	s.samples++
}

// PeerScore returns a composite 0-1 score for peerDID, or 0.5 (neutral) if
// no observations have been recorded.
func (m *Mesh) PeerScore(peerDID string) float64 {
	m.scoreMu.Lock()
	defer m.scoreMu.Unlock()
	s, ok := m.scores[peerDID]
	if !ok {
		return 0.5
	}
	return clamp01(0.4*s.validityRate + 0.2*s.scopeOverlap + 0.2*s.dagResponsive + 0.2*clamp01(1-s.timelinessMean/1000))
}

// dagSyncRequest/Response are the CBOR-encoded payloads exchanged on
// TopicDagSync for pull-based replication (spec.md §4.9): a peer missing
// content asks a responder to walk the DAG outward from RootCID up to
// MaxDepth hops along DagNode.Links, and the responder streams back
// whichever nodes it holds. Signature lets a responder authenticate the
// requester (§4.9's "responders authenticate requests") before doing any
// traversal work on their behalf.
type dagSyncRequest struct {
	RootCID   string `cbor:"root_cid"`
	Requester string `cbor:"requester"`
	MaxDepth  int    `cbor:"max_depth"`
	Signature []byte `cbor:"signature"`
}

func (r dagSyncRequest) signableBytes() []byte {
	return Canonicalize(struct {
		RootCID  string `cbor:"root_cid"`
		Requester string `cbor:"requester"`
		MaxDepth int    `cbor:"max_depth"`
	}{r.RootCID, r.Requester, r.MaxDepth})
}

type dagSyncResponse struct {
	Nodes []DagNode `cbor:"nodes"`
}

// RequestDagSync publishes a root-anchored, depth-bounded pull request
// signed by signer (the requesting node's own identity key) on the
// federation's DAG sync topic, and does not block for a response;
// responses arrive asynchronously via the subscription returned by
// Subscribe(TopicDagSync).
func (m *Mesh) RequestDagSync(federationID, rootCID, requesterDID string, maxDepth int, signer ed25519.PrivateKey) error {
	req := dagSyncRequest{RootCID: rootCID, Requester: requesterDID, MaxDepth: maxDepth}
	req.Signature = Sign(signer, req.signableBytes())
	data, err := cbor.Marshal(req)
	if err != nil {
		return fmt.Errorf("mesh: encode dag sync request: %w", err)
	}
	return m.Broadcast(TopicDagSync(federationID), data)
}

// allowDagSync reports whether requesterDID is currently under its
// per-requester DAG sync rate limit, creating that requester's limiter on
// first use.
func (m *Mesh) allowDagSync(requesterDID string) bool {
	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()
	l, ok := m.limiters[requesterDID]
	if !ok {
		rps := m.cfg.DagSyncRatePerSec
		if rps <= 0 {
			rps = 2
		}
		burst := m.cfg.DagSyncBurst
		if burst <= 0 {
			burst = 5
		}
		l = rate.NewLimiter(rate.Limit(rps), burst)
		m.limiters[requesterDID] = l
	}
	return l.Allow()
}

// RespondToDagSync decodes an incoming dagSyncRequest, authenticates the
// requester's signature, enforces a per-requester rate limit, and replies
// with every node reachable from RootCID within MaxDepth hops along
// DagNode.Links (breadth-first, root included). responseLimit additionally
// bounds the reply size regardless of depth, so a single query cannot be
// used to exfiltrate the entire store in one round.
func (m *Mesh) RespondToDagSync(federationID string, reqData []byte, responseLimit int) error {
	var req dagSyncRequest
	if err := cbor.Unmarshal(reqData, &req); err != nil {
		return fmt.Errorf("%w: dag sync request decode: %v", ErrInvalidContent, err)
	}
	if err := VerifySignature(req.Requester, req.signableBytes(), req.Signature); err != nil {
		return fmt.Errorf("mesh: dag sync request: %w", err)
	}
	if !m.allowDagSync(req.Requester) {
		return fmt.Errorf("mesh: dag sync request from %s: %w", req.Requester, ErrDenied)
	}
	if req.MaxDepth < 0 {
		return fmt.Errorf("%w: negative max_depth", ErrInvalidContent)
	}

	visited := map[string]bool{}
	resp := dagSyncResponse{}
	type frontierEntry struct {
		cid   string
		depth int
	}
	frontier := []frontierEntry{{cid: req.RootCID, depth: 0}}
	for len(frontier) > 0 && len(resp.Nodes) < responseLimit {
		cur := frontier[0]
		frontier = frontier[1:]
		if visited[cur.cid] {
			continue
		}
		visited[cur.cid] = true
		node, ok := m.dag.Get(cur.cid)
		if !ok {
			continue
		}
		resp.Nodes = append(resp.Nodes, node)
		if cur.depth >= req.MaxDepth {
			continue
		}
		for _, link := range node.Links {
			if !visited[link] {
				frontier = append(frontier, frontierEntry{cid: link, depth: cur.depth + 1})
			}
		}
	}
	if len(resp.Nodes) == 0 {
		return nil
	}
	data, err := cbor.Marshal(resp)
	if err != nil {
		return fmt.Errorf("mesh: encode dag sync response: %w", err)
	}
	return m.Broadcast(TopicDagSync(federationID), data)
}

// IngestDagSyncResponse decodes a dagSyncResponse and inserts every node
// into the local DAG store (idempotent: insertion of an already-known CID is
// a no-op per DagStore.Insert).
func (m *Mesh) IngestDagSyncResponse(data []byte) (int, error) {
	var resp dagSyncResponse
	if err := cbor.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("%w: dag sync response decode: %v", ErrInvalidContent, err)
	}
	n := 0
	for _, node := range resp.Nodes {
		if _, err := m.dag.Insert(node); err == nil {
			n++
		}
	}
	return n, nil
}

// Close tears down the host and cancels all subscriptions.
func (m *Mesh) Close() error {
	m.cancel()
	return m.host.Close()
}
