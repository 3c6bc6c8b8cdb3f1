package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"masterkit/protocol"
)

const defaultSweepInterval = time.Second

type pendingAck struct {
	id       int32
	peerID   int32
	handler  ResponseHandler
	deadline time.Time
}

// AckRegistry correlates outgoing requests with their pending response
// handlers. A handler fires exactly once: with the response, with a
// synthetic Timeout found by the periodic sweep, or with NotConnected when
// the peer it was waiting on disconnects. Registration, resolution and the
// sweep are mutually exclusive over the pending map.
type AckRegistry struct {
	log      *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	nextID  int32
	pending map[int32]*pendingAck
	peers   map[int32]Peer
}

func NewAckRegistry(log *slog.Logger, sweepInterval time.Duration) *AckRegistry {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	return &AckRegistry{
		log:      log,
		interval: sweepInterval,
		pending:  make(map[int32]*pendingAck),
		peers:    make(map[int32]Peer),
	}
}

// Register stores the handler and returns a fresh ack id. Ids are monotonic
// and never reused, so a live id maps to at most one entry.
func (a *AckRegistry) Register(peer Peer, h ResponseHandler, timeout time.Duration) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	id := a.nextID
	a.pending[id] = &pendingAck{
		id:       id,
		peerID:   peer.ID(),
		handler:  h,
		deadline: time.Now().Add(timeout),
	}
	a.peers[id] = peer
	return id
}

// Resolve removes the entry and fires its handler. Returns false when the id
// is unknown (already resolved, timed out or failed on disconnect). Only the
// peer the request was sent to may resolve it; ack ids are guessable, so a
// response frame from any other peer is a forgery and is dropped without
// touching the pending entry.
func (a *AckRegistry) Resolve(id int32, status protocol.ResponseStatus, m *IncomingMessage) bool {
	a.mu.Lock()
	ack, ok := a.pending[id]
	if ok && m != nil && m.Peer != nil && m.Peer.ID() != ack.peerID {
		a.mu.Unlock()
		a.log.Warn("Dropping response from a peer that does not own the ack",
			"ackId", id, "peerId", m.Peer.ID(), "ownerPeerId", ack.peerID)
		return false
	}
	if ok {
		delete(a.pending, id)
		delete(a.peers, id)
	}
	a.mu.Unlock()

	if !ok {
		return false
	}
	ack.handler(status, m)
	return true
}

// FailPeer resolves every ack still waiting on the given peer with
// NotConnected. Called from the disconnect cascade so callers learn about a
// dead peer immediately instead of waiting for the timeout sweep.
func (a *AckRegistry) FailPeer(peer Peer) {
	peerID := peer.ID()

	a.mu.Lock()
	var failed []*pendingAck
	for id, ack := range a.pending {
		if ack.peerID == peerID {
			failed = append(failed, ack)
			delete(a.pending, id)
			delete(a.peers, id)
		}
	}
	a.mu.Unlock()

	for _, ack := range failed {
		ack.handler(protocol.StatusNotConnected, syntheticResponse(peer, protocol.StatusNotConnected, "peer disconnected"))
	}
}

// Pending reports the number of unresolved acks.
func (a *AckRegistry) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// SweepExpired fires the Timeout handler of every ack whose deadline passed.
func (a *AckRegistry) SweepExpired(now time.Time) {
	a.mu.Lock()
	var expired []*pendingAck
	var expiredPeers []Peer
	for id, ack := range a.pending {
		if now.After(ack.deadline) {
			expired = append(expired, ack)
			expiredPeers = append(expiredPeers, a.peers[id])
			delete(a.pending, id)
			delete(a.peers, id)
		}
	}
	a.mu.Unlock()

	for i, ack := range expired {
		a.log.Warn("Request timed out", "ackId", ack.id, "peerId", ack.peerID)
		ack.handler(protocol.StatusTimeout, syntheticResponse(expiredPeers[i], protocol.StatusTimeout, "request timed out"))
	}
}

// Run makes the registry a supervised worker driving the timeout sweep.
func (a *AckRegistry) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			a.SweepExpired(now)
		}
	}
}
