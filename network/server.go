package network

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"masterkit/protocol"
)

// HandlerFunc processes one incoming request on the server's dispatch loop.
type HandlerFunc func(m *IncomingMessage)

type serverEvent struct {
	msg    *IncomingMessage
	joined Peer
	left   Peer
}

// SocketServer accepts websocket peers and funnels every incoming message and
// every connect/disconnect through a single dispatch goroutine, so handlers
// and disconnect cascades run single-threaded over the registries.
type SocketServer struct {
	log  *slog.Logger
	acks *AckRegistry

	upgrader  websocket.Upgrader
	outBuffer int
	events    chan serverEvent

	mu           sync.RWMutex
	handlers     map[protocol.OpCode]HandlerFunc
	peers        map[int32]Peer
	dropHandlers []func(Peer)
}

func NewSocketServer(log *slog.Logger, acks *AckRegistry, eventBuffer, peerOutBuffer int) *SocketServer {
	return &SocketServer{
		log:  log,
		acks: acks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The master fronts game processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		outBuffer: peerOutBuffer,
		events:    make(chan serverEvent, eventBuffer),
		handlers:  make(map[protocol.OpCode]HandlerFunc),
		peers:     make(map[int32]Peer),
	}
}

// HandleFunc registers the handler for an operation. Registration happens
// during module initialization, before the server starts serving.
func (s *SocketServer) HandleFunc(op protocol.OpCode, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[op] = h
}

// OnPeerDisconnected subscribes to the disconnect cascade. Handlers run on
// the dispatch loop, after the peer's pending acks were failed.
func (s *SocketServer) OnPeerDisconnected(f func(Peer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropHandlers = append(s.dropHandlers, f)
}

// PeerCount reports the number of connected peers.
func (s *SocketServer) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Peer looks up a connected peer by id.
func (s *SocketServer) Peer(id int32) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// Deliver places a message on the dispatch loop. The websocket read pumps go
// through here; tests drive handlers the same way with stub peers.
func (s *SocketServer) Deliver(m *IncomingMessage) {
	s.events <- serverEvent{msg: m}
}

// DropPeer places a disconnect on the dispatch loop.
func (s *SocketServer) DropPeer(p Peer) {
	s.events <- serverEvent{left: p}
}

// ServeHTTP upgrades the connection and starts the peer's pumps.
func (s *SocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	peer := newWSPeer(s.log, conn, s.acks, s.outBuffer)
	s.events <- serverEvent{joined: peer}

	go peer.writePump()
	go s.readPump(peer)
}

func (s *SocketServer) readPump(peer *wsPeer) {
	defer func() {
		peer.close()
		s.events <- serverEvent{left: peer}
	}()

	for {
		kind, data, err := peer.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			s.log.Warn("Dropping malformed frame", "peerId", peer.ID(), "error", err)
			continue
		}
		s.events <- serverEvent{msg: &IncomingMessage{Msg: msg, Peer: peer}}
	}
}

// Run is the dispatch loop; it implements the supervised worker contract.
func (s *SocketServer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			switch {
			case ev.joined != nil:
				s.addPeer(ev.joined)
			case ev.left != nil:
				s.removePeer(ev.left)
			case ev.msg != nil:
				s.handleMessage(ev.msg)
			}
		}
	}
}

func (s *SocketServer) addPeer(p Peer) {
	s.mu.Lock()
	s.peers[p.ID()] = p
	s.mu.Unlock()
	s.log.Info("Peer connected", "peerId", p.ID())
}

func (s *SocketServer) removePeer(p Peer) {
	s.mu.Lock()
	_, known := s.peers[p.ID()]
	delete(s.peers, p.ID())
	drops := make([]func(Peer), len(s.dropHandlers))
	copy(drops, s.dropHandlers)
	s.mu.Unlock()

	if !known {
		// Second leg of a close race; the cascade already ran.
		return
	}

	// Fail open acks first so callers observe NotConnected before the
	// owned-entity cascades fire.
	s.acks.FailPeer(p)

	for _, drop := range drops {
		drop(p)
	}
	s.log.Info("Peer disconnected", "peerId", p.ID())
}

func (s *SocketServer) handleMessage(m *IncomingMessage) {
	if m.Msg.AckResponseID != 0 {
		s.acks.Resolve(m.Msg.AckResponseID, m.Msg.Status, m)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[m.Msg.OpCode]
	s.mu.RUnlock()

	if !ok {
		s.log.Warn("No handler for operation", "opCode", m.Msg.OpCode, "peerId", m.Peer.ID())
		m.RespondString(protocol.StatusNotHandled, "operation not handled")
		return
	}

	s.safeInvoke(handler, m)
}

// safeInvoke converts a handler panic into an Error response. One bad
// request must not take the dispatch loop down.
func (s *SocketServer) safeInvoke(handler HandlerFunc, m *IncomingMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Handler panicked", "opCode", m.Msg.OpCode, "peerId", m.Peer.ID(), "panic", r)
			m.RespondString(protocol.StatusError, fmt.Sprintf("internal error: %v", r))
		}
	}()
	handler(m)
}
