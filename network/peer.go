// Package network implements the persistent message socket the master, the
// spawner agents and the room processes talk over: a peer abstraction with
// per-peer state, request/response correlation with timeouts, a websocket
// server and a websocket client with an explicit connection state machine.
package network

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	apperrors "masterkit/errors"
	"masterkit/protocol"
)

// PropertyKey addresses one slot of a peer's property bag.
type PropertyKey int

const (
	// PropClientSpawnRequest holds the *SpawnTask a client currently has in
	// flight, enforcing the one-active-request rule.
	PropClientSpawnRequest PropertyKey = iota + 1
)

// SecurityExtension is the identity the auth module binds to a peer.
type SecurityExtension struct {
	Username        string
	PermissionLevel int32
	Guest           bool
}

// ResponseHandler fires exactly once per outgoing request: with the real
// response, with a synthetic Timeout, or with NotConnected when the remote
// peer drops first.
type ResponseHandler func(status protocol.ResponseStatus, m *IncomingMessage)

// Peer is a session handle used uniformly for game clients, spawner agents
// and room processes. Implementations are safe for concurrent use.
type Peer interface {
	// ID is a process-wide unique, monotonically increasing identifier,
	// assigned lazily on first access.
	ID() int32
	IsConnected() bool
	// Send enqueues a message; it never blocks on the network.
	Send(m *protocol.Message) error
	// SendRequest registers the handler for the response correlated to this
	// message and sends it. Returns the ack id, or -1 when not connected
	// (the handler then already fired with NotConnected).
	SendRequest(m *protocol.Message, h ResponseHandler, timeout time.Duration) int32
	SetProperty(key PropertyKey, value any)
	Property(key PropertyKey) any
	Security() *SecurityExtension
	SetSecurity(ext *SecurityExtension)
}

// IncomingMessage pairs a decoded frame with the peer it came from.
type IncomingMessage struct {
	Msg  *protocol.Message
	Peer Peer
}

// Respond answers a request. Messages sent without an ack id are
// fire-and-forget and responding to them is a no-op.
func (im *IncomingMessage) Respond(status protocol.ResponseStatus, payload []byte) {
	if im.Msg.AckRequestID == 0 || im.Peer == nil {
		return
	}
	_ = im.Peer.Send(&protocol.Message{
		OpCode:        im.Msg.OpCode,
		AckResponseID: im.Msg.AckRequestID,
		Status:        status,
		Payload:       payload,
	})
}

func (im *IncomingMessage) RespondEmpty(status protocol.ResponseStatus) {
	im.Respond(status, nil)
}

func (im *IncomingMessage) RespondString(status protocol.ResponseStatus, s string) {
	im.Respond(status, []byte(s))
}

func (im *IncomingMessage) RespondInt32(status protocol.ResponseStatus, v int32) {
	w := protocol.NewWriter()
	w.WriteInt32(v)
	im.Respond(status, w.Bytes())
}

func (im *IncomingMessage) RespondPacket(status protocol.ResponseStatus, p protocol.Packet) {
	im.Respond(status, protocol.Pack(p))
}

func syntheticResponse(peer Peer, status protocol.ResponseStatus, reason string) *IncomingMessage {
	return &IncomingMessage{
		Msg:  &protocol.Message{Status: status, Payload: []byte(reason)},
		Peer: peer,
	}
}

var peerIDCounter atomic.Int32

// nextPeerID hands out session ids; ids are never reused within a process.
func nextPeerID() int32 {
	return peerIDCounter.Add(1)
}

// wsPeer is a connected websocket session on the server side.
type wsPeer struct {
	log  *slog.Logger
	conn *websocket.Conn
	acks *AckRegistry

	idOnce sync.Once
	id     int32

	mu       sync.Mutex
	props    map[PropertyKey]any
	security *SecurityExtension

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSPeer(log *slog.Logger, conn *websocket.Conn, acks *AckRegistry, outBuffer int) *wsPeer {
	return &wsPeer{
		log:   log,
		conn:  conn,
		acks:  acks,
		props: make(map[PropertyKey]any),
		out:   make(chan []byte, outBuffer),
		done:  make(chan struct{}),
	}
}

func (p *wsPeer) ID() int32 {
	p.idOnce.Do(func() {
		p.id = nextPeerID()
	})
	return p.id
}

func (p *wsPeer) IsConnected() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *wsPeer) Send(m *protocol.Message) error {
	encoded := m.Encode()
	select {
	case <-p.done:
		return apperrors.ErrNotConnected
	case p.out <- encoded:
		return nil
	}
}

func (p *wsPeer) SendRequest(m *protocol.Message, h ResponseHandler, timeout time.Duration) int32 {
	if !p.IsConnected() {
		h(protocol.StatusNotConnected, syntheticResponse(p, protocol.StatusNotConnected, "peer is not connected"))
		return -1
	}
	id := p.acks.Register(p, h, timeout)
	m.AckRequestID = id
	if err := p.Send(m); err != nil {
		p.acks.Resolve(id, protocol.StatusNotConnected, syntheticResponse(p, protocol.StatusNotConnected, "peer is not connected"))
		return -1
	}
	return id
}

func (p *wsPeer) SetProperty(key PropertyKey, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.props[key] = value
}

func (p *wsPeer) Property(key PropertyKey) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.props[key]
}

func (p *wsPeer) Security() *SecurityExtension {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.security
}

func (p *wsPeer) SetSecurity(ext *SecurityExtension) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.security = ext
}

// close marks the peer dead and wakes every sender. Idempotent; racing
// disconnect paths (read error, write error, server shutdown) all funnel here.
func (p *wsPeer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *wsPeer) writePump() {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.out:
			if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				p.close()
				return
			}
		}
	}
}
