package master

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"masterkit/journal"
	"masterkit/network"
	"masterkit/protocol"
)

var fakePeerIDs atomic.Int32

// fakePeer is an in-memory Peer for module tests. Sent messages are
// recorded; SendRequest goes through the scripted responder when one is
// set, so owner round trips resolve synchronously.
type fakePeer struct {
	id        int32
	responder func(m *protocol.Message, h network.ResponseHandler)

	mu           sync.Mutex
	disconnected bool
	sent         []*protocol.Message
	props        map[network.PropertyKey]any
	security     *network.SecurityExtension
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		id:    fakePeerIDs.Add(1),
		props: make(map[network.PropertyKey]any),
	}
}

func (p *fakePeer) ID() int32 { return p.id }

func (p *fakePeer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.disconnected
}

func (p *fakePeer) disconnect() {
	p.mu.Lock()
	p.disconnected = true
	p.mu.Unlock()
}

func (p *fakePeer) Send(m *protocol.Message) error {
	p.mu.Lock()
	p.sent = append(p.sent, m)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SendRequest(m *protocol.Message, h network.ResponseHandler, _ time.Duration) int32 {
	if !p.IsConnected() {
		h(protocol.StatusNotConnected, &network.IncomingMessage{
			Msg:  &protocol.Message{Status: protocol.StatusNotConnected, Payload: []byte("peer disconnected")},
			Peer: p,
		})
		return -1
	}
	if p.responder != nil {
		p.responder(m, h)
		return 1
	}
	_ = p.Send(m)
	return 1
}

func (p *fakePeer) SetProperty(key network.PropertyKey, value any) {
	p.mu.Lock()
	p.props[key] = value
	p.mu.Unlock()
}

func (p *fakePeer) Property(key network.PropertyKey) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.props[key]
}

func (p *fakePeer) Security() *network.SecurityExtension {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.security
}

func (p *fakePeer) SetSecurity(ext *network.SecurityExtension) {
	p.mu.Lock()
	p.security = ext
	p.mu.Unlock()
}

func (p *fakePeer) sentMessages() []*protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*protocol.Message, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *fakePeer) lastSent() *protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return nil
	}
	return p.sent[len(p.sent)-1]
}

// acceptingOwner responds to access checks with a fresh access carrying
// the given token.
func acceptingOwner(token string) *fakePeer {
	owner := newFakePeer()
	owner.responder = func(m *protocol.Message, h network.ResponseHandler) {
		access := &protocol.RoomAccessPacket{Token: token}
		h(protocol.StatusSuccess, &network.IncomingMessage{
			Msg: &protocol.Message{
				OpCode:  m.OpCode,
				Status:  protocol.StatusSuccess,
				Payload: protocol.Pack(access),
			},
			Peer: owner,
		})
	}
	return owner
}

// request wraps a payload as an incoming request with an ack id, so the
// handler's response lands in the sender's outbox.
func request(peer network.Peer, op protocol.OpCode, payload []byte) *network.IncomingMessage {
	return &network.IncomingMessage{
		Msg:  &protocol.Message{OpCode: op, AckRequestID: 1, Payload: payload},
		Peer: peer,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testOptions() Options {
	opts := Options{
		TokenKey:                  []byte("test-key"),
		EnableClientSpawnRequests: true,
	}
	opts.Normalize()
	return opts
}

func newTestRoomsModule() *RoomsModule {
	return NewRoomsModule(testLogger(), journal.Discard{}, testOptions())
}

func newTestSpawnersModule() *SpawnersModule {
	return NewSpawnersModule(testLogger(), journal.Discard{}, testOptions())
}
