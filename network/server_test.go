package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"masterkit/protocol"
)

func startDispatch(t *testing.T, s *SocketServer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Run(ctx) }()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestSocketServer_Dispatches_To_Registered_Handler(t *testing.T) {
	req := require.New(t)
	srv := NewSocketServer(testLogger(), NewAckRegistry(testLogger(), time.Second), 16, 16)
	peer := newStubPeer()

	srv.HandleFunc(protocol.OpCode(1), func(m *IncomingMessage) {
		m.RespondString(protocol.StatusSuccess, "ok")
	})
	startDispatch(t, srv)

	srv.Deliver(&IncomingMessage{
		Msg:  &protocol.Message{OpCode: protocol.OpCode(1), AckRequestID: 7},
		Peer: peer,
	})

	waitFor(t, func() bool { return peer.lastSent() != nil })
	reply := peer.lastSent()
	req.Equal(protocol.StatusSuccess, reply.Status)
	req.Equal(int32(7), reply.AckResponseID)
}

func TestSocketServer_Unknown_Operation(t *testing.T) {
	req := require.New(t)
	srv := NewSocketServer(testLogger(), NewAckRegistry(testLogger(), time.Second), 16, 16)
	peer := newStubPeer()
	startDispatch(t, srv)

	srv.Deliver(&IncomingMessage{
		Msg:  &protocol.Message{OpCode: protocol.OpCode(42), AckRequestID: 1},
		Peer: peer,
	})

	waitFor(t, func() bool { return peer.lastSent() != nil })
	req.Equal(protocol.StatusNotHandled, peer.lastSent().Status)
}

func TestSocketServer_Forged_Ack_Response_Is_Dropped(t *testing.T) {
	req := require.New(t)
	acks := NewAckRegistry(testLogger(), time.Second)
	srv := NewSocketServer(testLogger(), acks, 16, 16)
	owner := newStubPeer()
	intruder := newStubPeer()

	var mu sync.Mutex
	var payload []byte
	id := acks.Register(owner, func(status protocol.ResponseStatus, m *IncomingMessage) {
		mu.Lock()
		payload = m.Msg.Payload
		mu.Unlock()
	}, time.Minute)
	startDispatch(t, srv)

	// When another peer injects a response frame with the owner's ack id,
	// followed by the owner's own answer. The dispatch loop processes them
	// in order.
	srv.Deliver(&IncomingMessage{
		Msg:  &protocol.Message{AckResponseID: id, Status: protocol.StatusSuccess, Payload: []byte("forged access")},
		Peer: intruder,
	})
	srv.Deliver(&IncomingMessage{
		Msg:  &protocol.Message{AckResponseID: id, Status: protocol.StatusSuccess, Payload: []byte("genuine")},
		Peer: owner,
	})
	waitFor(t, func() bool { return acks.Pending() == 0 })

	// Then the handler only ever saw the owner's frame
	mu.Lock()
	defer mu.Unlock()
	req.Equal([]byte("genuine"), payload)
}

func TestSocketServer_Handler_Panic_Becomes_Error_Response(t *testing.T) {
	req := require.New(t)
	srv := NewSocketServer(testLogger(), NewAckRegistry(testLogger(), time.Second), 16, 16)
	peer := newStubPeer()

	srv.HandleFunc(protocol.OpCode(1), func(m *IncomingMessage) {
		panic("boom")
	})
	startDispatch(t, srv)

	srv.Deliver(&IncomingMessage{
		Msg:  &protocol.Message{OpCode: protocol.OpCode(1), AckRequestID: 3},
		Peer: peer,
	})

	waitFor(t, func() bool { return peer.lastSent() != nil })
	req.Equal(protocol.StatusError, peer.lastSent().Status)
}

func TestSocketServer_Disconnect_Fails_Acks_Before_Cascade(t *testing.T) {
	req := require.New(t)
	acks := NewAckRegistry(testLogger(), time.Second)
	srv := NewSocketServer(testLogger(), acks, 16, 16)
	peer := newStubPeer()

	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(order))
		copy(out, order)
		return out
	}

	acks.Register(peer, func(status protocol.ResponseStatus, m *IncomingMessage) {
		record("ack:" + status.String())
	}, time.Minute)
	srv.OnPeerDisconnected(func(p Peer) {
		record("cascade")
	})
	startDispatch(t, srv)

	// Given a connected peer
	srv.events <- serverEvent{joined: peer}
	waitFor(t, func() bool { return srv.PeerCount() == 1 })

	// When it drops
	srv.DropPeer(peer)
	waitFor(t, func() bool { return srv.PeerCount() == 0 && len(snapshot()) == 2 })

	// Then pending acks fail with NotConnected before the cascade runs
	req.Equal([]string{"ack:NotConnected", "cascade"}, snapshot())

	// And a duplicate drop is ignored
	srv.DropPeer(peer)
	time.Sleep(20 * time.Millisecond)
	req.Len(snapshot(), 2)
}
