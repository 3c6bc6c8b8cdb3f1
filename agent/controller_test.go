package agent

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"masterkit/network"
	"masterkit/protocol"
)

// fakeGateway records notifications without ever delivering a response,
// the way the real connection behaves while its read loop is busy.
type fakeGateway struct {
	mu       sync.Mutex
	started  []int32
	killed   []int32
	handlers map[protocol.OpCode]network.HandlerFunc
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{handlers: make(map[protocol.OpCode]network.HandlerFunc)}
}

func (g *fakeGateway) HandleFunc(op protocol.OpCode, h network.HandlerFunc) {
	g.handlers[op] = h
}

func (g *fakeGateway) RegisterSpawner(context.Context, protocol.SpawnerOptions) (int32, error) {
	return 0, nil
}

func (g *fakeGateway) NotifyProcessStarted(spawnID int32) error {
	g.mu.Lock()
	g.started = append(g.started, spawnID)
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) NotifyProcessKilled(spawnID int32) error {
	g.mu.Lock()
	g.killed = append(g.killed, spawnID)
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) UpdateProcessesCount(int32, int32) error { return nil }

func (g *fakeGateway) startedSpawns() []int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int32, len(g.started))
	copy(out, g.started)
	return out
}

func (g *fakeGateway) killedSpawns() []int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int32, len(g.killed))
	copy(out, g.killed)
	return out
}

// testPeer records the responses the controller's handlers send back.
type testPeer struct {
	mu   sync.Mutex
	sent []*protocol.Message
}

func (p *testPeer) ID() int32         { return 1 }
func (p *testPeer) IsConnected() bool { return true }

func (p *testPeer) Send(m *protocol.Message) error {
	p.mu.Lock()
	p.sent = append(p.sent, m)
	p.mu.Unlock()
	return nil
}

func (p *testPeer) SendRequest(*protocol.Message, network.ResponseHandler, time.Duration) int32 {
	return -1
}

func (p *testPeer) SetProperty(network.PropertyKey, any)   {}
func (p *testPeer) Property(network.PropertyKey) any       { return nil }
func (p *testPeer) Security() *network.SecurityExtension   { return nil }
func (p *testPeer) SetSecurity(*network.SecurityExtension) {}

func (p *testPeer) lastSent() *protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return nil
	}
	return p.sent[len(p.sent)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testControllerConfig() Config {
	return Config{
		MasterURL: "ws://localhost:5000",
		MachineIP: "127.0.0.1",
		ExePath:   "/bin/sleep",
		PortFirst: 1500,
		PortLast:  1500,
	}
}

func spawnRequest(peer network.Peer, packet *protocol.SpawnRequestPacket) *network.IncomingMessage {
	return &network.IncomingMessage{
		Msg: &protocol.Message{
			OpCode:       protocol.OpSpawnProcessRequest,
			AckRequestID: 1,
			Payload:      protocol.Pack(packet),
		},
		Peer: peer,
	}
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

func TestController_Spawn_Notifies_Start_Without_A_Round_Trip(t *testing.T) {
	req := require.New(t)
	gw := newFakeGateway()
	ctrl := NewController(testLogger(), testControllerConfig(), gw)
	peer := &testPeer{}

	// When a spawn request arrives; the gateway never answers anything,
	// so a handler waiting on a response would sit here until its timeout
	ctrl.handleSpawnRequest(spawnRequest(peer, &protocol.SpawnRequestPacket{SpawnID: 7, SpawnCode: "code"}))

	// Then the request was acknowledged and the start reported before the
	// handler returned
	req.Equal(protocol.StatusSuccess, peer.lastSent().Status)
	req.Equal([]int32{7}, gw.startedSpawns())

	// And a kill request right behind it is serviced immediately
	ctrl.handleKillRequest(&network.IncomingMessage{
		Msg: &protocol.Message{
			OpCode:       protocol.OpKillProcessRequest,
			AckRequestID: 2,
			Payload:      protocol.Pack(&protocol.KillSpawnedProcessPacket{SpawnID: 7}),
		},
		Peer: peer,
	})
	req.Equal(protocol.StatusSuccess, peer.lastSent().Status)

	// And once the process is gone, its death is reported and the port freed
	waitFor(t, func() bool { return len(gw.killedSpawns()) == 1 })
	port, err := ctrl.ports.Acquire()
	req.NoError(err)
	req.Equal(int32(1500), port)
}

func TestController_Launch_Failure_Releases_The_Port(t *testing.T) {
	req := require.New(t)
	gw := newFakeGateway()
	ctrl := NewController(testLogger(), testControllerConfig(), gw)
	peer := &testPeer{}

	ctrl.handleSpawnRequest(spawnRequest(peer, &protocol.SpawnRequestPacket{
		SpawnID:         3,
		SpawnCode:       "code",
		OverrideExePath: "/does/not/exist",
	}))

	req.Equal(protocol.StatusFailed, peer.lastSent().Status)
	req.Empty(gw.startedSpawns())

	// Then the single port went back into the pool
	port, err := ctrl.ports.Acquire()
	req.NoError(err)
	req.Equal(int32(1500), port)
}

func TestController_BuildArgs_Custom_Args_Come_Last(t *testing.T) {
	req := require.New(t)
	cfg := testControllerConfig()
	cfg.Scene = "lobby"
	cfg.Headless = true
	ctrl := NewController(testLogger(), cfg, newFakeGateway())

	args := ctrl.buildArgs(&protocol.SpawnRequestPacket{
		SpawnID:    4,
		SpawnCode:  "secret",
		CustomArgs: "-extra one",
		Properties: map[string]string{"scene": "arena"},
	}, 1500)

	// Then the request's scene overrides the configured default
	req.Contains(args, "arena")
	req.NotContains(args, "lobby")
	req.Contains(args, "-batchmode")
	req.Equal("one", args[len(args)-1])
	req.Equal("-extra", args[len(args)-2])
}
