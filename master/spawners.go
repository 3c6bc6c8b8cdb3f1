package master

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"masterkit/journal"
	"masterkit/network"
	"masterkit/protocol"
)

// SpawnersModule manages spawner agents and the spawn tasks flowing through
// them. It is a supervised worker: Run drives the queue updater that
// dispatches queued tasks as machine slots free up.
type SpawnersModule struct {
	log     *slog.Logger
	journal journal.Recorder

	registerPermissionLevel int32
	enableClientRequests    bool
	queueUpdateInterval     time.Duration
	spawnerRequestTimeout   time.Duration

	mu            sync.Mutex
	nextSpawnerID int32
	nextSpawnID   int32
	spawners      map[int32]*RegisteredSpawner
	tasks         map[int32]*SpawnTask
	peerSpawners  map[int32]map[int32]*RegisteredSpawner
}

func NewSpawnersModule(log *slog.Logger, rec journal.Recorder, opts Options) *SpawnersModule {
	return &SpawnersModule{
		log:                     log,
		journal:                 rec,
		registerPermissionLevel: opts.RegisterSpawnerPermissionLevel,
		enableClientRequests:    opts.EnableClientSpawnRequests,
		queueUpdateInterval:     opts.QueueUpdateInterval,
		spawnerRequestTimeout:   opts.RequestTimeout,
		spawners:                make(map[int32]*RegisteredSpawner),
		tasks:                   make(map[int32]*SpawnTask),
		peerSpawners:            make(map[int32]map[int32]*RegisteredSpawner),
	}
}

// Init wires the module's handlers and its disconnect cascade.
func (m *SpawnersModule) Init(srv *network.SocketServer) {
	srv.HandleFunc(protocol.OpRegisterSpawner, m.registerSpawnerHandler)
	srv.HandleFunc(protocol.OpClientSpawnRequest, m.clientSpawnRequestHandler)
	srv.HandleFunc(protocol.OpAbortSpawnRequest, m.abortSpawnRequestHandler)
	srv.HandleFunc(protocol.OpRegisterSpawnedProcess, m.registerSpawnedProcessHandler)
	srv.HandleFunc(protocol.OpCompleteSpawnProcess, m.completeSpawnProcessHandler)
	srv.HandleFunc(protocol.OpProcessStarted, m.processStartedHandler)
	srv.HandleFunc(protocol.OpProcessKilled, m.processKilledHandler)
	srv.HandleFunc(protocol.OpGetSpawnFinalizationData, m.getFinalizationDataHandler)
	srv.HandleFunc(protocol.OpUpdateSpawnerProcessesCount, m.updateProcessesCountHandler)
	srv.OnPeerDisconnected(m.onPeerDisconnected)
}

// Run drains spawner queues on a fixed period.
func (m *SpawnersModule) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.queueUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, spawner := range m.Spawners() {
				spawner.UpdateQueue()
			}
		}
	}
}

// RegisterSpawner creates a spawner owned by the given agent peer.
func (m *SpawnersModule) RegisterSpawner(peer network.Peer, options protocol.SpawnerOptions) *RegisteredSpawner {
	m.mu.Lock()
	id := m.nextSpawnerID
	m.nextSpawnerID++
	spawner := newRegisteredSpawner(id, peer, options, m.log, m.spawnerRequestTimeout)
	m.spawners[id] = spawner

	owned, ok := m.peerSpawners[peer.ID()]
	if !ok {
		owned = make(map[int32]*RegisteredSpawner)
		m.peerSpawners[peer.ID()] = owned
	}
	owned[id] = spawner
	m.mu.Unlock()

	m.log.Info("Spawner registered", "spawnerId", id, "peerId", peer.ID(),
		"region", options.Region, "maxProcesses", options.MaxProcesses)
	m.recordEntry(journal.Entry{Kind: journal.SpawnerRegistered, SpawnerID: id, PeerID: peer.ID(), Detail: options.Region})
	return spawner
}

// DestroySpawner drops the spawner and aborts every task still waiting in
// its queue. Tasks with a live process are left alone; their process peers
// report their own fate.
func (m *SpawnersModule) DestroySpawner(spawner *RegisteredSpawner) {
	m.mu.Lock()
	_, known := m.spawners[spawner.ID()]
	delete(m.spawners, spawner.ID())
	if owned, ok := m.peerSpawners[spawner.Peer().ID()]; ok {
		delete(owned, spawner.ID())
		if len(owned) == 0 {
			delete(m.peerSpawners, spawner.Peer().ID())
		}
	}
	m.mu.Unlock()

	if !known {
		return
	}

	for _, task := range spawner.queuedTasks() {
		task.markFailed()
	}

	m.log.Info("Spawner destroyed", "spawnerId", spawner.ID())
	m.recordEntry(journal.Entry{Kind: journal.SpawnerDestroyed, SpawnerID: spawner.ID()})
}

func (m *SpawnersModule) Spawner(id int32) (*RegisteredSpawner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spawners[id]
	return s, ok
}

func (m *SpawnersModule) Spawners() []*RegisteredSpawner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Values(m.spawners)
}

func (m *SpawnersModule) Task(id int32) (*SpawnTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Spawn picks the least loaded spawner matching the region and queues a
// task on it. An empty region matches every spawner.
func (m *SpawnersModule) Spawn(requester network.Peer, options protocol.ClientSpawnRequestPacket) (*SpawnTask, bool) {
	candidates := lo.Filter(m.Spawners(), func(s *RegisteredSpawner, _ int) bool {
		if options.Region != "" && s.Region() != options.Region {
			return false
		}
		return s.CanSpawnAnotherProcess()
	})
	chosen := lo.MaxBy(candidates, func(a, b *RegisteredSpawner) bool {
		return a.FreeSlots() > b.FreeSlots()
	})
	if chosen == nil {
		return nil, false
	}

	m.mu.Lock()
	id := m.nextSpawnID
	m.nextSpawnID++
	task := newSpawnTask(id, chosen, requester, options)
	m.tasks[id] = task
	m.mu.Unlock()

	chosen.AddTaskToQueue(task)
	m.log.Info("Spawn queued", "spawnId", id, "spawnerId", chosen.ID(), "region", options.Region)
	m.recordEntry(journal.Entry{Kind: journal.SpawnQueued, SpawnerID: chosen.ID(), SpawnID: id, PeerID: requester.ID()})
	return task, true
}

func (m *SpawnersModule) onPeerDisconnected(peer network.Peer) {
	m.mu.Lock()
	owned := lo.Values(m.peerSpawners[peer.ID()])
	m.mu.Unlock()

	for _, spawner := range owned {
		m.DestroySpawner(spawner)
	}
}

func (m *SpawnersModule) recordEntry(e journal.Entry) {
	if err := m.journal.Append(e); err != nil {
		m.log.Warn("Journal write failed", "error", err)
	}
}

func (m *SpawnersModule) registerSpawnerHandler(msg *network.IncomingMessage) {
	if permissionLevel(msg.Peer) < m.registerPermissionLevel {
		msg.RespondString(protocol.StatusUnauthorized, "insufficient permissions")
		return
	}

	var options protocol.SpawnerOptions
	if err := protocol.Unpack(msg.Msg.Payload, &options); err != nil {
		msg.RespondString(protocol.StatusError, "malformed spawner options")
		return
	}
	if err := validate.Struct(&options); err != nil {
		msg.RespondString(protocol.StatusFailed, "invalid spawner options")
		return
	}

	spawner := m.RegisterSpawner(msg.Peer, options)
	msg.RespondInt32(protocol.StatusSuccess, spawner.ID())
}

func (m *SpawnersModule) clientSpawnRequestHandler(msg *network.IncomingMessage) {
	if !m.enableClientRequests {
		msg.RespondString(protocol.StatusFailed, "client spawn requests are disabled")
		return
	}

	var options protocol.ClientSpawnRequestPacket
	if err := protocol.Unpack(msg.Msg.Payload, &options); err != nil {
		msg.RespondString(protocol.StatusError, "malformed request")
		return
	}

	// One active spawn request per client. The previous one has to end
	// before another may start.
	if prev, ok := msg.Peer.Property(network.PropClientSpawnRequest).(*SpawnTask); ok && prev != nil {
		if !prev.Status().IsTerminal() {
			msg.RespondString(protocol.StatusFailed, "you already have an active spawn request")
			return
		}
	}

	task, ok := m.Spawn(msg.Peer, options)
	if !ok {
		msg.RespondString(protocol.StatusFailed, "no free spawners to handle the request")
		return
	}
	msg.Peer.SetProperty(network.PropClientSpawnRequest, task)

	// Push every status transition to the requester so it can render
	// progress without polling.
	requester := msg.Peer
	task.OnStatusChanged(func(t *SpawnTask, status protocol.SpawnStatus) {
		update := &protocol.SpawnStatusUpdatePacket{SpawnID: t.ID(), Status: status}
		if err := requester.Send(protocol.NewPacketMessage(protocol.OpSpawnRequestStatusChange, update)); err != nil {
			m.log.Debug("Status push failed", "spawnId", t.ID(), "error", err)
		}
		m.recordEntry(journal.Entry{Kind: journal.SpawnStatusChanged, SpawnID: t.ID(), Detail: status.String()})
	})

	msg.RespondInt32(protocol.StatusSuccess, task.ID())
}

func (m *SpawnersModule) abortSpawnRequestHandler(msg *network.IncomingMessage) {
	spawnID, err := msg.Msg.AsInt32()
	if err != nil {
		msg.RespondString(protocol.StatusError, "malformed request")
		return
	}
	task, ok := m.Task(spawnID)
	if !ok {
		msg.RespondString(protocol.StatusFailed, "no such spawn request")
		return
	}
	if task.Requester() != msg.Peer {
		msg.RespondString(protocol.StatusUnauthorized, "the request was not made by you")
		return
	}

	if err := task.Abort(); err != nil {
		msg.RespondString(protocol.StatusFailed, "the spawn request already ended")
		return
	}
	msg.RespondEmpty(protocol.StatusSuccess)
}

// registerSpawnedProcessHandler is called by a started process presenting
// the unique code it was launched with. The code is the only credential;
// nothing else ties the new connection to the task.
func (m *SpawnersModule) registerSpawnedProcessHandler(msg *network.IncomingMessage) {
	var data protocol.RegisterSpawnedProcessPacket
	if err := protocol.Unpack(msg.Msg.Payload, &data); err != nil {
		msg.RespondString(protocol.StatusError, "malformed request")
		return
	}

	task, ok := m.Task(data.SpawnID)
	if !ok {
		msg.RespondString(protocol.StatusFailed, "no such spawn request")
		return
	}
	if task.UniqueCode() != data.SpawnCode {
		msg.RespondString(protocol.StatusUnauthorized, "invalid spawn code")
		return
	}

	task.OnProcessRegistered(msg.Peer)
	msg.Respond(protocol.StatusSuccess, protocol.Pack(&protocol.SpawnFinalizationPacket{
		SpawnID:          task.ID(),
		FinalizationData: task.Options().Options,
	}))
}

func (m *SpawnersModule) completeSpawnProcessHandler(msg *network.IncomingMessage) {
	var data protocol.SpawnFinalizationPacket
	if err := protocol.Unpack(msg.Msg.Payload, &data); err != nil {
		msg.RespondString(protocol.StatusError, "malformed request")
		return
	}

	task, ok := m.Task(data.SpawnID)
	if !ok {
		msg.RespondString(protocol.StatusFailed, "no such spawn request")
		return
	}
	if task.RegisteredPeer() != msg.Peer {
		msg.RespondString(protocol.StatusUnauthorized, "only the registered process may finalize the spawn")
		return
	}

	task.OnFinalized(data.FinalizationData)
	msg.RespondEmpty(protocol.StatusSuccess)
}

// spawnerOwnedTask resolves a task and enforces that the calling peer owns
// the spawner the task runs on.
func (m *SpawnersModule) spawnerOwnedTask(msg *network.IncomingMessage) (*SpawnTask, bool) {
	spawnID, err := msg.Msg.AsInt32()
	if err != nil {
		msg.RespondString(protocol.StatusError, "malformed request")
		return nil, false
	}
	task, ok := m.Task(spawnID)
	if !ok {
		msg.RespondString(protocol.StatusFailed, "no such spawn request")
		return nil, false
	}
	if task.Spawner().Peer() != msg.Peer {
		msg.RespondString(protocol.StatusUnauthorized, "you do not own this spawner")
		return nil, false
	}
	return task, true
}

func (m *SpawnersModule) processStartedHandler(msg *network.IncomingMessage) {
	task, ok := m.spawnerOwnedTask(msg)
	if !ok {
		return
	}
	task.Spawner().OnProcessStarted(task)
	msg.RespondEmpty(protocol.StatusSuccess)
}

func (m *SpawnersModule) processKilledHandler(msg *network.IncomingMessage) {
	task, ok := m.spawnerOwnedTask(msg)
	if !ok {
		return
	}
	task.Spawner().OnProcessKilled(task)
	msg.RespondEmpty(protocol.StatusSuccess)
}

func (m *SpawnersModule) getFinalizationDataHandler(msg *network.IncomingMessage) {
	spawnID, err := msg.Msg.AsInt32()
	if err != nil {
		msg.RespondString(protocol.StatusError, "malformed request")
		return
	}
	task, ok := m.Task(spawnID)
	if !ok {
		msg.RespondString(protocol.StatusFailed, "no such spawn request")
		return
	}
	if task.Requester() != msg.Peer {
		msg.RespondString(protocol.StatusUnauthorized, "the request was not made by you")
		return
	}
	data, ready := task.FinalizationData()
	if !ready {
		msg.RespondString(protocol.StatusFailed, "the spawn has not finalized yet")
		return
	}

	msg.RespondPacket(protocol.StatusSuccess, &protocol.SpawnFinalizationPacket{
		SpawnID:          task.ID(),
		FinalizationData: data,
	})
}

func (m *SpawnersModule) updateProcessesCountHandler(msg *network.IncomingMessage) {
	var pair protocol.IntPairPacket
	if err := protocol.Unpack(msg.Msg.Payload, &pair); err != nil {
		msg.RespondString(protocol.StatusError, "malformed request")
		return
	}
	spawner, ok := m.Spawner(pair.A)
	if !ok {
		msg.RespondString(protocol.StatusFailed, "no such spawner")
		return
	}
	if spawner.Peer() != msg.Peer {
		msg.RespondString(protocol.StatusUnauthorized, "you do not own this spawner")
		return
	}

	spawner.UpdateProcessesCount(pair.B)
	msg.RespondEmpty(protocol.StatusSuccess)
}
