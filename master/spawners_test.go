package master

import (
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "masterkit/errors"
	"masterkit/network"
	"masterkit/protocol"
)

// acceptingAgent acknowledges spawn process requests like a live agent.
func acceptingAgent() *fakePeer {
	agent := newFakePeer()
	agent.responder = func(m *protocol.Message, h network.ResponseHandler) {
		_ = agent.Send(m)
		h(protocol.StatusSuccess, &network.IncomingMessage{
			Msg:  &protocol.Message{OpCode: m.OpCode, Status: protocol.StatusSuccess},
			Peer: agent,
		})
	}
	return agent
}

func TestSpawnTask_Status_Only_Advances(t *testing.T) {
	req := require.New(t)
	spawners := newTestSpawnersModule()
	spawner := spawners.RegisterSpawner(acceptingAgent(), protocol.SpawnerOptions{})
	task := newSpawnTask(0, spawner, newFakePeer(), protocol.ClientSpawnRequestPacket{})

	req.True(task.advance(protocol.SpawnQueued))
	req.True(task.advance(protocol.SpawnProcessStarted))

	// Then an update arriving out of order is dropped
	req.False(task.advance(protocol.SpawnProcessRequested))
	req.Equal(protocol.SpawnProcessStarted, task.Status())

	req.True(task.advance(protocol.SpawnFinalized))
	req.False(task.advance(protocol.SpawnFinalized))
}

func TestSpawnTask_Abort_Before_Dispatch(t *testing.T) {
	req := require.New(t)
	spawners := newTestSpawnersModule()
	agent := acceptingAgent()
	spawner := spawners.RegisterSpawner(agent, protocol.SpawnerOptions{})
	task, ok := spawners.Spawn(newFakePeer(), protocol.ClientSpawnRequestPacket{})
	req.True(ok)
	req.Equal(protocol.SpawnQueued, task.Status())

	req.NoError(task.Abort())
	req.Equal(protocol.SpawnAborted, task.Status())

	// Then the task left the queue and no kill request went out, the
	// process never existed
	req.Equal(0, spawner.QueueLength())
	req.Empty(agent.sentMessages())

	// And a later dispatch pass has nothing to send
	spawner.UpdateQueue()
	req.Empty(agent.sentMessages())

	// And aborting again fails
	req.ErrorIs(task.Abort(), apperrors.ErrTaskTerminal)
}

func TestSpawnTask_Abort_After_Dispatch_Sends_Kill(t *testing.T) {
	req := require.New(t)
	spawners := newTestSpawnersModule()
	agent := acceptingAgent()
	spawner := spawners.RegisterSpawner(agent, protocol.SpawnerOptions{})
	task, ok := spawners.Spawn(newFakePeer(), protocol.ClientSpawnRequestPacket{})
	req.True(ok)

	spawner.UpdateQueue()
	req.Equal(protocol.SpawnProcessRequested, task.Status())

	req.NoError(task.Abort())

	last := agent.lastSent()
	req.NotNil(last)
	req.Equal(protocol.OpKillProcessRequest, last.OpCode)
}

func TestSpawnTask_Killed_After_Finalized_Keeps_Terminal_Status(t *testing.T) {
	req := require.New(t)
	spawners := newTestSpawnersModule()
	spawner := spawners.RegisterSpawner(acceptingAgent(), protocol.SpawnerOptions{})
	task := newSpawnTask(0, spawner, newFakePeer(), protocol.ClientSpawnRequestPacket{})

	task.advance(protocol.SpawnFinalized)
	task.OnProcessKilled()

	req.Equal(protocol.SpawnFinalized, task.Status())
}

func TestSpawnersModule_Spawn_Picks_Least_Loaded_Matching_Region(t *testing.T) {
	req := require.New(t)
	spawners := newTestSpawnersModule()

	europeBusy := spawners.RegisterSpawner(acceptingAgent(), protocol.SpawnerOptions{Region: "eu", MaxProcesses: 2})
	europeFree := spawners.RegisterSpawner(acceptingAgent(), protocol.SpawnerOptions{Region: "eu", MaxProcesses: 2})
	spawners.RegisterSpawner(acceptingAgent(), protocol.SpawnerOptions{Region: "us", MaxProcesses: 10})

	europeBusy.UpdateProcessesCount(1)

	task, ok := spawners.Spawn(newFakePeer(), protocol.ClientSpawnRequestPacket{Region: "eu"})
	req.True(ok)
	req.Equal(europeFree.ID(), task.Spawner().ID())
	req.Equal(protocol.SpawnQueued, task.Status())
}

func TestSpawnersModule_Spawn_No_Capacity(t *testing.T) {
	req := require.New(t)
	spawners := newTestSpawnersModule()

	full := spawners.RegisterSpawner(acceptingAgent(), protocol.SpawnerOptions{MaxProcesses: 1})
	full.UpdateProcessesCount(1)

	_, ok := spawners.Spawn(newFakePeer(), protocol.ClientSpawnRequestPacket{})
	req.False(ok)
}

func TestSpawnersModule_Spawn_IDs_Start_At_Zero(t *testing.T) {
	req := require.New(t)
	spawners := newTestSpawnersModule()
	spawner := spawners.RegisterSpawner(acceptingAgent(), protocol.SpawnerOptions{})

	req.Equal(int32(0), spawner.ID())

	first, ok := spawners.Spawn(newFakePeer(), protocol.ClientSpawnRequestPacket{})
	req.True(ok)
	second, ok := spawners.Spawn(newFakePeer(), protocol.ClientSpawnRequestPacket{})
	req.True(ok)

	req.Equal(int32(0), first.ID())
	req.Equal(int32(1), second.ID())
}

func TestSpawnersModule_Spawn_Counts_Queued_Tasks(t *testing.T) {
	req := require.New(t)
	spawners := newTestSpawnersModule()
	spawners.RegisterSpawner(acceptingAgent(), protocol.SpawnerOptions{MaxProcesses: 1})

	_, ok := spawners.Spawn(newFakePeer(), protocol.ClientSpawnRequestPacket{})
	req.True(ok)

	// Then the queued task holds the only slot before it ever dispatches
	_, ok = spawners.Spawn(newFakePeer(), protocol.ClientSpawnRequestPacket{})
	req.False(ok)
}

func TestRegisteredSpawner_UpdateQueue_Respects_Capacity(t *testing.T) {
	req := require.New(t)
	spawners := newTestSpawnersModule()
	agent := acceptingAgent()
	spawner := spawners.RegisterSpawner(agent, protocol.SpawnerOptions{MaxProcesses: 1})

	first := newSpawnTask(0, spawner, newFakePeer(), protocol.ClientSpawnRequestPacket{})
	second := newSpawnTask(1, spawner, newFakePeer(), protocol.ClientSpawnRequestPacket{})
	spawner.AddTaskToQueue(first)
	spawner.AddTaskToQueue(second)

	// When the queue drains, only one request fits the single slot
	spawner.UpdateQueue()
	req.Equal(protocol.SpawnProcessRequested, first.Status())
	req.Equal(protocol.SpawnQueued, second.Status())

	// When the first process dies, the next task dispatches
	spawner.OnProcessStarted(first)
	spawner.OnProcessKilled(first)
	spawner.UpdateQueue()
	req.Equal(protocol.SpawnProcessRequested, second.Status())
}

func TestSpawnersModule_Full_Spawn_Flow(t *testing.T) {
	req := require.New(t)
	spawners := newTestSpawnersModule()
	agent := acceptingAgent()
	spawner := spawners.RegisterSpawner(agent, protocol.SpawnerOptions{MaxProcesses: 5})
	requester := newFakePeer()

	// Given a queued and dispatched task
	task, ok := spawners.Spawn(requester, protocol.ClientSpawnRequestPacket{
		Options: map[string]string{"roomName": "arena"},
	})
	req.True(ok)
	spawner.UpdateQueue()

	// When the agent reports the process up
	spawner.OnProcessStarted(task)
	req.Equal(protocol.SpawnProcessStarted, task.Status())
	req.Equal(int32(1), spawner.ProcessesRunning())

	// When the process claims the task with its unique code
	processPeer := newFakePeer()
	msg := request(processPeer, protocol.OpRegisterSpawnedProcess, protocol.Pack(&protocol.RegisterSpawnedProcessPacket{
		SpawnID:   task.ID(),
		SpawnCode: task.UniqueCode(),
	}))
	spawners.registerSpawnedProcessHandler(msg)

	reply := processPeer.lastSent()
	req.Equal(protocol.StatusSuccess, reply.Status)
	req.Equal(processPeer.ID(), task.RegisteredPeer().ID())

	// And the reply carries the original request options
	var finalization protocol.SpawnFinalizationPacket
	req.NoError(protocol.Unpack(reply.Payload, &finalization))
	req.Equal("arena", finalization.FinalizationData["roomName"])

	// When the process finalizes with its connection data
	spawners.completeSpawnProcessHandler(request(processPeer, protocol.OpCompleteSpawnProcess, protocol.Pack(&protocol.SpawnFinalizationPacket{
		SpawnID:          task.ID(),
		FinalizationData: map[string]string{"roomId": "0"},
	})))
	req.Equal(protocol.SpawnFinalized, task.Status())

	// Then the requester can read the finalization data
	spawners.getFinalizationDataHandler(request(requester, protocol.OpGetSpawnFinalizationData, protocol.NewInt32Message(protocol.OpGetSpawnFinalizationData, task.ID()).Payload))
	data := requester.lastSent()
	req.Equal(protocol.StatusSuccess, data.Status)
}

func TestSpawnersModule_Register_Process_With_Wrong_Code(t *testing.T) {
	req := require.New(t)
	spawners := newTestSpawnersModule()
	spawners.RegisterSpawner(acceptingAgent(), protocol.SpawnerOptions{})
	task, ok := spawners.Spawn(newFakePeer(), protocol.ClientSpawnRequestPacket{})
	req.True(ok)

	processPeer := newFakePeer()
	spawners.registerSpawnedProcessHandler(request(processPeer, protocol.OpRegisterSpawnedProcess, protocol.Pack(&protocol.RegisterSpawnedProcessPacket{
		SpawnID:   task.ID(),
		SpawnCode: "guessed",
	})))

	req.Equal(protocol.StatusUnauthorized, processPeer.lastSent().Status)
	req.Nil(task.RegisteredPeer())
}

func TestSpawnersModule_Finalization_Data_Requires_Requester(t *testing.T) {
	req := require.New(t)
	spawners := newTestSpawnersModule()
	spawner := spawners.RegisterSpawner(acceptingAgent(), protocol.SpawnerOptions{})
	task, ok := spawners.Spawn(newFakePeer(), protocol.ClientSpawnRequestPacket{})
	req.True(ok)
	spawner.UpdateQueue()
	task.OnFinalized(map[string]string{"roomId": "0"})

	stranger := newFakePeer()
	spawners.getFinalizationDataHandler(request(stranger, protocol.OpGetSpawnFinalizationData, protocol.NewInt32Message(protocol.OpGetSpawnFinalizationData, task.ID()).Payload))

	req.Equal(protocol.StatusUnauthorized, stranger.lastSent().Status)
}

func TestSpawnersModule_Agent_Disconnect_Aborts_Queued_Tasks(t *testing.T) {
	req := require.New(t)
	spawners := newTestSpawnersModule()
	agent := acceptingAgent()
	spawners.RegisterSpawner(agent, protocol.SpawnerOptions{})

	task, ok := spawners.Spawn(newFakePeer(), protocol.ClientSpawnRequestPacket{})
	req.True(ok)

	spawners.onPeerDisconnected(agent)

	req.Empty(spawners.Spawners())
	req.Equal(protocol.SpawnAborted, task.Status())
}
