package master

import (
	"sync"

	"github.com/google/uuid"

	apperrors "masterkit/errors"
	"masterkit/network"
	"masterkit/protocol"
)

// StatusListener observes spawn status transitions. Listeners are invoked
// outside the task lock, in registration order.
type StatusListener func(task *SpawnTask, status protocol.SpawnStatus)

// SpawnTask is one requested process spawn moving through its lifecycle.
// The status only ever advances; a task that reached a terminal status
// stays there.
type SpawnTask struct {
	id         int32
	spawner    *RegisteredSpawner
	options    protocol.ClientSpawnRequestPacket
	uniqueCode string

	mu     sync.Mutex
	status protocol.SpawnStatus
	// Peer that asked for the spawn. Allowed to abort it and to read the
	// finalization data.
	requester network.Peer
	// Peer of the spawned process itself, once it registered back with
	// its unique code.
	registeredPeer   network.Peer
	finalizationData map[string]string
	listeners        []StatusListener
}

func newSpawnTask(id int32, spawner *RegisteredSpawner, requester network.Peer, options protocol.ClientSpawnRequestPacket) *SpawnTask {
	return &SpawnTask{
		id:         id,
		spawner:    spawner,
		options:    options,
		uniqueCode: uuid.NewString(),
		status:     protocol.SpawnNone,
		requester:  requester,
	}
}

func (t *SpawnTask) ID() int32 {
	return t.id
}

func (t *SpawnTask) Spawner() *RegisteredSpawner {
	return t.spawner
}

func (t *SpawnTask) Options() protocol.ClientSpawnRequestPacket {
	return t.options
}

// UniqueCode is the secret a spawned process presents to claim this task.
func (t *SpawnTask) UniqueCode() string {
	return t.uniqueCode
}

func (t *SpawnTask) Status() protocol.SpawnStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *SpawnTask) Requester() network.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requester
}

func (t *SpawnTask) RegisteredPeer() network.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registeredPeer
}

func (t *SpawnTask) FinalizationData() (map[string]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalizationData, t.finalizationData != nil
}

// IsDoneStartingProcess reports whether the task is past the point of
// waiting for a process to come up.
func (t *SpawnTask) IsDoneStartingProcess() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.IsTerminal() || t.status >= protocol.SpawnProcessStarted
}

// OnStatusChanged registers a listener for every future transition.
func (t *SpawnTask) OnStatusChanged(l StatusListener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// advance moves the status forward. Backward or repeated transitions are
// dropped, which makes late or duplicated updates harmless.
func (t *SpawnTask) advance(status protocol.SpawnStatus) bool {
	t.mu.Lock()
	if t.status.IsTerminal() || status <= t.status {
		t.mu.Unlock()
		return false
	}
	t.status = status
	listeners := make([]StatusListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l(t, status)
	}
	return true
}

// terminate forces a terminal status regardless of ordering. Once terminal,
// further terminations are ignored.
func (t *SpawnTask) terminate(status protocol.SpawnStatus) bool {
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return false
	}
	t.status = status
	listeners := make([]StatusListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l(t, status)
	}
	return true
}

// Abort cancels the task. A task whose process already finalized cannot be
// aborted anymore; if a process was requested or is running, the spawner is
// asked to kill it. A task still sitting in the queue is pulled out of it
// so it never reaches the agent.
func (t *SpawnTask) Abort() error {
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return apperrors.ErrTaskTerminal
	}
	needsKill := t.status >= protocol.SpawnProcessRequested
	t.mu.Unlock()

	t.terminate(protocol.SpawnAborted)
	if needsKill {
		t.spawner.SendKillRequest(t.id)
	} else {
		t.spawner.removeFromQueue(t)
	}
	return nil
}

// markFailed is used when the spawner never accepted the request.
func (t *SpawnTask) markFailed() {
	t.terminate(protocol.SpawnAborted)
}

// OnProcessRegistered records the process peer that claimed this task with
// the right unique code.
func (t *SpawnTask) OnProcessRegistered(peer network.Peer) {
	t.mu.Lock()
	t.registeredPeer = peer
	t.mu.Unlock()
	t.advance(protocol.SpawnProcessRegistered)
}

// OnFinalized stores the data the spawned process published for its
// requester and completes the lifecycle.
func (t *SpawnTask) OnFinalized(data map[string]string) {
	t.mu.Lock()
	if data == nil {
		data = map[string]string{}
	}
	t.finalizationData = data
	t.mu.Unlock()
	t.advance(protocol.SpawnFinalized)
}

// OnProcessKilled marks the process dead. A task that already ended keeps
// its original terminal status.
func (t *SpawnTask) OnProcessKilled() {
	t.terminate(protocol.SpawnKilled)
}
