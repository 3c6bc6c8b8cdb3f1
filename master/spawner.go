package master

import (
	"log/slog"
	"sync"
	"time"

	"masterkit/network"
	"masterkit/protocol"
)

// RegisteredSpawner is a connected spawner agent as the master sees it:
// its advertised options, a queue of tasks waiting to be dispatched, and
// counters for the processes it runs.
type RegisteredSpawner struct {
	id             int32
	peer           network.Peer
	log            *slog.Logger
	requestTimeout time.Duration

	mu      sync.Mutex
	options protocol.SpawnerOptions
	queue   []*SpawnTask
	// Requests sent to the agent that have not reported a started process
	// yet. They hold a slot so the queue cannot overcommit the machine.
	requestsPending  int32
	processesRunning int32
}

func newRegisteredSpawner(id int32, peer network.Peer, options protocol.SpawnerOptions, log *slog.Logger, requestTimeout time.Duration) *RegisteredSpawner {
	return &RegisteredSpawner{
		id:             id,
		peer:           peer,
		log:            log.With("spawnerId", id),
		requestTimeout: requestTimeout,
		options:        options,
	}
}

func (s *RegisteredSpawner) ID() int32 {
	return s.id
}

func (s *RegisteredSpawner) Peer() network.Peer {
	return s.peer
}

func (s *RegisteredSpawner) Options() protocol.SpawnerOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options
}

func (s *RegisteredSpawner) Region() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options.Region
}

// FreeSlots is how many more tasks this spawner could accept right now.
// Queued tasks count against the limit, so an overloaded spawner stops
// attracting work even before its queue drains. Unlimited spawners report
// a large constant so capacity comparisons still work.
func (s *RegisteredSpawner) FreeSlots() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeSlotsLocked()
}

func (s *RegisteredSpawner) freeSlotsLocked() int32 {
	if s.options.MaxProcesses == 0 {
		return int32(1<<31 - 1)
	}
	free := s.options.MaxProcesses - s.processesRunning - s.requestsPending - int32(len(s.queue))
	if free < 0 {
		return 0
	}
	return free
}

// dispatchSlotsLocked ignores the queue: a queued task already holds one
// of the slots freeSlotsLocked accounts for, and dispatching it must not
// be blocked by its own reservation.
func (s *RegisteredSpawner) dispatchSlotsLocked() int32 {
	if s.options.MaxProcesses == 0 {
		return int32(1<<31 - 1)
	}
	free := s.options.MaxProcesses - s.processesRunning - s.requestsPending
	if free < 0 {
		return 0
	}
	return free
}

func (s *RegisteredSpawner) CanSpawnAnotherProcess() bool {
	return s.FreeSlots() > 0
}

func (s *RegisteredSpawner) ProcessesRunning() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processesRunning
}

func (s *RegisteredSpawner) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// AddTaskToQueue appends the task; the queue updater dispatches it when a
// slot frees up.
func (s *RegisteredSpawner) AddTaskToQueue(task *SpawnTask) {
	s.mu.Lock()
	s.queue = append(s.queue, task)
	s.mu.Unlock()
	task.advance(protocol.SpawnQueued)
}

// removeFromQueue drops a task that ended before it was ever dispatched.
func (s *RegisteredSpawner) removeFromQueue(task *SpawnTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, queued := range s.queue {
		if queued == task {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// queuedTasks snapshots the queue, used by the disconnect cascade.
func (s *RegisteredSpawner) queuedTasks() []*SpawnTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*SpawnTask, len(s.queue))
	copy(tasks, s.queue)
	return tasks
}

// UpdateQueue dispatches queued tasks while capacity allows. Capacity is
// re-checked per task at send time because counters move between queueing
// and dispatch.
func (s *RegisteredSpawner) UpdateQueue() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.dispatchSlotsLocked() == 0 {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue = s.queue[1:]
		if task.Status().IsTerminal() {
			s.mu.Unlock()
			continue
		}
		s.requestsPending++
		s.mu.Unlock()

		s.sendSpawnRequest(task)
	}
}

func (s *RegisteredSpawner) sendSpawnRequest(task *SpawnTask) {
	task.advance(protocol.SpawnProcessRequested)

	packet := &protocol.SpawnRequestPacket{
		SpawnerID:  s.id,
		SpawnID:    task.ID(),
		SpawnCode:  task.UniqueCode(),
		CustomArgs: task.Options().CustomArgs,
		Properties: task.Options().Options,
	}
	s.peer.SendRequest(protocol.NewPacketMessage(protocol.OpSpawnProcessRequest, packet),
		func(status protocol.ResponseStatus, _ *network.IncomingMessage) {
			if status == protocol.StatusSuccess {
				return
			}
			s.log.Warn("Spawner rejected spawn request", "spawnId", task.ID(), "status", status.String())
			s.mu.Lock()
			s.requestsPending--
			s.mu.Unlock()
			task.markFailed()
		}, s.requestTimeout)
}

// OnProcessStarted converts a pending request into a running process.
func (s *RegisteredSpawner) OnProcessStarted(task *SpawnTask) {
	s.mu.Lock()
	if s.requestsPending > 0 {
		s.requestsPending--
	}
	s.processesRunning++
	s.mu.Unlock()
	task.advance(protocol.SpawnProcessStarted)
}

// OnProcessKilled releases the slot a dead process held.
func (s *RegisteredSpawner) OnProcessKilled(task *SpawnTask) {
	s.mu.Lock()
	if s.processesRunning > 0 {
		s.processesRunning--
	}
	s.mu.Unlock()
	task.OnProcessKilled()
}

// UpdateProcessesCount accepts the agent's own view of how many processes
// it runs; the agent is authoritative because processes can die without a
// kill ever passing through the master.
func (s *RegisteredSpawner) UpdateProcessesCount(count int32) {
	s.mu.Lock()
	s.processesRunning = count
	s.mu.Unlock()
}

// SendKillRequest asks the agent to terminate one of its processes.
// Fire and forget: a dead agent means the process is gone anyway.
func (s *RegisteredSpawner) SendKillRequest(spawnID int32) {
	packet := &protocol.KillSpawnedProcessPacket{SpawnerID: s.id, SpawnID: spawnID}
	if err := s.peer.Send(protocol.NewPacketMessage(protocol.OpKillProcessRequest, packet)); err != nil {
		s.log.Warn("Failed to send kill request", "spawnId", spawnID, "error", err)
	}
}
