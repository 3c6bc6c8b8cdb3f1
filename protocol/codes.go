// Package protocol defines the wire contract shared by the master server,
// spawner agents, room processes and game clients: operation codes, response
// statuses, the message frame and the flat binary encoding of every packet.
package protocol

// OpCode identifies the operation a message carries.
type OpCode uint16

const (
	OpAuthenticate OpCode = iota + 1

	OpRegisterRoom
	OpDestroyRoom
	OpSaveRoomOptions
	OpGetRoomAccess
	OpValidateRoomAccess
	OpPlayerLeftRoom
	OpProvideRoomAccessCheck
	OpGetPublicGames

	OpRegisterSpawner
	OpClientSpawnRequest
	OpAbortSpawnRequest
	OpSpawnProcessRequest
	OpKillProcessRequest
	OpRegisterSpawnedProcess
	OpCompleteSpawnProcess
	OpProcessStarted
	OpProcessKilled
	OpGetSpawnFinalizationData
	OpSpawnRequestStatusChange
	OpUpdateSpawnerProcessesCount
)

// ResponseStatus is carried by every response message.
type ResponseStatus byte

const (
	StatusSuccess ResponseStatus = iota
	StatusFailed
	StatusError
	StatusUnauthorized
	StatusNotHandled
	StatusTimeout
	StatusNotConnected
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFailed:
		return "Failed"
	case StatusError:
		return "Error"
	case StatusUnauthorized:
		return "Unauthorized"
	case StatusNotHandled:
		return "NotHandled"
	case StatusTimeout:
		return "Timeout"
	case StatusNotConnected:
		return "NotConnected"
	default:
		return "Unknown"
	}
}

// SpawnStatus tracks a spawn task through its lifecycle. Positive values only
// move forward; the two negative values are terminal and reachable from any
// non-terminal state (Aborted only before Finalized).
type SpawnStatus int8

const (
	SpawnKilled  SpawnStatus = -2
	SpawnAborted SpawnStatus = -1
	SpawnNone    SpawnStatus = 0
	SpawnQueued  SpawnStatus = iota - 2
	SpawnProcessRequested
	SpawnProcessStarted
	SpawnProcessRegistered
	SpawnFinalized
)

func (s SpawnStatus) String() string {
	switch s {
	case SpawnKilled:
		return "Killed"
	case SpawnAborted:
		return "Aborted"
	case SpawnNone:
		return "None"
	case SpawnQueued:
		return "Queued"
	case SpawnProcessRequested:
		return "ProcessRequested"
	case SpawnProcessStarted:
		return "ProcessStarted"
	case SpawnProcessRegistered:
		return "ProcessRegistered"
	case SpawnFinalized:
		return "Finalized"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s SpawnStatus) IsTerminal() bool {
	return s == SpawnKilled || s == SpawnAborted || s == SpawnFinalized
}
