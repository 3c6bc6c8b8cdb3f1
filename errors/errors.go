package errors

import "fmt"

var (
	ErrWorkerPanic        = fmt.Errorf("worker panic")
	ErrNotConnected       = fmt.Errorf("peer is not connected")
	ErrRoomNotFound       = fmt.Errorf("room does not exist")
	ErrSpawnerNotFound    = fmt.Errorf("spawner does not exist")
	ErrTaskNotFound       = fmt.Errorf("spawn task does not exist")
	ErrUnauthorized       = fmt.Errorf("unauthorized")
	ErrAlreadyRequested   = fmt.Errorf("an access to this room was already requested")
	ErrAlreadyInRoom      = fmt.Errorf("peer is already in this room")
	ErrRoomFull           = fmt.Errorf("room is already full")
	ErrInvalidToken       = fmt.Errorf("invalid access token")
	ErrRequestTimeout     = fmt.Errorf("request timed out")
	ErrTaskTerminal       = fmt.Errorf("spawn task already reached a terminal state")
	ErrNoFreeSpawners     = fmt.Errorf("all spawners are busy")
	ErrNoFreePorts        = fmt.Errorf("no free ports left in the pool")
	ErrProcessNotFound    = fmt.Errorf("no process is tracked for this spawn id")
	ErrActiveSpawnRequest = fmt.Errorf("an active spawn request already exists")
)
