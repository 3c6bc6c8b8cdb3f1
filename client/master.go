// Package client is the typed façade room processes, spawner agents and
// game clients use to talk to a master server. Every operation is a thin
// request wrapper over one protocol opcode.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"masterkit/network"
	"masterkit/protocol"
)

const defaultRequestTimeout = 10 * time.Second

// AccessProvider decides whether a checked peer may join and mints the
// access to hand out. Returning an error denies the access.
type AccessProvider func(check *protocol.RoomAccessProvideCheckPacket) (*protocol.RoomAccessPacket, error)

// Master wraps a connection to a master server.
type Master struct {
	log     *slog.Logger
	conn    *network.Client
	timeout time.Duration
}

func NewMaster(log *slog.Logger, url string) *Master {
	acks := network.NewAckRegistry(log, time.Second)
	return &Master{
		log:     log,
		conn:    network.NewClient(log, url, acks, 64),
		timeout: defaultRequestTimeout,
	}
}

// Connect dials the master. Operations called before Connect are queued
// and flushed once the link is up.
func (m *Master) Connect(ctx context.Context) error {
	return m.conn.Connect(ctx)
}

// Run drives the read loop until the context ends.
func (m *Master) Run(ctx context.Context) error {
	return m.conn.Run(ctx)
}

func (m *Master) Close() {
	m.conn.Close()
}

// request performs one round trip and fails on any non-success status.
func (m *Master) request(ctx context.Context, msg *protocol.Message) (*network.IncomingMessage, error) {
	status, resp, err := m.conn.Request(ctx, msg, m.timeout)
	if err != nil {
		return nil, err
	}
	if status != protocol.StatusSuccess {
		return nil, fmt.Errorf("%s: %s", status.String(), resp.Msg.AsString("request failed"))
	}
	return resp, nil
}

// Authenticate identifies this connection. Use token for a returning
// session, spawnerKey for an agent, or just a username for guest access.
func (m *Master) Authenticate(ctx context.Context, username, token, spawnerKey string) (*protocol.AuthResultPacket, error) {
	resp, err := m.request(ctx, protocol.NewPacketMessage(protocol.OpAuthenticate, &protocol.AuthRequestPacket{
		Username:   username,
		Token:      token,
		SpawnerKey: spawnerKey,
	}))
	if err != nil {
		return nil, err
	}
	result := &protocol.AuthResultPacket{}
	if err := protocol.Unpack(resp.Msg.Payload, result); err != nil {
		return nil, fmt.Errorf("decoding auth result: %w", err)
	}
	return result, nil
}

// RegisterRoom publishes a room this process hosts and returns its id.
func (m *Master) RegisterRoom(ctx context.Context, options protocol.RoomOptions) (int32, error) {
	resp, err := m.request(ctx, protocol.NewPacketMessage(protocol.OpRegisterRoom, &options))
	if err != nil {
		return 0, err
	}
	return resp.Msg.AsInt32()
}

func (m *Master) SaveRoomOptions(ctx context.Context, roomID int32, options protocol.RoomOptions) error {
	_, err := m.request(ctx, protocol.NewPacketMessage(protocol.OpSaveRoomOptions, &protocol.SaveRoomOptionsPacket{
		RoomID:  roomID,
		Options: options,
	}))
	return err
}

func (m *Master) DestroyRoom(ctx context.Context, roomID int32) error {
	_, err := m.request(ctx, protocol.NewInt32Message(protocol.OpDestroyRoom, roomID))
	return err
}

// ValidateAccess trades a token a connecting player presented for the
// player's identity. Each token validates exactly once.
func (m *Master) ValidateAccess(ctx context.Context, roomID int32, token string) (*protocol.UsernameAndPeerIDPacket, error) {
	resp, err := m.request(ctx, protocol.NewPacketMessage(protocol.OpValidateRoomAccess, &protocol.RoomAccessValidatePacket{
		RoomID: roomID,
		Token:  token,
	}))
	if err != nil {
		return nil, err
	}
	result := &protocol.UsernameAndPeerIDPacket{}
	if err := protocol.Unpack(resp.Msg.Payload, result); err != nil {
		return nil, fmt.Errorf("decoding validation result: %w", err)
	}
	return result, nil
}

// NotifyPlayerLeft tells the master a player left the room, freeing their
// slot.
func (m *Master) NotifyPlayerLeft(ctx context.Context, roomID, peerID int32) error {
	_, err := m.request(ctx, protocol.NewPacketMessage(protocol.OpPlayerLeftRoom, &protocol.PlayerLeftRoomPacket{
		RoomID: roomID,
		PeerID: peerID,
	}))
	return err
}

// GetRoomAccess requests entry into a room on behalf of this connection.
func (m *Master) GetRoomAccess(ctx context.Context, roomID int32, password string, properties map[string]string) (*protocol.RoomAccessPacket, error) {
	resp, err := m.request(ctx, protocol.NewPacketMessage(protocol.OpGetRoomAccess, &protocol.RoomAccessRequestPacket{
		RoomID:     roomID,
		Password:   password,
		Properties: properties,
	}))
	if err != nil {
		return nil, err
	}
	access := &protocol.RoomAccessPacket{}
	if err := protocol.Unpack(resp.Msg.Payload, access); err != nil {
		return nil, fmt.Errorf("decoding access: %w", err)
	}
	return access, nil
}

// GetPublicGames lists rooms advertised publicly.
func (m *Master) GetPublicGames(ctx context.Context) ([]protocol.GameInfoPacket, error) {
	resp, err := m.request(ctx, protocol.NewMessage(protocol.OpGetPublicGames, nil))
	if err != nil {
		return nil, err
	}
	list := &protocol.GameListPacket{}
	if err := protocol.Unpack(resp.Msg.Payload, list); err != nil {
		return nil, fmt.Errorf("decoding game list: %w", err)
	}
	return list.Games, nil
}

// ServeAccessChecks answers the master's access checks for a room this
// process hosts. A nil provider accepts everyone with a fresh token.
func (m *Master) ServeAccessChecks(roomID int32, options protocol.RoomOptions, provider AccessProvider) {
	if provider == nil {
		provider = func(*protocol.RoomAccessProvideCheckPacket) (*protocol.RoomAccessPacket, error) {
			return &protocol.RoomAccessPacket{Token: uuid.NewString()}, nil
		}
	}

	m.conn.HandleFunc(protocol.OpProvideRoomAccessCheck, func(msg *network.IncomingMessage) {
		check := &protocol.RoomAccessProvideCheckPacket{}
		if err := protocol.Unpack(msg.Msg.Payload, check); err != nil {
			msg.RespondString(protocol.StatusError, "malformed check")
			return
		}
		if check.RoomID != roomID {
			msg.RespondString(protocol.StatusFailed, "unknown room")
			return
		}

		access, err := provider(check)
		if err != nil {
			m.log.Info("Access denied", "roomId", check.RoomID, "peerId", check.PeerID, "reason", err)
			msg.RespondString(protocol.StatusFailed, err.Error())
			return
		}
		if access.Token == "" {
			access.Token = uuid.NewString()
		}
		access.RoomID = roomID
		if access.RoomIP == "" {
			access.RoomIP = options.RoomIP
		}
		if access.RoomPort == 0 {
			access.RoomPort = options.RoomPort
		}
		msg.RespondPacket(protocol.StatusSuccess, access)
	})
}

// RegisterSpawner announces this process as a spawner agent.
func (m *Master) RegisterSpawner(ctx context.Context, options protocol.SpawnerOptions) (int32, error) {
	resp, err := m.request(ctx, protocol.NewPacketMessage(protocol.OpRegisterSpawner, &options))
	if err != nil {
		return 0, err
	}
	return resp.Msg.AsInt32()
}

// RequestSpawn asks the master to start a process somewhere; statusChanged,
// when not nil, receives pushed lifecycle updates.
func (m *Master) RequestSpawn(ctx context.Context, options protocol.ClientSpawnRequestPacket, statusChanged func(protocol.SpawnStatusUpdatePacket)) (int32, error) {
	if statusChanged != nil {
		m.conn.HandleFunc(protocol.OpSpawnRequestStatusChange, func(msg *network.IncomingMessage) {
			var update protocol.SpawnStatusUpdatePacket
			if err := protocol.Unpack(msg.Msg.Payload, &update); err != nil {
				return
			}
			statusChanged(update)
		})
	}

	resp, err := m.request(ctx, protocol.NewPacketMessage(protocol.OpClientSpawnRequest, &options))
	if err != nil {
		return 0, err
	}
	return resp.Msg.AsInt32()
}

func (m *Master) AbortSpawn(ctx context.Context, spawnID int32) error {
	_, err := m.request(ctx, protocol.NewInt32Message(protocol.OpAbortSpawnRequest, spawnID))
	return err
}

func (m *Master) GetSpawnFinalizationData(ctx context.Context, spawnID int32) (map[string]string, error) {
	resp, err := m.request(ctx, protocol.NewInt32Message(protocol.OpGetSpawnFinalizationData, spawnID))
	if err != nil {
		return nil, err
	}
	data := &protocol.SpawnFinalizationPacket{}
	if err := protocol.Unpack(resp.Msg.Payload, data); err != nil {
		return nil, fmt.Errorf("decoding finalization data: %w", err)
	}
	return data.FinalizationData, nil
}

// RegisterSpawnedProcess claims a spawn task using the code the process
// was launched with. The returned properties carry the original request's
// options.
func (m *Master) RegisterSpawnedProcess(ctx context.Context, spawnID int32, spawnCode string) (map[string]string, error) {
	resp, err := m.request(ctx, protocol.NewPacketMessage(protocol.OpRegisterSpawnedProcess, &protocol.RegisterSpawnedProcessPacket{
		SpawnID:   spawnID,
		SpawnCode: spawnCode,
	}))
	if err != nil {
		return nil, err
	}
	data := &protocol.SpawnFinalizationPacket{}
	if err := protocol.Unpack(resp.Msg.Payload, data); err != nil {
		return nil, fmt.Errorf("decoding registration result: %w", err)
	}
	return data.FinalizationData, nil
}

// CompleteSpawn publishes the data the requester needs to reach the
// spawned process, typically a room id and an access password.
func (m *Master) CompleteSpawn(ctx context.Context, spawnID int32, finalizationData map[string]string) error {
	_, err := m.request(ctx, protocol.NewPacketMessage(protocol.OpCompleteSpawnProcess, &protocol.SpawnFinalizationPacket{
		SpawnID:          spawnID,
		FinalizationData: finalizationData,
	}))
	return err
}

// NotifyProcessStarted reports a launched process to the master. Sent by
// the spawner agent. Fire and forget: the agent's handlers run on the read
// loop, so they must never wait for a response only that loop can deliver.
func (m *Master) NotifyProcessStarted(spawnID int32) error {
	return m.conn.Send(protocol.NewInt32Message(protocol.OpProcessStarted, spawnID))
}

// NotifyProcessKilled reports a dead process. Sent by the spawner agent.
// Fire and forget, like NotifyProcessStarted.
func (m *Master) NotifyProcessKilled(spawnID int32) error {
	return m.conn.Send(protocol.NewInt32Message(protocol.OpProcessKilled, spawnID))
}

// UpdateProcessesCount reports how many processes this agent runs.
func (m *Master) UpdateProcessesCount(spawnerID, count int32) error {
	return m.conn.Send(protocol.NewPacketMessage(protocol.OpUpdateSpawnerProcessesCount, &protocol.IntPairPacket{
		A: spawnerID,
		B: count,
	}))
}

// HandleFunc exposes raw handler registration for flows the façade does
// not cover, like the agent's spawn request handling.
func (m *Master) HandleFunc(op protocol.OpCode, h network.HandlerFunc) {
	m.conn.HandleFunc(op, h)
}
