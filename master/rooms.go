package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	apperrors "masterkit/errors"
	"masterkit/journal"
	"masterkit/network"
	"masterkit/protocol"
)

var validate = validator.New()

// RoomsModule tracks every registered room, brokers access tokens between
// players and room processes, and sweeps unclaimed accesses. It is a
// supervised worker: Run drives the expiry sweep.
type RoomsModule struct {
	log     *slog.Logger
	journal journal.Recorder

	registerPermissionLevel int32
	accessCheckTimeout      time.Duration
	sweepInterval           time.Duration

	mu         sync.Mutex
	nextRoomID int32
	rooms      map[int32]*RegisteredRoom
	// Owned-entity index consulted on peer disconnect, so a dying peer's
	// rooms are found without per-room event subscriptions.
	peerRooms map[int32]map[int32]*RegisteredRoom
}

func NewRoomsModule(log *slog.Logger, rec journal.Recorder, opts Options) *RoomsModule {
	return &RoomsModule{
		log:                     log,
		journal:                 rec,
		registerPermissionLevel: opts.RegisterRoomPermissionLevel,
		accessCheckTimeout:      opts.AccessCheckTimeout,
		sweepInterval:           opts.AccessSweepInterval,
		rooms:                   make(map[int32]*RegisteredRoom),
		peerRooms:               make(map[int32]map[int32]*RegisteredRoom),
	}
}

// Init wires the module's handlers and its disconnect cascade.
func (m *RoomsModule) Init(srv *network.SocketServer) {
	srv.HandleFunc(protocol.OpRegisterRoom, m.registerRoomHandler)
	srv.HandleFunc(protocol.OpDestroyRoom, m.destroyRoomHandler)
	srv.HandleFunc(protocol.OpSaveRoomOptions, m.saveRoomOptionsHandler)
	srv.HandleFunc(protocol.OpGetRoomAccess, m.getRoomAccessHandler)
	srv.HandleFunc(protocol.OpValidateRoomAccess, m.validateRoomAccessHandler)
	srv.HandleFunc(protocol.OpPlayerLeftRoom, m.playerLeftRoomHandler)
	srv.HandleFunc(protocol.OpGetPublicGames, m.getPublicGamesHandler)
	srv.OnPeerDisconnected(m.onPeerDisconnected)
}

// Run sweeps timed-out unconfirmed accesses on a fixed period.
func (m *RoomsModule) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, room := range m.Rooms() {
				if removed := room.ClearExpiredAccesses(now); removed > 0 {
					m.log.Debug("Cleared expired accesses", "roomId", room.ID(), "count", removed)
				}
			}
		}
	}
}

func (m *RoomsModule) generateRoomID() int32 {
	id := m.nextRoomID
	m.nextRoomID++
	return id
}

// RegisterRoom creates a room owned by the given peer and indexes it both
// globally and under its owner.
func (m *RoomsModule) RegisterRoom(peer network.Peer, options protocol.RoomOptions) *RegisteredRoom {
	m.mu.Lock()
	room := newRegisteredRoom(m.generateRoomID(), peer, options, m.log, m.accessCheckTimeout)
	room.onPlayerJoined = func(player network.Peer) {
		m.recordEntry(journal.Entry{Kind: journal.PlayerJoined, RoomID: room.ID(), PeerID: player.ID()})
	}
	room.onPlayerLeft = func(player network.Peer) {
		m.recordEntry(journal.Entry{Kind: journal.PlayerLeft, RoomID: room.ID(), PeerID: player.ID()})
	}
	m.rooms[room.ID()] = room

	owned, ok := m.peerRooms[peer.ID()]
	if !ok {
		owned = make(map[int32]*RegisteredRoom)
		m.peerRooms[peer.ID()] = owned
	}
	owned[room.ID()] = room
	m.mu.Unlock()

	m.log.Info("Room registered", "roomId", room.ID(), "peerId", peer.ID(), "name", options.Name)
	m.recordEntry(journal.Entry{Kind: journal.RoomRegistered, RoomID: room.ID(), PeerID: peer.ID(), Detail: options.Name})
	return room
}

// DestroyRoom removes the room from both indices and clears it. Destroying
// a room twice is safe.
func (m *RoomsModule) DestroyRoom(room *RegisteredRoom) {
	m.mu.Lock()
	_, known := m.rooms[room.ID()]
	delete(m.rooms, room.ID())
	if owned, ok := m.peerRooms[room.Owner().ID()]; ok {
		delete(owned, room.ID())
		if len(owned) == 0 {
			delete(m.peerRooms, room.Owner().ID())
		}
	}
	m.mu.Unlock()

	if !known {
		return
	}

	room.destroy()
	m.log.Info("Room destroyed", "roomId", room.ID())
	m.recordEntry(journal.Entry{Kind: journal.RoomDestroyed, RoomID: room.ID(), PeerID: room.Owner().ID()})
}

// Room looks a room up by id.
func (m *RoomsModule) Room(id int32) (*RegisteredRoom, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	return room, ok
}

// Rooms snapshots every registered room.
func (m *RoomsModule) Rooms() []*RegisteredRoom {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Values(m.rooms)
}

// PublicGames lists rooms that advertise themselves publicly.
func (m *RoomsModule) PublicGames() []protocol.GameInfoPacket {
	public := lo.Filter(m.Rooms(), func(r *RegisteredRoom, _ int) bool {
		return r.Options().IsPublic
	})
	return lo.Map(public, func(r *RegisteredRoom, _ int) protocol.GameInfoPacket {
		opts := r.Options()
		return protocol.GameInfoPacket{
			ID:                  r.ID(),
			Address:             fmt.Sprintf("%s:%d", opts.RoomIP, opts.RoomPort),
			Name:                opts.Name,
			MaxPlayers:          opts.MaxConnections,
			OnlinePlayers:       int32(r.OnlineCount()),
			IsPasswordProtected: opts.Password != "",
			Properties:          opts.Properties,
		}
	})
}

func (m *RoomsModule) onPeerDisconnected(peer network.Peer) {
	m.mu.Lock()
	owned := lo.Values(m.peerRooms[peer.ID()])
	m.mu.Unlock()

	for _, room := range owned {
		m.DestroyRoom(room)
	}
}

func (m *RoomsModule) recordEntry(e journal.Entry) {
	if err := m.journal.Append(e); err != nil {
		m.log.Warn("Journal write failed", "error", err)
	}
}

func (m *RoomsModule) hasRegistrationPermission(peer network.Peer) bool {
	return permissionLevel(peer) >= m.registerPermissionLevel
}

func permissionLevel(peer network.Peer) int32 {
	sec := peer.Security()
	if sec == nil {
		return 0
	}
	return sec.PermissionLevel
}

// ownedRoom resolves a room and enforces that the requesting peer owns it;
// every room-mutating request goes through here.
func (m *RoomsModule) ownedRoom(msg *network.IncomingMessage, roomID int32) (*RegisteredRoom, bool) {
	room, ok := m.Room(roomID)
	if !ok {
		msg.RespondString(protocol.StatusFailed, "room does not exist")
		return nil, false
	}
	if room.Owner() != msg.Peer {
		msg.RespondString(protocol.StatusUnauthorized, "you are not the creator of the room")
		return nil, false
	}
	return room, true
}

func (m *RoomsModule) registerRoomHandler(msg *network.IncomingMessage) {
	if !m.hasRegistrationPermission(msg.Peer) {
		msg.RespondString(protocol.StatusUnauthorized, "insufficient permissions")
		return
	}

	options := protocol.DefaultRoomOptions()
	if err := protocol.Unpack(msg.Msg.Payload, &options); err != nil {
		msg.RespondString(protocol.StatusError, "malformed room options")
		return
	}
	if err := validate.Struct(&options); err != nil {
		msg.RespondString(protocol.StatusFailed, fmt.Sprintf("invalid room options: %v", err))
		return
	}

	room := m.RegisterRoom(msg.Peer, options)
	msg.RespondInt32(protocol.StatusSuccess, room.ID())
}

func (m *RoomsModule) destroyRoomHandler(msg *network.IncomingMessage) {
	roomID, err := msg.Msg.AsInt32()
	if err != nil {
		msg.RespondString(protocol.StatusError, "malformed request")
		return
	}
	room, ok := m.ownedRoom(msg, roomID)
	if !ok {
		return
	}

	m.DestroyRoom(room)
	msg.RespondEmpty(protocol.StatusSuccess)
}

func (m *RoomsModule) saveRoomOptionsHandler(msg *network.IncomingMessage) {
	var data protocol.SaveRoomOptionsPacket
	if err := protocol.Unpack(msg.Msg.Payload, &data); err != nil {
		msg.RespondString(protocol.StatusError, "malformed request")
		return
	}
	room, ok := m.ownedRoom(msg, data.RoomID)
	if !ok {
		return
	}
	if err := validate.Struct(&data.Options); err != nil {
		msg.RespondString(protocol.StatusFailed, fmt.Sprintf("invalid room options: %v", err))
		return
	}

	room.ChangeOptions(data.Options)
	msg.RespondEmpty(protocol.StatusSuccess)
}

func (m *RoomsModule) getRoomAccessHandler(msg *network.IncomingMessage) {
	var data protocol.RoomAccessRequestPacket
	if err := protocol.Unpack(msg.Msg.Payload, &data); err != nil {
		msg.RespondString(protocol.StatusError, "malformed request")
		return
	}

	room, ok := m.Room(data.RoomID)
	if !ok {
		msg.RespondString(protocol.StatusFailed, "room does not exist")
		return
	}

	opts := room.Options()
	if !opts.AllowUsersRequestAccess {
		msg.RespondString(protocol.StatusUnauthorized, "room does not accept direct access requests")
		return
	}
	if opts.Password != "" && opts.Password != data.Password {
		msg.RespondString(protocol.StatusUnauthorized, "invalid password")
		return
	}

	room.GetAccess(msg.Peer, data.Properties, func(access *protocol.RoomAccessPacket, err error) {
		if err != nil {
			msg.RespondString(accessErrorStatus(err), err.Error())
			return
		}
		msg.RespondPacket(protocol.StatusSuccess, access)
	})
}

// accessErrorStatus maps access denial reasons onto wire statuses: expected
// recoverable conflicts are Failed, dead links and deadlines keep their
// dedicated statuses, everything else is Unauthorized.
func accessErrorStatus(err error) protocol.ResponseStatus {
	switch {
	case errors.Is(err, apperrors.ErrAlreadyRequested),
		errors.Is(err, apperrors.ErrAlreadyInRoom),
		errors.Is(err, apperrors.ErrRoomFull):
		return protocol.StatusFailed
	case errors.Is(err, apperrors.ErrRequestTimeout):
		return protocol.StatusTimeout
	case errors.Is(err, apperrors.ErrNotConnected):
		return protocol.StatusNotConnected
	default:
		return protocol.StatusUnauthorized
	}
}

func (m *RoomsModule) validateRoomAccessHandler(msg *network.IncomingMessage) {
	var data protocol.RoomAccessValidatePacket
	if err := protocol.Unpack(msg.Msg.Payload, &data); err != nil {
		msg.RespondString(protocol.StatusError, "malformed request")
		return
	}
	room, ok := m.ownedRoom(msg, data.RoomID)
	if !ok {
		return
	}

	player, err := room.ValidateAccess(data.Token)
	if err != nil {
		msg.RespondString(protocol.StatusUnauthorized, "failed to confirm the access")
		return
	}

	result := &protocol.UsernameAndPeerIDPacket{PeerID: player.ID()}
	if sec := player.Security(); sec != nil {
		result.Username = sec.Username
	}
	msg.RespondPacket(protocol.StatusSuccess, result)
}

func (m *RoomsModule) playerLeftRoomHandler(msg *network.IncomingMessage) {
	var data protocol.PlayerLeftRoomPacket
	if err := protocol.Unpack(msg.Msg.Payload, &data); err != nil {
		msg.RespondString(protocol.StatusError, "malformed request")
		return
	}
	room, ok := m.ownedRoom(msg, data.RoomID)
	if !ok {
		return
	}

	room.OnPlayerLeft(data.PeerID)
	msg.RespondEmpty(protocol.StatusSuccess)
}

func (m *RoomsModule) getPublicGamesHandler(msg *network.IncomingMessage) {
	msg.RespondPacket(protocol.StatusSuccess, &protocol.GameListPacket{Games: m.PublicGames()})
}
