package master

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "masterkit/errors"
	"masterkit/network"
	"masterkit/protocol"
)

// roomAccessData is an access that was approved by the room but not yet
// claimed by the player.
type roomAccessData struct {
	access    *protocol.RoomAccessPacket
	peer      network.Peer
	expiresAt time.Time
}

// GetAccessCallback receives the minted access, or the reason it was denied.
type GetAccessCallback func(access *protocol.RoomAccessPacket, err error)

// RegisteredRoom is one game-server process registered with the master. It
// is owned by exactly one peer and destroyed when that peer disconnects or
// explicitly unregisters it.
//
// activeAccesses is the single source of truth for "is this peer in the
// room"; there is deliberately no separate membership set.
type RegisteredRoom struct {
	id           int32
	ownerPeer    network.Peer
	log          *slog.Logger
	checkTimeout time.Duration

	mu          sync.Mutex
	options     protocol.RoomOptions
	unconfirmed map[string]*roomAccessData
	active      map[int32]*roomAccessData
	inFlight    map[int32]struct{}

	onPlayerJoined func(network.Peer)
	onPlayerLeft   func(network.Peer)
}

func newRegisteredRoom(id int32, ownerPeer network.Peer, options protocol.RoomOptions, log *slog.Logger, checkTimeout time.Duration) *RegisteredRoom {
	r := &RegisteredRoom{
		id:           id,
		ownerPeer:    ownerPeer,
		log:          log,
		checkTimeout: checkTimeout,
		options:      options,
		unconfirmed:  make(map[string]*roomAccessData),
		active:       make(map[int32]*roomAccessData),
		inFlight:     make(map[int32]struct{}),
	}
	r.overrideOptionsWithProperties()
	return r
}

// overrideOptionsWithProperties lets a room flip its public flag through the
// free-form properties it registered with.
func (r *RegisteredRoom) overrideOptionsWithProperties() {
	if v, ok := r.options.Properties["isPublic"]; ok {
		r.options.IsPublic = v == "true"
	}
}

func (r *RegisteredRoom) ID() int32 {
	return r.id
}

func (r *RegisteredRoom) Owner() network.Peer {
	return r.ownerPeer
}

func (r *RegisteredRoom) Options() protocol.RoomOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.options
}

// ChangeOptions replaces the options wholesale.
func (r *RegisteredRoom) ChangeOptions(options protocol.RoomOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.options = options
}

// OnlineCount reports the number of players holding an active access.
func (r *RegisteredRoom) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *RegisteredRoom) accessTimeout() time.Duration {
	period := r.options.AccessTimeoutPeriod
	if period <= 0 {
		period = 10
	}
	return time.Duration(period * float32(time.Second))
}

// GetAccess asks the room's owner to approve an access for the given peer.
// The callback fires exactly once, possibly on a different goroutine: when
// the owner answers, when the round trip times out, or immediately when the
// request is rejected by admission checks.
func (r *RegisteredRoom) GetAccess(peer network.Peer, properties map[string]string, cb GetAccessCallback) {
	peerID := peer.ID()

	r.mu.Lock()
	if _, ok := r.inFlight[peerID]; ok {
		r.mu.Unlock()
		cb(nil, apperrors.ErrAlreadyRequested)
		return
	}
	if _, ok := r.active[peerID]; ok {
		r.mu.Unlock()
		cb(nil, apperrors.ErrAlreadyInRoom)
		return
	}

	// An approved but unclaimed access is handed out again with a fresh
	// expiry, so a retrying client does not burn a second slot.
	for _, data := range r.unconfirmed {
		if data.peer.ID() == peerID {
			data.expiresAt = time.Now().Add(r.accessTimeout())
			access := data.access
			r.mu.Unlock()
			cb(access, nil)
			return
		}
	}

	if r.options.MaxConnections != 0 {
		slotsTaken := len(r.inFlight) + len(r.active) + len(r.unconfirmed)
		if int32(slotsTaken) >= r.options.MaxConnections {
			r.mu.Unlock()
			cb(nil, apperrors.ErrRoomFull)
			return
		}
	}

	r.inFlight[peerID] = struct{}{}
	r.mu.Unlock()

	check := &protocol.RoomAccessProvideCheckPacket{
		PeerID: peerID,
		RoomID: r.id,
	}
	if sec := peer.Security(); sec != nil {
		check.Username = sec.Username
	}

	r.ownerPeer.SendRequest(protocol.NewPacketMessage(protocol.OpProvideRoomAccessCheck, check),
		func(status protocol.ResponseStatus, resp *network.IncomingMessage) {
			r.mu.Lock()
			delete(r.inFlight, peerID)
			r.mu.Unlock()

			switch status {
			case protocol.StatusSuccess:
			case protocol.StatusTimeout:
				cb(nil, apperrors.ErrRequestTimeout)
				return
			case protocol.StatusNotConnected:
				cb(nil, apperrors.ErrNotConnected)
				return
			default:
				cb(nil, fmt.Errorf("%s", resp.Msg.AsString("access was denied")))
				return
			}

			access := &protocol.RoomAccessPacket{}
			if err := protocol.Unpack(resp.Msg.Payload, access); err != nil {
				cb(nil, fmt.Errorf("room sent a malformed access: %w", err))
				return
			}
			r.completeAccess(access, peer, properties, cb)
		}, r.checkTimeout)
}

func (r *RegisteredRoom) completeAccess(access *protocol.RoomAccessPacket, peer network.Peer, properties map[string]string, cb GetAccessCallback) {
	r.mu.Lock()
	access.RoomID = r.id
	if access.Token == "" {
		access.Token = uuid.NewString()
	}
	if access.RoomIP == "" {
		access.RoomIP = r.options.RoomIP
	}
	if access.RoomPort <= 0 {
		access.RoomPort = r.options.RoomPort
	}
	if access.Properties == nil {
		access.Properties = properties
	}
	r.unconfirmed[access.Token] = &roomAccessData{
		access:    access,
		peer:      peer,
		expiresAt: time.Now().Add(r.accessTimeout()),
	}
	r.mu.Unlock()

	cb(access, nil)
}

// ValidateAccess consumes a token. The token is removed before anything else
// is checked, so it can never be replayed even when validation fails.
func (r *RegisteredRoom) ValidateAccess(token string) (network.Peer, error) {
	r.mu.Lock()
	data, ok := r.unconfirmed[token]
	if ok {
		delete(r.unconfirmed, token)
	}
	r.mu.Unlock()

	if !ok {
		return nil, apperrors.ErrInvalidToken
	}
	if !data.peer.IsConnected() {
		return nil, apperrors.ErrNotConnected
	}

	r.mu.Lock()
	r.active[data.peer.ID()] = data
	joined := r.onPlayerJoined
	r.mu.Unlock()

	if joined != nil {
		joined(data.peer)
	}
	return data.peer, nil
}

// ClearExpiredAccesses drops unconfirmed accesses whose expiry passed.
// Active accesses are never touched by this path.
func (r *RegisteredRoom) ClearExpiredAccesses(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for token, data := range r.unconfirmed {
		if now.After(data.expiresAt) {
			delete(r.unconfirmed, token)
			removed++
		}
	}
	return removed
}

// OnPlayerLeft removes a player's active access. Reports whether the peer
// was actually in the room.
func (r *RegisteredRoom) OnPlayerLeft(peerID int32) bool {
	r.mu.Lock()
	data, ok := r.active[peerID]
	if ok {
		delete(r.active, peerID)
	}
	left := r.onPlayerLeft
	r.mu.Unlock()

	if !ok {
		return false
	}
	if left != nil {
		left(data.peer)
	}
	return true
}

// destroy clears internal collections and event hooks so a destroyed room
// does not keep peers alive through references.
func (r *RegisteredRoom) destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unconfirmed = make(map[string]*roomAccessData)
	r.active = make(map[int32]*roomAccessData)
	r.inFlight = make(map[int32]struct{})
	r.onPlayerJoined = nil
	r.onPlayerLeft = nil
}
