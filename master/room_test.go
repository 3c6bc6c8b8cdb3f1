package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "masterkit/errors"
	"masterkit/protocol"
)

func TestRoom_GetAccess_And_Validate(t *testing.T) {
	req := require.New(t)
	rooms := newTestRoomsModule()
	owner := acceptingOwner("token-1")
	player := newFakePeer()

	options := protocol.DefaultRoomOptions()
	options.RoomIP = "10.0.0.1"
	options.RoomPort = 1500
	room := rooms.RegisterRoom(owner, options)

	// When a player requests access
	var access *protocol.RoomAccessPacket
	room.GetAccess(player, nil, func(a *protocol.RoomAccessPacket, err error) {
		req.NoError(err)
		access = a
	})

	// Then the access carries the room's connection details
	req.NotNil(access)
	req.Equal("token-1", access.Token)
	req.Equal(room.ID(), access.RoomID)
	req.Equal("10.0.0.1", access.RoomIP)
	req.Equal(int32(1500), access.RoomPort)
	req.Zero(room.OnlineCount())

	// When the room validates the token
	joined, err := room.ValidateAccess(access.Token)
	req.NoError(err)
	req.Equal(player.ID(), joined.ID())
	req.Equal(1, room.OnlineCount())
}

func TestRoom_ValidateAccess_Token_Is_Single_Use(t *testing.T) {
	req := require.New(t)
	rooms := newTestRoomsModule()
	room := rooms.RegisterRoom(acceptingOwner("token-1"), protocol.DefaultRoomOptions())
	player := newFakePeer()

	room.GetAccess(player, nil, func(a *protocol.RoomAccessPacket, err error) {
		req.NoError(err)
	})

	_, err := room.ValidateAccess("token-1")
	req.NoError(err)

	// Then replaying the token fails
	_, err = room.ValidateAccess("token-1")
	req.ErrorIs(err, apperrors.ErrInvalidToken)
}

func TestRoom_ValidateAccess_Unknown_Token(t *testing.T) {
	req := require.New(t)
	rooms := newTestRoomsModule()
	room := rooms.RegisterRoom(acceptingOwner("token-1"), protocol.DefaultRoomOptions())

	_, err := room.ValidateAccess("never-issued")
	req.ErrorIs(err, apperrors.ErrInvalidToken)
}

func TestRoom_ValidateAccess_Disconnected_Player_Burns_Token(t *testing.T) {
	req := require.New(t)
	rooms := newTestRoomsModule()
	room := rooms.RegisterRoom(acceptingOwner("token-1"), protocol.DefaultRoomOptions())
	player := newFakePeer()

	room.GetAccess(player, nil, func(a *protocol.RoomAccessPacket, err error) {
		req.NoError(err)
	})

	// When the player disconnects before claiming the access
	player.disconnect()
	_, err := room.ValidateAccess("token-1")
	req.ErrorIs(err, apperrors.ErrNotConnected)

	// Then the token is gone either way
	_, err = room.ValidateAccess("token-1")
	req.ErrorIs(err, apperrors.ErrInvalidToken)
	req.Zero(room.OnlineCount())
}

func TestRoom_GetAccess_Retry_Returns_Same_Token(t *testing.T) {
	req := require.New(t)
	rooms := newTestRoomsModule()
	options := protocol.DefaultRoomOptions()
	options.AccessTimeoutPeriod = 0.05
	room := rooms.RegisterRoom(acceptingOwner("token-1"), options)
	player := newFakePeer()

	var first, second *protocol.RoomAccessPacket
	room.GetAccess(player, nil, func(a *protocol.RoomAccessPacket, err error) {
		req.NoError(err)
		first = a
	})

	// When the same player retries after the original expiry passed
	time.Sleep(60 * time.Millisecond)
	room.GetAccess(player, nil, func(a *protocol.RoomAccessPacket, err error) {
		req.NoError(err)
		second = a
	})

	// Then the unclaimed access is handed out again instead of a new one
	req.Equal(first.Token, second.Token)

	// And the retry pushed the expiry out, so a sweep past the original
	// deadline leaves the access alone
	req.Zero(room.ClearExpiredAccesses(time.Now()))
	_, err := room.ValidateAccess(first.Token)
	req.NoError(err)
}

func TestRoom_GetAccess_Full_Room(t *testing.T) {
	req := require.New(t)
	rooms := newTestRoomsModule()
	options := protocol.DefaultRoomOptions()
	options.MaxConnections = 1
	room := rooms.RegisterRoom(acceptingOwner("token-1"), options)

	first := newFakePeer()
	second := newFakePeer()

	room.GetAccess(first, nil, func(a *protocol.RoomAccessPacket, err error) {
		req.NoError(err)
	})
	_, err := room.ValidateAccess("token-1")
	req.NoError(err)

	// Then the single slot is taken
	room.GetAccess(second, nil, func(a *protocol.RoomAccessPacket, err error) {
		req.ErrorIs(err, apperrors.ErrRoomFull)
	})

	// When the first player leaves, the slot frees up
	req.True(room.OnPlayerLeft(first.ID()))
	var granted bool
	room.GetAccess(second, nil, func(a *protocol.RoomAccessPacket, err error) {
		req.NoError(err)
		granted = true
	})
	req.True(granted)
}

func TestRoom_GetAccess_Unconfirmed_Access_Holds_A_Slot(t *testing.T) {
	req := require.New(t)
	rooms := newTestRoomsModule()
	options := protocol.DefaultRoomOptions()
	options.MaxConnections = 1
	room := rooms.RegisterRoom(acceptingOwner("token-1"), options)

	first := newFakePeer()
	second := newFakePeer()

	// Given an approved but unclaimed access
	room.GetAccess(first, nil, func(a *protocol.RoomAccessPacket, err error) {
		req.NoError(err)
	})

	// Then a second player cannot take the slot
	room.GetAccess(second, nil, func(a *protocol.RoomAccessPacket, err error) {
		req.ErrorIs(err, apperrors.ErrRoomFull)
	})
}

func TestRoom_GetAccess_While_Already_In_Room(t *testing.T) {
	req := require.New(t)
	rooms := newTestRoomsModule()
	room := rooms.RegisterRoom(acceptingOwner("token-1"), protocol.DefaultRoomOptions())
	player := newFakePeer()

	room.GetAccess(player, nil, func(a *protocol.RoomAccessPacket, err error) {
		req.NoError(err)
	})
	_, err := room.ValidateAccess("token-1")
	req.NoError(err)

	room.GetAccess(player, nil, func(a *protocol.RoomAccessPacket, err error) {
		req.ErrorIs(err, apperrors.ErrAlreadyInRoom)
	})
}

func TestRoom_GetAccess_Disconnected_Owner(t *testing.T) {
	req := require.New(t)
	rooms := newTestRoomsModule()
	owner := newFakePeer()
	room := rooms.RegisterRoom(owner, protocol.DefaultRoomOptions())
	owner.disconnect()

	var got error
	room.GetAccess(newFakePeer(), nil, func(a *protocol.RoomAccessPacket, err error) {
		got = err
	})
	req.ErrorIs(got, apperrors.ErrNotConnected)
}

func TestRoom_ClearExpiredAccesses(t *testing.T) {
	req := require.New(t)
	rooms := newTestRoomsModule()
	options := protocol.DefaultRoomOptions()
	options.AccessTimeoutPeriod = 1
	room := rooms.RegisterRoom(acceptingOwner("token-1"), options)
	player := newFakePeer()

	room.GetAccess(player, nil, func(a *protocol.RoomAccessPacket, err error) {
		req.NoError(err)
	})

	// When the sweep runs before the expiry, nothing happens
	req.Zero(room.ClearExpiredAccesses(time.Now()))

	// When the sweep runs after the expiry
	removed := room.ClearExpiredAccesses(time.Now().Add(2 * time.Second))
	req.Equal(1, removed)

	_, err := room.ValidateAccess("token-1")
	req.ErrorIs(err, apperrors.ErrInvalidToken)
}

func TestRoomsModule_Owner_Disconnect_Destroys_All_Rooms(t *testing.T) {
	req := require.New(t)
	rooms := newTestRoomsModule()
	owner := newFakePeer()

	first := rooms.RegisterRoom(owner, protocol.DefaultRoomOptions())
	second := rooms.RegisterRoom(owner, protocol.DefaultRoomOptions())
	req.Len(rooms.Rooms(), 2)

	rooms.onPeerDisconnected(owner)

	req.Empty(rooms.Rooms())
	_, ok := rooms.Room(first.ID())
	req.False(ok)
	_, ok = rooms.Room(second.ID())
	req.False(ok)
}

func TestRoomsModule_Room_IDs_Start_At_Zero(t *testing.T) {
	req := require.New(t)
	rooms := newTestRoomsModule()

	first := rooms.RegisterRoom(newFakePeer(), protocol.DefaultRoomOptions())
	second := rooms.RegisterRoom(newFakePeer(), protocol.DefaultRoomOptions())

	req.Equal(int32(0), first.ID())
	req.Equal(int32(1), second.ID())
}

func TestRoomsModule_PublicGames(t *testing.T) {
	req := require.New(t)
	rooms := newTestRoomsModule()

	public := protocol.DefaultRoomOptions()
	public.Name = "lobby"
	public.RoomIP = "10.0.0.1"
	public.RoomPort = 1500
	rooms.RegisterRoom(newFakePeer(), public)

	private := protocol.DefaultRoomOptions()
	private.IsPublic = false
	rooms.RegisterRoom(newFakePeer(), private)

	games := rooms.PublicGames()
	req.Len(games, 1)
	req.Equal("lobby", games[0].Name)
	req.Equal("10.0.0.1:1500", games[0].Address)
}
