package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReader_Sticky_Error_On_Truncated_Input(t *testing.T) {
	req := require.New(t)

	w := NewWriter()
	w.WriteInt32(7)
	data := w.Bytes()

	r := NewReader(data)
	req.Equal(int32(7), r.ReadInt32())

	// When reading past the end
	req.Equal(int32(0), r.ReadInt32())
	req.Error(r.Err())

	// Then every later read keeps failing with the original error
	firstErr := r.Err()
	req.Empty(r.ReadString())
	req.Same(firstErr, r.Err())
}

func TestReader_Rejects_Negative_String_Length(t *testing.T) {
	req := require.New(t)

	w := NewWriter()
	w.WriteInt32(-5)

	r := NewReader(w.Bytes())
	req.Empty(r.ReadString())
	req.Error(r.Err())
}

func TestWriter_Dict_Round_Trip(t *testing.T) {
	req := require.New(t)

	w := NewWriter()
	w.WriteDict(map[string]string{"scene": "arena", "mode": "ffa"})
	w.WriteDict(nil)

	r := NewReader(w.Bytes())
	req.Equal(map[string]string{"scene": "arena", "mode": "ffa"}, r.ReadDict())
	req.Empty(r.ReadDict())
	req.NoError(r.Err())
}

func TestMessage_Frame_Round_Trip(t *testing.T) {
	req := require.New(t)

	original := &Message{
		OpCode:       OpGetRoomAccess,
		AckRequestID: 12,
		Status:       StatusSuccess,
		Payload:      []byte("payload"),
	}

	decoded, err := DecodeMessage(original.Encode())
	req.NoError(err)
	req.Equal(original.OpCode, decoded.OpCode)
	req.Equal(original.AckRequestID, decoded.AckRequestID)
	req.Equal(original.Status, decoded.Status)
	req.Equal(original.Payload, decoded.Payload)
}

func TestDecodeMessage_Truncated_Frame(t *testing.T) {
	req := require.New(t)

	data := (&Message{OpCode: OpRegisterRoom}).Encode()
	_, err := DecodeMessage(data[:5])
	req.Error(err)
}

func TestSpawnStatus_Negative_Values_Survive_The_Wire(t *testing.T) {
	req := require.New(t)

	// Terminal statuses are negative and ride in a single byte.
	for _, status := range []SpawnStatus{SpawnKilled, SpawnAborted, SpawnFinalized} {
		packet := &SpawnStatusUpdatePacket{SpawnID: 3, Status: status}
		var decoded SpawnStatusUpdatePacket
		req.NoError(Unpack(Pack(packet), &decoded))
		req.Equal(status, decoded.Status, status.String())
	}
}

func TestRoomOptions_Round_Trip(t *testing.T) {
	req := require.New(t)

	original := RoomOptions{
		Name:                    "arena",
		RoomIP:                  "10.0.0.1",
		RoomPort:                1500,
		IsPublic:                true,
		MaxConnections:          16,
		Password:                "secret",
		AccessTimeoutPeriod:     7.5,
		AllowUsersRequestAccess: true,
		Properties:              map[string]string{"scene": "main"},
	}

	var decoded RoomOptions
	req.NoError(Unpack(Pack(&original), &decoded))
	req.Equal(original, decoded)
}

func TestSpawnStatus_Ordering_Matches_Lifecycle(t *testing.T) {
	req := require.New(t)

	// The queue logic compares statuses numerically; the lifecycle order
	// is load-bearing.
	req.Less(SpawnNone, SpawnQueued)
	req.Less(SpawnQueued, SpawnProcessRequested)
	req.Less(SpawnProcessRequested, SpawnProcessStarted)
	req.Less(SpawnProcessStarted, SpawnProcessRegistered)
	req.Less(SpawnProcessRegistered, SpawnFinalized)

	req.True(SpawnKilled.IsTerminal())
	req.True(SpawnAborted.IsTerminal())
	req.True(SpawnFinalized.IsTerminal())
	req.False(SpawnProcessStarted.IsTerminal())
}
