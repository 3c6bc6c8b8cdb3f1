package protocol

import "fmt"

// RoomOptions is sent by a room process when it registers with the master,
// and replaced wholesale by SaveRoomOptions.
type RoomOptions struct {
	Name string `validate:"required,max=128"`
	// Address of the machine the room runs on, advertised to joining players.
	RoomIP   string
	RoomPort int32 `validate:"gte=-1,lte=65535"`
	IsPublic bool
	// 0 means the player number is not limited.
	MaxConnections int32 `validate:"gte=0"`
	Password       string
	// Seconds after which an unclaimed access expires. Needs to be long
	// enough for a player to load into the room.
	AccessTimeoutPeriod float32 `validate:"gt=0"`
	// When false, players cannot request access directly; accesses are
	// handed out through other means (a lobby, matchmaking).
	AllowUsersRequestAccess bool
	Properties              map[string]string
}

// DefaultRoomOptions mirrors the defaults a bare registration gets.
func DefaultRoomOptions() RoomOptions {
	return RoomOptions{
		Name:                    "Unnamed",
		RoomPort:                -1,
		IsPublic:                true,
		AccessTimeoutPeriod:     10,
		AllowUsersRequestAccess: true,
		Properties:              map[string]string{},
	}
}

func (p *RoomOptions) MarshalTo(w *Writer) {
	w.WriteString(p.Name)
	w.WriteString(p.RoomIP)
	w.WriteInt32(p.RoomPort)
	w.WriteBool(p.IsPublic)
	w.WriteInt32(p.MaxConnections)
	w.WriteString(p.Password)
	w.WriteFloat32(p.AccessTimeoutPeriod)
	w.WriteBool(p.AllowUsersRequestAccess)
	w.WriteDict(p.Properties)
}

func (p *RoomOptions) UnmarshalFrom(r *Reader) {
	p.Name = r.ReadString()
	p.RoomIP = r.ReadString()
	p.RoomPort = r.ReadInt32()
	p.IsPublic = r.ReadBool()
	p.MaxConnections = r.ReadInt32()
	p.Password = r.ReadString()
	p.AccessTimeoutPeriod = r.ReadFloat32()
	p.AllowUsersRequestAccess = r.ReadBool()
	p.Properties = r.ReadDict()
}

// RoomAccessPacket is the token a player presents to a room when connecting
// directly. Minted by the room's access provider, consumed exactly once by
// ValidateRoomAccess.
type RoomAccessPacket struct {
	Token      string
	RoomIP     string
	RoomPort   int32
	RoomID     int32
	SceneName  string
	Properties map[string]string
}

func (p *RoomAccessPacket) MarshalTo(w *Writer) {
	w.WriteString(p.Token)
	w.WriteString(p.RoomIP)
	w.WriteInt32(p.RoomPort)
	w.WriteInt32(p.RoomID)
	w.WriteString(p.SceneName)
	w.WriteDict(p.Properties)
}

func (p *RoomAccessPacket) UnmarshalFrom(r *Reader) {
	p.Token = r.ReadString()
	p.RoomIP = r.ReadString()
	p.RoomPort = r.ReadInt32()
	p.RoomID = r.ReadInt32()
	p.SceneName = r.ReadString()
	p.Properties = r.ReadDict()
}

func (p *RoomAccessPacket) String() string {
	return fmt.Sprintf("[RoomAccess %s:%d room=%d token=%s]", p.RoomIP, p.RoomPort, p.RoomID, p.Token)
}

// RoomAccessRequestPacket is a player's request to join a room.
type RoomAccessRequestPacket struct {
	RoomID     int32
	Password   string
	Properties map[string]string
}

func (p *RoomAccessRequestPacket) MarshalTo(w *Writer) {
	w.WriteInt32(p.RoomID)
	w.WriteString(p.Password)
	w.WriteDict(p.Properties)
}

func (p *RoomAccessRequestPacket) UnmarshalFrom(r *Reader) {
	p.RoomID = r.ReadInt32()
	p.Password = r.ReadString()
	p.Properties = r.ReadDict()
}

// RoomAccessProvideCheckPacket is forwarded by the master to the room owner,
// asking it to approve or deny a player's access request.
type RoomAccessProvideCheckPacket struct {
	PeerID   int32
	RoomID   int32
	Username string
}

func (p *RoomAccessProvideCheckPacket) MarshalTo(w *Writer) {
	w.WriteInt32(p.PeerID)
	w.WriteInt32(p.RoomID)
	w.WriteString(p.Username)
}

func (p *RoomAccessProvideCheckPacket) UnmarshalFrom(r *Reader) {
	p.PeerID = r.ReadInt32()
	p.RoomID = r.ReadInt32()
	p.Username = r.ReadString()
}

// RoomAccessValidatePacket is sent by a room process to consume a token a
// player has presented.
type RoomAccessValidatePacket struct {
	RoomID int32
	Token  string
}

func (p *RoomAccessValidatePacket) MarshalTo(w *Writer) {
	w.WriteInt32(p.RoomID)
	w.WriteString(p.Token)
}

func (p *RoomAccessValidatePacket) UnmarshalFrom(r *Reader) {
	p.RoomID = r.ReadInt32()
	p.Token = r.ReadString()
}

// SaveRoomOptionsPacket replaces a room's options wholesale.
type SaveRoomOptionsPacket struct {
	RoomID  int32
	Options RoomOptions
}

func (p *SaveRoomOptionsPacket) MarshalTo(w *Writer) {
	w.WriteInt32(p.RoomID)
	p.Options.MarshalTo(w)
}

func (p *SaveRoomOptionsPacket) UnmarshalFrom(r *Reader) {
	p.RoomID = r.ReadInt32()
	p.Options.UnmarshalFrom(r)
}

// PlayerLeftRoomPacket tells the master a player disconnected from a room.
type PlayerLeftRoomPacket struct {
	RoomID int32
	PeerID int32
}

func (p *PlayerLeftRoomPacket) MarshalTo(w *Writer) {
	w.WriteInt32(p.RoomID)
	w.WriteInt32(p.PeerID)
}

func (p *PlayerLeftRoomPacket) UnmarshalFrom(r *Reader) {
	p.RoomID = r.ReadInt32()
	p.PeerID = r.ReadInt32()
}

// UsernameAndPeerIDPacket is the successful result of a token validation.
type UsernameAndPeerIDPacket struct {
	PeerID   int32
	Username string
}

func (p *UsernameAndPeerIDPacket) MarshalTo(w *Writer) {
	w.WriteInt32(p.PeerID)
	w.WriteString(p.Username)
}

func (p *UsernameAndPeerIDPacket) UnmarshalFrom(r *Reader) {
	p.PeerID = r.ReadInt32()
	p.Username = r.ReadString()
}

// GameInfoPacket is one row of the public game listing.
type GameInfoPacket struct {
	ID                  int32
	Address             string
	Name                string
	MaxPlayers          int32
	OnlinePlayers       int32
	IsPasswordProtected bool
	Properties          map[string]string
}

func (p *GameInfoPacket) MarshalTo(w *Writer) {
	w.WriteInt32(p.ID)
	w.WriteString(p.Address)
	w.WriteString(p.Name)
	w.WriteInt32(p.MaxPlayers)
	w.WriteInt32(p.OnlinePlayers)
	w.WriteBool(p.IsPasswordProtected)
	w.WriteDict(p.Properties)
}

func (p *GameInfoPacket) UnmarshalFrom(r *Reader) {
	p.ID = r.ReadInt32()
	p.Address = r.ReadString()
	p.Name = r.ReadString()
	p.MaxPlayers = r.ReadInt32()
	p.OnlinePlayers = r.ReadInt32()
	p.IsPasswordProtected = r.ReadBool()
	p.Properties = r.ReadDict()
}

// GameListPacket carries the full listing.
type GameListPacket struct {
	Games []GameInfoPacket
}

func (p *GameListPacket) MarshalTo(w *Writer) {
	w.WriteInt32(int32(len(p.Games)))
	for i := range p.Games {
		p.Games[i].MarshalTo(w)
	}
}

func (p *GameListPacket) UnmarshalFrom(r *Reader) {
	n := r.ReadInt32()
	if r.Err() != nil || n < 0 {
		return
	}
	p.Games = make([]GameInfoPacket, n)
	for i := range p.Games {
		p.Games[i].UnmarshalFrom(r)
	}
}

// SpawnerOptions is sent by a spawner agent when it registers.
type SpawnerOptions struct {
	MachineIP string
	// 0 means the agent does not cap concurrent processes.
	MaxProcesses int32 `validate:"gte=0"`
	Region       string
	Properties   map[string]string
}

func (p *SpawnerOptions) MarshalTo(w *Writer) {
	w.WriteString(p.MachineIP)
	w.WriteInt32(p.MaxProcesses)
	w.WriteString(p.Region)
	w.WriteDict(p.Properties)
}

func (p *SpawnerOptions) UnmarshalFrom(r *Reader) {
	p.MachineIP = r.ReadString()
	p.MaxProcesses = r.ReadInt32()
	p.Region = r.ReadString()
	p.Properties = r.ReadDict()
}

// ClientSpawnRequestPacket is a client's request to spawn a room.
type ClientSpawnRequestPacket struct {
	Region     string
	Options    map[string]string
	CustomArgs string
}

func (p *ClientSpawnRequestPacket) MarshalTo(w *Writer) {
	w.WriteString(p.Region)
	w.WriteDict(p.Options)
	w.WriteString(p.CustomArgs)
}

func (p *ClientSpawnRequestPacket) UnmarshalFrom(r *Reader) {
	p.Region = r.ReadString()
	p.Options = r.ReadDict()
	p.CustomArgs = r.ReadString()
}

// SpawnRequestPacket is the master's command to a spawner agent.
type SpawnRequestPacket struct {
	SpawnerID  int32
	SpawnID    int32
	SpawnCode  string
	CustomArgs string
	// Optional executable override for this one spawn.
	OverrideExePath string
	Properties      map[string]string
}

func (p *SpawnRequestPacket) MarshalTo(w *Writer) {
	w.WriteInt32(p.SpawnerID)
	w.WriteInt32(p.SpawnID)
	w.WriteString(p.SpawnCode)
	w.WriteString(p.CustomArgs)
	w.WriteString(p.OverrideExePath)
	w.WriteDict(p.Properties)
}

func (p *SpawnRequestPacket) UnmarshalFrom(r *Reader) {
	p.SpawnerID = r.ReadInt32()
	p.SpawnID = r.ReadInt32()
	p.SpawnCode = r.ReadString()
	p.CustomArgs = r.ReadString()
	p.OverrideExePath = r.ReadString()
	p.Properties = r.ReadDict()
}

// KillSpawnedProcessPacket asks an agent to force-terminate a spawned process.
type KillSpawnedProcessPacket struct {
	SpawnerID int32
	SpawnID   int32
}

func (p *KillSpawnedProcessPacket) MarshalTo(w *Writer) {
	w.WriteInt32(p.SpawnerID)
	w.WriteInt32(p.SpawnID)
}

func (p *KillSpawnedProcessPacket) UnmarshalFrom(r *Reader) {
	p.SpawnerID = r.ReadInt32()
	p.SpawnID = r.ReadInt32()
}

// RegisterSpawnedProcessPacket is the spawned process proving it is the
// legitimate child of a spawn task.
type RegisterSpawnedProcessPacket struct {
	SpawnID   int32
	SpawnCode string
}

func (p *RegisterSpawnedProcessPacket) MarshalTo(w *Writer) {
	w.WriteInt32(p.SpawnID)
	w.WriteString(p.SpawnCode)
}

func (p *RegisterSpawnedProcessPacket) UnmarshalFrom(r *Reader) {
	p.SpawnID = r.ReadInt32()
	p.SpawnCode = r.ReadString()
}

// SpawnFinalizationPacket carries the completion payload of a spawned process
// back to the master, where the original requester can fetch it.
type SpawnFinalizationPacket struct {
	SpawnID          int32
	FinalizationData map[string]string
}

func (p *SpawnFinalizationPacket) MarshalTo(w *Writer) {
	w.WriteInt32(p.SpawnID)
	w.WriteDict(p.FinalizationData)
}

func (p *SpawnFinalizationPacket) UnmarshalFrom(r *Reader) {
	p.SpawnID = r.ReadInt32()
	p.FinalizationData = r.ReadDict()
}

// SpawnStatusUpdatePacket is pushed to the requesting client whenever a spawn
// task changes status.
type SpawnStatusUpdatePacket struct {
	SpawnID int32
	Status  SpawnStatus
}

func (p *SpawnStatusUpdatePacket) MarshalTo(w *Writer) {
	w.WriteInt32(p.SpawnID)
	w.WriteUint8(byte(p.Status))
}

func (p *SpawnStatusUpdatePacket) UnmarshalFrom(r *Reader) {
	p.SpawnID = r.ReadInt32()
	// Status goes over the wire as a single byte but carries negative
	// terminal values, so it has to round-trip through int8.
	p.Status = SpawnStatus(int8(r.ReadUint8()))
}

// IntPairPacket is a generic two-int payload (spawner id + processes count).
type IntPairPacket struct {
	A int32
	B int32
}

func (p *IntPairPacket) MarshalTo(w *Writer) {
	w.WriteInt32(p.A)
	w.WriteInt32(p.B)
}

func (p *IntPairPacket) UnmarshalFrom(r *Reader) {
	p.A = r.ReadInt32()
	p.B = r.ReadInt32()
}

// AuthRequestPacket authenticates a peer. Exactly one mode applies:
// a session token, a spawner key, or a plain guest username.
type AuthRequestPacket struct {
	Username   string
	Token      string
	SpawnerKey string
}

func (p *AuthRequestPacket) MarshalTo(w *Writer) {
	w.WriteString(p.Username)
	w.WriteString(p.Token)
	w.WriteString(p.SpawnerKey)
}

func (p *AuthRequestPacket) UnmarshalFrom(r *Reader) {
	p.Username = r.ReadString()
	p.Token = r.ReadString()
	p.SpawnerKey = r.ReadString()
}

// AuthResultPacket reports the identity the master bound to the peer.
type AuthResultPacket struct {
	PeerID          int32
	Username        string
	PermissionLevel int32
	Token           string
}

func (p *AuthResultPacket) MarshalTo(w *Writer) {
	w.WriteInt32(p.PeerID)
	w.WriteString(p.Username)
	w.WriteInt32(p.PermissionLevel)
	w.WriteString(p.Token)
}

func (p *AuthResultPacket) UnmarshalFrom(r *Reader) {
	p.PeerID = r.ReadInt32()
	p.Username = r.ReadString()
	p.PermissionLevel = r.ReadInt32()
	p.Token = r.ReadString()
}
