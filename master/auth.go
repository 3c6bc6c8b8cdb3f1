package master

import (
	"fmt"
	"log/slog"

	"masterkit/auth"
	"masterkit/network"
	"masterkit/protocol"
)

// AuthModule attaches an identity to connecting peers. Three ways in:
// a signed token from an earlier session, the shared spawner key for
// agents, or a plain username treated as a guest.
type AuthModule struct {
	log    *slog.Logger
	tokens *auth.TokenService

	// Argon2id hash of the key spawner agents authenticate with. Empty
	// disables the spawner path entirely.
	spawnerKeyHash         string
	spawnerPermissionLevel int32
}

func NewAuthModule(log *slog.Logger, tokens *auth.TokenService, opts Options) *AuthModule {
	return &AuthModule{
		log:                    log,
		tokens:                 tokens,
		spawnerKeyHash:         opts.SpawnerKeyHash,
		spawnerPermissionLevel: opts.SpawnerPermissionLevel,
	}
}

func (m *AuthModule) Init(srv *network.SocketServer) {
	srv.HandleFunc(protocol.OpAuthenticate, m.authenticateHandler)
}

func (m *AuthModule) authenticateHandler(msg *network.IncomingMessage) {
	var data protocol.AuthRequestPacket
	if err := protocol.Unpack(msg.Msg.Payload, &data); err != nil {
		msg.RespondString(protocol.StatusError, "malformed request")
		return
	}

	sec, err := m.resolveIdentity(&data)
	if err != nil {
		m.log.Warn("Authentication refused", "peerId", msg.Peer.ID(), "error", err)
		msg.RespondString(protocol.StatusUnauthorized, "authentication refused")
		return
	}
	msg.Peer.SetSecurity(sec)

	token, err := m.tokens.Generate(sec.Username, sec.PermissionLevel)
	if err != nil {
		m.log.Error("Token generation failed", "error", err)
		msg.RespondString(protocol.StatusError, "internal error")
		return
	}

	m.log.Info("Peer authenticated", "peerId", msg.Peer.ID(),
		"username", sec.Username, "permissionLevel", sec.PermissionLevel, "guest", sec.Guest)
	msg.RespondPacket(protocol.StatusSuccess, &protocol.AuthResultPacket{
		PeerID:          msg.Peer.ID(),
		Username:        sec.Username,
		PermissionLevel: sec.PermissionLevel,
		Token:           token,
	})
}

func (m *AuthModule) resolveIdentity(data *protocol.AuthRequestPacket) (*network.SecurityExtension, error) {
	switch {
	case data.SpawnerKey != "":
		if m.spawnerKeyHash == "" {
			return nil, fmt.Errorf("spawner authentication is disabled")
		}
		match, err := auth.CompareKey(data.SpawnerKey, m.spawnerKeyHash)
		if err != nil {
			return nil, fmt.Errorf("comparing spawner key: %w", err)
		}
		if !match {
			return nil, fmt.Errorf("wrong spawner key")
		}
		username := data.Username
		if username == "" {
			username = "spawner"
		}
		return &network.SecurityExtension{
			Username:        username,
			PermissionLevel: m.spawnerPermissionLevel,
		}, nil

	case data.Token != "":
		claims, err := m.tokens.Validate(data.Token)
		if err != nil {
			return nil, fmt.Errorf("validating token: %w", err)
		}
		return &network.SecurityExtension{
			Username:        claims.Username,
			PermissionLevel: claims.PermissionLevel,
		}, nil

	case data.Username != "":
		return &network.SecurityExtension{
			Username: data.Username,
			Guest:    true,
		}, nil

	default:
		return nil, fmt.Errorf("empty credentials")
	}
}
