package master

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"masterkit/auth"
	"masterkit/journal"
	"masterkit/network"
	"masterkit/workers"
)

// Options configures a master server. Zero values are filled with defaults
// by Normalize.
type Options struct {
	// Secret used to sign session tokens.
	TokenKey    []byte
	TokenIssuer string
	TokenTTL    time.Duration

	// Argon2id hash of the spawner key. Empty disables spawner auth.
	SpawnerKeyHash string

	RegisterRoomPermissionLevel    int32
	RegisterSpawnerPermissionLevel int32
	SpawnerPermissionLevel         int32

	// When false, only privileged peers may trigger spawns through
	// server-side code; the client-facing spawn operation is refused.
	EnableClientSpawnRequests bool

	// How long a room owner gets to answer an access check.
	AccessCheckTimeout time.Duration
	// Period of the unclaimed-access sweep.
	AccessSweepInterval time.Duration
	// Period of the spawn queue updater.
	QueueUpdateInterval time.Duration
	// Default timeout for server-initiated requests to peers.
	RequestTimeout time.Duration
	// Restart delay for a crashed worker.
	WorkerRestartInterval time.Duration

	EventBuffer   int
	PeerOutBuffer int
}

func (o *Options) Normalize() {
	if o.TokenIssuer == "" {
		o.TokenIssuer = "master"
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = 24 * time.Hour
	}
	if o.RegisterSpawnerPermissionLevel == 0 {
		o.RegisterSpawnerPermissionLevel = 1
	}
	if o.SpawnerPermissionLevel == 0 {
		o.SpawnerPermissionLevel = 1
	}
	if o.AccessCheckTimeout <= 0 {
		o.AccessCheckTimeout = 3 * time.Second
	}
	if o.AccessSweepInterval <= 0 {
		o.AccessSweepInterval = time.Second
	}
	if o.QueueUpdateInterval <= 0 {
		o.QueueUpdateInterval = 100 * time.Millisecond
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	if o.WorkerRestartInterval <= 0 {
		o.WorkerRestartInterval = 5 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 1024
	}
	if o.PeerOutBuffer <= 0 {
		o.PeerOutBuffer = 64
	}
}

// Server assembles the socket front, the modules and the background
// workers into one runnable master.
type Server struct {
	log  *slog.Logger
	opts Options

	Socket   *network.SocketServer
	Acks     *network.AckRegistry
	Auth     *AuthModule
	Rooms    *RoomsModule
	Spawners *SpawnersModule

	supervisor *workers.Supervisor
}

func NewServer(log *slog.Logger, rec journal.Recorder, opts Options) *Server {
	opts.Normalize()
	if rec == nil {
		rec = journal.Discard{}
	}

	acks := network.NewAckRegistry(log, opts.AccessSweepInterval)
	socket := network.NewSocketServer(log, acks, opts.EventBuffer, opts.PeerOutBuffer)
	tokens := auth.NewTokenService(opts.TokenKey, opts.TokenIssuer, opts.TokenTTL)

	s := &Server{
		log:        log,
		opts:       opts,
		Socket:     socket,
		Acks:       acks,
		Auth:       NewAuthModule(log, tokens, opts),
		Rooms:      NewRoomsModule(log, rec, opts),
		Spawners:   NewSpawnersModule(log, rec, opts),
		supervisor: workers.NewSupervisor(log, opts.WorkerRestartInterval),
	}

	s.Auth.Init(socket)
	s.Rooms.Init(socket)
	s.Spawners.Init(socket)
	s.supervisor.Add(socket, acks, s.Rooms, s.Spawners)
	return s
}

// Run serves websocket upgrades on addr and drives the background workers
// until the context ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.Socket}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Master listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	supervisorDone := make(chan struct{})
	go func() {
		s.supervisor.Run(ctx)
		close(supervisorDone)
	}()

	select {
	case err := <-errCh:
		s.supervisor.Stop()
		<-supervisorDone
		return err
	case <-ctx.Done():
		<-supervisorDone
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.supervisor.Stop()
	return httpServer.Shutdown(shutdownCtx)
}
