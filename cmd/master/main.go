package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"masterkit/internal"
	"masterkit/journal"
	"masterkit/master"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// The main function acts as a thin wrapper.
	// Its only responsibility is to call run() and handle the OS exit code.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Master terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the server lifecycle, and centralizes error reporting.
// Deferred cleanup (like closing the journal database) runs before the process exits, and the
// initialization logic stays testable because it never calls os.Exit itself.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	logger := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Journal (BadgerDB). An empty path runs the master without persistence.
	var recorder journal.Recorder = journal.Discard{}
	if config.BadgerFilepath != "" {
		db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
			WithLoggingLevel(badger.WARNING))
		if err != nil {
			return exitRuntime, fmt.Errorf("journal database opening failed: %w", err)
		}
		defer func() {
			logger.Info("Closing BadgerDB...")
			_ = db.Close()
		}()
		recorder = journal.New(db, logger)

		if logger.Enabled(ctx, slog.LevelDebug) {
			debugPort := config.Port + 1
			endpoint := "/inspect"
			logger.Info("Journal inspector available",
				"url", fmt.Sprintf("http://localhost:%d%s", debugPort, endpoint))
			internal.StartDebugServer(db, debugPort, endpoint, journalRowMapper, nil)
		}
	}

	// 3. Server assembly
	srv := master.NewServer(logger, recorder, master.Options{
		TokenKey:                       []byte(config.TokenKey),
		TokenIssuer:                    config.TokenIssuer,
		TokenTTL:                       config.TokenDuration,
		SpawnerKeyHash:                 config.SpawnerKeyHash,
		RegisterRoomPermissionLevel:    int32(config.RegisterRoomPermissionLevel),
		RegisterSpawnerPermissionLevel: int32(config.RegisterSpawnerPermissionLevel),
		SpawnerPermissionLevel:         int32(config.SpawnerPermissionLevel),
		EnableClientSpawnRequests:      config.EnableClientSpawnRequests,
		AccessCheckTimeout:             config.AccessCheckTimeout,
		AccessSweepInterval:            config.AccessSweepInterval,
		QueueUpdateInterval:            config.QueueUpdateInterval,
		RequestTimeout:                 config.RequestTimeout,
		WorkerRestartInterval:          config.RestartInterval,
		EventBuffer:                    config.EventBufferSize,
		PeerOutBuffer:                  config.ConnectionBufferSize,
	})

	// 4. Serve until a signal arrives
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	if err := srv.Run(ctx, addr); err != nil && ctx.Err() == nil {
		return exitRuntime, err
	}

	logger.Info("Master stopped")
	return exitOK, nil
}

// journalRowMapper renders persisted journal entries in the inspector.
func journalRowMapper(key string, val []byte) internal.InspectRow {
	e, err := journal.DecodeEntry(val)
	if err != nil {
		return internal.DefaultMapper(key, val)
	}
	return internal.InspectRow{
		Key:       key,
		Kind:      e.Kind.String(),
		Timestamp: e.At.Format(time.TimeOnly),
		RoomID:    strconv.Itoa(int(e.RoomID)),
		SpawnID:   strconv.Itoa(int(e.SpawnID)),
		PeerID:    strconv.Itoa(int(e.PeerID)),
		Detail:    e.Detail,
	}
}
