package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mama165/sdk-go/logs"

	"masterkit/client"
	"masterkit/protocol"
)

const (
	exitOK      = 0
	exitRuntime = 1
)

// Command line surface of a spawned room process. The spawner agent builds
// exactly these flags when it launches the executable; custom args from the
// original spawn request come after and are picked up by flag.Parse too
// when they use the same syntax.
var (
	masterURL = flag.String("masterUrl", "ws://localhost:5000", "master server url")
	roomPort  = flag.Int("roomPort", 1500, "port the room listens on for players")
	machineIP = flag.String("machineIp", "127.0.0.1", "public address of this machine")
	spawnID   = flag.Int("spawnId", -1, "spawn task id, when launched by a spawner")
	spawnCode = flag.String("spawnCode", "", "spawn task secret, when launched by a spawner")
	scene     = flag.String("scene", "", "scene this room simulates")
	roomName  = flag.String("name", "Unnamed", "public room name")
	maxConns  = flag.Int("maxPlayers", 0, "player cap, 0 means unlimited")
	password  = flag.String("password", "", "room password")
	isPublic  = flag.Bool("public", true, "advertise the room in public listings")
	logLevel  = flag.String("logLevel", "INFO", "log level")
	_         = flag.Bool("batchmode", false, "run headless")
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Room terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	flag.Parse()
	logger := logs.GetLoggerFromString(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Master connection
	masterClient := client.NewMaster(logger, *masterURL)
	if err := masterClient.Connect(ctx); err != nil {
		return exitRuntime, fmt.Errorf("connecting to master: %w", err)
	}
	defer masterClient.Close()

	readDone := make(chan error, 1)
	go func() { readDone <- masterClient.Run(ctx) }()

	if _, err := masterClient.Authenticate(ctx, fmt.Sprintf("room-%d", os.Getpid()), "", ""); err != nil {
		return exitRuntime, fmt.Errorf("authenticating: %w", err)
	}

	// 2. When spawned, claim the task first; its properties may override
	// room settings decided by the requester.
	options := protocol.DefaultRoomOptions()
	options.Name = *roomName
	options.RoomIP = *machineIP
	options.RoomPort = int32(*roomPort)
	options.MaxConnections = int32(*maxConns)
	options.Password = *password
	options.IsPublic = *isPublic
	if *scene != "" {
		options.Properties["scene"] = *scene
	}

	spawned := *spawnCode != ""
	if spawned {
		properties, err := masterClient.RegisterSpawnedProcess(ctx, int32(*spawnID), *spawnCode)
		if err != nil {
			return exitRuntime, fmt.Errorf("claiming spawn task: %w", err)
		}
		applySpawnProperties(&options, properties)
	}

	// 3. Publish the room and start answering access checks
	roomID, err := masterClient.RegisterRoom(ctx, options)
	if err != nil {
		return exitRuntime, fmt.Errorf("registering room: %w", err)
	}
	logger.Info("Room registered", "roomId", roomID, "port", *roomPort)
	masterClient.ServeAccessChecks(roomID, options, nil)

	defer func() {
		cleanupCtx := context.Background()
		if err := masterClient.DestroyRoom(cleanupCtx, roomID); err != nil {
			logger.Warn("Failed to destroy room", "roomId", roomID, "error", err)
		}
	}()

	// 4. Tell the requester how to reach us
	if spawned {
		finalization := map[string]string{
			"roomId":   strconv.Itoa(int(roomID)),
			"roomIp":   options.RoomIP,
			"roomPort": strconv.Itoa(int(options.RoomPort)),
		}
		if options.Password != "" {
			finalization["password"] = options.Password
		}
		if err := masterClient.CompleteSpawn(ctx, int32(*spawnID), finalization); err != nil {
			return exitRuntime, fmt.Errorf("finalizing spawn: %w", err)
		}
		logger.Info("Spawn finalized", "spawnId", *spawnID)
	}

	// 5. Serve until the link drops or a signal arrives. A real game server
	// would run its simulation loop here; this process only brokers access.
	err = <-readDone
	if err != nil && ctx.Err() == nil {
		return exitRuntime, err
	}

	logger.Info("Room stopped")
	return exitOK, nil
}

// applySpawnProperties maps well-known spawn request options onto the room.
func applySpawnProperties(options *protocol.RoomOptions, properties map[string]string) {
	if name, ok := properties["roomName"]; ok && name != "" {
		options.Name = name
	}
	if pw, ok := properties["password"]; ok {
		options.Password = pw
	}
	if capStr, ok := properties["maxPlayers"]; ok {
		if cap64, err := strconv.ParseInt(capStr, 10, 32); err == nil && cap64 >= 0 {
			options.MaxConnections = int32(cap64)
		}
	}
	for k, v := range properties {
		options.Properties[k] = v
	}
}
