package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"masterkit/agent"
	"masterkit/client"
	"masterkit/workers"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// Config defines the spawner agent's environment variables.
type Config struct {
	MasterURL string `env:"MASTER_URL,default=ws://localhost:5000"`
	LogLevel  string `env:"LOG_LEVEL,default=INFO"`

	// Key presented to the master during authentication.
	SpawnerKey string `env:"SPAWNER_KEY,required=true"`
	Username   string `env:"SPAWNER_USERNAME,default=spawner"`

	MachineIP    string `env:"MACHINE_IP,default=127.0.0.1"`
	Region       string `env:"REGION"`
	MaxProcesses int    `env:"MAX_PROCESSES,default=5"`

	ExePath  string `env:"ROOM_EXE_PATH,required=true"`
	Scene    string `env:"ROOM_SCENE"`
	Headless bool   `env:"ROOM_HEADLESS,default=true"`

	PortFirst int `env:"ROOM_PORT_FIRST,default=1500"`
	PortLast  int `env:"ROOM_PORT_LAST,default=2000"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=5s"`
	RestartInterval   time.Duration `env:"RESTART_INTERVAL,default=5s"`
	ConnectTimeout    time.Duration `env:"CONNECT_TIMEOUT,default=10s"`
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Spawner terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	logger := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Master connection
	masterClient := client.NewMaster(logger, config.MasterURL)
	controller := agent.NewController(logger, agent.Config{
		MasterURL:    config.MasterURL,
		MachineIP:    config.MachineIP,
		Region:       config.Region,
		MaxProcesses: int32(config.MaxProcesses),
		ExePath:      config.ExePath,
		Scene:        config.Scene,
		Headless:     config.Headless,
		PortFirst:    int32(config.PortFirst),
		PortLast:     int32(config.PortLast),
	}, masterClient)

	connectCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := masterClient.Connect(connectCtx); err != nil {
		return exitRuntime, fmt.Errorf("connecting to master: %w", err)
	}
	defer masterClient.Close()
	defer controller.Shutdown()

	// 3. Read loop on its own goroutine; it has to be running before any
	// request can complete. The link carries this agent's registration, so
	// losing it is terminal: the process exits and is restarted from the
	// outside, which re-authenticates and re-registers from scratch.
	readDone := make(chan error, 1)
	go func() { readDone <- masterClient.Run(ctx) }()

	// 4. Heartbeat under supervision
	sup := workers.NewSupervisor(logger, config.RestartInterval)
	sup.Add(agent.NewHeartbeatWorker(logger, controller, config.HeartbeatInterval))

	supDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supDone)
	}()

	shutdown := func() {
		sup.Stop()
		<-supDone
	}

	// 5. Identify and register
	if _, err := masterClient.Authenticate(ctx, config.Username, "", config.SpawnerKey); err != nil {
		shutdown()
		return exitRuntime, fmt.Errorf("authenticating: %w", err)
	}
	if err := controller.Register(ctx); err != nil {
		shutdown()
		return exitRuntime, fmt.Errorf("registering spawner: %w", err)
	}

	logger.Info("Spawner running", "master", config.MasterURL, "region", config.Region)
	err := <-readDone
	shutdown()

	if ctx.Err() == nil {
		return exitRuntime, fmt.Errorf("master connection lost: %w", err)
	}
	logger.Info("Spawner stopped")
	return exitOK, nil
}
