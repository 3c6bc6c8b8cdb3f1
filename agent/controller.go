package agent

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"masterkit/network"
	"masterkit/protocol"
)

// Config describes one spawner agent: the machine it advertises, the room
// executable it launches, and the port range handed to room processes.
type Config struct {
	MasterURL    string
	MachineIP    string
	Region       string
	MaxProcesses int32
	ExePath      string
	// Default scene passed to launched rooms; a spawn request property
	// named "scene" overrides it.
	Scene     string
	Headless  bool
	PortFirst int32
	PortLast  int32
}

// MasterGateway is what the controller needs from the master connection.
// The process notifications deliberately take no context: they are one-way
// sends, because the controller's handlers run on the connection's read
// loop and a round trip there would wait on itself.
type MasterGateway interface {
	HandleFunc(op protocol.OpCode, h network.HandlerFunc)
	RegisterSpawner(ctx context.Context, options protocol.SpawnerOptions) (int32, error)
	NotifyProcessStarted(spawnID int32) error
	NotifyProcessKilled(spawnID int32) error
	UpdateProcessesCount(spawnerID, count int32) error
}

// Controller is the agent side of the spawner protocol: it registers with
// the master, launches a room process per spawn request, and reports
// process starts and deaths back.
type Controller struct {
	log      *slog.Logger
	cfg      Config
	master   MasterGateway
	ports    *PortPool
	launcher *Launcher

	spawnerID int32
}

func NewController(log *slog.Logger, cfg Config, master MasterGateway) *Controller {
	c := &Controller{
		log:      log,
		cfg:      cfg,
		master:   master,
		ports:    NewPortPool(cfg.PortFirst, cfg.PortLast),
		launcher: NewLauncher(log),
	}
	master.HandleFunc(protocol.OpSpawnProcessRequest, c.handleSpawnRequest)
	master.HandleFunc(protocol.OpKillProcessRequest, c.handleKillRequest)
	return c
}

// Register announces the agent to the master and keeps the returned id for
// process count reports.
func (c *Controller) Register(ctx context.Context) error {
	id, err := c.master.RegisterSpawner(ctx, protocol.SpawnerOptions{
		MachineIP:    c.cfg.MachineIP,
		MaxProcesses: c.cfg.MaxProcesses,
		Region:       c.cfg.Region,
	})
	if err != nil {
		return err
	}
	c.spawnerID = id
	c.log.Info("Registered as spawner", "spawnerId", id, "region", c.cfg.Region)
	return nil
}

func (c *Controller) SpawnerID() int32 {
	return c.spawnerID
}

// Shutdown kills every process the agent still runs.
func (c *Controller) Shutdown() {
	c.launcher.KillAll()
}

func (c *Controller) handleSpawnRequest(msg *network.IncomingMessage) {
	var data protocol.SpawnRequestPacket
	if err := protocol.Unpack(msg.Msg.Payload, &data); err != nil {
		msg.RespondString(protocol.StatusError, "malformed spawn request")
		return
	}

	port, err := c.ports.Acquire()
	if err != nil {
		c.log.Warn("No free ports for spawn", "spawnId", data.SpawnID)
		msg.RespondString(protocol.StatusFailed, "no free ports")
		return
	}

	exePath := c.cfg.ExePath
	if data.OverrideExePath != "" {
		exePath = data.OverrideExePath
	}

	if err := c.launcher.Launch(data.SpawnID, exePath, c.buildArgs(&data, port), func(spawnID int32) {
		c.ports.Release(port)
		if err := c.master.NotifyProcessKilled(spawnID); err != nil {
			c.log.Warn("Failed to report process death", "spawnId", spawnID, "error", err)
		}
	}); err != nil {
		c.ports.Release(port)
		c.log.Error("Failed to launch process", "spawnId", data.SpawnID, "error", err)
		msg.RespondString(protocol.StatusFailed, "failed to launch the process")
		return
	}

	msg.RespondEmpty(protocol.StatusSuccess)

	if err := c.master.NotifyProcessStarted(data.SpawnID); err != nil {
		c.log.Warn("Failed to report process start", "spawnId", data.SpawnID, "error", err)
	}
}

// buildArgs assembles the command line a room process parses on startup.
// Custom args from the original request go last so they can override
// nothing the agent decides.
func (c *Controller) buildArgs(data *protocol.SpawnRequestPacket, port int32) []string {
	scene := c.cfg.Scene
	if s, ok := data.Properties["scene"]; ok && s != "" {
		scene = s
	}

	args := []string{
		"-masterUrl", c.cfg.MasterURL,
		"-roomPort", strconv.Itoa(int(port)),
		"-machineIp", c.cfg.MachineIP,
		"-spawnId", strconv.Itoa(int(data.SpawnID)),
		"-spawnCode", data.SpawnCode,
	}
	if scene != "" {
		args = append(args, "-scene", scene)
	}
	if c.cfg.Headless {
		args = append(args, "-batchmode")
	}
	if data.CustomArgs != "" {
		args = append(args, strings.Fields(data.CustomArgs)...)
	}
	return args
}

func (c *Controller) handleKillRequest(msg *network.IncomingMessage) {
	var data protocol.KillSpawnedProcessPacket
	if err := protocol.Unpack(msg.Msg.Payload, &data); err != nil {
		msg.RespondString(protocol.StatusError, "malformed kill request")
		return
	}

	c.launcher.Kill(data.SpawnID)
	msg.RespondEmpty(protocol.StatusSuccess)
}
