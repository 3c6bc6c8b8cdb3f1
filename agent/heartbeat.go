package agent

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

// HeartbeatWorker periodically reports the agent's running process count
// to the master and logs the agent's own resource usage.
type HeartbeatWorker struct {
	log        *slog.Logger
	controller *Controller
	interval   time.Duration
}

func NewHeartbeatWorker(log *slog.Logger, controller *Controller, interval time.Duration) *HeartbeatWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HeartbeatWorker{
		log:        log,
		controller: controller,
		interval:   interval,
	}
}

func (w *HeartbeatWorker) Run(ctx context.Context) error {
	w.log.Info("Starting spawner heartbeat worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			running := w.controller.launcher.Running()
			if err := w.controller.master.UpdateProcessesCount(w.controller.SpawnerID(), running); err != nil {
				w.log.Warn("Master unreachable for heartbeat", "err", err)
			}

			rss, cpu, err := getSelfStats(p)
			if err != nil {
				w.log.Error("Failed to collect self stats", "err", err)
				continue
			}
			w.log.Debug("Agent heartbeat", "running", running, "cpuPercent", cpu, "ramBytes", rss)
		}
	}
}

// getSelfStats retrieves memory and CPU usage of the agent process.
func getSelfStats(p *process.Process) (uint64, float64, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return memInfo.RSS, cpuPercent, nil
}
