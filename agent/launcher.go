package agent

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"masterkit/errors"
)

// ExitCallback fires exactly once per launched process, whether it exited
// on its own or was killed.
type ExitCallback func(spawnID int32)

// Launcher starts and tracks room processes by spawn id.
type Launcher struct {
	log *slog.Logger

	mu        sync.Mutex
	processes map[int32]*exec.Cmd
}

func NewLauncher(log *slog.Logger) *Launcher {
	return &Launcher{
		log:       log,
		processes: make(map[int32]*exec.Cmd),
	}
}

// Launch validates the binary, starts it detached from the agent's stdio
// buffers, and watches it from a goroutine. onExit runs after the process
// leaves the table, so a restart under the same spawn id is safe.
func (l *Launcher) Launch(spawnID int32, exePath string, args []string, onExit ExitCallback) error {
	if _, err := os.Stat(exePath); err != nil {
		return fmt.Errorf("%w: %s", errors.ErrProcessNotFound, exePath)
	}

	cmd := exec.Command(exePath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	setPlatformSpecificAttrs(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", exePath, err)
	}

	l.mu.Lock()
	l.processes[spawnID] = cmd
	l.mu.Unlock()
	l.log.Info("Process started", "spawnId", spawnID, "pid", cmd.Process.Pid, "exe", exePath)

	go func() {
		err := cmd.Wait()

		l.mu.Lock()
		delete(l.processes, spawnID)
		l.mu.Unlock()

		l.log.Info("Process exited", "spawnId", spawnID, "error", err)
		if onExit != nil {
			onExit(spawnID)
		}
	}()
	return nil
}

// Kill terminates a running process. Killing an unknown spawn id is a
// no-op; the exit callback already ran.
func (l *Launcher) Kill(spawnID int32) {
	l.mu.Lock()
	cmd, ok := l.processes[spawnID]
	l.mu.Unlock()
	if !ok {
		return
	}

	if err := cmd.Process.Kill(); err != nil {
		l.log.Warn("Failed to kill process", "spawnId", spawnID, "error", err)
	}
}

// KillAll terminates everything still running, used on agent shutdown.
func (l *Launcher) KillAll() {
	l.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(l.processes))
	for _, cmd := range l.processes {
		cmds = append(cmds, cmd)
	}
	l.mu.Unlock()

	for _, cmd := range cmds {
		_ = cmd.Process.Kill()
	}
}

// Running reports how many processes the launcher currently tracks.
func (l *Launcher) Running() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int32(len(l.processes))
}
