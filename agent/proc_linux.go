//go:build linux

package agent

import (
	"os/exec"
	"syscall"
)

// setPlatformSpecificAttrs ties the spawned room process to the agent's
// lifetime: the kernel kills the child if the agent dies, so no orphaned
// game servers survive an agent crash.
func setPlatformSpecificAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}
}
