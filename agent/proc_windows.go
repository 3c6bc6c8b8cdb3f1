//go:build windows

package agent

import "os/exec"

// Pdeathsig does not exist on Windows; spawned processes are reaped
// through Kill and the launcher's Wait loop instead.
func setPlatformSpecificAttrs(cmd *exec.Cmd) {}
