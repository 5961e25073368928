//go:build !unix

// ABOUTME: Process handling for platforms without POSIX process groups.
// ABOUTME: Graceful termination falls back to an interrupt, then a kill.

package agent

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func terminateGroup(p *os.Process) error {
	if err := p.Signal(os.Interrupt); err != nil {
		return p.Kill()
	}
	return nil
}

func killGroup(p *os.Process) error {
	return p.Kill()
}
