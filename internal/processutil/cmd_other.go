//go:build !windows

package processutil

import (
	"os"
	"os/exec"
)

func HideConsoleWindow(cmd *exec.Cmd) {}

func interrupt(p *os.Process) error {
	return p.Signal(os.Interrupt)
}
