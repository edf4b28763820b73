//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// configureCommand suppresses console-window creation for every child.
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}

// terminate has no graceful signal on Windows; the process is killed.
func terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}
