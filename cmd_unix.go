//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// prepareCommand starts cmd in its own process group so that the whole
// group can be signalled.
func prepareCommand(cmd []string) *exec.Cmd {
	c := exec.Command(cmd[0], cmd[1:]...)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return c
}

func killGroup(c *exec.Cmd, sig syscall.Signal) error {
	pgid := -c.Process.Pid
	if err := syscall.Kill(pgid, sig); err != nil {
		return err
	}
	if sig == syscall.SIGKILL || sig == syscall.SIGCONT {
		return nil
	}
	// a stopped process must be continued to handle sig
	return syscall.Kill(pgid, syscall.SIGCONT)
}
