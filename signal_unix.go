//go:build !windows

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

var signalNames = []struct {
	sig  syscall.Signal
	name string
}{
	{syscall.SIGHUP, "HUP"},
	{syscall.SIGINT, "INT"},
	{syscall.SIGQUIT, "QUIT"},
	{syscall.SIGKILL, "KILL"},
	{syscall.SIGUSR1, "USR1"},
	{syscall.SIGUSR2, "USR2"},
	{syscall.SIGTERM, "TERM"},
	{syscall.SIGWINCH, "WINCH"},
}

// parseSignalOption accepts a signal number or name, with or without the
// SIG or SIG_ prefix. An empty string selects SIGTERM.
// It returns nil and an error message for unsupported signals.
func parseSignalOption(str string) (os.Signal, string) {
	if str == "" {
		return syscall.SIGTERM, "SIGTERM"
	}
	s := strings.ToUpper(str)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "SIG"), "_")
	n, numErr := strconv.Atoi(s)
	for _, sn := range signalNames {
		if sn.name == s || (numErr == nil && int(sn.sig) == n) {
			return sn.sig, "SIG" + sn.name
		}
	}
	return nil, fmt.Sprintf("unsupported signal: %s", str)
}
