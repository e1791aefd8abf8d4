//go:build !windows

package main

import (
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSignalOption(t *testing.T) {
	tests := []struct {
		inputs []string
		sig    os.Signal
		out    string
	}{
		{[]string{"1", "HUP", "SIGHUP", "SIG_HUP", "hup", "SigHup"}, syscall.SIGHUP, "SIGHUP"},
		{[]string{"2", "INT", "SIGINT", "SIG_INT", "int", "SigInt"}, syscall.SIGINT, "SIGINT"},
		{[]string{"9", "KILL", "SIGKILL", "SIG_KILL", "SIgKill"}, syscall.SIGKILL, "SIGKILL"},
		{[]string{"USR1", "SIGUSR1", "SIG_USR1", "SIgUsr1"}, syscall.SIGUSR1, "SIGUSR1"},
		{[]string{"USR2", "SIGUSR2", "SIG_USR2", "SIgUsr2"}, syscall.SIGUSR2, "SIGUSR2"},
		{[]string{"", "15", "TERM", "SIGTERM", "SIG_TERM", "SIgTerm"}, syscall.SIGTERM, "SIGTERM"},
	}
	for _, test := range tests {
		for _, in := range test.inputs {
			s, o := parseSignalOption(in)
			assert.Equal(t, test.sig, s, in)
			assert.Equal(t, test.out, o, in)
		}
	}

	for _, in := range []string{"STOP", "SIG", "0", "hungup"} {
		s, o := parseSignalOption(in)
		assert.Nil(t, s, in)
		assert.Contains(t, o, "unsupported signal", in)
	}
}
