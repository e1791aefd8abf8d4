package main

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/xerrors"
)

const (
	waitForTerm = 5 * time.Second
)

// runner runs cmd and restarts it, delay after the name of a changed file
// is sent to the returned channel. It stops the command and returns when
// ctx is done. Unless nostdin, the input of fsnotice is forwarded to the
// running command.
func runner(ctx context.Context, wg *conc.WaitGroup, log zerolog.Logger, cmd []string, delay time.Duration, sig syscall.Signal, autorestart, nostdin bool) chan<- string {
	reload := make(chan string)
	trigger := make(chan string)

	go func() {
		for name := range reload {
			// ignore restart when the trigger is not waiting
			select {
			case trigger <- name:
			default:
			}
		}
	}()

	pcmd := commandString(cmd)

	var stdinC <-chan bytesErr
	if !nostdin {
		stdinC = readInput(os.Stdin)
	}

	wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			cmdctx, cancel := context.WithCancel(ctx)
			restart := make(chan struct{})
			done := make(chan struct{})

			go func() {
				log.Info().Str("command", pcmd).Msg("start")
				if err := runCmd(cmdctx, cmd, sig, stdinC); err != nil {
					log.Warn().Err(err).Msg("command error")
				} else {
					log.Info().Msg("command exit status 0")
				}
				if autorestart {
					close(restart)
				}
				close(done)
			}()

			select {
			case <-ctx.Done():
				cancel()
				<-done
				return
			case name := <-trigger:
				log.Info().Str("path", name).Msg("triggered")
			case <-restart:
				log.Debug().Msg("auto restart")
			}

			log.Debug().Dur("delay", delay).Msg("wait")
			select {
			case <-ctx.Done():
				cancel()
				<-done
				return
			case <-time.After(delay):
			}
			cancel()
			<-done
		}
	})

	return reload
}

// commandString quotes the arguments containing spaces, for display.
func commandString(cmd []string) string {
	args := make([]string, len(cmd))
	for i, s := range cmd {
		if strings.ContainsFunc(s, unicode.IsSpace) {
			s = strconv.Quote(s)
		}
		args[i] = s
	}
	return strings.Join(args, " ")
}

type bytesErr struct {
	bytes []byte
	err   error
}

// readInput reads r in the background. A chunk stays valid until the next
// one is received.
func readInput(r io.Reader) <-chan bytesErr {
	c := make(chan bytesErr)
	go func() {
		b1 := make([]byte, 255)
		b2 := make([]byte, 255)
		for {
			n, err := r.Read(b1)
			c <- bytesErr{b1[:n], err}
			b1, b2 = b2, b1
		}
	}()
	return c
}

// forwardStdin writes the input to w until the input ends or done is closed.
// The command started in its own process group cannot read the terminal.
func forwardStdin(w io.WriteCloser, input <-chan bytesErr, done <-chan struct{}) {
	defer w.Close()
	for {
		select {
		case <-done:
			return
		case be := <-input:
			if len(be.bytes) > 0 {
				if _, err := w.Write(be.bytes); err != nil {
					return
				}
			}
			if be.err != nil {
				return
			}
		}
	}
}

// runCmd runs cmd until it exits or ctx is done. The command reads stdinC
// when it is not nil, and the null device otherwise.
func runCmd(ctx context.Context, cmd []string, sig syscall.Signal, stdinC <-chan bytesErr) error {
	c := prepareCommand(cmd)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	var stdin io.WriteCloser
	if stdinC != nil {
		var err error
		if stdin, err = c.StdinPipe(); err != nil {
			return err
		}
	}
	if err := c.Start(); err != nil {
		return err
	}

	var cerr error
	done := make(chan struct{})
	if stdin != nil {
		go forwardStdin(stdin, stdinC, done)
	}
	go func() {
		cerr = c.Wait()
		close(done)
	}()

	select {
	case <-done:
		return cerr
	case <-ctx.Done():
	}

	if err := killGroup(c, sig); err != nil {
		return xerrors.Errorf("kill: %w", err)
	}

	select {
	case <-done:
	case <-time.After(waitForTerm):
		if err := killGroup(c, syscall.SIGKILL); err != nil {
			return xerrors.Errorf("kill (SIGKILL): %w", err)
		}
		<-done
	}

	if cerr != nil {
		return xerrors.Errorf("process canceled: %w", cerr)
	}
	return nil
}
