package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/xerrors"

	"github.com/makiuchi-d/fsnotice/notification"
)

var (
	version string
	usage   = `Usage: fsnotice [OPTION]... [-- COMMAND]
Report the changes of files under the targets, and restart the COMMAND
when a file matching the pattern has changed.

Options:`
)

func main() {
	fs := newFlagSet("fsnotice")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(2)
	}
	if help, _ := fs.GetBool("help"); help {
		fmt.Println("fsnotice version", versionstr())
		fmt.Println(usage)
		fs.PrintDefaults()
		return
	}
	if showver, _ := fs.GetBool("version"); showver {
		fmt.Println("fsnotice version", versionstr())
		return
	}

	opts, err := loadOptions(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}
	log := newLogger(os.Stderr, opts.Verbose)

	cmd := fs.Args()
	sig, sigstr := parseSignalOption(opts.Signal)
	if sig == nil {
		log.Fatal().Msg(sigstr)
	}
	flags, err := notification.ParseFlags(opts.Filters)
	if err != nil {
		log.Fatal().Err(err).Msg("filter")
	}

	log.Debug().
		Strs("command", cmd).
		Strs("targets", opts.Targets).
		Bool("recursive", opts.Recursive).
		Strs("patterns", opts.Patterns).
		Strs("ignores", opts.Ignores).
		Stringer("filter", flags).
		Str("backend", opts.Backend).
		Float64("poll_period", opts.PollPeriod).
		Dur("delay", opts.Delay).
		Str("signal", sigstr).
		Bool("restart", opts.Restart).
		Bool("no_stdin", opts.NoStdin).
		Msg("options")

	svc, err := notification.New(notification.Config{
		Backend:    opts.Backend,
		PollPeriod: opts.PollPeriod,
		Latency:    opts.Latency,
		Logger:     &log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("notification service")
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	wg := conc.NewWaitGroup()

	base, _ := os.Getwd()
	rep := &reporter{
		out:      os.Stdout,
		base:     base,
		patterns: opts.Patterns,
		ignores:  opts.Ignores,
		log:      log,
	}
	if len(cmd) > 0 {
		rep.trigger = runner(ctx, wg, log, cmd, opts.Delay, sig.(syscall.Signal), opts.Restart, opts.NoStdin)
	}

	if err := watchTargets(svc, rep, opts.Targets, opts.Recursive, flags); err != nil {
		cancel()
		wg.Wait()
		log.Fatal().Err(err).Msg("watch")
	}
	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("start")
	}

	s := make(chan os.Signal, 1)
	signal.Notify(s, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	sig = <-s
	log.Info().Stringer("signal", sig).Msg("signal")

	svc.Stop()
	cancel()
	wg.Wait()
}

func newLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Str("app", "fsnotice").Logger()
}

func versionstr() string {
	if version != "" {
		return "v" + version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}
	return info.Main.Version
}

// watchTargets subscribes o to every target.
func watchTargets(svc *notification.Service, o notification.Observer, targets []string, recursive bool, flags notification.Flags) error {
	for _, t := range targets {
		t = filepath.Clean(t)
		wt := notification.WatchFile
		if fi, err := os.Stat(t); err == nil && fi.IsDir() {
			wt = notification.WatchDir
			if recursive {
				wt = notification.WatchDirRecursive
			}
		}
		if !svc.AddObserver(o, t, wt, flags) {
			return xerrors.Errorf("cannot watch %q (%v)", t, wt)
		}
	}
	return nil
}

// reporter prints the notifications matching the patterns and triggers
// the restart of the command.
type reporter struct {
	out      io.Writer
	base     string
	patterns []string
	ignores  []string
	trigger  chan<- string
	log      zerolog.Logger
}

func (r *reporter) FileNotification(p string, flags notification.Flags) {
	name := r.relative(p)

	if ignore, err := r.ignored(name); err != nil {
		r.log.Warn().Err(err).Msg("match ignores")
		return
	} else if ignore {
		r.log.Debug().Str("path", name).Stringer("flags", flags).Msg("ignored")
		return
	}
	if match, err := matchPatterns(name, r.patterns); err != nil {
		r.log.Warn().Err(err).Msg("match patterns")
		return
	} else if !match {
		return
	}

	fmt.Fprintf(r.out, "%v\t%s\n", flags, name)
	if r.trigger != nil {
		r.trigger <- name
	}
}

// relative returns p relative to the base directory when it lies beneath it.
func (r *reporter) relative(p string) string {
	if r.base != "" {
		if rel, err := filepath.Rel(r.base, p); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			p = rel
		}
	}
	return filepath.ToSlash(p)
}

// ignored reports whether name or one of its parent directories matches the ignores.
func (r *reporter) ignored(name string) (bool, error) {
	for p := name; p != "." && p != "/" && p != ""; p = path.Dir(p) {
		if m, err := matchPatterns(p, r.ignores); err != nil || m {
			return m, err
		}
		if path.Dir(p) == p {
			break
		}
	}
	return false, nil
}

func matchPatterns(t string, pats []string) (bool, error) {
	t = strings.TrimPrefix(t, "./")
	for _, p := range pats {
		m, err := doublestar.Match(p, t)
		if err != nil {
			return false, xerrors.Errorf("match(%v, %v): %w", p, t, err)
		}
		if m {
			return true, nil
		}
	}
	return false, nil
}
