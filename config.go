package main

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/makiuchi-d/fsnotice/notification"
)

const envPrefix = "FSNOTICE"

type options struct {
	Targets    []string
	Recursive  bool
	Filters    []string
	Patterns   []string
	Ignores    []string
	Backend    string
	PollPeriod float64
	Latency    float64
	Delay      time.Duration
	Restart    bool
	NoStdin    bool
	Signal     string
	Verbose    bool
}

// configKeys maps the configuration keys onto the flags setting them.
var configKeys = map[string]string{
	"targets":     "target",
	"recursive":   "recursive",
	"filters":     "filter",
	"patterns":    "pattern",
	"ignores":     "ignore",
	"backend":     "backend",
	"poll_period": "poll-period",
	"latency":     "latency",
	"delay":       "delay",
	"restart":     "restart",
	"no_stdin":    "no-stdin",
	"signal":      "signal",
	"verbose":     "verbose",
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringArrayP("target", "t", nil, "observation target `path` (default \"./\")")
	fs.BoolP("recursive", "R", true, "watch target directories recursively")
	fs.StringArrayP("filter", "f", nil, "report only the notification `flags` (FILE_CREATED|FILE_MODIFIED|...|NOTIFY_ALL)")
	fs.StringArrayP("pattern", "p", nil, "trigger pathname `glob` pattern (default \"**\")")
	fs.StringArrayP("ignore", "i", nil, "ignore pathname `glob` pattern")
	fs.String("backend", notification.BackendAuto, "notification `backend` (auto|native|poll)")
	fs.Float64("poll-period", notification.DefaultPollPeriod, "polling period in `seconds`")
	fs.Float64("latency", notification.DefaultLatency, "dispatch period of the native backend in `seconds`")
	fs.DurationP("delay", "d", time.Second, "`duration` to delay the restart of the command")
	fs.BoolP("restart", "r", false, "restart the command on exit")
	fs.BoolP("no-stdin", "n", false, "do not forward stdin to the command")
	fs.StringP("signal", "s", "", "`signal` used to stop the command (default \"SIGTERM\")")
	fs.StringP("config", "c", "", "configuration `file` (yaml, toml or json)")
	fs.BoolP("verbose", "v", false, "verbose output")
	fs.BoolP("help", "h", false, "display this message")
	fs.BoolP("version", "V", false, "display version")
	fs.SortFlags = false
	return fs
}

// loadOptions merges the parsed flags, the FSNOTICE_* environment and the
// configuration file, in this order of precedence.
func loadOptions(fs *pflag.FlagSet) (*options, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, flag := range configKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, xerrors.Errorf("bind %v: %w", flag, err)
		}
	}

	if file, _ := fs.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, xerrors.Errorf("read config: %w", err)
		}
	}

	opts := &options{
		Targets:    v.GetStringSlice("targets"),
		Recursive:  v.GetBool("recursive"),
		Filters:    v.GetStringSlice("filters"),
		Patterns:   v.GetStringSlice("patterns"),
		Ignores:    v.GetStringSlice("ignores"),
		Backend:    v.GetString("backend"),
		PollPeriod: v.GetFloat64("poll_period"),
		Latency:    v.GetFloat64("latency"),
		Delay:      v.GetDuration("delay"),
		Restart:    v.GetBool("restart"),
		NoStdin:    v.GetBool("no_stdin"),
		Signal:     v.GetString("signal"),
		Verbose:    v.GetBool("verbose"),
	}
	if len(opts.Targets) == 0 {
		opts.Targets = []string{"./"}
	}
	if len(opts.Patterns) == 0 {
		opts.Patterns = []string{"**"}
	}
	if len(opts.Filters) == 0 {
		opts.Filters = []string{"NOTIFY_ALL"}
	}
	opts.Patterns = removeCurDirPrefix(opts.Patterns)
	opts.Ignores = removeCurDirPrefix(opts.Ignores)

	if opts.PollPeriod <= 0 {
		return nil, xerrors.Errorf("invalid poll period: %v", opts.PollPeriod)
	}
	if opts.Latency <= 0 {
		return nil, xerrors.Errorf("invalid latency: %v", opts.Latency)
	}
	return opts, nil
}

func removeCurDirPrefix(arr []string) []string {
	for i, s := range arr {
		arr[i] = strings.TrimPrefix(s, "./")
	}
	return arr
}
