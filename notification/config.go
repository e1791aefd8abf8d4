package notification

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultPollPeriod is the polling period in seconds.
	DefaultPollPeriod = 0.5
	// DefaultLatency is the period in seconds at which native events are dispatched.
	DefaultLatency = 0.1
)

// Config configures a Service.
type Config struct {
	// Backend is BackendAuto, BackendNative or BackendPoll.
	Backend string

	// PollPeriod is the period of the polling backend in seconds.
	PollPeriod float64

	// Latency is the period of the native backend in seconds. Events
	// arriving within one period are coalesced.
	Latency float64

	// Logger receives the service logs. nil discards them.
	Logger *zerolog.Logger
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendAuto,
		PollPeriod: DefaultPollPeriod,
		Latency:    DefaultLatency,
	}
}

func (c Config) logger() zerolog.Logger {
	if c.Logger == nil {
		return zerolog.Nop()
	}
	return *c.Logger
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
