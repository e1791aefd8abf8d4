// Package notification delivers file and directory change notifications to
// registered observers.
//
// A Service watches locations through a Backend, either the platform's
// native notification mechanism (fsnotify) or a portable stat-based poller.
// Both report through the same contract: every cycle, the detected changes
// are coalesced per observer and path, masked by each subscription's flags
// and delivered with Observer.FileNotification.
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/xerrors"
)

var (
	ErrRunning = xerrors.New("notification service is running")
	ErrClosed  = xerrors.New("notification service is closed")
)

// Service is a file change notification service.
type Service struct {
	cfg     Config
	log     zerolog.Logger
	backend Backend
	table   *table

	mu       sync.Mutex
	cond     *sync.Cond
	running  bool
	closed   bool
	started  uint64
	finished uint64
	cancel   context.CancelFunc
	wg       *conc.WaitGroup
}

// New creates a Service with the backend selected by cfg.Backend.
// It fails when the requested backend cannot be initialised.
func New(cfg Config) (*Service, error) {
	cfg = cfg.withDefaults()
	b, err := NewBackend(cfg.Backend, cfg.logger())
	if err != nil {
		return nil, err
	}
	return NewWithBackend(cfg, b), nil
}

// NewWithBackend creates a Service using b.
func NewWithBackend(cfg Config, b Backend) *Service {
	cfg = cfg.withDefaults()
	log := cfg.logger().With().Str("backend", b.Name()).Logger()
	s := &Service{
		cfg:     cfg,
		log:     log,
		backend: b,
		table:   newTable(b, log),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.PollPeriod <= 0 {
		c.PollPeriod = d.PollPeriod
	}
	if c.Latency <= 0 {
		c.Latency = d.Latency
	}
	return c
}

// Backend returns the name of the backend in use.
func (s *Service) Backend() string {
	return s.backend.Name()
}

// SetPollPeriod sets the polling period in seconds. It must be called
// before Start.
func (s *Service) SetPollPeriod(seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	if seconds <= 0 {
		return xerrors.Errorf("invalid poll period: %v", seconds)
	}
	s.cfg.PollPeriod = seconds
	return nil
}

func (s *Service) period() time.Duration {
	if s.backend.Name() == BackendPoll {
		return seconds(s.cfg.PollPeriod)
	}
	return seconds(s.cfg.Latency)
}

// Start starts delivering notifications. Starting a running service does nothing.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	period := s.period()
	s.running = true
	s.cancel = cancel
	s.wg = conc.NewWaitGroup()
	s.wg.Go(func() { s.loop(ctx, period) })

	s.log.Info().Dur("period", period).Msg("notification service started")
	return nil
}

// Stop stops delivering notifications. It returns once no further
// notification can be delivered. Registrations are kept; Start resumes.
//
// Stop must not be called from Observer.FileNotification.
func (s *Service) Stop() error {
	s.mu.Lock()
	wg, running := s.wg, s.running
	if running {
		s.running = false
		s.cancel()
		s.cond.Broadcast()
	}
	s.mu.Unlock()

	if wg == nil {
		return nil
	}
	wg.Wait()
	if running {
		s.log.Info().Msg("notification service stopped")
	}
	return nil
}

// Close stops the service and releases the backend.
func (s *Service) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.Close()
}

// WaitTillFinishedRun blocks until a cycle started after the call has
// delivered its notifications. It returns at once when the service is not
// running.
//
// WaitTillFinishedRun must not be called from Observer.FileNotification.
func (s *Service) WaitTillFinishedRun() {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.started + 1
	for s.running && s.finished < target {
		s.cond.Wait()
	}
}

// AddObserver subscribes o to changes of path.
//
// It returns false, changing nothing, when the path does not satisfy the
// watch type: the parent directory of a file must exist, a directory must
// exist. Adding the same observer and path again replaces the flags and
// the watch type.
func (s *Service) AddObserver(o Observer, path string, wt WatchType, flags Flags) bool {
	return s.table.add(o, path, wt, flags)
}

// RemoveObserver unsubscribes o from path. Unknown observers and paths are ignored.
func (s *Service) RemoveObserver(o Observer, path string) {
	s.table.remove(o, path)
}

// NumberOfObservedLocations returns the number of distinct paths with at
// least one subscription.
func (s *Service) NumberOfObservedLocations() int {
	return s.table.count()
}

func (s *Service) loop(ctx context.Context, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.runCycle()
	}
}

func (s *Service) runCycle() {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()

	evs, err := s.backend.Collect()
	if err != nil {
		s.log.Warn().Err(err).Msg("backend error")
	}

	b, d := s.table.dispatch(translate(evs))
	for _, n := range b.items {
		s.notify(n)
	}
	s.table.cleanup(d)

	s.mu.Lock()
	s.finished++
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Service) notify(n delivery) {
	s.log.Trace().Str("path", n.path).Stringer("flags", n.flags).Msg("notify")

	var pc panics.Catcher
	pc.Try(func() { n.observer.FileNotification(n.path, n.flags) })
	if r := pc.Recovered(); r != nil {
		s.log.Error().Str("path", n.path).Interface("panic", r.Value).
			Bytes("stack", r.Stack).Msg("observer panicked")
	}
}
