// Package poller drives periodic snapshot fetches for the active channel.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MikeSquared-Agency/chatsync/internal/chat"
	"github.com/MikeSquared-Agency/chatsync/internal/metrics"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 5 * time.Second
)

type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// Tag identifies the activation a fetch was issued for. Results carrying a
// tag that is no longer current must be dropped.
type Tag struct {
	Channel    string
	Generation uint64
}

type (
	FetchFunc func(ctx context.Context, tag Tag) ([]chat.Message, error)
	SinkFunc  func(tag Tag, snapshot []chat.Message)
	ErrorFunc func(tag Tag, err error)
)

type Options struct {
	Interval time.Duration
	Timeout  time.Duration

	Fetch   FetchFunc
	Sink    SinkFunc
	OnError ErrorFunc // optional

	Metrics *metrics.Metrics // optional
	Logger  *slog.Logger
}

// Scheduler is an Idle/Active state machine. While Active it fetches on a
// fixed interval and hands every snapshot to the sink. A tick that fires
// while the previous fetch is still running is skipped, never queued.
type Scheduler struct {
	interval time.Duration
	timeout  time.Duration
	fetch    FetchFunc
	sink     SinkFunc
	onError  ErrorFunc
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	state  State
	tag    Tag
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		interval: opts.Interval,
		timeout:  opts.Timeout,
		fetch:    opts.Fetch,
		sink:     opts.Sink,
		onError:  opts.OnError,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Start moves the scheduler to Active for tag. An already active schedule is
// stopped first, so switching channels is a single call. The first fetch is
// issued immediately.
func (s *Scheduler) Start(tag Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	s.state = Active
	s.tag = tag
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("polling started", "channel", tag.Channel, "generation", tag.Generation, "interval", s.interval)
	go s.run(ctx, tag, s.done)
}

// Stop returns the scheduler to Idle. An in-flight fetch is cancelled and
// its result discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.state == Idle {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("polling stopped", "channel", s.tag.Channel, "generation", s.tag.Generation)
	s.state = Idle
	s.tag = Tag{}
	s.cancel = nil
	s.done = nil
}

// State reports the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the active tag.
func (s *Scheduler) Current() (Tag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tag, s.state == Active
}

func (s *Scheduler) run(ctx context.Context, tag Tag, done chan struct{}) {
	defer close(done)

	// One flag per activation: a fetch left over from a previous channel
	// must not block the first tick of the next one.
	var inFlight atomic.Bool

	s.tick(ctx, tag, &inFlight)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.tick(ctx, tag, &inFlight)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, tag Tag, inFlight *atomic.Bool) {
	if !inFlight.CompareAndSwap(false, true) {
		s.metrics.TickSkipped()
		s.logger.Debug("poll tick skipped, fetch in flight", "channel", tag.Channel)
		return
	}
	s.metrics.Tick()

	go func() {
		defer inFlight.Store(false)

		fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		snapshot, err := s.fetch(fetchCtx, tag)
		if ctx.Err() != nil {
			s.logger.Debug("discarding fetch result for stopped schedule", "channel", tag.Channel)
			return
		}
		if err != nil {
			s.metrics.FetchError(chat.ErrorKind(err))
			s.logger.Warn("snapshot fetch failed", "channel", tag.Channel, "kind", chat.ErrorKind(err), "error", err)
			if s.onError != nil {
				s.onError(tag, err)
			}
			return
		}
		s.sink(tag, snapshot)
	}()
}
