// Package session ties identity and the active channel to the poll loop and
// the reconciliation engine. Nothing polls or sends without a registered
// identity, and only one channel is active at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/chatsync/internal/chat"
	"github.com/MikeSquared-Agency/chatsync/internal/metrics"
	"github.com/MikeSquared-Agency/chatsync/internal/poller"
	"github.com/MikeSquared-Agency/chatsync/internal/reconcile"
)

const DefaultSendTimeout = 5 * time.Second

// ErrNotRetryable is returned by Retry for ids that are not a failed send.
var ErrNotRetryable = errors.New("message is not a failed send")

// Backend is the remote chat service.
type Backend interface {
	Register(ctx context.Context, identity string) error
	Join(ctx context.Context, identity, channel string) error
	Fetch(ctx context.Context, identity, channel string) ([]chat.Message, error)
	Send(ctx context.Context, identity, channel, body string, localID uuid.UUID) error
	ListChannels(ctx context.Context) ([]string, error)
}

// Renderer receives a fresh read-only copy of the transcript after every
// change.
type Renderer interface {
	Render(channel string, transcript []chat.Message)
}

type Options struct {
	Backend  Backend
	Renderer Renderer      // optional
	Notifier chat.Notifier // optional

	PollInterval       time.Duration
	FetchTimeout       time.Duration
	SendTimeout        time.Duration
	MatchWindow        time.Duration
	MaxUnmatchedCycles int

	Metrics *metrics.Metrics // optional
	Logger  *slog.Logger
	Now     func() time.Time
}

// State is a point-in-time view of the session.
type State struct {
	Identity string    `json:"identity"`
	Channel  string    `json:"channel,omitempty"`
	JoinedAt time.Time `json:"joined_at,omitempty"`
	Pending  int       `json:"pending"`
	Polling  bool      `json:"polling"`
}

type Session struct {
	backend      Backend
	renderer     Renderer
	notifier     chat.Notifier
	engine       *reconcile.Engine
	scheduler    *poller.Scheduler
	fetchTimeout time.Duration
	sendTimeout  time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	sends  sync.WaitGroup

	renderMu sync.Mutex

	mu         sync.Mutex
	identity   string
	channel    string
	joinedAt   time.Time
	generation uint64
	inFlight   map[uuid.UUID]struct{} // local ids currently being submitted
	resend     map[uuid.UUID]sendJob  // undelivered sends, resubmitted on the next tick
}

func New(opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		backend:      opts.Backend,
		renderer:     opts.Renderer,
		notifier:     opts.Notifier,
		fetchTimeout: opts.FetchTimeout,
		sendTimeout:  opts.SendTimeout,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Now,
		ctx:          ctx,
		cancel:       cancel,
		inFlight:     make(map[uuid.UUID]struct{}),
		resend:       make(map[uuid.UUID]sendJob),
	}
	if s.fetchTimeout <= 0 {
		s.fetchTimeout = poller.DefaultTimeout
	}
	if s.sendTimeout <= 0 {
		s.sendTimeout = DefaultSendTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.notifier == nil {
		s.notifier = chat.Notifiers{}
	}

	s.engine = reconcile.New(reconcile.Options{
		MatchWindow:        opts.MatchWindow,
		MaxUnmatchedCycles: opts.MaxUnmatchedCycles,
	})
	s.scheduler = poller.New(poller.Options{
		Interval: opts.PollInterval,
		Timeout:  s.fetchTimeout,
		Fetch:    s.fetch,
		Sink:     s.apply,
		OnError:  s.fetchFailed,
		Metrics:  opts.Metrics,
		Logger:   s.logger,
	})
	return s
}

// Register performs the identity handshake. Registering a different identity
// than the current one tears down the active channel and its transcript.
func (s *Session) Register(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return chat.ErrEmptyIdentity
	}

	if err := s.backend.Register(ctx, identity); err != nil {
		return fmt.Errorf("register %q: %w", identity, err)
	}

	s.mu.Lock()
	torn := s.identity != "" && s.identity != identity
	if torn {
		s.teardownLocked()
	}
	s.identity = identity
	s.mu.Unlock()

	s.logger.Info("identity registered", "identity", identity, "reset", torn)
	if torn {
		s.render()
	}
	return nil
}

// Join makes channel the active channel. On success the transcript is
// cleared and polling restarts for the new channel; on failure the previous
// channel stays active.
func (s *Session) Join(ctx context.Context, channel string) error {
	channel = strings.TrimSpace(channel)

	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()
	if identity == "" {
		return chat.ErrNoSession
	}
	if channel == "" {
		return chat.ErrEmptyChannel
	}

	joinCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	if err := s.backend.Join(joinCtx, identity, channel); err != nil {
		s.notify(chat.Notice{Kind: chat.NoticeJoinRejected, Identity: identity, Channel: channel, Detail: err.Error()})
		return fmt.Errorf("join %q: %w", channel, err)
	}

	s.mu.Lock()
	if s.identity != identity {
		// Identity changed while the join was in flight.
		s.mu.Unlock()
		return chat.ErrNoSession
	}
	s.generation++
	s.channel = channel
	s.joinedAt = s.now()
	s.engine.Reset()
	clear(s.resend)
	s.metrics.Pending(0)
	tag := poller.Tag{Channel: channel, Generation: s.generation}
	s.scheduler.Start(tag)
	s.mu.Unlock()

	s.logger.Info("channel joined", "identity", identity, "channel", channel, "generation", tag.Generation)
	s.notify(chat.Notice{Kind: chat.NoticeJoined, Identity: identity, Channel: channel})
	s.render()
	return nil
}

// Send echoes body into the transcript right away and submits it in the
// background. The returned message is the optimistic entry. A rejection
// shows up as a Failed entry and a notice; a send that did not reach the
// backend is resubmitted on the next poll tick until it is confirmed or
// runs out of cycles. ctx only supplies values to the submission;
// cancelling it does not abort the send.
func (s *Session) Send(ctx context.Context, body string) (chat.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return chat.Message{}, chat.ErrEmptyBody
	}

	s.mu.Lock()
	if s.identity == "" {
		s.mu.Unlock()
		return chat.Message{}, chat.ErrNoSession
	}
	if s.channel == "" {
		s.mu.Unlock()
		return chat.Message{}, chat.ErrNoChannel
	}
	m := s.engine.AddOptimistic(chat.Message{Author: s.identity, Body: body, SentAt: s.now()})
	s.inFlight[m.LocalID] = struct{}{}
	job := sendJob{identity: s.identity, channel: s.channel, generation: s.generation, msg: m}
	s.metrics.Pending(s.engine.Pending())
	s.mu.Unlock()

	s.render()
	s.dispatch(ctx, job)
	return m, nil
}

// Retry resubmits a failed send under its original local id, restamped with
// the current time. Retrying a send that is still being submitted is a no-op.
func (s *Session) Retry(ctx context.Context, localID uuid.UUID) error {
	s.mu.Lock()
	if s.identity == "" {
		s.mu.Unlock()
		return chat.ErrNoSession
	}
	if s.channel == "" {
		s.mu.Unlock()
		return chat.ErrNoChannel
	}
	if _, busy := s.inFlight[localID]; busy {
		s.mu.Unlock()
		return nil
	}
	m, ok := s.engine.Requeue(localID, s.now())
	if !ok {
		s.mu.Unlock()
		return ErrNotRetryable
	}
	s.inFlight[localID] = struct{}{}
	job := sendJob{identity: s.identity, channel: s.channel, generation: s.generation, msg: m}
	s.metrics.Pending(s.engine.Pending())
	s.mu.Unlock()

	s.logger.Info("retrying send", "channel", job.channel, "local_id", localID)
	s.render()
	s.dispatch(ctx, job)
	return nil
}

// ListChannels asks the backend for the channel list.
func (s *Session) ListChannels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	return s.backend.ListChannels(ctx)
}

// Transcript returns a copy of the active channel's transcript.
func (s *Session) Transcript() []chat.Message {
	return s.engine.Transcript()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Identity: s.identity,
		Channel:  s.channel,
		JoinedAt: s.joinedAt,
		Pending:  s.engine.Pending(),
		Polling:  s.scheduler.State() == poller.Active,
	}
}

// Close stops polling and waits for outstanding sends to settle. Snapshots
// that finish after Close are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	s.scheduler.Stop()
	s.generation++
	clear(s.resend)
	s.mu.Unlock()
	s.cancel()
	s.sends.Wait()
}

func (s *Session) teardownLocked() {
	s.scheduler.Stop()
	s.generation++
	s.channel = ""
	s.joinedAt = time.Time{}
	s.engine.Reset()
	clear(s.resend)
	s.metrics.Pending(0)
}

type sendJob struct {
	identity   string
	channel    string
	generation uint64
	msg        chat.Message
}

func (s *Session) dispatch(parent context.Context, job sendJob) {
	s.sends.Add(1)
	s.submit(parent, job)
}

// submit runs the send in the background. The caller has already counted it
// in s.sends.
func (s *Session) submit(parent context.Context, job sendJob) {
	go func() {
		defer s.sends.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.sendTimeout)
		defer cancel()
		stop := context.AfterFunc(s.ctx, cancel)
		defer stop()
		err := s.backend.Send(ctx, job.identity, job.channel, job.msg.Body, job.msg.LocalID)
		s.finishSend(job, err)
	}()
}

func (s *Session) finishSend(job sendJob, err error) {
	id := job.msg.LocalID

	s.mu.Lock()
	delete(s.inFlight, id)
	if err == nil {
		s.mu.Unlock()
		s.metrics.Send("accepted")
		s.logger.Debug("send accepted", "channel", job.channel, "local_id", id)
		return
	}
	if job.generation != s.generation || s.ctx.Err() != nil {
		s.mu.Unlock()
		s.logger.Debug("dropping send result for a channel no longer active", "channel", job.channel, "local_id", id)
		return
	}

	if !chat.IsRejected(err) {
		// The backend never answered. The entry stays pending and goes out
		// again under the same key; the cycle limit bounds the attempts.
		s.resend[id] = job
		s.mu.Unlock()
		s.metrics.Send(chat.ErrorKind(err))
		s.logger.Warn("send not delivered, resubmitting on next poll", "channel", job.channel, "local_id", id, "kind", chat.ErrorKind(err), "error", err)
		return
	}

	reason := "rejected: " + rejectionReason(err)
	marked := s.engine.MarkFailed(id, reason)
	pending := s.engine.Pending()
	s.mu.Unlock()

	s.metrics.Send(chat.ErrorKind(err))
	s.logger.Warn("send rejected", "channel", job.channel, "local_id", id, "error", err)
	if !marked {
		// Already confirmed by a snapshot, or the transcript was reset.
		return
	}
	s.metrics.SendFailed(pending)
	s.notify(chat.Notice{Kind: chat.NoticeSendRejected, Identity: job.identity, Channel: job.channel, LocalID: id, Detail: reason})
	s.render()
}

func (s *Session) fetch(ctx context.Context, tag poller.Tag) ([]chat.Message, error) {
	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()
	return s.backend.Fetch(ctx, identity, tag.Channel)
}

// apply merges a snapshot unless it was fetched for a channel that is no
// longer active.
func (s *Session) apply(tag poller.Tag, snapshot []chat.Message) {
	s.mu.Lock()
	if tag.Generation != s.generation || tag.Channel != s.channel {
		s.mu.Unlock()
		s.logger.Debug("discarding stale snapshot", "channel", tag.Channel, "generation", tag.Generation)
		return
	}
	res := s.engine.Merge(snapshot)
	identity := s.identity
	resubmit := s.takeResendsLocked()
	s.mu.Unlock()

	for _, job := range resubmit {
		s.logger.Debug("resubmitting send", "channel", job.channel, "local_id", job.msg.LocalID)
		s.submit(s.ctx, job)
	}

	s.metrics.Merged(res.Confirmed, res.Inserted, len(res.Failed), res.Pending)
	for _, m := range res.Failed {
		s.logger.Warn("send never confirmed", "channel", tag.Channel, "local_id", m.LocalID)
		s.notify(chat.Notice{Kind: chat.NoticeSendFailed, Identity: identity, Channel: tag.Channel, LocalID: m.LocalID, Detail: m.FailReason})
	}
	if res.Changed() {
		s.render()
	}
}

// takeResendsLocked drains the resend queue, keeping only sends that are
// still pending in the current generation. Each returned job is already
// counted in s.sends so Close waits for it.
func (s *Session) takeResendsLocked() []sendJob {
	var jobs []sendJob
	for id, job := range s.resend {
		delete(s.resend, id)
		if job.generation != s.generation {
			continue
		}
		m, ok := s.engine.Lookup(id)
		if !ok || m.Origin != chat.Local {
			continue
		}
		s.inFlight[id] = struct{}{}
		s.sends.Add(1)
		job.msg = m
		jobs = append(jobs, job)
	}
	return jobs
}

func (s *Session) fetchFailed(tag poller.Tag, err error) {
	if chat.IsTransient(err) {
		return
	}
	s.mu.Lock()
	current := tag.Generation == s.generation
	identity := s.identity
	s.mu.Unlock()
	if !current {
		return
	}
	s.notify(chat.Notice{Kind: chat.NoticeFetchFailed, Identity: identity, Channel: tag.Channel, Detail: err.Error()})
}

func (s *Session) notify(n chat.Notice) {
	if n.At.IsZero() {
		n.At = s.now()
	}
	s.notifier.Notify(n)
}

func (s *Session) render() {
	if s.renderer == nil {
		return
	}
	s.renderMu.Lock()
	defer s.renderMu.Unlock()

	s.mu.Lock()
	channel := s.channel
	view := s.engine.Transcript()
	s.mu.Unlock()
	s.renderer.Render(channel, view)
}

func rejectionReason(err error) string {
	var rej *chat.RejectedError
	if errors.As(err, &rej) && rej.Reason != "" {
		return rej.Reason
	}
	return err.Error()
}
