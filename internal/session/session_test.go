package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/chatsync/internal/chat"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeBackend stores sends in memory and stamps them on receipt, the way the
// relay does.
type fakeBackend struct {
	mu         sync.Mutex
	channels   map[string]bool
	registered map[string]bool
	history    map[string][]chat.Message
	sendKeys   []uuid.UUID
	calls      atomic.Int32

	rejectSends int           // reject this many upcoming sends
	failSends   int           // fail this many upcoming sends with a network error
	dropSends   bool          // accept sends but never store them
	sendGate    chan struct{} // when set, Send blocks until closed
	fetchGate   chan struct{} // when set, fetches of gatedChannel block until closed
	gatedChan   string
	fetchErr    error
	fetchSeen   chan string
}

func newFakeBackend(channels ...string) *fakeBackend {
	fb := &fakeBackend{
		channels:   make(map[string]bool),
		registered: make(map[string]bool),
		history:    make(map[string][]chat.Message),
	}
	for _, c := range channels {
		fb.channels[c] = true
	}
	return fb
}

func (f *fakeBackend) Register(_ context.Context, identity string) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[identity] = true
	return nil
}

func (f *fakeBackend) Join(_ context.Context, identity, channel string) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.channels[channel] {
		return &chat.RejectedError{Op: "join", Code: http.StatusNotFound, Reason: "unknown channel"}
	}
	return nil
}

func (f *fakeBackend) Fetch(_ context.Context, _, channel string) ([]chat.Message, error) {
	f.calls.Add(1)
	f.mu.Lock()
	gate := f.fetchGate
	gated := gate != nil && f.gatedChan == channel
	seen := f.fetchSeen
	f.mu.Unlock()

	if seen != nil {
		select {
		case seen <- channel:
		default:
		}
	}
	if gated {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]chat.Message(nil), f.history[channel]...), nil
}

func (f *fakeBackend) Send(_ context.Context, identity, channel, body string, localID uuid.UUID) error {
	f.calls.Add(1)
	f.mu.Lock()
	gate := f.sendGate
	f.sendKeys = append(f.sendKeys, localID)
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return &chat.NetworkError{Op: "send", Err: errors.New("connection reset by peer")}
	}
	if f.rejectSends > 0 {
		f.rejectSends--
		return &chat.RejectedError{Op: "send", Code: http.StatusTooManyRequests, Reason: "rate limited"}
	}
	if f.dropSends {
		return nil
	}
	f.history[channel] = append(f.history[channel], chat.Message{
		Author: identity,
		Body:   body,
		SentAt: time.Now(),
		Origin: chat.Confirmed,
	})
	return nil
}

func (f *fakeBackend) ListChannels(context.Context) ([]string, error) {
	f.calls.Add(1)
	return []string{"general", "tech"}, nil
}

func (f *fakeBackend) post(channel, author, body string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[channel] = append(f.history[channel], chat.Message{Author: author, Body: body, SentAt: at, Origin: chat.Confirmed})
}

func (f *fakeBackend) keys() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.sendKeys...)
}

type renderRecorder struct {
	mu         sync.Mutex
	channel    string
	last       []chat.Message
	rendered   int
	failedSeen bool
}

func (r *renderRecorder) Render(channel string, transcript []chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel = channel
	r.last = transcript
	r.rendered++
	for _, m := range transcript {
		if m.Origin == chat.Failed {
			r.failedSeen = true
		}
	}
}

func (r *renderRecorder) sawFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedSeen
}

func (r *renderRecorder) view() (string, []chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel, r.last
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []chat.Notice
}

func (n *noticeRecorder) Notify(x chat.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, x)
}

func (n *noticeRecorder) has(kind chat.NoticeKind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range n.notices {
		if x.Kind == kind {
			return true
		}
	}
	return false
}

func (n *noticeRecorder) count(kind chat.NoticeKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var c int
	for _, x := range n.notices {
		if x.Kind == kind {
			c++
		}
	}
	return c
}

func (n *noticeRecorder) find(kind chat.NoticeKind) (chat.Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range n.notices {
		if x.Kind == kind {
			return x, true
		}
	}
	return chat.Notice{}, false
}

type harness struct {
	s       *Session
	fb      *fakeBackend
	renders *renderRecorder
	notices *noticeRecorder
}

func newHarness(t *testing.T, fb *fakeBackend, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{fb: fb, renders: &renderRecorder{}, notices: &noticeRecorder{}}
	opts := Options{
		Backend:            fb,
		Renderer:           h.renders,
		Notifier:           h.notices,
		PollInterval:       10 * time.Millisecond,
		FetchTimeout:       time.Second,
		SendTimeout:        time.Second,
		MaxUnmatchedCycles: 5,
		Logger:             quiet,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.s = New(opts)
	t.Cleanup(func() {
		// Unblock anything a test left gated so Close can drain sends.
		fb.mu.Lock()
		if fb.sendGate != nil {
			select {
			case <-fb.sendGate:
			default:
				close(fb.sendGate)
			}
		}
		fb.mu.Unlock()
		h.s.Close()
	})
	return h
}

func (h *harness) joined(t *testing.T, identity, channel string) {
	t.Helper()
	require.NoError(t, h.s.Register(context.Background(), identity))
	require.NoError(t, h.s.Join(context.Background(), channel))
}

func (h *harness) waitFor(t *testing.T, cond func([]chat.Message) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.s.Transcript()) }, 2*time.Second, 5*time.Millisecond)
}

func TestRegister_EmptyIdentityMakesNoCall(t *testing.T) {
	fb := newFakeBackend("general")
	h := newHarness(t, fb)

	err := h.s.Register(context.Background(), "   ")

	assert.ErrorIs(t, err, chat.ErrEmptyIdentity)
	assert.Zero(t, fb.calls.Load())
	assert.Empty(t, h.s.State().Identity)
}

func TestJoin_RequiresSession(t *testing.T) {
	h := newHarness(t, newFakeBackend("general"))

	err := h.s.Join(context.Background(), "general")

	assert.ErrorIs(t, err, chat.ErrNoSession)
	assert.False(t, h.s.State().Polling)
}

func TestJoin_EmptyChannel(t *testing.T) {
	h := newHarness(t, newFakeBackend("general"))
	require.NoError(t, h.s.Register(context.Background(), "alice"))

	assert.ErrorIs(t, h.s.Join(context.Background(), " "), chat.ErrEmptyChannel)
}

func TestJoin_RejectedKeepsPreviousChannel(t *testing.T) {
	h := newHarness(t, newFakeBackend("general"))
	h.joined(t, "alice", "general")

	err := h.s.Join(context.Background(), "nowhere")

	require.Error(t, err)
	assert.True(t, chat.IsRejected(err))
	st := h.s.State()
	assert.Equal(t, "general", st.Channel)
	assert.True(t, st.Polling)
	assert.True(t, h.notices.has(chat.NoticeJoinRejected))
}

func TestSession_AliceInGeneral(t *testing.T) {
	fb := newFakeBackend("general")
	fb.sendGate = make(chan struct{})
	h := newHarness(t, fb)
	h.joined(t, "alice", "general")

	assert.Empty(t, h.s.Transcript())
	assert.True(t, h.notices.has(chat.NoticeJoined))

	m, err := h.s.Send(context.Background(), "hi")
	require.NoError(t, err)

	// Visible before the backend has accepted anything.
	view := h.s.Transcript()
	require.Len(t, view, 1)
	assert.Equal(t, chat.Local, view[0].Origin)
	assert.Equal(t, "alice", view[0].Author)
	assert.Equal(t, m.LocalID, view[0].LocalID)
	_, rendered := h.renders.view()
	require.Len(t, rendered, 1)

	fb.mu.Lock()
	close(fb.sendGate)
	fb.mu.Unlock()

	h.waitFor(t, func(v []chat.Message) bool {
		return len(v) == 1 && v[0].Origin == chat.Confirmed
	})
	assert.Equal(t, "hi", h.s.Transcript()[0].Body)
	assert.Zero(t, h.s.State().Pending)
	assert.Equal(t, []uuid.UUID{m.LocalID}, fb.keys())

	channel, rendered := h.renders.view()
	assert.Equal(t, "general", channel)
	require.Len(t, rendered, 1)
	assert.Equal(t, chat.Confirmed, rendered[0].Origin)
}

func TestSession_OthersMessagesAppearInOrder(t *testing.T) {
	fb := newFakeBackend("general")
	t0 := time.Now().Add(-time.Minute)
	fb.post("general", "bob", "first", t0)
	fb.post("general", "carol", "second", t0.Add(time.Second))
	h := newHarness(t, fb)
	h.joined(t, "alice", "general")

	h.waitFor(t, func(v []chat.Message) bool { return len(v) == 2 })

	fb.post("general", "alice", "hi", t0.Add(2*time.Second))
	h.waitFor(t, func(v []chat.Message) bool { return len(v) == 3 })

	view := h.s.Transcript()
	assert.Equal(t, []string{"first", "second", "hi"}, []string{view[0].Body, view[1].Body, view[2].Body})
	for _, m := range view {
		assert.Equal(t, chat.Confirmed, m.Origin)
	}
}

func TestSend_Validation(t *testing.T) {
	fb := newFakeBackend("general")
	h := newHarness(t, fb)

	_, err := h.s.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, chat.ErrNoSession)

	require.NoError(t, h.s.Register(context.Background(), "alice"))
	_, err = h.s.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, chat.ErrNoChannel)

	require.NoError(t, h.s.Join(context.Background(), "general"))
	_, err = h.s.Send(context.Background(), " \n ")
	assert.ErrorIs(t, err, chat.ErrEmptyBody)

	assert.Empty(t, fb.keys())
	assert.Empty(t, h.s.Transcript())
}

func TestSend_RejectedIsFailedImmediately(t *testing.T) {
	fb := newFakeBackend("general")
	fb.rejectSends = 1
	h := newHarness(t, fb, func(o *Options) { o.PollInterval = time.Hour })
	h.joined(t, "alice", "general")

	m, err := h.s.Send(context.Background(), "spam")
	require.NoError(t, err)

	h.waitFor(t, func(v []chat.Message) bool { return len(v) == 1 && v[0].Origin == chat.Failed })
	assert.Contains(t, h.s.Transcript()[0].FailReason, "rate limited")
	assert.Zero(t, h.s.State().Pending)

	n, ok := h.notices.find(chat.NoticeSendRejected)
	require.True(t, ok)
	assert.Equal(t, m.LocalID, n.LocalID)
	assert.Equal(t, "general", n.Channel)
}

func TestSend_NeverConfirmedBecomesFailed(t *testing.T) {
	fb := newFakeBackend("general")
	fb.dropSends = true
	h := newHarness(t, fb, func(o *Options) { o.MaxUnmatchedCycles = 2 })
	h.joined(t, "alice", "general")

	m, err := h.s.Send(context.Background(), "into the void")
	require.NoError(t, err)

	h.waitFor(t, func(v []chat.Message) bool { return len(v) == 1 && v[0].Origin == chat.Failed })
	n, ok := h.notices.find(chat.NoticeSendFailed)
	require.True(t, ok)
	assert.Equal(t, m.LocalID, n.LocalID)
}

func TestRetry_ResubmitsUnderSameKey(t *testing.T) {
	fb := newFakeBackend("general")
	fb.rejectSends = 1
	h := newHarness(t, fb)
	h.joined(t, "alice", "general")

	m, err := h.s.Send(context.Background(), "hello again")
	require.NoError(t, err)
	h.waitFor(t, func(v []chat.Message) bool { return len(v) == 1 && v[0].Origin == chat.Failed })

	require.NoError(t, h.s.Retry(context.Background(), m.LocalID))

	h.waitFor(t, func(v []chat.Message) bool { return len(v) == 1 && v[0].Origin == chat.Confirmed })
	assert.Equal(t, []uuid.UUID{m.LocalID, m.LocalID}, fb.keys())
}

func TestRetry_LongAfterFirstAttemptIsConfirmed(t *testing.T) {
	fb := newFakeBackend("general")
	fb.rejectSends = 1
	var skew atomic.Int64
	skew.Store(int64(-30 * time.Second))
	h := newHarness(t, fb, func(o *Options) {
		o.MaxUnmatchedCycles = 3
		o.Now = func() time.Time { return time.Now().Add(time.Duration(skew.Load())) }
	})
	h.joined(t, "alice", "general")

	m, err := h.s.Send(context.Background(), "hello again")
	require.NoError(t, err)
	h.waitFor(t, func(v []chat.Message) bool { return len(v) == 1 && v[0].Origin == chat.Failed })

	// Well past the match window since the first attempt.
	skew.Store(0)
	require.NoError(t, h.s.Retry(context.Background(), m.LocalID))

	h.waitFor(t, func(v []chat.Message) bool { return len(v) == 1 && v[0].Origin == chat.Confirmed })
	time.Sleep(60 * time.Millisecond)

	view := h.s.Transcript()
	require.Len(t, view, 1, "the server copy replaces the retried entry")
	assert.Equal(t, chat.Confirmed, view[0].Origin)
	assert.Zero(t, h.notices.count(chat.NoticeSendFailed))
	assert.Equal(t, 1, h.notices.count(chat.NoticeSendRejected))
}

func TestSend_UndeliveredIsResubmittedUnderSameKey(t *testing.T) {
	fb := newFakeBackend("general")
	fb.failSends = 1
	h := newHarness(t, fb)
	h.joined(t, "alice", "general")

	m, err := h.s.Send(context.Background(), "flaky network")
	require.NoError(t, err)

	h.waitFor(t, func(v []chat.Message) bool { return len(v) == 1 && v[0].Origin == chat.Confirmed })
	assert.Equal(t, []uuid.UUID{m.LocalID, m.LocalID}, fb.keys())
	assert.Zero(t, h.s.State().Pending)
	assert.False(t, h.renders.sawFailed(), "a transport error is never shown as a failure")
	assert.False(t, h.notices.has(chat.NoticeSendFailed))
	assert.False(t, h.notices.has(chat.NoticeSendRejected))
}

func TestSend_UndeliverableFailsAfterCycleLimit(t *testing.T) {
	fb := newFakeBackend("general")
	fb.failSends = 1000
	h := newHarness(t, fb, func(o *Options) { o.MaxUnmatchedCycles = 2 })
	h.joined(t, "alice", "general")

	m, err := h.s.Send(context.Background(), "offline")
	require.NoError(t, err)

	h.waitFor(t, func(v []chat.Message) bool { return len(v) == 1 && v[0].Origin == chat.Failed })
	assert.Contains(t, h.s.Transcript()[0].FailReason, "not confirmed")
	n, ok := h.notices.find(chat.NoticeSendFailed)
	require.True(t, ok)
	assert.Equal(t, m.LocalID, n.LocalID)
	for _, k := range fb.keys() {
		assert.Equal(t, m.LocalID, k)
	}
	assert.Greater(t, len(fb.keys()), 1)
}

func TestRetry_InFlightIsNoop(t *testing.T) {
	fb := newFakeBackend("general")
	fb.sendGate = make(chan struct{})
	h := newHarness(t, fb)
	h.joined(t, "alice", "general")

	m, err := h.s.Send(context.Background(), "slow")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fb.keys()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.s.Retry(context.Background(), m.LocalID))
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, fb.keys(), 1)
}

func TestRetry_UnknownMessage(t *testing.T) {
	h := newHarness(t, newFakeBackend("general"))
	h.joined(t, "alice", "general")

	err := h.s.Retry(context.Background(), uuid.New())

	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestJoin_SwitchDiscardsStaleSnapshot(t *testing.T) {
	fb := newFakeBackend("general", "tech")
	fb.post("general", "bob", "only in general", time.Now())
	fb.fetchGate = make(chan struct{})
	fb.gatedChan = "general"
	fb.fetchSeen = make(chan string, 1)
	h := newHarness(t, fb, func(o *Options) { o.PollInterval = time.Hour })

	h.joined(t, "alice", "general")
	require.Equal(t, "general", <-fb.fetchSeen)

	require.NoError(t, h.s.Join(context.Background(), "tech"))
	close(fb.fetchGate)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, "tech", h.s.State().Channel)
	assert.Empty(t, h.s.Transcript())
}

func TestRegister_DifferentIdentityTearsDown(t *testing.T) {
	fb := newFakeBackend("general")
	fb.post("general", "bob", "morning", time.Now())
	h := newHarness(t, fb)
	h.joined(t, "alice", "general")
	h.waitFor(t, func(v []chat.Message) bool { return len(v) == 1 })

	require.NoError(t, h.s.Register(context.Background(), "alice"))
	assert.Equal(t, "general", h.s.State().Channel, "same identity keeps the channel")

	require.NoError(t, h.s.Register(context.Background(), "mallory"))

	st := h.s.State()
	assert.Equal(t, "mallory", st.Identity)
	assert.Empty(t, st.Channel)
	assert.False(t, st.Polling)
	assert.Empty(t, h.s.Transcript())
}

func TestFetchErrors_OnlyServerErrorsNotify(t *testing.T) {
	fb := newFakeBackend("general")
	fb.fetchErr = &chat.NetworkError{Op: "fetch", Err: errors.New("connection refused")}
	h := newHarness(t, fb)
	h.joined(t, "alice", "general")

	time.Sleep(40 * time.Millisecond)
	assert.False(t, h.notices.has(chat.NoticeFetchFailed))
	assert.True(t, h.s.State().Polling, "transient errors never end the session")

	fb.mu.Lock()
	fb.fetchErr = &chat.ServerError{Op: "fetch", Code: http.StatusInternalServerError, Message: "boom"}
	fb.mu.Unlock()

	require.Eventually(t, func() bool { return h.notices.has(chat.NoticeFetchFailed) }, time.Second, 5*time.Millisecond)
	assert.True(t, h.s.State().Polling)
}

func TestListChannels(t *testing.T) {
	h := newHarness(t, newFakeBackend("general"))

	channels, err := h.s.ListChannels(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"general", "tech"}, channels)
}

func TestClose_DiscardsSnapshotArrivingAfterwards(t *testing.T) {
	h := newHarness(t, newFakeBackend("general"), func(o *Options) { o.PollInterval = time.Hour })
	h.joined(t, "alice", "general")
	tag, ok := h.s.scheduler.Current()
	require.True(t, ok)

	h.s.Close()
	h.s.apply(tag, []chat.Message{{Author: "bob", Body: "too late", SentAt: time.Now(), Origin: chat.Confirmed}})

	assert.Empty(t, h.s.Transcript())
}

func TestClose_StopsPolling(t *testing.T) {
	fb := newFakeBackend("general")
	h := newHarness(t, fb)
	h.joined(t, "alice", "general")

	h.s.Close()
	settled := fb.calls.Load()
	time.Sleep(30 * time.Millisecond)

	assert.False(t, h.s.State().Polling)
	assert.LessOrEqual(t, fb.calls.Load(), settled+1)
}
