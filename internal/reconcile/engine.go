// Package reconcile owns the transcript of the active channel and merges
// optimistic local sends with the snapshots polled from the backend.
//
// The backend has no push channel: a send only becomes visible to others
// once a later snapshot contains a message with the same author and body.
// The engine pairs every optimistic entry with its server copy inside a
// small time window, so the user never sees the same line twice, and turns
// entries that never show up into visible failures.
package reconcile

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/MikeSquared-Agency/chatsync/internal/chat"
)

const (
	// DefaultMatchWindow absorbs clock skew between the client send time
	// and the time the backend stamps on receipt.
	DefaultMatchWindow = 5 * time.Second

	// DefaultMaxUnmatchedCycles is how many merges a pending send may miss
	// before it is marked failed.
	DefaultMaxUnmatchedCycles = 5
)

// Options tune an Engine. Zero values select the defaults.
type Options struct {
	MatchWindow        time.Duration
	MaxUnmatchedCycles int

	// NewID generates local ids; uuid.New when nil.
	NewID func() uuid.UUID
}

// MergeResult summarises what a single Merge changed.
type MergeResult struct {
	Confirmed int            // optimistic entries replaced by their server copy
	Inserted  int            // server entries added without a local counterpart
	Failed    []chat.Message // entries that turned Failed during this merge
	Pending   int            // pending sends left after the merge
}

// Changed reports whether the merge altered the transcript.
func (r MergeResult) Changed() bool {
	return r.Confirmed > 0 || r.Inserted > 0 || len(r.Failed) > 0
}

type entry struct {
	msg chat.Message
	seq uint64 // insertion order, breaks sentAt ties

	// firstSent is the stamp of the first submission of a retried send. The
	// backend may still hold that attempt, so matching accepts either time.
	firstSent time.Time
}

type pendingSend struct {
	unmatched int
}

// contentKey identifies an (author, body, sentAt) triple.
type contentKey struct {
	author string
	body   string
	at     int64
}

func keyOf(m chat.Message) contentKey {
	return contentKey{author: m.Author, body: m.Body, at: m.SentAt.UnixNano()}
}

// Engine is safe for concurrent use; every operation runs under one mutex so
// a merge never interleaves with AddOptimistic.
type Engine struct {
	window       time.Duration
	maxUnmatched int
	newID        func() uuid.UUID

	mu         sync.Mutex
	transcript []entry
	pending    map[uuid.UUID]*pendingSend
	cycles     int
	seq        uint64
}

// New creates an empty engine.
func New(opts Options) *Engine {
	e := &Engine{
		window:       opts.MatchWindow,
		maxUnmatched: opts.MaxUnmatchedCycles,
		newID:        opts.NewID,
		pending:      make(map[uuid.UUID]*pendingSend),
	}
	if e.window <= 0 {
		e.window = DefaultMatchWindow
	}
	if e.maxUnmatched <= 0 {
		e.maxUnmatched = DefaultMaxUnmatchedCycles
	}
	if e.newID == nil {
		e.newID = uuid.New
	}
	return e
}

// AddOptimistic records a locally typed message. It gets a fresh local id,
// origin Local, and is visible in Transcript as soon as this returns.
func (e *Engine) AddOptimistic(m chat.Message) chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	m.Origin = chat.Local
	m.LocalID = e.newID()
	m.FailReason = ""

	e.insert(entry{msg: m})
	e.pending[m.LocalID] = &pendingSend{}
	return m
}

// Merge folds an authoritative snapshot into the transcript. Merging the same
// snapshot twice leaves the transcript as a single merge did, apart from the
// unmatched-cycle accounting of sends that are still pending.
func (e *Engine) Merge(snapshot []chat.Message) MergeResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cycles++

	// Everything the backend reports is confirmed. Entries already merged by
	// an earlier cycle are skipped so they can never claim a newer local send.
	known := make(map[contentKey]struct{}, len(e.transcript))
	for _, en := range e.transcript {
		if en.msg.Origin == chat.Confirmed {
			known[keyOf(en.msg)] = struct{}{}
		}
	}
	fresh := make([]chat.Message, 0, len(snapshot))
	for _, m := range snapshot {
		m = confirmed(m)
		k := keyOf(m)
		if _, ok := known[k]; ok {
			continue
		}
		known[k] = struct{}{}
		fresh = append(fresh, m)
	}

	var result MergeResult

	matches := e.match(fresh)
	replaced := make(map[int]uint64, len(matches)) // transcript index -> seq
	for _, localIdx := range matches {
		local := e.transcript[localIdx]
		replaced[localIdx] = local.seq
		delete(e.pending, local.msg.LocalID)
	}

	kept := make([]entry, 0, len(e.transcript)+len(fresh))
	for i, en := range e.transcript {
		if _, gone := replaced[i]; gone {
			continue
		}
		kept = append(kept, en)
	}
	for i, m := range fresh {
		if localIdx, ok := matches[i]; ok {
			// The server copy takes over the slot of the local echo.
			kept = append(kept, entry{msg: m, seq: replaced[localIdx]})
			result.Confirmed++
			continue
		}
		e.seq++
		kept = append(kept, entry{msg: m, seq: e.seq})
		result.Inserted++
	}
	e.transcript = kept

	for i := range e.transcript {
		msg := &e.transcript[i].msg
		p, ok := e.pending[msg.LocalID]
		if msg.Origin != chat.Local || !ok {
			continue
		}
		p.unmatched++
		if p.unmatched > e.maxUnmatched {
			msg.Origin = chat.Failed
			msg.FailReason = fmt.Sprintf("not confirmed after %d poll cycles", p.unmatched)
			delete(e.pending, msg.LocalID)
			result.Failed = append(result.Failed, *msg)
		}
	}

	e.sort()
	result.Pending = len(e.pending)
	return result
}

// match pairs fresh snapshot entries with local entries. The returned map
// goes from snapshot index to transcript index. Each side is used at most
// once; the closest pairs in time win.
func (e *Engine) match(fresh []chat.Message) map[int]int {
	type candidate struct {
		snap  int
		local int
		dist  time.Duration
		seq   uint64
	}

	var candidates []candidate
	for i, m := range fresh {
		for j, en := range e.transcript {
			if !en.msg.IsLocal() {
				continue
			}
			if en.msg.Author != m.Author || en.msg.Body != m.Body {
				continue
			}
			d := absDuration(m.SentAt.Sub(en.msg.SentAt))
			if !en.firstSent.IsZero() {
				d = min(d, absDuration(m.SentAt.Sub(en.firstSent)))
			}
			if d > e.window {
				continue
			}
			candidates = append(candidates, candidate{snap: i, local: j, dist: d, seq: en.seq})
		}
	}

	sort.Slice(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.dist != cb.dist {
			return ca.dist < cb.dist
		}
		if ca.snap != cb.snap {
			return ca.snap < cb.snap
		}
		return ca.seq < cb.seq
	})

	matches := make(map[int]int)
	usedLocal := make(map[int]bool)
	for _, c := range candidates {
		if _, ok := matches[c.snap]; ok || usedLocal[c.local] {
			continue
		}
		matches[c.snap] = c.local
		usedLocal[c.local] = true
	}
	return matches
}

// MarkFailed turns a pending send into a Failed entry right away, for sends
// the backend refused. It reports whether localID was pending.
func (e *Engine) MarkFailed(localID uuid.UUID, reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.pending[localID]; !ok {
		return false
	}
	delete(e.pending, localID)
	for i := range e.transcript {
		msg := &e.transcript[i].msg
		if msg.LocalID == localID && msg.Origin == chat.Local {
			msg.Origin = chat.Failed
			msg.FailReason = reason
			return true
		}
	}
	return false
}

// Requeue moves a Failed entry back to pending so it can be sent again
// under the same local id. The entry is restamped with at, since the backend
// stamps the new attempt when it receives it, and moves to its new position.
func (e *Engine) Requeue(localID uuid.UUID, at time.Time) (chat.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := slices.IndexFunc(e.transcript, func(en entry) bool {
		return en.msg.LocalID == localID && en.msg.Origin == chat.Failed
	})
	if i < 0 {
		return chat.Message{}, false
	}
	en := e.transcript[i]
	e.transcript = slices.Delete(e.transcript, i, i+1)

	if en.firstSent.IsZero() {
		en.firstSent = en.msg.SentAt
	}
	en.msg.Origin = chat.Local
	en.msg.FailReason = ""
	if !at.IsZero() {
		en.msg.SentAt = at
	}
	e.insert(en)
	e.pending[localID] = &pendingSend{}
	return en.msg, true
}

// Lookup returns the transcript entry carrying localID.
func (e *Engine) Lookup(localID uuid.UUID) (chat.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	en, ok := lo.Find(e.transcript, func(en entry) bool { return en.msg.LocalID == localID })
	return en.msg, ok
}

// Reset drops the whole transcript, e.g. when the active channel changes.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.transcript = nil
	e.pending = make(map[uuid.UUID]*pendingSend)
	e.cycles = 0
}

// Transcript returns a copy of the ordered transcript.
func (e *Engine) Transcript() []chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	return lo.Map(e.transcript, func(en entry, _ int) chat.Message { return en.msg })
}

// Pending returns the number of sends awaiting confirmation.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Cycles returns how many merges ran since the last Reset.
func (e *Engine) Cycles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycles
}

func (e *Engine) insert(en entry) {
	e.seq++
	en.seq = e.seq
	// The new entry has the highest seq, so it goes after every entry with
	// an equal or earlier sentAt.
	pos := sort.Search(len(e.transcript), func(i int) bool {
		return e.transcript[i].msg.SentAt.After(en.msg.SentAt)
	})
	e.transcript = append(e.transcript, entry{})
	copy(e.transcript[pos+1:], e.transcript[pos:])
	e.transcript[pos] = en
}

func (e *Engine) sort() {
	sort.Slice(e.transcript, func(a, b int) bool {
		ta, tb := e.transcript[a].msg.SentAt, e.transcript[b].msg.SentAt
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return e.transcript[a].seq < e.transcript[b].seq
	})
}

func confirmed(m chat.Message) chat.Message {
	m.Origin = chat.Confirmed
	m.LocalID = uuid.Nil
	m.FailReason = ""
	return m
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
