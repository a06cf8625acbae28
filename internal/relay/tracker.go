package relay

import (
	"errors"
	"sync"
)

var (
	ErrNotRegistered  = errors.New("identity not registered")
	ErrUnknownChannel = errors.New("unknown channel")
)

// Tracker remembers registered identities and the channels each has joined.
// The channel set is fixed at construction.
type Tracker struct {
	channels []string
	known    map[string]struct{}

	mu    sync.RWMutex
	peers map[string]map[string]struct{}
}

func NewTracker(channels []string) *Tracker {
	t := &Tracker{
		channels: append([]string(nil), channels...),
		known:    make(map[string]struct{}, len(channels)),
		peers:    make(map[string]map[string]struct{}),
	}
	for _, c := range channels {
		t.known[c] = struct{}{}
	}
	return t
}

// Channels returns the channel list in configuration order.
func (t *Tracker) Channels() []string {
	return append([]string(nil), t.channels...)
}

// Register adds identity. It reports whether the identity is new.
func (t *Tracker) Register(identity string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.peers[identity]; ok {
		return false
	}
	t.peers[identity] = make(map[string]struct{})
	return true
}

// Join records identity as a member of channel.
func (t *Tracker) Join(identity, channel string) error {
	if _, ok := t.known[channel]; !ok {
		return ErrUnknownChannel
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	joined, ok := t.peers[identity]
	if !ok {
		return ErrNotRegistered
	}
	joined[channel] = struct{}{}
	return nil
}

// IsMember reports whether identity has joined channel.
func (t *Tracker) IsMember(identity, channel string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.peers[identity][channel]
	return ok
}

// Peers returns the number of registered identities.
func (t *Tracker) Peers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
