package store

import (
	"context"
	"sort"
	"sync"
)

// Memory keeps messages in process memory. History is lost on restart.
type Memory struct {
	mu        sync.RWMutex
	nextID    int64
	byChannel map[string][]Message
	byKey     map[string]Message
}

func NewMemory() *Memory {
	return &Memory{
		byChannel: make(map[string][]Message),
		byKey:     make(map[string]Message),
	}
}

// Append has the same idempotency semantics as Store.Append.
func (s *Memory) Append(_ context.Context, m Message) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ""
	if m.IdempotencyKey != "" {
		key = m.Author + "\x00" + m.IdempotencyKey
		if existing, ok := s.byKey[key]; ok {
			return existing, false, nil
		}
	}

	s.nextID++
	m.ID = s.nextID

	msgs := s.byChannel[m.Channel]
	pos := sort.Search(len(msgs), func(i int) bool { return msgs[i].SentAt.After(m.SentAt) })
	msgs = append(msgs, Message{})
	copy(msgs[pos+1:], msgs[pos:])
	msgs[pos] = m
	s.byChannel[m.Channel] = msgs

	if key != "" {
		s.byKey[key] = m
	}
	return m, true, nil
}

// Recent returns the newest limit messages of channel, oldest first.
func (s *Memory) Recent(_ context.Context, channel string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.byChannel[channel]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}
