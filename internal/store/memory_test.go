package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_AppendAndRecent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC)

	for i, body := range []string{"one", "two", "three"} {
		_, created, err := s.Append(ctx, Message{Channel: "general", Author: "bob", Body: body, SentAt: t0.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
		assert.True(t, created)
	}
	_, _, err := s.Append(ctx, Message{Channel: "tech", Author: "bob", Body: "elsewhere", SentAt: t0})
	require.NoError(t, err)

	all, err := s.Recent(ctx, "general", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "one", all[0].Body)
	assert.Equal(t, "three", all[2].Body)
	assert.Less(t, all[0].ID, all[2].ID)

	last, err := s.Recent(ctx, "general", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, []string{last[0].Body, last[1].Body})

	none, err := s.Recent(ctx, "random", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemory_KeepsChannelOrderedBySentAt(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	t0 := time.Now()

	s.Append(ctx, Message{Channel: "general", Author: "a", Body: "late", SentAt: t0.Add(time.Second)})
	s.Append(ctx, Message{Channel: "general", Author: "b", Body: "early", SentAt: t0})

	msgs, _ := s.Recent(ctx, "general", 0)
	require.Len(t, msgs, 2)
	assert.Equal(t, "early", msgs[0].Body)
}

func TestMemory_IdempotencyKey(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	t0 := time.Now()

	first, created, err := s.Append(ctx, Message{Channel: "general", Author: "alice", Body: "hi", SentAt: t0, IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := s.Append(ctx, Message{Channel: "general", Author: "alice", Body: "hi", SentAt: t0.Add(time.Second), IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, again)

	// Keys are scoped per author.
	_, created, err = s.Append(ctx, Message{Channel: "general", Author: "bob", Body: "hi", SentAt: t0, IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, created)

	msgs, _ := s.Recent(ctx, "general", 10)
	assert.Len(t, msgs, 2)
}
