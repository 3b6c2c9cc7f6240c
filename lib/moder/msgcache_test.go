package moder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCache_AddRecent(t *testing.T) {
	m := NewMessageCache(time.Hour)
	now := time.Now()

	m.Add(1, 100, 10, "first", now.Add(-time.Minute))
	m.Add(1, 100, 11, "second", now)
	m.Add(2, 100, 12, "other room", now)

	msgs := m.Recent(1, 100)
	require.Len(t, msgs, 2)
	assert.Equal(t, 10, msgs[0].ID)
	assert.Equal(t, "second", msgs[1].Text)

	assert.Len(t, m.Recent(2, 100), 1)
	assert.Empty(t, m.Recent(3, 100))
	assert.Equal(t, 2, m.Count(1, 100))
}

func TestMessageCache_LazyPurge(t *testing.T) {
	m := NewMessageCache(time.Hour)
	now := time.Now()

	m.Add(1, 100, 10, "old", now.Add(-2*time.Hour))
	m.Add(1, 100, 11, "fresh", now)

	msgs := m.Recent(1, 100)
	require.Len(t, msgs, 1, "expired entry purged on read")
	assert.Equal(t, "fresh", msgs[0].Text)
}

func TestMessageCache_Cleanup(t *testing.T) {
	m := NewMessageCache(time.Hour)
	now := time.Now()

	m.Add(1, 100, 10, "old", now.Add(-2*time.Hour))
	m.Add(2, 200, 20, "fresh", now)

	m.Cleanup()

	assert.Empty(t, m.Recent(1, 100))
	assert.Len(t, m.Recent(2, 200), 1)
}
