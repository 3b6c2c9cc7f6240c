package moder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrossRoomDetector_MinRoomsBoundary(t *testing.T) {
	const minRooms = 3
	d := NewCrossRoomDetector(time.Hour, minRooms, 0.85)
	text := "amazing crypto signals, write me in private"

	// one room short of the minimum stays clean
	var suspicious bool
	for room := int64(1); room < minRooms; room++ {
		suspicious, _, _ = d.Add(42, text, room)
	}
	assert.False(t, suspicious, "min_rooms-1 distinct rooms must not be suspicious")

	// the message in the min_rooms-th room tips it over
	suspicious, rooms, maxSim := d.Add(42, text, minRooms)
	assert.True(t, suspicious)
	assert.Equal(t, []int64{1, 2, 3}, rooms)
	assert.InDelta(t, 1.0, maxSim, 0.001)
}

func TestCrossRoomDetector_NearDuplicates(t *testing.T) {
	d := NewCrossRoomDetector(time.Hour, 2, 0.85)

	d.Add(42, "join my channel for crypto signals now", 1)
	suspicious, rooms, maxSim := d.Add(42, "join my channel for crypto signals now!", 2)
	assert.True(t, suspicious, "near-identical texts over threshold")
	assert.Equal(t, []int64{1, 2}, rooms)
	assert.Greater(t, maxSim, 0.85)
}

func TestCrossRoomDetector_DissimilarTexts(t *testing.T) {
	d := NewCrossRoomDetector(time.Hour, 2, 0.85)

	d.Add(42, "completely different message about football", 1)
	suspicious, rooms, maxSim := d.Add(42, "join my channel for crypto signals", 2)
	assert.False(t, suspicious)
	assert.Empty(t, rooms)
	assert.Less(t, maxSim, 0.85, "max similarity reported for diagnostics even when clean")
	assert.Greater(t, maxSim, 0.0)
}

func TestCrossRoomDetector_LatestPerRoomWins(t *testing.T) {
	d := NewCrossRoomDetector(time.Hour, 2, 0.85)

	d.Add(42, "spam text spread around", 1)
	d.Add(42, "spam text spread around", 2)
	// a later benign message in room 2 supersedes the spam one for comparison
	suspicious, _, _ := d.Add(42, "what a lovely weather today folks", 2)
	assert.False(t, suspicious)
}

func TestCrossRoomDetector_SeparateUsers(t *testing.T) {
	d := NewCrossRoomDetector(time.Hour, 2, 0.85)

	d.Add(42, "same text here", 1)
	suspicious, _, _ := d.Add(43, "same text here", 2)
	assert.False(t, suspicious, "windows are per user")
}

func TestCrossRoomDetector_Cleanup(t *testing.T) {
	d := NewCrossRoomDetector(50*time.Millisecond, 2, 0.85)

	d.Add(42, "spam text", 1)
	d.Add(42, "spam text", 2)

	time.Sleep(100 * time.Millisecond)
	d.Cleanup()

	// window expired, a fresh message sees no history
	suspicious, rooms, _ := d.Add(42, "spam text", 3)
	assert.False(t, suspicious)
	assert.Empty(t, rooms)
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected float64
	}{
		{"both empty", "", "", 1.0},
		{"identical", "hello", "hello", 1.0},
		{"one empty", "hello", "", 0.0},
		{"single edit", "hello", "hallo", 0.8},
		{"disjoint", "abc", "xyz", 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, similarity(tt.a, tt.b), 0.001)
		})
	}
}

func TestCrossRoomDetector_ManyRooms(t *testing.T) {
	d := NewCrossRoomDetector(time.Hour, 3, 0.85)

	texts := []string{
		"good morning everyone, how was your weekend",
		"did anybody finish the assignment already",
		"the match yesterday was absolutely incredible",
		"I am selling my old bicycle, slightly used",
		"reminder: the meeting moved to thursday",
	}
	for room := int64(1); room <= 5; room++ {
		d.Add(42, texts[room-1], room)
	}
	suspicious, rooms, _ := d.Add(42, "another unique one", 6)
	require.False(t, suspicious, "many rooms but dissimilar texts")
	assert.Empty(t, rooms)
}
