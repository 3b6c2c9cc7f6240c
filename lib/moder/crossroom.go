package moder

import (
	"sort"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	cache "github.com/go-pkgz/expirable-cache/v3"
)

// CrossRoomDetector flags near-duplicate content spread by one user across multiple rooms
// within a rolling time window. Only the latest message per room participates in the
// comparison, older same-room entries are superseded. Thread-safe.
type CrossRoomDetector struct {
	window       time.Duration
	minRooms     int
	simThreshold float64
	cache        cache.Cache[int64, spamWindow]
	mu           sync.Mutex
}

type spamWindow struct {
	entries []spamEntry
}

type spamEntry struct {
	time time.Time
	text string
	room int64
}

// NewCrossRoomDetector creates a detector. minRooms is the smallest number of distinct
// rooms to consider suspicious, simThreshold is the normalized similarity to link a pair.
func NewCrossRoomDetector(window time.Duration, minRooms int, simThreshold float64) *CrossRoomDetector {
	const defaultMaxUsers = 10000
	if minRooms < 2 {
		minRooms = 2
	}
	if simThreshold <= 0 {
		simThreshold = 0.85
	}
	if window <= 0 {
		window = 2 * time.Hour
	}
	return &CrossRoomDetector{
		window:       window,
		minRooms:     minRooms,
		simThreshold: simThreshold,
		cache:        cache.NewCache[int64, spamWindow]().WithMaxKeys(defaultMaxUsers).WithTTL(window * 2),
	}
}

// Add appends the message to the user's rolling window and checks for cross-room spam.
// It returns whether the spread is suspicious, the rooms linked by near-duplicate pairs
// and the maximum pairwise similarity observed, reported regardless of the outcome.
func (d *CrossRoomDetector) Add(userID int64, text string, roomID int64) (suspicious bool, rooms []int64, maxSim float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	win, _ := d.cache.Get(userID)

	cutoff := now.Add(-d.window)
	fresh := make([]spamEntry, 0, len(win.entries)+1)
	for _, e := range win.entries {
		if e.time.After(cutoff) {
			fresh = append(fresh, e)
		}
	}
	fresh = append(fresh, spamEntry{time: now, text: text, room: roomID})
	d.cache.Set(userID, spamWindow{entries: fresh}, d.window*2)

	// latest message per room, later entries supersede earlier ones
	latest := make(map[int64]string)
	for _, e := range fresh {
		latest[e.room] = e.text
	}
	if len(latest) < d.minRooms {
		return false, nil, 0
	}

	ids := make([]int64, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	linked := make(map[int64]struct{})
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			sim := similarity(latest[ids[i]], latest[ids[j]])
			if sim > maxSim {
				maxSim = sim
			}
			if sim >= d.simThreshold {
				linked[ids[i]] = struct{}{}
				linked[ids[j]] = struct{}{}
			}
		}
	}

	rooms = make([]int64, 0, len(linked))
	for id := range linked {
		rooms = append(rooms, id)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })

	return len(rooms) >= d.minRooms, rooms, maxSim
}

// Cleanup sweeps expired window entries across all users, independent of Add calls.
// Prevents unbounded growth for users who went silent.
func (d *CrossRoomDetector) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-d.window)
	for _, userID := range d.cache.Keys() {
		win, found := d.cache.Get(userID)
		if !found {
			continue
		}
		fresh := win.entries[:0]
		for _, e := range win.entries {
			if e.time.After(cutoff) {
				fresh = append(fresh, e)
			}
		}
		if len(fresh) == 0 {
			d.cache.Invalidate(userID)
			continue
		}
		d.cache.Set(userID, spamWindow{entries: fresh}, d.window*2)
	}
}

// similarity is normalized edit-distance similarity, 1 - dist/max(len).
// two empty strings are defined as fully similar.
func similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	if la == 0 && lb == 0 {
		return 1.0
	}
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(maxLen)
}
