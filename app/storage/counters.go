package storage

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-pkgz/fileutils"
)

// Counters is a durable per (user, room) message counter backed by a JSON file.
// Saves are crash-atomic: marshal to a temp file, rename over the live one, keeping
// one rolling backup of the previous generation. An embedded checksum is verified on
// load, a corrupted live file falls back to the backup, then to an empty state.
// A corrupted counter file never crashes the process.
type Counters struct {
	path      string
	saveEvery int           // batched save threshold in mutations
	retention time.Duration // stale record purge horizon

	data    map[string]*counterRecord
	unsaved int
	mu      sync.Mutex
}

type counterRecord struct {
	Count       int       `json:"count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastUpdated time.Time `json:"last_updated"`
}

type counterFile struct {
	Checksum string                    `json:"checksum"`
	Counters map[string]*counterRecord `json:"counters"`
}

// counts at or below this are persisted immediately, early-message ban logic
// has to survive a crash
const immediateSaveMax = 5

// counts divisible by this are persisted regardless of the batch threshold
const milestoneSave = 25

// NewCounters creates a Counters store and loads the existing state from disk.
func NewCounters(path string, saveEvery int, retention time.Duration) (*Counters, error) {
	if path == "" {
		return nil, fmt.Errorf("counters file path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("can't make counters dir %s: %w", dir, err)
		}
	}
	if saveEvery <= 0 {
		saveEvery = 10
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	res := &Counters{
		path:      path,
		saveEvery: saveEvery,
		retention: retention,
		data:      make(map[string]*counterRecord),
	}
	res.load()
	return res, nil
}

// IncrementAndGet atomically increments the counter for the (user, room) pair and
// returns the new value. Small counts are persisted immediately, larger ones are
// batched every saveEvery mutations or on count milestones.
func (c *Counters) IncrementAndGet(userID, roomID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := counterKey(userID, roomID)
	now := time.Now()
	rec, ok := c.data[key]
	if !ok {
		rec = &counterRecord{FirstSeen: now}
		c.data[key] = rec
	}
	rec.Count++
	rec.LastUpdated = now
	c.unsaved++

	if rec.Count <= immediateSaveMax || c.unsaved >= c.saveEvery || rec.Count%milestoneSave == 0 {
		if err := c.save(); err != nil {
			log.Printf("[WARN] failed to save counters: %v", err)
		}
	}
	return rec.Count
}

// Count returns the current counter for the (user, room) pair, no persistence side effect.
func (c *Counters) Count(userID, roomID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.data[counterKey(userID, roomID)]; ok {
		return rec.Count
	}
	return 0
}

// Flush persists any unsaved state, called on shutdown.
func (c *Counters) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unsaved == 0 {
		return nil
	}
	return c.save()
}

// Cleanup purges records not updated within the retention horizon, returns the purge count.
func (c *Counters) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.retention)
	purged := 0
	for key, rec := range c.data {
		if rec.LastUpdated.Before(cutoff) {
			delete(c.data, key)
			purged++
		}
	}
	if purged > 0 {
		if err := c.save(); err != nil {
			log.Printf("[WARN] failed to save counters after cleanup: %v", err)
		}
		log.Printf("[INFO] purged %d stale counter records", purged)
	}
	return purged
}

// save writes the state to disk atomically, must be called with the lock held
func (c *Counters) save() error {
	body, err := json.Marshal(c.data)
	if err != nil {
		return fmt.Errorf("failed to marshal counters: %w", err)
	}

	wrapped, err := json.MarshalIndent(counterFile{Checksum: checksum(body), Counters: c.data}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal counters file: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, wrapped, 0o600); err != nil {
		return fmt.Errorf("failed to write temp counters file: %w", err)
	}

	// keep the previous generation as a rolling backup
	if _, err := os.Stat(c.path); err == nil {
		if err := fileutils.CopyFile(c.path, c.backupPath()); err != nil {
			log.Printf("[WARN] failed to backup counters file: %v", err)
		}
	}

	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace counters file: %w", err)
	}
	c.unsaved = 0
	return nil
}

// load reads the state from disk, falling back to the backup and then to empty on corruption
func (c *Counters) load() {
	if data, err := c.loadFile(c.path); err == nil {
		c.data = data
		return
	} else if !os.IsNotExist(err) {
		log.Printf("[WARN] counters file corrupted: %v", err)
		c.quarantine()
	}

	if data, err := c.loadFile(c.backupPath()); err == nil {
		log.Printf("[INFO] counters restored from backup %s", c.backupPath())
		c.data = data
		return
	}

	c.data = make(map[string]*counterRecord)
}

func (c *Counters) loadFile(path string) (map[string]*counterRecord, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path is controlled by the app
	if err != nil {
		return nil, err
	}

	var cf counterFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	if cf.Counters == nil {
		cf.Counters = make(map[string]*counterRecord)
	}

	body, err := json.Marshal(cf.Counters)
	if err != nil {
		return nil, fmt.Errorf("failed to re-marshal counters from %s: %w", path, err)
	}
	if cf.Checksum != checksum(body) {
		return nil, fmt.Errorf("checksum mismatch in %s", path)
	}
	return cf.Counters, nil
}

// quarantine renames the corrupted live file aside so the next save starts clean
func (c *Counters) quarantine() {
	dst := c.path + ".corrupted"
	if err := os.Rename(c.path, dst); err != nil {
		log.Printf("[WARN] failed to quarantine corrupted counters file: %v", err)
		return
	}
	log.Printf("[WARN] corrupted counters file moved to %s", dst)
}

func (c *Counters) backupPath() string {
	return filepath.Join(filepath.Dir(c.path), filepath.Base(c.path)+".bak")
}

func counterKey(userID, roomID int64) string {
	return fmt.Sprintf("%d:%d", userID, roomID)
}

func checksum(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
