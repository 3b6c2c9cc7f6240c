package moder

import (
	"container/list"
	"crypto/sha256"
	"fmt"
	"sync"
)

// AnalysisResult is a classification outcome cached per message text.
type AnalysisResult struct {
	Inappropriate      bool `json:"inappropriate"`
	IsQuestion         bool `json:"question"`
	DisallowedLanguage bool `json:"foreign_language"`
}

// AnalysisCache is a bounded cache of classifier results keyed by a content hash of the
// raw text. Raw, not normalized: case can matter for the downstream classifier prompt,
// so differently-cased duplicates are distinct entries. Eviction is strict insertion
// order, not LRU; per-entry access counts are tracked for stats but never consulted by
// eviction. Downstream hit-rate statistics assume this exact policy. Thread-safe.
type AnalysisCache struct {
	maxSize int
	entries map[string]*analysisEntry
	order   *list.List // insertion order, oldest at front
	hits    int
	misses  int
	mu      sync.Mutex
}

type analysisEntry struct {
	result      AnalysisResult
	accessCount int
	elem        *list.Element // holds the key
}

// NewAnalysisCache creates an AnalysisCache with the given capacity.
func NewAnalysisCache(maxSize int) *AnalysisCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &AnalysisCache{
		maxSize: maxSize,
		entries: make(map[string]*analysisEntry),
		order:   list.New(),
	}
}

// Get returns the cached result for the text, if present.
func (c *AnalysisCache) Get(text string) (AnalysisResult, bool) {
	key := fingerprint(text)
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return AnalysisResult{}, false
	}
	e.accessCount++
	c.hits++
	return e.result, true
}

// Set stores the result for the text, evicting the oldest-inserted entry when full.
// An existing key is overwritten in place and keeps its insertion position.
func (c *AnalysisCache) Set(text string, result AnalysisResult) {
	key := fingerprint(text)
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.result = result
		return
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.entries, front.Value.(string))
		}
	}

	c.entries[key] = &analysisEntry{result: result, elem: c.order.PushBack(key)}
}

// Len returns the number of cached entries.
func (c *AnalysisCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns accumulated hit and miss counts.
func (c *AnalysisCache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// fingerprint returns sha256 hash of the raw text, used as the cache key
func fingerprint(text string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(text)))
}
