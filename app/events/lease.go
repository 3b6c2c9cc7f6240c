package events

import (
	"log"
	"sync"
	"time"
)

// Leases is a set of named, time-boxed mutual-exclusion tokens. A scheduled job
// acquires a lease before running to guarantee at most one concurrent execution per
// named operation. A lease held past its deadline is considered stale and gets
// force-released on the next acquire instead of blocking forever.
type Leases struct {
	held map[string]time.Time // name to expiry
	mu   sync.Mutex
}

// NewLeases makes an empty lease set.
func NewLeases() *Leases {
	return &Leases{held: make(map[string]time.Time)}
}

// Acquire takes the named lease for the given ttl. Returns false if the lease is
// already held and not yet stale.
func (l *Leases) Acquire(name string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if expiry, ok := l.held[name]; ok {
		if now.Before(expiry) {
			return false
		}
		log.Printf("[WARN] stale lease %q force-released, expired %s ago", name, now.Sub(expiry).Round(time.Millisecond))
	}
	l.held[name] = now.Add(ttl)
	return true
}

// Release frees the named lease. Releasing a lease not held is a no-op.
func (l *Leases) Release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
}
