package throttle

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// deduplicator remembers event identities for a TTL. Records live in an LRU
// bounded by capacity; insertion order equals age order, so the sweep only
// ever looks at the oldest end. Not safe for concurrent use.
type deduplicator struct {
	ttl       time.Duration
	records   *lru.Cache[uint64, time.Time]
	lastSweep time.Time
}

func newDeduplicator(ttl time.Duration, capacity int) (*deduplicator, error) {
	records, err := lru.New[uint64, time.Time](capacity)
	if err != nil {
		return nil, fmt.Errorf("create dedup store: %w", err)
	}
	return &deduplicator{ttl: ttl, records: records}, nil
}

// seen reports whether hash was recorded within the TTL. Unseen or expired
// hashes are recorded at now.
func (d *deduplicator) seen(hash uint64, now time.Time) bool {
	d.sweep(now)

	if insertedAt, ok := d.records.Peek(hash); ok && now.Sub(insertedAt) < d.ttl {
		return true
	}
	// Remove first so a re-recorded hash moves to the young end.
	d.records.Remove(hash)
	d.records.Add(hash, now)
	return false
}

// sweep drops expired records, at most once per half TTL.
func (d *deduplicator) sweep(now time.Time) {
	if now.Sub(d.lastSweep) < d.ttl/2 {
		return
	}
	d.lastSweep = now

	for {
		_, insertedAt, ok := d.records.GetOldest()
		if !ok || now.Sub(insertedAt) < d.ttl {
			return
		}
		d.records.RemoveOldest()
	}
}

func (d *deduplicator) len() int { return d.records.Len() }

func (d *deduplicator) purge() { d.records.Purge() }
