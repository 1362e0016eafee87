// Package throttle reduces the frequency of high-rate event kinds and drops
// exact repeats before events reach application logic.
package throttle

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/livefeed/internal/clock"
	"github.com/dgnsrekt/livefeed/internal/event"
)

// Config controls a Throttler.
type Config struct {
	// Interval is the minimum spacing between two emissions for one key.
	Interval time.Duration
	// FlushInterval is the period of the aggregated-event flush.
	FlushInterval time.Duration
	// ShouldThrottle selects the events subject to throttling. Nil means
	// MatchKinds(DefaultPatterns).
	ShouldThrottle Predicate

	Dedup         bool
	DedupTTL      time.Duration
	DedupCapacity int
}

// DefaultConfig returns the stage defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Second,
		FlushInterval:  time.Second,
		ShouldThrottle: MatchKinds(DefaultPatterns),
		Dedup:          true,
		DedupTTL:       time.Minute,
		DedupCapacity:  10000,
	}
}

// Result is the outcome of Process.
type Result struct {
	ShouldEmit bool
	Event      event.Event
	Duplicate  bool
}

// Stats is a point-in-time snapshot of a Throttler.
type Stats struct {
	Processed    uint64 `json:"processed"`
	Emitted      uint64 `json:"emitted"`
	Aggregated   uint64 `json:"aggregated"`
	Duplicates   uint64 `json:"duplicates"`
	Flushed      uint64 `json:"flushed"`
	Pending      int    `json:"pending"`
	Keys         int    `json:"keys"`
	DedupRecords int    `json:"dedup_records"`
}

type keyState struct {
	lastEmit time.Time
	pending  *event.Event
	arrival  uint64
}

// Throttler is the dedup/throttle stage. It is safe for concurrent use.
type Throttler struct {
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
	onFlush func([]event.Event)

	mu        sync.Mutex
	keys      map[string]*keyState
	dedup     *deduplicator
	arrivals  uint64
	timer     clock.Timer
	destroyed bool
	stats     Stats
}

// New creates a Throttler. onFlush receives the aggregated events of each
// periodic flush once Start has been called; it may be nil.
func New(cfg Config, clk clock.Clock, logger *zap.Logger, onFlush func([]event.Event)) (*Throttler, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShouldThrottle == nil {
		cfg.ShouldThrottle = MatchKinds(DefaultPatterns)
	}

	t := &Throttler{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		onFlush: onFlush,
		keys:    make(map[string]*keyState),
	}
	if cfg.Dedup {
		d, err := newDeduplicator(cfg.DedupTTL, cfg.DedupCapacity)
		if err != nil {
			return nil, err
		}
		t.dedup = d
	}
	return t, nil
}

// Process decides whether ev is forwarded now. Suppressed events that pass
// dedup are held as the key's aggregated event until the next emission
// window or Flush.
func (t *Throttler) Process(ev event.Event) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		return Result{Event: ev}
	}
	t.stats.Processed++
	now := t.clock.Now()

	// Without a seq there is no exact identity to compare.
	if t.dedup != nil && ev.HasSeq() && t.dedup.seen(ev.Identity(), now) {
		t.stats.Duplicates++
		t.logger.Debug("duplicate event dropped",
			zap.String("kind", ev.Kind),
			zap.String("subject", ev.Subject),
			zap.Int64("seq", ev.Seq),
		)
		return Result{Event: ev, Duplicate: true}
	}

	if !t.cfg.ShouldThrottle(ev) {
		t.stats.Emitted++
		return Result{ShouldEmit: true, Event: ev}
	}
	key, ok := ev.ThrottleKey()
	if !ok {
		t.stats.Emitted++
		return Result{ShouldEmit: true, Event: ev}
	}

	st := t.keys[key]
	if st == nil {
		st = &keyState{}
		t.keys[key] = st
	}
	if st.lastEmit.IsZero() || now.Sub(st.lastEmit) >= t.cfg.Interval {
		st.lastEmit = now
		st.pending = nil
		t.stats.Emitted++
		return Result{ShouldEmit: true, Event: ev}
	}

	t.arrivals++
	stored := ev
	st.pending = &stored
	st.arrival = t.arrivals
	t.stats.Aggregated++
	return Result{Event: ev}
}

// Flush returns every aggregated event in arrival order and stamps their
// keys as emitted now.
func (t *Throttler) Flush() []event.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		return nil
	}
	return t.flushLocked()
}

func (t *Throttler) flushLocked() []event.Event {
	now := t.clock.Now()

	type flushed struct {
		ev      event.Event
		arrival uint64
	}
	var out []flushed
	for key, st := range t.keys {
		if st.pending != nil {
			out = append(out, flushed{ev: *st.pending, arrival: st.arrival})
			st.pending = nil
			st.lastEmit = now
			continue
		}
		// A key outside its interval emits immediately anyway.
		if now.Sub(st.lastEmit) >= t.cfg.Interval {
			delete(t.keys, key)
		}
	}
	if len(out) == 0 {
		return nil
	}

	sort.Slice(out, func(i, j int) bool { return out[i].arrival < out[j].arrival })
	events := make([]event.Event, len(out))
	for i, f := range out {
		events[i] = f.ev
	}
	t.stats.Flushed += uint64(len(events))
	return events
}

// Start arms the periodic flush. Calling it again is a no-op.
func (t *Throttler) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed || t.timer != nil || t.cfg.FlushInterval <= 0 {
		return
	}
	t.timer = t.clock.AfterFunc(t.cfg.FlushInterval, t.tick)
}

func (t *Throttler) tick() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	events := t.flushLocked()
	t.timer = t.clock.AfterFunc(t.cfg.FlushInterval, t.tick)
	onFlush := t.onFlush
	t.mu.Unlock()

	if len(events) > 0 && onFlush != nil {
		t.logger.Debug("flushing aggregated events", zap.Int("count", len(events)))
		onFlush(events)
	}
}

// Destroy stops the periodic flush and discards all state. Afterwards
// Process never emits.
func (t *Throttler) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		return
	}
	t.destroyed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.keys = make(map[string]*keyState)
	if t.dedup != nil {
		t.dedup.purge()
	}
}

// Stats returns a snapshot of the counters.
func (t *Throttler) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats
	s.Keys = len(t.keys)
	for _, st := range t.keys {
		if st.pending != nil {
			s.Pending++
		}
	}
	if t.dedup != nil {
		s.DedupRecords = t.dedup.len()
	}
	return s
}
