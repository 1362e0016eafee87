// Package batch coalesces update requests that arrive within one
// display-refresh tick into a single apply call.
package batch

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/livefeed/internal/clock"
)

// DefaultTickInterval is one frame at 60Hz.
const DefaultTickInterval = 16 * time.Millisecond

// Config controls a Scheduler.
type Config struct {
	TickInterval time.Duration
	MaxBatchSize int
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: DefaultTickInterval,
		MaxBatchSize: 100,
	}
}

// ApplyFunc applies one batch to the display surface.
type ApplyFunc[T any] func([]T) error

// KeyFunc returns the dedup key for an update. Updates without a key are
// never deduplicated.
type KeyFunc[T any] func(T) (string, bool)

// Stats is a point-in-time snapshot of a Scheduler.
type Stats struct {
	Batches      uint64 `json:"batches"`
	Forced       uint64 `json:"forced"`
	Applied      uint64 `json:"applied"`
	Deduplicated uint64 `json:"deduplicated"`
	Failures     uint64 `json:"failures"`
	Pending      int    `json:"pending"`
}

// Scheduler queues updates and applies them once per tick. It is safe for
// concurrent use; apply calls are serialized and must not call back into the
// Scheduler.
type Scheduler[T any] struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
	apply  ApplyFunc[T]
	key    KeyFunc[T]

	applyMu sync.Mutex

	mu        sync.Mutex
	queue     []T
	index     map[string]int
	timer     clock.Timer
	destroyed bool
	stats     Stats
}

// New creates a Scheduler. key may be nil to disable deduplication.
func New[T any](cfg Config, clk clock.Clock, logger *zap.Logger, apply ApplyFunc[T], key KeyFunc[T]) *Scheduler[T] {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &Scheduler[T]{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		apply:  apply,
		key:    key,
		index:  make(map[string]int),
	}
}

// Schedule enqueues u. A queued update with the same key is replaced in
// place. Reaching MaxBatchSize flushes synchronously; otherwise a flush is
// armed for the next tick.
func (s *Scheduler[T]) Schedule(u T) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}

	if s.key != nil {
		if k, ok := s.key(u); ok {
			if i, dup := s.index[k]; dup {
				s.queue[i] = u
				s.stats.Deduplicated++
				s.mu.Unlock()
				return
			}
			s.index[k] = len(s.queue)
		}
	}
	s.queue = append(s.queue, u)

	if s.cfg.MaxBatchSize > 0 && len(s.queue) >= s.cfg.MaxBatchSize {
		s.mu.Unlock()
		s.FlushImmediate()
		return
	}
	if s.timer == nil {
		s.timer = s.clock.AfterFunc(s.cfg.TickInterval, s.tick)
	}
	s.mu.Unlock()
}

func (s *Scheduler[T]) tick() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	s.Flush()
}

// Flush applies the queued updates now. It is what the tick runs.
func (s *Scheduler[T]) Flush() {
	s.flush(false)
}

// FlushImmediate cancels the pending tick and applies the queue now. The
// next Schedule arms a fresh tick.
func (s *Scheduler[T]) FlushImmediate() {
	s.flush(true)
}

func (s *Scheduler[T]) flush(forced bool) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	if forced && s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.destroyed || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.queue
	s.queue = nil
	s.index = make(map[string]int)
	s.stats.Batches++
	s.stats.Applied += uint64(len(batch))
	if forced {
		s.stats.Forced++
	}
	s.mu.Unlock()

	if err := s.run(batch); err != nil {
		s.mu.Lock()
		s.stats.Failures++
		s.mu.Unlock()
		s.logger.Error("batch apply failed",
			zap.Int("size", len(batch)),
			zap.Bool("forced", forced),
			zap.Error(err),
		)
	}
}

func (s *Scheduler[T]) run(batch []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply panicked: %v", r)
		}
	}()
	if s.apply == nil {
		return nil
	}
	return s.apply(batch)
}

// Pending returns the number of queued updates.
func (s *Scheduler[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats returns a snapshot of the counters.
func (s *Scheduler[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.queue)
	return st
}

// Destroy cancels the pending tick and discards queued updates.
func (s *Scheduler[T]) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.destroyed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.queue = nil
	s.index = make(map[string]int)
}
