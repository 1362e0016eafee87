// Package window projects a large ordered collection onto a scrolling
// viewport, materializing only the visible slice plus overscan.
package window

import (
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/livefeed/internal/clock"
)

// DefaultScrollCoalesce bounds recomputation to about one per frame.
const DefaultScrollCoalesce = 16 * time.Millisecond

var ErrInvalidExtent = errors.New("window: item extent must be positive")

// Config controls a List.
type Config struct {
	ItemExtent     float64
	Overscan       int
	VisibleExtent  float64
	ScrollCoalesce time.Duration
}

// DefaultConfig returns the list defaults.
func DefaultConfig() Config {
	return Config{
		ItemExtent:     60,
		Overscan:       3,
		VisibleExtent:  600,
		ScrollCoalesce: DefaultScrollCoalesce,
	}
}

// Renderer paints a List onto a display surface.
type Renderer[T any] interface {
	// RenderRange replaces the materialized items with items[start:end].
	RenderRange(start, end int, items []T)
	// RenderItem repaints one materialized item.
	RenderItem(index int, item T)
	// RenderEmpty shows the empty placeholder.
	RenderEmpty()
	// SetTotalExtent sizes the scroll region.
	SetTotalExtent(extent float64)
}

// Range is the half-open materialized index range [Start, End).
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) Len() int { return r.End - r.Start }

func (r Range) Contains(i int) bool { return i >= r.Start && i < r.End }

// Compute returns the materialized range for count items scrolled to offset.
func Compute(offset, visibleExtent, itemExtent float64, overscan, count int) Range {
	if count <= 0 || itemExtent <= 0 {
		return Range{}
	}
	start := int(math.Floor(offset/itemExtent)) - overscan
	if start < 0 {
		start = 0
	}
	visible := int(math.Ceil(visibleExtent/itemExtent)) + 2*overscan
	end := start + visible
	if end > count {
		end = count
	}
	// Scrolled past the end.
	if start > end {
		start = end
	}
	return Range{Start: start, End: end}
}

// Stats is a point-in-time snapshot of a List.
type Stats struct {
	Items       int    `json:"items"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Renders     uint64 `json:"renders"`
	ItemRenders uint64 `json:"item_renders"`
	Scrolls     uint64 `json:"scrolls"`
	Recomputes  uint64 `json:"recomputes"`
}

// List is a windowed projection over items. It is safe for concurrent use;
// renderer calls are serialized and must not call back into the List.
type List[T any] struct {
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger
	renderer Renderer[T]

	renderMu sync.Mutex

	mu            sync.Mutex
	items         []T
	offset        float64
	pendingOffset float64
	current       Range
	timer         clock.Timer
	destroyed     bool
	stats         Stats
}

// New creates an empty List.
func New[T any](cfg Config, clk clock.Clock, logger *zap.Logger, renderer Renderer[T]) (*List[T], error) {
	if cfg.ItemExtent <= 0 {
		return nil, ErrInvalidExtent
	}
	if cfg.Overscan < 0 {
		cfg.Overscan = 0
	}
	if cfg.ScrollCoalesce <= 0 {
		cfg.ScrollCoalesce = DefaultScrollCoalesce
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &List[T]{
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		renderer: renderer,
	}, nil
}

type renderOp[T any] struct {
	extent   float64
	setTotal bool
	empty    bool
	full     bool
	start    int
	end      int
	items    []T
	single   bool
	index    int
	item     T
}

func (l *List[T]) paint(op renderOp[T]) {
	if l.renderer == nil {
		return
	}
	if op.setTotal {
		l.renderer.SetTotalExtent(op.extent)
	}
	switch {
	case op.empty:
		l.renderer.RenderEmpty()
	case op.full:
		l.renderer.RenderRange(op.start, op.end, op.items)
	case op.single:
		l.renderer.RenderItem(op.index, op.item)
	}
}

// recomputeLocked updates the current range and returns the previous one.
func (l *List[T]) recomputeLocked() Range {
	l.stats.Recomputes++
	prev := l.current
	l.current = Compute(l.offset, l.cfg.VisibleExtent, l.cfg.ItemExtent, l.cfg.Overscan, len(l.items))
	return prev
}

func (l *List[T]) fullLocked(op *renderOp[T]) {
	if len(l.items) == 0 {
		op.empty = true
		l.current = Range{}
	} else {
		op.full = true
		op.start, op.end = l.current.Start, l.current.End
		op.items = append([]T(nil), l.items[l.current.Start:l.current.End]...)
	}
	l.stats.Renders++
}

func (l *List[T]) totalLocked() float64 {
	return float64(len(l.items)) * l.cfg.ItemExtent
}

// SetItems replaces the collection and re-renders.
func (l *List[T]) SetItems(items []T) {
	l.renderMu.Lock()
	defer l.renderMu.Unlock()

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.items = append(l.items[:0:0], items...)
	op := renderOp[T]{setTotal: true, extent: l.totalLocked()}
	if len(l.items) > 0 {
		l.recomputeLocked()
	}
	l.fullLocked(&op)
	l.mu.Unlock()

	l.paint(op)
}

// Append adds items at the end. The window is re-rendered only when the new
// items fall inside it; otherwise only the scroll region grows.
func (l *List[T]) Append(items ...T) {
	if len(items) == 0 {
		return
	}
	l.renderMu.Lock()
	defer l.renderMu.Unlock()

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	prev := len(l.items)
	l.items = append(l.items, items...)
	op := renderOp[T]{setTotal: true, extent: l.totalLocked()}
	l.recomputeLocked()
	if prev == 0 || prev < l.current.End {
		l.fullLocked(&op)
	}
	l.mu.Unlock()

	l.paint(op)
}

// UpdateItem replaces the item at index and repaints it if it is
// materialized. Out-of-range indexes are ignored.
func (l *List[T]) UpdateItem(index int, item T) {
	l.renderMu.Lock()
	defer l.renderMu.Unlock()

	l.mu.Lock()
	if l.destroyed || index < 0 || index >= len(l.items) {
		l.mu.Unlock()
		return
	}
	l.items[index] = item
	var op renderOp[T]
	if l.current.Contains(index) {
		op = renderOp[T]{single: true, index: index, item: item}
		l.stats.ItemRenders++
	}
	l.mu.Unlock()

	l.paint(op)
}

// Scroll records a new scroll offset. Recomputation is coalesced to one per
// ScrollCoalesce interval.
func (l *List[T]) Scroll(offset float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.destroyed {
		return
	}
	l.stats.Scrolls++
	l.pendingOffset = offset
	if l.timer == nil {
		l.timer = l.clock.AfterFunc(l.cfg.ScrollCoalesce, l.applyScroll)
	}
}

func (l *List[T]) applyScroll() {
	l.renderMu.Lock()
	defer l.renderMu.Unlock()

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.offset = l.pendingOffset
	if len(l.items) == 0 {
		l.mu.Unlock()
		return
	}
	var op renderOp[T]
	// With a fixed extent and count, End only moves together with Start.
	if prev := l.recomputeLocked(); l.current.Start != prev.Start {
		l.fullLocked(&op)
		l.logger.Debug("window moved",
			zap.Int("start", l.current.Start),
			zap.Int("end", l.current.End),
		)
	}
	l.mu.Unlock()

	l.paint(op)
}

// Resize changes the visible extent. It re-renders when the start index moves
// or the window grows over items that are not materialized yet. A window that
// only shrinks keeps its rendered rows.
func (l *List[T]) Resize(visibleExtent float64) {
	l.renderMu.Lock()
	defer l.renderMu.Unlock()

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.cfg.VisibleExtent = visibleExtent
	var op renderOp[T]
	if len(l.items) > 0 {
		prev := l.recomputeLocked()
		if l.current.Start != prev.Start || l.current.End > prev.End {
			l.fullLocked(&op)
		} else {
			l.current = prev
		}
	}
	l.mu.Unlock()

	l.paint(op)
}

// Range returns the currently materialized range.
func (l *List[T]) Range() Range {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Len returns the number of items.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Stats returns a snapshot of the counters.
func (l *List[T]) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Items = len(l.items)
	s.Start, s.End = l.current.Start, l.current.End
	return s
}

// Destroy cancels pending scroll work and drops the items.
func (l *List[T]) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.destroyed {
		return
	}
	l.destroyed = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.items = nil
}
