package window

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/livefeed/internal/clock"
)

type recorder struct {
	ranges  []Range
	counts  []int
	items   []int
	empties int
	extent  float64
}

func (r *recorder) RenderRange(start, end int, items []int) {
	r.ranges = append(r.ranges, Range{start, end})
	r.counts = append(r.counts, len(items))
}

func (r *recorder) RenderItem(index int, _ int) { r.items = append(r.items, index) }

func (r *recorder) RenderEmpty() { r.empties++ }

func (r *recorder) SetTotalExtent(extent float64) { r.extent = extent }

func newList(t *testing.T, n int) (*List[int], *recorder, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	rec := &recorder{}
	l, err := New[int](DefaultConfig(), clk, zaptest.NewLogger(t), rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	l.SetItems(items)
	return l, rec, clk
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name     string
		offset   float64
		visible  float64
		count    int
		expected Range
	}{
		{"top", 0, 600, 10000, Range{0, 16}},
		{"scrolled", 6000, 600, 10000, Range{97, 113}},
		{"partial item", 6030, 600, 10000, Range{97, 113}},
		{"near end", 599_400, 600, 10000, Range{9987, 10000}},
		{"short list", 0, 600, 5, Range{0, 5}},
		{"past end", 1_000_000, 600, 10, Range{10, 10}},
		{"empty", 300, 600, 0, Range{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.offset, tt.visible, 60, 3, tt.count)
			if got != tt.expected {
				t.Errorf("expected %+v, got %+v", tt.expected, got)
			}
		})
	}
}

func TestScrollMaterializesWindow(t *testing.T) {
	l, rec, clk := newList(t, 10000)

	if rec.extent != 600000 {
		t.Errorf("expected total extent 600000, got %v", rec.extent)
	}

	l.Scroll(6000)
	clk.Advance(DefaultScrollCoalesce)

	r := l.Range()
	if r.Start != 97 || r.Len() != 16 {
		t.Fatalf("expected start 97 count 16, got %+v", r)
	}
	last := len(rec.counts) - 1
	if rec.counts[last] != 16 {
		t.Errorf("expected 16 materialized items, got %d", rec.counts[last])
	}
}

func TestScrollCoalesces(t *testing.T) {
	l, rec, clk := newList(t, 10000)
	before := len(rec.ranges)

	for offset := 0.0; offset <= 6000; offset += 100 {
		l.Scroll(offset)
	}
	clk.Advance(DefaultScrollCoalesce)

	if got := len(rec.ranges) - before; got != 1 {
		t.Errorf("expected one render for a burst of scrolls, got %d", got)
	}
	if s := l.Stats(); s.Scrolls != 61 || s.Start != 97 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestScrollWithinItemSkipsRender(t *testing.T) {
	l, rec, clk := newList(t, 10000)

	l.Scroll(6000)
	clk.Advance(DefaultScrollCoalesce)
	renders := len(rec.ranges)

	l.Scroll(6030)
	clk.Advance(DefaultScrollCoalesce)
	if len(rec.ranges) != renders {
		t.Error("expected no render when the window did not move")
	}
}

func TestEmptyShowsPlaceholder(t *testing.T) {
	l, rec, clk := newList(t, 0)

	if rec.empties != 1 || len(rec.ranges) != 0 {
		t.Fatalf("expected placeholder only, got empties=%d ranges=%v", rec.empties, rec.ranges)
	}
	l.Scroll(500)
	clk.Advance(DefaultScrollCoalesce)
	if len(rec.ranges) != 0 {
		t.Error("expected no range render for an empty list")
	}
	if r := l.Range(); r != (Range{}) {
		t.Errorf("expected empty range, got %+v", r)
	}
}

func TestAppend(t *testing.T) {
	t.Run("outside window grows spacer only", func(t *testing.T) {
		l, rec, _ := newList(t, 100)
		renders := len(rec.ranges)

		l.Append(100, 101, 102)
		if len(rec.ranges) != renders {
			t.Error("expected no re-render for items below the window")
		}
		if rec.extent != 103*60 {
			t.Errorf("expected extent %v, got %v", 103*60, rec.extent)
		}
	})

	t.Run("inside window re-renders", func(t *testing.T) {
		l, rec, _ := newList(t, 5)
		renders := len(rec.ranges)

		l.Append(5, 6)
		if len(rec.ranges) != renders+1 {
			t.Fatal("expected a re-render for items inside the window")
		}
		if r := l.Range(); r != (Range{0, 7}) {
			t.Errorf("expected range [0,7), got %+v", r)
		}
	})

	t.Run("first items replace placeholder", func(t *testing.T) {
		l, rec, _ := newList(t, 0)

		l.Append(0)
		if len(rec.ranges) != 1 || rec.ranges[0] != (Range{0, 1}) {
			t.Errorf("expected render of [0,1), got %v", rec.ranges)
		}
	})
}

func TestUpdateItem(t *testing.T) {
	l, rec, _ := newList(t, 1000)

	l.UpdateItem(3, 42)
	l.UpdateItem(500, 42)
	l.UpdateItem(-1, 42)
	l.UpdateItem(5000, 42)

	if len(rec.items) != 1 || rec.items[0] != 3 {
		t.Errorf("expected only index 3 repainted, got %v", rec.items)
	}
}

func TestResize(t *testing.T) {
	l, rec, _ := newList(t, 1000)
	renders := len(rec.ranges)

	l.Resize(1200)
	if r := l.Range(); r != (Range{0, 26}) {
		t.Errorf("expected [0,26), got %+v", r)
	}
	if len(rec.ranges) != renders+1 {
		t.Error("expected a re-render after resize")
	}
}

func TestResizeShrinkKeepsRenderedRows(t *testing.T) {
	l, rec, _ := newList(t, 1000)
	renders := len(rec.ranges)

	// [0,16) at 600; 500 computes [0,15) with the same start.
	l.Resize(500)
	if len(rec.ranges) != renders {
		t.Error("expected no render when only the end shrinks")
	}
	if r := l.Range(); r != (Range{0, 16}) {
		t.Errorf("expected materialized range [0,16) to stay, got %+v", r)
	}

	l.Resize(700)
	if len(rec.ranges) != renders+1 {
		t.Error("expected a re-render when the window grows")
	}
	if r := l.Range(); r != (Range{0, 18}) {
		t.Errorf("expected [0,18), got %+v", r)
	}
}

func TestDestroyCancelsScroll(t *testing.T) {
	l, rec, clk := newList(t, 10000)
	renders := len(rec.ranges)

	l.Scroll(6000)
	l.Destroy()
	clk.Advance(time.Second)

	if len(rec.ranges) != renders {
		t.Error("expected no render after Destroy")
	}
	if clk.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestNewRejectsZeroExtent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ItemExtent = 0
	if _, err := New[int](cfg, nil, nil, nil); err != ErrInvalidExtent {
		t.Errorf("expected ErrInvalidExtent, got %v", err)
	}
}
