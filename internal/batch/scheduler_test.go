package batch

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/livefeed/internal/clock"
)

func newClock() *clock.Fake {
	return clock.NewFake(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
}

type update struct {
	key   string
	value int
}

func updateKey(u update) (string, bool) { return u.key, u.key != "" }

func TestScheduleFlushesOnTick(t *testing.T) {
	clk := newClock()
	var batches [][]int
	s := New(DefaultConfig(), clk, zaptest.NewLogger(t), func(b []int) error {
		batches = append(batches, append([]int(nil), b...))
		return nil
	}, nil)

	for i := 0; i < 5; i++ {
		s.Schedule(i)
	}
	if len(batches) != 0 {
		t.Fatal("expected no apply before the tick")
	}

	clk.Advance(DefaultTickInterval)
	if len(batches) != 1 || len(batches[0]) != 5 {
		t.Fatalf("expected one batch of 5, got %v", batches)
	}
	for i, v := range batches[0] {
		if v != i {
			t.Errorf("position %d: expected %d, got %d", i, i, v)
		}
	}
}

func TestMaxBatchSizeForcesFlush(t *testing.T) {
	clk := newClock()
	var sizes []int
	cfg := Config{TickInterval: DefaultTickInterval, MaxBatchSize: 100}
	s := New(cfg, clk, zaptest.NewLogger(t), func(b []int) error {
		sizes = append(sizes, len(b))
		return nil
	}, nil)

	for i := 0; i < 150; i++ {
		s.Schedule(i)
		if i == 99 && len(sizes) != 1 {
			t.Fatalf("expected synchronous flush at the 100th update, got %v", sizes)
		}
	}

	clk.Advance(DefaultTickInterval)
	if len(sizes) != 2 || sizes[0] != 100 || sizes[1] != 50 {
		t.Fatalf("expected batches [100 50], got %v", sizes)
	}

	st := s.Stats()
	if st.Batches != 2 || st.Forced != 1 || st.Applied != 150 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestDedupReplacesInPlace(t *testing.T) {
	clk := newClock()
	var got []update
	s := New(DefaultConfig(), clk, zaptest.NewLogger(t), func(b []update) error {
		got = b
		return nil
	}, updateKey)

	s.Schedule(update{"a", 1})
	s.Schedule(update{"b", 1})
	s.Schedule(update{"", 7})
	s.Schedule(update{"a", 2})
	s.Schedule(update{"", 8})
	s.Schedule(update{"a", 3})

	clk.Advance(DefaultTickInterval)

	want := []update{{"a", 3}, {"b", 1}, {"", 7}, {"", 8}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %v, got %v", i, want[i], got[i])
		}
	}
	if st := s.Stats(); st.Deduplicated != 2 || st.Applied != 4 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestApplyFailureClearsQueue(t *testing.T) {
	tests := []struct {
		name  string
		apply func([]int) error
	}{
		{"error", func([]int) error { return errors.New("surface detached") }},
		{"panic", func([]int) error { panic("boom") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := newClock()
			s := New(DefaultConfig(), clk, zaptest.NewLogger(t), tt.apply, nil)

			s.Schedule(1)
			s.Schedule(2)
			s.FlushImmediate()

			st := s.Stats()
			if st.Pending != 0 {
				t.Errorf("expected empty queue, got %d", st.Pending)
			}
			if st.Failures != 1 || st.Batches != 1 || st.Applied != 2 {
				t.Errorf("unexpected stats %+v", st)
			}

			// The scheduler keeps working.
			s.Schedule(3)
			if s.Pending() != 1 {
				t.Errorf("expected 1 pending, got %d", s.Pending())
			}
		})
	}
}

func TestFlushImmediateCancelsTick(t *testing.T) {
	clk := newClock()
	calls := 0
	s := New(DefaultConfig(), clk, zaptest.NewLogger(t), func([]int) error {
		calls++
		return nil
	}, nil)

	s.Schedule(1)
	s.FlushImmediate()
	if clk.Pending() != 0 {
		t.Errorf("expected tick cancelled, %d timers pending", clk.Pending())
	}

	s.Schedule(2)
	clk.Advance(DefaultTickInterval)
	if calls != 2 {
		t.Errorf("expected 2 apply calls, got %d", calls)
	}
}

func TestDestroyCancelsTick(t *testing.T) {
	clk := newClock()
	calls := 0
	s := New(DefaultConfig(), clk, zaptest.NewLogger(t), func([]int) error {
		calls++
		return nil
	}, nil)

	s.Schedule(1)
	s.Destroy()
	s.Schedule(2)
	clk.Advance(time.Second)

	if calls != 0 {
		t.Errorf("expected no apply after Destroy, got %d", calls)
	}
	if clk.Pending() != 0 {
		t.Errorf("expected no timers, got %d", clk.Pending())
	}
}

func TestGroupedOrdersByCategory(t *testing.T) {
	clk := newClock()
	var got []Mutation
	s := NewGrouped(DefaultConfig(), clk, zaptest.NewLogger(t), func(m []Mutation) error {
		got = m
		return nil
	})

	s.Schedule(Mutation{Category: CategoryStyle, Target: "row-1", Name: "color", Value: "red"})
	s.Schedule(Mutation{Category: CategoryText, Target: "row-1", Value: "10%"})
	s.Schedule(Mutation{Category: CategoryAttr, Target: "row-2", Name: "aria-busy", Value: "true"})
	s.Schedule(Mutation{Category: CategoryText, Target: "row-2", Value: "20%"})
	s.Schedule(Mutation{Category: CategoryClass, Target: "row-1", Name: "active", Value: "true"})
	s.Schedule(Mutation{Category: CategoryText, Target: "row-1", Value: "30%"})

	clk.Advance(DefaultTickInterval)

	want := []string{"text:row-1:30%", "text:row-2:20%", "class:row-1:true", "style:row-1:red", "attr:row-2:true"}
	if len(got) != len(want) {
		t.Fatalf("expected %d mutations, got %d", len(want), len(got))
	}
	for i, m := range got {
		if line := fmt.Sprintf("%s:%s:%s", m.Category, m.Target, m.Value); line != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], line)
		}
	}
}
