package batch

import (
	"sort"

	"go.uber.org/zap"

	"github.com/dgnsrekt/livefeed/internal/clock"
)

// Category is the kind of visual mutation.
type Category int

const (
	CategoryText Category = iota
	CategoryClass
	CategoryStyle
	CategoryAttr
)

func (c Category) String() string {
	switch c {
	case CategoryText:
		return "text"
	case CategoryClass:
		return "class"
	case CategoryStyle:
		return "style"
	case CategoryAttr:
		return "attr"
	default:
		return "unknown"
	}
}

// Mutation is one change to an element of the display surface. Name is the
// class, style property or attribute being changed and is empty for text.
type Mutation struct {
	Category Category
	Target   string
	Name     string
	Value    string
}

// MutationKey dedups mutations of the same property on the same target.
func MutationKey(m Mutation) (string, bool) {
	if m.Target == "" {
		return "", false
	}
	return m.Target + "\x00" + m.Category.String() + "\x00" + m.Name, true
}

// Group reorders mutations so each category is contiguous, keeping
// first-seen order within a category.
func Group(muts []Mutation) []Mutation {
	sort.SliceStable(muts, func(i, j int) bool {
		return muts[i].Category < muts[j].Category
	})
	return muts
}

// NewGrouped creates a Scheduler over mutations that dedups with
// MutationKey and hands apply each batch grouped by category.
func NewGrouped(cfg Config, clk clock.Clock, logger *zap.Logger, apply ApplyFunc[Mutation]) *Scheduler[Mutation] {
	return New(cfg, clk, logger, func(muts []Mutation) error {
		return apply(Group(muts))
	}, MutationKey)
}
