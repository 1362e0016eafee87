package throttle

import (
	"strings"

	"github.com/dgnsrekt/livefeed/internal/event"
)

// DefaultPatterns matches progress, heartbeat and periodic status kinds,
// e.g. workflow.tool.progress or workflow.diagnostic.sandbox_progress.
var DefaultPatterns = []string{
	"progress",
	"heartbeat",
	"status",
	"tick",
}

// Predicate decides whether an event goes through throttling.
type Predicate func(event.Event) bool

// MatchKinds returns a Predicate that throttles events whose kind contains
// any of patterns, case-insensitively.
func MatchKinds(patterns []string) Predicate {
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}
	return func(ev event.Event) bool {
		kind := strings.ToLower(ev.Kind)
		for _, p := range lowered {
			if strings.Contains(kind, p) {
				return true
			}
		}
		return false
	}
}
