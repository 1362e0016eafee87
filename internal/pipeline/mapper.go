package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dgnsrekt/livefeed/internal/batch"
	"github.com/dgnsrekt/livefeed/internal/event"
)

// MapFunc turns an accepted event into visual mutations.
type MapFunc func(event.Event) []batch.Mutation

// StatusTarget is the element that shows the connection state.
const StatusTarget = "status"

// DefaultMapper renders each event as one element keyed by its subject (or
// kind when it has none). Progress-like payloads with a "pct" field get a
// style mutation too.
func DefaultMapper(ev event.Event) []batch.Mutation {
	target := ev.Subject
	if target == "" {
		target = ev.Kind
	}

	muts := []batch.Mutation{
		{Category: batch.CategoryText, Target: target, Value: Summarize(ev)},
		{Category: batch.CategoryClass, Target: target, Name: "kind", Value: kindClass(ev.Kind)},
	}
	if ev.HasSeq() {
		muts = append(muts, batch.Mutation{
			Category: batch.CategoryAttr, Target: target, Name: "seq", Value: fmt.Sprint(ev.Seq),
		})
	}

	var payload struct {
		Pct *float64 `json:"pct"`
	}
	if len(ev.Payload) > 0 && json.Unmarshal(ev.Payload, &payload) == nil && payload.Pct != nil {
		muts = append(muts, batch.Mutation{
			Category: batch.CategoryStyle, Target: target, Name: "width", Value: fmt.Sprintf("%.0f%%", *payload.Pct),
		})
	}
	return muts
}

// Summarize returns a one-line description of ev.
func Summarize(ev event.Event) string {
	var b strings.Builder
	b.WriteString(ev.Kind)
	if ev.Subject != "" {
		b.WriteString(" ")
		b.WriteString(ev.Subject)
	}
	if len(ev.Payload) > 0 {
		payload := string(ev.Payload)
		if utf8.RuneCountInString(payload) > 80 {
			payload = string([]rune(payload)[:77]) + "..."
		}
		b.WriteString(" ")
		b.WriteString(payload)
	}
	return b.String()
}

// kindClass keeps the last segment of a dotted kind.
func kindClass(kind string) string {
	if i := strings.LastIndexByte(kind, '.'); i >= 0 {
		return kind[i+1:]
	}
	return kind
}
