// Package render is a line-oriented display surface for a terminal.
package render

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/dgnsrekt/livefeed/internal/batch"
	"github.com/dgnsrekt/livefeed/internal/event"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

type element struct {
	text    string
	classes map[string]string
	styles  map[string]string
	attrs   map[string]string
}

func newElement() *element {
	return &element{
		classes: make(map[string]string),
		styles:  make(map[string]string),
		attrs:   make(map[string]string),
	}
}

// Terminal keeps the state of every element it has been told about and
// writes one line per changed element.
type Terminal struct {
	mu       sync.Mutex
	out      io.Writer
	elements map[string]*element
	extent   float64
}

// NewTerminal writes to out.
func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{
		out:      out,
		elements: make(map[string]*element),
	}
}

// Apply applies one batch of mutations and prints the touched elements.
func (t *Terminal) Apply(muts []batch.Mutation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var touched []string
	seen := make(map[string]bool)
	for _, m := range muts {
		el, ok := t.elements[m.Target]
		if !ok {
			el = newElement()
			t.elements[m.Target] = el
		}
		switch m.Category {
		case batch.CategoryText:
			el.text = m.Value
		case batch.CategoryClass:
			el.classes[m.Name] = m.Value
		case batch.CategoryStyle:
			el.styles[m.Name] = m.Value
		case batch.CategoryAttr:
			el.attrs[m.Name] = m.Value
		default:
			return fmt.Errorf("unknown mutation category %d for %s", int(m.Category), m.Target)
		}
		if !seen[m.Target] {
			seen[m.Target] = true
			touched = append(touched, m.Target)
		}
	}

	for _, target := range touched {
		if _, err := fmt.Fprintln(t.out, t.line(target, t.elements[target])); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
	}
	return nil
}

func (t *Terminal) line(target string, el *element) string {
	if target == "status" {
		return bold("status") + " " + statusColor(el.text)
	}

	var b strings.Builder
	b.WriteString(cyan(target))
	if kind := el.classes["kind"]; kind != "" {
		b.WriteString(" [" + kind + "]")
	}
	if seq := el.attrs["seq"]; seq != "" {
		b.WriteString(gray(" #" + seq))
	}
	if w := el.styles["width"]; w != "" {
		b.WriteString(" " + yellow(w))
	}
	if el.text != "" {
		b.WriteString(" " + el.text)
	}
	return b.String()
}

func statusColor(state string) string {
	switch state {
	case "open":
		return green(state)
	case "failed":
		return red(state)
	default:
		return yellow(state)
	}
}

// RenderRange prints the materialized history slice.
func (t *Terminal) RenderRange(start, end int, items []event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintln(t.out, gray(fmt.Sprintf("history [%d, %d) extent %.0f", start, end, t.extent)))
	for i, ev := range items {
		fmt.Fprintln(t.out, historyLine(start+i, ev))
	}
}

// RenderItem reprints one history entry.
func (t *Terminal) RenderItem(index int, ev event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, historyLine(index, ev))
}

// RenderEmpty prints the empty-history placeholder.
func (t *Terminal) RenderEmpty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, gray("history: no events yet"))
}

// SetTotalExtent records the history's total extent.
func (t *Terminal) SetTotalExtent(extent float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extent = extent
}

func historyLine(index int, ev event.Event) string {
	return fmt.Sprintf("  %s %s %s", gray(fmt.Sprintf("%5d", index)), ev.Kind, ev.Subject)
}

// Text returns the current text of target.
func (t *Terminal) Text(target string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if el, ok := t.elements[target]; ok {
		return el.text
	}
	return ""
}

// Targets returns every known element, sorted.
func (t *Terminal) Targets() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.elements))
	for k := range t.elements {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
