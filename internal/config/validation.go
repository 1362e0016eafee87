package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// FieldError is one key whose value is out of range
type FieldError struct {
	Key     string
	Problem string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields              []FieldError
	InvalidSubprotocols []string
	InvalidLevel        string
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0 || len(e.InvalidSubprotocols) > 0 || e.InvalidLevel != ""
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")

	if len(e.Fields) > 0 {
		sb.WriteString("\nInvalid values:\n")
		for _, f := range e.Fields {
			sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Key, f.Problem))
		}
	}

	if len(e.InvalidSubprotocols) > 0 {
		sb.WriteString("\nInvalid subprotocols:\n")
		for _, s := range e.InvalidSubprotocols {
			sb.WriteString(fmt.Sprintf("  - %s\n", s))
		}
		sb.WriteString(fmt.Sprintf("\nValid subprotocols: %s\n", sortedKeys(ValidSubprotocols)))
	}

	if e.InvalidLevel != "" {
		sb.WriteString(fmt.Sprintf("\nInvalid logging level: %s (valid: %s)\n", e.InvalidLevel, sortedKeys(ValidLogLevels)))
	}

	return sb.String()
}

func (e *ValidationErrors) add(key, format string, args ...interface{}) {
	e.Fields = append(e.Fields, FieldError{Key: key, Problem: fmt.Sprintf(format, args...)})
}

func (e *ValidationErrors) positive(key string, d time.Duration) {
	if d <= 0 {
		e.add(key, "must be > 0, got %s", d)
	}
}

// Validate checks every section and reports all problems at once. The
// connection URL is optional here; commands that dial check it themselves.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	conn := c.Connection
	if conn.URL != "" {
		u, err := url.Parse(conn.URL)
		switch {
		case err != nil:
			errs.add("connection.url", "%v", err)
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs.add("connection.url", "scheme must be ws or wss, got %q", u.Scheme)
		}
	}
	for _, s := range conn.Subprotocols {
		if !ValidSubprotocols[s] {
			errs.InvalidSubprotocols = append(errs.InvalidSubprotocols, s)
		}
	}
	errs.positive("connection.heartbeat_interval", conn.HeartbeatInterval)
	errs.positive("connection.pong_timeout", conn.PongTimeout)
	errs.positive("connection.base_delay", conn.BaseDelay)
	if conn.MaxDelay < conn.BaseDelay {
		errs.add("connection.max_delay", "must be >= base_delay (%s), got %s", conn.BaseDelay, conn.MaxDelay)
	}
	if conn.MaxAttempts < 0 {
		errs.add("connection.max_attempts", "must be >= 0, got %d", conn.MaxAttempts)
	}
	if conn.JitterRatio < 0 || conn.JitterRatio > 1 {
		errs.add("connection.jitter_ratio", "must be within [0, 1], got %g", conn.JitterRatio)
	}
	if conn.SendRate < 0 {
		errs.add("connection.send_rate", "must be >= 0, got %g", conn.SendRate)
	}
	if conn.SendRate > 0 && conn.SendBurst < 1 {
		errs.add("connection.send_burst", "must be >= 1 when send_rate is set, got %d", conn.SendBurst)
	}

	errs.positive("throttle.interval", c.Throttle.Interval)
	errs.positive("throttle.flush_interval", c.Throttle.FlushInterval)
	if c.Throttle.Dedup {
		errs.positive("throttle.dedup_ttl", c.Throttle.DedupTTL)
		if c.Throttle.DedupCapacity < 1 {
			errs.add("throttle.dedup_capacity", "must be >= 1, got %d", c.Throttle.DedupCapacity)
		}
	}

	errs.positive("batch.tick_interval", c.Batch.TickInterval)
	if c.Batch.MaxBatchSize < 1 {
		errs.add("batch.max_batch_size", "must be >= 1, got %d", c.Batch.MaxBatchSize)
	}

	if c.Window.ItemExtent <= 0 {
		errs.add("window.item_extent", "must be > 0, got %g", c.Window.ItemExtent)
	}
	if c.Window.Overscan < 0 {
		errs.add("window.overscan", "must be >= 0, got %d", c.Window.Overscan)
	}
	if c.Window.VisibleExtent < 0 {
		errs.add("window.visible_extent", "must be >= 0, got %g", c.Window.VisibleExtent)
	}

	if c.Status.Enabled && c.Status.Addr == "" {
		errs.add("status.addr", "required when status is enabled")
	}

	notifyCfg := c.NotifyConfig()
	if err := notifyCfg.Validate(); err != nil {
		errs.add("notify", "%v", err)
	}

	if !ValidLogLevels[strings.ToLower(c.Logging.Level)] {
		errs.InvalidLevel = c.Logging.Level
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func sortedKeys(m map[string]bool) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
