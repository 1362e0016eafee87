package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgnsrekt/livefeed/internal/pipeline"
)

// FormatStoppedMessage summarizes a feed that was stopped on purpose.
func FormatStoppedMessage(snap pipeline.Snapshot, duration time.Duration) string {
	var sb strings.Builder

	writeRun(&sb, snap)
	sb.WriteString(fmt.Sprintf("Delivered: %d events\n", snap.Delivered))
	sb.WriteString(fmt.Sprintf("Duplicates: %d\n", snap.Throttle.Duplicates))
	sb.WriteString(fmt.Sprintf("Reconnects: %d\n", snap.Connection.Reconnects))
	sb.WriteString(fmt.Sprintf("Duration: %s", duration.Round(time.Second)))

	return sb.String()
}

// FormatFailureMessage describes a feed that gave up reconnecting.
func FormatFailureMessage(snap pipeline.Snapshot, duration time.Duration, err error) string {
	var sb strings.Builder

	writeRun(&sb, snap)
	sb.WriteString(fmt.Sprintf("Delivered: %d events\n", snap.Delivered))
	sb.WriteString(fmt.Sprintf("Reconnects: %d\n", snap.Connection.Reconnects))
	sb.WriteString(fmt.Sprintf("Liveness failures: %d\n", snap.Connection.LivenessFailures))
	sb.WriteString(fmt.Sprintf("Malformed frames: %d\n", snap.Connection.Malformed))
	sb.WriteString(fmt.Sprintf("Duration: %s", duration.Round(time.Second)))

	if err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", err))
	}

	return sb.String()
}

func writeRun(sb *strings.Builder, snap pipeline.Snapshot) {
	if snap.Connection.RunID == "" {
		return
	}
	sb.WriteString(fmt.Sprintf("Run: %s (last seq %d)\n", snap.Connection.RunID, snap.Connection.LastSeq))
}
