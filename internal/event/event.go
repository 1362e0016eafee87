package event

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Event is one inbound application message from the channel.
type Event struct {
	Kind    string          `json:"kind"`
	Subject string          `json:"subject,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	RunID   string          `json:"runId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// ReceivedAt is stamped locally when the frame was read.
	ReceivedAt time.Time `json:"-"`
}

// HasSeq reports whether the event carries a channel sequence number.
func (e Event) HasSeq() bool { return e.Seq > 0 }

// ThrottleKey groups events that are rate-limited together. Events without a
// subject have no key.
func (e Event) ThrottleKey() (string, bool) {
	if e.Subject == "" {
		return "", false
	}
	return e.Kind + "|" + e.Subject, true
}

// Identity hashes the stable identity fields (kind, subject, seq). It is only
// meaningful when HasSeq is true.
func (e Event) Identity() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(e.Kind)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(e.Subject)
	_, _ = d.Write([]byte{0})
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(e.Seq))
	_, _ = d.Write(buf[:])
	return d.Sum64()
}
