package connection

import (
	"errors"
	"net/http"
	"time"

	"github.com/dgnsrekt/livefeed/internal/event"
	"github.com/dgnsrekt/livefeed/internal/wire"
)

// Errors
var (
	ErrNotOpen         = errors.New("connection not open")
	ErrRateLimited     = errors.New("send rate limit exceeded")
	ErrClosed          = errors.New("connection closed by peer")
	ErrMaxAttempts     = errors.New("reconnect attempts exhausted")
	ErrLivenessTimeout = errors.New("liveness check timed out")
	ErrNoURL           = errors.New("connection URL is required")
)

// State is the session state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	// StateFailed is terminal until the next Connect.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config configures a Manager.
type Config struct {
	URL    string
	Header http.Header

	// Subprotocols offered during the handshake, in preference order.
	Subprotocols []string

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	JitterRatio float64

	// SendRate limits outbound events per second; zero disables the limit.
	SendRate  float64
	SendBurst int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Subprotocols:      wire.Subprotocols(),
		HeartbeatInterval: 25 * time.Second,
		PongTimeout:       10 * time.Second,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
		BaseDelay:         800 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		MaxAttempts:       10,
		JitterRatio:       0.35,
	}
}

// Handler receives everything the Manager reports. Calls are made outside
// the Manager's lock; OnEvent calls for one connection arrive in order.
type Handler interface {
	// OnEvent receives every decoded application event.
	OnEvent(ev event.Event)
	// OnStateChange reports a state transition.
	OnStateChange(from, to State)
	// OnFailure reports the terminal error after reconnects are exhausted.
	OnFailure(err error)
}

// Stats is a point-in-time snapshot of a Manager.
type Stats struct {
	State            string `json:"state"`
	Attempt          int    `json:"attempt"`
	RunID            string `json:"run_id,omitempty"`
	LastSeq          int64  `json:"last_seq"`
	Subprotocol      string `json:"subprotocol,omitempty"`
	Connects         uint64 `json:"connects"`
	Reconnects       uint64 `json:"reconnects"`
	Events           uint64 `json:"events"`
	Malformed        uint64 `json:"malformed"`
	PingsSent        uint64 `json:"pings_sent"`
	PongsReceived    uint64 `json:"pongs_received"`
	LivenessFailures uint64 `json:"liveness_failures"`
	Resumes          uint64 `json:"resumes"`
	Sent             uint64 `json:"sent"`
	RateLimited      uint64 `json:"rate_limited"`
}
