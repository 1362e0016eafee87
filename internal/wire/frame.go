// Package wire encodes and decodes the frames exchanged on the live channel:
// application events from the server plus the ping, pong and resume control
// messages. Two encodings are negotiated through the websocket subprotocol.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgnsrekt/livefeed/internal/event"
)

var (
	// ErrMalformed means the frame could not be parsed at all.
	ErrMalformed = errors.New("wire: malformed frame")
	// ErrUnknownFrame means the frame parsed but its type is not recognised.
	ErrUnknownFrame = errors.New("wire: unknown frame type")
)

// FrameType distinguishes control messages from application events.
type FrameType int

const (
	FrameEvent FrameType = iota
	FramePing
	FramePong
	FrameResume
)

func (t FrameType) String() string {
	switch t {
	case FrameEvent:
		return "event"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameResume:
		return "resume"
	default:
		return fmt.Sprintf("frame(%d)", int(t))
	}
}

// Frame is one decoded message.
type Frame struct {
	Type FrameType

	// ID correlates a ping with its pong.
	ID string

	// RunID and LastSeq form the resume token.
	RunID   string
	LastSeq int64

	Event event.Event
}

// Ping builds a liveness ping.
func Ping(id string) Frame { return Frame{Type: FramePing, ID: id} }

// Pong answers the ping with the given id.
func Pong(id string) Frame { return Frame{Type: FramePong, ID: id} }

// Resume asks the server to continue runID after lastSeq.
func Resume(runID string, lastSeq int64) Frame {
	return Frame{Type: FrameResume, RunID: runID, LastSeq: lastSeq}
}

// EventFrame wraps an application event.
func EventFrame(ev event.Event) Frame { return Frame{Type: FrameEvent, Event: ev} }

// envelope is the union of every JSON message shape.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	RunID   string          `json:"runId"`
	LastSeq int64           `json:"lastSeq"`
	Kind    string          `json:"kind"`
	Subject string          `json:"subject"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// fields converts f to its JSON object form.
func fields(f Frame) (map[string]interface{}, error) {
	switch f.Type {
	case FramePing, FramePong:
		return map[string]interface{}{
			"type": f.Type.String(),
			"id":   f.ID,
		}, nil

	case FrameResume:
		return map[string]interface{}{
			"type":    "resume",
			"runId":   f.RunID,
			"lastSeq": f.LastSeq,
		}, nil

	case FrameEvent:
		if f.Event.Kind == "" {
			return nil, fmt.Errorf("%w: event without kind", ErrMalformed)
		}
		msg := map[string]interface{}{
			"kind": f.Event.Kind,
		}
		if f.Event.Subject != "" {
			msg["subject"] = f.Event.Subject
		}
		if f.Event.Seq != 0 {
			msg["seq"] = f.Event.Seq
		}
		if f.Event.RunID != "" {
			msg["runId"] = f.Event.RunID
		}
		if len(f.Event.Payload) > 0 {
			msg["payload"] = f.Event.Payload
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, f.Type)
	}
}

// parseJSON decodes a JSON object into a Frame.
func parseJSON(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case "ping":
		return Ping(env.ID), nil
	case "pong":
		return Pong(env.ID), nil
	case "resume":
		return Resume(env.RunID, env.LastSeq), nil
	case "", "event":
		if env.Kind == "" {
			return Frame{}, fmt.Errorf("%w: event without kind", ErrMalformed)
		}
		if env.Seq < 0 {
			return Frame{}, fmt.Errorf("%w: negative seq %d", ErrMalformed, env.Seq)
		}
		return EventFrame(event.Event{
			Kind:    env.Kind,
			Subject: env.Subject,
			Seq:     env.Seq,
			RunID:   env.RunID,
			Payload: env.Payload,
		}), nil
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
}
