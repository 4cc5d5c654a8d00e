package peersync

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/concord/internal/eventbus"
	"github.com/MarcoPoloResearchLab/concord/internal/state"
)

// ErrMalformedFrame indicates a peer frame that cannot be decoded or lacks its payload.
var ErrMalformedFrame = errors.New("peersync: malformed frame")

// FrameType discriminates peer frames.
type FrameType string

const (
	FrameHello       FrameType = "hello"
	FrameDelta       FrameType = "delta"
	FrameEvent       FrameType = "event"
	FrameSyncRequest FrameType = "sync_request"
)

// Frame is one JSON message on a peer link.
type Frame struct {
	Type       FrameType       `json:"type"`
	ServerName string          `json:"server_name,omitempty"`
	Delta      *state.Delta    `json:"delta,omitempty"`
	Event      *eventbus.Event `json:"event,omitempty"`
}

// EncodeFrame renders a frame.
func EncodeFrame(frame Frame) ([]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("peersync: encode %s frame: %w", frame.Type, err)
	}
	return payload, nil
}

// DecodeFrame parses and shape-checks a frame.
func DecodeFrame(payload []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch frame.Type {
	case FrameHello, FrameSyncRequest:
	case FrameDelta:
		if frame.Delta == nil {
			return Frame{}, fmt.Errorf("%w: delta frame without delta", ErrMalformedFrame)
		}
	case FrameEvent:
		if frame.Event == nil {
			return Frame{}, fmt.Errorf("%w: event frame without event", ErrMalformedFrame)
		}
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, frame.Type)
	}
	return frame, nil
}
