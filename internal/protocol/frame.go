package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types appearing on the wire. Outbound: REQ, CLOSE, EVENT.
// Inbound: EVENT, EOSE, NOTICE, OK.
const (
	FrameEvent  = "EVENT"
	FrameReq    = "REQ"
	FrameClose  = "CLOSE"
	FrameEOSE   = "EOSE"
	FrameNotice = "NOTICE"
	FrameOK     = "OK"
)

// ErrMalformedFrame is returned for frames that cannot be decoded. The
// router drops such frames silently.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Frame is a decoded inbound frame.
type Frame struct {
	Type  string
	SubID string // EVENT, EOSE
	Event *Event // EVENT

	// OK frame fields: relay-level acceptance for a published event.
	EventID  string
	Accepted bool

	// NOTICE text or OK reason.
	Message string
}

// EncodeReq builds an outbound subscribe frame ["REQ", subID, filter, ...].
func EncodeReq(subID string, filters ...Filter) ([]byte, error) {
	parts := make([]any, 0, 2+len(filters))
	parts = append(parts, FrameReq, subID)
	for _, f := range filters {
		parts = append(parts, f)
	}
	return json.Marshal(parts)
}

// EncodeClose builds an outbound unsubscribe frame ["CLOSE", subID].
func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{FrameClose, subID})
}

// EncodeEvent builds an outbound publish frame ["EVENT", event].
func EncodeEvent(e *Event) ([]byte, error) {
	return json.Marshal([]any{FrameEvent, e})
}

// ParseFrame decodes an inbound frame. Unknown frame types decode into a
// Frame carrying only Type and Message so callers can log and drop them.
func ParseFrame(data []byte) (*Frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformedFrame)
	}
	var typ string
	if err := json.Unmarshal(raw[0], &typ); err != nil {
		return nil, fmt.Errorf("%w: non-string type", ErrMalformedFrame)
	}

	f := &Frame{Type: typ}
	switch typ {
	case FrameEvent:
		// Inbound delivery: ["EVENT", subID, event].
		if len(raw) < 3 {
			return nil, fmt.Errorf("%w: EVENT needs 3 elements", ErrMalformedFrame)
		}
		if err := json.Unmarshal(raw[1], &f.SubID); err != nil {
			return nil, fmt.Errorf("%w: EVENT sub id", ErrMalformedFrame)
		}
		f.Event = &Event{}
		if err := json.Unmarshal(raw[2], f.Event); err != nil {
			return nil, fmt.Errorf("%w: EVENT payload: %v", ErrMalformedFrame, err)
		}
	case FrameEOSE:
		if len(raw) < 2 {
			return nil, fmt.Errorf("%w: EOSE needs 2 elements", ErrMalformedFrame)
		}
		if err := json.Unmarshal(raw[1], &f.SubID); err != nil {
			return nil, fmt.Errorf("%w: EOSE sub id", ErrMalformedFrame)
		}
	case FrameOK:
		if len(raw) < 3 {
			return nil, fmt.Errorf("%w: OK needs 3 elements", ErrMalformedFrame)
		}
		if err := json.Unmarshal(raw[1], &f.EventID); err != nil {
			return nil, fmt.Errorf("%w: OK event id", ErrMalformedFrame)
		}
		if err := json.Unmarshal(raw[2], &f.Accepted); err != nil {
			return nil, fmt.Errorf("%w: OK accepted flag", ErrMalformedFrame)
		}
		if len(raw) > 3 {
			_ = json.Unmarshal(raw[3], &f.Message)
		}
	case FrameNotice:
		if len(raw) > 1 {
			_ = json.Unmarshal(raw[1], &f.Message)
		}
	default:
		// Passed through for logging; the router drops it.
		f.Message = string(data)
	}
	return f, nil
}
