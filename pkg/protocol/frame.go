package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType identifies the kind of wire frame.
type FrameType string

const (
	FrameRequest  FrameType = "req"   // Client → server RPC call
	FrameResponse FrameType = "res"   // Server → client RPC result
	FrameEvent    FrameType = "event" // Server → client, unsolicited
)

// Frame errors.
var (
	ErrInvalidFrameType = errors.New("protocol: invalid frame type")
	ErrMissingID        = errors.New("protocol: frame missing id")
	ErrMissingMethod    = errors.New("protocol: request frame missing method")
	ErrMissingEventName = errors.New("protocol: event frame missing event name")
)

// Frame is one JSON object exchanged over the WebSocket, one of request,
// response, or event. Exactly one frame per text message.
//
// Wire shapes:
//
//	{"type":"req","id":"...","method":"...","params":{...}}
//	{"type":"res","id":"...","ok":true,"payload":{...}}
//	{"type":"res","id":"...","ok":false,"error":{...}}
//	{"type":"event","event":"...","payload":{...},"seq":7,"stateVersion":{...}}
type Frame struct {
	Type FrameType `json:"type"`

	// Request and response fields.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
	Error  *WireError      `json:"error,omitempty"`

	// Event fields.
	Event        string        `json:"event,omitempty"`
	Seq          uint64        `json:"seq,omitempty"`
	StateVersion *StateVersion `json:"stateVersion,omitempty"`

	// Shared by responses and events.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StateVersion is a pair of monotonic counters summarizing server-side
// presence/health freshness. The client's copy is a cache.
type StateVersion struct {
	Presence int64 `json:"presence"`
	Health   int64 `json:"health"`
}

// Newer reports whether v is strictly fresher than other on either counter.
func (v StateVersion) Newer(other StateVersion) bool {
	return v.Presence > other.Presence || v.Health > other.Health
}

// Validate checks the structural shape of a frame before dispatch.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameRequest:
		if f.ID == "" {
			return ErrMissingID
		}
		if f.Method == "" {
			return ErrMissingMethod
		}
	case FrameResponse:
		if f.ID == "" {
			return ErrMissingID
		}
	case FrameEvent:
		if f.Event == "" {
			return ErrMissingEventName
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFrameType, f.Type)
	}
	return nil
}

// Encode serializes a frame to its wire form after validating its shape.
func Encode(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode parses and validates one wire frame.
func Decode(data []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// NewRequest builds a request frame. Params may be nil.
func NewRequest(id, method string, params json.RawMessage) *Frame {
	return &Frame{Type: FrameRequest, ID: id, Method: method, Params: params}
}

// NewResult builds a successful response frame.
func NewResult(id string, payload json.RawMessage) *Frame {
	ok := true
	return &Frame{Type: FrameResponse, ID: id, OK: &ok, Payload: payload}
}

// NewErrorResult builds a failed response frame.
func NewErrorResult(id string, werr *WireError) *Frame {
	ok := false
	return &Frame{Type: FrameResponse, ID: id, OK: &ok, Error: werr}
}

// NewEvent builds an event frame.
func NewEvent(name string, payload json.RawMessage) *Frame {
	return &Frame{Type: FrameEvent, Event: name, Payload: payload}
}

// Succeeded reports whether a response frame carries a successful result.
func (f *Frame) Succeeded() bool {
	return f.OK != nil && *f.OK
}
