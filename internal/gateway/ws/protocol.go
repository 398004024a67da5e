// Package ws implements the gateway's WebSocket surface: a frame
// protocol plus a hub bridging the event bus to connected clients.
package ws

import "encoding/json"

// FrameType distinguishes the three wire envelopes.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Request methods handled by the hub.
const (
	MethodSubmitTask = "submit_task"
	MethodCancelTask = "cancel_task"
	MethodListTasks  = "list_tasks"
	MethodListJobs   = "list_jobs"
	MethodStatus     = "status"
)

// Frame is the WebSocket protocol envelope.
type Frame struct {
	Type       FrameType       `json:"type"`
	ID         string          `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	OK         *bool           `json:"ok,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	Event      string          `json:"event,omitempty"`
	SessionKey string          `json:"session_key,omitempty"`
}

// MarshalFrame serializes a Frame to JSON bytes.
func MarshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalFrame deserializes JSON bytes into a Frame.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

// NewEventFrame creates a Frame for broadcasting an event.
func NewEventFrame(event, sessionKey string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:       FrameTypeEvent,
		Event:      event,
		SessionKey: sessionKey,
		Payload:    data,
	}, nil
}

// NewResponseFrame creates a response Frame.
func NewResponseFrame(id string, ok bool, payload any, errMsg string) (Frame, error) {
	f := Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: errMsg,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = data
	}
	return f, nil
}
