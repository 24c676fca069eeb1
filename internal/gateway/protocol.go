package gateway

import (
	"encoding/json"

	"github.com/soyeahso/livechat/internal/domain"
)

// Frame types for the WebSocket protocol.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Frame is the base envelope for all WebSocket messages.
// The Type field discriminates between request, response, and event frames.
// Inbound chat events are request frames whose Method is the event name.
type Frame struct {
	Type string `json:"type"`

	// Request fields
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Event fields
	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`

	// Error (response only)
	Error *ErrorShape `json:"error,omitempty"`
}

// ErrorShape is the structured error sent to the acting connection.
type ErrorShape struct {
	Type      string         `json:"type"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// ConnectParams are sent by the client in the "connect" request when the
// upgrade request carried no credentials.
type ConnectParams struct {
	Auth *Credentials `json:"auth,omitempty"`
}

// Welcome is the payload returned once a connection is authenticated and
// registered.
type Welcome struct {
	Protocol    int             `json:"protocol"`
	ConnID      string          `json:"connId"`
	Identity    domain.Identity `json:"identity"`
	Status      domain.Status   `json:"status"`
	Reconnected bool            `json:"reconnected"`
	// Rooms lists the visitor's open rooms, or the rooms the agent is
	// assigned to.
	Rooms []string `json:"rooms"`
	// JoinedRooms lists rooms this connection is already a participant of.
	JoinedRooms []string      `json:"joinedRooms,omitempty"`
	OpenRooms   []string      `json:"openRooms,omitempty"`
	Agent       *domain.Agent `json:"agent,omitempty"`
	Server      ServerInfo    `json:"server"`
}

// ServerInfo identifies the gateway node.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Node    string `json:"node"`
}

// NewRequest creates a request frame.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:   FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}, nil
}

// NewResponse creates a success response frame.
func NewResponse(id string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		OK:      &ok,
		Payload: raw,
	}, nil
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(id string, errShape ErrorShape) Frame {
	ok := false
	return Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: &errShape,
	}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload any, seq int64) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: raw,
		Seq:     seq,
	}, nil
}

// Protocol version supported by this server.
const ProtocolVersion = 1
