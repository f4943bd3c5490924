package types

import "encoding/json"

// SocketResponse is the reply envelope of every event-channel call.
type SocketResponse struct {
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Ok is the affirmative reply used by event handlers without a payload.
func Ok() SocketResponse {
	return SocketResponse{Success: true}
}

// Fail wraps an error into a negative reply.
func Fail(err error) SocketResponse {
	return SocketResponse{Success: false, Error: err.Error()}
}
