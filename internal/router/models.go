package router

import "encoding/json"

// ClientMessage is the wire shape of every client→server control message.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
