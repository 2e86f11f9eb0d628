package delivery

import "encoding/json"

// Message is an outbound frame.
type Message struct {
	Action  string `json:"action"`
	Payload any    `json:"payload"`
}

// Encode marshals an outbound frame.
func Encode(action string, payload any) ([]byte, error) {
	return json.Marshal(Message{Action: action, Payload: payload})
}
