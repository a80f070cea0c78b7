// Package mirror republishes broadcast events to external brokers so other
// processes can follow the session without holding a viewer connection.
package mirror

import (
	"context"
	"encoding/json"
	"time"
)

type Sink interface {
	Publish(ctx context.Context, event string, payload []byte) error
	Close() error
}

// Envelope is what lands on the external broker.
type Envelope struct {
	Node      string          `json:"node"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts"`
}

func encode(node, event string, payload []byte) ([]byte, error) {
	return json.Marshal(Envelope{
		Node:      node,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	})
}
