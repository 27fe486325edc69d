package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is an immutable envelope produced by an upstream for a single topic.
// Payload is owned by the producer and is never interpreted by the hub.
type Event struct {
	Topic     Topic           `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emittedAt"`
}

// NewEvent serializes payload and stamps the event with the given time.
func NewEvent(topic Topic, payload any, at time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal payload for topic %s: %w", topic, err)
	}

	return Event{Topic: topic, Payload: raw, EmittedAt: at}, nil
}
