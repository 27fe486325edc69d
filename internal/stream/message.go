package stream

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the wire envelope sent to observers.
type MessageType string

const (
	MessageTypeConnection MessageType = "connection"
	MessageTypeData       MessageType = "kafka-message"
	MessageTypeError      MessageType = "error"
)

// ConnectionStatus is carried by connection messages.
type ConnectionStatus string

const (
	// StatusConnected means the transport to the endpoint is open.
	StatusConnected ConnectionStatus = "connected"
	// StatusUpstreamConnected means the hub's upstream is running.
	StatusUpstreamConnected ConnectionStatus = "kafka-connected"
)

// Message is the server to client envelope. Which fields are set depends on Type.
type Message struct {
	Type      MessageType      `json:"type"`
	Topic     Topic            `json:"topic,omitempty"`
	Data      json.RawMessage  `json:"data,omitempty"`
	Timestamp int64            `json:"timestamp,omitempty"`
	Status    ConnectionStatus `json:"status,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// DataMessage wraps an event for delivery.
func DataMessage(e Event) Message {
	return Message{
		Type:      MessageTypeData,
		Topic:     e.Topic,
		Data:      e.Payload,
		Timestamp: e.EmittedAt.UnixMilli(),
	}
}

func ConnectedMessage() Message {
	return Message{
		Type:    MessageTypeConnection,
		Status:  StatusConnected,
		Message: "SSE connection established",
	}
}

func UpstreamConnectedMessage() Message {
	return Message{
		Type:    MessageTypeConnection,
		Status:  StatusUpstreamConnected,
		Message: "Successfully connected to Kafka stream",
	}
}

// ErrorMessage reports an upstream failure to observers.
func ErrorMessage(err error) Message {
	msg := "Failed to connect to Kafka"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}

	return Message{Type: MessageTypeError, Message: msg}
}

// Encode renders the message as compact JSON.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}

	return b, nil
}
