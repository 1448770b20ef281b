package amqp

import (
	"encoding/json"
	"time"
)

// FallbackEvent announces that a transaction call was served by the local
// cache because the remote API could not be reached.
type FallbackEvent struct {
	Operation     string    `json:"operation"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewFallbackEvent(op, transactionID string, reason error) *FallbackEvent {
	ev := &FallbackEvent{
		Operation:     op,
		TransactionID: transactionID,
		Timestamp:     time.Now().UTC(),
	}
	if reason != nil {
		ev.Reason = reason.Error()
	}
	return ev
}

// ToJSON converts the message to JSON bytes
func (m *FallbackEvent) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FallbackEventFromJSON creates an event from JSON bytes
func FallbackEventFromJSON(data []byte) (*FallbackEvent, error) {
	var msg FallbackEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
