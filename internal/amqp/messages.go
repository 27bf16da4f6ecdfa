package amqp

import (
	"encoding/json"
	"time"
)

// NotificationMessage tells the notify worker to deliver one best-effort
// resident notification. Kind is one of "evidence_received",
// "validation_approved", "validation_rejected", "credit_applied",
// "obligation_created".
type NotificationMessage struct {
	ResidentID string    `json:"resident_id"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewNotificationMessage creates a notification message stamped now.
func NewNotificationMessage(residentID, kind, message string) *NotificationMessage {
	return &NotificationMessage{
		ResidentID: residentID,
		Kind:       kind,
		Message:    message,
		Timestamp:  time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *NotificationMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// NotificationMessageFromJSON creates a message from JSON bytes
func NotificationMessageFromJSON(data []byte) (*NotificationMessage, error) {
	var msg NotificationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// PaymentReportMessage is a lightweight pointer to a settled obligation.
// The report worker fetches the full row from the database, so a stale
// message never exports stale amounts.
type PaymentReportMessage struct {
	ObligationID string    `json:"obligation_id"`
	Version      int64     `json:"version"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewPaymentReportMessage creates a report message with just the id and version.
func NewPaymentReportMessage(obligationID string, version int64) *PaymentReportMessage {
	return &PaymentReportMessage{
		ObligationID: obligationID,
		Version:      version,
		Timestamp:    time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *PaymentReportMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// PaymentReportMessageFromJSON creates a message from JSON bytes
func PaymentReportMessageFromJSON(data []byte) (*PaymentReportMessage, error) {
	var msg PaymentReportMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
