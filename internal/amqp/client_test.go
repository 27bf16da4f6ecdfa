package amqp

import (
	"testing"
	"time"
)

func TestNewNotificationMessage(t *testing.T) {
	msg := NewNotificationMessage("res-1", "validation_approved", "Tu pago fue validado")

	if msg.ResidentID != "res-1" {
		t.Errorf("ResidentID = %v, want res-1", msg.ResidentID)
	}
	if msg.Kind != "validation_approved" {
		t.Errorf("Kind = %v, want validation_approved", msg.Kind)
	}
	if msg.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}
	if time.Since(msg.Timestamp) > time.Second {
		t.Error("Timestamp should be recent")
	}
}

func TestNotificationMessage_JSON(t *testing.T) {
	timestamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &NotificationMessage{
		ResidentID: "res-1",
		Kind:       "credit_applied",
		Message:    "Se aplicó tu saldo a favor",
		Timestamp:  timestamp,
	}

	jsonBytes, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	parsed, err := NotificationMessageFromJSON(jsonBytes)
	if err != nil {
		t.Fatalf("NotificationMessageFromJSON() error = %v", err)
	}

	if parsed.ResidentID != msg.ResidentID {
		t.Errorf("Parsed ResidentID = %v, want %v", parsed.ResidentID, msg.ResidentID)
	}
	if parsed.Kind != msg.Kind {
		t.Errorf("Parsed Kind = %v, want %v", parsed.Kind, msg.Kind)
	}
	if !parsed.Timestamp.Equal(msg.Timestamp) {
		t.Errorf("Parsed Timestamp = %v, want %v", parsed.Timestamp, msg.Timestamp)
	}
}

func TestPaymentReportMessage_JSON(t *testing.T) {
	msg := NewPaymentReportMessage("obl-42", 3)

	jsonBytes, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	parsed, err := PaymentReportMessageFromJSON(jsonBytes)
	if err != nil {
		t.Fatalf("PaymentReportMessageFromJSON() error = %v", err)
	}

	if parsed.ObligationID != "obl-42" {
		t.Errorf("Parsed ObligationID = %v, want obl-42", parsed.ObligationID)
	}
	if parsed.Version != 3 {
		t.Errorf("Parsed Version = %v, want 3", parsed.Version)
	}
}

func TestPaymentReportMessage_InvalidJSON(t *testing.T) {
	invalidJSON := []byte(`{"version": "not_a_number"}`)

	if _, err := PaymentReportMessageFromJSON(invalidJSON); err == nil {
		t.Error("PaymentReportMessageFromJSON() should fail with invalid JSON")
	}
}
