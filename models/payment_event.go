package models

import "time"

// payment-service → order-service / notification-service
type PaymentEvent struct {
	Type           string    `json:"type"` // "payment_succeeded" | "payment_failed"
	PaymentID      string    `json:"payment_id"`
	OrderID        string    `json:"order_id,omitempty"`
	UserID         string    `json:"user_id"`
	TransactionRef string    `json:"transaction_ref"`
	Amount         int64     `json:"amount,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

const (
	PaymentEventSucceeded = "payment_succeeded"
	PaymentEventFailed    = "payment_failed"
)

// NotificationEvent is consumed by the notification service; delivery
// (push, socket, mail) is its concern, not ours.
type NotificationEvent struct {
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	OrderID   string    `json:"order_id,omitempty"`
	Image     string    `json:"image,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
