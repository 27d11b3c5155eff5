package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Terminal reports whether the payment has reached a final state.
// Completed and failed payments never transition again.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// SnapshotItem is a single line item captured at payment-creation time.
type SnapshotItem struct {
	ProductID primitive.ObjectID `json:"product_id" bson:"product_id"`
	Name      string             `json:"name,omitempty" bson:"name,omitempty"`
	Image     string             `json:"image,omitempty" bson:"image,omitempty"`
	Color     string             `json:"color" bson:"color"`
	Size      string             `json:"size" bson:"size"`
	Quantity  int                `json:"quantity" bson:"quantity"`
	Price     int64              `json:"price" bson:"price"` // minor units (VND)
}

type ShippingAddress struct {
	FullName    string `json:"full_name" bson:"full_name"`
	PhoneNumber string `json:"phone_number" bson:"phone_number"`
	Province    string `json:"province" bson:"province"`
	District    string `json:"district" bson:"district"`
	Ward        string `json:"ward" bson:"ward"`
	Street      string `json:"street" bson:"street"`
}

// OrderSnapshot is the cart state frozen when the payment was initiated.
// Order materialization reads this snapshot, never the live cart, since
// the cart may have changed by the time the gateway calls back.
type OrderSnapshot struct {
	Items           []SnapshotItem  `json:"items" bson:"items"`
	ShippingAddress ShippingAddress `json:"shipping_address" bson:"shipping_address"`
	ShippingFee     int64           `json:"shipping_fee" bson:"shipping_fee"`
}

// Payment is a pending gateway transaction. TransactionRef is the
// idempotency key correlating the two VNPay callback channels.
type Payment struct {
	ID             primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	OrderID        primitive.ObjectID `json:"order_id,omitempty" bson:"order_id,omitempty"`
	UserID         string             `json:"user_id" bson:"user_id"`
	Amount         int64              `json:"amount" bson:"amount"` // minor units (VND)
	PaymentType    string             `json:"payment_type" bson:"payment_type"`
	TransactionRef string             `json:"transaction_ref" bson:"transaction_ref"`
	Status         PaymentStatus      `json:"status" bson:"status"`
	OrderDetails   OrderSnapshot      `json:"order_details" bson:"order_details"`
	ResponseData   map[string]string  `json:"response_data,omitempty" bson:"response_data,omitempty"`
	CreatedAt      time.Time          `json:"created_at" bson:"created_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}
