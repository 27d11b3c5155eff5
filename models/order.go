package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type OrderItem struct {
	ProductID primitive.ObjectID `json:"product_id" bson:"product_id"`
	Name      string             `json:"name" bson:"name"`
	Image     string             `json:"image" bson:"image"`
	Color     string             `json:"color" bson:"color"`
	Size      string             `json:"size" bson:"size"`
	Quantity  int                `json:"quantity" bson:"quantity"`
	Price     int64              `json:"price" bson:"price"`
}

// PaymentInfo links an order back to the gateway transaction that paid
// for it. Exactly one order may reference a given payment.
type PaymentInfo struct {
	TransactionRef string             `json:"transaction_ref" bson:"transaction_ref"`
	PaymentID      primitive.ObjectID `json:"payment_id" bson:"payment_id"`
}

// Order is created once by payment reconciliation and handed off to the
// order-lifecycle service afterwards. It starts as "pending": a paid
// order still waits for an explicit admin confirmation.
type Order struct {
	ID            primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	UserID        string             `json:"user_id" bson:"user_id"`
	Items         []OrderItem        `json:"items" bson:"items"`
	Address       ShippingAddress    `json:"address" bson:"address"`
	ShippingFee   int64              `json:"shipping_fee" bson:"shipping_fee"`
	PaymentMethod string             `json:"payment_method" bson:"payment_method"`
	TotalAmount   int64              `json:"total_amount" bson:"total_amount"`
	Status        string             `json:"status" bson:"status"`
	PaymentInfo   PaymentInfo        `json:"payment_info" bson:"payment_info"`
	CreatedAt     time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at" bson:"updated_at"`
}

const (
	OrderStatusPending = "pending"
	PaymentMethodVNPay = "vnpay"
)
