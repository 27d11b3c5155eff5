package repository

import (
	"context"
	"errors"

	"payment-service/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNotFound is returned when a document does not exist, or when a
// conditional update matched nothing (e.g. the payment was no longer
// pending).
var ErrNotFound = errors.New("record not found")

// ErrDuplicateRef is returned when a payment insert collides on the
// unique transaction_ref index. The caller regenerates the ref.
var ErrDuplicateRef = errors.New("duplicate transaction ref")

// PaymentRepository defines data-access operations for payments.
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id primitive.ObjectID) (*models.Payment, error)
	FindByTransactionRef(ctx context.Context, ref string) (*models.Payment, error)
	// MarkCompleted atomically transitions pending → completed. It
	// returns ErrNotFound when the payment was not pending anymore:
	// the caller lost the race and must not materialize an order.
	MarkCompleted(ctx context.Context, id primitive.ObjectID, responseData map[string]string) (*models.Payment, error)
	// MarkFailed atomically transitions pending → failed.
	MarkFailed(ctx context.Context, id primitive.ObjectID, responseData map[string]string) (*models.Payment, error)
	SetOrderID(ctx context.Context, paymentID, orderID primitive.ObjectID) error
}

// OrderRepository covers the single write and the existence check the
// reconciler needs; everything else about orders belongs to the order
// service.
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	FindByPaymentID(ctx context.Context, paymentID primitive.ObjectID) (*models.Order, error)
}

// ProductRepository defines the product reads/writes used by order
// materialization.
type ProductRepository interface {
	FindByID(ctx context.Context, id primitive.ObjectID) (*models.Product, error)
	UpdateStock(ctx context.Context, product *models.Product) error
}
