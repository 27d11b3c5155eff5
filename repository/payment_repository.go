package repository

import (
	"context"
	"errors"
	"time"

	"payment-service/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoPaymentRepository struct {
	collection *mongo.Collection
}

func NewMongoPaymentRepository(db *mongo.Database) *MongoPaymentRepository {
	return &MongoPaymentRepository{
		collection: db.Collection("payments"),
	}
}

// EnsureIndexes creates the unique index on transaction_ref. The index
// backs idempotent ref generation: a colliding insert fails with a
// duplicate-key error and the caller regenerates.
func (r *MongoPaymentRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "transaction_ref", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *MongoPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.ID.IsZero() {
		payment.ID = primitive.NewObjectID()
	}
	payment.CreatedAt = time.Now().UTC()
	_, err := r.collection.InsertOne(ctx, payment)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateRef
	}
	return err
}

func (r *MongoPaymentRepository) FindByID(ctx context.Context, id primitive.ObjectID) (*models.Payment, error) {
	var payment models.Payment
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&payment)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *MongoPaymentRepository) FindByTransactionRef(ctx context.Context, ref string) (*models.Payment, error) {
	var payment models.Payment
	err := r.collection.FindOne(ctx, bson.M{"transaction_ref": ref}).Decode(&payment)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// MarkCompleted is the linearization point of callback reconciliation.
// The status filter makes the transition a compare-and-swap: of two
// concurrent callers only one matches the pending document, the other
// gets ErrNotFound and takes the already-processed branch.
func (r *MongoPaymentRepository) MarkCompleted(ctx context.Context, id primitive.ObjectID, responseData map[string]string) (*models.Payment, error) {
	return r.transition(ctx, id, models.PaymentStatusCompleted, responseData)
}

func (r *MongoPaymentRepository) MarkFailed(ctx context.Context, id primitive.ObjectID, responseData map[string]string) (*models.Payment, error) {
	return r.transition(ctx, id, models.PaymentStatusFailed, responseData)
}

func (r *MongoPaymentRepository) transition(ctx context.Context, id primitive.ObjectID, status models.PaymentStatus, responseData map[string]string) (*models.Payment, error) {
	now := time.Now().UTC()
	update := bson.M{
		"status":       status,
		"completed_at": now,
	}
	if responseData != nil {
		update["response_data"] = responseData
	}

	filter := bson.M{"_id": id, "status": models.PaymentStatusPending}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var payment models.Payment
	err := r.collection.FindOneAndUpdate(ctx, filter, bson.M{"$set": update}, opts).Decode(&payment)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *MongoPaymentRepository) SetOrderID(ctx context.Context, paymentID, orderID primitive.ObjectID) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": paymentID},
		bson.M{"$set": bson.M{"order_id": orderID}},
	)
	return err
}
