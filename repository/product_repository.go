package repository

import (
	"context"
	"errors"
	"time"

	"payment-service/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

type MongoProductRepository struct {
	collection *mongo.Collection
}

func NewMongoProductRepository(db *mongo.Database) *MongoProductRepository {
	return &MongoProductRepository{
		collection: db.Collection("products"),
	}
}

func (r *MongoProductRepository) FindByID(ctx context.Context, id primitive.ObjectID) (*models.Product, error) {
	var product models.Product
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&product)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// UpdateStock persists the variation quantities together with the
// recomputed aggregate quantity and stock status.
func (r *MongoProductRepository) UpdateStock(ctx context.Context, product *models.Product) error {
	updates := bson.M{
		"variations": product.Variations,
		"quantity":   product.Quantity,
		"status":     product.Status,
		"sold":       product.Sold,
		"updated_at": time.Now().UTC(),
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": product.ID}, bson.M{"$set": updates})
	return err
}
