package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"payment-service/models"

	"github.com/redis/go-redis/v9"
)

// CartStore abstracts the cart backend so the payment service can be
// tested without Redis.
type CartStore interface {
	ClearCart(ctx context.Context, userID string) error
}

type CartRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCartRepository(client *redis.Client, ttl time.Duration) *CartRepository {
	return &CartRepository{
		client: client,
		ttl:    ttl,
	}
}

func (r *CartRepository) getKey(userID string) string {
	return fmt.Sprintf("cart:user:%s", userID)
}

// ClearCart empties the user's cart after a successful payment. Writing
// an empty cart (rather than deleting the key) keeps the behavior
// idempotent and preserves the UpdatedAt marker for the cart service.
func (r *CartRepository) ClearCart(ctx context.Context, userID string) error {
	key := r.getKey(userID)
	cart := models.Cart{
		UserID:    userID,
		Items:     []models.CartItem{},
		UpdatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(cart)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, r.ttl).Err()
}
