package models

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	ProductStatusActive       = "active"
	ProductStatusOutOfStock   = "out_of_stock"
	ProductStatusDiscontinued = "discontinued"
)

// Variation is a sellable combination of color and size with its own stock.
type Variation struct {
	Color    string `json:"color" bson:"color"`
	Size     string `json:"size" bson:"size"`
	Quantity int    `json:"quantity" bson:"quantity"`
}

type Product struct {
	ID         primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Name       string             `json:"name" bson:"name"`
	Image      string             `json:"image" bson:"image"`
	Price      int64              `json:"price" bson:"price"`
	Quantity   int                `json:"quantity" bson:"quantity"` // sum of variation quantities
	Sold       int                `json:"sold" bson:"sold"`
	Variations []Variation        `json:"variations" bson:"variations"`
	Status     string             `json:"status" bson:"status"`
}

// FindVariation returns the variation matching color and size, or nil.
func (p *Product) FindVariation(color, size string) *Variation {
	for i := range p.Variations {
		if p.Variations[i].Color == color && p.Variations[i].Size == size {
			return &p.Variations[i]
		}
	}
	return nil
}

// RecalculateStock recomputes the aggregate quantity from the variations
// and flips the derived stock status. A manually discontinued product
// keeps its status.
func (p *Product) RecalculateStock() {
	total := 0
	for _, v := range p.Variations {
		total += v.Quantity
	}
	p.Quantity = total

	if p.Status == ProductStatusDiscontinued {
		return
	}
	if total <= 0 {
		p.Status = ProductStatusOutOfStock
	} else {
		p.Status = ProductStatusActive
	}
}
