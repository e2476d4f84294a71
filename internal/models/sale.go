package models

import (
	"time"
)

// PaymentStatus tracks the lifecycle of a sale's payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Sale is the order record created when an auction winner checks out.
// At most one sale may exist per listing; a unique index on listing_id
// makes the insert the atomic "mark sold" operation.
type Sale struct {
	Base          `bson:",inline"`
	ListingID     string        `bson:"listing_id" json:"listing_id"`
	ListingTitle  string        `bson:"listing_title" json:"listing_title"` // Denormalized for receipts
	BuyerID       string        `bson:"buyer_id" json:"buyer_id"`
	FarmerID      string        `bson:"farmer_id" json:"farmer_id"`
	Amount        int64         `bson:"amount" json:"amount"`
	PaymentMethod string        `bson:"payment_method" json:"payment_method"`
	PaymentStatus PaymentStatus `bson:"payment_status" json:"payment_status"`

	DeliveryAddress string `bson:"delivery_address" json:"delivery_address"`

	// Payment provider references.
	ProviderOrderID   string `bson:"provider_order_id,omitempty" json:"provider_order_id,omitempty"`
	ProviderPaymentID string `bson:"provider_payment_id,omitempty" json:"provider_payment_id,omitempty"`

	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	PaidAt    *time.Time `bson:"paid_at,omitempty" json:"paid_at,omitempty"` // Null until payment completes
}
