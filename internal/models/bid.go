package models

import (
	"time"
)

// Bid is a buyer's monetary offer against a listing. Bids are immutable
// once created; the current highest bid is always re-derived by sorting a
// listing's bids rather than trusting incremental updates.
type Bid struct {
	Base       `bson:",inline"`
	ListingID  string    `bson:"listing_id" json:"listing_id"`
	BidderID   string    `bson:"bidder_id" json:"bidder_id"`
	BidderName string    `bson:"bidder_name" json:"bidder_name"` // Denormalized for display
	Amount     int64     `bson:"amount" json:"amount"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}
