package models

import (
	"time"
)

// Listing represents a farmer's produce offering, optionally auctioned over
// a time window. Prices are whole currency units (INR).
type Listing struct {
	Base        `bson:",inline"`
	FarmerID    string   `bson:"farmer_id" json:"farmer_id"`
	FarmerName  string   `bson:"farmer_name" json:"farmer_name"` // Denormalized for display
	Title       string   `bson:"title" json:"title"`
	Description string   `bson:"description" json:"description"`
	Tags        []string `bson:"tags" json:"tags"`
	Images      []string `bson:"images" json:"images"` // S3 keys
	BasePrice   int64    `bson:"base_price" json:"base_price"`
	Quantity    int      `bson:"quantity" json:"quantity"`
	Unit        string   `bson:"unit" json:"unit"` // e.g. "kg", "quintal", "dozen"

	// Auction window. Bidding is only possible when both are set; a listing
	// with neither (or only one) configured never accepts bids.
	AuctionStart *time.Time `bson:"auction_start,omitempty" json:"auction_start,omitempty"`
	AuctionEnd   *time.Time `bson:"auction_end,omitempty" json:"auction_end,omitempty"`

	// Denormalized acceptance state. HighestBid is the amount of the last
	// accepted bid (0 when none); acceptance writes it with a conditional
	// update so two racing bids cannot both pass validation. Reads still
	// re-derive the highest bid from the bids collection.
	HighestBid      int64  `bson:"highest_bid" json:"highest_bid"`
	HighestBidderID string `bson:"highest_bidder_id,omitempty" json:"highest_bidder_id,omitempty"`
	BidCount        int    `bson:"bid_count" json:"bid_count"`

	Available     bool `bson:"available" json:"available"` // Flips to false when a sale completes
	CloseNotified bool `bson:"close_notified" json:"-"`    // Set by the auction sweep task

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
	Deleted   bool      `bson:"deleted" json:"-"` // Soft delete flag
}
