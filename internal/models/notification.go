package models

import (
	"time"
)

// NotificationType classifies in-app notifications.
type NotificationType string

const (
	NotificationBidPlaced      NotificationType = "bid_placed"
	NotificationAuctionWon     NotificationType = "auction_won"
	NotificationAuctionClosed  NotificationType = "auction_closed"
	NotificationAuctionUnsold  NotificationType = "auction_unsold"
	NotificationPaymentReceipt NotificationType = "payment_receipt"
)

// Notification is an in-app notification for a user. New notifications are
// also published on the Redis change feed so connected clients can refresh;
// the feed is best effort and consumers must re-fetch rather than trust it.
type Notification struct {
	Base      `bson:",inline"`
	UserID    string           `bson:"user_id" json:"user_id"`
	Type      NotificationType `bson:"type" json:"type"`
	Title     string           `bson:"title" json:"title"`
	Message   string           `bson:"message" json:"message"`
	ListingID string           `bson:"listing_id,omitempty" json:"listing_id,omitempty"`
	Read      bool             `bson:"read" json:"read"`
	CreatedAt time.Time        `bson:"created_at" json:"created_at"`
	Deleted   bool             `bson:"deleted" json:"-"`
}
