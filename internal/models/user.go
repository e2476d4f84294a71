package models

import (
	"fmt"
	"time"
)

// Role distinguishes the two kinds of accounts in the marketplace.
// It is deliberately a closed two-variant type: every decision point must
// handle both variants explicitly instead of comparing ad hoc strings.
type Role string

const (
	RoleFarmer Role = "farmer"
	RoleBuyer  Role = "buyer"
)

// ParseRole validates a role string coming from an API payload or JWT claim.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleFarmer:
		return RoleFarmer, nil
	case RoleBuyer:
		return RoleBuyer, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// NotificationPreferences allows users to switch off email notifications.
// In-app notifications are always recorded.
type NotificationPreferences struct {
	BidPlaced      bool `bson:"bid_placed" json:"bid_placed"`
	AuctionClosed  bool `bson:"auction_closed" json:"auction_closed"`
	PaymentReceipt bool `bson:"payment_receipt" json:"payment_receipt"`
}

// User represents a farmer or buyer account.
type User struct {
	Base         `bson:",inline"`
	Name         string    `bson:"name" json:"name"`
	Email        string    `bson:"email" json:"email"`
	PasswordHash string    `bson:"password" json:"-"` // Store hash, not plaintext
	Role         Role      `bson:"role" json:"role"`
	Address      string    `bson:"address,omitempty" json:"address,omitempty"`
	Suspended    bool      `bson:"suspended" json:"suspended"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`

	NotificationPreferences *NotificationPreferences `bson:"notification_preferences,omitempty" json:"notification_preferences,omitempty"`
	Deleted                 bool                     `bson:"deleted" json:"-"` // Soft delete flag
}
