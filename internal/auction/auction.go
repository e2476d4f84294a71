package auction

import (
	"fmt"
	"sort"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/models"
)

// HighestAmount returns the amount a new bid has to beat: the top bid if any
// exist, otherwise the listing's base price.
func HighestAmount(bids []models.Bid, basePrice int64) int64 {
	highest := basePrice
	for _, b := range bids {
		if b.Amount > highest {
			highest = b.Amount
		}
	}
	return highest
}

// ValidateBid applies the bidding rules in order; the first failure wins.
//
//  1. The auction window must be active.
//  2. The caller must hold the buyer role.
//  3. The amount must strictly exceed the current highest bid.
//  4. The amount must strictly exceed the base price.
//
// highestBid is the current highest accepted amount, or 0 when no bids
// exist (rule 4 then carries the base-price floor).
func ValidateBid(role models.Role, amount, basePrice, highestBid int64, state WindowState) error {
	switch state {
	case WindowActive:
		// fall through to the remaining rules
	case WindowNone:
		return ErrNoAuction
	case WindowNotStarted:
		return ErrAuctionNotStarted
	case WindowEnded:
		return ErrAuctionEnded
	default:
		return fmt.Errorf("unknown auction window state %q", state)
	}

	switch role {
	case models.RoleBuyer:
	case models.RoleFarmer:
		return ErrRoleNotPermitted
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	if highestBid > 0 && amount <= highestBid {
		return fmt.Errorf("%w of %d", ErrBidTooLow, highestBid)
	}
	if amount <= basePrice {
		return fmt.Errorf("%w of %d", ErrBidBelowBase, basePrice)
	}
	return nil
}

// SortBids orders bids best-first: highest amount, then earliest creation
// time, then lowest ID. The tie-break rule is deliberate and documented:
// for equal amounts the earliest bid wins, and the ID comparison makes the
// order fully deterministic even for identical timestamps.
func SortBids(bids []models.Bid) []models.Bid {
	sorted := make([]models.Bid, len(bids))
	copy(sorted, bids)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Amount != sorted[j].Amount {
			return sorted[i].Amount > sorted[j].Amount
		}
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// ResolveWinner determines the winning bid once the window has closed.
// Returns ErrAuctionStillActive unless the window has ended, and ErrNoBids
// when the listing closed without bids (the listing is simply unsold).
func ResolveWinner(bids []models.Bid, state WindowState) (*models.Bid, error) {
	switch state {
	case WindowEnded:
	case WindowNone, WindowNotStarted, WindowActive:
		return nil, ErrAuctionStillActive
	default:
		return nil, fmt.Errorf("unknown auction window state %q", state)
	}

	if len(bids) == 0 {
		return nil, ErrNoBids
	}
	sorted := SortBids(bids)
	winner := sorted[0]
	return &winner, nil
}
