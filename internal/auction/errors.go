package auction

import "errors"

// Validation rejections. These surface to users as-is (wrapped with the
// offending amounts), so keep the wording human-readable.
var (
	ErrNoAuction         = errors.New("listing is not open for bidding")
	ErrAuctionNotStarted = errors.New("auction has not started")
	ErrAuctionEnded      = errors.New("auction has ended")
	ErrRoleNotPermitted  = errors.New("only buyers may place bids")
	ErrBidTooLow         = errors.New("bid must exceed current highest bid")
	ErrBidBelowBase      = errors.New("bid must exceed base price")
)

// Resolver errors.
var (
	ErrAuctionStillActive = errors.New("auction is still active")
	ErrNoBids             = errors.New("no bids were placed")
)
