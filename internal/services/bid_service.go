package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/auction"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/cache"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/config"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/db"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/models"
)

// TypeBidNotify is the background task fanning out notifications after an
// accepted bid. Defined here (not in the tasks package) because the service
// is the enqueuer and the tasks package already imports services.
const TypeBidNotify = "bid:notify"

// BidNotifyPayload carries the context a bid notification needs.
// PreviousBidderID is a best-effort snapshot taken before acceptance; the
// handler treats it as advisory only.
type BidNotifyPayload struct {
	ListingID        string `json:"listing_id"`
	BidID            string `json:"bid_id"`
	PreviousBidderID string `json:"previous_bidder_id,omitempty"`
}

// ListingEvent is the payload published on the per-listing Redis channel.
// Delivery is at-least-once and unordered; subscribers re-fetch the bid
// list instead of applying the event as a delta.
type ListingEvent struct {
	Type      string `json:"type"`
	ListingID string `json:"listing_id"`
	BidID     string `json:"bid_id,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
}

// IBidService defines the interface for bid-related operations.
type IBidService interface {
	PlaceBid(ctx context.Context, listingID, bidderID string, amount int64, now time.Time) (*models.Bid, error)
	BidsForListing(ctx context.Context, listingID string) ([]models.Bid, error)
	BidsByBidder(ctx context.Context, bidderID string, limit int) ([]models.Bid, error)
	HighestBid(ctx context.Context, listingID string) (int64, error)
	Winner(ctx context.Context, listingID string, now time.Time) (*models.Bid, error)
}

const bidsCollection = "bids"

// bidService implements IBidService.
type bidService struct {
	db         *mongo.Database
	cfg        *config.Config
	taskClient *asynq.Client
	rdb        *redis.Client
}

// NewBidService creates a new BidService. taskClient and rdb may be nil in
// tests; notification fan-out is then skipped.
func NewBidService(db *mongo.Database, cfg *config.Config, taskClient *asynq.Client, rdb *redis.Client) IBidService {
	return &bidService{db: db, cfg: cfg, taskClient: taskClient, rdb: rdb}
}

// PlaceBid validates and records a bid against a listing.
//
// Acceptance is a conditional update on the listing's denormalized
// highest_bid: the filter requires the stored amount to still be below the
// new bid, so of two racing bids only one can match and the loser gets a
// too-low rejection against the amount that actually won.
func (s *bidService) PlaceBid(ctx context.Context, listingID, bidderID string, amount int64, now time.Time) (*models.Bid, error) {
	listings := s.db.Collection(listingsCollection)

	var listing models.Listing
	err := listings.FindOne(ctx, bson.M{"_id": listingID, "deleted": false}).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding listing %s: %w", listingID, err)
	}

	var bidder models.User
	err = s.db.Collection(usersCollection).
		FindOne(ctx, bson.M{"_id": bidderID, "deleted": false}).Decode(&bidder)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding bidder %s: %w", bidderID, err)
	}

	state := auction.WindowAt(listing.AuctionStart, listing.AuctionEnd, now)
	if err := auction.ValidateBid(bidder.Role, amount, listing.BasePrice, listing.HighestBid, state); err != nil {
		return nil, err
	}

	previousBidderID := listing.HighestBidderID

	// Compare-and-set acceptance. The window and ownership were validated
	// above; only the amount race is decided here.
	casFilter := bson.M{
		"_id":         listingID,
		"deleted":     false,
		"highest_bid": bson.M{"$lt": amount},
	}
	casUpdate := bson.M{
		"$set": bson.M{
			"highest_bid":       amount,
			"highest_bidder_id": bidderID,
			"updated_at":        now,
		},
		"$inc": bson.M{"bid_count": 1},
	}
	err = listings.FindOneAndUpdate(ctx, casFilter, casUpdate,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Lost the race (or the listing vanished). Re-read for the
			// amount the rejection should quote.
			var current models.Listing
			readErr := listings.FindOne(ctx, bson.M{"_id": listingID, "deleted": false}).Decode(&current)
			if readErr != nil {
				return nil, mongo.ErrNoDocuments
			}
			return nil, fmt.Errorf("%w of %d", auction.ErrBidTooLow, current.HighestBid)
		}
		return nil, fmt.Errorf("failed to accept bid on listing %s: %w", listingID, err)
	}

	newBid := &models.Bid{
		ListingID:  listingID,
		BidderID:   bidderID,
		BidderName: bidder.Name,
		Amount:     amount,
		CreatedAt:  now,
	}
	if _, err := db.InsertOne(ctx, s.db.Collection(bidsCollection), newBid); err != nil {
		// The listing already points at this amount; the bid record is the
		// audit trail, so failing to write it is a hard error.
		return nil, fmt.Errorf("failed to record bid on listing %s: %w", listingID, err)
	}

	log.WithFields(log.Fields{
		"listing_id": listingID,
		"bid_id":     newBid.ID,
		"amount":     amount,
	}).Info("Bid accepted")

	s.enqueueBidNotify(ctx, listingID, newBid.ID, previousBidderID)
	s.publishEvent(ctx, ListingEvent{
		Type:      string(models.NotificationBidPlaced),
		ListingID: listingID,
		BidID:     newBid.ID,
		Amount:    amount,
	})

	return newBid, nil
}

// enqueueBidNotify schedules the notification fan-out. Failures are logged,
// not returned: the bid is already accepted.
func (s *bidService) enqueueBidNotify(ctx context.Context, listingID, bidID, previousBidderID string) {
	if s.taskClient == nil {
		return
	}
	payload, _ := json.Marshal(BidNotifyPayload{
		ListingID:        listingID,
		BidID:            bidID,
		PreviousBidderID: previousBidderID,
	})
	task := asynq.NewTask(TypeBidNotify, payload)
	if _, err := s.taskClient.EnqueueContext(ctx, task, asynq.Queue("default")); err != nil {
		log.Errorf("Failed to enqueue bid notification for listing %s: %v", listingID, err)
	}
}

// publishEvent pushes a listing event onto the Redis channel, best effort.
func (s *bidService) publishEvent(ctx context.Context, event ListingEvent) {
	if s.rdb == nil {
		return
	}
	payload, _ := json.Marshal(event)
	if err := s.rdb.Publish(ctx, cache.ListingEventsChannel(event.ListingID), payload).Err(); err != nil {
		log.Errorf("Failed to publish listing event for %s: %v", event.ListingID, err)
	}
}

// BidsForListing returns a listing's bids best-first.
func (s *bidService) BidsForListing(ctx context.Context, listingID string) ([]models.Bid, error) {
	cur, err := s.db.Collection(bidsCollection).Find(ctx, bson.M{"listing_id": listingID})
	if err != nil {
		return nil, fmt.Errorf("failed to query bids for listing %s: %w", listingID, err)
	}
	defer cur.Close(ctx)

	var bids []models.Bid
	if err = cur.All(ctx, &bids); err != nil {
		return nil, fmt.Errorf("failed to decode bids for listing %s: %w", listingID, err)
	}
	return auction.SortBids(bids), nil
}

// BidsByBidder returns a buyer's recent bids, newest first.
func (s *bidService) BidsByBidder(ctx context.Context, bidderID string, limit int) ([]models.Bid, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := s.db.Collection(bidsCollection).Find(ctx, bson.M{"bidder_id": bidderID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids for bidder %s: %w", bidderID, err)
	}
	defer cur.Close(ctx)

	var bids []models.Bid
	if err = cur.All(ctx, &bids); err != nil {
		return nil, fmt.Errorf("failed to decode bids for bidder %s: %w", bidderID, err)
	}
	return bids, nil
}

// HighestBid re-derives the amount to beat from the bid records and the
// listing's base price. The denormalized listing field is for acceptance
// only; reads come from here.
func (s *bidService) HighestBid(ctx context.Context, listingID string) (int64, error) {
	var listing models.Listing
	err := s.db.Collection(listingsCollection).
		FindOne(ctx, bson.M{"_id": listingID, "deleted": false}).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, mongo.ErrNoDocuments
		}
		return 0, fmt.Errorf("error finding listing %s: %w", listingID, err)
	}

	bids, err := s.BidsForListing(ctx, listingID)
	if err != nil {
		return 0, err
	}
	return auction.HighestAmount(bids, listing.BasePrice), nil
}

// Winner resolves the winning bid for a listing whose window has ended.
func (s *bidService) Winner(ctx context.Context, listingID string, now time.Time) (*models.Bid, error) {
	var listing models.Listing
	err := s.db.Collection(listingsCollection).
		FindOne(ctx, bson.M{"_id": listingID, "deleted": false}).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding listing %s: %w", listingID, err)
	}

	state := auction.WindowAt(listing.AuctionStart, listing.AuctionEnd, now)
	bids, err := s.BidsForListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	return auction.ResolveWinner(bids, state)
}
