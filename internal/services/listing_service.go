package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/config"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/db"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/models"
)

// Listing validation errors.
var (
	ErrWindowIncomplete = errors.New("auction start and end must both be set, or both be empty")
	ErrWindowInverted   = errors.New("auction end must be after auction start")
	ErrListingHasBids   = errors.New("listing cannot be changed once bids exist")
	ErrNotListingOwner  = errors.New("listing does not belong to this farmer")
)

// IListingService defines the interface for listing-related operations.
type IListingService interface {
	CreateListing(ctx context.Context, farmerID, title, description string, tags []string, basePrice int64, quantity int, unit string, auctionStart, auctionEnd *time.Time) (*models.Listing, error)
	FindListingByID(ctx context.Context, listingID string) (*models.Listing, error)
	UpdateListing(ctx context.Context, listingID, farmerID string, updates map[string]interface{}) (*models.Listing, error)
	DeleteListing(ctx context.Context, listingID, farmerID string) error
	SearchListings(ctx context.Context, query *string, tags []string, availableOnly bool, limit int, cursor *string) ([]models.Listing, string, error)
	FindListingsByFarmerID(ctx context.Context, farmerID string) ([]models.Listing, error)
	AddImageToListing(ctx context.Context, listingID, imageKey string) error
	MarkSold(ctx context.Context, listingID string) error
}

const listingsCollection = "listings"

// listingService implements IListingService.
type listingService struct {
	db  *mongo.Database
	cfg *config.Config
}

// NewListingService creates a new ListingService.
func NewListingService(db *mongo.Database, cfg *config.Config) IListingService {
	return &listingService{db: db, cfg: cfg}
}

// validateWindow enforces the window configuration rules: a listing either
// has a full [start, end] window or no window at all, and end must follow
// start.
func validateWindow(start, end *time.Time) error {
	if (start == nil) != (end == nil) {
		return ErrWindowIncomplete
	}
	if start != nil && !end.After(*start) {
		return ErrWindowInverted
	}
	return nil
}

// CreateListing creates a new produce listing owned by the farmer.
func (s *listingService) CreateListing(ctx context.Context, farmerID, title, description string, tags []string, basePrice int64, quantity int, unit string, auctionStart, auctionEnd *time.Time) (*models.Listing, error) {
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if basePrice < 0 {
		return nil, fmt.Errorf("base price cannot be negative")
	}
	if err := validateWindow(auctionStart, auctionEnd); err != nil {
		return nil, err
	}

	// Denormalize the farmer name for search results and bid screens.
	var farmer models.User
	err := s.db.Collection(usersCollection).
		FindOne(ctx, bson.M{"_id": farmerID, "deleted": false}).Decode(&farmer)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error fetching farmer %s: %w", farmerID, err)
	}

	now := time.Now().UTC()
	newListing := &models.Listing{
		FarmerID:      farmerID,
		FarmerName:    farmer.Name,
		Title:         title,
		Description:   description,
		Tags:          tags,
		Images:        []string{},
		BasePrice:     basePrice,
		Quantity:      quantity,
		Unit:          unit,
		AuctionStart:  auctionStart,
		AuctionEnd:    auctionEnd,
		HighestBid:    0,
		BidCount:      0,
		Available:     true,
		CloseNotified: false,
		Deleted:       false,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	collection := s.db.Collection(listingsCollection)
	if _, err := db.InsertOne(ctx, collection, newListing); err != nil {
		return nil, fmt.Errorf("failed to insert new listing for farmer %s after multiple retries: %w", farmerID, err)
	}

	log.WithFields(log.Fields{"listing_id": newListing.ID, "farmer_id": farmerID}).Info("Created listing")
	return newListing, nil
}

// FindListingByID finds a non-deleted listing by its ID.
// It does NOT check ownership.
func (s *listingService) FindListingByID(ctx context.Context, listingID string) (*models.Listing, error) {
	var listing models.Listing
	collection := s.db.Collection(listingsCollection)
	filter := bson.M{"_id": listingID, "deleted": false}

	err := collection.FindOne(ctx, filter).Decode(&listing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding listing by ID %s: %w", listingID, err)
	}
	return &listing, nil
}

// UpdateListing updates mutable fields of a listing owned by the farmer.
// The filter requires bid_count to still be zero: once the first bid has
// been accepted the terms of the auction are frozen.
func (s *listingService) UpdateListing(ctx context.Context, listingID, farmerID string, updates map[string]interface{}) (*models.Listing, error) {
	allowedUpdates := bson.M{}
	for key, value := range updates {
		switch key {
		case "title", "description", "tags", "base_price", "quantity", "unit", "auction_start", "auction_end":
			allowedUpdates[key] = value
		default:
			return nil, fmt.Errorf("field '%s' cannot be updated via UpdateListing", key)
		}
	}
	if len(allowedUpdates) == 0 {
		return nil, fmt.Errorf("no valid fields provided for update")
	}

	if _, touchesStart := allowedUpdates["auction_start"]; touchesStart {
		if _, touchesEnd := allowedUpdates["auction_end"]; !touchesEnd {
			return nil, ErrWindowIncomplete
		}
		start, end, err := windowFromUpdates(allowedUpdates)
		if err != nil {
			return nil, err
		}
		if err := validateWindow(start, end); err != nil {
			return nil, err
		}
	} else if _, touchesEnd := allowedUpdates["auction_end"]; touchesEnd {
		return nil, ErrWindowIncomplete
	}

	allowedUpdates["updated_at"] = time.Now().UTC()

	filter := bson.M{
		"_id":       listingID,
		"farmer_id": farmerID,
		"deleted":   false,
		"bid_count": 0,
	}
	update := bson.M{"$set": allowedUpdates}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	collection := s.db.Collection(listingsCollection)
	var updatedListing models.Listing
	err := collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updatedListing)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, s.diagnoseUpdateFailure(ctx, listingID, farmerID)
		}
		return nil, fmt.Errorf("failed to update listing %s: %w", listingID, err)
	}

	return &updatedListing, nil
}

// windowFromUpdates pulls start/end out of the update map for validation.
// Handlers pass *time.Time (or nil to clear the window).
func windowFromUpdates(updates bson.M) (*time.Time, *time.Time, error) {
	toTime := func(v interface{}) (*time.Time, error) {
		switch t := v.(type) {
		case nil:
			return nil, nil
		case *time.Time:
			return t, nil
		case time.Time:
			return &t, nil
		default:
			return nil, fmt.Errorf("auction window fields must be timestamps")
		}
	}
	start, err := toTime(updates["auction_start"])
	if err != nil {
		return nil, nil, err
	}
	end, err := toTime(updates["auction_end"])
	if err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

// diagnoseUpdateFailure re-reads the listing to turn a generic "no match"
// into the specific reason the conditional update was rejected.
func (s *listingService) diagnoseUpdateFailure(ctx context.Context, listingID, farmerID string) error {
	var listing models.Listing
	err := s.db.Collection(listingsCollection).FindOne(ctx, bson.M{"_id": listingID}).Decode(&listing)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return mongo.ErrNoDocuments
	}
	if err != nil {
		return fmt.Errorf("error re-reading listing %s: %w", listingID, err)
	}
	if listing.Deleted {
		return mongo.ErrNoDocuments
	}
	if listing.FarmerID != farmerID {
		return ErrNotListingOwner
	}
	if listing.BidCount > 0 {
		return ErrListingHasBids
	}
	return fmt.Errorf("listing %s cannot be updated", listingID)
}

// DeleteListing soft-deletes a listing owned by the farmer. Like updates,
// deletion is only possible while no bids have been accepted.
func (s *listingService) DeleteListing(ctx context.Context, listingID, farmerID string) error {
	now := time.Now().UTC()
	filter := bson.M{
		"_id":       listingID,
		"farmer_id": farmerID,
		"deleted":   false,
		"bid_count": 0,
	}
	update := bson.M{"$set": bson.M{"deleted": true, "updated_at": now}}

	collection := s.db.Collection(listingsCollection)
	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error deleting listing %s: %w", listingID, err)
	}
	if result.MatchedCount == 0 {
		return s.diagnoseUpdateFailure(ctx, listingID, farmerID)
	}

	log.WithField("listing_id", listingID).Info("Deleted listing")
	return nil
}

// SearchListings returns a page of listings matching the query. The cursor
// is the last seen listing ID; pagination walks _id descending, a total
// order, so a page boundary never skips or repeats documents.
func (s *listingService) SearchListings(ctx context.Context, query *string, tags []string, availableOnly bool, limit int, cursor *string) ([]models.Listing, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	filter := bson.M{"deleted": false}
	if availableOnly {
		filter["available"] = true
	}
	if query != nil && *query != "" {
		filter["title"] = bson.M{"$regex": primitive.Regex{Pattern: *query, Options: "i"}}
	}
	if len(tags) > 0 {
		filter["tags"] = bson.M{"$all": tags}
	}
	if cursor != nil && *cursor != "" {
		filter["_id"] = bson.M{"$lt": *cursor}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetLimit(int64(limit + 1)) // Fetch one extra to detect a next page

	collection := s.db.Collection(listingsCollection)
	cur, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", fmt.Errorf("failed to search listings: %w", err)
	}
	defer cur.Close(ctx)

	var listings []models.Listing
	if err = cur.All(ctx, &listings); err != nil {
		return nil, "", fmt.Errorf("failed to decode listings: %w", err)
	}

	nextCursor := ""
	if len(listings) > limit {
		listings = listings[:limit]
		nextCursor = listings[len(listings)-1].ID
	}

	return listings, nextCursor, nil
}

// FindListingsByFarmerID returns all of a farmer's non-deleted listings,
// newest first.
func (s *listingService) FindListingsByFarmerID(ctx context.Context, farmerID string) ([]models.Listing, error) {
	filter := bson.M{"farmer_id": farmerID, "deleted": false}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})

	collection := s.db.Collection(listingsCollection)
	cur, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings for farmer %s: %w", farmerID, err)
	}
	defer cur.Close(ctx)

	var listings []models.Listing
	if err = cur.All(ctx, &listings); err != nil {
		return nil, fmt.Errorf("failed to decode listings for farmer %s: %w", farmerID, err)
	}
	return listings, nil
}

// AddImageToListing appends a processed image key to the listing.
func (s *listingService) AddImageToListing(ctx context.Context, listingID, imageKey string) error {
	collection := s.db.Collection(listingsCollection)
	filter := bson.M{"_id": listingID, "deleted": false}
	update := bson.M{
		"$push": bson.M{"images": imageKey},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error adding image to listing %s: %w", listingID, err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// MarkSold flips a listing to unavailable once its sale completes.
func (s *listingService) MarkSold(ctx context.Context, listingID string) error {
	collection := s.db.Collection(listingsCollection)
	filter := bson.M{"_id": listingID, "deleted": false}
	update := bson.M{"$set": bson.M{"available": false, "updated_at": time.Now().UTC()}}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error marking listing %s sold: %w", listingID, err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}
