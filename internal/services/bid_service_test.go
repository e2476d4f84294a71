package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/auction"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/models"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/utils"
)

func setupTestDBBid(t *testing.T, dbName string) *mongo.Database {
	return utils.SetupTestDB(t, dbName, "listings", "users", "bids")
}

// activeAuctionListing creates a farmer plus a listing whose window is open
// around the returned "now".
func activeAuctionListing(t *testing.T, db *mongo.Database, basePrice int64) (*models.Listing, time.Time) {
	farmer := createTestUser(t, db, "bidfarmer_"+t.Name(), models.RoleFarmer)
	svc := NewListingService(db, testConfig())

	now := time.Now().UTC()
	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)
	listing, err := svc.CreateListing(context.Background(), farmer.ID, "Auction Produce", "", nil, basePrice, 10, "kg", &start, &end)
	require.NoError(t, err)
	return listing, now
}

func TestBidService_PlaceBidHappyPath(t *testing.T) {
	db := setupTestDBBid(t, "testdb_bid_service_happy")
	svc := NewBidService(db, testConfig(), nil, nil)
	ctx := context.Background()

	listing, now := activeAuctionListing(t, db, 40)
	buyer := createTestUser(t, db, "happybuyer", models.RoleBuyer)

	bid, err := svc.PlaceBid(ctx, listing.ID, buyer.ID, 45, now)
	require.NoError(t, err)
	assert.Equal(t, int64(45), bid.Amount)
	assert.Equal(t, buyer.Name, bid.BidderName)
	assert.NotEmpty(t, bid.ID)

	// Denormalized state advanced
	reloaded, err := NewListingService(db, testConfig()).FindListingByID(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(45), reloaded.HighestBid)
	assert.Equal(t, buyer.ID, reloaded.HighestBidderID)
	assert.Equal(t, 1, reloaded.BidCount)

	// Re-derived highest matches
	highest, err := svc.HighestBid(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(45), highest)
}

func TestBidService_WindowGating(t *testing.T) {
	db := setupTestDBBid(t, "testdb_bid_service_window")
	svc := NewBidService(db, testConfig(), nil, nil)
	lsvc := NewListingService(db, testConfig())
	ctx := context.Background()

	farmer := createTestUser(t, db, "gatefarmer", models.RoleFarmer)
	buyer := createTestUser(t, db, "gatebuyer", models.RoleBuyer)
	now := time.Now().UTC()

	// No window configured
	noWindow, err := lsvc.CreateListing(ctx, farmer.ID, "No Window", "", nil, 40, 10, "kg", nil, nil)
	require.NoError(t, err)
	_, err = svc.PlaceBid(ctx, noWindow.ID, buyer.ID, 50, now)
	assert.ErrorIs(t, err, auction.ErrNoAuction)

	// Not yet started
	futureStart := now.Add(time.Hour)
	futureEnd := now.Add(2 * time.Hour)
	notStarted, err := lsvc.CreateListing(ctx, farmer.ID, "Future", "", nil, 40, 10, "kg", &futureStart, &futureEnd)
	require.NoError(t, err)
	_, err = svc.PlaceBid(ctx, notStarted.ID, buyer.ID, 50, now)
	assert.ErrorIs(t, err, auction.ErrAuctionNotStarted)

	// Already ended
	pastStart := now.Add(-2 * time.Hour)
	pastEnd := now.Add(-time.Hour)
	ended, err := lsvc.CreateListing(ctx, farmer.ID, "Past", "", nil, 40, 10, "kg", &pastStart, &pastEnd)
	require.NoError(t, err)
	_, err = svc.PlaceBid(ctx, ended.ID, buyer.ID, 50, now)
	assert.ErrorIs(t, err, auction.ErrAuctionEnded)
}

func TestBidService_RoleAndAmountRules(t *testing.T) {
	db := setupTestDBBid(t, "testdb_bid_service_rules")
	svc := NewBidService(db, testConfig(), nil, nil)
	ctx := context.Background()

	listing, now := activeAuctionListing(t, db, 40)
	buyer := createTestUser(t, db, "rulesbuyer", models.RoleBuyer)
	otherFarmer := createTestUser(t, db, "rulesfarmer", models.RoleFarmer)

	// Farmers cannot bid, even on others' listings
	_, err := svc.PlaceBid(ctx, listing.ID, otherFarmer.ID, 50, now)
	assert.ErrorIs(t, err, auction.ErrRoleNotPermitted)

	// At or below base price
	_, err = svc.PlaceBid(ctx, listing.ID, buyer.ID, 40, now)
	assert.ErrorIs(t, err, auction.ErrBidBelowBase)

	// First valid bid
	_, err = svc.PlaceBid(ctx, listing.ID, buyer.ID, 45, now)
	require.NoError(t, err)

	// Equal to current highest is rejected and quotes the amount to beat
	other := createTestUser(t, db, "rulesbuyer2", models.RoleBuyer)
	_, err = svc.PlaceBid(ctx, listing.ID, other.ID, 45, now.Add(time.Second))
	require.ErrorIs(t, err, auction.ErrBidTooLow)
	assert.Contains(t, err.Error(), "45")

	// Higher bid accepted
	bid, err := svc.PlaceBid(ctx, listing.ID, other.ID, 50, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(50), bid.Amount)

	// Unknown listing
	_, err = svc.PlaceBid(ctx, "missing-listing", buyer.ID, 60, now)
	assert.ErrorIs(t, err, mongo.ErrNoDocuments)
}

func TestBidService_BidsForListingSortedBestFirst(t *testing.T) {
	db := setupTestDBBid(t, "testdb_bid_service_sorted")
	svc := NewBidService(db, testConfig(), nil, nil)
	ctx := context.Background()

	listing, now := activeAuctionListing(t, db, 10)
	a := createTestUser(t, db, "sorta", models.RoleBuyer)
	b := createTestUser(t, db, "sortb", models.RoleBuyer)

	_, err := svc.PlaceBid(ctx, listing.ID, a.ID, 15, now)
	require.NoError(t, err)
	_, err = svc.PlaceBid(ctx, listing.ID, b.ID, 20, now.Add(time.Second))
	require.NoError(t, err)
	_, err = svc.PlaceBid(ctx, listing.ID, a.ID, 25, now.Add(2*time.Second))
	require.NoError(t, err)

	bids, err := svc.BidsForListing(ctx, listing.ID)
	require.NoError(t, err)
	require.Len(t, bids, 3)
	assert.Equal(t, int64(25), bids[0].Amount)
	assert.Equal(t, int64(20), bids[1].Amount)
	assert.Equal(t, int64(15), bids[2].Amount)

	mine, err := svc.BidsByBidder(ctx, a.ID, 10)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestBidService_Winner(t *testing.T) {
	db := setupTestDBBid(t, "testdb_bid_service_winner")
	svc := NewBidService(db, testConfig(), nil, nil)
	ctx := context.Background()

	listing, now := activeAuctionListing(t, db, 40)
	a := createTestUser(t, db, "wina", models.RoleBuyer)
	b := createTestUser(t, db, "winb", models.RoleBuyer)

	_, err := svc.PlaceBid(ctx, listing.ID, a.ID, 45, now)
	require.NoError(t, err)
	_, err = svc.PlaceBid(ctx, listing.ID, b.ID, 50, now.Add(time.Second))
	require.NoError(t, err)

	// Still active
	_, err = svc.Winner(ctx, listing.ID, now)
	assert.ErrorIs(t, err, auction.ErrAuctionStillActive)

	// After the window
	after := now.Add(2 * time.Hour)
	winner, err := svc.Winner(ctx, listing.ID, after)
	require.NoError(t, err)
	assert.Equal(t, b.ID, winner.BidderID)
	assert.Equal(t, int64(50), winner.Amount)
}

func TestBidService_WinnerNoBids(t *testing.T) {
	db := setupTestDBBid(t, "testdb_bid_service_nobids")
	svc := NewBidService(db, testConfig(), nil, nil)
	ctx := context.Background()

	listing, now := activeAuctionListing(t, db, 40)
	_, err := svc.Winner(ctx, listing.ID, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, auction.ErrNoBids)
}
