package handlers_test

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/models"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/payment"
)

// --- Mocks ---

// MockUserService implements services.IUserService
type MockUserService struct {
	mock.Mock
}

func (m *MockUserService) Register(ctx context.Context, name, email, password string, role models.Role, address string) (*models.User, error) {
	args := m.Called(ctx, name, email, password, role, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserService) Authenticate(ctx context.Context, email, password string) (*models.User, string, error) {
	args := m.Called(ctx, email, password)
	if args.Get(0) == nil {
		return nil, args.String(1), args.Error(2)
	}
	return args.Get(0).(*models.User), args.String(1), args.Error(2)
}

func (m *MockUserService) FindByID(ctx context.Context, userID string) (*models.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserService) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserService) UpdateProfile(ctx context.Context, userID string, updates map[string]interface{}) (*models.User, error) {
	args := m.Called(ctx, userID, updates)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserService) UpdateNotificationPreferences(ctx context.Context, userID string, prefs models.NotificationPreferences) error {
	args := m.Called(ctx, userID, prefs)
	return args.Error(0)
}

// MockListingService implements services.IListingService
type MockListingService struct {
	mock.Mock
}

func (m *MockListingService) CreateListing(ctx context.Context, farmerID, title, description string, tags []string, basePrice int64, quantity int, unit string, auctionStart, auctionEnd *time.Time) (*models.Listing, error) {
	args := m.Called(ctx, farmerID, title, description, tags, basePrice, quantity, unit, auctionStart, auctionEnd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Listing), args.Error(1)
}

func (m *MockListingService) FindListingByID(ctx context.Context, listingID string) (*models.Listing, error) {
	args := m.Called(ctx, listingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Listing), args.Error(1)
}

func (m *MockListingService) UpdateListing(ctx context.Context, listingID, farmerID string, updates map[string]interface{}) (*models.Listing, error) {
	args := m.Called(ctx, listingID, farmerID, updates)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Listing), args.Error(1)
}

func (m *MockListingService) DeleteListing(ctx context.Context, listingID, farmerID string) error {
	args := m.Called(ctx, listingID, farmerID)
	return args.Error(0)
}

func (m *MockListingService) SearchListings(ctx context.Context, query *string, tags []string, availableOnly bool, limit int, cursor *string) ([]models.Listing, string, error) {
	args := m.Called(ctx, query, tags, availableOnly, limit, cursor)
	if args.Get(0) == nil {
		return nil, args.String(1), args.Error(2)
	}
	return args.Get(0).([]models.Listing), args.String(1), args.Error(2)
}

func (m *MockListingService) FindListingsByFarmerID(ctx context.Context, farmerID string) ([]models.Listing, error) {
	args := m.Called(ctx, farmerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Listing), args.Error(1)
}

func (m *MockListingService) AddImageToListing(ctx context.Context, listingID, imageKey string) error {
	args := m.Called(ctx, listingID, imageKey)
	return args.Error(0)
}

func (m *MockListingService) MarkSold(ctx context.Context, listingID string) error {
	args := m.Called(ctx, listingID)
	return args.Error(0)
}

// MockBidService implements services.IBidService
type MockBidService struct {
	mock.Mock
}

func (m *MockBidService) PlaceBid(ctx context.Context, listingID, bidderID string, amount int64, now time.Time) (*models.Bid, error) {
	args := m.Called(ctx, listingID, bidderID, amount, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Bid), args.Error(1)
}

func (m *MockBidService) BidsForListing(ctx context.Context, listingID string) ([]models.Bid, error) {
	args := m.Called(ctx, listingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Bid), args.Error(1)
}

func (m *MockBidService) BidsByBidder(ctx context.Context, bidderID string, limit int) ([]models.Bid, error) {
	args := m.Called(ctx, bidderID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Bid), args.Error(1)
}

func (m *MockBidService) HighestBid(ctx context.Context, listingID string) (int64, error) {
	args := m.Called(ctx, listingID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockBidService) Winner(ctx context.Context, listingID string, now time.Time) (*models.Bid, error) {
	args := m.Called(ctx, listingID, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Bid), args.Error(1)
}

// MockSaleService implements services.ISaleService
type MockSaleService struct {
	mock.Mock
}

func (m *MockSaleService) Checkout(ctx context.Context, listingID, buyerID, paymentMethod, deliveryAddress string, now time.Time) (*models.Sale, *payment.Order, error) {
	args := m.Called(ctx, listingID, buyerID, paymentMethod, deliveryAddress, now)
	var sale *models.Sale
	var order *payment.Order
	if args.Get(0) != nil {
		sale = args.Get(0).(*models.Sale)
	}
	if args.Get(1) != nil {
		order = args.Get(1).(*payment.Order)
	}
	return sale, order, args.Error(2)
}

func (m *MockSaleService) ConfirmPayment(ctx context.Context, saleID, buyerID, providerOrderID, providerPaymentID, signature string, now time.Time) (*models.Sale, error) {
	args := m.Called(ctx, saleID, buyerID, providerOrderID, providerPaymentID, signature, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Sale), args.Error(1)
}

func (m *MockSaleService) FailPayment(ctx context.Context, saleID, buyerID string) error {
	args := m.Called(ctx, saleID, buyerID)
	return args.Error(0)
}

func (m *MockSaleService) FindSaleByID(ctx context.Context, saleID string) (*models.Sale, error) {
	args := m.Called(ctx, saleID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Sale), args.Error(1)
}

func (m *MockSaleService) FindSaleByListingID(ctx context.Context, listingID string) (*models.Sale, error) {
	args := m.Called(ctx, listingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Sale), args.Error(1)
}

func (m *MockSaleService) SalesByBuyer(ctx context.Context, buyerID string) ([]models.Sale, error) {
	args := m.Called(ctx, buyerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Sale), args.Error(1)
}

func (m *MockSaleService) SalesByFarmer(ctx context.Context, farmerID string) ([]models.Sale, error) {
	args := m.Called(ctx, farmerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Sale), args.Error(1)
}

// MockNotificationService implements services.INotificationService
type MockNotificationService struct {
	mock.Mock
}

func (m *MockNotificationService) Create(ctx context.Context, userID string, ntype models.NotificationType, title, message, listingID string) (*models.Notification, error) {
	args := m.Called(ctx, userID, ntype, title, message, listingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Notification), args.Error(1)
}

func (m *MockNotificationService) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	args := m.Called(ctx, userID, unreadOnly, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Notification), args.Error(1)
}

func (m *MockNotificationService) MarkRead(ctx context.Context, notificationID, userID string) error {
	args := m.Called(ctx, notificationID, userID)
	return args.Error(0)
}

func (m *MockNotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockNotificationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

// MockS3Storage implements storage.IS3Storage
type MockS3Storage struct {
	mock.Mock
}

func (m *MockS3Storage) GeneratePresignedPutURL(ctx context.Context, farmerID, listingID, filename, contentType string) (string, string, error) {
	args := m.Called(ctx, farmerID, listingID, filename, contentType)
	return args.String(0), args.String(1), args.Error(2)
}

// MockAsynqClient implements handlers.IAsynqClient
type MockAsynqClient struct {
	mock.Mock
}

func (m *MockAsynqClient) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	mockArgs := []interface{}{ctx, task}
	for _, opt := range opts {
		mockArgs = append(mockArgs, opt)
	}
	args := m.Called(mockArgs...)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*asynq.TaskInfo), args.Error(1)
}
