package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/auction"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/config"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/db"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/models"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/payment"
)

// Checkout and payment errors.
var (
	ErrListingAlreadySold = errors.New("listing has already been sold")
	ErrNotWinner          = errors.New("only the winning bidder may check out")
	ErrSaleNotPending     = errors.New("sale is not awaiting payment")
	ErrPaymentSignature   = errors.New("payment signature verification failed")
	ErrPaymentMethod      = errors.New("unsupported payment method")
)

// Supported payment methods. Online payments go through the provider;
// cash on delivery completes immediately with a receipt.
const (
	PaymentMethodOnline = "online"
	PaymentMethodCOD    = "cod"
)

// TypeEmailDeliver is the background task sending a composed email.
const TypeEmailDeliver = "email:deliver"

// EmailTaskPayload is the payload for TypeEmailDeliver.
type EmailTaskPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// ISaleService defines the interface for checkout and payment operations.
type ISaleService interface {
	Checkout(ctx context.Context, listingID, buyerID, paymentMethod, deliveryAddress string, now time.Time) (*models.Sale, *payment.Order, error)
	ConfirmPayment(ctx context.Context, saleID, buyerID, providerOrderID, providerPaymentID, signature string, now time.Time) (*models.Sale, error)
	FailPayment(ctx context.Context, saleID, buyerID string) error
	FindSaleByID(ctx context.Context, saleID string) (*models.Sale, error)
	FindSaleByListingID(ctx context.Context, listingID string) (*models.Sale, error)
	SalesByBuyer(ctx context.Context, buyerID string) ([]models.Sale, error)
	SalesByFarmer(ctx context.Context, farmerID string) ([]models.Sale, error)
}

const salesCollection = "sales"

// saleService implements ISaleService.
type saleService struct {
	db              *mongo.Database
	cfg             *config.Config
	provider        payment.IProvider
	bidService      IBidService
	listingService  IListingService
	notificationSvc INotificationService
	taskClient      *asynq.Client
}

// NewSaleService creates a new SaleService. taskClient may be nil in tests;
// receipt emails are then skipped.
func NewSaleService(
	db *mongo.Database,
	cfg *config.Config,
	provider payment.IProvider,
	bidService IBidService,
	listingService IListingService,
	notificationSvc INotificationService,
	taskClient *asynq.Client,
) ISaleService {
	return &saleService{
		db:              db,
		cfg:             cfg,
		provider:        provider,
		bidService:      bidService,
		listingService:  listingService,
		notificationSvc: notificationSvc,
		taskClient:      taskClient,
	}
}

// Checkout creates the sale for an ended auction's winner and, for online
// payments, a provider order the client pays against.
//
// The unique index on sales.listing_id makes the insert the atomic claim on
// the listing: a second checkout fails at insert time no matter how the
// requests interleave. A repeat checkout by the same winner reuses the
// existing sale, reopening it when the previous payment attempt failed.
func (s *saleService) Checkout(ctx context.Context, listingID, buyerID, paymentMethod, deliveryAddress string, now time.Time) (*models.Sale, *payment.Order, error) {
	switch paymentMethod {
	case PaymentMethodOnline, PaymentMethodCOD:
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrPaymentMethod, paymentMethod)
	}

	listing, err := s.listingService.FindListingByID(ctx, listingID)
	if err != nil {
		return nil, nil, err
	}

	winner, err := s.bidService.Winner(ctx, listingID, now)
	switch {
	case err == nil:
	case errors.Is(err, auction.ErrAuctionStillActive),
		errors.Is(err, auction.ErrNoBids),
		errors.Is(err, mongo.ErrNoDocuments):
		return nil, nil, err
	default:
		return nil, nil, fmt.Errorf("failed to resolve winner for listing %s: %w", listingID, err)
	}
	if winner.BidderID != buyerID {
		return nil, nil, ErrNotWinner
	}

	sale := &models.Sale{
		ListingID:       listingID,
		ListingTitle:    listing.Title,
		BuyerID:         buyerID,
		FarmerID:        listing.FarmerID,
		Amount:          winner.Amount,
		PaymentMethod:   paymentMethod,
		PaymentStatus:   models.PaymentPending,
		DeliveryAddress: deliveryAddress,
		CreatedAt:       now,
	}

	_, err = db.InsertOne(ctx, s.db.Collection(salesCollection), sale)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), "listing_id_1") {
			existing, findErr := s.FindSaleByListingID(ctx, listingID)
			if findErr != nil {
				return nil, nil, fmt.Errorf("listing %s already has a sale but it could not be loaded: %w", listingID, findErr)
			}
			if existing.BuyerID != buyerID || existing.PaymentStatus == models.PaymentCompleted {
				return nil, nil, ErrListingAlreadySold
			}
			// Same winner retrying before payment completed. Reopen the
			// attempt so a previously failed payment can be paid again;
			// the filter keeps a concurrently completed sale untouched.
			reset := bson.M{"$set": bson.M{
				"payment_status":   models.PaymentPending,
				"payment_method":   paymentMethod,
				"delivery_address": deliveryAddress,
			}}
			reopenFilter := bson.M{
				"_id":            existing.ID,
				"payment_status": bson.M{"$ne": models.PaymentCompleted},
			}
			if _, err := s.db.Collection(salesCollection).UpdateOne(ctx, reopenFilter, reset); err != nil {
				return nil, nil, fmt.Errorf("failed to reopen sale %s for listing %s: %w", existing.ID, listingID, err)
			}
			existing.PaymentStatus = models.PaymentPending
			existing.PaymentMethod = paymentMethod
			existing.DeliveryAddress = deliveryAddress
			sale = existing
		} else {
			return nil, nil, fmt.Errorf("failed to create sale for listing %s: %w", listingID, err)
		}
	}

	var order *payment.Order
	if paymentMethod == PaymentMethodOnline {
		order, err = s.ensureProviderOrder(ctx, sale)
		if err != nil {
			return nil, nil, err
		}
	}

	log.WithFields(log.Fields{
		"sale_id":    sale.ID,
		"listing_id": listingID,
		"amount":     sale.Amount,
		"method":     paymentMethod,
	}).Info("Checkout created sale")

	return sale, order, nil
}

// ensureProviderOrder creates (or recreates) the provider order for an
// online sale and stores its ID on the sale document.
func (s *saleService) ensureProviderOrder(ctx context.Context, sale *models.Sale) (*payment.Order, error) {
	order, err := s.provider.CreateOrder(ctx, sale.Amount, s.cfg.CurrencyCode, s.provider.NewReceipt())
	if err != nil {
		return nil, fmt.Errorf("failed to create payment order for sale %s: %w", sale.ID, err)
	}

	update := bson.M{"$set": bson.M{
		"provider_order_id": order.ID,
		"payment_method":    PaymentMethodOnline,
		"payment_status":    models.PaymentPending,
	}}
	_, err = s.db.Collection(salesCollection).UpdateOne(ctx, bson.M{"_id": sale.ID}, update)
	if err != nil {
		return nil, fmt.Errorf("failed to store provider order on sale %s: %w", sale.ID, err)
	}
	sale.ProviderOrderID = order.ID
	sale.PaymentStatus = models.PaymentPending
	return order, nil
}

// ConfirmPayment completes a sale after the buyer pays.
//
// For online sales the provider's signature over "orderID|paymentID" must
// verify against our key secret; COD sales confirm without provider IDs.
// The status transition pending -> completed happens in a conditional
// update, so a double confirmation completes exactly once. now becomes the
// sale's payment timestamp.
func (s *saleService) ConfirmPayment(ctx context.Context, saleID, buyerID, providerOrderID, providerPaymentID, signature string, now time.Time) (*models.Sale, error) {
	sale, err := s.FindSaleByID(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if sale.BuyerID != buyerID {
		return nil, mongo.ErrNoDocuments
	}

	if sale.PaymentMethod == PaymentMethodOnline {
		if providerOrderID != sale.ProviderOrderID {
			return nil, ErrPaymentSignature
		}
		if !s.provider.VerifySignature(providerOrderID, providerPaymentID, signature) {
			return nil, ErrPaymentSignature
		}
	}

	filter := bson.M{
		"_id":            saleID,
		"buyer_id":       buyerID,
		"payment_status": models.PaymentPending,
	}
	update := bson.M{"$set": bson.M{
		"payment_status":      models.PaymentCompleted,
		"provider_payment_id": providerPaymentID,
		"paid_at":             now,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var completed models.Sale
	err = s.db.Collection(salesCollection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&completed)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Status was not pending. Re-read for the actual state.
			current, readErr := s.FindSaleByID(ctx, saleID)
			if readErr != nil {
				return nil, mongo.ErrNoDocuments
			}
			if current.PaymentStatus == models.PaymentCompleted {
				return current, nil // Idempotent double confirm
			}
			return nil, ErrSaleNotPending
		}
		return nil, fmt.Errorf("failed to complete sale %s: %w", saleID, err)
	}

	if err := s.listingService.MarkSold(ctx, completed.ListingID); err != nil {
		log.Errorf("Failed to mark listing %s sold after sale %s completed: %v", completed.ListingID, saleID, err)
	}

	s.sendReceipts(ctx, &completed)

	log.WithFields(log.Fields{
		"sale_id":    saleID,
		"listing_id": completed.ListingID,
		"amount":     completed.Amount,
	}).Info("Payment completed")

	return &completed, nil
}

// sendReceipts fans out receipt notifications to buyer and farmer. The sale
// is already completed; failures here are logged only.
func (s *saleService) sendReceipts(ctx context.Context, sale *models.Sale) {
	buyerMsg := fmt.Sprintf("Payment of %d %s for %q received. The farmer has been notified.",
		sale.Amount, s.cfg.CurrencyCode, sale.ListingTitle)
	farmerMsg := fmt.Sprintf("%q sold for %d %s. Payment has been received.",
		sale.ListingTitle, sale.Amount, s.cfg.CurrencyCode)

	if _, err := s.notificationSvc.Create(ctx, sale.BuyerID, models.NotificationPaymentReceipt,
		"Payment receipt", buyerMsg, sale.ListingID); err != nil {
		log.Errorf("Failed to create buyer receipt notification for sale %s: %v", sale.ID, err)
	}
	if _, err := s.notificationSvc.Create(ctx, sale.FarmerID, models.NotificationPaymentReceipt,
		"Produce sold", farmerMsg, sale.ListingID); err != nil {
		log.Errorf("Failed to create farmer receipt notification for sale %s: %v", sale.ID, err)
	}

	s.enqueueReceiptEmails(ctx, sale, buyerMsg, farmerMsg)
}

// enqueueReceiptEmails schedules receipt emails for users who have not
// switched them off.
func (s *saleService) enqueueReceiptEmails(ctx context.Context, sale *models.Sale, buyerMsg, farmerMsg string) {
	if s.taskClient == nil {
		return
	}

	enqueue := func(userID, subject, body string) {
		var user models.User
		err := s.db.Collection(usersCollection).
			FindOne(ctx, bson.M{"_id": userID, "deleted": false}).Decode(&user)
		if err != nil {
			log.Errorf("Failed to load user %s for receipt email: %v", userID, err)
			return
		}
		if user.NotificationPreferences != nil && !user.NotificationPreferences.PaymentReceipt {
			return
		}
		payload, _ := json.Marshal(EmailTaskPayload{To: user.Email, Subject: subject, Body: body})
		task := asynq.NewTask(TypeEmailDeliver, payload)
		if _, err := s.taskClient.EnqueueContext(ctx, task, asynq.Queue("default")); err != nil {
			log.Errorf("Failed to enqueue receipt email for user %s: %v", userID, err)
		}
	}

	enqueue(sale.BuyerID, fmt.Sprintf("Receipt for %s", sale.ListingTitle), buyerMsg)
	enqueue(sale.FarmerID, fmt.Sprintf("Sold: %s", sale.ListingTitle), farmerMsg)
}

// FailPayment marks a pending sale's payment attempt as failed. The sale
// remains claimable by the same winner via a fresh checkout.
func (s *saleService) FailPayment(ctx context.Context, saleID, buyerID string) error {
	filter := bson.M{
		"_id":            saleID,
		"buyer_id":       buyerID,
		"payment_status": models.PaymentPending,
	}
	update := bson.M{"$set": bson.M{"payment_status": models.PaymentFailed}}

	result, err := s.db.Collection(salesCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error failing payment for sale %s: %w", saleID, err)
	}
	if result.MatchedCount == 0 {
		current, readErr := s.FindSaleByID(ctx, saleID)
		if readErr != nil || current.BuyerID != buyerID {
			return mongo.ErrNoDocuments
		}
		return ErrSaleNotPending
	}
	return nil
}

// FindSaleByID loads a sale by its ID.
func (s *saleService) FindSaleByID(ctx context.Context, saleID string) (*models.Sale, error) {
	var sale models.Sale
	err := s.db.Collection(salesCollection).FindOne(ctx, bson.M{"_id": saleID}).Decode(&sale)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding sale %s: %w", saleID, err)
	}
	return &sale, nil
}

// FindSaleByListingID loads the sale claiming a listing, if any.
func (s *saleService) FindSaleByListingID(ctx context.Context, listingID string) (*models.Sale, error) {
	var sale models.Sale
	err := s.db.Collection(salesCollection).FindOne(ctx, bson.M{"listing_id": listingID}).Decode(&sale)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding sale for listing %s: %w", listingID, err)
	}
	return &sale, nil
}

// SalesByBuyer returns a buyer's purchase history, newest first.
func (s *saleService) SalesByBuyer(ctx context.Context, buyerID string) ([]models.Sale, error) {
	return s.findSales(ctx, bson.M{"buyer_id": buyerID})
}

// SalesByFarmer returns a farmer's sale history, newest first.
func (s *saleService) SalesByFarmer(ctx context.Context, farmerID string) ([]models.Sale, error) {
	return s.findSales(ctx, bson.M{"farmer_id": farmerID})
}

func (s *saleService) findSales(ctx context.Context, filter bson.M) ([]models.Sale, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cur, err := s.db.Collection(salesCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	defer cur.Close(ctx)

	var sales []models.Sale
	if err = cur.All(ctx, &sales); err != nil {
		return nil, fmt.Errorf("failed to decode sales: %w", err)
	}
	return sales, nil
}
