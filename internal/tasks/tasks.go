package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // Register PNG decoder for image.Decode
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hibiken/asynq"
	"github.com/nfnt/resize"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/auction"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/config"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/email"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/models"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/services"
)

// Task types handled by the background worker. TypeBidNotify and
// TypeEmailDeliver are defined next to their enqueuers in the services
// package.
const (
	TypeImageProcess = "image:process"
	TypeAuctionSweep = "auction:sweep"
)

// ImageTaskPayload is the payload for TypeImageProcess.
type ImageTaskPayload struct {
	S3Key     string `json:"s3_key"`
	ListingID string `json:"listing_id"`
}

// Uploaded photos above this size are rejected rather than processed.
const maxImageBytes = 10 << 20

// --- Task Client (Enqueuing tasks) ---

func NewClient(rdb *redis.Client) *asynq.Client {
	clientOpt := asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	}
	return asynq.NewClient(clientOpt)
}

// --- Task Server (Processing tasks) ---

// TaskProcessor handles the processing of tasks.
// It holds dependencies needed by task handlers.
type TaskProcessor struct {
	cfg             *config.Config
	db              *mongo.Database
	emailSender     email.Sender
	listingService  services.IListingService
	bidService      services.IBidService
	notificationSvc services.INotificationService
	s3Client        *s3.Client
	taskClient      *asynq.Client
}

func NewTaskProcessor(
	cfg *config.Config,
	db *mongo.Database,
	emailSender email.Sender,
	listingService services.IListingService,
	bidService services.IBidService,
	notificationSvc services.INotificationService,
	s3Client *s3.Client,
	taskClient *asynq.Client,
) *TaskProcessor {
	return &TaskProcessor{
		cfg:             cfg,
		db:              db,
		emailSender:     emailSender,
		listingService:  listingService,
		bidService:      bidService,
		notificationSvc: notificationSvc,
		s3Client:        s3Client,
		taskClient:      taskClient,
	}
}

// SetupServer configures an Asynq server and its handler mux. The caller
// runs the server and owns its shutdown.
func SetupServer(rdb *redis.Client, processor *TaskProcessor) (*asynq.Server, *asynq.ServeMux) {
	serverOpt := asynq.RedisClientOpt{
		Addr:     rdb.Options().Addr,
		Password: rdb.Options().Password,
		DB:       rdb.Options().DB,
	}

	srv := asynq.NewServer(
		serverOpt,
		asynq.Config{
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
				"images":   5,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.WithFields(log.Fields{
					"task_type": task.Type(),
					"payload":   string(task.Payload()),
				}).Errorf("Task failed: %v", err)
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(services.TypeEmailDeliver, processor.HandleEmailDeliveryTask)
	mux.HandleFunc(services.TypeBidNotify, processor.HandleBidNotifyTask)
	mux.HandleFunc(TypeAuctionSweep, processor.HandleAuctionSweepTask)
	mux.HandleFunc(TypeImageProcess, processor.HandleImageProcessTask)
	log.Info("Registered background task handlers")

	return srv, mux
}

// --- Task Handlers ---

// HandleEmailDeliveryTask sends a composed email.
func (p *TaskProcessor) HandleEmailDeliveryTask(ctx context.Context, t *asynq.Task) error {
	var payload services.EmailTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal email task payload: %v: %w", err, asynq.SkipRetry)
	}

	rawMessage := email.BuildMessage(p.cfg.SmtpFromAddress, []string{payload.To}, payload.Subject, payload.Body)
	if err := p.emailSender.Send(ctx, []string{payload.To}, payload.Subject, rawMessage); err != nil {
		log.Errorf("Email sending failed for %s: %v", payload.To, err)
		return err
	}

	log.WithField("to", payload.To).Info("Email task processed")
	return nil
}

// HandleBidNotifyTask fans out notifications after an accepted bid: the
// farmer learns about the new bid, the previously leading bidder learns they
// were outbid.
func (p *TaskProcessor) HandleBidNotifyTask(ctx context.Context, t *asynq.Task) error {
	var payload services.BidNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal bid notify payload: %v: %w", err, asynq.SkipRetry)
	}

	listing, err := p.listingService.FindListingByID(ctx, payload.ListingID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("listing gone: %w", asynq.SkipRetry)
		}
		return err
	}

	var bid models.Bid
	err = p.db.Collection("bids").FindOne(ctx, bson.M{"_id": payload.BidID}).Decode(&bid)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("bid gone: %w", asynq.SkipRetry)
		}
		return fmt.Errorf("error loading bid %s: %w", payload.BidID, err)
	}

	farmerMsg := fmt.Sprintf("%s bid %d %s on %q.", bid.BidderName, bid.Amount, p.cfg.CurrencyCode, listing.Title)
	if _, err := p.notificationSvc.Create(ctx, listing.FarmerID, models.NotificationBidPlaced,
		"New bid", farmerMsg, listing.ID); err != nil {
		return err
	}
	p.emailIfWanted(ctx, listing.FarmerID, func(prefs *models.NotificationPreferences) bool { return prefs.BidPlaced },
		fmt.Sprintf("New bid on %s", listing.Title), farmerMsg)

	if payload.PreviousBidderID != "" && payload.PreviousBidderID != bid.BidderID {
		outbidMsg := fmt.Sprintf("You were outbid on %q. The bid to beat is now %d %s.",
			listing.Title, bid.Amount, p.cfg.CurrencyCode)
		if _, err := p.notificationSvc.Create(ctx, payload.PreviousBidderID, models.NotificationBidPlaced,
			"Outbid", outbidMsg, listing.ID); err != nil {
			log.Errorf("Failed to create outbid notification for user %s: %v", payload.PreviousBidderID, err)
		}
	}

	return nil
}

// HandleAuctionSweepTask closes out auctions whose window has ended.
//
// The conditional flip of close_notified is the claim on a listing: if two
// sweeps overlap, only one matches and fans out notifications.
func (p *TaskProcessor) HandleAuctionSweepTask(ctx context.Context, t *asynq.Task) error {
	now := time.Now().UTC()
	listings := p.db.Collection("listings")

	cur, err := listings.Find(ctx, bson.M{
		"deleted":        false,
		"close_notified": false,
		"auction_end":    bson.M{"$lt": now},
	})
	if err != nil {
		return fmt.Errorf("failed to query ended auctions: %w", err)
	}
	defer cur.Close(ctx)

	var ended []models.Listing
	if err = cur.All(ctx, &ended); err != nil {
		return fmt.Errorf("failed to decode ended auctions: %w", err)
	}

	closed := 0
	for _, listing := range ended {
		result, err := listings.UpdateOne(ctx,
			bson.M{"_id": listing.ID, "close_notified": false},
			bson.M{"$set": bson.M{"close_notified": true, "updated_at": now}})
		if err != nil {
			log.Errorf("Failed to claim ended auction %s: %v", listing.ID, err)
			continue
		}
		if result.ModifiedCount == 0 {
			continue // Another sweep got there first
		}

		p.notifyAuctionClosed(ctx, &listing, now)
		closed++
	}

	if closed > 0 {
		log.WithField("count", closed).Info("Auction sweep closed ended auctions")
	}
	return nil
}

// notifyAuctionClosed tells the farmer the outcome and the winner, if any,
// that checkout is open.
func (p *TaskProcessor) notifyAuctionClosed(ctx context.Context, listing *models.Listing, now time.Time) {
	winner, err := p.bidService.Winner(ctx, listing.ID, now)
	if err != nil {
		if errors.Is(err, auction.ErrNoBids) {
			msg := fmt.Sprintf("The auction for %q ended without bids.", listing.Title)
			if _, err := p.notificationSvc.Create(ctx, listing.FarmerID, models.NotificationAuctionUnsold,
				"Auction ended", msg, listing.ID); err != nil {
				log.Errorf("Failed to create unsold notification for listing %s: %v", listing.ID, err)
			}
			p.emailIfWanted(ctx, listing.FarmerID, func(prefs *models.NotificationPreferences) bool { return prefs.AuctionClosed },
				fmt.Sprintf("Auction ended: %s", listing.Title), msg)
			return
		}
		log.Errorf("Failed to resolve winner for listing %s: %v", listing.ID, err)
		return
	}

	farmerMsg := fmt.Sprintf("The auction for %q closed at %d %s to %s.",
		listing.Title, winner.Amount, p.cfg.CurrencyCode, winner.BidderName)
	if _, err := p.notificationSvc.Create(ctx, listing.FarmerID, models.NotificationAuctionClosed,
		"Auction closed", farmerMsg, listing.ID); err != nil {
		log.Errorf("Failed to create closed notification for listing %s: %v", listing.ID, err)
	}
	p.emailIfWanted(ctx, listing.FarmerID, func(prefs *models.NotificationPreferences) bool { return prefs.AuctionClosed },
		fmt.Sprintf("Auction closed: %s", listing.Title), farmerMsg)

	winnerMsg := fmt.Sprintf("You won the auction for %q at %d %s. Check out to complete the purchase.",
		listing.Title, winner.Amount, p.cfg.CurrencyCode)
	if _, err := p.notificationSvc.Create(ctx, winner.BidderID, models.NotificationAuctionWon,
		"You won", winnerMsg, listing.ID); err != nil {
		log.Errorf("Failed to create winner notification for listing %s: %v", listing.ID, err)
	}
	p.emailIfWanted(ctx, winner.BidderID, func(prefs *models.NotificationPreferences) bool { return prefs.AuctionClosed },
		fmt.Sprintf("You won: %s", listing.Title), winnerMsg)
}

// emailIfWanted enqueues an email unless the user has switched that
// notification category off.
func (p *TaskProcessor) emailIfWanted(ctx context.Context, userID string, wanted func(*models.NotificationPreferences) bool, subject, body string) {
	if p.taskClient == nil {
		return
	}
	var user models.User
	err := p.db.Collection("users").FindOne(ctx, bson.M{"_id": userID, "deleted": false}).Decode(&user)
	if err != nil {
		log.Errorf("Failed to load user %s for email: %v", userID, err)
		return
	}
	if user.NotificationPreferences != nil && !wanted(user.NotificationPreferences) {
		return
	}
	payload, _ := json.Marshal(services.EmailTaskPayload{To: user.Email, Subject: subject, Body: body})
	task := asynq.NewTask(services.TypeEmailDeliver, payload)
	if _, err := p.taskClient.EnqueueContext(ctx, task, asynq.Queue("default")); err != nil {
		log.Errorf("Failed to enqueue email for user %s: %v", userID, err)
	}
}

// HandleImageProcessTask normalizes an uploaded produce photo and attaches
// it to its listing.
func (p *TaskProcessor) HandleImageProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload ImageTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal image task payload: %v: %w", err, asynq.SkipRetry)
	}

	log.WithFields(log.Fields{"s3_key": payload.S3Key, "listing_id": payload.ListingID}).Info("Processing image task")

	// 1. Download image from S3
	getObjectOutput, err := p.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.cfg.AwsS3Bucket),
		Key:    aws.String(payload.S3Key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			log.Errorf("S3 object %s not found, likely upload failed", payload.S3Key)
			return fmt.Errorf("s3 object not found: %w", asynq.SkipRetry)
		}
		return fmt.Errorf("failed to download image from S3: %w", err)
	}
	defer getObjectOutput.Body.Close()

	imgData, err := io.ReadAll(io.LimitReader(getObjectOutput.Body, maxImageBytes+1))
	if err != nil {
		return fmt.Errorf("failed to read image data: %w", err)
	}
	if len(imgData) > maxImageBytes {
		log.Errorf("Image %s exceeds max size, skipping", payload.S3Key)
		return fmt.Errorf("image exceeds max size: %w", asynq.SkipRetry)
	}

	img, format, err := image.Decode(bytes.NewReader(imgData))
	if err != nil {
		return fmt.Errorf("unsupported image format or corrupt image: %w", asynq.SkipRetry)
	}
	log.Debugf("Decoded image %s, format %s, size %dx%d", payload.S3Key, format, img.Bounds().Dx(), img.Bounds().Dy())

	// 2. Resize if needed
	maxDim := uint(p.cfg.ImageMaxDimension)
	processedImageData := imgData
	contentType := "image/" + format
	if uint(img.Bounds().Dx()) > maxDim || uint(img.Bounds().Dy()) > maxDim {
		resizedImg := resize.Thumbnail(maxDim, maxDim, img, resize.Lanczos3)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, resizedImg, &jpeg.Options{Quality: 85}); err != nil {
			return fmt.Errorf("failed to re-encode resized image: %w", err)
		}
		processedImageData = buf.Bytes()
		contentType = "image/jpeg"
	}

	// 3. Upload processed image (overwrite original)
	_, err = p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.AwsS3Bucket),
		Key:         aws.String(payload.S3Key),
		Body:        bytes.NewReader(processedImageData),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload processed image: %w", err)
	}

	// 4. Attach to the listing
	if err := p.listingService.AddImageToListing(ctx, payload.ListingID, payload.S3Key); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("listing gone: %w", asynq.SkipRetry)
		}
		return fmt.Errorf("failed to update listing with processed image: %w", err)
	}

	log.WithFields(log.Fields{"s3_key": payload.S3Key, "listing_id": payload.ListingID}).Info("Image task processed")
	return nil
}
