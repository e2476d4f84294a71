package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/cache"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/db"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/models"
)

// INotificationService defines the interface for in-app notifications.
type INotificationService interface {
	Create(ctx context.Context, userID string, ntype models.NotificationType, title, message, listingID string) (*models.Notification, error)
	ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, notificationID, userID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
}

const notificationsCollection = "notifications"

// notificationService implements INotificationService.
type notificationService struct {
	db  *mongo.Database
	rdb *redis.Client
}

// NewNotificationService creates a new NotificationService. rdb may be nil
// in tests; the change-feed ping is then skipped.
func NewNotificationService(db *mongo.Database, rdb *redis.Client) INotificationService {
	return &notificationService{db: db, rdb: rdb}
}

// Create records an in-app notification and pings the user's Redis channel.
// The ping is best effort; the stored document is the source of truth.
func (s *notificationService) Create(ctx context.Context, userID string, ntype models.NotificationType, title, message, listingID string) (*models.Notification, error) {
	notification := &models.Notification{
		UserID:    userID,
		Type:      ntype,
		Title:     title,
		Message:   message,
		ListingID: listingID,
		Read:      false,
		Deleted:   false,
		CreatedAt: time.Now().UTC(),
	}

	collection := s.db.Collection(notificationsCollection)
	if _, err := db.InsertOne(ctx, collection, notification); err != nil {
		return nil, fmt.Errorf("failed to insert notification for user %s: %w", userID, err)
	}

	if s.rdb != nil {
		payload, _ := json.Marshal(map[string]string{
			"notification_id": notification.ID,
			"type":            string(ntype),
		})
		if err := s.rdb.Publish(ctx, cache.UserNotificationsChannel(userID), payload).Err(); err != nil {
			log.Errorf("Failed to publish notification ping for user %s: %v", userID, err)
		}
	}

	return notification, nil
}

// ListForUser returns a user's notifications, newest first.
func (s *notificationService) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	filter := bson.M{"user_id": userID, "deleted": false}
	if unreadOnly {
		filter["read"] = false
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := s.db.Collection(notificationsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications for user %s: %w", userID, err)
	}
	defer cur.Close(ctx)

	var notifications []models.Notification
	if err = cur.All(ctx, &notifications); err != nil {
		return nil, fmt.Errorf("failed to decode notifications for user %s: %w", userID, err)
	}
	return notifications, nil
}

// MarkRead marks one of the user's notifications as read.
func (s *notificationService) MarkRead(ctx context.Context, notificationID, userID string) error {
	collection := s.db.Collection(notificationsCollection)
	filter := bson.M{"_id": notificationID, "user_id": userID, "deleted": false}
	update := bson.M{"$set": bson.M{"read": true}}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error marking notification %s read: %w", notificationID, err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// MarkAllRead marks all of the user's unread notifications as read and
// returns the number changed.
func (s *notificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	collection := s.db.Collection(notificationsCollection)
	filter := bson.M{"user_id": userID, "read": false, "deleted": false}
	update := bson.M{"$set": bson.M{"read": true}}

	result, err := collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("db error marking notifications read for user %s: %w", userID, err)
	}
	return result.ModifiedCount, nil
}

// UnreadCount returns the number of unread notifications for a user.
func (s *notificationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	filter := bson.M{"user_id": userID, "read": false, "deleted": false}
	count, err := s.db.Collection(notificationsCollection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("db error counting notifications for user %s: %w", userID, err)
	}
	return count, nil
}
