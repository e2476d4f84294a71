package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ConnectRedis initializes and returns a Redis client instance.
func ConnectRedis(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := rdb.Ping(ctx).Result()
	if err != nil {
		// Close the client if ping fails
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Successfully connected to Redis")
	return rdb, nil
}

// DisconnectRedis closes the Redis client connection.
func DisconnectRedis(client *redis.Client) error {
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}
	log.Info("Redis connection closed")
	return nil
}

// ListingEventsChannel is the pub/sub channel carrying bid events for one
// listing. Delivery is at-least-once and unordered; subscribers must
// re-fetch the bid list rather than apply deltas.
func ListingEventsChannel(listingID string) string {
	return fmt.Sprintf("listing:%s:events", listingID)
}

// UserNotificationsChannel carries new-notification pings for one user.
func UserNotificationsChannel(userID string) string {
	return fmt.Sprintf("user:%s:notifications", userID)
}
