package db

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ConnectDB initializes and returns a MongoDB client and database instance.
func ConnectDB(uri, dbName string) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the primary node
	ctxPing, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(ctxPing, readpref.Primary()); err != nil {
		// Disconnect if ping fails
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(dbName)
	log.Info("Successfully connected to MongoDB")

	return client, db, nil
}

// DisconnectDB closes the MongoDB client connection.
func DisconnectDB(client *mongo.Client) error {
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect MongoDB: %w", err)
	}
	log.Info("MongoDB connection closed")
	return nil
}

// EnsureIndexes creates the indexes the correctness of the marketplace
// depends on. The unique index on sales.listing_id is what makes "at most
// one sale per listing" an atomic insert rather than a check-then-insert.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	userIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("email_1"),
		},
	}
	if _, err := db.Collection("users").Indexes().CreateMany(ctx, userIndexes); err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}

	bidIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "listing_id", Value: 1}, {Key: "amount", Value: -1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("listing_amount_created"),
		},
		{
			Keys:    bson.D{{Key: "bidder_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("bidder_created"),
		},
	}
	if _, err := db.Collection("bids").Indexes().CreateMany(ctx, bidIndexes); err != nil {
		return fmt.Errorf("failed to create bid indexes: %w", err)
	}

	saleIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "listing_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("listing_id_1"),
		},
	}
	if _, err := db.Collection("sales").Indexes().CreateMany(ctx, saleIndexes); err != nil {
		return fmt.Errorf("failed to create sale indexes: %w", err)
	}

	notificationIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("user_created"),
		},
	}
	if _, err := db.Collection("notifications").Indexes().CreateMany(ctx, notificationIndexes); err != nil {
		return fmt.Errorf("failed to create notification indexes: %w", err)
	}

	return nil
}
