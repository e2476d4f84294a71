package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/models"
)

// Operation is a function that performs an action and returns an error if it fails.
type Operation func() error

// IsDuplicateKeyError is a function that checks if an error is a duplicate key error.
type IsDuplicateKeyError func(err error) bool

const DefaultMaxRetries = 3

// Try executes an operation with default retry settings for _id collisions.
// Duplicate keys on other unique indexes (users.email, sales.listing_id) are
// real conflicts and surface immediately.
func Try(op Operation) error {
	return WithRetries(op, DefaultMaxRetries, IsMongoIDCollision)
}

// WithRetries executes an operation with a retry mechanism for duplicate key
// errors (the loser of an _id collision just regenerates and retries).
// It attempts the operation up to maxRetries times.
func WithRetries(op Operation, maxRetries int, isDuplicateKey IsDuplicateKeyError) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}
		if isDuplicateKey(err) {
			time.Sleep(time.Duration(50*(attempt+1)) * time.Millisecond) // Simple incremental backoff
		} else {
			return err // Not a duplicate key error, return immediately
		}
	}
	return err
}

// InsertOne inserts a document that embeds models.Base, generating a fresh
// ID on each attempt so an _id collision is retried instead of surfaced.
// A duplicate key on any other index is returned on the first attempt;
// callers treat it as a real uniqueness violation (users.email,
// sales.listing_id).
func InsertOne(ctx context.Context, collection *mongo.Collection, doc models.IBase) (models.IBase, error) {
	err := Try(func() error {
		doc.GenID()
		_, insertErr := collection.InsertOne(ctx, doc)
		return insertErr
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// IsMongoIDCollision reports whether the error is a duplicate key error on
// the _id index specifically. Only those are safe to retry with a fresh ID.
func IsMongoIDCollision(err error) bool {
	var e mongo.WriteException
	if errors.As(err, &e) {
		for _, we := range e.WriteErrors {
			if we.Code == 11000 && strings.Contains(we.Message, "index: _id_") {
				return true
			}
		}
	}
	return false
}

// IsMongoDuplicateKeyError checks if an error from MongoDB is a duplicate key error (code 11000).
func IsMongoDuplicateKeyError(err error) bool {
	var e mongo.WriteException
	if errors.As(err, &e) {
		for _, we := range e.WriteErrors {
			if we.Code == 11000 {
				return true
			}
		}
	}
	// Also check for BulkWriteException, which can contain duplicate key errors
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		for _, writeError := range bwe.WriteErrors {
			if writeError.Code == 11000 {
				return true
			}
		}
	}
	return false
}
