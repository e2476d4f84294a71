package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/auth"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/config"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/db"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/models"
)

// ErrEmailExists is returned when an attempt is made to use an email that already exists.
var ErrEmailExists = errors.New("email already in use by another account")

// ErrInvalidCredentials is returned on a failed login. It deliberately does
// not distinguish unknown email from wrong password.
var ErrInvalidCredentials = errors.New("invalid email or password")

// ErrAccountSuspended is returned when a suspended user tries to log in.
var ErrAccountSuspended = errors.New("account is suspended")

// ErrWeakPassword is returned when a password fails the configured policy.
var ErrWeakPassword = errors.New("password does not meet the minimum requirements")

// IUserService defines the interface for user-related operations.
// This allows for easier mocking in tests.
type IUserService interface {
	Register(ctx context.Context, name, email, password string, role models.Role, address string) (*models.User, error)
	Authenticate(ctx context.Context, email, password string) (*models.User, string, error)
	FindByID(ctx context.Context, userID string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateProfile(ctx context.Context, userID string, updates map[string]interface{}) (*models.User, error)
	UpdateNotificationPreferences(ctx context.Context, userID string, prefs models.NotificationPreferences) error
}

const usersCollection = "users"

// userService implements IUserService.
type userService struct {
	db  *mongo.Database
	cfg *config.Config
}

// NewUserService creates a new UserService.
func NewUserService(db *mongo.Database, cfg *config.Config) IUserService {
	return &userService{db: db, cfg: cfg}
}

// Register creates a new farmer or buyer account. The unique index on email
// is the authority on duplicates; a racing registration loses at insert time
// rather than at a pre-check.
func (s *userService) Register(ctx context.Context, name, email, password string, role models.Role, address string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || email == "" {
		return nil, fmt.Errorf("name and email are required")
	}

	if matched, _ := regexp.MatchString(s.cfg.PasswordRegexp, password); !matched {
		return nil, ErrWeakPassword
	}

	hashed, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now().UTC()
	newUser := &models.User{
		Name:         name,
		Email:        email,
		PasswordHash: hashed,
		Role:         role,
		Address:      address,
		Suspended:    false,
		Deleted:      false,
		CreatedAt:    now,
		UpdatedAt:    now,
		NotificationPreferences: &models.NotificationPreferences{
			BidPlaced:      true,
			AuctionClosed:  true,
			PaymentReceipt: true,
		},
	}

	collection := s.db.Collection(usersCollection)
	if _, err = db.InsertOne(ctx, collection, newUser); err != nil {
		if mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), "email_1") {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("error inserting new user for %s: %w", email, err)
	}

	log.WithFields(log.Fields{"user_id": newUser.ID, "role": role}).Info("Registered new user")
	return newUser, nil
}

// Authenticate verifies credentials and returns the user plus a signed JWT.
func (s *userService) Authenticate(ctx context.Context, email, password string) (*models.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, "", ErrInvalidCredentials
	}
	if user.Suspended {
		return nil, "", ErrAccountSuspended
	}

	token, err := auth.GenerateJWT(user.ID, user.Role, s.cfg.JwtSecret, s.cfg.JwtTTL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token for user %s: %w", user.ID, err)
	}

	return user, token, nil
}

// FindByEmail finds a non-deleted user by their email address.
// Returns nil and mongo.ErrNoDocuments if not found.
func (s *userService) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	collection := s.db.Collection(usersCollection)
	filter := bson.M{"email": email, "deleted": false}

	err := collection.FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding user by email %s: %w", email, err)
	}
	return &user, nil
}

// FindByID finds a non-deleted user by their ID.
func (s *userService) FindByID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	collection := s.db.Collection(usersCollection)
	filter := bson.M{"_id": userID, "deleted": false}

	err := collection.FindOne(ctx, filter).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding user by ID %s: %w", userID, err)
	}
	return &user, nil
}

// UpdateProfile updates mutable profile fields. Role and email are
// intentionally not updatable here.
func (s *userService) UpdateProfile(ctx context.Context, userID string, updates map[string]interface{}) (*models.User, error) {
	allowedUpdates := bson.M{}
	for key, value := range updates {
		switch key {
		case "name", "address":
			allowedUpdates[key] = value
		default:
			return nil, fmt.Errorf("field '%s' cannot be updated via UpdateProfile", key)
		}
	}
	if len(allowedUpdates) == 0 {
		return nil, fmt.Errorf("no valid fields provided for update")
	}
	allowedUpdates["updated_at"] = time.Now().UTC()

	collection := s.db.Collection(usersCollection)
	filter := bson.M{"_id": userID, "deleted": false}
	update := bson.M{"$set": allowedUpdates}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return nil, fmt.Errorf("error updating profile for user %s: %w", userID, err)
	}
	if result.MatchedCount == 0 {
		return nil, mongo.ErrNoDocuments
	}

	return s.FindByID(ctx, userID)
}

// UpdateNotificationPreferences replaces the user's email notification switches.
func (s *userService) UpdateNotificationPreferences(ctx context.Context, userID string, prefs models.NotificationPreferences) error {
	collection := s.db.Collection(usersCollection)
	filter := bson.M{"_id": userID, "deleted": false}
	update := bson.M{"$set": bson.M{
		"notification_preferences": prefs,
		"updated_at":               time.Now().UTC(),
	}}

	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("error updating notification preferences for user %s: %w", userID, err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}
