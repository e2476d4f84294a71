package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/api/handlers"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/api/middleware"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/config"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/models"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/payment"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/services"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/storage"
)

// SetupRouter configures and returns the main Gin engine.
func SetupRouter(cfg *config.Config, db *mongo.Database, rdb *redis.Client, taskClient *asynq.Client) *gin.Engine {
	// Initialize services needed by API handlers
	userService := services.NewUserService(db, cfg)
	listingService := services.NewListingService(db, cfg)
	bidService := services.NewBidService(db, cfg, taskClient, rdb)
	notificationService := services.NewNotificationService(db, rdb)
	paymentProvider := payment.NewProvider(cfg)
	saleService := services.NewSaleService(db, cfg, paymentProvider, bidService, listingService, notificationService, taskClient)

	s3StorageService, err := storage.NewS3Storage(cfg)
	if err != nil {
		log.Fatalf("CRITICAL: Failed to initialize S3 storage for API: %v", err)
	}

	r := gin.Default()

	rateLimiter := middleware.NewRateLimiterMiddleware(cfg)

	// Global middleware (order matters)
	r.Use(middleware.CORSMiddleware())
	r.Use(rateLimiter.Limit())

	// Initialize handlers
	userHandler := handlers.NewRestUserHandler(userService)
	listingHandler := handlers.NewRestListingHandler(listingService, s3StorageService, taskClient)
	bidHandler := handlers.NewRestBidHandler(bidService)
	saleHandler := handlers.NewRestSaleHandler(saleService)
	notificationHandler := handlers.NewRestNotificationHandler(notificationService)

	v1 := r.Group("/v1")
	{
		// Public routes
		v1.POST("/auth/register", userHandler.Register)
		v1.POST("/auth/login", userHandler.Login)

		v1.GET("/listing/search", listingHandler.SearchListings)
		v1.GET("/listing/:id", listingHandler.GetListingByID)
		v1.GET("/listing/:id/bids", bidHandler.ListBids)
		v1.GET("/listing/:id/highest-bid", bidHandler.HighestBid)
		v1.GET("/listing/:id/winner", bidHandler.Winner)

		v1.GET("/user/:id", userHandler.GetUserByID)

		v1.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		// Authenticated routes (any role)
		authRequired := v1.Group("/")
		authRequired.Use(middleware.AuthMiddleware(cfg.JwtSecret))
		{
			authRequired.GET("/me", userHandler.Me)
			authRequired.PATCH("/me", userHandler.UpdateProfile)
			authRequired.PUT("/me/preferences", userHandler.UpdatePreferences)

			authRequired.GET("/my/notifications", notificationHandler.List)
			authRequired.GET("/my/notifications/unread-count", notificationHandler.UnreadCount)
			authRequired.POST("/my/notifications/:id/read", notificationHandler.MarkRead)
			authRequired.POST("/my/notifications/read-all", notificationHandler.MarkAllRead)

			authRequired.GET("/sale/:id", saleHandler.GetSale)
		}

		// Farmer routes
		farmer := v1.Group("/")
		farmer.Use(middleware.AuthMiddleware(cfg.JwtSecret), middleware.RequireRole(models.RoleFarmer))
		{
			farmer.POST("/listing", listingHandler.CreateListing)
			farmer.PATCH("/listing/:id", listingHandler.UpdateListing)
			farmer.DELETE("/listing/:id", listingHandler.DeleteListing)
			farmer.POST("/listing/:id/image-upload", listingHandler.RequestImageUpload)
			farmer.POST("/listing/:id/image-complete", listingHandler.CompleteImageUpload)
			farmer.GET("/my/listings", listingHandler.MyListings)
			farmer.GET("/my/sales", saleHandler.MySales)
		}

		// Buyer routes
		buyer := v1.Group("/")
		buyer.Use(middleware.AuthMiddleware(cfg.JwtSecret), middleware.RequireRole(models.RoleBuyer))
		{
			buyer.POST("/listing/:id/bid", bidHandler.PlaceBid)
			buyer.POST("/listing/:id/checkout", saleHandler.Checkout)
			buyer.POST("/sale/:id/confirm", saleHandler.ConfirmPayment)
			buyer.POST("/sale/:id/fail", saleHandler.FailPayment)
			buyer.GET("/my/bids", bidHandler.MyBids)
			buyer.GET("/my/purchases", saleHandler.MyPurchases)
		}
	}

	return r
}

// SetupOpsRouter configures the operations Gin engine: health checks plus a
// shutdown hook for orchestration.
func SetupOpsRouter(cfg *config.Config, db *mongo.Database, rdb *redis.Client, shutdownChan chan<- struct{}) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		status := gin.H{"status": "ok"}
		code := http.StatusOK

		if err := db.Client().Ping(c.Request.Context(), nil); err != nil {
			status["mongo"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			status["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	r.POST("/shutdown", func(c *gin.Context) {
		log.Info("Received shutdown command via ops API")
		c.JSON(http.StatusOK, gin.H{"success": true, "result": "Shutdown initiated"})
		select {
		case shutdownChan <- struct{}{}:
		default:
			log.Warn("Shutdown channel already signaled or blocked")
		}
	})

	return r
}
