package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/api"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/cache"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/config"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/db"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/email"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/services"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/tasks"
	_ "github.com/vishnu0318/local-farm-bid-sub000/internal/utils" // Logger setup
)

var runMode = flag.String("m", "all", "Run mode: 'api', 'bg' (background tasks), 'all' (default)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*runMode)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	mongoClient, mongoDb, err := db.ConnectDB(cfg.MongoURI, cfg.MongoDbName)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.DisconnectDB(mongoClient); err != nil {
			log.Errorf("Error disconnecting from MongoDB: %v", err)
		}
	}()

	ctxIdx, cancelIdx := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.EnsureIndexes(ctxIdx, mongoDb); err != nil {
		cancelIdx()
		log.Fatalf("Failed to ensure indexes: %v", err)
	}
	cancelIdx()

	redisClient, err := cache.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() {
		if err := cache.DisconnectRedis(redisClient); err != nil {
			log.Errorf("Error disconnecting from Redis: %v", err)
		}
	}()

	// S3 client for the image processing task handler
	awsCfg, err := aws_config.LoadDefaultConfig(context.TODO(),
		aws_config.WithRegion(cfg.AwsRegion),
		aws_config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AwsAccessKeyID,
			cfg.AwsSecretAccessKey,
			"",
		)),
	)
	if err != nil {
		log.Fatalf("Failed to load AWS config for S3 client: %v", err)
	}
	s3Client := s3.NewFromConfig(awsCfg)

	emailSender := email.NewSMTPSender(cfg)

	taskClient := tasks.NewClient(redisClient)
	defer taskClient.Close()

	// Services needed by the task processor
	listingService := services.NewListingService(mongoDb, cfg)
	bidService := services.NewBidService(mongoDb, cfg, taskClient, redisClient)
	notificationService := services.NewNotificationService(mongoDb, redisClient)

	taskProcessor := tasks.NewTaskProcessor(cfg, mongoDb, emailSender, listingService, bidService, notificationService, s3Client, taskClient)

	var wg sync.WaitGroup

	// Channel to signal shutdown from the ops API
	shutdownChan := make(chan struct{}, 1)

	// Ops API (always runs)
	opsRouter := api.SetupOpsRouter(cfg, mongoDb, redisClient, shutdownChan)
	opsSrv := &http.Server{
		Addr:    ":" + cfg.OpsPort,
		Handler: opsRouter,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("Ops API listening on :%s", cfg.OpsPort)
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Ops API ListenAndServe error: %v", err)
		}
		log.Info("Ops API server stopped")
	}()

	var mainApiSrv *http.Server
	var taskSrv *asynq.Server
	sweepDone := make(chan struct{})

	log.Infof("Starting application in '%s' mode", cfg.RunMode)

	apiMode := func() {
		mainApiRouter := api.SetupRouter(cfg, mongoDb, redisClient, taskClient)
		mainApiSrv = &http.Server{
			Addr:    ":" + cfg.ApiPort,
			Handler: mainApiRouter,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("Main API listening on :%s", cfg.ApiPort)
			if err := mainApiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Main API ListenAndServe error: %v", err)
			}
			log.Info("Main API server stopped")
		}()
	}

	bgMode := func() {
		srv, mux := tasks.SetupServer(redisClient, taskProcessor)
		taskSrv = srv
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("Background task server starting")
			if err := taskSrv.Run(mux); err != nil {
				log.Fatalf("Background task server error: %v", err)
			}
			log.Info("Background task server stopped")
		}()

		// Periodic auction sweep so ended auctions get closed out even when
		// nobody is polling them.
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(cfg.AuctionSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					task := asynq.NewTask(tasks.TypeAuctionSweep, nil)
					if _, err := taskClient.Enqueue(task, asynq.Queue("default")); err != nil {
						log.Errorf("Failed to enqueue auction sweep: %v", err)
					}
				case <-sweepDone:
					return
				}
			}
		}()
	}

	switch cfg.RunMode {
	case "api":
		apiMode()
	case "bg":
		bgMode()
	case "all":
		apiMode()
		bgMode()
	default:
		log.Fatalf("Invalid run mode specified: %s", cfg.RunMode)
	}

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Infof("Received signal: %s. Shutting down gracefully", sig)
	case <-shutdownChan:
		log.Info("Shutdown requested via ops API. Shutting down gracefully")
	}

	close(sweepDone)

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := opsSrv.Shutdown(ctxShutdown); err != nil {
		log.Errorf("Ops API server shutdown error: %v", err)
	}

	if mainApiSrv != nil {
		if err := mainApiSrv.Shutdown(ctxShutdown); err != nil {
			log.Errorf("Main API server shutdown error: %v", err)
		}
	}

	if taskSrv != nil {
		taskSrv.Shutdown()
	}

	wg.Wait()
	log.Info("Server gracefully stopped")
}
