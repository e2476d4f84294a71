package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/api/middleware"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/services"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/storage"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/tasks"
)

// IAsynqClient abstracts the asynq client so handlers can be tested without
// a Redis connection.
type IAsynqClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// RestListingHandler handles REST requests for listings.
type RestListingHandler struct {
	listingService services.IListingService
	storageService storage.IS3Storage
	taskClient     IAsynqClient
}

// NewRestListingHandler creates a new RestListingHandler.
func NewRestListingHandler(listingService services.IListingService, storageService storage.IS3Storage, taskClient IAsynqClient) *RestListingHandler {
	return &RestListingHandler{
		listingService: listingService,
		storageService: storageService,
		taskClient:     taskClient,
	}
}

type createListingRequest struct {
	Title        string     `json:"title" binding:"required"`
	Description  string     `json:"description"`
	Tags         []string   `json:"tags"`
	BasePrice    int64      `json:"base_price" binding:"required"`
	Quantity     int        `json:"quantity"`
	Unit         string     `json:"unit"`
	AuctionStart *time.Time `json:"auction_start"`
	AuctionEnd   *time.Time `json:"auction_end"`
}

// CreateListing handles POST /v1/listing (farmer only).
func (h *RestListingHandler) CreateListing(c *gin.Context) {
	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	listing, err := h.listingService.CreateListing(
		c.Request.Context(), middleware.UserID(c),
		req.Title, req.Description, req.Tags,
		req.BasePrice, req.Quantity, req.Unit,
		req.AuctionStart, req.AuctionEnd,
	)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrWindowIncomplete), errors.Is(err, services.ErrWindowInverted):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, mongo.ErrNoDocuments):
			c.JSON(http.StatusNotFound, gin.H{"error": "Farmer account not found"})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create listing"})
		}
		return
	}

	c.JSON(http.StatusCreated, listing)
}

// SearchListings handles GET /v1/listing/search
func (h *RestListingHandler) SearchListings(c *gin.Context) {
	query := c.Query("q")
	tagsStr := c.Query("tags")
	limitStr := c.DefaultQuery("limit", "20")
	cursor := c.Query("cursor")
	availableOnly := c.DefaultQuery("available", "true") != "false"

	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}

	var tags []string
	if tagsStr != "" {
		for _, tag := range strings.Split(tagsStr, ",") {
			if trimmed := strings.TrimSpace(tag); trimmed != "" {
				tags = append(tags, trimmed)
			}
		}
	}

	var queryPtr *string
	if query != "" {
		queryPtr = &query
	}
	var cursorPtr *string
	if cursor != "" {
		cursorPtr = &cursor
	}

	listings, nextCursor, err := h.listingService.SearchListings(
		c.Request.Context(), queryPtr, tags, availableOnly, limit, cursorPtr)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to search listings"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":        listings,
		"next_cursor": nextCursor,
	})
}

// GetListingByID handles GET /v1/listing/:id
func (h *RestListingHandler) GetListingByID(c *gin.Context) {
	listing, err := h.listingService.FindListingByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve listing"})
		}
		return
	}
	c.JSON(http.StatusOK, listing)
}

type updateListingRequest struct {
	Title        *string    `json:"title"`
	Description  *string    `json:"description"`
	Tags         []string   `json:"tags"`
	BasePrice    *int64     `json:"base_price"`
	Quantity     *int       `json:"quantity"`
	Unit         *string    `json:"unit"`
	AuctionStart *time.Time `json:"auction_start"`
	AuctionEnd   *time.Time `json:"auction_end"`
	ClearWindow  bool       `json:"clear_window"`
}

// UpdateListing handles PATCH /v1/listing/:id (farmer only, no bids yet).
func (h *RestListingHandler) UpdateListing(c *gin.Context) {
	var req updateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	updates := map[string]interface{}{}
	if req.Title != nil {
		updates["title"] = *req.Title
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Tags != nil {
		updates["tags"] = req.Tags
	}
	if req.BasePrice != nil {
		updates["base_price"] = *req.BasePrice
	}
	if req.Quantity != nil {
		updates["quantity"] = *req.Quantity
	}
	if req.Unit != nil {
		updates["unit"] = *req.Unit
	}
	if req.ClearWindow {
		updates["auction_start"] = nil
		updates["auction_end"] = nil
	} else if req.AuctionStart != nil || req.AuctionEnd != nil {
		updates["auction_start"] = req.AuctionStart
		updates["auction_end"] = req.AuctionEnd
	}

	listing, err := h.listingService.UpdateListing(c.Request.Context(), c.Param("id"), middleware.UserID(c), updates)
	if err != nil {
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		case errors.Is(err, services.ErrNotListingOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrListingHasBids):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, listing)
}

// DeleteListing handles DELETE /v1/listing/:id (farmer only, no bids yet).
func (h *RestListingHandler) DeleteListing(c *gin.Context) {
	err := h.listingService.DeleteListing(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		case errors.Is(err, services.ErrNotListingOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrListingHasBids):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete listing"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// MyListings handles GET /v1/my/listings (farmer only).
func (h *RestListingHandler) MyListings(c *gin.Context) {
	listings, err := h.listingService.FindListingsByFarmerID(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch listings"})
		return
	}
	c.JSON(http.StatusOK, listings)
}

type imageUploadRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type" binding:"required"`
}

// RequestImageUpload handles POST /v1/listing/:id/image-upload.
// It returns a presigned S3 PUT URL; the client uploads directly and then
// calls CompleteImageUpload so the photo gets normalized and attached.
func (h *RestListingHandler) RequestImageUpload(c *gin.Context) {
	var req imageUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if !strings.HasPrefix(req.ContentType, "image/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Only image uploads are supported"})
		return
	}

	listingID := c.Param("id")
	farmerID := middleware.UserID(c)

	listing, err := h.listingService.FindListingByID(c.Request.Context(), listingID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve listing"})
		}
		return
	}
	if listing.FarmerID != farmerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Listing does not belong to this farmer"})
		return
	}

	url, key, err := h.storageService.GeneratePresignedPutURL(
		c.Request.Context(), farmerID, listingID, req.Filename, req.ContentType)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to prepare upload"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"upload_url": url, "key": key})
}

type imageCompleteRequest struct {
	Key string `json:"key" binding:"required"`
}

// CompleteImageUpload handles POST /v1/listing/:id/image-complete.
// It enqueues the normalization task that validates, resizes, and attaches
// the uploaded photo.
func (h *RestListingHandler) CompleteImageUpload(c *gin.Context) {
	var req imageCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	listingID := c.Param("id")
	listing, err := h.listingService.FindListingByID(c.Request.Context(), listingID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve listing"})
		}
		return
	}
	if listing.FarmerID != middleware.UserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Listing does not belong to this farmer"})
		return
	}

	payload, _ := json.Marshal(tasks.ImageTaskPayload{S3Key: req.Key, ListingID: listingID})
	task := asynq.NewTask(tasks.TypeImageProcess, payload)
	if _, err := h.taskClient.EnqueueContext(c.Request.Context(), task, asynq.Queue("images")); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule image processing"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"success": true})
}
