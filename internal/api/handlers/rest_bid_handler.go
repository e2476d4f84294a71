package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/api/middleware"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/auction"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/services"
)

// RestBidHandler handles REST requests for bidding.
type RestBidHandler struct {
	bidService services.IBidService
}

// NewRestBidHandler creates a new RestBidHandler.
func NewRestBidHandler(bidService services.IBidService) *RestBidHandler {
	return &RestBidHandler{bidService: bidService}
}

type placeBidRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// PlaceBid handles POST /v1/listing/:id/bid (buyer only).
func (h *RestBidHandler) PlaceBid(c *gin.Context) {
	var req placeBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	bid, err := h.bidService.PlaceBid(
		c.Request.Context(), c.Param("id"), middleware.UserID(c), req.Amount, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		case errors.Is(err, auction.ErrRoleNotPermitted):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, auction.ErrNoAuction),
			errors.Is(err, auction.ErrAuctionNotStarted),
			errors.Is(err, auction.ErrAuctionEnded):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, auction.ErrBidTooLow),
			errors.Is(err, auction.ErrBidBelowBase):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to place bid"})
		}
		return
	}

	c.JSON(http.StatusCreated, bid)
}

// ListBids handles GET /v1/listing/:id/bids (public, best-first).
func (h *RestBidHandler) ListBids(c *gin.Context) {
	bids, err := h.bidService.BidsForListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch bids"})
		return
	}
	c.JSON(http.StatusOK, bids)
}

// HighestBid handles GET /v1/listing/:id/highest-bid (public).
func (h *RestBidHandler) HighestBid(c *gin.Context) {
	amount, err := h.bidService.HighestBid(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch highest bid"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"amount": amount})
}

// Winner handles GET /v1/listing/:id/winner.
func (h *RestBidHandler) Winner(c *gin.Context) {
	winner, err := h.bidService.Winner(c.Request.Context(), c.Param("id"), time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		case errors.Is(err, auction.ErrAuctionStillActive):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, auction.ErrNoBids):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve winner"})
		}
		return
	}
	c.JSON(http.StatusOK, winner)
}

// MyBids handles GET /v1/my/bids (buyer only).
func (h *RestBidHandler) MyBids(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		limit = 20
	}
	bids, err := h.bidService.BidsByBidder(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch bids"})
		return
	}
	c.JSON(http.StatusOK, bids)
}
