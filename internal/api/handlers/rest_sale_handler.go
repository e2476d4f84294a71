package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/api/middleware"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/auction"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/services"
)

// RestSaleHandler handles REST requests for checkout and payments.
type RestSaleHandler struct {
	saleService services.ISaleService
}

// NewRestSaleHandler creates a new RestSaleHandler.
func NewRestSaleHandler(saleService services.ISaleService) *RestSaleHandler {
	return &RestSaleHandler{saleService: saleService}
}

type checkoutRequest struct {
	PaymentMethod   string `json:"payment_method" binding:"required"`
	DeliveryAddress string `json:"delivery_address" binding:"required"`
}

// Checkout handles POST /v1/listing/:id/checkout (buyer only).
func (h *RestSaleHandler) Checkout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	sale, order, err := h.saleService.Checkout(
		c.Request.Context(), c.Param("id"), middleware.UserID(c),
		req.PaymentMethod, req.DeliveryAddress, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		case errors.Is(err, auction.ErrAuctionStillActive):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, auction.ErrNoBids):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrNotWinner):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrListingAlreadySold):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrPaymentMethod):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check out"})
		}
		return
	}

	resp := gin.H{"sale": sale}
	if order != nil {
		resp["payment_order"] = order
	}
	c.JSON(http.StatusCreated, resp)
}

type confirmPaymentRequest struct {
	ProviderOrderID   string `json:"provider_order_id"`
	ProviderPaymentID string `json:"provider_payment_id"`
	Signature         string `json:"signature"`
}

// ConfirmPayment handles POST /v1/sale/:id/confirm (buyer only).
func (h *RestSaleHandler) ConfirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	sale, err := h.saleService.ConfirmPayment(
		c.Request.Context(), c.Param("id"), middleware.UserID(c),
		req.ProviderOrderID, req.ProviderPaymentID, req.Signature, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			c.JSON(http.StatusNotFound, gin.H{"error": "Sale not found"})
		case errors.Is(err, services.ErrPaymentSignature):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrSaleNotPending):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to confirm payment"})
		}
		return
	}
	c.JSON(http.StatusOK, sale)
}

// FailPayment handles POST /v1/sale/:id/fail (buyer only).
func (h *RestSaleHandler) FailPayment(c *gin.Context) {
	err := h.saleService.FailPayment(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			c.JSON(http.StatusNotFound, gin.H{"error": "Sale not found"})
		case errors.Is(err, services.ErrSaleNotPending):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record payment failure"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetSale handles GET /v1/sale/:id. Only the buyer or the farmer involved
// may view the sale.
func (h *RestSaleHandler) GetSale(c *gin.Context) {
	sale, err := h.saleService.FindSaleByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Sale not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve sale"})
		}
		return
	}

	userID := middleware.UserID(c)
	if sale.BuyerID != userID && sale.FarmerID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Sale not found"})
		return
	}
	c.JSON(http.StatusOK, sale)
}

// MyPurchases handles GET /v1/my/purchases (buyer only).
func (h *RestSaleHandler) MyPurchases(c *gin.Context) {
	sales, err := h.saleService.SalesByBuyer(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch purchases"})
		return
	}
	c.JSON(http.StatusOK, sales)
}

// MySales handles GET /v1/my/sales (farmer only).
func (h *RestSaleHandler) MySales(c *gin.Context) {
	sales, err := h.saleService.SalesByFarmer(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch sales"})
		return
	}
	c.JSON(http.StatusOK, sales)
}
