package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/api/middleware"
	"github.com/vishnu0318/local-farm-bid-sub000/internal/services"
)

// RestNotificationHandler handles REST requests for in-app notifications.
type RestNotificationHandler struct {
	notificationService services.INotificationService
}

// NewRestNotificationHandler creates a new RestNotificationHandler.
func NewRestNotificationHandler(notificationService services.INotificationService) *RestNotificationHandler {
	return &RestNotificationHandler{notificationService: notificationService}
}

// List handles GET /v1/my/notifications
func (h *RestNotificationHandler) List(c *gin.Context) {
	unreadOnly := c.Query("unread") == "true"
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		limit = 50
	}

	notifications, err := h.notificationService.ListForUser(
		c.Request.Context(), middleware.UserID(c), unreadOnly, limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch notifications"})
		return
	}
	c.JSON(http.StatusOK, notifications)
}

// UnreadCount handles GET /v1/my/notifications/unread-count
func (h *RestNotificationHandler) UnreadCount(c *gin.Context) {
	count, err := h.notificationService.UnreadCount(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

// MarkRead handles POST /v1/my/notifications/:id/read
func (h *RestNotificationHandler) MarkRead(c *gin.Context) {
	err := h.notificationService.MarkRead(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
		} else {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark notification read"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// MarkAllRead handles POST /v1/my/notifications/read-all
func (h *RestNotificationHandler) MarkAllRead(c *gin.Context) {
	count, err := h.notificationService.MarkAllRead(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark notifications read"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "marked": count})
}
