package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vishnu0318/local-farm-bid-sub000/internal/config"
)

// clientLimiter stores rate limiters for a specific client.
// The soft limiter throttles anonymous traffic; the hard limiter is the
// absolute ceiling for everyone.
type clientLimiter struct {
	softLimiter *rate.Limiter
	hardLimiter *rate.Limiter
	lastSeen    time.Time
}

// RateLimiterMiddleware manages per-client rate limiting for API endpoints.
type RateLimiterMiddleware struct {
	clients map[string]*clientLimiter
	mu      sync.Mutex
	cfg     *config.Config
}

// NewRateLimiterMiddleware creates a new RateLimiterMiddleware.
func NewRateLimiterMiddleware(cfg *config.Config) *RateLimiterMiddleware {
	rm := &RateLimiterMiddleware{
		clients: make(map[string]*clientLimiter),
		cfg:     cfg,
	}
	// Background goroutine to clean up old client entries
	go rm.cleanupClients()
	return rm
}

// getClientLimiter retrieves or creates the rate limiters for a client IP.
func (rm *RateLimiterMiddleware) getClientLimiter(identifier string) *clientLimiter {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	limiter, exists := rm.clients[identifier]
	if !exists {
		limiter = &clientLimiter{
			softLimiter: rate.NewLimiter(rate.Limit(rm.cfg.RateLimitSoftRefillRate), rm.cfg.RateLimitSoftBucketSize),
			hardLimiter: rate.NewLimiter(rate.Limit(rm.cfg.RateLimitHardRefillRate), rm.cfg.RateLimitHardBucketSize),
		}
		rm.clients[identifier] = limiter
	}
	limiter.lastSeen = time.Now()
	return limiter
}

// cleanupClients periodically removes old client entries from the map.
func (rm *RateLimiterMiddleware) cleanupClients() {
	for {
		time.Sleep(10 * time.Minute)
		rm.mu.Lock()
		count := 0
		for id, client := range rm.clients {
			if time.Since(client.lastSeen) > 30*time.Minute {
				delete(rm.clients, id)
				count++
			}
		}
		rm.mu.Unlock()
		if count > 0 {
			log.Debugf("Rate limiter cleanup removed %d old client entries", count)
		}
	}
}

// Limit creates the Gin middleware handler. Authenticated requests only hit
// the hard ceiling; anonymous requests also pass through the tighter soft
// limiter, which keeps scrapers off the public search endpoints.
func (rm *RateLimiterMiddleware) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := rm.getClientLimiter(c.ClientIP())

		if !limiter.hardLimiter.Allow() {
			log.Warnf("Hard rate limit exceeded for client %s on %s", c.ClientIP(), c.FullPath())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}

		authenticated := c.GetHeader("Authorization") != ""
		if !authenticated && !limiter.softLimiter.Allow() {
			log.Warnf("Soft rate limit exceeded for client %s on %s", c.ClientIP(), c.FullPath())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded, slow down"})
			return
		}

		c.Next()
	}
}
