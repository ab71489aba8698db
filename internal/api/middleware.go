// Package api implements the admin REST API of the session server: public
// status endpoints, token-protected monitoring and control routes, and the
// Prometheus scrape endpoint.
package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/voxelnet-project/voxelnet/internal/config"
)

// AuthMiddleware checks the static bearer token and the IP whitelist.
type AuthMiddleware struct {
	token     string
	whitelist []string
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(cfg config.APIConfig) *AuthMiddleware {
	return &AuthMiddleware{
		token:     cfg.Token,
		whitelist: cfg.IPWhitelist,
	}
}

// RequireToken rejects requests without the configured bearer token.
// An empty token disables the check.
func (am *AuthMiddleware) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if am.token == "" {
			c.Next()
			return
		}

		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing or invalid authorization header",
			})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(am.token)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// IPWhitelist returns a middleware that restricts access to whitelisted IPs.
// Entries may be single addresses or CIDR ranges.
func (am *AuthMiddleware) IPWhitelist() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(am.whitelist) == 0 {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		for _, ip := range am.whitelist {
			if clientIP == ip {
				c.Next()
				return
			}
			if _, cidr, err := net.ParseCIDR(ip); err == nil {
				if cidr.Contains(net.ParseIP(clientIP)) {
					c.Next()
					return
				}
			}
		}

		c.JSON(http.StatusForbidden, gin.H{
			"error": "access denied: IP not whitelisted",
		})
		c.Abort()
	}
}

// RateLimiter limits requests per client IP with one token bucket each.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	rate    rate.Limit
	burst   int
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// idleBucket is how long an unused bucket is kept.
const idleBucket = 10 * time.Minute

// NewRateLimiter creates a rate limiter with the specified requests per second.
// Zero or less disables limiting.
func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientBucket),
		rate:    rate.Limit(rps),
		burst:   rps * 2,
	}
}

// Allow reports whether a request from clientIP may proceed.
func (rl *RateLimiter) Allow(clientIP string) bool {
	if rl.rate <= 0 {
		return true
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, exists := rl.clients[clientIP]
	if !exists {
		rl.evictIdle(now)
		bucket = &clientBucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[clientIP] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	for ip, b := range rl.clients {
		if now.Sub(b.lastSeen) > idleBucket {
			delete(rl.clients, ip)
		}
	}
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// SecurityHeaders adds security-related HTTP headers.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Server", "voxelnet")
		c.Next()
	}
}

// RequestLogger logs incoming HTTP requests.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("api request")
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
