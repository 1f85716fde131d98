package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiterConfig holds configuration for rate limiting
type RateLimiterConfig struct {
	MessagesPerMinute int           // Max messages per session per minute
	BurstSize         int           // Allow burst of N requests
	CleanupInterval   time.Duration // How often to drop idle limiters
	IdleAfter         time.Duration // A limiter unused this long is dropped
}

type sessionLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SessionRateLimiter manages rate limits per session
type SessionRateLimiter struct {
	config        RateLimiterConfig
	messageLimits map[string]*sessionLimiter
	mu            sync.Mutex
	logger        *zap.Logger
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewSessionRateLimiter creates a new session-based rate limiter
func NewSessionRateLimiter(config RateLimiterConfig, logger *zap.Logger) *SessionRateLimiter {
	if config.MessagesPerMinute <= 0 {
		config.MessagesPerMinute = 20
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 10 * time.Minute
	}
	if config.IdleAfter <= 0 {
		config.IdleAfter = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := &SessionRateLimiter{
		config:        config,
		messageLimits: make(map[string]*sessionLimiter),
		logger:        logger,
		stopCleanup:   make(chan struct{}),
	}

	go limiter.cleanupRoutine()

	return limiter
}

func (srl *SessionRateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(srl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			srl.cleanup(now)
		case <-srl.stopCleanup:
			return
		}
	}
}

// cleanup removes limiters of sessions idle longer than IdleAfter
func (srl *SessionRateLimiter) cleanup(now time.Time) {
	srl.mu.Lock()
	defer srl.mu.Unlock()

	removed := 0
	for id, l := range srl.messageLimits {
		if now.Sub(l.lastSeen) > srl.config.IdleAfter {
			delete(srl.messageLimits, id)
			removed++
		}
	}
	if removed > 0 {
		srl.logger.Debug("Cleaned up rate limiters",
			zap.Int("removed", removed),
			zap.Int("remaining", len(srl.messageLimits)))
	}
}

// Stop stops the cleanup routine
func (srl *SessionRateLimiter) Stop() {
	srl.stopOnce.Do(func() { close(srl.stopCleanup) })
}

func (srl *SessionRateLimiter) get(sessionID string, now time.Time) *rate.Limiter {
	srl.mu.Lock()
	defer srl.mu.Unlock()
	l, ok := srl.messageLimits[sessionID]
	if !ok {
		every := rate.Limit(float64(srl.config.MessagesPerMinute) / 60.0)
		l = &sessionLimiter{limiter: rate.NewLimiter(every, srl.config.BurstSize)}
		srl.messageLimits[sessionID] = l
	}
	l.lastSeen = now
	return l.limiter
}

// AllowMessage checks if a message can be sent for the given session
func (srl *SessionRateLimiter) AllowMessage(sessionID string) bool {
	now := time.Now()
	return srl.get(sessionID, now).AllowN(now, 1)
}

// GetMessageLimit returns remaining message tokens for a session
func (srl *SessionRateLimiter) GetMessageLimit(sessionID string) (remaining int, limit int) {
	srl.mu.Lock()
	l, exists := srl.messageLimits[sessionID]
	srl.mu.Unlock()

	if !exists {
		return srl.config.BurstSize, srl.config.BurstSize
	}
	tokens := l.limiter.TokensAt(time.Now())
	return max(0, int(math.Floor(tokens))), srl.config.BurstSize
}

// retryAfter is how long until the next message is allowed.
func (srl *SessionRateLimiter) retryAfter() int {
	return int(math.Ceil(60.0 / float64(srl.config.MessagesPerMinute)))
}

// RateLimitMiddleware limits requests per session. The session is the one
// resolved by SessionMiddleware, or the :id route parameter.
func RateLimitMiddleware(limiter *SessionRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := SessionID(c)
		if sessionID == "" {
			sessionID = c.Param("id")
		}
		if sessionID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session id is required"})
			return
		}

		allowed := limiter.AllowMessage(sessionID)
		remaining, limit := limiter.GetMessageLimit(sessionID)

		c.Header("X-RateLimit-Limit", formatInt(limit))
		c.Header("X-RateLimit-Remaining", formatInt(remaining))

		if !allowed {
			logger, _ := c.Get("logger")
			zapLogger, _ := logger.(*zap.Logger)
			if zapLogger != nil {
				zapLogger.Warn("Rate limit exceeded",
					zap.String("session_id", sessionID),
					zap.Int("limit", limit))
			}

			retry := limiter.retryAfter()
			c.Header("Retry-After", formatInt(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"limit":       limit,
				"remaining":   remaining,
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}

// formatInt converts int to string for headers
func formatInt(n int) string {
	return strconv.Itoa(n)
}
