package main

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheusmosca/account-store/internal/apperrors"
	"github.com/matheusmosca/account-store/internal/auth"
	"github.com/matheusmosca/account-store/internal/logger"
	"github.com/matheusmosca/account-store/internal/topup"
)

const (
	requestIDHeader = "X-Request-ID"
	signatureHeader = "X-Signature"
	maxWebhookBody  = 64 << 10
)

// RequestLogger tags each request with an id, stores a request-scoped logger in the context and
// writes one structured line per request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		reqLog := log.With(zap.String("request_id", requestID))
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context(), reqLog))

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if p, ok := auth.FromContext(c.Request.Context()); ok {
			fields = append(fields, zap.String("user_id", p.UserID))
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			reqLog.Error("request failed", fields...)
		case status >= http.StatusBadRequest:
			reqLog.Warn("request rejected", fields...)
		default:
			reqLog.Info("request completed", fields...)
		}
	}
}

// Authenticate requires a valid bearer token and stores the principal in the request context.
func Authenticate(tokens *auth.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			abortWithError(c, apperrors.New(apperrors.KindUnauthorized, "missing bearer token"))
			return
		}

		p, err := tokens.Verify(strings.TrimSpace(token))
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), p))
		c.Next()
	}
}

// RequireAdmin lets only principals holding the ManageTopUps capability through.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := auth.FromContext(c.Request.Context())
		if err := auth.Authorize(p, auth.ManageTopUps); err != nil {
			abortWithError(c, err)
			return
		}
		c.Next()
	}
}

// RateLimiter hands out one token bucket per caller.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter allows perMinute requests per caller with the given burst.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, ok := rl.limiters[key]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter
	return limiter
}

// Middleware limits authenticated callers by user id and anonymous ones by client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if p, ok := auth.FromContext(c.Request.Context()); ok {
			key = "user:" + p.UserID
		}

		if !rl.limiter(key).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// VerifySignature checks the HMAC signature of the raw request body and leaves the body readable
// for the handler.
func VerifySignature(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			abortWithError(c, apperrors.Wrap(apperrors.KindInvalidRequest, "could not read body", err))
			return
		}

		if !topup.VerifySignature(secret, body, c.GetHeader(signatureHeader)) {
			logger.FromContext(c.Request.Context(), nil).Warn("webhook signature rejected",
				zap.String("client_ip", c.ClientIP()))
			abortWithError(c, apperrors.New(apperrors.KindUnauthorized, "invalid signature"))
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
