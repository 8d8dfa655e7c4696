package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-core/internal/auth"
	"github.com/ksred/klear-core/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits per endpoint group, in requests per minute
var (
	authLimit       = rate.Limit(10.0 / 60.0)
	tradingLimit    = rate.Limit(300.0 / 60.0)
	complianceLimit = rate.Limit(600.0 / 60.0)
	marketLimit     = rate.Limit(1200.0 / 60.0)
)

// RateLimiter keeps one token bucket per client and route group
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
}

// NewRateLimiter creates a limiter; call Cleanup periodically to evict idle clients
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		ttl:      3 * time.Minute,
	}
}

func limitFor(path string) (rate.Limit, int) {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit, 1
	case strings.HasPrefix(path, "/api/v1/orders"), strings.HasPrefix(path, "/api/v1/transactions"):
		return tradingLimit, 10
	case strings.HasPrefix(path, "/api/v1/compliance"):
		return complianceLimit, 10
	case strings.HasPrefix(path, "/api/v1/market"):
		return marketLimit, 20
	default:
		return rate.Inf, 1
	}
}

func (rl *RateLimiter) limiter(path, clientKey string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := clientKey + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		limit, burst := limitFor(path)
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup evicts clients idle for longer than the limiter ttl
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > rl.ttl {
			delete(rl.visitors, key)
		}
	}
}

// Middleware rejects requests over the per-client budget for their route group
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := auth.UserID(c)
		if clientKey == "" {
			clientKey = c.ClientIP()
		}

		if !rl.limiter(c.FullPath(), clientKey).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// TokenValidator validates bearer tokens
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// JWTAuth requires a valid bearer token and stores the caller's user id and permissions in the context
func JWTAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, validator)
		if !ok {
			return
		}
		c.Set(auth.ContextUserID, claims.UserID)
		c.Set(auth.ContextPermissions, claims.Permissions)
		c.Next()
	}
}

// InternalAuth requires a valid bearer token carrying the internal permission
func InternalAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, validator)
		if !ok {
			return
		}
		c.Set(auth.ContextUserID, claims.UserID)
		c.Set(auth.ContextPermissions, claims.Permissions)
		if !auth.HasPermission(c, auth.PermissionInternal) {
			response.Forbidden(c, "internal permission required")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequirePermission aborts with 403 unless the authenticated caller holds permission p
func RequirePermission(p string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.HasPermission(c, p) {
			response.Forbidden(c, p+" permission required")
			c.Abort()
			return
		}
		c.Next()
	}
}

func authenticate(c *gin.Context, validator TokenValidator) (*auth.Claims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, false
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, false
	}

	claims, err := validator.ValidateToken(bearerToken[1])
	if err != nil {
		log.Debug().Err(err).Str("path", c.FullPath()).Msg("rejected bearer token")
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, false
	}
	return claims, true
}
