package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fractal-lba/releasegate/internal/authz"
)

// principalKey is the gin context key holding the authenticated principal.
const principalKey = "releasegate_principal"

// JWTConfig holds bearer middleware configuration
type JWTConfig struct {
	Enabled          bool
	Authorizer       authz.Authorizer
	BypassForHealth  bool // Allow /health without a token
	BypassForMetrics bool // Allow /metrics without a token
}

// DefaultJWTConfig returns production defaults
func DefaultJWTConfig(a authz.Authorizer) *JWTConfig {
	return &JWTConfig{
		Enabled:          a != nil,
		Authorizer:       a,
		BypassForHealth:  true,
		BypassForMetrics: true,
	}
}

// JWTMiddleware validates "Authorization: Bearer <token>" with the configured
// authorizer and binds the principal to the request.
func JWTMiddleware(config *JWTConfig) gin.HandlerFunc {
	if config == nil {
		config = &JWTConfig{}
	}

	return func(c *gin.Context) {
		if !config.Enabled || config.Authorizer == nil {
			c.Next()
			return
		}

		path := c.Request.URL.Path
		if config.BypassForHealth && path == "/health" {
			c.Next()
			return
		}
		if config.BypassForMetrics && path == "/metrics" {
			c.Next()
			return
		}

		token := extractBearerToken(c)
		if token == "" {
			sendError(c, http.StatusUnauthorized, "Unauthorized: bearer token required")
			return
		}

		p, err := config.Authorizer.Authorize(c.Request.Context(), token, "")
		if err != nil {
			if authz.IsDenied(err) {
				sendError(c, http.StatusForbidden, err.Error())
				return
			}
			sendError(c, http.StatusInternalServerError, "authorization failed")
			return
		}

		c.Set(principalKey, p)
		c.Request = c.Request.WithContext(authz.WithPrincipal(c.Request.Context(), p))
		c.Next()
	}
}

// GetPrincipal returns the principal bound by JWTMiddleware.
func GetPrincipal(c *gin.Context) (*authz.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*authz.Principal)
	return p, ok
}

func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// sendError writes JSON error response
func sendError(c *gin.Context, statusCode int, message string) {
	c.AbortWithStatusJSON(statusCode, gin.H{
		"error":   true,
		"status":  statusCode,
		"message": message,
	})
}
