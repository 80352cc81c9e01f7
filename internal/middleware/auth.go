package middleware

import (
	"net/http"
	"strings"

	"propdesk/config"
	"propdesk/internal/auth"

	"github.com/gin-gonic/gin"
)

const (
	ctxUserID         = "user_id"
	ctxOrganizationID = "organization_id"
	ctxTenantID       = "tenant_id"
	ctxRole           = "role"
)

// AuthRequired validates the bearer JWT and stores the caller identity in the context.
func AuthRequired(cfg *config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		claims, err := auth.ParseAccessToken(cfg, parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxOrganizationID, claims.OrganizationID)
		c.Set(ctxTenantID, claims.TenantID)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

// RequireRole checks that the authenticated user has one of the allowed roles.
func RequireRole(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		r := c.GetString(ctxRole)
		if r == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		for _, a := range allowed {
			if r == a {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

func GetUserID(c *gin.Context) string         { return c.GetString(ctxUserID) }
func GetOrganizationID(c *gin.Context) string { return c.GetString(ctxOrganizationID) }
func GetRole(c *gin.Context) string           { return c.GetString(ctxRole) }

// GetTenantID is empty for staff and admin tokens.
func GetTenantID(c *gin.Context) string { return c.GetString(ctxTenantID) }
