// internal/middleware/auth_middleware.go
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"billing-sync-service/internal/pkg/jwt"
	"billing-sync-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

const (
	ctxTenantID = "tenant_id"
	ctxJTI      = "jti"
	ctxRoles    = "roles"
	ctxClaims   = "claims"
)

// TokenVerifier validates bearer tokens issued by the account service.
type TokenVerifier interface {
	VerifyAccessToken(token string) (*jwt.Claims, error)
}

type AuthMiddleware struct {
	verifier TokenVerifier
}

func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Auth validates the bearer token and puts the tenant identity on the context.
func (m *AuthMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			response.Error(c, http.StatusUnauthorized, "missing authorization token", nil)
			return
		}

		claims, err := m.verifier.VerifyAccessToken(token)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, "invalid or expired token", err)
			return
		}
		if claims.TenantID <= 0 {
			response.Error(c, http.StatusUnauthorized, "token carries no tenant", nil)
			return
		}

		c.Set(ctxTenantID, claims.TenantID)
		c.Set(ctxJTI, claims.ID)
		c.Set(ctxRoles, claims.Roles)
		c.Set(ctxClaims, claims)

		c.Next()
	}
}

// RequireRole must run after Auth. Any one of roles is enough.
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRoles := GetRoles(c)
		for _, have := range userRoles {
			for _, want := range roles {
				if have == want {
					c.Next()
					return
				}
			}
		}

		response.Error(c, http.StatusForbidden, "insufficient permissions",
			errors.New("user does not have required role"),
			map[string]interface{}{"required_roles": roles})
	}
}

// AdminOnly returns Auth followed by the admin role check.
func (m *AuthMiddleware) AdminOnly() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		m.Auth(),
		m.RequireRole(jwt.RoleAdmin, jwt.RoleSuperAdmin),
	}
}

// extractToken prefers the Authorization header over the query parameter.
func extractToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return c.Query("token")
}

func GetTenantID(c *gin.Context) (int64, bool) {
	v, exists := c.Get(ctxTenantID)
	if !exists {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// MustGetTenantID panics outside an Auth-protected route.
func MustGetTenantID(c *gin.Context) int64 {
	id, ok := GetTenantID(c)
	if !ok {
		panic("tenant_id not found in context")
	}
	return id
}

func GetRoles(c *gin.Context) []string {
	v, exists := c.Get(ctxRoles)
	if !exists {
		return nil
	}
	roles, _ := v.([]string)
	return roles
}

func GetClaims(c *gin.Context) (*jwt.Claims, bool) {
	v, exists := c.Get(ctxClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*jwt.Claims)
	return claims, ok
}

func IsAdmin(c *gin.Context) bool {
	claims, ok := GetClaims(c)
	return ok && claims.IsAdmin()
}
