package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyPrincipal is the key for the authenticated principal in
	// gin context.
	ContextKeyPrincipal = "authPrincipal"
)

// Middleware authenticates the request if credentials are present.
// Requests without credentials continue unauthenticated; presented but
// invalid credentials are rejected outright.
func Middleware(g *Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := g.Authenticate(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Invalid credentials",
			})
			return
		}
		if principal != nil {
			c.Set(ContextKeyPrincipal, principal)
		}
		c.Next()
	}
}

// RequirePrincipal rejects unauthenticated requests.
func RequirePrincipal() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetPrincipal(c); !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests not made by an admin principal.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required",
			})
			return
		}
		if !principal.Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required",
			})
			return
		}
		c.Next()
	}
}

// RequireActFor rejects requests whose principal cannot exercise the
// authority of the account named by the URL parameter.
func RequireActFor(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required",
			})
			return
		}
		if !principal.CanActFor(c.Param(param)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You do not own this account",
			})
			return
		}
		c.Next()
	}
}

// GetPrincipal returns the authenticated principal from gin context.
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return nil, false
	}
	principal, ok := v.(*Principal)
	return principal, ok
}
