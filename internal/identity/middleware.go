package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxPrincipal = "consent_principal"

// RequireUser returns a Gin middleware that enforces a valid Bearer token.
//
// On success it injects the *Principal into the context under the
// "consent_principal" key.
func RequireUser(p Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization Header",
			})
			return
		}

		tokenStr := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		principal, err := p.Authenticate(c.Request.Context(), tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication failed: " + err.Error(),
			})
			return
		}

		c.Set(ctxPrincipal, principal)
		c.Next()
	}
}

// PrincipalFromCtx returns the authenticated principal, or nil when the
// request did not pass through RequireUser.
func PrincipalFromCtx(c *gin.Context) *Principal {
	v, _ := c.Get(ctxPrincipal)
	p, _ := v.(*Principal)
	return p
}
