package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/books_reconciliation/utils"
)

const BusinessHeader = "X-Business-Id"

// BusinessScope requires an authenticated operator and pins the business
// every store call is scoped to. Admins may pick any business with the
// X-Business-Id header; everyone else is held to the business of their
// token, and a header naming another business is refused.
func BusinessScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if username, ok := utils.GetUsernameFromContext(ctx); !ok || username == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		own, _ := utils.GetBusinessIdFromContext(ctx)
		requested := strings.TrimSpace(c.GetHeader(BusinessHeader))
		role, _ := utils.GetRoleFromContext(ctx)

		switch {
		case requested == "" && own == "":
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": utils.ErrorBusinessIdRequired.Error()})
			return
		case requested != "" && requested != own:
			if role != utils.RoleAdmin {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
				return
			}
			ctx = utils.SetBusinessIdInContext(ctx, requested)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireRole lets through only operators holding one of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := utils.GetRoleFromContext(c.Request.Context())
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}
