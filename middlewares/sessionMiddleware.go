package middlewares

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/books_reconciliation/config"
	"github.com/mmdatafocus/books_reconciliation/utils"
)

// Session is what the login service stores under "Token:<token>". Older
// sessions hold the bare username.
type Session struct {
	Username   string `json:"username"`
	Role       string `json:"role"`
	BusinessId string `json:"business_id"`
}

func parseSession(raw string) Session {
	var s Session
	if strings.HasPrefix(strings.TrimSpace(raw), "{") && json.Unmarshal([]byte(raw), &s) == nil {
		return s
	}
	return Session{Username: raw}
}

// SessionMiddleware resolves the "token" header against Redis.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		raw, exists, err := config.GetRedisValue(c.Request.Context(), "Token:"+token)
		if err != nil || !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		s := parseSession(raw)

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, s.Username)
		if s.Role != "" {
			ctx = utils.SetRoleInContext(ctx, s.Role)
		}
		if s.BusinessId != "" {
			ctx = utils.SetBusinessIdInContext(ctx, s.BusinessId)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
