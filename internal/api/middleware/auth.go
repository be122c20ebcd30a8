package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/reportflow/internal/pkg/jwt"
	"github.com/qs3c/reportflow/internal/pkg/response"
)

const (
	UserIDKey = "userID"
)

// Auth JWT 认证中间件。浏览器的 EventSource 和 websocket 不能带请求头，token 也可以放在 ?token= 里。
func Auth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.AuthError(c, "Missing or malformed authorization.")
			return
		}

		claims, err := jwt.ParseToken(tokenString, jwtSecret)
		if err != nil {
			response.AuthError(c, "Invalid or expired token.")
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		token := c.Query("token")
		return token, token != ""
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader || token == "" {
		return "", false
	}
	return token, true
}

// GetUserID 从上下文获取用户 ID
func GetUserID(c *gin.Context) (int64, bool) {
	userID, exists := c.Get(UserIDKey)
	if !exists {
		return 0, false
	}
	id, ok := userID.(int64)
	return id, ok
}
