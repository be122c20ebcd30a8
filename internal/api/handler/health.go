package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	ServerName = "reportflow-sandbox"
	Version    = "1.0.0"
)

// Alive 根路由的存活响应。请求路由错误时客户端会拿到这个结构
// GET /
func Alive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server":  ServerName,
		"version": Version,
	})
}
