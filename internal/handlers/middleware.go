package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS allows the configured origin on every /api route and answers
// preflight requests. Set CORS_ORIGINS to the frontend URL in production.
func CORS(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", allowedOrigin)
		c.Header("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}
