package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trilliondigital/near-me-sub002/pkg/logx"
)

const userIDKey = "nearme.user_id"

// Identity reads the caller identity stamped by the upstream auth layer.
// Requests without it never reach a handler.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetHeader("X-User-ID")
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing X-User-ID header"})
			return
		}
		c.Set(userIDKey, uid)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// RequestLogger logs one line per request at debug, warnings for 5xx.
func RequestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request failed", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}
