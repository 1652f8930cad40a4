package middleware

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"x-api-key":     {},
}

// SafeHeaders renders request headers for logs with credentials redacted.
func SafeHeaders(h http.Header) string {
	parts := make([]string, 0, len(h))
	for k, v := range h {
		if len(v) == 0 || v[0] == "" {
			continue
		}
		value := v[0]
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			value = "<redacted>"
		}
		parts = append(parts, k+"="+value)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// RequestLogger logs one line per request. The access_token query parameter
// never reaches the log.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote", c.ClientIP()),
		}
		if userID, err := GetUserID(c); err == nil {
			fields = append(fields, zap.String("user_id", userID))
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Info("request", append(fields, zap.String("headers", SafeHeaders(c.Request.Header)))...)
		default:
			logger.Debug("request", fields...)
		}
	}
}
