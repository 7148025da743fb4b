package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wireloom/llamaserve/internal/log"
)

// AccessLog logs request status/latency/errors, but only when something
// went wrong — a 2xx/3xx with no gin errors is silent, matching the
// teacher's middleware.AccessLog.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		if status < 400 && len(c.Errors) == 0 {
			return
		}

		errMsgs := make([]string, len(c.Errors))
		for i, e := range c.Errors {
			errMsgs[i] = e.Error()
		}

		fields := []log.Field{
			log.Int("status", status),
			log.String("method", c.Request.Method),
			log.String("path", c.Request.URL.Path),
			log.Duration("latency", time.Since(start)),
			log.String("client_ip", c.ClientIP()),
		}

		if len(errMsgs) > 0 {
			fields = append(fields, log.Strings("errors", errMsgs))
		}

		log.Error(c.Request.Context(), "[ACCESS]", fields...)
	}
}

// WithTimeout enforces a ceiling on request processing by substituting a
// context.WithTimeout'd request context, matching the teacher's per-group
// timeout middleware (used to give LLM completion routes a longer budget
// than plain admin routes).
func WithTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
