package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wireloom/llamaserve/internal/log"
)

// Recovery recovers from a panicking handler and turns it into a Server
// error envelope instead of tearing down the whole process, mirroring the
// teacher's middleware.Recovery.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error(c.Request.Context(), "panic recovered", log.Any("panic", r))
				AbortWithError(c, New(KindServer, http.StatusInternalServerError, "internal server error"))
			}
		}()

		c.Next()
	}
}
