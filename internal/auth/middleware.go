package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openinspect/openinspect/internal/common/logger"
)

// RequireInternalToken is a gin middleware that rejects requests whose
// Authorization header does not carry a valid internal token.
func RequireInternalToken(authCtx *Context, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authCtx.Verify(c.GetHeader("Authorization")) {
			log.Warn("rejected request with invalid internal token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
