package middleware

import (
	"fmt"
	"net/http"

	"kidstel-story-agent/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Recovery превращает панику в 503 internal_error вместо голого 500.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		err := fmt.Errorf("panic: %v", recovered)
		log.Error("Recovered from panic",
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString(RequestIDKey)),
			zap.Error(err),
		)
		appErr := models.NewInternalError(err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, appErr.ToResponse())
	})
}
