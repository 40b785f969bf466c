package handler

import (
	"net/http"
	"strconv"

	"kidstel-story-agent/internal/middleware"
	"kidstel-story-agent/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// writeError отдает AppError с его статусом и кодом. Все прочее становится
// 503 internal_error: голый 500 клиенту не уходит.
func (h *StoryHandler) writeError(c *gin.Context, route string, err error) {
	appErr, ok := models.AsAppError(err)
	if !ok {
		appErr = models.NewInternalError(err)
	}
	status := appErr.Status
	if status == 0 || status == http.StatusInternalServerError {
		status = http.StatusServiceUnavailable
	}

	switch appErr.Kind {
	case models.KindInternal, models.KindStore, models.KindUpstream:
		h.logger.Error("Request failed",
			zap.String("route", route),
			zap.String("code", appErr.Code),
			zap.Int("status", status),
			zap.String("request_id", c.GetString(middleware.RequestIDKey)),
			zap.Error(err),
		)
	default:
		h.logger.Debug("Request rejected",
			zap.String("route", route),
			zap.String("code", appErr.Code),
			zap.Int("status", status),
		)
	}

	resp := appErr.ToResponse()
	if resp.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	}
	requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	errorsTotal.WithLabelValues(route, appErr.Code).Inc()
	c.AbortWithStatusJSON(status, resp)
}
