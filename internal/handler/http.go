// Package handler - HTTP поверхность story agent на gin.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"kidstel-story-agent/internal/auth"
	"kidstel-story-agent/internal/logger"
	"kidstel-story-agent/internal/middleware"
	"kidstel-story-agent/internal/models"
	"kidstel-story-agent/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Заголовки запроса и ответа.
const (
	HeaderAppCheck           = "X-Firebase-AppCheck"
	HeaderBlocked            = "X-KidsTel-Blocked"
	HeaderBlockReason        = "X-KidsTel-Block-Reason"
	DefaultDevClientIDHeader = "X-Dev-Client-Id"
)

// fallbackBodyCap - предел чтения тела, если JSONBody не подключен.
const fallbackBodyCap = 256 * 1024

// Config - параметры HTTP слоя.
type Config struct {
	DevClientIDHeader string
	ServiceName       string
	Revision          string
}

// StoryHandler принимает запросы приложения и передает их оркестратору.
type StoryHandler struct {
	service service.StoryService
	cfg     Config
	logger  *zap.Logger
}

// NewStoryHandler создает обработчик.
func NewStoryHandler(s service.StoryService, cfg Config, logger *zap.Logger) *StoryHandler {
	if cfg.DevClientIDHeader == "" {
		cfg.DevClientIDHeader = DefaultDevClientIDHeader
	}
	return &StoryHandler{
		service: s,
		cfg:     cfg,
		logger:  logger.Named("StoryHandler"),
	}
}

// RegisterRoutes регистрирует маршруты агента.
func (h *StoryHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/healthz", h.healthz)

	r.POST("/", h.dispatch)
	r.POST("/api/story", h.legacy)

	v1 := r.Group("/v1/story")
	{
		v1.POST("/create", h.handle(service.RouteCreate, h.service.Create))
		v1.POST("/continue", h.handle(service.RouteContinue, h.service.Continue))
		v1.POST("/illustrate", h.handle(service.RouteIllustrate, h.service.Illustrate))
	}
}

type routeFunc func(ctx context.Context, in *service.Inbound) (*service.Outcome, error)

func (h *StoryHandler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "service": h.cfg.ServiceName, "revision": h.cfg.Revision})
}

// dispatch - POST / с полем action.
func (h *StoryHandler) dispatch(c *gin.Context) {
	action := c.GetString(middleware.ActionKey)
	body := h.body(c)
	if action == "" {
		action = actionFromBody(body)
	}
	h.route(c, action, body, len(body))
}

// legacy - старый маршрут: другие имена полей и вывод действия из формы тела.
// Лимит тела считается по исходным байтам, а не по нормализованному JSON.
func (h *StoryHandler) legacy(c *gin.Context) {
	raw := h.body(c)
	body, action, err := service.NormalizeLegacy(raw)
	if err != nil {
		h.writeError(c, "legacy", err)
		return
	}
	c.Set(middleware.ActionKey, action)
	h.route(c, action, body, len(raw))
}

func (h *StoryHandler) route(c *gin.Context, action string, body []byte, rawSize int) {
	switch action {
	case service.ActionGenerate, service.ActionCreate:
		h.serve(c, service.RouteCreate, h.service.Create, body, rawSize)
	case service.ActionContinue:
		h.serve(c, service.RouteContinue, h.service.Continue, body, rawSize)
	case service.ActionIllustrate:
		h.serve(c, service.RouteIllustrate, h.service.Illustrate, body, rawSize)
	default:
		c.Header(middleware.HeaderAction, action)
		requestsTotal.WithLabelValues("unknown", "400").Inc()
		c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "Unsupported action",
			Code:  models.ErrCodeUnsupportedAction,
		})
	}
}

func (h *StoryHandler) handle(route string, fn routeFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := h.body(c)
		h.serve(c, route, fn, body, len(body))
	}
}

func (h *StoryHandler) serve(c *gin.Context, route string, fn routeFunc, body []byte, rawSize int) {
	start := time.Now()
	c.Header(middleware.HeaderAction, route)

	out, err := fn(c.Request.Context(), &service.Inbound{
		Credentials: h.credentials(c),
		ClientIP:    c.ClientIP(),
		Body:        body,
		RawSize:     rawSize,
	})
	requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	if err != nil {
		h.writeError(c, route, err)
		return
	}

	if out.BlockReason != "" {
		c.Header(HeaderBlocked, "1")
		c.Header(HeaderBlockReason, out.BlockReason)
	}
	requestsTotal.WithLabelValues(route, "200").Inc()
	c.JSON(http.StatusOK, out.Body)
}

func (h *StoryHandler) credentials(c *gin.Context) auth.Credentials {
	return auth.Credentials{
		Authorization: c.GetHeader("Authorization"),
		AppCheck:      c.GetHeader(HeaderAppCheck),
		DevClientID:   c.GetHeader(h.cfg.DevClientIDHeader),
	}
}

// body - тело, прочитанное JSONBody, либо прочитанное здесь же.
func (h *StoryHandler) body(c *gin.Context) []byte {
	if b := middleware.RawBody(c); b != nil {
		return b
	}
	if c.Request.Body == nil {
		return nil
	}
	b, err := io.ReadAll(io.LimitReader(c.Request.Body, fallbackBodyCap))
	if err != nil {
		h.logger.Warn("Failed to read request body", zap.Error(err), logger.Headers(c.Request.Header))
		return nil
	}
	c.Set(middleware.RawBodyKey, b)
	return b
}

func actionFromBody(body []byte) string {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(head.Action))
}
