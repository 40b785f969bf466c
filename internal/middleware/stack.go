package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StackConfig - параметры общей цепочки middleware.
type StackConfig struct {
	Service     string
	Revision    string
	BodyCap     int64
	Diagnostics map[string]interface{}
}

// Stack возвращает общую цепочку в порядке подключения. Access log и recovery
// идут первыми, чтобы ранние 400/413 из JSONBody попадали в лог, а паника
// при чтении тела давала 503.
func Stack(log *zap.Logger, cfg StackConfig) []gin.HandlerFunc {
	return []gin.HandlerFunc{
		ZapLoggingMiddlewareForGin(log),
		Recovery(log),
		Diagnostics(cfg.Service, cfg.Revision),
		JSONBody(cfg.BodyCap, cfg.Diagnostics),
	}
}
