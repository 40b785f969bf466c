package middleware

import (
	"github.com/gin-gonic/gin"
)

// Диагностические заголовки ответа.
const (
	HeaderRevision = "X-KidsTel-Revision"
	HeaderService  = "X-KidsTel-Service"
	HeaderAction   = "X-KidsTel-Action"
)

// Diagnostics проставляет ревизию и имя сервиса в каждый ответ.
func Diagnostics(service, revision string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if revision != "" {
			c.Header(HeaderRevision, revision)
		}
		if service != "" {
			c.Header(HeaderService, service)
		}
		c.Next()
	}
}
