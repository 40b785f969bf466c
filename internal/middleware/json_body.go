package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"kidstel-story-agent/internal/models"

	"github.com/gin-gonic/gin"
)

// InvalidJSONResponse - стабильный контракт ответа на битый JSON.
type InvalidJSONResponse struct {
	OK    bool                   `json:"ok"`
	Error string                 `json:"error"`
	Debug map[string]interface{} `json:"debug"`
}

// JSONBody читает тело запроса не больше hardCap байт до всех остальных проверок.
// Битый JSON сразу получает 400 invalid_json, тело больше hardCap - 413.
// Прочитанные байты кладутся в контекст под RawBodyKey.
func JSONBody(hardCap int64, debug map[string]interface{}) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost || c.Request.Body == nil {
			c.Next()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, hardCap+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, InvalidJSONResponse{OK: false, Error: models.ErrCodeInvalidJSON, Debug: debug})
			return
		}
		if int64(len(body)) > hardCap {
			abortTooLarge(c)
			return
		}

		trimmed := bytes.TrimSpace(body)
		if len(trimmed) > 0 && !json.Valid(trimmed) {
			c.AbortWithStatusJSON(http.StatusBadRequest, InvalidJSONResponse{OK: false, Error: models.ErrCodeInvalidJSON, Debug: debug})
			return
		}

		c.Set(RawBodyKey, body)
		c.Set(ActionKey, extractAction(trimmed))
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}

func abortTooLarge(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, models.ErrorResponse{
		Error: "Request entity too large",
		Code:  models.ErrCodePayloadTooLarge,
	})
}

func extractAction(body []byte) string {
	if len(body) == 0 || body[0] != '{' {
		return ""
	}
	var head struct {
		Action interface{} `json:"action"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return ""
	}
	s, ok := head.Action.(string)
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// RawBody возвращает тело, прочитанное JSONBody.
func RawBody(c *gin.Context) []byte {
	if v, ok := c.Get(RawBodyKey); ok {
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	return nil
}
