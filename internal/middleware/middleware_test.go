package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"kidstel-story-agent/internal/middleware"
	"kidstel-story-agent/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(handler gin.HandlerFunc) *gin.Engine {
	return newLoggedRouter(zap.NewNop(), handler)
}

func newLoggedRouter(log *zap.Logger, handler gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Stack(log, middleware.StackConfig{
		Service:     "story-agent",
		Revision:    "rev-7",
		BodyCap:     64,
		Diagnostics: map[string]interface{}{"service": "story-agent"},
	})...)
	r.POST("/", handler)
	return r
}

func post(r http.Handler, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestJSONBody_StoresBodyAndAction(t *testing.T) {
	var gotBody []byte
	var gotAction string
	r := newRouter(func(c *gin.Context) {
		gotBody = middleware.RawBody(c)
		gotAction = c.GetString(middleware.ActionKey)
		c.Status(http.StatusNoContent)
	})

	w := post(r, `{"action":" Continue "}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.JSONEq(t, `{"action":" Continue "}`, string(gotBody))
	assert.Equal(t, "continue", gotAction)
	assert.Equal(t, "rev-7", w.Header().Get(middleware.HeaderRevision))
	assert.Equal(t, "story-agent", w.Header().Get(middleware.HeaderService))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestJSONBody_NonStringAction(t *testing.T) {
	var gotAction string
	r := newRouter(func(c *gin.Context) {
		gotAction = c.GetString(middleware.ActionKey)
		c.Status(http.StatusNoContent)
	})
	post(r, `{"action":5}`)
	assert.Empty(t, gotAction)
}

func TestJSONBody_InvalidJSON(t *testing.T) {
	called := false
	r := newRouter(func(c *gin.Context) { called = true })

	w := post(r, `{"action":`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, called)

	var resp middleware.InvalidJSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.OK)
	assert.Equal(t, models.ErrCodeInvalidJSON, resp.Error)
	assert.Equal(t, "story-agent", resp.Debug["service"])
}

func TestJSONBody_HardCap(t *testing.T) {
	r := newRouter(func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := post(r, `{"idea":"`+strings.Repeat("a", 80)+`"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), models.ErrCodePayloadTooLarge)
}

func TestJSONBody_EmptyBodyPasses(t *testing.T) {
	r := newRouter(func(c *gin.Context) { c.Status(http.StatusNoContent) })
	assert.Equal(t, http.StatusNoContent, post(r, "").Code)
}

func TestRecovery_Returns503(t *testing.T) {
	r := newRouter(func(c *gin.Context) { panic("boom") })

	w := post(r, `{}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodeInternal, resp.Code)
}

func TestRequestID_Propagated(t *testing.T) {
	var seen string
	r := newRouter(func(c *gin.Context) {
		seen = c.GetString(middleware.RequestIDKey)
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("X-Request-ID", "abc-123")
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestStack_EarlyRejectionsAreAccessLogged(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := newLoggedRouter(zap.New(core), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := post(r, `{"action":`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "rev-7", w.Header().Get(middleware.HeaderRevision))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = post(r, `{"idea":"`+strings.Repeat("a", 80)+`"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	entries := logs.FilterMessage("Client error").All()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(http.StatusBadRequest), entries[0].ContextMap()["status"])
	assert.Equal(t, int64(http.StatusRequestEntityTooLarge), entries[1].ContextMap()["status"])
}

type panicReader struct{}

func (panicReader) Read([]byte) (int, error) { panic("body reader exploded") }

func TestStack_PanicWhileReadingBodyIsRecovered(t *testing.T) {
	r := newRouter(func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", panicReader{})
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.ErrCodeInternal, resp.Code)
}
