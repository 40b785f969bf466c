package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kidstel-story-agent/internal/ai"
	"kidstel-story-agent/internal/auth"
	"kidstel-story-agent/internal/database"
	"kidstel-story-agent/internal/handler"
	"kidstel-story-agent/internal/middleware"
	"kidstel-story-agent/internal/mocks"
	"kidstel-story-agent/internal/models"
	"kidstel-story-agent/internal/moderation"
	"kidstel-story-agent/internal/policy"
	"kidstel-story-agent/internal/ratelimit"
	"kidstel-story-agent/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRouter(svc service.StoryService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	r := gin.New()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.JSONBody(256*1024, map[string]interface{}{"service": "story-agent"}))
	handler.NewStoryHandler(svc, handler.Config{ServiceName: "story-agent", Revision: "r1"}, logger).RegisterRoutes(r)
	return r
}

func post(r http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func okOutcome() *service.Outcome {
	return &service.Outcome{Body: &models.AgentResponse{RequestID: "r", StoryID: "s", Choices: []models.Choice{}}}
}

func TestHealthz(t *testing.T) {
	r := newRouter(mocks.NewMockStoryService(t))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["ok"])
}

func TestDispatch_ByAction(t *testing.T) {
	tests := []struct {
		action string
		method string
		route  string
	}{
		{"generate", "Create", service.RouteCreate},
		{"Continue", "Continue", service.RouteContinue},
		{" illustrate ", "Illustrate", service.RouteIllustrate},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			svc := mocks.NewMockStoryService(t)
			svc.On(tt.method, mock.Anything, mock.Anything).Return(okOutcome(), nil).Once()

			w := post(newRouter(svc), "/", `{"action":"`+tt.action+`"}`, nil)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.route, w.Header().Get(middleware.HeaderAction))
			svc.AssertExpectations(t)
		})
	}
}

func TestDispatch_UnsupportedAction(t *testing.T) {
	svc := mocks.NewMockStoryService(t)
	r := newRouter(svc)

	for _, body := range []string{`{"action":"delete"}`, `{"storyLang":"en"}`} {
		w := post(r, "/", body, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, models.ErrCodeUnsupportedAction, decode(t, w)["code"])
	}
}

func TestInvalidJSONContract(t *testing.T) {
	svc := mocks.NewMockStoryService(t)
	w := post(newRouter(svc), "/v1/story/create", `{"storyLang":`, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, models.ErrCodeInvalidJSON, body["error"])
	assert.NotNil(t, body["debug"])
}

func TestHardBodyCap(t *testing.T) {
	svc := mocks.NewMockStoryService(t)
	body := `{"idea":"` + strings.Repeat("a", 256*1024) + `"}`
	w := post(newRouter(svc), "/v1/story/create", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestCredentialsArePassedThrough(t *testing.T) {
	svc := mocks.NewMockStoryService(t)
	svc.On("Create", mock.Anything, mock.MatchedBy(func(in *service.Inbound) bool {
		return in.Credentials.Authorization == "Bearer tok" &&
			in.Credentials.AppCheck == "ac" &&
			in.Credentials.DevClientID == "dev_1" &&
			string(in.Body) == `{"storyLang":"en"}`
	})).Return(okOutcome(), nil).Once()

	w := post(newRouter(svc), "/v1/story/create", `{"storyLang":"en"}`, map[string]string{
		"Authorization":       "Bearer tok",
		"X-Firebase-AppCheck": "ac",
		"X-Dev-Client-Id":     "dev_1",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestBlockedOutcomeHeaders(t *testing.T) {
	svc := mocks.NewMockStoryService(t)
	out := okOutcome()
	out.BlockReason = service.BlockModerationInput
	svc.On("Continue", mock.Anything, mock.Anything).Return(out, nil).Once()

	w := post(newRouter(svc), "/v1/story/continue", `{}`, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get(handler.HeaderBlocked))
	assert.Equal(t, "moderation_input", w.Header().Get(handler.HeaderBlockReason))
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{"admission", models.NewAdmissionError(http.StatusUnauthorized, models.ErrCodeAuthMissing, "Unauthorized"), http.StatusUnauthorized, models.ErrCodeAuthMissing, ""},
		{"quota", models.NewUpstreamQuotaError(90*time.Second, errors.New("quota")), http.StatusTooManyRequests, models.ErrCodeQuotaDailyExceeded, "90"},
		{"upstream", models.NewUpstreamError(500, "vertex-openai", errors.New("boom")), http.StatusServiceUnavailable, models.ErrCodeUpstreamUnavailable, ""},
		{"plain error", errors.New("unexpected nil map"), http.StatusServiceUnavailable, models.ErrCodeInternal, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := mocks.NewMockStoryService(t)
			svc.On("Create", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			w := post(newRouter(svc), "/v1/story/create", `{}`, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decode(t, w)["code"])
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After"))
		})
	}
}

func TestUpstreamErrorHidesPayload(t *testing.T) {
	svc := mocks.NewMockStoryService(t)
	svc.On("Create", mock.Anything, mock.Anything).
		Return(nil, models.NewUpstreamError(500, "vertex-openai", errors.New("secret upstream body"))).Once()

	w := post(newRouter(svc), "/v1/story/create", `{}`, nil)
	body := decode(t, w)
	assert.NotContains(t, w.Body.String(), "secret upstream body")
	assert.Equal(t, float64(500), body["upstreamStatus"])
	assert.Equal(t, "vertex-openai", body["upstreamService"])
}

func TestLegacyRoute(t *testing.T) {
	t.Run("aliases become generate", func(t *testing.T) {
		svc := mocks.NewMockStoryService(t)
		svc.On("Create", mock.Anything, mock.MatchedBy(func(in *service.Inbound) bool {
			var doc map[string]interface{}
			if err := json.Unmarshal(in.Body, &doc); err != nil {
				return false
			}
			_, hasLang := doc["lang"]
			return doc["storyLang"] == "ru" && doc["prompt"] == "кот" && !hasLang
		})).Return(okOutcome(), nil).Once()

		w := post(newRouter(svc), "/api/story", `{"lang":"RU","text":"кот"}`, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		svc.AssertExpectations(t)
	})
	t.Run("illustrate inferred", func(t *testing.T) {
		svc := mocks.NewMockStoryService(t)
		svc.On("Illustrate", mock.Anything, mock.Anything).Return(okOutcome(), nil).Once()

		w := post(newRouter(svc), "/api/story", `{"storyId":"story_1","chapterIndex":0,"text":"a fox"}`, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, service.RouteIllustrate, w.Header().Get(middleware.HeaderAction))
	})
	t.Run("continue inferred", func(t *testing.T) {
		svc := mocks.NewMockStoryService(t)
		svc.On("Continue", mock.Anything, mock.Anything).Return(okOutcome(), nil).Once()

		w := post(newRouter(svc), "/api/story", `{"storyId":"story_1","choice":{"id":"c1"}}`, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

// Сценарии через настоящий оркестратор.

type pipeline struct {
	router *gin.Engine
	store  *database.MemoryStore
}

func newPipeline(t *testing.T, source policy.Source, authOpts auth.Options) *pipeline {
	t.Helper()
	logger := zap.NewNop()
	store := database.NewMemoryStore()
	svc := service.NewStoryService(service.Deps{
		Options:   service.Options{GeminiModel: policy.DefaultModel},
		Verifier:  auth.NewVerifier(nil, nil, authOpts, logger),
		Policy:    policy.NewLoader(source, time.Minute, logger),
		Limiter:   ratelimit.NewLimiter(ratelimit.NewMemoryStore(), logger),
		Moderator: moderation.NewKeywordModerator(),
		Generator: ai.NewStoryGenerator(ai.CannedTextEngine{}, logger),
		Images:    ai.CannedImageEngine{},
		Store:     store,
		Logger:    logger,
	})
	return &pipeline{router: newRouter(svc), store: store}
}

const enabledPolicyJSON = `{"version":"v1","enable_story_generation":true,"enable_illustrations":true,"model_allowlist":["gemini-2.5-flash"]}`

func TestScenario_PolicyUnreachable(t *testing.T) {
	failing := policy.SourceFunc(func(context.Context) ([]byte, error) {
		return nil, errors.New("firestore unreachable")
	})
	p := newPipeline(t, failing, auth.Options{})

	for _, path := range []string{"/v1/story/create", "/v1/story/continue", "/v1/story/illustrate"} {
		w := post(p.router, path, `{}`, map[string]string{"X-Dev-Client-Id": "tester"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
		assert.Equal(t, models.ErrCodePolicyUnavailable, decode(t, w)["code"], path)
	}
}

func TestScenario_CredentialsEnforced(t *testing.T) {
	p := newPipeline(t, policy.StaticSource{JSON: enabledPolicyJSON}, auth.Options{AuthRequired: true, AppCheckRequired: true})

	w := post(p.router, "/v1/story/create", `{"storyLang":"en","idea":"fox"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.ErrCodeAuthMissing, decode(t, w)["code"])

	w = post(p.router, "/v1/story/create", `{"storyLang":"en","idea":"fox"}`, map[string]string{"X-Dev-Client-Id": "tester"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.ErrCodeDevClientRejected, decode(t, w)["code"])
}

func TestScenario_BlockedInputIsGentle(t *testing.T) {
	p := newPipeline(t, policy.StaticSource{JSON: enabledPolicyJSON}, auth.Options{})

	w := post(p.router, "/", `{"action":"generate","storyLang":"en","idea":"drugs for the hero"}`, map[string]string{"X-Dev-Client-Id": "tester"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get(handler.HeaderBlocked))
	assert.Equal(t, "moderation_input", w.Header().Get(handler.HeaderBlockReason))
	assert.NotContains(t, w.Body.String(), "drugs")

	body := decode(t, w)
	assert.Equal(t, "Let's try again", body["title"])
	assert.Equal(t, map[string]interface{}{"enabled": false, "url": nil}, body["image"])
}

func TestScenario_CreateThenContinue(t *testing.T) {
	p := newPipeline(t, policy.StaticSource{JSON: enabledPolicyJSON}, auth.Options{})
	headers := map[string]string{"X-Dev-Client-Id": "tester"}

	w := post(p.router, "/v1/story/create", `{"storyLang":"en","idea":"a fox"}`, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	storyID, _ := decode(t, w)["storyId"].(string)
	require.NotEmpty(t, storyID)

	w = post(p.router, "/v1/story/continue", `{"storyId":"`+storyID+`","choice":{"id":"c1"}}`, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decode(t, w)["chapterIndex"])

	w = post(p.router, "/v1/story/illustrate", `{"storyId":"`+storyID+`","chapterIndex":0,"prompt":"a fox"}`, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	img, _ := decode(t, w)["image"].(map[string]interface{})
	assert.Equal(t, true, img["enabled"])
	url, _ := img["url"].(string)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"))
}

func TestScenario_LegacyBodyCapUsesRawBytes(t *testing.T) {
	const smallCapPolicy = `{"version":"v1","enable_story_generation":true,"enable_illustrations":true,"model_allowlist":["gemini-2.5-flash"],"max_body_kb":8}`
	headers := map[string]string{"X-Dev-Client-Id": "tester"}

	t.Run("padded body over the cap", func(t *testing.T) {
		body := `{"lang":"en","text":"a fox"` + strings.Repeat(" ", 9000) + `}`
		require.Greater(t, len(body), 8*1024)

		for _, path := range []string{"/v1/story/create", "/api/story"} {
			p := newPipeline(t, policy.StaticSource{JSON: smallCapPolicy}, auth.Options{})
			w := post(p.router, path, body, headers)
			assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, path)
			assert.Equal(t, models.ErrCodePayloadTooLarge, decode(t, w)["code"], path)
		}
	})
	t.Run("escapable characters under the cap", func(t *testing.T) {
		body := `{"lang":"en","text":"a fox","note":"` + strings.Repeat("<", 7000) + `"}`
		require.Less(t, len(body), 8*1024)

		p := newPipeline(t, policy.StaticSource{JSON: smallCapPolicy}, auth.Options{})
		w := post(p.router, "/api/story", body, headers)
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})
}
