package ai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	openaigo "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *openAIEngine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	conf := openaigo.DefaultConfig("test-key")
	conf.BaseURL = srv.URL + "/v1"
	return newOpenAIEngineWithClient(openaigo.NewClientWithConfig(conf), "google/", zap.NewNop())
}

func TestOpenAIEngine_Success(t *testing.T) {
	var gotModel string
	e := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		var req openaigo.ChatCompletionRequest
		_ = decodeJSON(r, &req)
		gotModel = req.Model
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"title\":\"a\",\"text\":\"b\"}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	})

	out, err := e.Complete(context.Background(), CompletionRequest{Model: "gemini-2.5-flash", System: "s", User: "u"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"a","text":"b"}`, out)
	assert.Equal(t, "google/gemini-2.5-flash", gotModel)
}

func TestNewOpenAIEngine_GoogleTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{}"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEngine(context.Background(), OpenAIConfig{
		BaseURL:       srv.URL + "/v1/",
		ModelPrefix:   "google/",
		ClientOptions: []option.ClientOption{option.WithoutAuthentication()},
	}, zap.NewNop())
	require.NoError(t, err)

	out, err := e.Complete(context.Background(), CompletionRequest{Model: "gemini-2.5-flash"})
	require.NoError(t, err)
	assert.Equal(t, "{}", out)
}

func TestOpenAIEngine_ClassifiesStatus(t *testing.T) {
	e := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"Publisher model not found","type":"invalid_request_error","code":404}}`))
	})

	_, err := e.Complete(context.Background(), CompletionRequest{Model: "gemini-1.0-pro"})
	ue, ok := AsUpstreamError(err)
	require.True(t, ok)
	assert.True(t, ue.ModelNotFound())
	assert.Equal(t, "gemini-1.0-pro", ue.Model)
}

func TestOpenAIEngine_Timeout(t *testing.T) {
	e := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := e.Complete(ctx, CompletionRequest{Model: "m"})
	assert.ErrorIs(t, err, ErrUpstreamTimeout)
}

func TestUpstreamError_RetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 22, 30, 0, 0, time.UTC)

	daily := &UpstreamError{Status: 429, Err: errString("Quota exceeded for requests per day")}
	assert.Equal(t, 90*time.Minute, daily.RetryAfter(now))

	minute := &UpstreamError{Status: 429, Err: errString("Resource exhausted")}
	assert.Equal(t, time.Minute, minute.RetryAfter(now))
}

type errString string

func (e errString) Error() string { return string(e) }
