package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

type ollamaEngine struct {
	client *api.Client
	logger *zap.Logger
}

// NewOllamaEngine - локальная модель через Ollama, для разработки без Vertex.
func NewOllamaEngine(baseURL string, logger *zap.Logger) (TextEngine, error) {
	base := strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse ollama base url %q: %w", base, err)
	}
	logger.Info("Ollama text engine created", zap.String("base_url", base))
	return &ollamaEngine{
		client: api.NewClient(parsed, &http.Client{}),
		logger: logger.Named("ollama"),
	}, nil
}

func (e *ollamaEngine) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	stream := false
	chatReq := &api.ChatRequest{
		Model: req.Model,
		Messages: []api.Message{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
		Options: map[string]interface{}{
			"temperature": req.Temperature,
			"num_predict": req.MaxTokens,
		},
	}

	start := time.Now()
	observePromptTokens(req.Model, req.System+req.User)

	var last api.ChatResponse
	err := e.client.Chat(ctx, chatReq, func(r api.ChatResponse) error {
		last = r
		return nil
	})
	duration := time.Since(start)

	if err != nil {
		classified := e.classify(ctx, req.Model, err)
		observeGeneration(req.Model, statusLabel(classified), duration)
		e.logger.Warn("Ollama chat failed", zap.String("model", req.Model), zap.Duration("duration", duration), zap.Error(err))
		return "", classified
	}
	if last.Message.Content == "" {
		observeGeneration(req.Model, "empty", duration)
		return "", fmt.Errorf("%w: empty completion", ErrBadUpstreamResponse)
	}
	observeGeneration(req.Model, "ok", duration)
	e.logger.Debug("Ollama chat completed",
		zap.String("model", req.Model),
		zap.Duration("duration", duration),
		zap.Int("prompt_tokens", last.PromptEvalCount),
		zap.Int("completion_tokens", last.EvalCount),
	)
	return last.Message.Content, nil
}

func (e *ollamaEngine) classify(ctx context.Context, model string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	status := http.StatusBadGateway
	var se api.StatusError
	if errors.As(err, &se) && se.StatusCode != 0 {
		status = se.StatusCode
	}
	return &UpstreamError{Status: status, Service: "ollama", Model: model, Err: err}
}
