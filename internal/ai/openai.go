package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// OpenAIConfig - настройки OpenAI-совместимого клиента.
type OpenAIConfig struct {
	BaseURL         string
	APIKey          string
	ModelPrefix     string
	CredentialsFile string
	Service         string
	// ClientOptions дополняют опции google транспорта.
	ClientOptions []option.ClientOption
}

type openAIEngine struct {
	client  *openaigo.Client
	prefix  string
	service string
	logger  *zap.Logger
}

// NewOpenAIEngine создает клиента. Без API ключа запросы подписываются
// учетными данными Google (ADC или файл сервисного аккаунта).
func NewOpenAIEngine(ctx context.Context, cfg OpenAIConfig, logger *zap.Logger) (TextEngine, error) {
	conf := openaigo.DefaultConfig(cfg.APIKey)
	conf.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	if cfg.APIKey == "" {
		opts := []option.ClientOption{option.WithScopes(cloudPlatformScope)}
		if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		opts = append(opts, cfg.ClientOptions...)
		httpClient, _, err := htransport.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("google authenticated http client: %w", err)
		}
		conf.HTTPClient = httpClient
	} else {
		conf.HTTPClient = &http.Client{}
	}

	service := cfg.Service
	if service == "" {
		service = "vertex-openai"
	}
	logger.Info("OpenAI-compatible text engine created", zap.String("base_url", conf.BaseURL), zap.String("model_prefix", cfg.ModelPrefix))
	return &openAIEngine{
		client:  openaigo.NewClientWithConfig(conf),
		prefix:  cfg.ModelPrefix,
		service: service,
		logger:  logger.Named("openai"),
	}, nil
}

// newOpenAIEngineWithClient - для тестов с httptest сервером.
func newOpenAIEngineWithClient(client *openaigo.Client, prefix string, logger *zap.Logger) *openAIEngine {
	return &openAIEngine{client: client, prefix: prefix, service: "vertex-openai", logger: logger}
}

func (e *openAIEngine) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	model := e.prefix + req.Model
	start := time.Now()
	observePromptTokens(req.Model, req.System+req.User)

	resp, err := e.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model: model,
		Messages: []openaigo.ChatCompletionMessage{
			{Role: openaigo.ChatMessageRoleSystem, Content: req.System},
			{Role: openaigo.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		ResponseFormat: &openaigo.ChatCompletionResponseFormat{
			Type: openaigo.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	duration := time.Since(start)

	if err != nil {
		classified := e.classify(ctx, req.Model, err)
		observeGeneration(req.Model, statusLabel(classified), duration)
		e.logger.Warn("Chat completion failed", zap.String("model", model), zap.Duration("duration", duration), zap.Error(err))
		return "", classified
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		observeGeneration(req.Model, "empty", duration)
		return "", fmt.Errorf("%w: empty completion", ErrBadUpstreamResponse)
	}

	observeGeneration(req.Model, "ok", duration)
	e.logger.Debug("Chat completion received",
		zap.String("model", model),
		zap.Duration("duration", duration),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return resp.Choices[0].Message.Content, nil
}

func (e *openAIEngine) classify(ctx context.Context, model string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	status := http.StatusBadGateway
	var apiErr *openaigo.APIError
	var reqErr *openaigo.RequestError
	switch {
	case errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0:
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0:
		status = reqErr.HTTPStatusCode
	}
	return &UpstreamError{Status: status, Service: e.service, Model: model, Err: err}
}

func statusLabel(err error) string {
	if errors.Is(err, ErrUpstreamTimeout) {
		return "timeout"
	}
	if ue, ok := AsUpstreamError(err); ok {
		return fmt.Sprintf("http_%d", ue.Status)
	}
	return "error"
}
