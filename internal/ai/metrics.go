package ai

import (
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidstel_generation_requests_total",
			Help: "Calls to the generative backend by model and status.",
		},
		[]string{"model", "status"},
	)
	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kidstel_generation_duration_seconds",
			Help:    "Generative backend call latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
		[]string{"model"},
	)
	generationPromptTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kidstel_generation_prompt_tokens_estimated",
			Help:    "Estimated prompt size in cl100k tokens.",
			Buckets: prometheus.LinearBuckets(250, 250, 12),
		},
		[]string{"model"},
	)
	modelFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidstel_generation_model_fallbacks_total",
			Help: "Model-not-found fallbacks by the model that was skipped.",
		},
		[]string{"model"},
	)
	imageRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kidstel_image_requests_total",
			Help: "Image generation calls by result.",
		},
		[]string{"result"},
	)
)

var (
	tokenizerMu sync.RWMutex
	tokenizer   *tiktoken.Tiktoken
)

// EnableTokenEstimates загружает словарь cl100k_base. Без вызова оценка токенов не ведется.
// Загрузка может обращаться к сети, поэтому вызывается один раз при старте.
func EnableTokenEstimates() error {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return err
	}
	tokenizerMu.Lock()
	tokenizer = enc
	tokenizerMu.Unlock()
	return nil
}

func observePromptTokens(model, prompt string) {
	tokenizerMu.RLock()
	enc := tokenizer
	tokenizerMu.RUnlock()
	if enc == nil {
		return
	}
	generationPromptTokens.WithLabelValues(model).Observe(float64(len(enc.Encode(prompt, nil, nil))))
}

func observeGeneration(model, status string, d time.Duration) {
	generationRequestsTotal.WithLabelValues(model, status).Inc()
	generationDuration.WithLabelValues(model).Observe(d.Seconds())
}
