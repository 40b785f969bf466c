package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrUnavailable возвращается, когда политику не удалось загрузить или разобрать.
// Вызывающий код обязан отказать в обслуживании (503).
var ErrUnavailable = errors.New("runtime policy unavailable")

const (
	DefaultTTL       = 60 * time.Second
	PolicyCollection = "admin_policy"
	PolicyDocumentID = "runtime"
)

// Source отдает сырой JSON документа политики. nil без ошибки означает пустой документ.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]byte, error)
}

// SourceFunc адаптирует функцию к Source.
type SourceFunc func(ctx context.Context) ([]byte, error)

func (f SourceFunc) Name() string                             { return "func" }
func (f SourceFunc) Load(ctx context.Context) ([]byte, error) { return f(ctx) }

// StaticSource - политика из переменной POLICY_STATIC_JSON.
type StaticSource struct {
	JSON string
}

func (s StaticSource) Name() string { return "static" }

func (s StaticSource) Load(_ context.Context) ([]byte, error) {
	trimmed := strings.TrimSpace(s.JSON)
	if trimmed == "" {
		return nil, nil
	}
	return []byte(trimmed), nil
}

// FirestoreSource читает admin_policy/runtime.
type FirestoreSource struct {
	Client *firestore.Client
}

func (s FirestoreSource) Name() string { return "firestore" }

func (s FirestoreSource) Load(ctx context.Context) ([]byte, error) {
	snap, err := s.Client.Collection(PolicyCollection).Doc(PolicyDocumentID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("firestore get %s/%s: %w", PolicyCollection, PolicyDocumentID, err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	data, err := json.Marshal(snap.Data())
	if err != nil {
		return nil, fmt.Errorf("marshal policy document: %w", err)
	}
	return data, nil
}

// Loader кэширует политику на TTL. Ошибка загрузки сбрасывает кэш.
type Loader struct {
	source Source
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu        sync.RWMutex
	cached    *RuntimePolicy
	expiresAt time.Time
}

// NewLoader создает загрузчик. ttl <= 0 заменяется на DefaultTTL.
func NewLoader(source Source, ttl time.Duration, logger *zap.Logger) *Loader {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Loader{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.Named("policy"),
	}
}

// WithClock подменяет часы (для тестов).
func (l *Loader) WithClock(now func() time.Time) *Loader {
	l.now = now
	return l
}

// GetPolicy возвращает копию актуальной политики либо ErrUnavailable.
func (l *Loader) GetPolicy(ctx context.Context) (*RuntimePolicy, error) {
	now := l.now()

	l.mu.RLock()
	if l.cached != nil && now.Before(l.expiresAt) {
		p := l.cached.Clone()
		l.mu.RUnlock()
		policyLoadsTotal.WithLabelValues(l.source.Name(), "cache_hit").Inc()
		return p, nil
	}
	l.mu.RUnlock()

	p, err := l.load(ctx)
	if err != nil {
		l.mu.Lock()
		l.cached = nil
		l.expiresAt = time.Time{}
		l.mu.Unlock()
		policyLoadsTotal.WithLabelValues(l.source.Name(), "error").Inc()
		l.logger.Error("Policy load failed, failing closed", zap.String("source", l.source.Name()), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	l.mu.Lock()
	l.cached = p
	l.expiresAt = now.Add(l.ttl)
	l.mu.Unlock()

	policyLoadsTotal.WithLabelValues(l.source.Name(), "loaded").Inc()
	policyGenerationEnabled.Set(boolGauge(p.EnableStoryGeneration))
	l.logger.Debug("Policy loaded",
		zap.String("version", p.Version),
		zap.Bool("generation", p.EnableStoryGeneration),
		zap.Bool("illustrations", p.EnableIllustrations),
		zap.Strings("models", p.ModelAllowlist),
	)
	return p.Clone(), nil
}

// Invalidate сбрасывает кэш.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cached = nil
	l.mu.Unlock()
}

func (l *Loader) load(ctx context.Context) (*RuntimePolicy, error) {
	raw, err := l.source.Load(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
