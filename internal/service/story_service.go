// Package service - конвейер обработки запросов create, continue и illustrate.
package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"kidstel-story-agent/internal/ai"
	"kidstel-story-agent/internal/audit"
	"kidstel-story-agent/internal/auth"
	"kidstel-story-agent/internal/interfaces"
	"kidstel-story-agent/internal/models"
	"kidstel-story-agent/internal/moderation"
	"kidstel-story-agent/internal/policy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Маршруты для аудита и метрик.
const (
	RouteCreate     = "create"
	RouteContinue   = "continue"
	RouteIllustrate = "illustrate"
)

// Причины блокировки в аудите.
const (
	AuditGenerationDisabled    = "generation_disabled"
	AuditDailyLimitExceeded    = "daily_limit_exceeded"
	AuditIllustrationsDisabled = "illustrations_disabled"
	AuditUserInitiatedRequired = "user_initiated_required"
)

// StoryService - оркестратор трех маршрутов агента.
type StoryService interface {
	Create(ctx context.Context, in *Inbound) (*Outcome, error)
	Continue(ctx context.Context, in *Inbound) (*Outcome, error)
	Illustrate(ctx context.Context, in *Inbound) (*Outcome, error)
}

// IdentityVerifier - проверка токенов запроса.
type IdentityVerifier interface {
	Verify(ctx context.Context, creds auth.Credentials) (*models.Identity, error)
}

// PolicyProvider - источник актуальной политики.
type PolicyProvider interface {
	GetPolicy(ctx context.Context) (*policy.RuntimePolicy, error)
}

// RateLimiter - поминутные лимиты по адресу и по пользователю.
type RateLimiter interface {
	AllowIP(ctx context.Context, ip string, perMin int) bool
	AllowUID(ctx context.Context, uid string, perMin int) bool
}

// Generator - генерация глав.
type Generator interface {
	GenerateCreate(ctx context.Context, p ai.CreateParams) (*models.ChapterDraft, error)
	GenerateContinue(ctx context.Context, p ai.ContinueParams) (*models.ChapterDraft, error)
}

// AuditEmitter - неблокирующая запись аудита.
type AuditEmitter interface {
	Emit(rec models.AuditRecord) bool
}

// Options - операционные флаги из конфигурации.
type Options struct {
	KillSwitch                     bool
	StoreDisabled                  bool
	AuditStoreText                 bool
	RequireIllustrateUserInitiated bool
	GeminiModel                    string
}

// Deps - зависимости оркестратора. Uploader может быть nil: тогда картинка
// возвращается inline.
type Deps struct {
	Options   Options
	Verifier  IdentityVerifier
	Policy    PolicyProvider
	Limiter   RateLimiter
	Moderator moderation.Moderator
	Generator Generator
	Images    ai.ImageEngine
	Store     interfaces.StoryStore
	Uploader  interfaces.Uploader
	Audit     AuditEmitter
	Logger    *zap.Logger
	Now       func() time.Time
}

// Inbound - запрос, уже прочитанный транспортом.
type Inbound struct {
	Credentials auth.Credentials
	ClientIP    string
	Body        []byte
	// RawSize - длина тела в байтах, как его прислал клиент. 0 означает len(Body).
	RawSize int
}

func (in *Inbound) size() int {
	if in.RawSize > 0 {
		return in.RawSize
	}
	return len(in.Body)
}

// Outcome - успешный (200) ответ. BlockReason заполнен, если ответ - заглушка модерации.
type Outcome struct {
	Body        interface{}
	BlockReason string
}

// IllustrationDisabledResponse - ответ illustrate при выключенных иллюстрациях.
type IllustrationDisabledResponse struct {
	Disabled bool                 `json:"disabled"`
	Reason   string               `json:"reason"`
	Image    IllustrationFallback `json:"image"`
}

// IllustrationFallback - inline картинка-заглушка.
type IllustrationFallback struct {
	Base64 string `json:"base64"`
}

type storyServiceImpl struct {
	opts      Options
	verifier  IdentityVerifier
	policy    PolicyProvider
	limiter   RateLimiter
	moderator moderation.Moderator
	generator Generator
	images    ai.ImageEngine
	store     interfaces.StoryStore
	uploader  interfaces.Uploader
	audit     AuditEmitter
	logger    *zap.Logger
	now       func() time.Time
}

// NewStoryService собирает оркестратор.
func NewStoryService(d Deps) StoryService {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &storyServiceImpl{
		opts:      d.Options,
		verifier:  d.Verifier,
		policy:    d.Policy,
		limiter:   d.Limiter,
		moderator: d.Moderator,
		generator: d.Generator,
		images:    d.Images,
		store:     d.Store,
		uploader:  d.Uploader,
		audit:     d.Audit,
		logger:    logger.Named("service"),
		now:       now,
	}
}

// admission - результат прохождения общих шлюзов.
type admission struct {
	identity *models.Identity
	policy   *policy.RuntimePolicy
}

// admit проходит шлюзы до проверки формы: kill switch, auth, policy,
// генерация выключена, rate limit, размер тела.
func (s *storyServiceImpl) admit(ctx context.Context, in *Inbound, route string, generation bool) (*admission, error) {
	if s.opts.KillSwitch {
		return nil, models.NewAdmissionError(http.StatusServiceUnavailable, models.ErrCodeServiceDisabled, "Service temporarily disabled")
	}

	identity, err := s.verifier.Verify(ctx, in.Credentials)
	if err != nil {
		if _, ok := models.AsAppError(err); ok {
			return nil, err
		}
		return nil, models.NewInternalError(err)
	}

	p, err := s.policy.GetPolicy(ctx)
	if err != nil {
		return nil, models.NewPolicyUnavailable(err)
	}

	if generation && !p.EnableStoryGeneration {
		s.emit(models.AuditRecord{
			RequestID:   newRequestID(),
			UID:         identity.UID,
			Route:       route,
			Blocked:     true,
			BlockReason: AuditGenerationDisabled,
		})
		blocksTotal.WithLabelValues(route, AuditGenerationDisabled).Inc()
		return nil, models.NewAdmissionError(http.StatusServiceUnavailable, models.ErrCodeGenerationDisabled, "Story generation is temporarily disabled")
	}

	if !s.limiter.AllowIP(ctx, in.ClientIP, p.IPRatePerMin) || !s.limiter.AllowUID(ctx, identity.UID, p.UIDRatePerMin) {
		return nil, models.NewAdmissionError(http.StatusTooManyRequests, models.ErrCodeRateLimited, "Too many requests")
	}

	if in.size() > p.MaxBodyBytes() {
		return nil, models.NewAdmissionError(http.StatusRequestEntityTooLarge, models.ErrCodePayloadTooLarge, "Request entity too large")
	}

	return &admission{identity: identity, policy: p}, nil
}

// enforceDailyLimit - суточный лимит пользователя. При STORE_DISABLED не проверяется.
func (s *storyServiceImpl) enforceDailyLimit(ctx context.Context, a *admission, route, requestID, storyID string) error {
	if s.opts.StoreDisabled {
		return nil
	}
	err := s.store.EnforceDailyLimit(ctx, a.identity.UID, a.policy.DailyStoryLimit, models.DayKey(s.now()))
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrDailyLimitExceeded) {
		s.emit(models.AuditRecord{
			RequestID:   requestID,
			UID:         a.identity.UID,
			Route:       route,
			Blocked:     true,
			BlockReason: AuditDailyLimitExceeded,
			StoryID:     storyID,
		})
		blocksTotal.WithLabelValues(route, AuditDailyLimitExceeded).Inc()
		return models.NewDailyLimitError()
	}
	s.logger.Error("Daily limit check failed", zap.String("route", route), zap.String("requestId", requestID), zap.Error(err))
	return models.NewStoreUnavailable(err)
}

// loadOwnedStory читает мету истории и проверяет владельца.
func (s *storyServiceImpl) loadOwnedStory(ctx context.Context, storyID, uid string) (*models.StoryMeta, error) {
	meta, err := s.store.GetStoryMeta(ctx, storyID)
	if err != nil {
		if errors.Is(err, models.ErrStoryNotFound) {
			return nil, models.NewAdmissionError(http.StatusNotFound, models.ErrCodeStoryNotFound, "Story not found")
		}
		return nil, models.NewStoreUnavailable(err)
	}
	if meta.UID != uid {
		return nil, models.NewAdmissionError(http.StatusForbidden, models.ErrCodeForbidden, "Forbidden")
	}
	return meta, nil
}

// blocked - заглушка модерации с записью в аудит. Контент не сохраняется.
func (s *storyServiceImpl) blocked(route, category, reason string, rec models.AuditRecord, stub *models.AgentResponse) *Outcome {
	rec.Route = route
	rec.Blocked = true
	rec.BlockReason = category + ":" + reason
	s.emit(rec)
	blocksTotal.WithLabelValues(route, category).Inc()
	s.logger.Info("Request blocked by moderation",
		zap.String("route", route),
		zap.String("requestId", rec.RequestID),
		zap.String("category", category),
	)
	return &Outcome{Body: stub, BlockReason: category}
}

func (s *storyServiceImpl) emit(rec models.AuditRecord) {
	if s.audit == nil {
		return
	}
	if !s.opts.AuditStoreText {
		rec.InputText = ""
		rec.OutputTitle = ""
	} else {
		rec.InputText = audit.TruncateText(rec.InputText)
		rec.OutputTitle = audit.TruncateText(rec.OutputTitle)
	}
	s.audit.Emit(rec)
}

func (s *storyServiceImpl) knobs(p *policy.RuntimePolicy) ai.Knobs {
	return ai.Knobs{
		PreferredModel: p.PreferredModel(s.opts.GeminiModel),
		Allowlist:      p.ModelAllowlist,
		Temperature:    p.Temperature,
		MaxTokens:      p.MaxOutputTokens,
		Timeout:        time.Duration(p.RequestTimeoutMs) * time.Millisecond,
	}
}

// generationError переводит ошибку генерации в AppError.
func (s *storyServiceImpl) generationError(route string, err error) error {
	generationFailuresTotal.WithLabelValues(route).Inc()
	if errors.Is(err, ai.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return models.NewUpstreamTimeout(err)
	}
	if ue, ok := ai.AsUpstreamError(err); ok {
		if ue.QuotaExceeded() {
			return models.NewUpstreamQuotaError(ue.RetryAfter(s.now()), err)
		}
		return models.NewUpstreamError(ue.Status, ue.Service, err)
	}
	if errors.Is(err, ai.ErrBadUpstreamResponse) {
		return models.NewUpstreamError(http.StatusBadGateway, "text", err)
	}
	return models.NewInternalError(err)
}

func newRequestID() string {
	return "req_" + uuid.NewString()
}

func newStoryID() string {
	return "story_" + uuid.NewString()
}

func requestIDOr(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return newRequestID()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func capChoices(choices []models.Choice) []models.Choice {
	if len(choices) > models.MaxChoices {
		choices = choices[:models.MaxChoices]
	}
	if choices == nil {
		return []models.Choice{}
	}
	return choices
}
