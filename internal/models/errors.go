package models

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Ошибки хранилища. Проверяются через errors.Is, а не по тексту.
var (
	ErrDailyLimitExceeded = errors.New("daily limit exceeded")
	ErrStoryNotFound      = errors.New("story not found")
	ErrChapterNotFound    = errors.New("chapter not found")
	ErrChapterExists      = errors.New("chapter already exists")
	ErrNotOwner           = errors.New("story belongs to another user")
	ErrStoreUnavailable   = errors.New("store unavailable")
)

// ErrorKind - класс ошибки пайплайна.
type ErrorKind string

const (
	KindAdmission ErrorKind = "admission"
	KindPolicy    ErrorKind = "policy"
	KindQuota     ErrorKind = "quota"
	KindUpstream  ErrorKind = "upstream"
	KindStore     ErrorKind = "store"
	KindInternal  ErrorKind = "internal"
)

// Стабильные коды ошибок, на которые опирается клиент.
const (
	ErrCodeServiceDisabled       = "service_disabled"
	ErrCodeAuthMissing           = "AUTH_MISSING"
	ErrCodeAuthInvalid           = "AUTH_INVALID"
	ErrCodeDevClientRejected     = "DEV_CLIENT_ID_REJECTED"
	ErrCodeAppCheckMissing       = "APPCHECK_MISSING"
	ErrCodeAppCheckInvalid       = "APPCHECK_INVALID"
	ErrCodePolicyUnavailable     = "POLICY_UNAVAILABLE"
	ErrCodeGenerationDisabled    = "generation_disabled"
	ErrCodeRateLimited           = "rate_limited"
	ErrCodePayloadTooLarge       = "payload_too_large"
	ErrCodeInvalidRequest        = "invalid_request"
	ErrCodeInvalidJSON           = "invalid_json"
	ErrCodeUnsupportedAction     = "unsupported_action"
	ErrCodeInputRequired         = "generate_input_required"
	ErrCodeUserInitiatedRequired = "user_initiated_required"
	ErrCodeDailyLimitExceeded    = "daily_limit_exceeded"
	ErrCodeStoryNotFound         = "story_not_found"
	ErrCodeChapterNotFound       = "chapter_not_found"
	ErrCodeForbidden             = "forbidden"
	ErrCodeChapterConflict       = "chapter_conflict"
	ErrCodeUpstreamUnavailable   = "upstream_unavailable"
	ErrCodeUpstreamTimeout       = "UPSTREAM_TIMEOUT"
	ErrCodeQuotaDailyExceeded    = "quota_daily_exceeded"
	ErrCodeStoreUnavailable      = "STORE_UNAVAILABLE"
	ErrCodeInternal              = "internal_error"
)

// AppError - типизированная ошибка пайплайна. Message безопасно отдавать клиенту,
// Err остается только в логах.
type AppError struct {
	Kind    ErrorKind
	Status  int
	Code    string
	Message string

	RetryAfter      time.Duration
	UpstreamStatus  int
	UpstreamService string
	Detail          string

	Err error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %v", e.Code, e.Status, e.Err)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// AsAppError извлекает AppError из цепочки ошибок.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// NewAdmissionError - отказ на одном из входных шлюзов (auth, rate, size, shape).
func NewAdmissionError(status int, code, message string) *AppError {
	return &AppError{Kind: KindAdmission, Status: status, Code: code, Message: message}
}

// NewPolicyUnavailable - политика недоступна, работаем fail-closed.
func NewPolicyUnavailable(err error) *AppError {
	return &AppError{
		Kind:    KindPolicy,
		Status:  http.StatusServiceUnavailable,
		Code:    ErrCodePolicyUnavailable,
		Message: "Service temporarily disabled",
		Err:     err,
	}
}

// NewDailyLimitError - локальный суточный лимит исчерпан.
func NewDailyLimitError() *AppError {
	return &AppError{
		Kind:    KindQuota,
		Status:  http.StatusTooManyRequests,
		Code:    ErrCodeDailyLimitExceeded,
		Message: "Daily limit exceeded",
		Err:     ErrDailyLimitExceeded,
	}
}

// NewUpstreamQuotaError - суточная квота провайдера генерации.
func NewUpstreamQuotaError(retryAfter time.Duration, err error) *AppError {
	return &AppError{
		Kind:       KindQuota,
		Status:     http.StatusTooManyRequests,
		Code:       ErrCodeQuotaDailyExceeded,
		Message:    "Generation quota exceeded, try again later",
		RetryAfter: retryAfter,
		Err:        err,
	}
}

// NewUpstreamError - сбой генерации. Тело ответа провайдера наружу не отдается.
func NewUpstreamError(upstreamStatus int, service string, err error) *AppError {
	return &AppError{
		Kind:            KindUpstream,
		Status:          http.StatusServiceUnavailable,
		Code:            ErrCodeUpstreamUnavailable,
		Message:         "Story service temporarily unavailable",
		UpstreamStatus:  upstreamStatus,
		UpstreamService: service,
		Err:             err,
	}
}

// NewUpstreamTimeout - генерация не уложилась в request_timeout_ms.
func NewUpstreamTimeout(err error) *AppError {
	return &AppError{
		Kind:    KindUpstream,
		Status:  http.StatusGatewayTimeout,
		Code:    ErrCodeUpstreamTimeout,
		Message: "Request timeout",
		Err:     err,
	}
}

// NewStoreUnavailable - любая ошибка хранилища, кроме лимитов и not found.
func NewStoreUnavailable(err error) *AppError {
	return &AppError{
		Kind:    KindStore,
		Status:  http.StatusServiceUnavailable,
		Code:    ErrCodeStoreUnavailable,
		Message: "Service temporarily disabled",
		Err:     err,
	}
}

// NewInternalError - последний рубеж: 503 с коротким очищенным фрагментом ошибки.
func NewInternalError(err error) *AppError {
	return &AppError{
		Kind:    KindInternal,
		Status:  http.StatusServiceUnavailable,
		Code:    ErrCodeInternal,
		Message: "Internal error",
		Detail:  SanitizeExcerpt(err),
		Err:     err,
	}
}

const maxExcerptLen = 80

// SanitizeExcerpt возвращает первую строку ошибки, обрезанную до maxExcerptLen
// и без символов, похожих на токены.
func SanitizeExcerpt(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = msg[:i]
	}
	fields := strings.Fields(msg)
	for i, f := range fields {
		if len(f) > 32 {
			fields[i] = "[REDACTED]"
		}
	}
	msg = strings.Join(fields, " ")
	if r := []rune(msg); len(r) > maxExcerptLen {
		msg = string(r[:maxExcerptLen])
	}
	return msg
}

// ErrorResponse - тело ответа об ошибке.
type ErrorResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	UpstreamStatus    int    `json:"upstreamStatus,omitempty"`
	UpstreamService   string `json:"upstreamService,omitempty"`
	Detail            string `json:"detail,omitempty"`
}

// ToResponse строит безопасное тело ответа.
func (e *AppError) ToResponse() ErrorResponse {
	resp := ErrorResponse{
		Error:           e.Message,
		Code:            e.Code,
		UpstreamStatus:  e.UpstreamStatus,
		UpstreamService: e.UpstreamService,
		Detail:          e.Detail,
	}
	if e.RetryAfter > 0 {
		resp.RetryAfterSeconds = int(e.RetryAfter.Round(time.Second) / time.Second)
	}
	return resp
}
