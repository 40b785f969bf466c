package ai

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUpstreamTimeout - вызов модели не уложился в отведенное время.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrBadUpstreamResponse - ответ модели не прошел разбор или схему.
	ErrBadUpstreamResponse = errors.New("bad upstream response")

	ErrImageEmpty       = errors.New("VERTEX_IMAGE_EMPTY")
	ErrImageBadResponse = errors.New("VERTEX_IMAGE_BAD_RESPONSE")
	ErrImageZeroBytes   = errors.New("VERTEX_IMAGE_ZERO_BYTES")
)

// UpstreamError - отказ генеративного бэкенда с HTTP-подобным статусом.
type UpstreamError struct {
	Status  int
	Service string
	Model   string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream error (status %d, model %s): %v", e.Service, e.Status, e.Model, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ModelNotFound - единственный случай, когда пробуется следующая модель.
func (e *UpstreamError) ModelNotFound() bool {
	return e.Status == http.StatusNotFound
}

// QuotaExceeded - провайдер сообщил об исчерпании квоты.
func (e *UpstreamError) QuotaExceeded() bool {
	return e.Status == http.StatusTooManyRequests
}

// RetryAfter - подсказка клиенту: до полуночи UTC для суточной квоты, иначе минута.
func (e *UpstreamError) RetryAfter(now time.Time) time.Duration {
	msg := ""
	if e.Err != nil {
		msg = strings.ToLower(e.Err.Error())
	}
	if strings.Contains(msg, "day") || strings.Contains(msg, "daily") {
		now = now.UTC()
		midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
		return midnight.Sub(now).Truncate(time.Second)
	}
	return time.Minute
}

// Reason - метка вида HTTP_<status> для логов.
func (e *UpstreamError) Reason() string {
	return fmt.Sprintf("HTTP_%d", e.Status)
}

// AsUpstreamError извлекает UpstreamError из цепочки.
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
