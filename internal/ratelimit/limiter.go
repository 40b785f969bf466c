package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Window - окно счетчиков, одна минута.
const Window = time.Minute

// Store атомарно берет одну единицу из корзины key. false означает, что лимит исчерпан.
type Store interface {
	Take(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Limiter - поминутные лимиты по IP и UID.
// Ошибка хранилища не блокирует запрос: счетчики только дополнительная защита.
type Limiter struct {
	store  Store
	logger *zap.Logger
}

func NewLimiter(store Store, logger *zap.Logger) *Limiter {
	return &Limiter{store: store, logger: logger.Named("ratelimit")}
}

// AllowIP проверяет лимит для адреса клиента.
func (l *Limiter) AllowIP(ctx context.Context, ip string, perMin int) bool {
	if ip == "" {
		ip = "unknown"
	}
	return l.take(ctx, "ip", ip, perMin)
}

// AllowUID проверяет лимит для пользователя.
func (l *Limiter) AllowUID(ctx context.Context, uid string, perMin int) bool {
	return l.take(ctx, "uid", uid, perMin)
}

func (l *Limiter) take(ctx context.Context, scope, id string, perMin int) bool {
	if perMin <= 0 {
		return true
	}
	ok, err := l.store.Take(ctx, scope+":"+id, perMin, Window)
	if err != nil {
		rateLimitDecisions.WithLabelValues(scope, "store_error").Inc()
		l.logger.Warn("Rate limit store failed, allowing request", zap.String("scope", scope), zap.Error(err))
		return true
	}
	if !ok {
		rateLimitDecisions.WithLabelValues(scope, "rejected").Inc()
		return false
	}
	rateLimitDecisions.WithLabelValues(scope, "allowed").Inc()
	return true
}
