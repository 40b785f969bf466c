// Package auth проверяет идентификационный токен и токен аттестации приложения.
package auth

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"kidstel-story-agent/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	bearerRe    = regexp.MustCompile(`(?i)^Bearer\s+(.+)$`)
	devClientRe = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)
)

// Credentials - сырые заголовки запроса.
type Credentials struct {
	Authorization string
	AppCheck      string
	DevClientID   string
}

// IDTokenVerifier проверяет токен пользователя и возвращает uid.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, token string) (string, error)
}

// AppCheckVerifier проверяет токен аттестации.
type AppCheckVerifier interface {
	VerifyAppCheck(ctx context.Context, token string) error
}

// Options - режимы проверки.
type Options struct {
	AuthRequired     bool
	AppCheckRequired bool
}

// Verifier - проверка идентичности запроса.
type Verifier struct {
	ids      IDTokenVerifier
	appCheck AppCheckVerifier
	opts     Options
	logger   *zap.Logger
	newID    func() string
}

// NewVerifier создает проверку. ids и appCheck могут быть nil, если соответствующие
// токены не требуются: присланный токен без верификатора считается невалидным.
func NewVerifier(ids IDTokenVerifier, appCheck AppCheckVerifier, opts Options, logger *zap.Logger) *Verifier {
	return &Verifier{
		ids:      ids,
		appCheck: appCheck,
		opts:     opts,
		logger:   logger.Named("auth"),
		newID:    func() string { return uuid.NewString() },
	}
}

// Verify возвращает идентичность запроса или AppError (401/403).
// Идентичность проверяется раньше аттестации.
func (v *Verifier) Verify(ctx context.Context, creds Credentials) (*models.Identity, error) {
	identity, err := v.verifyIdentity(ctx, creds)
	if err != nil {
		return nil, err
	}
	if err := v.verifyAppCheck(ctx, creds.AppCheck, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

func (v *Verifier) verifyIdentity(ctx context.Context, creds Credentials) (*models.Identity, error) {
	devID := strings.TrimSpace(creds.DevClientID)
	if v.opts.AuthRequired && devID != "" {
		tokenVerificationsTotal.WithLabelValues("dev_client", "rejected").Inc()
		v.logger.Warn("Dev client id sent while auth is required")
		return nil, models.NewAdmissionError(http.StatusUnauthorized, models.ErrCodeDevClientRejected, "Unauthorized")
	}

	bearer := bearerToken(creds.Authorization)
	if bearer == "" {
		if v.opts.AuthRequired {
			tokenVerificationsTotal.WithLabelValues("id_token", "missing").Inc()
			return nil, models.NewAdmissionError(http.StatusUnauthorized, models.ErrCodeAuthMissing, "Unauthorized")
		}
		return v.anonymous(devID)
	}

	if v.ids == nil {
		tokenVerificationsTotal.WithLabelValues("id_token", "invalid").Inc()
		return nil, models.NewAdmissionError(http.StatusUnauthorized, models.ErrCodeAuthInvalid, "Unauthorized")
	}
	uid, err := v.ids.VerifyIDToken(ctx, bearer)
	if err != nil || uid == "" {
		tokenVerificationsTotal.WithLabelValues("id_token", "invalid").Inc()
		v.logger.Info("ID token rejected", zap.String("token", tokenSnippet(bearer)), zap.Error(err))
		return nil, models.NewAdmissionError(http.StatusUnauthorized, models.ErrCodeAuthInvalid, "Unauthorized")
	}
	tokenVerificationsTotal.WithLabelValues("id_token", "ok").Inc()
	return &models.Identity{UID: uid}, nil
}

// anonymous выдает uid без токена. Стабильный dev_ id позволяет тестовому клиенту
// сохранять квоты и истории между запросами.
func (v *Verifier) anonymous(devID string) (*models.Identity, error) {
	if devID == "" {
		return &models.Identity{UID: "anon_" + v.newID(), Anonymous: true}, nil
	}
	if !devClientRe.MatchString(devID) {
		tokenVerificationsTotal.WithLabelValues("dev_client", "invalid").Inc()
		return nil, models.NewAdmissionError(http.StatusUnauthorized, models.ErrCodeAuthInvalid, "Unauthorized")
	}
	tokenVerificationsTotal.WithLabelValues("dev_client", "ok").Inc()
	return &models.Identity{UID: "dev_" + devID, Anonymous: true}, nil
}

func (v *Verifier) verifyAppCheck(ctx context.Context, raw string, identity *models.Identity) error {
	token := strings.TrimSpace(raw)
	if token == "" {
		if v.opts.AppCheckRequired {
			tokenVerificationsTotal.WithLabelValues("app_check", "missing").Inc()
			return models.NewAdmissionError(http.StatusForbidden, models.ErrCodeAppCheckMissing, "App Check required")
		}
		return nil
	}
	if v.appCheck == nil {
		tokenVerificationsTotal.WithLabelValues("app_check", "invalid").Inc()
		return models.NewAdmissionError(http.StatusForbidden, models.ErrCodeAppCheckInvalid, "App Check invalid")
	}
	if err := v.appCheck.VerifyAppCheck(ctx, token); err != nil {
		tokenVerificationsTotal.WithLabelValues("app_check", "invalid").Inc()
		v.logger.Info("App Check token rejected", zap.String("token", tokenSnippet(token)), zap.Error(err))
		return models.NewAdmissionError(http.StatusForbidden, models.ErrCodeAppCheckInvalid, "App Check invalid")
	}
	tokenVerificationsTotal.WithLabelValues("app_check", "ok").Inc()
	identity.AppVerified = true
	return nil
}

func bearerToken(header string) string {
	m := bearerRe.FindStringSubmatch(strings.TrimSpace(header))
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// tokenSnippet - безопасная для логов часть токена.
func tokenSnippet(token string) string {
	const limit = 8
	if len(token) > limit {
		return token[:limit] + "..."
	}
	return "***"
}
