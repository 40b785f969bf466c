package logger

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config содержит настройки логгера.
type Config struct {
	Level    string // debug, info, warn, error
	Encoding string // json или console
	Service  string // K_SERVICE
	Revision string // K_REVISION
}

// New создает zap.Logger. В json ключи severity/message совпадают с тем,
// что разбирает Cloud Logging.
func New(cfg Config) (*zap.Logger, error) {
	logger, err := buildConfig(cfg).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func buildConfig(cfg Config) zap.Config {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	encoding := strings.ToLower(cfg.Encoding)
	if encoding != "console" {
		encoding = "json"
		encoderCfg.LevelKey = "severity"
		encoderCfg.MessageKey = "message"
	}

	fields := map[string]interface{}{}
	if cfg.Service != "" {
		fields["service"] = cfg.Service
	}
	if cfg.Revision != "" {
		fields["revision"] = cfg.Revision
	}

	return zap.Config{
		Level:             zap.NewAtomicLevelAt(parseLevel(cfg.Level)),
		DisableCaller:     true,
		DisableStacktrace: true,
		Encoding:          encoding,
		EncoderConfig:     encoderCfg,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		InitialFields:     fields,
	}
}

func parseLevel(raw string) zapcore.Level {
	if raw == "" {
		return zap.InfoLevel
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
		// логгера еще нет
		fmt.Fprintf(os.Stderr, "Invalid log level '%s', using 'info'. Error: %v\n", raw, err)
		return zap.InfoLevel
	}
	return lvl
}

const redacted = "[REDACTED]"

// Заголовки, значения которых никогда не попадают в лог.
var sensitiveHeaders = map[string]struct{}{
	"Authorization":       {},
	"X-Firebase-Appcheck": {},
	"Cookie":              {},
	"Set-Cookie":          {},
}

// RedactHeaders возвращает копию заголовков, пригодную для лога.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		ck := http.CanonicalHeaderKey(k)
		if _, ok := sensitiveHeaders[ck]; ok {
			out[ck] = redacted
			continue
		}
		out[ck] = strings.Join(v, ",")
	}
	return out
}

// Headers - zap поле с отредактированными заголовками.
func Headers(h http.Header) zap.Field {
	return zap.Any("headers", RedactHeaders(h))
}
