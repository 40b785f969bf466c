package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcs "cloud.google.com/go/storage"
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"

	"kidstel-story-agent/internal/interfaces"
)

// MaxSignedURLTTL - предел срока жизни подписанной ссылки V4.
const MaxSignedURLTTL = 7 * 24 * time.Hour

var ErrEmptyObject = errors.New("refusing to upload empty object")

// GCSUploader загружает иллюстрации в бакет и возвращает подписанную GET-ссылку.
type GCSUploader struct {
	bucket *gcs.BucketHandle
	name   string
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

var _ interfaces.Uploader = (*GCSUploader)(nil)

func NewGCSUploader(bucket *gcs.BucketHandle, bucketName string, ttl time.Duration, logger *zap.Logger) *GCSUploader {
	return &GCSUploader{
		bucket: bucket,
		name:   bucketName,
		ttl:    SignedURLTTL(ttl),
		now:    time.Now,
		logger: logger.Named("GCSUploader"),
	}
}

// NewFirebaseUploader берет бакет из firebase app.
func NewFirebaseUploader(ctx context.Context, app *firebase.App, bucketName string, ttl time.Duration, logger *zap.Logger) (*GCSUploader, error) {
	client, err := app.Storage(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase storage client: %w", err)
	}
	bucket, err := client.Bucket(bucketName)
	if err != nil {
		return nil, fmt.Errorf("firebase storage bucket %s: %w", bucketName, err)
	}
	return NewGCSUploader(bucket, bucketName, ttl, logger), nil
}

// SignedURLTTL ограничивает ttl сверху MaxSignedURLTTL. Неположительное значение - максимум.
func SignedURLTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > MaxSignedURLTTL {
		return MaxSignedURLTTL
	}
	return ttl
}

func (u *GCSUploader) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyObject
	}
	start := u.now()

	w := u.bucket.Object(path).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=3600"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		uploadsTotal.WithLabelValues("write_error").Inc()
		return "", fmt.Errorf("write gs://%s/%s: %w", u.name, path, err)
	}
	if err := w.Close(); err != nil {
		uploadsTotal.WithLabelValues("write_error").Inc()
		return "", fmt.Errorf("close gs://%s/%s: %w", u.name, path, err)
	}

	url, err := u.bucket.SignedURL(path, &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  "GET",
		Expires: u.now().Add(u.ttl),
	})
	if err != nil {
		uploadsTotal.WithLabelValues("sign_error").Inc()
		return "", fmt.Errorf("sign gs://%s/%s: %w", u.name, path, err)
	}

	uploadsTotal.WithLabelValues("ok").Inc()
	u.logger.Debug("Illustration uploaded",
		zap.String("path", path),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", u.now().Sub(start)))
	return url, nil
}
