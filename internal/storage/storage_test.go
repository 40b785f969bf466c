package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestObjectPath(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{"image/png", "stories/u1/story_1/2-req_9.png"},
		{"image/jpeg", "stories/u1/story_1/2-req_9.jpg"},
		{"IMAGE/WEBP", "stories/u1/story_1/2-req_9.webp"},
		{"", "stories/u1/story_1/2-req_9.png"},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			assert.Equal(t, tt.want, ObjectPath("u1", "story_1", 2, "req_9", tt.mime))
		})
	}
}

func TestNormalizeImageMIME(t *testing.T) {
	assert.Equal(t, MimeJPEG, NormalizeImageMIME(" image/JPG "))
	assert.Equal(t, MimeWebP, NormalizeImageMIME("image/webp"))
	assert.Equal(t, MimePNG, NormalizeImageMIME("image/png"))
	assert.Equal(t, MimePNG, NormalizeImageMIME("text/html;base64,PHNjcmlwdD4="))
	assert.Equal(t, MimePNG, NormalizeImageMIME("image/svg+xml"))
	assert.Equal(t, MimePNG, NormalizeImageMIME(""))
	assert.Equal(t, "png", ExtensionFor("../../etc/passwd"))
}

func TestSignedURLTTL(t *testing.T) {
	assert.Equal(t, MaxSignedURLTTL, SignedURLTTL(30*24*time.Hour))
	assert.Equal(t, MaxSignedURLTTL, SignedURLTTL(0))
	assert.Equal(t, 2*time.Hour, SignedURLTTL(2*time.Hour))
}

func TestUpload_RejectsEmpty(t *testing.T) {
	u := NewGCSUploader(nil, "bucket", time.Hour, zap.NewNop())
	_, err := u.Upload(context.Background(), "stories/a.png", nil, "image/png")
	assert.ErrorIs(t, err, ErrEmptyObject)
}
