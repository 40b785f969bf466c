package storage

import (
	"fmt"
	"strings"
)

// Допустимые типы иллюстраций.
const (
	MimePNG  = "image/png"
	MimeJPEG = "image/jpeg"
	MimeWebP = "image/webp"
)

// NormalizeImageMIME сводит тип от модели к одному из MimePNG, MimeJPEG, MimeWebP.
// Все остальное, включая параметры после ';', становится MimePNG.
func NormalizeImageMIME(mimeType string) string {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case MimeJPEG, "image/jpg":
		return MimeJPEG
	case MimeWebP:
		return MimeWebP
	default:
		return MimePNG
	}
}

// ExtensionFor - расширение файла для MIME-типа изображения.
func ExtensionFor(mimeType string) string {
	switch NormalizeImageMIME(mimeType) {
	case MimeJPEG:
		return "jpg"
	case MimeWebP:
		return "webp"
	default:
		return "png"
	}
}

// ObjectPath - stories/{uid}/{storyId}/{chapterIndex}-{requestId}.{ext}
func ObjectPath(uid, storyID string, chapterIndex int, requestID, mimeType string) string {
	return fmt.Sprintf("stories/%s/%s/%d-%s.%s", uid, storyID, chapterIndex, requestID, ExtensionFor(mimeType))
}
