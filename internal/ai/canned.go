package ai

import (
	"context"
	"encoding/base64"
	"math"
)

const (
	MockCreateText   = "This is a mock story response used for tests/local development."
	MockContinueText = "This is a mock continuation response used for tests/local development."
)

// CannedTextEngine (MOCK_ENGINE) отвечает детерминированным JSON и проходит тот же разбор, что и модель.
type CannedTextEngine struct{}

func (CannedTextEngine) Complete(_ context.Context, req CompletionRequest) (string, error) {
	draft := map[string]interface{}{
		"requestId": "mock",
		"storyId":   "mock",
		"title":     "Mock Story",
		"image":     map[string]interface{}{"enabled": false, "url": nil},
	}
	if req.Task == TaskContinue {
		draft["chapterIndex"] = req.ChapterIndex
		draft["progress"] = math.Min(1, 0.25+float64(req.ChapterIndex)*0.25)
		draft["text"] = MockContinueText
		draft["choices"] = []interface{}{}
	} else {
		draft["chapterIndex"] = 0
		draft["progress"] = 0.25
		draft["text"] = MockCreateText
		draft["choices"] = []interface{}{
			map[string]interface{}{"id": "c1", "label": "Continue", "payload": map[string]interface{}{"action": "continue"}},
		}
	}
	return marshalCompact(draft)
}

// TransparentPNGBase64 - прозрачный PNG 1x1.
const TransparentPNGBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mP8/xcAAwMCAO9pN1cAAAAASUVORK5CYII="

// TransparentPNGDataURL - заглушка изображения для ответов без картинки.
const TransparentPNGDataURL = "data:image/png;base64," + TransparentPNGBase64

// CannedImageEngine возвращает прозрачный PNG.
type CannedImageEngine struct{}

func (CannedImageEngine) GenerateImage(_ context.Context, _ ImageRequest) (*ImageResult, error) {
	b, err := base64.StdEncoding.DecodeString(TransparentPNGBase64)
	if err != nil {
		return nil, err
	}
	imageRequestsTotal.WithLabelValues("mock").Inc()
	return &ImageResult{Bytes: b, MimeType: "image/png"}, nil
}
