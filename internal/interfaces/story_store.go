package interfaces

import (
	"context"

	"kidstel-story-agent/internal/models"
)

// StoryStore - хранилище историй, глав, суточных счетчиков и аудита.
// Любая ошибка, кроме перечисленных sentinel-ошибок models, трактуется
// вызывающей стороной как недоступность хранилища.
type StoryStore interface {
	// EnforceDailyLimit атомарно читает и увеличивает счетчик uid за день dayKey (yyyymmdd).
	// Возвращает models.ErrDailyLimitExceeded, если до инкремента счетчик уже >= limit.
	EnforceDailyLimit(ctx context.Context, uid string, limit int, dayKey string) error

	// GetStoryMeta возвращает models.ErrStoryNotFound, если истории нет.
	GetStoryMeta(ctx context.Context, storyID string) (*models.StoryMeta, error)
	// GetStoryChapter возвращает models.ErrChapterNotFound, если главы нет.
	GetStoryChapter(ctx context.Context, storyID string, chapterIndex int) (*models.StoryChapter, error)
	// ListRecentChapters возвращает до limit (1..10) последних глав по возрастанию индекса.
	ListRecentChapters(ctx context.Context, storyID string, limit int) ([]models.StoryChapter, error)

	// WriteChapter дописывает главу в существующую историю.
	// models.ErrChapterExists - глава с таким индексом уже есть.
	WriteChapter(ctx context.Context, storyID, uid string, chapter models.StoryChapter) error
	UpdateChapterIllustration(ctx context.Context, ill models.ChapterIllustration) error
	// UpsertStorySession создает или дополняет историю вместе со списком глав.
	UpsertStorySession(ctx context.Context, session *models.StorySession) error

	WriteAudit(ctx context.Context, rec models.AuditRecord) error
}

// Uploader - объектное хранилище для иллюстраций.
type Uploader interface {
	// Upload сохраняет данные и возвращает URL, по которому их можно получить.
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}
