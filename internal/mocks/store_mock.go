package mocks

import (
	"context"

	"kidstel-story-agent/internal/interfaces"
	"kidstel-story-agent/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockStoryStore is a mock type for the interfaces.StoryStore type
type MockStoryStore struct {
	mock.Mock
}

// EnforceDailyLimit provides a mock function with given fields: ctx, uid, limit, dayKey
func (_m *MockStoryStore) EnforceDailyLimit(ctx context.Context, uid string, limit int, dayKey string) error {
	ret := _m.Called(ctx, uid, limit, dayKey)
	return ret.Error(0)
}

// GetStoryMeta provides a mock function with given fields: ctx, storyID
func (_m *MockStoryStore) GetStoryMeta(ctx context.Context, storyID string) (*models.StoryMeta, error) {
	ret := _m.Called(ctx, storyID)
	meta, _ := ret.Get(0).(*models.StoryMeta)
	return meta, ret.Error(1)
}

// GetStoryChapter provides a mock function with given fields: ctx, storyID, chapterIndex
func (_m *MockStoryStore) GetStoryChapter(ctx context.Context, storyID string, chapterIndex int) (*models.StoryChapter, error) {
	ret := _m.Called(ctx, storyID, chapterIndex)
	ch, _ := ret.Get(0).(*models.StoryChapter)
	return ch, ret.Error(1)
}

// ListRecentChapters provides a mock function with given fields: ctx, storyID, limit
func (_m *MockStoryStore) ListRecentChapters(ctx context.Context, storyID string, limit int) ([]models.StoryChapter, error) {
	ret := _m.Called(ctx, storyID, limit)
	chapters, _ := ret.Get(0).([]models.StoryChapter)
	return chapters, ret.Error(1)
}

// WriteChapter provides a mock function with given fields: ctx, storyID, uid, chapter
func (_m *MockStoryStore) WriteChapter(ctx context.Context, storyID, uid string, chapter models.StoryChapter) error {
	ret := _m.Called(ctx, storyID, uid, chapter)
	return ret.Error(0)
}

// UpdateChapterIllustration provides a mock function with given fields: ctx, ill
func (_m *MockStoryStore) UpdateChapterIllustration(ctx context.Context, ill models.ChapterIllustration) error {
	ret := _m.Called(ctx, ill)
	return ret.Error(0)
}

// UpsertStorySession provides a mock function with given fields: ctx, session
func (_m *MockStoryStore) UpsertStorySession(ctx context.Context, session *models.StorySession) error {
	ret := _m.Called(ctx, session)
	return ret.Error(0)
}

// WriteAudit provides a mock function with given fields: ctx, rec
func (_m *MockStoryStore) WriteAudit(ctx context.Context, rec models.AuditRecord) error {
	ret := _m.Called(ctx, rec)
	return ret.Error(0)
}

// NewMockStoryStore creates a new instance of MockStoryStore and registers the testing interface.
func NewMockStoryStore(t interface {
	mock.TestingT
	Helper()
}) *MockStoryStore {
	m := &MockStoryStore{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

// MockUploader is a mock type for the interfaces.Uploader type
type MockUploader struct {
	mock.Mock
}

// Upload provides a mock function with given fields: ctx, path, data, contentType
func (_m *MockUploader) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	ret := _m.Called(ctx, path, data, contentType)
	return ret.String(0), ret.Error(1)
}

// NewMockUploader creates a new instance of MockUploader and registers the testing interface.
func NewMockUploader(t interface {
	mock.TestingT
	Helper()
}) *MockUploader {
	m := &MockUploader{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var (
	_ interfaces.StoryStore = (*MockStoryStore)(nil)
	_ interfaces.Uploader   = (*MockUploader)(nil)
)
