package database

import (
	"context"
	"sync"
	"time"

	"kidstel-story-agent/internal/interfaces"
	"kidstel-story-agent/internal/models"
)

type memoryStory struct {
	meta     models.StoryMeta
	embedded []models.StoryChapter
	chapters map[int]models.StoryChapter
}

// MemoryStore - хранилище в памяти процесса для STORE_BACKEND=memory и тестов.
type MemoryStore struct {
	mu      sync.Mutex
	stories map[string]*memoryStory
	usage   map[string]int
	audit   []models.AuditRecord
	now     func() time.Time
}

var _ interfaces.StoryStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stories: make(map[string]*memoryStory),
		usage:   make(map[string]int),
		now:     time.Now,
	}
}

func usageKey(uid, dayKey string) string { return uid + "_" + dayKey }

func (s *MemoryStore) EnforceDailyLimit(_ context.Context, uid string, limit int, dayKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := usageKey(uid, dayKey)
	if s.usage[key] >= limit {
		return models.ErrDailyLimitExceeded
	}
	s.usage[key]++
	return nil
}

// Usage возвращает текущее значение суточного счетчика.
func (s *MemoryStore) Usage(uid, dayKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[usageKey(uid, dayKey)]
}

func (s *MemoryStore) GetStoryMeta(_ context.Context, storyID string) (*models.StoryMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stories[storyID]
	if !ok {
		return nil, models.ErrStoryNotFound
	}
	meta := st.meta
	return &meta, nil
}

func (s *MemoryStore) GetStoryChapter(_ context.Context, storyID string, chapterIndex int) (*models.StoryChapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stories[storyID]
	if !ok {
		return nil, models.ErrChapterNotFound
	}
	if ch, ok := st.chapters[chapterIndex]; ok {
		return &ch, nil
	}
	if ch, ok := findEmbedded(st.embedded, chapterIndex); ok {
		return &ch, nil
	}
	return nil, models.ErrChapterNotFound
}

func (s *MemoryStore) ListRecentChapters(_ context.Context, storyID string, limit int) ([]models.StoryChapter, error) {
	limit = models.ClampRecentLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stories[storyID]
	if !ok {
		return []models.StoryChapter{}, nil
	}
	if len(st.chapters) == 0 {
		return recentFromEmbedded(st.embedded, limit), nil
	}
	list := make([]models.StoryChapter, 0, len(st.chapters))
	for _, ch := range st.chapters {
		list = append(list, ch)
	}
	return recentFromEmbedded(list, limit), nil
}

func (s *MemoryStore) WriteChapter(_ context.Context, storyID, uid string, chapter models.StoryChapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stories[storyID]
	if !ok {
		return models.ErrStoryNotFound
	}
	if st.meta.UID != uid {
		return models.ErrNotOwner
	}
	if _, exists := st.chapters[chapter.ChapterIndex]; exists {
		return models.ErrChapterExists
	}
	if _, exists := findEmbedded(st.embedded, chapter.ChapterIndex); exists {
		return models.ErrChapterExists
	}

	now := s.now()
	chapter.Choices = normalizeChoices(chapter.Choices)
	chapter.CreatedAt = now
	st.chapters[chapter.ChapterIndex] = chapter
	st.embedded = append(st.embedded, chapter)
	if st.meta.LatestChapterIndex == nil || *st.meta.LatestChapterIndex < chapter.ChapterIndex {
		idx := chapter.ChapterIndex
		st.meta.LatestChapterIndex = &idx
	}
	st.meta.UpdatedAt = now
	return nil
}

func (s *MemoryStore) UpdateChapterIllustration(_ context.Context, ill models.ChapterIllustration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stories[ill.StoryID]
	if !ok {
		return models.ErrChapterNotFound
	}
	ch, ok := st.chapters[ill.ChapterIndex]
	if !ok {
		ch, ok = findEmbedded(st.embedded, ill.ChapterIndex)
		if !ok {
			return models.ErrChapterNotFound
		}
	}
	applyIllustration(&ch, ill)
	st.chapters[ill.ChapterIndex] = ch
	setEmbeddedIllustration(st.embedded, ill)
	st.meta.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) UpsertStorySession(_ context.Context, session *models.StorySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	st, ok := s.stories[session.Meta.StoryID]
	if !ok {
		st = &memoryStory{chapters: make(map[int]models.StoryChapter)}
		st.meta.CreatedAt = now
		s.stories[session.Meta.StoryID] = st
	}

	createdAt := st.meta.CreatedAt
	st.meta = mergeMeta(st.meta, session.Meta)
	st.meta.CreatedAt = createdAt
	st.meta.UpdatedAt = now
	latest := session.LatestIndex()
	st.meta.LatestChapterIndex = &latest

	st.embedded = make([]models.StoryChapter, 0, len(session.Chapters))
	for _, ch := range session.Chapters {
		ch.Choices = normalizeChoices(ch.Choices)
		if ch.CreatedAt.IsZero() {
			ch.CreatedAt = now
		}
		st.embedded = append(st.embedded, ch)
		st.chapters[ch.ChapterIndex] = ch
	}
	return nil
}

func (s *MemoryStore) WriteAudit(_ context.Context, rec models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = models.NewAuditID()
	}
	for _, prev := range s.audit {
		if prev.ID == rec.ID {
			return nil
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.audit = append(s.audit, rec)
	return nil
}

// AuditRecords возвращает копию записанного аудита.
func (s *MemoryStore) AuditRecords() []models.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditRecord, len(s.audit))
	copy(out, s.audit)
	return out
}

// mergeMeta переносит непустые поля next поверх prev. UID и StoryID после создания не меняются.
func mergeMeta(prev, next models.StoryMeta) models.StoryMeta {
	out := prev
	if out.StoryID == "" {
		out.StoryID = next.StoryID
	}
	if out.UID == "" {
		out.UID = next.UID
	}
	setIf := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setIf(&out.Title, next.Title)
	setIf(&out.Lang, next.Lang)
	setIf(&out.AgeGroup, next.AgeGroup)
	setIf(&out.StoryLength, next.StoryLength)
	setIf(&out.Hero, next.Hero)
	setIf(&out.Location, next.Location)
	setIf(&out.Style, next.Style)
	setIf(&out.Idea, next.Idea)
	setIf(&out.PolicyVersion, next.PolicyVersion)
	if next.CreativityLevel != nil {
		v := *next.CreativityLevel
		out.CreativityLevel = &v
	}
	return out
}
