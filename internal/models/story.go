package models

import (
	"time"

	"github.com/google/uuid"
)

// Поддерживаемые языки истории.
const (
	LangRU = "ru"
	LangEN = "en"
	LangHY = "hy"
)

// NormalizeLang возвращает поддерживаемый язык или "en".
func NormalizeLang(raw string) string {
	switch raw {
	case LangRU, LangEN, LangHY:
		return raw
	}
	return LangEN
}

// MaxChoices - максимум вариантов продолжения в главе.
const MaxChoices = 3

// Choice - вариант продолжения истории.
type Choice struct {
	ID      string                 `json:"id" firestore:"id"`
	Label   string                 `json:"label" firestore:"label"`
	Payload map[string]interface{} `json:"payload" firestore:"payload"`
}

// StoryMeta - метаданные истории. StoryID и UID не меняются после создания.
type StoryMeta struct {
	StoryID            string    `json:"storyId" firestore:"storyId"`
	UID                string    `json:"uid" firestore:"uid"`
	Title              string    `json:"title" firestore:"title"`
	Lang               string    `json:"lang,omitempty" firestore:"lang"`
	AgeGroup           string    `json:"ageGroup,omitempty" firestore:"ageGroup"`
	StoryLength        string    `json:"storyLength,omitempty" firestore:"storyLength"`
	CreativityLevel    *float64  `json:"creativityLevel,omitempty" firestore:"creativityLevel"`
	Hero               string    `json:"hero,omitempty" firestore:"hero"`
	Location           string    `json:"location,omitempty" firestore:"location"`
	Style              string    `json:"style,omitempty" firestore:"style"`
	Idea               string    `json:"idea,omitempty" firestore:"idea"`
	PolicyVersion      string    `json:"policyVersion,omitempty" firestore:"policyVersion"`
	LatestChapterIndex *int      `json:"latestChapterIndex,omitempty" firestore:"latestChapterIndex"`
	CreatedAt          time.Time `json:"createdAt" firestore:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// StoryChapter - одна глава истории, адресуется парой (StoryID, ChapterIndex).
type StoryChapter struct {
	ChapterIndex     int       `json:"chapterIndex" firestore:"chapterIndex"`
	Title            string    `json:"title" firestore:"title"`
	Text             string    `json:"text" firestore:"text"`
	Progress         float64   `json:"progress" firestore:"progress"`
	Choices          []Choice  `json:"choices" firestore:"choices"`
	ImageURL         string    `json:"imageUrl,omitempty" firestore:"imageUrl"`
	ImageStoragePath string    `json:"imageStoragePath,omitempty" firestore:"imageStoragePath"`
	ImagePrompt      string    `json:"imagePrompt,omitempty" firestore:"imagePrompt"`
	CreatedAt        time.Time `json:"createdAt,omitempty" firestore:"createdAt,omitempty"`
}

// StorySession - история целиком: мета и встроенный список глав.
type StorySession struct {
	Meta     StoryMeta
	Chapters []StoryChapter
}

// ChapterIllustration - данные для привязки иллюстрации к уже существующей главе.
type ChapterIllustration struct {
	StoryID      string
	ChapterIndex int
	ImageURL     string
	StoragePath  string
	Prompt       string
}

// ChapterDraft - разобранный и провалидированный ответ модели.
// StoryID и ChapterIndex - мнение модели, оркестратор их перезаписывает.
type ChapterDraft struct {
	RequestID    string
	StoryID      string
	ChapterIndex int
	Progress     float64
	Title        string
	Text         string
	Choices      []Choice
	Model        string
}

// ImagePayload - блок image в ответе.
type ImagePayload struct {
	Enabled     bool    `json:"enabled"`
	URL         *string `json:"url"`
	Base64      string  `json:"base64,omitempty"`
	MimeType    string  `json:"mimeType,omitempty"`
	Disabled    bool    `json:"disabled,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Prompt      string  `json:"prompt,omitempty"`
	StoragePath string  `json:"storagePath,omitempty"`
}

// AgentResponse - конверт ответа для generate/continue/illustrate.
type AgentResponse struct {
	RequestID    string        `json:"requestId"`
	StoryID      string        `json:"storyId"`
	ChapterIndex int           `json:"chapterIndex"`
	Progress     float64       `json:"progress"`
	Title        string        `json:"title"`
	Text         string        `json:"text"`
	Image        *ImagePayload `json:"image"`
	Choices      []Choice      `json:"choices"`
}

// AuditRecord - запись аудита, по одной на попытку запроса.
// ID выдает сервер: повтор requestId дает новую запись, а не перезапись старой.
type AuditRecord struct {
	ID          string    `json:"id" firestore:"id"`
	RequestID   string    `json:"requestId" firestore:"requestId"`
	UID         string    `json:"uid" firestore:"uid"`
	Route       string    `json:"route" firestore:"route"`
	Blocked     bool      `json:"blocked" firestore:"blocked"`
	BlockReason string    `json:"blockReason,omitempty" firestore:"blockReason"`
	StoryID     string    `json:"storyId,omitempty" firestore:"storyId"`
	InputText   string    `json:"inputText,omitempty" firestore:"inputText,omitempty"`
	OutputTitle string    `json:"outputTitle,omitempty" firestore:"outputTitle,omitempty"`
	CreatedAt   time.Time `json:"createdAt" firestore:"createdAt"`
}

// NewAuditID - идентификатор записи аудита.
func NewAuditID() string {
	return "aud_" + uuid.NewString()
}

// Identity - субъект запроса. Не меняется после назначения.
type Identity struct {
	UID         string
	Anonymous   bool
	AppVerified bool
}

// Параметры выборки последних глав.
const (
	DefaultRecentChapters = 4
	MaxRecentChapters     = 10
)

// ClampRecentLimit приводит limit к диапазону 1..MaxRecentChapters, 0 - значение по умолчанию.
func ClampRecentLimit(limit int) int {
	if limit == 0 {
		return DefaultRecentChapters
	}
	if limit < 1 {
		return 1
	}
	if limit > MaxRecentChapters {
		return MaxRecentChapters
	}
	return limit
}

// DayKey - ключ суточного счетчика, yyyymmdd по UTC.
func DayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}

// LatestIndex - индекс последней главы истории (0, если глав нет).
func (s *StorySession) LatestIndex() int {
	if len(s.Chapters) == 0 {
		return 0
	}
	return s.Chapters[len(s.Chapters)-1].ChapterIndex
}
