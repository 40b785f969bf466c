package ai

import "context"

// Task - тип запроса к модели.
type Task string

const (
	TaskCreate   Task = "create"
	TaskContinue Task = "continue"
)

// CompletionRequest - один вызов текстовой модели.
type CompletionRequest struct {
	Task         Task
	Model        string
	System       string
	User         string
	Temperature  float64
	MaxTokens    int
	ChapterIndex int
}

// TextEngine - текстовая модель. Ошибки транспорта возвращаются как *UpstreamError,
// истечение контекста как ErrUpstreamTimeout.
type TextEngine interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
