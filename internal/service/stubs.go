package service

import "kidstel-story-agent/internal/models"

// Категории блокировки для заголовка X-KidsTel-Block-Reason.
const (
	BlockModerationInput  = "moderation_input"
	BlockModerationOutput = "moderation_output"
)

type stubText struct {
	title string
	text  string
}

var safeStubs = map[string]stubText{
	models.LangRU: {
		title: "Попробуем иначе",
		text:  "Давай попробуем другую идею. Я могу рассказать добрую историю, если ты изменишь запрос.",
	},
	models.LangHY: {
		title: "Փորձենք այլ կերպ",
		text:  "Փորձենք մեկ այլ գաղափար։ Ես կարող եմ պատմել բարի պատմություն, եթե փոխես հարցումը։",
	},
	models.LangEN: {
		title: "Let's try again",
		text:  "Let's try a different idea. I can tell a kind story if you change the request.",
	},
}

// SafeStub - мягкий ответ вместо заблокированного контента. Сработавшее правило
// в ответ не попадает.
func SafeStub(lang, requestID, storyID string, chapterIndex int) *models.AgentResponse {
	s := safeStubs[models.NormalizeLang(lang)]
	return &models.AgentResponse{
		RequestID:    requestID,
		StoryID:      storyID,
		ChapterIndex: chapterIndex,
		Progress:     1,
		Title:        s.title,
		Text:         s.text,
		Image:        &models.ImagePayload{Enabled: false},
		Choices:      []models.Choice{},
	}
}
