package moderation

import "encoding/json"

type createInput struct {
	Idea      string `json:"idea"`
	Hero      string `json:"hero"`
	Location  string `json:"location"`
	StoryType string `json:"storyType"`
}

type continueInput struct {
	Choice    interface{} `json:"choice"`
	Hero      string      `json:"hero"`
	Location  string      `json:"location"`
	StoryType string      `json:"storyType"`
}

// CombinedCreateInput - текст, который проверяется перед созданием истории.
func CombinedCreateInput(idea, hero, location, style string) string {
	return marshal(createInput{Idea: idea, Hero: hero, Location: location, StoryType: style})
}

// CombinedContinueInput - текст для проверки продолжения. choice nil становится {}.
func CombinedContinueInput(choice interface{}, hero, location, style string) string {
	if choice == nil {
		choice = map[string]interface{}{}
	}
	return marshal(continueInput{Choice: choice, Hero: hero, Location: location, StoryType: style})
}

// CombinedOutput - заголовок и текст главы для проверки ответа модели.
func CombinedOutput(title, text string) string {
	return title + "\n" + text
}

func marshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Только строки и map из JSON запроса, ошибка невозможна на практике.
		return ""
	}
	return string(b)
}
