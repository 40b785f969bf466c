package database

import (
	"sort"

	"kidstel-story-agent/internal/models"
)

// recentFromEmbedded возвращает последние limit глав встроенного списка по возрастанию индекса.
func recentFromEmbedded(chapters []models.StoryChapter, limit int) []models.StoryChapter {
	out := make([]models.StoryChapter, len(chapters))
	copy(out, chapters)
	sortChapters(out)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func sortChapters(chapters []models.StoryChapter) {
	sort.SliceStable(chapters, func(i, j int) bool {
		return chapters[i].ChapterIndex < chapters[j].ChapterIndex
	})
}

func findEmbedded(chapters []models.StoryChapter, index int) (models.StoryChapter, bool) {
	for _, ch := range chapters {
		if ch.ChapterIndex == index {
			return ch, true
		}
	}
	return models.StoryChapter{}, false
}

func applyIllustration(ch *models.StoryChapter, ill models.ChapterIllustration) {
	ch.ImageURL = ill.ImageURL
	ch.ImageStoragePath = ill.StoragePath
	ch.ImagePrompt = ill.Prompt
}

// setEmbeddedIllustration обновляет иллюстрацию во встроенном списке, false - главы нет.
func setEmbeddedIllustration(chapters []models.StoryChapter, ill models.ChapterIllustration) bool {
	for i := range chapters {
		if chapters[i].ChapterIndex == ill.ChapterIndex {
			applyIllustration(&chapters[i], ill)
			return true
		}
	}
	return false
}

func normalizeChoices(choices []models.Choice) []models.Choice {
	out := make([]models.Choice, 0, len(choices))
	for _, c := range choices {
		if c.Payload == nil {
			c.Payload = map[string]interface{}{}
		}
		out = append(out, c)
	}
	return out
}
