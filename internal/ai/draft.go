package ai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"kidstel-story-agent/internal/models"
)

var (
	fenceOpenRe  = regexp.MustCompile("(?i)^```json\\s*")
	fenceBareRe  = regexp.MustCompile("^```\\s*")
	fenceCloseRe = regexp.MustCompile("\\s*```$")
)

// draftImage принимается, но игнорируется: картинкой управляет сервер.
type draftImage struct {
	Enabled     *bool   `json:"enabled"`
	URL         *string `json:"url"`
	Base64      *string `json:"base64"`
	MimeType    *string `json:"mimeType"`
	Disabled    *bool   `json:"disabled"`
	Reason      *string `json:"reason"`
	Prompt      *string `json:"prompt"`
	StoragePath *string `json:"storagePath"`
}

type draftChoice struct {
	ID      *string                `json:"id"`
	Label   *string                `json:"label"`
	Payload map[string]interface{} `json:"payload"`
}

type rawDraft struct {
	RequestID    *string       `json:"requestId"`
	StoryID      *string       `json:"storyId"`
	ChapterIndex *float64      `json:"chapterIndex"`
	Progress     *float64      `json:"progress"`
	Title        *string       `json:"title"`
	Text         *string       `json:"text"`
	Image        *draftImage   `json:"image"`
	Choices      []draftChoice `json:"choices"`
}

// stripFences убирает markdown обертку ```json ... ```.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	t = fenceOpenRe.ReplaceAllString(t, "")
	t = fenceBareRe.ReplaceAllString(t, "")
	t = fenceCloseRe.ReplaceAllString(t, "")
	return t
}

// ParsedDraft - проверенный ответ модели до наложения серверных полей.
type ParsedDraft struct {
	Title    string
	Text     string
	Choices  []models.Choice
	Progress *float64
}

// ParseDraft строго разбирает ответ модели. Идентификаторы из ответа не
// используются, но если присутствуют, должны иметь правильный тип.
func ParseDraft(raw string) (*ParsedDraft, error) {
	dec := json.NewDecoder(strings.NewReader(stripFences(raw)))
	dec.DisallowUnknownFields()

	var d rawDraft
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadUpstreamResponse, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrBadUpstreamResponse)
	}

	var errs []error
	if d.ChapterIndex != nil {
		ci := *d.ChapterIndex
		if ci != float64(int(ci)) || ci < 0 || ci > 99 {
			errs = append(errs, fmt.Errorf("chapterIndex %v invalid", ci))
		}
	}
	if d.Progress != nil && (*d.Progress < 0 || *d.Progress > 1) {
		errs = append(errs, fmt.Errorf("progress %v out of [0,1]", *d.Progress))
	}
	if d.Title == nil {
		errs = append(errs, errors.New("title missing"))
	}
	if d.Text == nil || strings.TrimSpace(*d.Text) == "" {
		errs = append(errs, errors.New("text missing"))
	}
	title := strings.TrimSpace(deref(d.Title))
	text := strings.TrimSpace(deref(d.Text))
	if utf8.RuneCountInString(title) > 140 {
		errs = append(errs, errors.New("title longer than 140"))
	}
	if utf8.RuneCountInString(text) > 12000 {
		errs = append(errs, errors.New("text longer than 12000"))
	}
	if len(d.Choices) > models.MaxChoices {
		errs = append(errs, fmt.Errorf("%d choices, max %d", len(d.Choices), models.MaxChoices))
	}

	choices := make([]models.Choice, 0, len(d.Choices))
	for i, c := range d.Choices {
		id := strings.TrimSpace(deref(c.ID))
		label := strings.TrimSpace(deref(c.Label))
		if id == "" || utf8.RuneCountInString(id) > 64 {
			errs = append(errs, fmt.Errorf("choices[%d].id invalid", i))
		}
		if label == "" || utf8.RuneCountInString(label) > 80 {
			errs = append(errs, fmt.Errorf("choices[%d].label invalid", i))
		}
		payload := c.Payload
		if payload == nil {
			payload = map[string]interface{}{}
		}
		choices = append(choices, models.Choice{ID: id, Label: label, Payload: payload})
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadUpstreamResponse, err)
	}

	draft := &ParsedDraft{
		Title:   title,
		Text:    text,
		Choices: choices,
	}
	if d.Progress != nil {
		p := *d.Progress
		draft.Progress = &p
	}
	return draft, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// marshalCompact - JSON без экранирования HTML символов.
func marshalCompact(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
