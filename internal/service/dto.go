package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"unicode/utf8"

	"kidstel-story-agent/internal/models"
)

// Действия, которые понимает агент.
const (
	ActionGenerate   = "generate"
	ActionCreate     = "create"
	ActionContinue   = "continue"
	ActionIllustrate = "illustrate"
)

// Ограничения полей запроса (в символах).
const (
	maxRequestIDLen = 64
	maxStoryIDLen   = 128
	maxShortText    = 200
	maxMediumText   = 1200
	maxChoiceIDLen  = 64
	maxImageStyle   = 64
	maxChapterIndex = 99
	maxChoiceIndex  = 9
)

var (
	ageGroups    = []string{"3_5", "6_8", "9_12"}
	storyLangs   = []string{models.LangRU, models.LangEN, models.LangHY}
	storyLengths = []string{"short", "medium", "long"}
	imageSizes   = []string{"1080x1080", "1280x720"}
	aspectRatios = []string{"1:1", "16:9"}
)

// RequestMeta - служебные поля клиента. Неизвестные ключи игнорируются.
type RequestMeta struct {
	UserInitiated *bool `json:"userInitiated"`
}

type selectionWire struct {
	Hero     *string `json:"hero"`
	Location *string `json:"location"`
	Style    *string `json:"style"`
}

type choiceWire struct {
	ID          *string                `json:"id"`
	Label       *string                `json:"label"`
	ChoiceIndex *float64               `json:"choiceIndex"`
	Text        *string                `json:"text"`
	Payload     map[string]interface{} `json:"payload"`
}

type imageToggleWire struct {
	Enabled *bool `json:"enabled"`
}

type illustrateImageWire struct {
	Size        *string `json:"size"`
	AspectRatio *string `json:"aspectRatio"`
	Style       *string `json:"style"`
}

// storyWire - общий набор полей create и continue.
type storyWire struct {
	Action          *string         `json:"action"`
	RequestID       *string         `json:"requestId"`
	Meta            *RequestMeta    `json:"meta"`
	StoryID         *string         `json:"storyId"`
	AgeGroup        *string         `json:"ageGroup"`
	StoryLang       *string         `json:"storyLang"`
	StoryLength     *string         `json:"storyLength"`
	CreativityLevel *float64        `json:"creativityLevel"`
	Image           json.RawMessage `json:"image"`
	Selection       *selectionWire  `json:"selection"`
	Idea            *string         `json:"idea"`
	Prompt          *string         `json:"prompt"`
	ChapterIndex    *float64        `json:"chapterIndex"`
	Choice          *choiceWire     `json:"choice"`
}

type illustrateWire struct {
	Action       *string              `json:"action"`
	RequestID    *string              `json:"requestId"`
	Meta         *RequestMeta         `json:"meta"`
	StoryID      *string              `json:"storyId"`
	StoryLang    *string              `json:"storyLang"`
	AgeGroup     *string              `json:"ageGroup"`
	Image        *illustrateImageWire `json:"image"`
	ChapterIndex *float64             `json:"chapterIndex"`
	Prompt       *string              `json:"prompt"`
}

// Selection - авторские вводные истории.
type Selection struct {
	Hero     string
	Location string
	Style    string
}

// Empty - ни одно поле не заполнено.
func (s Selection) Empty() bool {
	return s.Hero == "" && s.Location == "" && s.Style == ""
}

// CreateRequest - провалидированный запрос на первую главу.
type CreateRequest struct {
	RequestID       string
	StoryID         string
	AgeGroup        string
	StoryLang       string
	StoryLength     string
	CreativityLevel *float64
	ImageEnabled    bool
	Selection       Selection
	Idea            string
	Prompt          string
}

// StoryIdea - idea, а при ее отсутствии prompt.
func (r *CreateRequest) StoryIdea() string {
	if r.Idea != "" {
		return r.Idea
	}
	return r.Prompt
}

// ChoiceRef - выбор пользователя для продолжения.
type ChoiceRef struct {
	ID          string
	Label       string
	Text        string
	ChoiceIndex *int
	Payload     map[string]interface{}
}

// Empty - выбор не ссылается ни на один вариант.
func (c ChoiceRef) Empty() bool {
	return c.ID == "" && c.Label == "" && c.Text == ""
}

// AsMap - представление выбора для промпта и модерации.
func (c ChoiceRef) AsMap() map[string]interface{} {
	m := map[string]interface{}{}
	if c.ID != "" {
		m["id"] = c.ID
	}
	if c.Label != "" {
		m["label"] = c.Label
	}
	if c.Text != "" {
		m["text"] = c.Text
	}
	if c.ChoiceIndex != nil {
		m["choiceIndex"] = *c.ChoiceIndex
	}
	if len(c.Payload) > 0 {
		m["payload"] = c.Payload
	}
	return m
}

// ContinueRequest - провалидированный запрос на следующую главу.
type ContinueRequest struct {
	RequestID       string
	StoryID         string
	ChapterIndex    *int
	Choice          ChoiceRef
	AgeGroup        string
	StoryLang       string
	StoryLength     string
	CreativityLevel *float64
	ImageEnabled    bool
	Selection       Selection
	Idea            string
}

// IllustrateRequest - провалидированный запрос на иллюстрацию главы.
type IllustrateRequest struct {
	RequestID     string
	StoryID       string
	StoryLang     string
	AgeGroup      string
	ChapterIndex  int
	Prompt        string
	Size          string
	AspectRatio   string
	Style         string
	UserInitiated bool
}

// validator копит ошибки формы запроса.
type validator struct {
	errs []string
}

func (v *validator) addf(format string, args ...interface{}) {
	v.errs = append(v.errs, fmt.Sprintf(format, args...))
}

func (v *validator) err() error {
	if len(v.errs) == 0 {
		return nil
	}
	e := models.NewAdmissionError(http.StatusBadRequest, models.ErrCodeInvalidRequest, "Invalid request")
	e.Detail = strings.Join(v.errs, "; ")
	return e
}

func (v *validator) text(name string, p *string, min, max int) string {
	if p == nil {
		return ""
	}
	s := strings.TrimSpace(*p)
	n := utf8.RuneCountInString(s)
	if n < min || n > max {
		v.addf("%s: length must be %d..%d", name, min, max)
	}
	return s
}

func (v *validator) enum(name string, p *string, allowed []string) string {
	if p == nil {
		return ""
	}
	s := strings.TrimSpace(*p)
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	v.addf("%s: must be one of %s", name, strings.Join(allowed, ", "))
	return ""
}

func (v *validator) integer(name string, p *float64, min, max int) *int {
	if p == nil {
		return nil
	}
	f := *p
	if f != math.Trunc(f) || f < float64(min) || f > float64(max) {
		v.addf("%s: must be an integer %d..%d", name, min, max)
		return nil
	}
	n := int(f)
	return &n
}

func (v *validator) unit(name string, p *float64) *float64 {
	if p == nil {
		return nil
	}
	if *p < 0 || *p > 1 || math.IsNaN(*p) {
		v.addf("%s: must be within 0..1", name)
		return nil
	}
	c := *p
	return &c
}

func (v *validator) action(p *string, allowed ...string) {
	if p == nil {
		return
	}
	a := strings.ToLower(strings.TrimSpace(*p))
	for _, ok := range allowed {
		if a == ok {
			return
		}
	}
	v.addf("action: must be %s", allowed[0])
}

// imageToggle разбирает закрытый объект {enabled}.
func (v *validator) imageToggle(raw json.RawMessage) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var img imageToggleWire
	if err := dec.Decode(&img); err != nil {
		v.addf("image: %s", describeDecodeError(err))
		return false
	}
	return img.Enabled != nil && *img.Enabled
}

func (v *validator) selection(s *selectionWire) Selection {
	if s == nil {
		return Selection{}
	}
	return Selection{
		Hero:     v.text("selection.hero", s.Hero, 0, maxShortText),
		Location: v.text("selection.location", s.Location, 0, maxShortText),
		Style:    v.text("selection.style", s.Style, 0, maxShortText),
	}
}

func (v *validator) choice(c *choiceWire) ChoiceRef {
	if c == nil {
		return ChoiceRef{}
	}
	return ChoiceRef{
		ID:          v.text("choice.id", c.ID, 0, maxChoiceIDLen),
		Label:       v.text("choice.label", c.Label, 0, maxShortText),
		Text:        v.text("choice.text", c.Text, 0, maxShortText),
		ChoiceIndex: v.integer("choice.choiceIndex", c.ChoiceIndex, 0, maxChoiceIndex),
		Payload:     c.Payload,
	}
}

// decodeObject разбирает тело как JSON объект. Пустое тело считается {}.
func decodeObject(body []byte, dst interface{}) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}
	if trimmed[0] != '{' {
		e := models.NewAdmissionError(http.StatusBadRequest, models.ErrCodeInvalidRequest, "Invalid request")
		e.Detail = "body must be a JSON object"
		return e
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		e := models.NewAdmissionError(http.StatusBadRequest, models.ErrCodeInvalidRequest, "Invalid request")
		e.Detail = describeDecodeError(err)
		return e
	}
	return nil
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("%s: expected %s", typeErr.Field, typeErr.Type.String())
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return "malformed JSON"
	}
	return models.SanitizeExcerpt(err)
}

func inputRequired(msg string) error {
	return models.NewAdmissionError(http.StatusUnprocessableEntity, models.ErrCodeInputRequired, msg)
}

// DecodeCreate проверяет форму запроса create. Ошибки типов и диапазонов дают 400,
// отсутствие вводных - 422.
func DecodeCreate(body []byte) (*CreateRequest, error) {
	var w storyWire
	if err := decodeObject(body, &w); err != nil {
		return nil, err
	}
	v := &validator{}
	v.action(w.Action, ActionGenerate, ActionCreate)
	req := &CreateRequest{
		RequestID:       v.text("requestId", w.RequestID, 0, maxRequestIDLen),
		StoryID:         v.text("storyId", w.StoryID, 1, maxStoryIDLen),
		AgeGroup:        v.enum("ageGroup", w.AgeGroup, ageGroups),
		StoryLang:       v.enum("storyLang", w.StoryLang, storyLangs),
		StoryLength:     v.enum("storyLength", w.StoryLength, storyLengths),
		CreativityLevel: v.unit("creativityLevel", w.CreativityLevel),
		ImageEnabled:    v.imageToggle(w.Image),
		Selection:       v.selection(w.Selection),
		Idea:            v.text("idea", w.Idea, 0, maxMediumText),
		Prompt:          v.text("prompt", w.Prompt, 0, maxMediumText),
	}
	if w.StoryLang == nil {
		v.addf("storyLang: required")
	}
	if err := v.err(); err != nil {
		return nil, err
	}
	if req.Idea == "" && req.Prompt == "" && req.StoryID == "" && req.Selection.Empty() {
		return nil, inputRequired("Provide an idea, a prompt or a selection")
	}
	return req, nil
}

// DecodeContinue проверяет форму запроса continue.
func DecodeContinue(body []byte) (*ContinueRequest, error) {
	var w storyWire
	if err := decodeObject(body, &w); err != nil {
		return nil, err
	}
	v := &validator{}
	v.action(w.Action, ActionContinue)
	req := &ContinueRequest{
		RequestID:       v.text("requestId", w.RequestID, 0, maxRequestIDLen),
		StoryID:         v.text("storyId", w.StoryID, 1, maxStoryIDLen),
		ChapterIndex:    v.integer("chapterIndex", w.ChapterIndex, 0, maxChapterIndex),
		Choice:          v.choice(w.Choice),
		AgeGroup:        v.enum("ageGroup", w.AgeGroup, ageGroups),
		StoryLang:       v.enum("storyLang", w.StoryLang, storyLangs),
		StoryLength:     v.enum("storyLength", w.StoryLength, storyLengths),
		CreativityLevel: v.unit("creativityLevel", w.CreativityLevel),
		ImageEnabled:    v.imageToggle(w.Image),
		Selection:       v.selection(w.Selection),
		Idea:            v.text("idea", w.Idea, 0, maxMediumText),
	}
	if err := v.err(); err != nil {
		return nil, err
	}
	if req.StoryID == "" {
		return nil, inputRequired("storyId is required")
	}
	if req.Choice.Empty() {
		return nil, inputRequired("choice is required")
	}
	return req, nil
}

// DecodeIllustrate проверяет форму запроса illustrate.
func DecodeIllustrate(body []byte) (*IllustrateRequest, error) {
	var w illustrateWire
	if err := decodeObject(body, &w); err != nil {
		return nil, err
	}
	v := &validator{}
	v.action(w.Action, ActionIllustrate)
	req := &IllustrateRequest{
		RequestID: v.text("requestId", w.RequestID, 0, maxRequestIDLen),
		StoryID:   v.text("storyId", w.StoryID, 1, maxStoryIDLen),
		StoryLang: v.enum("storyLang", w.StoryLang, storyLangs),
		AgeGroup:  v.enum("ageGroup", w.AgeGroup, ageGroups),
		Prompt:    v.text("prompt", w.Prompt, 0, maxMediumText),
	}
	idx := v.integer("chapterIndex", w.ChapterIndex, 0, maxChapterIndex)
	if w.Image != nil {
		req.Size = v.enum("image.size", w.Image.Size, imageSizes)
		req.AspectRatio = v.enum("image.aspectRatio", w.Image.AspectRatio, aspectRatios)
		req.Style = v.text("image.style", w.Image.Style, 0, maxImageStyle)
	}
	if w.Meta != nil && w.Meta.UserInitiated != nil {
		req.UserInitiated = *w.Meta.UserInitiated
	}
	if err := v.err(); err != nil {
		return nil, err
	}
	switch {
	case req.StoryID == "":
		return nil, inputRequired("storyId is required")
	case w.ChapterIndex == nil:
		return nil, inputRequired("chapterIndex is required")
	case req.Prompt == "":
		return nil, inputRequired("prompt is required")
	}
	req.ChapterIndex = *idx
	return req, nil
}

// NormalizeLegacy приводит тело старого клиента к текущей форме: lang/language
// становятся storyLang, text становится prompt. Если action не задан, он
// выводится из формы тела. Возвращает новое тело и действие.
func NormalizeLegacy(body []byte) ([]byte, string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		e := models.NewAdmissionError(http.StatusBadRequest, models.ErrCodeInvalidRequest, "Invalid request")
		e.Detail = "body must be a JSON object"
		return nil, "", e
	}

	if _, ok := doc["storyLang"]; !ok {
		for _, alias := range []string{"lang", "language"} {
			if s, ok := doc[alias].(string); ok && strings.TrimSpace(s) != "" {
				doc["storyLang"] = strings.ToLower(strings.TrimSpace(s))
				break
			}
		}
	}
	delete(doc, "lang")
	delete(doc, "language")
	if _, ok := doc["prompt"]; !ok {
		if s, ok := doc["text"].(string); ok {
			doc["prompt"] = s
		}
	}
	delete(doc, "text")

	action := ""
	if s, ok := doc["action"].(string); ok {
		action = strings.ToLower(strings.TrimSpace(s))
	}
	if action == "" {
		action = inferAction(doc)
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("marshal legacy body: %w", err)
	}
	return out, action, nil
}

func inferAction(doc map[string]interface{}) string {
	_, hasChoice := doc["choice"]
	_, hasStory := doc["storyId"]
	_, hasIndex := doc["chapterIndex"]
	_, hasPrompt := doc["prompt"]
	switch {
	case hasChoice:
		return ActionContinue
	case hasStory && hasIndex && hasPrompt:
		return ActionIllustrate
	default:
		return ActionGenerate
	}
}
