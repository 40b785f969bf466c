package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"kidstel-story-agent/internal/models"
	"kidstel-story-agent/internal/moderation"
	"kidstel-story-agent/internal/policy"

	"go.uber.org/zap"
)

// Knobs - параметры генерации из политики.
type Knobs struct {
	PreferredModel string
	Allowlist      []string
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
}

// StoryInputs - общие для create и continue поля запроса.
type StoryInputs struct {
	UID         string
	Lang        string
	AgeGroup    string
	StoryLength string
	Hero        string
	Location    string
	Style       string
}

type CreateParams struct {
	StoryInputs
	RequestID    string
	StoryID      string
	Idea         string
	ImageEnabled bool
	Knobs        Knobs
}

type ContinueParams struct {
	StoryInputs
	RequestID    string
	StoryID      string
	NextIndex    int
	PreviousText string
	Choice       map[string]interface{}
	Knobs        Knobs
}

// StoryGenerator строит промпт, вызывает модель с перебором кандидатов
// и накладывает серверные поля на результат.
type StoryGenerator struct {
	engine TextEngine
	logger *zap.Logger
}

func NewStoryGenerator(engine TextEngine, logger *zap.Logger) *StoryGenerator {
	return &StoryGenerator{engine: engine, logger: logger.Named("generator")}
}

// ModelCandidates: preferred, затем allowlist, затем policy.DefaultModel, без повторов.
func ModelCandidates(preferred string, allowlist []string) []string {
	all := make([]string, 0, len(allowlist)+2)
	if preferred != "" {
		all = append(all, preferred)
	}
	all = append(all, allowlist...)
	all = append(all, policy.DefaultModel)
	return policy.NormalizeAllowlist(all)
}

var draftSchema = map[string]interface{}{
	"requestId":    "string",
	"storyId":      "string",
	"chapterIndex": "number",
	"progress":     "number (0..1)",
	"title":        "string",
	"text":         "string",
	"image":        map[string]interface{}{"enabled": "boolean", "url": "string|null"},
	"choices": []interface{}{
		map[string]interface{}{"id": "string", "label": "string", "payload": map[string]interface{}{"any": "json"}},
	},
}

type promptConstraints struct {
	MaxChoices  int    `json:"maxChoices"`
	Language    string `json:"language"`
	AgeGroup    string `json:"ageGroup"`
	StoryLength string `json:"storyLength"`
}

type promptSelection struct {
	Hero      string `json:"hero"`
	Location  string `json:"location"`
	StoryType string `json:"storyType"`
}

type promptPrevious struct {
	StoryID         string `json:"storyId"`
	LastChapterText string `json:"lastChapterText"`
}

type promptMetadata struct {
	UID string `json:"uid"`
}

type userPrompt struct {
	Task         string                 `json:"task"`
	Constraints  promptConstraints      `json:"constraints"`
	Selection    promptSelection        `json:"selection"`
	Idea         *string                `json:"idea,omitempty"`
	Previous     *promptPrevious        `json:"previous,omitempty"`
	UserChoice   map[string]interface{} `json:"userChoice,omitempty"`
	OutputSchema map[string]interface{} `json:"outputSchema"`
	OutputRules  []string               `json:"outputRules"`
	Metadata     promptMetadata         `json:"metadata"`
}

func constraintsFor(in StoryInputs) promptConstraints {
	return promptConstraints{
		MaxChoices:  models.MaxChoices,
		Language:    orDefault(in.Lang, "en"),
		AgeGroup:    orDefault(in.AgeGroup, "3_5"),
		StoryLength: orDefault(in.StoryLength, "medium"),
	}
}

func selectionFor(in StoryInputs) promptSelection {
	return promptSelection{Hero: in.Hero, Location: in.Location, StoryType: in.Style}
}

// BuildCreatePrompt - пользовательская часть промпта для новой истории.
func BuildCreatePrompt(p CreateParams) (string, error) {
	idea := p.Idea
	return marshalCompact(userPrompt{
		Task:         "Create a new kid-safe story chapter (chapterIndex=0) with 3 short choices for continuation.",
		Constraints:  constraintsFor(p.StoryInputs),
		Selection:    selectionFor(p.StoryInputs),
		Idea:         &idea,
		OutputSchema: draftSchema,
		OutputRules: []string{
			"Return ONLY JSON. No markdown.",
			"Keep the story gentle, positive, and appropriate for children.",
			"No scary or violent elements.",
			"Choices must be safe and kid-friendly.",
		},
		Metadata: promptMetadata{UID: p.UID},
	})
}

// BuildContinuePrompt - пользовательская часть промпта для следующей главы.
func BuildContinuePrompt(p ContinueParams) (string, error) {
	choice := p.Choice
	if choice == nil {
		choice = map[string]interface{}{}
	}
	return marshalCompact(userPrompt{
		Task:         fmt.Sprintf("Continue the existing story with the next chapter (chapterIndex=%d).", p.NextIndex),
		Constraints:  constraintsFor(p.StoryInputs),
		Selection:    selectionFor(p.StoryInputs),
		Previous:     &promptPrevious{StoryID: p.StoryID, LastChapterText: p.PreviousText},
		UserChoice:   choice,
		OutputSchema: draftSchema,
		OutputRules: []string{
			"Return ONLY JSON. No markdown.",
			"Keep it kid-safe and reassuring.",
		},
		Metadata: promptMetadata{UID: p.UID},
	})
}

// GenerateCreate - первая глава. chapterIndex всегда 0, progress по умолчанию 0.2.
func (g *StoryGenerator) GenerateCreate(ctx context.Context, p CreateParams) (*models.ChapterDraft, error) {
	user, err := BuildCreatePrompt(p)
	if err != nil {
		return nil, fmt.Errorf("build create prompt: %w", err)
	}
	parsed, model, err := g.run(ctx, TaskCreate, 0, user, p.Knobs)
	if err != nil {
		return nil, err
	}
	choices := parsed.Choices
	if len(choices) > models.MaxChoices {
		choices = choices[:models.MaxChoices]
	}
	return &models.ChapterDraft{
		RequestID:    p.RequestID,
		StoryID:      p.StoryID,
		ChapterIndex: 0,
		Progress:     clampProgress(parsed.Progress, 0.2),
		Title:        parsed.Title,
		Text:         parsed.Text,
		Choices:      choices,
		Model:        model,
	}, nil
}

// GenerateContinue - следующая глава. Индекс и storyId берутся из параметров,
// а не из ответа модели.
func (g *StoryGenerator) GenerateContinue(ctx context.Context, p ContinueParams) (*models.ChapterDraft, error) {
	user, err := BuildContinuePrompt(p)
	if err != nil {
		return nil, fmt.Errorf("build continue prompt: %w", err)
	}
	parsed, model, err := g.run(ctx, TaskContinue, p.NextIndex, user, p.Knobs)
	if err != nil {
		return nil, err
	}
	return &models.ChapterDraft{
		RequestID:    p.RequestID,
		StoryID:      p.StoryID,
		ChapterIndex: p.NextIndex,
		Progress:     clampProgress(parsed.Progress, math.Min(1, float64(p.NextIndex)*0.25)),
		Title:        parsed.Title,
		Text:         parsed.Text,
		Choices:      parsed.Choices,
		Model:        model,
	}, nil
}

func (g *StoryGenerator) run(ctx context.Context, task Task, chapterIndex int, user string, k Knobs) (*ParsedDraft, string, error) {
	if k.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.Timeout)
		defer cancel()
	}

	candidates := ModelCandidates(k.PreferredModel, k.Allowlist)
	var lastErr error
	for i, model := range candidates {
		raw, err := g.engine.Complete(ctx, CompletionRequest{
			Task:         task,
			Model:        model,
			System:       moderation.KidsPolicySystem,
			User:         user,
			Temperature:  k.Temperature,
			MaxTokens:    k.MaxTokens,
			ChapterIndex: chapterIndex,
		})
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrUpstreamTimeout) {
				err = fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
			}
			if ue, ok := AsUpstreamError(err); ok && ue.ModelNotFound() && i < len(candidates)-1 {
				modelFallbacksTotal.WithLabelValues(model).Inc()
				g.logger.Warn("Model not found, trying next candidate",
					zap.String("model", model), zap.String("next", candidates[i+1]))
				lastErr = err
				continue
			}
			return nil, model, err
		}

		parsed, err := ParseDraft(raw)
		if err != nil {
			g.logger.Warn("Model output rejected", zap.String("model", model), zap.String("task", string(task)), zap.Error(err))
			return nil, model, err
		}
		if i > 0 {
			g.logger.Info("Generated with fallback model", zap.String("model", model), zap.String("task", string(task)))
		}
		return parsed, model, nil
	}
	return nil, "", lastErr
}

func clampProgress(p *float64, def float64) float64 {
	v := def
	if p != nil {
		v = *p
	}
	return math.Max(0, math.Min(1, v))
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
