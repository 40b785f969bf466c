package service

import (
	"context"
	"errors"
	"math"
	"net/http"

	"kidstel-story-agent/internal/ai"
	"kidstel-story-agent/internal/models"
	"kidstel-story-agent/internal/moderation"

	"go.uber.org/zap"
)

// Create - первая глава новой истории.
func (s *storyServiceImpl) Create(ctx context.Context, in *Inbound) (*Outcome, error) {
	a, err := s.admit(ctx, in, RouteCreate, true)
	if err != nil {
		return nil, err
	}
	req, err := DecodeCreate(in.Body)
	if err != nil {
		return nil, err
	}

	uid := a.identity.UID
	requestID := requestIDOr(req.RequestID)
	storyID := newStoryID()

	if err := s.enforceDailyLimit(ctx, a, RouteCreate, requestID, ""); err != nil {
		return nil, err
	}

	idea := req.StoryIdea()
	input := moderation.CombinedCreateInput(idea, req.Selection.Hero, req.Selection.Location, req.Selection.Style)
	rec := models.AuditRecord{RequestID: requestID, UID: uid, Route: RouteCreate, StoryID: storyID, InputText: input}
	if res := s.moderator.Moderate(input, a.policy.MaxInputChars); !res.Allowed {
		return s.blocked(RouteCreate, BlockModerationInput, res.Reason, rec,
			SafeStub(req.StoryLang, requestID, storyID, 0)), nil
	}

	draft, err := s.generator.GenerateCreate(ctx, ai.CreateParams{
		StoryInputs: ai.StoryInputs{
			UID:         uid,
			Lang:        req.StoryLang,
			AgeGroup:    req.AgeGroup,
			StoryLength: req.StoryLength,
			Hero:        req.Selection.Hero,
			Location:    req.Selection.Location,
			Style:       req.Selection.Style,
		},
		RequestID:    requestID,
		StoryID:      storyID,
		Idea:         idea,
		ImageEnabled: req.ImageEnabled,
		Knobs:        s.knobs(a.policy),
	})
	if err != nil {
		s.logger.Warn("Create generation failed", zap.String("requestId", requestID), zap.Error(err))
		return nil, s.generationError(RouteCreate, err)
	}
	draft.StoryID = storyID
	draft.ChapterIndex = 0
	rec.OutputTitle = draft.Title

	if res := s.moderator.Moderate(moderation.CombinedOutput(draft.Title, draft.Text), a.policy.MaxOutputChars); !res.Allowed {
		return s.blocked(RouteCreate, BlockModerationOutput, res.Reason, rec,
			SafeStub(req.StoryLang, requestID, storyID, 0)), nil
	}

	now := s.now().UTC()
	chapter := models.StoryChapter{
		ChapterIndex: 0,
		Title:        draft.Title,
		Text:         draft.Text,
		Progress:     draft.Progress,
		Choices:      capChoices(draft.Choices),
		CreatedAt:    now,
	}
	if !s.opts.StoreDisabled {
		latest := 0
		session := &models.StorySession{
			Meta: models.StoryMeta{
				StoryID:            storyID,
				UID:                uid,
				Title:              draft.Title,
				Lang:               req.StoryLang,
				AgeGroup:           req.AgeGroup,
				StoryLength:        req.StoryLength,
				CreativityLevel:    req.CreativityLevel,
				Hero:               req.Selection.Hero,
				Location:           req.Selection.Location,
				Style:              req.Selection.Style,
				Idea:               idea,
				PolicyVersion:      a.policy.Version,
				LatestChapterIndex: &latest,
				CreatedAt:          now,
				UpdatedAt:          now,
			},
			Chapters: []models.StoryChapter{chapter},
		}
		if err := s.store.UpsertStorySession(ctx, session); err != nil {
			s.logger.Error("Failed to persist new story", zap.String("requestId", requestID), zap.String("storyId", storyID), zap.Error(err))
			return nil, models.NewStoreUnavailable(err)
		}
	}

	s.emit(rec)
	s.logger.Info("Story created",
		zap.String("requestId", requestID),
		zap.String("storyId", storyID),
		zap.String("model", draft.Model),
	)
	return &Outcome{Body: &models.AgentResponse{
		RequestID:    requestID,
		StoryID:      storyID,
		ChapterIndex: 0,
		Progress:     chapter.Progress,
		Title:        chapter.Title,
		Text:         chapter.Text,
		Image:        &models.ImagePayload{Enabled: req.ImageEnabled && a.policy.EnableIllustrations},
		Choices:      chapter.Choices,
	}}, nil
}

// Continue - следующая глава. Индекс главы всегда равен последнему сохраненному + 1,
// что бы ни вернула модель.
func (s *storyServiceImpl) Continue(ctx context.Context, in *Inbound) (*Outcome, error) {
	a, err := s.admit(ctx, in, RouteContinue, true)
	if err != nil {
		return nil, err
	}
	req, err := DecodeContinue(in.Body)
	if err != nil {
		return nil, err
	}
	if s.opts.StoreDisabled {
		return nil, models.NewStoreUnavailable(errors.New("store disabled"))
	}

	uid := a.identity.UID
	requestID := requestIDOr(req.RequestID)

	meta, err := s.loadOwnedStory(ctx, req.StoryID, uid)
	if err != nil {
		return nil, err
	}
	recent, err := s.store.ListRecentChapters(ctx, req.StoryID, 1)
	if err != nil {
		s.logger.Error("Failed to load chapters", zap.String("storyId", req.StoryID), zap.Error(err))
		return nil, models.NewStoreUnavailable(err)
	}
	last := 0
	if meta.LatestChapterIndex != nil {
		last = *meta.LatestChapterIndex
	}
	var previousText string
	var previousProgress float64
	if len(recent) > 0 {
		prev := recent[len(recent)-1]
		// meta может опережать список глав после частичной записи
		last = max(last, prev.ChapterIndex)
		previousText = prev.Text
		previousProgress = prev.Progress
	}
	next := last + 1
	if req.ChapterIndex != nil && *req.ChapterIndex != next {
		s.logger.Debug("Client chapter index ignored",
			zap.String("storyId", req.StoryID), zap.Int("client", *req.ChapterIndex), zap.Int("next", next))
	}

	if err := s.enforceDailyLimit(ctx, a, RouteContinue, requestID, req.StoryID); err != nil {
		return nil, err
	}

	lang := firstNonEmpty(req.StoryLang, meta.Lang)
	hero := firstNonEmpty(req.Selection.Hero, meta.Hero)
	location := firstNonEmpty(req.Selection.Location, meta.Location)
	style := firstNonEmpty(req.Selection.Style, meta.Style)
	choice := req.Choice.AsMap()

	input := moderation.CombinedContinueInput(choice, hero, location, style)
	rec := models.AuditRecord{RequestID: requestID, UID: uid, Route: RouteContinue, StoryID: req.StoryID, InputText: input}
	if res := s.moderator.Moderate(input, a.policy.MaxInputChars); !res.Allowed {
		return s.blocked(RouteContinue, BlockModerationInput, res.Reason, rec,
			SafeStub(lang, requestID, req.StoryID, next)), nil
	}

	draft, err := s.generator.GenerateContinue(ctx, ai.ContinueParams{
		StoryInputs: ai.StoryInputs{
			UID:         uid,
			Lang:        lang,
			AgeGroup:    firstNonEmpty(req.AgeGroup, meta.AgeGroup),
			StoryLength: firstNonEmpty(req.StoryLength, meta.StoryLength),
			Hero:        hero,
			Location:    location,
			Style:       style,
		},
		RequestID:    requestID,
		StoryID:      req.StoryID,
		NextIndex:    next,
		PreviousText: previousText,
		Choice:       choice,
		Knobs:        s.knobs(a.policy),
	})
	if err != nil {
		s.logger.Warn("Continue generation failed", zap.String("requestId", requestID), zap.Error(err))
		return nil, s.generationError(RouteContinue, err)
	}
	draft.StoryID = req.StoryID
	draft.ChapterIndex = next
	rec.OutputTitle = draft.Title

	if res := s.moderator.Moderate(moderation.CombinedOutput(draft.Title, draft.Text), a.policy.MaxOutputChars); !res.Allowed {
		return s.blocked(RouteContinue, BlockModerationOutput, res.Reason, rec,
			SafeStub(lang, requestID, req.StoryID, next)), nil
	}

	chapter := models.StoryChapter{
		ChapterIndex: next,
		Title:        draft.Title,
		Text:         draft.Text,
		Progress:     math.Max(previousProgress, draft.Progress),
		Choices:      capChoices(draft.Choices),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.WriteChapter(ctx, req.StoryID, uid, chapter); err != nil {
		switch {
		case errors.Is(err, models.ErrChapterExists):
			return nil, models.NewAdmissionError(http.StatusConflict, models.ErrCodeChapterConflict, "Chapter already exists")
		case errors.Is(err, models.ErrNotOwner):
			return nil, models.NewAdmissionError(http.StatusForbidden, models.ErrCodeForbidden, "Forbidden")
		case errors.Is(err, models.ErrStoryNotFound):
			return nil, models.NewAdmissionError(http.StatusNotFound, models.ErrCodeStoryNotFound, "Story not found")
		}
		s.logger.Error("Failed to persist chapter", zap.String("requestId", requestID), zap.String("storyId", req.StoryID), zap.Error(err))
		return nil, models.NewStoreUnavailable(err)
	}

	s.emit(rec)
	s.logger.Info("Story continued",
		zap.String("requestId", requestID),
		zap.String("storyId", req.StoryID),
		zap.Int("chapterIndex", next),
		zap.String("model", draft.Model),
	)
	return &Outcome{Body: &models.AgentResponse{
		RequestID:    requestID,
		StoryID:      req.StoryID,
		ChapterIndex: next,
		Progress:     chapter.Progress,
		Title:        chapter.Title,
		Text:         chapter.Text,
		Image:        &models.ImagePayload{Enabled: req.ImageEnabled && a.policy.EnableIllustrations},
		Choices:      chapter.Choices,
	}}, nil
}
