package service

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"kidstel-story-agent/internal/ai"
	"kidstel-story-agent/internal/models"
	"kidstel-story-agent/internal/storage"

	"go.uber.org/zap"
)

// IllustrationsDisabledReason - текст причины в ответе при выключенных иллюстрациях.
const IllustrationsDisabledReason = "Illustrations are disabled by policy"

// Коды деградации картинки.
const (
	imageReasonTimeout = "VERTEX_IMAGE_TIMEOUT"
	imageReasonError   = "VERTEX_IMAGE_ERROR"
)

// Illustrate - иллюстрация к существующей главе. Сбой генерации или загрузки
// картинки не превращается в ошибку: текст главы уже есть и возвращается с заглушкой.
func (s *storyServiceImpl) Illustrate(ctx context.Context, in *Inbound) (*Outcome, error) {
	a, err := s.admit(ctx, in, RouteIllustrate, false)
	if err != nil {
		return nil, err
	}
	req, err := DecodeIllustrate(in.Body)
	if err != nil {
		return nil, err
	}

	uid := a.identity.UID
	requestID := requestIDOr(req.RequestID)
	rec := models.AuditRecord{RequestID: requestID, UID: uid, Route: RouteIllustrate, StoryID: req.StoryID, InputText: req.Prompt}

	if s.opts.RequireIllustrateUserInitiated && !req.UserInitiated {
		rec.Blocked = true
		rec.BlockReason = AuditUserInitiatedRequired
		s.emit(rec)
		blocksTotal.WithLabelValues(RouteIllustrate, AuditUserInitiatedRequired).Inc()
		return nil, models.NewAdmissionError(http.StatusForbidden, models.ErrCodeUserInitiatedRequired, "Illustration must be requested by the user")
	}

	if !a.policy.EnableIllustrations {
		rec.Blocked = true
		rec.BlockReason = AuditIllustrationsDisabled
		s.emit(rec)
		blocksTotal.WithLabelValues(RouteIllustrate, AuditIllustrationsDisabled).Inc()
		return &Outcome{Body: &IllustrationDisabledResponse{
			Disabled: true,
			Reason:   IllustrationsDisabledReason,
			Image:    IllustrationFallback{Base64: ai.TransparentPNGDataURL},
		}}, nil
	}

	var meta *models.StoryMeta
	var chapter *models.StoryChapter
	if !s.opts.StoreDisabled {
		meta, err = s.loadOwnedStory(ctx, req.StoryID, uid)
		if err != nil {
			return nil, err
		}
		chapter, err = s.store.GetStoryChapter(ctx, req.StoryID, req.ChapterIndex)
		if err != nil {
			if errors.Is(err, models.ErrChapterNotFound) {
				return nil, models.NewAdmissionError(http.StatusNotFound, models.ErrCodeChapterNotFound, "Chapter not found")
			}
			return nil, models.NewStoreUnavailable(err)
		}
	}

	if err := s.enforceDailyLimit(ctx, a, RouteIllustrate, requestID, req.StoryID); err != nil {
		return nil, err
	}

	lang := req.StoryLang
	ageGroup := req.AgeGroup
	if meta != nil {
		lang = firstNonEmpty(lang, meta.Lang)
		ageGroup = firstNonEmpty(ageGroup, meta.AgeGroup)
	}

	if res := s.moderator.Moderate(req.Prompt, a.policy.MaxInputChars); !res.Allowed {
		return s.blocked(RouteIllustrate, BlockModerationInput, res.Reason, rec,
			SafeStub(lang, requestID, req.StoryID, req.ChapterIndex)), nil
	}

	resp := chapterEnvelope(requestID, req.StoryID, req.ChapterIndex, chapter)

	prompt := ai.BuildImageSystemPrompt(models.NormalizeLang(lang), ageGroup, req.Size, req.Style)
	aspect := firstNonEmpty(req.AspectRatio, prompt.AspectRatio)
	image, err := s.generateImage(ctx, a, ai.ImageRequest{
		Prompt:      prompt.FullPrompt(req.Prompt),
		AspectRatio: aspect,
		SampleCount: 1,
	})
	if err != nil {
		reason := imageFailureReason(err)
		illustrationsTotal.WithLabelValues(reason).Inc()
		s.logger.Warn("Illustration generation failed",
			zap.String("requestId", requestID),
			zap.String("storyId", req.StoryID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		resp.Image = &models.ImagePayload{
			Enabled:  false,
			Disabled: true,
			Reason:   reason,
			Base64:   ai.TransparentPNGDataURL,
			MimeType: "image/png",
		}
		s.emit(rec)
		return &Outcome{Body: resp}, nil
	}

	dataURL := "data:" + image.MimeType + ";base64," + base64.StdEncoding.EncodeToString(image.Bytes)
	path := storage.ObjectPath(uid, req.StoryID, req.ChapterIndex, requestID, image.MimeType)

	url, err := s.upload(ctx, path, image)
	if err != nil {
		illustrationsTotal.WithLabelValues("inline").Inc()
		s.logger.Warn("Illustration upload failed, returning inline image",
			zap.String("requestId", requestID), zap.String("storyId", req.StoryID), zap.Error(err))
		resp.Image = &models.ImagePayload{
			Enabled:  true,
			URL:      &dataURL,
			Base64:   dataURL,
			MimeType: image.MimeType,
			Prompt:   req.Prompt,
		}
		s.emit(rec)
		return &Outcome{Body: resp}, nil
	}

	if !s.opts.StoreDisabled {
		err := s.store.UpdateChapterIllustration(ctx, models.ChapterIllustration{
			StoryID:      req.StoryID,
			ChapterIndex: req.ChapterIndex,
			ImageURL:     url,
			StoragePath:  path,
			Prompt:       req.Prompt,
		})
		if err != nil {
			s.logger.Error("Failed to attach illustration", zap.String("requestId", requestID), zap.String("storyId", req.StoryID), zap.Error(err))
			if errors.Is(err, models.ErrChapterNotFound) {
				return nil, models.NewAdmissionError(http.StatusNotFound, models.ErrCodeChapterNotFound, "Chapter not found")
			}
			return nil, models.NewStoreUnavailable(err)
		}
	}

	illustrationsTotal.WithLabelValues("ok").Inc()
	s.emit(rec)
	resp.Image = &models.ImagePayload{
		Enabled:     true,
		URL:         &url,
		MimeType:    image.MimeType,
		Prompt:      req.Prompt,
		StoragePath: path,
	}
	return &Outcome{Body: resp}, nil
}

func (s *storyServiceImpl) generateImage(ctx context.Context, a *admission, req ai.ImageRequest) (*ai.ImageResult, error) {
	if s.images == nil {
		return nil, errors.New("image engine not configured")
	}
	if ms := a.policy.RequestTimeoutMs; ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}
	res, err := s.images.GenerateImage(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Bytes) == 0 {
		return nil, ai.ErrImageZeroBytes
	}
	res.MimeType = storage.NormalizeImageMIME(res.MimeType)
	return res, nil
}

func (s *storyServiceImpl) upload(ctx context.Context, path string, image *ai.ImageResult) (string, error) {
	if s.uploader == nil {
		return "", errors.New("uploader not configured")
	}
	return s.uploader.Upload(ctx, path, image.Bytes, image.MimeType)
}

// imageFailureReason - машиночитаемая причина деградации картинки.
func imageFailureReason(err error) string {
	for _, sentinel := range []error{ai.ErrImageEmpty, ai.ErrImageBadResponse, ai.ErrImageZeroBytes} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	if errors.Is(err, ai.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return imageReasonTimeout
	}
	if ue, ok := ai.AsUpstreamError(err); ok {
		return ue.Reason()
	}
	return imageReasonError
}

func chapterEnvelope(requestID, storyID string, chapterIndex int, ch *models.StoryChapter) *models.AgentResponse {
	resp := &models.AgentResponse{
		RequestID:    requestID,
		StoryID:      storyID,
		ChapterIndex: chapterIndex,
		Choices:      []models.Choice{},
	}
	if ch != nil {
		resp.Progress = ch.Progress
		resp.Title = ch.Title
		resp.Text = ch.Text
		resp.Choices = capChoices(ch.Choices)
	}
	return resp
}
