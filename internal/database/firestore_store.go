package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"kidstel-story-agent/internal/interfaces"
	"kidstel-story-agent/internal/models"
)

// Коллекции Firestore.
const (
	StoriesCollection  = "stories"
	ChaptersCollection = "chapters"
	UsageCollection    = "usage_daily"
	AuditCollection    = "story_audit"
)

// storyDoc - документ stories/{id}: мета и встроенный список глав.
type storyDoc struct {
	models.StoryMeta
	Chapters []models.StoryChapter `firestore:"chapters"`
}

// FirestoreStore хранит истории в Firestore:
// stories/{storyId}, stories/{storyId}/chapters/{index}, usage_daily/{uid}_{day}, story_audit/{auditId}.
type FirestoreStore struct {
	client *firestore.Client
	logger *zap.Logger
}

var _ interfaces.StoryStore = (*FirestoreStore)(nil)

func NewFirestoreStore(client *firestore.Client, logger *zap.Logger) *FirestoreStore {
	return &FirestoreStore{client: client, logger: logger.Named("FirestoreStore")}
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (s *FirestoreStore) storyRef(storyID string) *firestore.DocumentRef {
	return s.client.Collection(StoriesCollection).Doc(storyID)
}

func (s *FirestoreStore) chapterRef(storyID string, index int) *firestore.DocumentRef {
	return s.storyRef(storyID).Collection(ChaptersCollection).Doc(strconv.Itoa(index))
}

func (s *FirestoreStore) EnforceDailyLimit(ctx context.Context, uid string, limit int, dayKey string) error {
	ref := s.client.Collection(UsageCollection).Doc(usageKey(uid, dayKey))
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current int64
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if v, derr := snap.DataAt("count"); derr == nil {
				current = toInt64(v)
			}
		case isNotFound(err):
		default:
			return err
		}
		if current >= int64(limit) {
			return models.ErrDailyLimitExceeded
		}
		return tx.Set(ref, map[string]interface{}{
			"uid":   uid,
			"day":   dayKey,
			"count": current + 1,
		}, firestore.MergeAll)
	})
	if err != nil {
		if errors.Is(err, models.ErrDailyLimitExceeded) {
			return err
		}
		return fmt.Errorf("firestore daily limit %s: %w", dayKey, err)
	}
	return nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func (s *FirestoreStore) loadStory(get func(*firestore.DocumentRef) (*firestore.DocumentSnapshot, error), storyID string) (*storyDoc, error) {
	snap, err := get(s.storyRef(storyID))
	if err != nil {
		if isNotFound(err) {
			return nil, models.ErrStoryNotFound
		}
		return nil, err
	}
	if !snap.Exists() {
		return nil, models.ErrStoryNotFound
	}
	var doc storyDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode story %s: %w", storyID, err)
	}
	if doc.StoryID == "" {
		doc.StoryID = storyID
	}
	return &doc, nil
}

func (s *FirestoreStore) plainGet(ctx context.Context) func(*firestore.DocumentRef) (*firestore.DocumentSnapshot, error) {
	return func(ref *firestore.DocumentRef) (*firestore.DocumentSnapshot, error) { return ref.Get(ctx) }
}

func (s *FirestoreStore) GetStoryMeta(ctx context.Context, storyID string) (*models.StoryMeta, error) {
	doc, err := s.loadStory(s.plainGet(ctx), storyID)
	if err != nil {
		return nil, err
	}
	return &doc.StoryMeta, nil
}

func (s *FirestoreStore) GetStoryChapter(ctx context.Context, storyID string, chapterIndex int) (*models.StoryChapter, error) {
	snap, err := s.chapterRef(storyID, chapterIndex).Get(ctx)
	switch {
	case err == nil && snap.Exists():
		var ch models.StoryChapter
		if err := snap.DataTo(&ch); err != nil {
			return nil, fmt.Errorf("decode chapter %s/%d: %w", storyID, chapterIndex, err)
		}
		ch.ChapterIndex = chapterIndex
		ch.Choices = normalizeChoices(ch.Choices)
		return &ch, nil
	case err != nil && !isNotFound(err):
		s.logger.Warn("Chapter lookup failed, falling back to embedded chapters",
			zap.String("storyId", storyID), zap.Int("chapterIndex", chapterIndex), zap.Error(err))
	}

	doc, err := s.loadStory(s.plainGet(ctx), storyID)
	if err != nil {
		if errors.Is(err, models.ErrStoryNotFound) {
			return nil, models.ErrChapterNotFound
		}
		return nil, err
	}
	ch, ok := findEmbedded(doc.Chapters, chapterIndex)
	if !ok {
		return nil, models.ErrChapterNotFound
	}
	ch.Choices = normalizeChoices(ch.Choices)
	return &ch, nil
}

func (s *FirestoreStore) ListRecentChapters(ctx context.Context, storyID string, limit int) ([]models.StoryChapter, error) {
	limit = models.ClampRecentLimit(limit)
	docs, err := s.storyRef(storyID).Collection(ChaptersCollection).
		OrderBy("chapterIndex", firestore.Desc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err == nil && len(docs) > 0 {
		out := make([]models.StoryChapter, 0, len(docs))
		for _, d := range docs {
			var ch models.StoryChapter
			if err := d.DataTo(&ch); err != nil {
				return nil, fmt.Errorf("decode chapter %s/%s: %w", storyID, d.Ref.ID, err)
			}
			ch.Choices = normalizeChoices(ch.Choices)
			out = append(out, ch)
		}
		sortChapters(out)
		return out, nil
	}
	if err != nil {
		s.logger.Warn("Chapter query failed, falling back to embedded chapters",
			zap.String("storyId", storyID), zap.Error(err))
	}

	doc, err := s.loadStory(s.plainGet(ctx), storyID)
	if err != nil {
		if errors.Is(err, models.ErrStoryNotFound) {
			return []models.StoryChapter{}, nil
		}
		return nil, err
	}
	return recentFromEmbedded(doc.Chapters, limit), nil
}

func (s *FirestoreStore) WriteChapter(ctx context.Context, storyID, uid string, chapter models.StoryChapter) error {
	chapter.Choices = normalizeChoices(chapter.Choices)
	storyRef := s.storyRef(storyID)
	chRef := s.chapterRef(storyID, chapter.ChapterIndex)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := s.loadStory(tx.Get, storyID)
		if err != nil {
			return err
		}
		if doc.UID != uid {
			return models.ErrNotOwner
		}
		chSnap, err := tx.Get(chRef)
		if err != nil && !isNotFound(err) {
			return err
		}
		if err == nil && chSnap.Exists() {
			return models.ErrChapterExists
		}
		if _, exists := findEmbedded(doc.Chapters, chapter.ChapterIndex); exists {
			return models.ErrChapterExists
		}

		latest := chapter.ChapterIndex
		if doc.LatestChapterIndex != nil && *doc.LatestChapterIndex > latest {
			latest = *doc.LatestChapterIndex
		}
		if err := tx.Create(chRef, chapterFields(storyID, chapter)); err != nil {
			return err
		}
		return tx.Update(storyRef, []firestore.Update{
			{Path: "chapters", Value: append(doc.Chapters, chapter)},
			{Path: "latestChapterIndex", Value: latest},
			{Path: "updatedAt", Value: firestore.ServerTimestamp},
		})
	})
	return classifyWriteErr(err, "write chapter")
}

func (s *FirestoreStore) UpdateChapterIllustration(ctx context.Context, ill models.ChapterIllustration) error {
	storyRef := s.storyRef(ill.StoryID)
	chRef := s.chapterRef(ill.StoryID, ill.ChapterIndex)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := s.loadStory(tx.Get, ill.StoryID)
		if err != nil {
			if errors.Is(err, models.ErrStoryNotFound) {
				return models.ErrChapterNotFound
			}
			return err
		}
		chSnap, err := tx.Get(chRef)
		if err != nil && !isNotFound(err) {
			return err
		}
		chExists := err == nil && chSnap.Exists()
		embeddedUpdated := setEmbeddedIllustration(doc.Chapters, ill)
		if !chExists && !embeddedUpdated {
			return models.ErrChapterNotFound
		}

		imageFields := map[string]interface{}{
			"imageUrl":         ill.ImageURL,
			"imageStoragePath": ill.StoragePath,
			"imagePrompt":      ill.Prompt,
			"imageGeneratedAt": firestore.ServerTimestamp,
		}
		if !chExists {
			// Глава есть только во встроенном списке, переносим ее в подколлекцию.
			ch, _ := findEmbedded(doc.Chapters, ill.ChapterIndex)
			fields := chapterFields(ill.StoryID, ch)
			for k, v := range imageFields {
				fields[k] = v
			}
			if err := tx.Set(chRef, fields); err != nil {
				return err
			}
		} else if err := tx.Set(chRef, imageFields, firestore.MergeAll); err != nil {
			return err
		}
		if !embeddedUpdated {
			return nil
		}
		return tx.Update(storyRef, []firestore.Update{
			{Path: "chapters", Value: doc.Chapters},
			{Path: "updatedAt", Value: firestore.ServerTimestamp},
		})
	})
	return classifyWriteErr(err, "update illustration")
}

func (s *FirestoreStore) UpsertStorySession(ctx context.Context, session *models.StorySession) error {
	meta := session.Meta
	storyRef := s.storyRef(meta.StoryID)
	chapters := make([]models.StoryChapter, 0, len(session.Chapters))
	for _, ch := range session.Chapters {
		ch.Choices = normalizeChoices(ch.Choices)
		chapters = append(chapters, ch)
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(storyRef)
		if err != nil && !isNotFound(err) {
			return err
		}
		exists := err == nil && snap.Exists()

		fields := metaFields(meta)
		fields["chapters"] = chapters
		fields["latestChapterIndex"] = session.LatestIndex()
		fields["updatedAt"] = firestore.ServerTimestamp
		if !exists {
			fields["createdAt"] = firestore.ServerTimestamp
		}
		if err := tx.Set(storyRef, fields, firestore.MergeAll); err != nil {
			return err
		}
		for _, ch := range chapters {
			if err := tx.Set(s.chapterRef(meta.StoryID, ch.ChapterIndex), chapterFields(meta.StoryID, ch), firestore.MergeAll); err != nil {
				return err
			}
		}
		return nil
	})
	return classifyWriteErr(err, "upsert story")
}

func (s *FirestoreStore) WriteAudit(ctx context.Context, rec models.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = models.NewAuditID()
	}
	fields := map[string]interface{}{
		"id":          rec.ID,
		"requestId":   rec.RequestID,
		"uid":         rec.UID,
		"route":       rec.Route,
		"blocked":     rec.Blocked,
		"blockReason": nullable(rec.BlockReason),
		"storyId":     nullable(rec.StoryID),
		"createdAt":   firestore.ServerTimestamp,
	}
	if rec.InputText != "" {
		fields["inputText"] = rec.InputText
	}
	if rec.OutputTitle != "" {
		fields["outputTitle"] = rec.OutputTitle
	}
	_, err := s.client.Collection(AuditCollection).Doc(rec.ID).Create(ctx, fields)
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return fmt.Errorf("firestore audit %s: %w", rec.ID, err)
	}
	return nil
}

func classifyWriteErr(err error, op string) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{models.ErrStoryNotFound, models.ErrChapterNotFound, models.ErrChapterExists, models.ErrNotOwner} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if status.Code(err) == codes.AlreadyExists {
		return models.ErrChapterExists
	}
	return fmt.Errorf("firestore %s: %w", op, err)
}

// metaFields - непустые поля меты для merge-записи. StoryID и UID пишутся всегда.
func metaFields(meta models.StoryMeta) map[string]interface{} {
	fields := map[string]interface{}{
		"storyId": meta.StoryID,
		"uid":     meta.UID,
	}
	put := func(key, v string) {
		if v != "" {
			fields[key] = v
		}
	}
	put("title", meta.Title)
	put("lang", meta.Lang)
	put("ageGroup", meta.AgeGroup)
	put("storyLength", meta.StoryLength)
	put("hero", meta.Hero)
	put("location", meta.Location)
	put("style", meta.Style)
	put("idea", meta.Idea)
	put("policyVersion", meta.PolicyVersion)
	if meta.CreativityLevel != nil {
		fields["creativityLevel"] = *meta.CreativityLevel
	}
	return fields
}

func chapterFields(storyID string, ch models.StoryChapter) map[string]interface{} {
	return map[string]interface{}{
		"storyId":          storyID,
		"chapterIndex":     ch.ChapterIndex,
		"title":            ch.Title,
		"text":             ch.Text,
		"progress":         ch.Progress,
		"choices":          normalizeChoices(ch.Choices),
		"imageUrl":         nullable(ch.ImageURL),
		"imageStoragePath": nullable(ch.ImageStoragePath),
		"imagePrompt":      nullable(ch.ImagePrompt),
		"createdAt":        firestore.ServerTimestamp,
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
