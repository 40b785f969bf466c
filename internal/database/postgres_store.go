package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"kidstel-story-agent/internal/interfaces"
	"kidstel-story-agent/internal/models"
)

const (
	incrementUsageQuery = `
        INSERT INTO usage_daily (uid, day, count)
        VALUES ($1, $2, 1)
        ON CONFLICT (uid, day) DO UPDATE SET count = usage_daily.count + 1
        WHERE usage_daily.count < $3
        RETURNING count`

	storyColumns = `story_id, uid, title, lang, age_group, story_length, creativity_level,
        hero, location, style, idea, policy_version, latest_chapter_index, created_at, updated_at`
	getStoryMetaQuery = `SELECT ` + storyColumns + ` FROM stories WHERE story_id = $1`
	lockStoryQuery    = `SELECT uid, chapters, latest_chapter_index FROM stories WHERE story_id = $1 FOR UPDATE`
	getEmbeddedQuery  = `SELECT chapters FROM stories WHERE story_id = $1`

	chapterColumns = `chapter_index, title, text, progress, choices,
        image_url, image_storage_path, image_prompt, created_at`
	getChapterQuery     = `SELECT ` + chapterColumns + ` FROM story_chapters WHERE story_id = $1 AND chapter_index = $2`
	recentChaptersQuery = `SELECT ` + chapterColumns + ` FROM story_chapters WHERE story_id = $1
        ORDER BY chapter_index DESC LIMIT $2`

	insertChapterQuery = `
        INSERT INTO story_chapters (story_id, chapter_index, title, text, progress, choices,
            image_url, image_storage_path, image_prompt)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (story_id, chapter_index) DO NOTHING`
	upsertChapterQuery = `
        INSERT INTO story_chapters (story_id, chapter_index, title, text, progress, choices,
            image_url, image_storage_path, image_prompt)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (story_id, chapter_index) DO UPDATE SET
            title = EXCLUDED.title,
            text = EXCLUDED.text,
            progress = EXCLUDED.progress,
            choices = EXCLUDED.choices`
	appendChapterQuery = `
        UPDATE stories SET chapters = $2, latest_chapter_index = $3, updated_at = NOW()
        WHERE story_id = $1`
	updateIllustrationQuery = `
        UPDATE story_chapters SET image_url = $3, image_storage_path = $4, image_prompt = $5,
            image_generated_at = NOW()
        WHERE story_id = $1 AND chapter_index = $2`
	updateEmbeddedQuery = `UPDATE stories SET chapters = $2, updated_at = NOW() WHERE story_id = $1`

	upsertStoryQuery = `
        INSERT INTO stories (story_id, uid, title, lang, age_group, story_length, creativity_level,
            hero, location, style, idea, policy_version, latest_chapter_index, chapters)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        ON CONFLICT (story_id) DO UPDATE SET
            title = COALESCE(NULLIF(EXCLUDED.title, ''), stories.title),
            lang = COALESCE(NULLIF(EXCLUDED.lang, ''), stories.lang),
            age_group = COALESCE(NULLIF(EXCLUDED.age_group, ''), stories.age_group),
            story_length = COALESCE(NULLIF(EXCLUDED.story_length, ''), stories.story_length),
            creativity_level = COALESCE(EXCLUDED.creativity_level, stories.creativity_level),
            hero = COALESCE(NULLIF(EXCLUDED.hero, ''), stories.hero),
            location = COALESCE(NULLIF(EXCLUDED.location, ''), stories.location),
            style = COALESCE(NULLIF(EXCLUDED.style, ''), stories.style),
            idea = COALESCE(NULLIF(EXCLUDED.idea, ''), stories.idea),
            policy_version = COALESCE(NULLIF(EXCLUDED.policy_version, ''), stories.policy_version),
            latest_chapter_index = EXCLUDED.latest_chapter_index,
            chapters = EXCLUDED.chapters,
            updated_at = NOW()`

	insertAuditQuery = `
        INSERT INTO story_audit (audit_id, request_id, uid, route, blocked, block_reason, story_id,
            input_text, output_title)
        VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''))
        ON CONFLICT (audit_id) DO NOTHING`
)

type chapterRow struct {
	ChapterIndex     int             `db:"chapter_index"`
	Title            string          `db:"title"`
	Text             string          `db:"text"`
	Progress         float64         `db:"progress"`
	Choices          []models.Choice `db:"choices"`
	ImageURL         string          `db:"image_url"`
	ImageStoragePath string          `db:"image_storage_path"`
	ImagePrompt      string          `db:"image_prompt"`
	CreatedAt        time.Time       `db:"created_at"`
}

func (r chapterRow) toModel() models.StoryChapter {
	return models.StoryChapter{
		ChapterIndex:     r.ChapterIndex,
		Title:            r.Title,
		Text:             r.Text,
		Progress:         r.Progress,
		Choices:          normalizeChoices(r.Choices),
		ImageURL:         r.ImageURL,
		ImageStoragePath: r.ImageStoragePath,
		ImagePrompt:      r.ImagePrompt,
		CreatedAt:        r.CreatedAt,
	}
}

type storyRow struct {
	StoryID            string    `db:"story_id"`
	UID                string    `db:"uid"`
	Title              string    `db:"title"`
	Lang               string    `db:"lang"`
	AgeGroup           string    `db:"age_group"`
	StoryLength        string    `db:"story_length"`
	CreativityLevel    *float64  `db:"creativity_level"`
	Hero               string    `db:"hero"`
	Location           string    `db:"location"`
	Style              string    `db:"style"`
	Idea               string    `db:"idea"`
	PolicyVersion      string    `db:"policy_version"`
	LatestChapterIndex *int      `db:"latest_chapter_index"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// PostgresStore - хранилище историй в PostgreSQL (STORE_BACKEND=postgres).
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ interfaces.StoryStore = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger.Named("PostgresStore")}
}

func (s *PostgresStore) EnforceDailyLimit(ctx context.Context, uid string, limit int, dayKey string) error {
	if limit <= 0 {
		return models.ErrDailyLimitExceeded
	}
	var count int
	err := s.pool.QueryRow(ctx, incrementUsageQuery, uid, dayKey, limit).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrDailyLimitExceeded
		}
		return fmt.Errorf("postgres daily limit %s: %w", dayKey, err)
	}
	return nil
}

func (s *PostgresStore) GetStoryMeta(ctx context.Context, storyID string) (*models.StoryMeta, error) {
	var row storyRow
	if err := pgxscan.Get(ctx, s.pool, &row, getStoryMetaQuery, storyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrStoryNotFound
		}
		return nil, fmt.Errorf("postgres get story %s: %w", storyID, err)
	}
	return &models.StoryMeta{
		StoryID:            row.StoryID,
		UID:                row.UID,
		Title:              row.Title,
		Lang:               row.Lang,
		AgeGroup:           row.AgeGroup,
		StoryLength:        row.StoryLength,
		CreativityLevel:    row.CreativityLevel,
		Hero:               row.Hero,
		Location:           row.Location,
		Style:              row.Style,
		Idea:               row.Idea,
		PolicyVersion:      row.PolicyVersion,
		LatestChapterIndex: row.LatestChapterIndex,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}, nil
}

func (s *PostgresStore) embedded(ctx context.Context, q DBTX, storyID string) ([]models.StoryChapter, error) {
	var chapters []models.StoryChapter
	if err := q.QueryRow(ctx, getEmbeddedQuery, storyID).Scan(&chapters); err != nil {
		return nil, err
	}
	return chapters, nil
}

func (s *PostgresStore) GetStoryChapter(ctx context.Context, storyID string, chapterIndex int) (*models.StoryChapter, error) {
	var row chapterRow
	err := pgxscan.Get(ctx, s.pool, &row, getChapterQuery, storyID, chapterIndex)
	if err == nil {
		ch := row.toModel()
		return &ch, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres get chapter %s/%d: %w", storyID, chapterIndex, err)
	}

	chapters, err := s.embedded(ctx, s.pool, storyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrChapterNotFound
		}
		return nil, fmt.Errorf("postgres get embedded chapters %s: %w", storyID, err)
	}
	ch, ok := findEmbedded(chapters, chapterIndex)
	if !ok {
		return nil, models.ErrChapterNotFound
	}
	ch.Choices = normalizeChoices(ch.Choices)
	return &ch, nil
}

func (s *PostgresStore) ListRecentChapters(ctx context.Context, storyID string, limit int) ([]models.StoryChapter, error) {
	limit = models.ClampRecentLimit(limit)
	var rows []chapterRow
	if err := pgxscan.Select(ctx, s.pool, &rows, recentChaptersQuery, storyID, limit); err != nil {
		return nil, fmt.Errorf("postgres list chapters %s: %w", storyID, err)
	}
	if len(rows) > 0 {
		out := make([]models.StoryChapter, 0, len(rows))
		for _, r := range rows {
			out = append(out, r.toModel())
		}
		sortChapters(out)
		return out, nil
	}

	chapters, err := s.embedded(ctx, s.pool, storyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return []models.StoryChapter{}, nil
		}
		return nil, fmt.Errorf("postgres get embedded chapters %s: %w", storyID, err)
	}
	return recentFromEmbedded(chapters, limit), nil
}

func insertChapter(ctx context.Context, q DBTX, query, storyID string, ch models.StoryChapter) (int64, error) {
	choices, err := json.Marshal(normalizeChoices(ch.Choices))
	if err != nil {
		return 0, fmt.Errorf("marshal choices: %w", err)
	}
	tag, err := q.Exec(ctx, query, storyID, ch.ChapterIndex, ch.Title, ch.Text, ch.Progress, choices,
		ch.ImageURL, ch.ImageStoragePath, ch.ImagePrompt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) WriteChapter(ctx context.Context, storyID, uid string, chapter models.StoryChapter) error {
	chapter.Choices = normalizeChoices(chapter.Choices)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			owner    string
			chapters []models.StoryChapter
			latest   *int
		)
		if err := tx.QueryRow(ctx, lockStoryQuery, storyID).Scan(&owner, &chapters, &latest); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrStoryNotFound
			}
			return err
		}
		if owner != uid {
			return models.ErrNotOwner
		}
		if _, exists := findEmbedded(chapters, chapter.ChapterIndex); exists {
			return models.ErrChapterExists
		}
		affected, err := insertChapter(ctx, tx, insertChapterQuery, storyID, chapter)
		if err != nil {
			return err
		}
		if affected == 0 {
			return models.ErrChapterExists
		}

		next := chapter.ChapterIndex
		if latest != nil && *latest > next {
			next = *latest
		}
		embedded, err := json.Marshal(append(chapters, chapter))
		if err != nil {
			return fmt.Errorf("marshal chapters: %w", err)
		}
		_, err = tx.Exec(ctx, appendChapterQuery, storyID, embedded, next)
		return err
	})
	return classifyPgErr(err, "write chapter")
}

func (s *PostgresStore) UpdateChapterIllustration(ctx context.Context, ill models.ChapterIllustration) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			owner    string
			chapters []models.StoryChapter
			latest   *int
		)
		if err := tx.QueryRow(ctx, lockStoryQuery, ill.StoryID).Scan(&owner, &chapters, &latest); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.ErrChapterNotFound
			}
			return err
		}
		tag, err := tx.Exec(ctx, updateIllustrationQuery, ill.StoryID, ill.ChapterIndex, ill.ImageURL, ill.StoragePath, ill.Prompt)
		if err != nil {
			return err
		}
		embeddedUpdated := setEmbeddedIllustration(chapters, ill)
		if tag.RowsAffected() == 0 {
			if !embeddedUpdated {
				return models.ErrChapterNotFound
			}
			// Глава есть только во встроенном списке, переносим ее в таблицу.
			ch, _ := findEmbedded(chapters, ill.ChapterIndex)
			if _, err := insertChapter(ctx, tx, upsertChapterQuery, ill.StoryID, ch); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, updateIllustrationQuery, ill.StoryID, ill.ChapterIndex, ill.ImageURL, ill.StoragePath, ill.Prompt); err != nil {
				return err
			}
		}
		if !embeddedUpdated {
			return nil
		}
		embedded, err := json.Marshal(chapters)
		if err != nil {
			return fmt.Errorf("marshal chapters: %w", err)
		}
		_, err = tx.Exec(ctx, updateEmbeddedQuery, ill.StoryID, embedded)
		return err
	})
	return classifyPgErr(err, "update illustration")
}

func (s *PostgresStore) UpsertStorySession(ctx context.Context, session *models.StorySession) error {
	meta := session.Meta
	chapters := make([]models.StoryChapter, 0, len(session.Chapters))
	for _, ch := range session.Chapters {
		ch.Choices = normalizeChoices(ch.Choices)
		chapters = append(chapters, ch)
	}
	embedded, err := json.Marshal(chapters)
	if err != nil {
		return fmt.Errorf("marshal chapters: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertStoryQuery,
			meta.StoryID, meta.UID, meta.Title, meta.Lang, meta.AgeGroup, meta.StoryLength, meta.CreativityLevel,
			meta.Hero, meta.Location, meta.Style, meta.Idea, meta.PolicyVersion, session.LatestIndex(), embedded,
		); err != nil {
			return err
		}
		for _, ch := range chapters {
			if _, err := insertChapter(ctx, tx, upsertChapterQuery, meta.StoryID, ch); err != nil {
				return err
			}
		}
		return nil
	})
	return classifyPgErr(err, "upsert story")
}

// WriteAudit только добавляет записи. Повторная доставка того же ID игнорируется.
func (s *PostgresStore) WriteAudit(ctx context.Context, rec models.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = models.NewAuditID()
	}
	_, err := s.pool.Exec(ctx, insertAuditQuery, rec.ID, rec.RequestID, rec.UID, rec.Route, rec.Blocked,
		rec.BlockReason, rec.StoryID, rec.InputText, rec.OutputTitle)
	if err != nil {
		return fmt.Errorf("postgres audit %s: %w", rec.RequestID, err)
	}
	return nil
}

func classifyPgErr(err error, op string) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{models.ErrStoryNotFound, models.ErrChapterNotFound, models.ErrChapterExists, models.ErrNotOwner} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}
