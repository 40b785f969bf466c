package database

import (
	"context"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"kidstel-story-agent/internal/models"
)

type PostgresStoreSuite struct {
	suite.Suite
	ctx         context.Context
	pgContainer *postgres.PostgresContainer
	pool        *pgxpool.Pool
	store       *PostgresStore
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	var err error
	s.pgContainer, err = postgres.Run(s.ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("kidstel_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	s.Require().NoError(err, "Failed to start postgres container")

	dsn, err := s.pgContainer.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)
	state, err := MigrateStorySchema(dsn)
	s.Require().NoError(err, "Failed to apply migrations")
	s.Equal(SchemaState{Version: 2, Changed: true}, state)
	// повторный прогон миграций - no-op
	state, err = MigrateStorySchema(dsn)
	s.Require().NoError(err)
	s.Equal(SchemaState{Version: 2, Changed: false}, state)

	s.pool, err = NewPool(s.ctx, PoolConfig{DSN: dsn, MaxConns: 20})
	s.Require().NoError(err)
	s.store = NewPostgresStore(s.pool, zap.NewNop())
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.pgContainer != nil {
		_ = s.pgContainer.Terminate(s.ctx)
	}
}

func (s *PostgresStoreSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, `TRUNCATE story_audit, usage_daily, story_chapters, stories`)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TestContract() {
	for _, tc := range storeCases {
		s.SetupTest()
		s.Run(tc.name, func() {
			tc.run(s.T(), s.store)
		})
	}
}

func (s *PostgresStoreSuite) TestEmbeddedFallback() {
	// Старые записи: главы только в stories.chapters, таблица глав пуста.
	_, err := s.pool.Exec(s.ctx, `
        INSERT INTO stories (story_id, uid, title, latest_chapter_index, chapters)
        VALUES ('story_legacy', 'owner', 'Old', 1,
            '[{"chapterIndex":1,"title":"B","text":"second","progress":0.5,"choices":[]},
              {"chapterIndex":0,"title":"A","text":"first","progress":0.2,"choices":[]}]')`)
	s.Require().NoError(err)

	recent, err := s.store.ListRecentChapters(s.ctx, "story_legacy", 4)
	s.Require().NoError(err)
	s.Require().Len(recent, 2)
	s.Equal(0, recent[0].ChapterIndex)
	s.Equal("second", recent[1].Text)

	ch, err := s.store.GetStoryChapter(s.ctx, "story_legacy", 0)
	s.Require().NoError(err)
	s.Equal("first", ch.Text)

	err = s.store.UpdateChapterIllustration(s.ctx, models.ChapterIllustration{
		StoryID: "story_legacy", ChapterIndex: 0, ImageURL: "https://img", StoragePath: "p", Prompt: "q",
	})
	s.Require().NoError(err)
	ch, err = s.store.GetStoryChapter(s.ctx, "story_legacy", 0)
	s.Require().NoError(err)
	s.Equal("https://img", ch.ImageURL)
	s.Equal("first", ch.Text)
}

func (s *PostgresStoreSuite) TestAuditAppendOnly() {
	first := models.AuditRecord{ID: "aud_1", RequestID: "req_1", UID: "u1", Route: "/", Blocked: true, BlockReason: "moderation_input:violence"}
	s.Require().NoError(s.store.WriteAudit(s.ctx, first))
	// повторная доставка той же записи и повтор requestId клиентом
	s.Require().NoError(s.store.WriteAudit(s.ctx, models.AuditRecord{ID: "aud_1", RequestID: "req_1", UID: "u1", Route: "/"}))
	s.Require().NoError(s.store.WriteAudit(s.ctx, models.AuditRecord{RequestID: "req_1", UID: "u1", Route: "/"}))

	var count int
	err := s.pool.QueryRow(s.ctx, `SELECT COUNT(*) FROM story_audit WHERE request_id = 'req_1'`).Scan(&count)
	s.Require().NoError(err)
	s.Equal(2, count)

	var blocked bool
	var reason string
	err = s.pool.QueryRow(s.ctx, `SELECT blocked, block_reason FROM story_audit WHERE audit_id = 'aud_1'`).Scan(&blocked, &reason)
	s.Require().NoError(err)
	s.True(blocked)
	s.Equal("moderation_input:violence", reason)
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		t.Skipf("Docker client init error: %v", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		cli.Close()
		t.Skipf("Docker daemon is not accessible: %v", err)
	}
	cli.Close()

	suite.Run(t, new(PostgresStoreSuite))
}
