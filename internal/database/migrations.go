package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaMigrationsTable - таблица версий схемы историй.
const SchemaMigrationsTable = "story_schema_migrations"

// ErrSchemaDirty - прошлый прогон миграций оборвался. Нужна ручная правка
// story_schema_migrations, автоматически агент дальше не идет.
var ErrSchemaDirty = errors.New("story schema is dirty")

// SchemaState - версия схемы после прогона и был ли прогон не пустым.
type SchemaState struct {
	Version uint
	Changed bool
}

// MigrateStorySchema поднимает таблицы stories, story_chapters, usage_daily
// и story_audit до последней встроенной версии.
func MigrateStorySchema(dsn string) (SchemaState, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return SchemaState{}, fmt.Errorf("не удалось создать подключение к БД: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{MigrationsTable: SchemaMigrationsTable})
	if err != nil {
		return SchemaState{}, fmt.Errorf("не удалось создать драйвер миграций: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return SchemaState{}, fmt.Errorf("не удалось создать источник миграций: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return SchemaState{}, fmt.Errorf("не удалось создать экземпляр migrate: %w", err)
	}

	before, err := schemaVersion(m)
	if err != nil {
		return SchemaState{}, err
	}

	upErr := m.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return SchemaState{Version: before}, fmt.Errorf("миграция схемы историй с версии %d: %w", before, upErr)
	}

	after, err := schemaVersion(m)
	if err != nil {
		return SchemaState{}, err
	}
	return SchemaState{Version: after, Changed: after != before}, nil
}

func schemaVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("не удалось прочитать версию схемы: %w", err)
	}
	if dirty {
		return v, fmt.Errorf("%w: version %d", ErrSchemaDirty, v)
	}
	return v, nil
}
