package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kidstel-story-agent/internal/ai"
	"kidstel-story-agent/internal/audit"
	"kidstel-story-agent/internal/auth"
	"kidstel-story-agent/internal/config"
	"kidstel-story-agent/internal/database"
	"kidstel-story-agent/internal/handler"
	"kidstel-story-agent/internal/interfaces"
	"kidstel-story-agent/internal/logger"
	"kidstel-story-agent/internal/middleware"
	"kidstel-story-agent/internal/moderation"
	"kidstel-story-agent/internal/policy"
	"kidstel-story-agent/internal/ratelimit"
	"kidstel-story-agent/internal/service"
	"kidstel-story-agent/internal/storage"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// hardBodyCap - жесткий предел тела до проверки политики.
const hardBodyCap = 256 * 1024

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	lg, err := logger.New(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
		Service:  cfg.ServiceName,
		Revision: cfg.Revision,
	})
	if err != nil {
		log.Fatalf("Не удалось инициализировать логгер: %v", err)
	}
	defer func() { _ = lg.Sync() }()
	zap.ReplaceGlobals(lg)
	lg.Info("Configuration loaded", cfg.LogFields()...)

	ctx := context.Background()

	var app *firebase.App
	var fs *firestore.Client
	if cfg.NeedsFirebase() {
		app, err = firebase.NewApp(ctx, &firebase.Config{
			ProjectID:     cfg.ProjectID(),
			StorageBucket: cfg.StorageBucket,
		}, clientOptions(cfg)...)
		if err != nil {
			lg.Fatal("Failed to init firebase app", zap.Error(err))
		}
		fs, err = firestore.NewClientWithDatabase(ctx, cfg.ProjectID(), cfg.FirestoreDatabaseID, clientOptions(cfg)...)
		if err != nil {
			lg.Fatal("Failed to create firestore client", zap.Error(err))
		}
		defer fs.Close()
	}

	// Политика
	var source policy.Source
	if cfg.PolicyMode == config.PolicyModeStatic {
		source = policy.StaticSource{JSON: cfg.PolicyStaticJSON}
	} else {
		source = policy.FirestoreSource{Client: fs}
	}
	policies := policy.NewLoader(source, cfg.PolicyTTL, lg)

	// Хранилище историй
	store, closeStore := setupStore(ctx, cfg, fs, lg)
	defer closeStore()

	// Rate limit
	limiterStore, closeLimiter := setupRateLimitStore(ctx, cfg, lg)
	defer closeLimiter()
	limiter := ratelimit.NewLimiter(limiterStore, lg)

	// Движки генерации
	textEngine, imageEngine := setupEngines(ctx, cfg, lg)
	if !bool(cfg.MockEngine) {
		if err := ai.EnableTokenEstimates(); err != nil {
			lg.Warn("Token estimates disabled", zap.Error(err))
		}
	}

	var uploader interfaces.Uploader
	if app != nil && !bool(cfg.MockEngine) {
		u, err := storage.NewFirebaseUploader(ctx, app, cfg.StorageBucket, cfg.SignedURLTTL(), lg)
		if err != nil {
			lg.Warn("Illustration uploader unavailable, images will be inline", zap.Error(err))
		} else {
			uploader = u
		}
	}

	// Аудит
	sinks := []audit.Sink{audit.LogSink{Logger: lg}}
	if store != nil {
		sinks = append(sinks, audit.StoreSink{Store: store})
	}
	var mqConn *amqp.Connection
	if cfg.AuditAMQPURL != "" {
		mqConn, err = connectRabbitMQ(cfg.AuditAMQPURL, lg)
		if err != nil {
			lg.Warn("Audit exchange unavailable", zap.Error(err))
		} else {
			sink, err := audit.NewAMQPSink(mqConn, cfg.AuditExchange, lg)
			if err != nil {
				lg.Warn("Failed to create audit AMQP sink", zap.Error(err))
			} else {
				sinks = append(sinks, sink)
				defer sink.Close()
			}
		}
	}
	emitter := audit.NewEmitter(cfg.AuditBuffer, lg, sinks...)

	verifier := setupVerifier(ctx, cfg, app, lg)

	svc := service.NewStoryService(service.Deps{
		Options: service.Options{
			KillSwitch:                     bool(cfg.KillSwitch),
			StoreDisabled:                  bool(cfg.StoreDisabled),
			AuditStoreText:                 bool(cfg.AuditStoreText),
			RequireIllustrateUserInitiated: bool(cfg.RequireIllustrateUserInitiated),
			GeminiModel:                    cfg.GeminiModel,
		},
		Verifier:  verifier,
		Policy:    policies,
		Limiter:   limiter,
		Moderator: moderation.NewKeywordModerator(),
		Generator: ai.NewStoryGenerator(textEngine, lg),
		Images:    imageEngine,
		Store:     store,
		Uploader:  uploader,
		Audit:     emitter,
		Logger:    lg,
	})

	gin.SetMode(gin.ReleaseMode)
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(middleware.Stack(lg, middleware.StackConfig{
		Service:     cfg.ServiceName,
		Revision:    cfg.Revision,
		BodyCap:     hardBodyCap,
		Diagnostics: cfg.Diagnostics(),
	})...)

	corsConfig := cors.DefaultConfig()
	if origins := cfg.GetAllowedOrigins(); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
		lg.Info("CORS_ALLOWED_ORIGINS not set, allowing default", zap.String("origin", "http://localhost:3000"))
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization",
		handler.HeaderAppCheck, cfg.DevClientIDHeader}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	p := ginprometheus.NewPrometheus("gin")

	storyHandler := handler.NewStoryHandler(svc, handler.Config{
		DevClientIDHeader: cfg.DevClientIDHeader,
		ServiceName:       cfg.ServiceName,
		Revision:          cfg.Revision,
	}, lg)
	storyHandler.RegisterRoutes(router)

	// После регистрации маршрутов, как и раньше
	p.Use(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		lg.Info("Starting HTTP server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("HTTP Server listen error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	lg.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := emitter.Close(shutdownCtx); err != nil {
		lg.Warn("Audit queue not drained", zap.Error(err))
	}
	if mqConn != nil {
		_ = mqConn.Close()
	}
	lg.Info("Server exiting")
}

func clientOptions(cfg *config.Config) []option.ClientOption {
	if cfg.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
}

// setupStore выбирает бэкенд хранения. При STORE_DISABLED возвращает nil.
func setupStore(ctx context.Context, cfg *config.Config, fs *firestore.Client, lg *zap.Logger) (interfaces.StoryStore, func()) {
	if cfg.StoreDisabled {
		lg.Info("Story store disabled")
		return nil, func() {}
	}
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		lg.Warn("Using in-memory story store")
		return database.NewMemoryStore(), func() {}
	case config.StoreBackendPostgres:
		pool, err := setupPostgres(ctx, cfg, lg)
		if err != nil {
			lg.Fatal("Не удалось подключиться к БД", zap.Error(err))
		}
		state, err := database.MigrateStorySchema(cfg.GetDSN())
		if err != nil {
			pool.Close()
			lg.Fatal("Failed to apply migrations", zap.Error(err))
		}
		lg.Info("Story schema ready", zap.Uint("version", state.Version), zap.Bool("changed", state.Changed))
		return database.NewPostgresStore(pool, lg), pool.Close
	default:
		return database.NewFirestoreStore(fs, lg), func() {}
	}
}

// setupPostgres подключается к PostgreSQL с несколькими попытками.
func setupPostgres(ctx context.Context, cfg *config.Config, lg *zap.Logger) (*pgxpool.Pool, error) {
	const maxRetries = 5
	retryDelay := 3 * time.Second
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := database.NewPool(connectCtx, database.PoolConfig{
			DSN:             cfg.GetDSN(),
			MaxConns:        cfg.DBMaxConns,
			MaxConnIdleTime: cfg.DBIdleTime,
		})
		cancel()
		if err == nil {
			lg.Info("Успешное подключение к PostgreSQL")
			return pool, nil
		}
		lastErr = err
		lg.Warn("Не удалось подключиться к PostgreSQL",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxRetries),
			zap.Duration("retry_delay", retryDelay),
			zap.Error(err),
		)
		time.Sleep(retryDelay)
	}
	return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", maxRetries, lastErr)
}

func setupRateLimitStore(ctx context.Context, cfg *config.Config, lg *zap.Logger) (ratelimit.Store, func()) {
	if cfg.RateLimitBackend != config.RateLimitBackendRedis {
		return ratelimit.NewMemoryStore(), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		lg.Fatal("Failed to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	lg.Info("Successfully connected to Redis", zap.String("addr", cfg.RedisAddr))
	return ratelimit.NewRedisStore(client, "kidstel:rl:"), func() { _ = client.Close() }
}

func setupEngines(ctx context.Context, cfg *config.Config, lg *zap.Logger) (ai.TextEngine, ai.ImageEngine) {
	if cfg.MockEngine {
		lg.Warn("MOCK_ENGINE enabled, canned responses only")
		return ai.CannedTextEngine{}, ai.CannedImageEngine{}
	}

	var text ai.TextEngine
	var err error
	switch cfg.TextClientType {
	case config.TextClientOllama:
		text, err = ai.NewOllamaEngine(cfg.OllamaBaseURL, lg)
	default:
		text, err = ai.NewOpenAIEngine(ctx, ai.OpenAIConfig{
			BaseURL:         cfg.TextBaseURL(),
			APIKey:          cfg.AIAPIKey,
			ModelPrefix:     cfg.AIModelPrefix,
			CredentialsFile: cfg.CredentialsFile,
		}, lg)
	}
	if err != nil {
		lg.Fatal("Failed to create text engine", zap.String("client", cfg.TextClientType), zap.Error(err))
	}

	image, err := ai.NewVertexImageEngine(ctx, cfg.ImagePredictURL(), cfg.CredentialsFile, lg)
	if err != nil {
		lg.Fatal("Failed to create image engine", zap.Error(err))
	}
	return text, image
}

func setupVerifier(ctx context.Context, cfg *config.Config, app *firebase.App, lg *zap.Logger) *auth.Verifier {
	var ids auth.IDTokenVerifier
	switch cfg.AuthProvider {
	case config.AuthProviderJWT:
		v, err := auth.NewJWTVerifier(cfg.JWTSecret)
		if err != nil {
			lg.Fatal("Failed to create JWT verifier", zap.Error(err))
		}
		ids = v
	default:
		if app != nil {
			v, err := auth.NewFirebaseIDVerifier(ctx, app)
			if err != nil {
				lg.Fatal("Failed to create firebase auth client", zap.Error(err))
			}
			ids = v
		}
	}

	var appCheck auth.AppCheckVerifier
	if app != nil {
		v, err := auth.NewFirebaseAppCheckVerifier(ctx, app)
		if err != nil {
			if cfg.AppCheckRequired {
				lg.Fatal("Failed to create App Check client", zap.Error(err))
			}
			lg.Warn("App Check client unavailable", zap.Error(err))
		} else {
			appCheck = v
		}
	}

	return auth.NewVerifier(ids, appCheck, auth.Options{
		AuthRequired:     bool(cfg.AuthRequired),
		AppCheckRequired: bool(cfg.AppCheckRequired),
	}, lg)
}

// connectRabbitMQ пытается подключиться к RabbitMQ с несколькими попытками.
func connectRabbitMQ(url string, lg *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	maxRetries := 3
	retryDelay := 2 * time.Second
	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lg.Warn("Не удалось подключиться к RabbitMQ",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", maxRetries),
			zap.Error(err),
		)
		time.Sleep(retryDelay)
	}
	return nil, err
}
