package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// Допустимые значения переключателей.
const (
	PolicyModeFirestore = "firestore"
	PolicyModeStatic    = "static"

	StoreBackendFirestore = "firestore"
	StoreBackendPostgres  = "postgres"
	StoreBackendMemory    = "memory"

	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"

	TextClientOpenAI = "openai"
	TextClientOllama = "ollama"

	AuthProviderFirebase = "firebase"
	AuthProviderJWT      = "jwt"
)

// BoolFlag понимает 1/true/yes/on и 0/false/no/off. Любое другое значение
// оставляет поле без изменений, то есть значение по умолчанию.
type BoolFlag bool

// Decode реализует envconfig.Decoder.
func (b *BoolFlag) Decode(value string) error {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		*b = true
	case "0", "false", "no", "off":
		*b = false
	}
	return nil
}

// Config - конфигурация story agent.
type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`

	// GCP / Firebase
	GoogleCloudProject  string `envconfig:"GOOGLE_CLOUD_PROJECT" required:"true"`
	FirebaseProjectID   string `envconfig:"FIREBASE_PROJECT_ID"`
	FirestoreDatabaseID string `envconfig:"FIRESTORE_DATABASE_ID" default:"(default)"`
	CredentialsFile     string `envconfig:"GOOGLE_APPLICATION_CREDENTIALS_FILE"`

	// Проверка токенов. Значения по умолчанию задаются в defaults().
	AuthRequired      BoolFlag `envconfig:"AUTH_REQUIRED"`
	AppCheckRequired  BoolFlag `envconfig:"APPCHECK_REQUIRED"`
	AuthProvider      string   `envconfig:"AUTH_PROVIDER" default:"firebase"`
	DevClientIDHeader string   `envconfig:"DEV_CLIENT_ID_HEADER" default:"X-Dev-Client-Id"`
	// Приложение ходит без браузера, origin нужны только для отладочных клиентов
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`
	// Секрет, без envconfig тега
	JWTSecret string `ignored:"true"`

	// Генерация текста
	VertexLocation string `envconfig:"VERTEX_LOCATION" default:"us-central1"`
	GeminiModel    string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`
	TextClientType string `envconfig:"TEXT_CLIENT_TYPE" default:"openai"`
	AIBaseURL      string `envconfig:"AI_BASE_URL"`
	AIModelPrefix  string `envconfig:"AI_MODEL_PREFIX" default:"google/"`
	OllamaBaseURL  string `envconfig:"OLLAMA_BASE_URL" default:"http://localhost:11434"`
	AIAPIKey       string `ignored:"true"`

	// Иллюстрации
	StorageBucket      string `envconfig:"STORAGE_BUCKET"`
	VertexImageModel   string `envconfig:"VERTEX_IMAGE_MODEL" default:"imagen-3.0-generate-001"`
	ImageSignedURLDays int    `envconfig:"IMAGE_SIGNED_URL_DAYS" default:"30"`

	// Операционные флаги
	KillSwitch                     BoolFlag `envconfig:"KILL_SWITCH"`
	AuditStoreText                 BoolFlag `envconfig:"AUDIT_STORE_TEXT"`
	RequireIllustrateUserInitiated BoolFlag `envconfig:"REQUIRE_ILLUSTRATE_USER_INITIATED"`

	// Политика
	PolicyMode       string        `envconfig:"POLICY_MODE" default:"firestore"`
	PolicyStaticJSON string        `envconfig:"POLICY_STATIC_JSON"`
	PolicyTTL        time.Duration `envconfig:"POLICY_TTL" default:"60s"`

	// Разработка / тесты
	MockEngine    BoolFlag `envconfig:"MOCK_ENGINE"`
	StoreDisabled BoolFlag `envconfig:"STORE_DISABLED"`
	StoreBackend  string   `envconfig:"STORE_BACKEND" default:"firestore"`

	// Rate limit
	RateLimitBackend string `envconfig:"RATE_LIMIT_BACKEND" default:"memory"`
	RedisAddr        string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB          int    `envconfig:"REDIS_DB" default:"0"`
	RedisPassword    string `ignored:"true"`

	// Аудит
	AuditAMQPURL  string `ignored:"true"`
	AuditExchange string `envconfig:"AUDIT_EXCHANGE" default:"story_audit"`
	AuditBuffer   int    `envconfig:"AUDIT_BUFFER" default:"256"`

	// PostgreSQL (STORE_BACKEND=postgres)
	DBHost     string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort     string        `envconfig:"DB_PORT" default:"5432"`
	DBUser     string        `envconfig:"DB_USER" default:"postgres"`
	DBName     string        `envconfig:"DB_NAME" default:"kidstel"`
	DBSSLMode  string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTime time.Duration `envconfig:"DB_MAX_IDLE_TIME" default:"5m"`
	DBPassword string        `ignored:"true"`

	// Диагностика, выставляется средой исполнения
	ServiceName   string `envconfig:"K_SERVICE"`
	Revision      string `envconfig:"K_REVISION"`
	Configuration string `envconfig:"K_CONFIGURATION"`
}

func defaults() Config {
	return Config{
		AuthRequired:     true,
		AppCheckRequired: true,
	}
}

// LoadConfig читает .env (если есть), переменные окружения и секреты.
func LoadConfig(envFilePath string) (*Config, error) {
	if envFilePath != "" {
		if _, err := os.Stat(envFilePath); err == nil {
			if err := godotenv.Load(envFilePath); err != nil {
				log.Printf("Warning: could not load %s: %v", envFilePath, err)
			}
		} else if !os.IsNotExist(err) {
			log.Printf("Warning: error checking %s: %v", envFilePath, err)
		}
	}

	cfg := defaults()
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}
	cfg.normalize()

	// Необязательные секреты
	cfg.AIAPIKey = ReadOptionalSecret("ai_api_key")
	cfg.JWTSecret = ReadOptionalSecret("jwt_secret")
	cfg.RedisPassword = ReadOptionalSecret("redis_password")
	cfg.AuditAMQPURL = ReadOptionalSecret("audit_amqp_url")
	if cfg.StoreBackend == StoreBackendPostgres {
		pass, err := ReadSecret("db_password")
		if err != nil {
			return nil, err
		}
		cfg.DBPassword = pass
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.PolicyMode = strings.ToLower(strings.TrimSpace(c.PolicyMode))
	if c.PolicyMode != PolicyModeStatic {
		c.PolicyMode = PolicyModeFirestore
	}
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.RateLimitBackend = strings.ToLower(strings.TrimSpace(c.RateLimitBackend))
	c.TextClientType = strings.ToLower(strings.TrimSpace(c.TextClientType))
	c.AuthProvider = strings.ToLower(strings.TrimSpace(c.AuthProvider))
	c.GoogleCloudProject = strings.TrimSpace(c.GoogleCloudProject)
	c.FirebaseProjectID = strings.TrimSpace(c.FirebaseProjectID)
	c.FirestoreDatabaseID = strings.TrimSpace(c.FirestoreDatabaseID)
	if c.FirestoreDatabaseID == "" {
		c.FirestoreDatabaseID = "(default)"
	}
	if strings.TrimSpace(c.StorageBucket) == "" {
		c.StorageBucket = c.ProjectID() + ".appspot.com"
	}
	if c.ImageSignedURLDays <= 0 {
		c.ImageSignedURLDays = 30
	}
	if c.AuditBuffer <= 0 {
		c.AuditBuffer = 256
	}
}

// Validate проверяет значения перечислений и связанные настройки.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case StoreBackendFirestore, StoreBackendPostgres, StoreBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.RateLimitBackend {
	case RateLimitBackendMemory, RateLimitBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend))
	}
	switch c.TextClientType {
	case TextClientOpenAI, TextClientOllama:
	default:
		errs = append(errs, fmt.Errorf("unknown TEXT_CLIENT_TYPE %q", c.TextClientType))
	}
	switch c.AuthProvider {
	case AuthProviderFirebase:
	case AuthProviderJWT:
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("AUTH_PROVIDER=jwt requires the jwt_secret secret"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_PROVIDER %q", c.AuthProvider))
	}
	if c.PolicyTTL <= 0 {
		errs = append(errs, errors.New("POLICY_TTL must be positive"))
	}
	return errors.Join(errs...)
}

// ProjectID - FIREBASE_PROJECT_ID, если задан, иначе GOOGLE_CLOUD_PROJECT.
func (c *Config) ProjectID() string {
	if c.FirebaseProjectID != "" {
		return c.FirebaseProjectID
	}
	return c.GoogleCloudProject
}

// TextBaseURL - адрес OpenAI-совместимого эндпоинта. По умолчанию Vertex AI.
func (c *Config) TextBaseURL() string {
	if c.AIBaseURL != "" {
		return c.AIBaseURL
	}
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/endpoints/openapi",
		c.VertexLocation, c.ProjectID(), c.VertexLocation)
}

// ImagePredictURL - адрес :predict модели Imagen.
func (c *Config) ImagePredictURL() string {
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		c.VertexLocation, c.ProjectID(), c.VertexLocation, c.VertexImageModel)
}

// SignedURLTTL - срок жизни подписанной ссылки на иллюстрацию.
func (c *Config) SignedURLTTL() time.Duration {
	return time.Duration(c.ImageSignedURLDays) * 24 * time.Hour
}

// NeedsFirebase - нужен ли firebase app при текущих настройках.
func (c *Config) NeedsFirebase() bool {
	if c.PolicyMode == PolicyModeFirestore {
		return true
	}
	if !bool(c.StoreDisabled) && c.StoreBackend == StoreBackendFirestore {
		return true
	}
	if bool(c.AppCheckRequired) || c.AuthProvider == AuthProviderFirebase {
		return true
	}
	return !bool(c.MockEngine)
}

// GetAllowedOrigins - origin для CORS без пустых значений.
func (c *Config) GetAllowedOrigins() []string {
	out := make([]string, 0, len(c.CORSAllowedOrigins))
	for _, o := range c.CORSAllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// GetDSN возвращает строку подключения к PostgreSQL.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

func (c *Config) getMaskedDSN() string {
	return fmt.Sprintf("postgres://%s:********@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// Diagnostics - поля для debug-блока ответа invalid_json и диагностических заголовков.
func (c *Config) Diagnostics() map[string]interface{} {
	return map[string]interface{}{
		"service":       nullable(c.ServiceName),
		"revision":      nullable(c.Revision),
		"configuration": nullable(c.Configuration),
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// LogFields - конфигурация для лога, секреты замаскированы.
func (c *Config) LogFields() []zap.Field {
	fields := []zap.Field{
		zap.String("port", c.Port),
		zap.String("project_id", c.ProjectID()),
		zap.String("firestore_database", c.FirestoreDatabaseID),
		zap.Bool("auth_required", bool(c.AuthRequired)),
		zap.Bool("appcheck_required", bool(c.AppCheckRequired)),
		zap.String("auth_provider", c.AuthProvider),
		zap.String("text_client", c.TextClientType),
		zap.String("text_base_url", c.TextBaseURL()),
		zap.String("gemini_model", c.GeminiModel),
		zap.String("image_model", c.VertexImageModel),
		zap.String("storage_bucket", c.StorageBucket),
		zap.Bool("kill_switch", bool(c.KillSwitch)),
		zap.String("policy_mode", c.PolicyMode),
		zap.Duration("policy_ttl", c.PolicyTTL),
		zap.Bool("mock_engine", bool(c.MockEngine)),
		zap.Bool("store_disabled", bool(c.StoreDisabled)),
		zap.String("store_backend", c.StoreBackend),
		zap.String("rate_limit_backend", c.RateLimitBackend),
		zap.Bool("ai_api_key_loaded", c.AIAPIKey != ""),
		zap.Bool("audit_amqp_enabled", c.AuditAMQPURL != ""),
	}
	if c.StoreBackend == StoreBackendPostgres {
		fields = append(fields, zap.String("db_dsn", c.getMaskedDSN()))
	}
	return fields
}
