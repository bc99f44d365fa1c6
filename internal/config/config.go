package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageDynamoDB = "dynamodb"
	StoragePostgres = "postgres"
)

type Config struct {
	Env         string
	LogLevel    string
	Port        string
	ParamPrefix string

	Storage    string
	StateTable string
	DB         DBConfig
	RedisURL   string

	OpenAIBaseURL string

	MaxQuestionLen   int
	FreeMessageLimit int
	CaptionTimeout   time.Duration
	PersistAttempts  int
	PersistBackoff   time.Duration
	LockWait         time.Duration

	WidgetTheme  string
	WidgetLocale string
}

type DBConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Load reads configuration from the environment. In development a .env file
// is loaded first if present.
func Load() (Config, error) {
	if getEnv("APP_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	cfg := Config{
		Env:         getEnv("APP_ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", ""),
		Port:        getEnv("PORT", "8080"),
		ParamPrefix: strings.TrimRight(getEnv("PARAM_PREFIX", ""), "/"),
		Storage:     strings.ToLower(getEnv("STORAGE", StorageDynamoDB)),
		StateTable:  getEnv("STATE_TABLE", ""),
		DB: DBConfig{
			DSN:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvInt32("DB_MAX_CONNS", 10),
			MinConns: getEnvInt32("DB_MIN_CONNS", 1),
		},
		RedisURL:         getEnv("REDIS_URL", ""),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
		MaxQuestionLen:   getEnvInt("MAX_QUESTION_LENGTH", 300),
		FreeMessageLimit: getEnvInt("FREE_MESSAGE_LIMIT", 3),
		CaptionTimeout:   getEnvDuration("CAPTION_TIMEOUT", 8*time.Second),
		PersistAttempts:  getEnvInt("PERSIST_ATTEMPTS", 3),
		PersistBackoff:   getEnvDuration("PERSIST_BACKOFF", 500*time.Millisecond),
		LockWait:         getEnvDuration("LOCK_WAIT", 30*time.Second),
		WidgetTheme:      getEnv("WIDGET_THEME", "light"),
		WidgetLocale:     getEnv("WIDGET_LOCALE", "en"),
	}

	if cfg.ParamPrefix == "" {
		return Config{}, fmt.Errorf("PARAM_PREFIX is required")
	}
	switch cfg.Storage {
	case StorageDynamoDB:
		if cfg.StateTable == "" {
			return Config{}, fmt.Errorf("STATE_TABLE is required for %s storage", StorageDynamoDB)
		}
	case StoragePostgres:
		if cfg.DB.DSN == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required for %s storage", StoragePostgres)
		}
	default:
		return Config{}, fmt.Errorf("unknown STORAGE %q", cfg.Storage)
	}
	if cfg.MaxQuestionLen <= 0 {
		return Config{}, fmt.Errorf("MAX_QUESTION_LENGTH must be positive")
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 1
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvInt32(key string, def int32) int32 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return def
	}
	return int32(n)
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
