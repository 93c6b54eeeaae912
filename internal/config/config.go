// Package config centraliza o carregamento de configurações da aplicação.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Durable  DurableConfig
	Quota    QuotaConfig
	Schedule ScheduleConfig
	Executor ExecutorConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port string
}

type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DurableConfig seleciona o armazenamento durável: sqlite, mongo ou memory.
type DurableConfig struct {
	Type          string
	SQLitePath    string
	MongoURI      string
	MongoDatabase string
}

type QuotaConfig struct {
	GlobalLimit    int64
	FreeLimit      int64
	ProLimit       int64
	MaxRetries     int
	DrainBatch     int
	TierCacheTTL   time.Duration
	UsageRetention time.Duration
}

// ScheduleConfig guarda expressões cron padrão; vazio desliga a tarefa.
type ScheduleConfig struct {
	Rotation  string
	Drain     string
	Retention string
}

type ExecutorConfig struct {
	BaseURL string
	Timeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	redisConfig, err := buildRedisConfig()
	if err != nil {
		return Config{}, err
	}

	durable, err := buildDurableConfig()
	if err != nil {
		return Config{}, err
	}

	quota, err := buildQuotaConfig()
	if err != nil {
		return Config{}, err
	}

	executorTimeout, err := getInt("EXECUTOR_TIMEOUT_MS", 10000)
	if err != nil {
		return Config{}, err
	}

	logConfig, err := buildLogConfig()
	if err != nil {
		return Config{}, err
	}

	return Config{
		Server:   ServerConfig{Port: getEnv("SERVER_PORT", "8080")},
		Redis:    redisConfig,
		Durable:  durable,
		Quota:    quota,
		Schedule: ScheduleConfig{
			Rotation:  getSchedule("ROTATION_SCHEDULE", "0 * * * *"),
			Drain:     getSchedule("DRAIN_SCHEDULE", "*/5 * * * *"),
			Retention: getSchedule("RETENTION_SCHEDULE", "30 3 * * *"),
		},
		Executor: ExecutorConfig{
			BaseURL: getEnv("EXECUTOR_BASE_URL", "http://localhost:9090/actions"),
			Timeout: time.Duration(executorTimeout) * time.Millisecond,
		},
		Log: logConfig,
	}, nil
}

func buildRedisConfig() (RedisConfig, error) {
	host := getEnv("REDIS_HOST", "localhost")
	port, err := getInt("REDIS_PORT", 6379)
	if err != nil {
		return RedisConfig{}, err
	}
	db, err := getInt("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}
	dialMs, err := getInt("REDIS_DIAL_TIMEOUT_MS", 2000)
	if err != nil {
		return RedisConfig{}, err
	}
	rwMs, err := getInt("REDIS_RW_TIMEOUT_MS", 500)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Host:         host,
		Port:         port,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           db,
		DialTimeout:  time.Duration(dialMs) * time.Millisecond,
		ReadTimeout:  time.Duration(rwMs) * time.Millisecond,
		WriteTimeout: time.Duration(rwMs) * time.Millisecond,
	}, nil
}

func buildDurableConfig() (DurableConfig, error) {
	cfg := DurableConfig{
		Type:          strings.ToLower(getEnv("DURABLE_STORE", "sqlite")),
		SQLitePath:    getEnv("SQLITE_PATH", "callquota.db"),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "callquota"),
	}
	switch cfg.Type {
	case "sqlite", "mongo", "memory":
		return cfg, nil
	default:
		return DurableConfig{}, fmt.Errorf("invalid DURABLE_STORE: %q", cfg.Type)
	}
}

func buildQuotaConfig() (QuotaConfig, error) {
	global, err := getInt64("QUOTA_GLOBAL_LIMIT", 10000)
	if err != nil {
		return QuotaConfig{}, err
	}
	free, err := getInt64("QUOTA_FREE_LIMIT", 100)
	if err != nil {
		return QuotaConfig{}, err
	}
	pro, err := getInt64("QUOTA_PRO_LIMIT", 1000)
	if err != nil {
		return QuotaConfig{}, err
	}
	retries, err := getInt("QUEUE_MAX_RETRIES", 3)
	if err != nil {
		return QuotaConfig{}, err
	}
	batch, err := getInt("QUEUE_DRAIN_BATCH", 100)
	if err != nil {
		return QuotaConfig{}, err
	}
	tierTTL, err := getInt("TIER_CACHE_TTL_SECONDS", 300)
	if err != nil {
		return QuotaConfig{}, err
	}
	retentionDays, err := getInt("USAGE_RETENTION_DAYS", 90)
	if err != nil {
		return QuotaConfig{}, err
	}

	return QuotaConfig{
		GlobalLimit:    global,
		FreeLimit:      free,
		ProLimit:       pro,
		MaxRetries:     retries,
		DrainBatch:     batch,
		TierCacheTTL:   time.Duration(tierTTL) * time.Second,
		UsageRetention: time.Duration(retentionDays) * 24 * time.Hour,
	}, nil
}

func buildLogConfig() (LogConfig, error) {
	cfg := LogConfig{
		Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}
	if cfg.Format != "json" && cfg.Format != "console" {
		return LogConfig{}, fmt.Errorf("invalid LOG_FORMAT: %q", cfg.Format)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

// getSchedule distingue variável ausente (usa o padrão) de variável vazia,
// que desliga a tarefa.
func getSchedule(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return strings.TrimSpace(value)
}

func getInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return n, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return n, nil
}
