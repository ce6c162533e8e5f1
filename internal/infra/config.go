package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends selectable through JOB_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv             string
	Port               string
	JobStore           string
	DatabaseURL        string
	RedisURL           string
	NatsURL            string
	JWTSecret          string
	InternalSigningKey string
	ProcessingSecret   string
	GatewayURL         string
	StoragePath        string
	StorageBaseURL     string
	CORSAllowedOrigins []string
	GeminiAPIKey       string
	GeminiModel        string
	GeminiBaseURL      string
	QwenAPIKey         string
	QwenModel          string
	QwenBaseURL        string
	DefaultLocale      string
	GeoIPDBPath        string
	GenerationCost     int64
	WorkerTimeout      time.Duration
	SweepInterval      time.Duration
	SweepGrace         time.Duration
	SweepBatch         int
	ReconcileInterval  time.Duration
	AbandonAfter       time.Duration
	ProcessingTimeout  time.Duration
	ViewWindow         time.Duration
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	ProviderRPS        float64
	ProviderBurst      int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		Port:               port,
		JobStore:           strings.ToLower(getEnv("JOB_STORE", StorePostgres)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		NatsURL:            os.Getenv("NATS_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		InternalSigningKey: os.Getenv("INTERNAL_SIGNING_KEY"),
		ProcessingSecret:   os.Getenv("PROCESSING_SECRET"),
		GatewayURL:         strings.TrimRight(os.Getenv("GATEWAY_URL"), "/"),
		StoragePath:        getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:     getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		GeminiAPIKey:       os.Getenv("GEMINI_API_KEY"),
		GeminiModel:        getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),
		GeminiBaseURL:      getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		QwenAPIKey:         os.Getenv("DASHSCOPE_API_KEY"),
		QwenModel:          getEnv("QWEN_MODEL", "qwen-image-edit"),
		QwenBaseURL:        getEnv("QWEN_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		DefaultLocale:      getEnv("DEFAULT_LOCALE", "id"),
		GeoIPDBPath:        os.Getenv("GEOIP_DB_PATH"),
		GenerationCost:     int64(getEnvInt("GENERATION_COST", 1)),
		WorkerTimeout:      getEnvDuration("WORKER_TIMEOUT", 90*time.Second),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", time.Minute),
		SweepGrace:         getEnvDuration("SWEEP_GRACE", 2*time.Minute),
		SweepBatch:         getEnvInt("SWEEP_BATCH", 10),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		AbandonAfter:       getEnvDuration("ABANDON_AFTER", 30*time.Minute),
		ProcessingTimeout:  getEnvDuration("PROCESSING_TIMEOUT", 10*time.Minute),
		ViewWindow:         getEnvDuration("VIEW_WINDOW", 24*time.Hour),
		HTTPReadTimeout:    time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:   time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 120)),
		HTTPIdleTimeout:    time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:    getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		ProviderRPS:        getEnvFloat("PROVIDER_RPS", 2),
		ProviderBurst:      getEnvInt("PROVIDER_BURST", 4),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot honour. The memory job store
// only works inside one process, so it cannot be combined with a shared
// database, a remote gateway or a cross-process event bus.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.InternalSigningKey == "" {
		return fmt.Errorf("INTERNAL_SIGNING_KEY is required")
	}
	if c.ProcessingSecret == "" {
		return fmt.Errorf("PROCESSING_SECRET is required")
	}

	switch c.JobStore {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required")
		}
	case StoreMemory:
		for name, value := range map[string]string{
			"DATABASE_URL": c.DatabaseURL,
			"GATEWAY_URL":  c.GatewayURL,
			"NATS_URL":     c.NatsURL,
		} {
			if value != "" {
				return fmt.Errorf("JOB_STORE=memory is single process and cannot be combined with %s", name)
			}
		}
	default:
		return fmt.Errorf("unsupported JOB_STORE %q", c.JobStore)
	}

	// A job still PROCESSING after the worker deadline belongs to a crashed
	// instance; anything shorter would fail live generations.
	if c.ProcessingTimeout <= c.WorkerTimeout {
		return fmt.Errorf("PROCESSING_TIMEOUT (%s) must exceed WORKER_TIMEOUT (%s)", c.ProcessingTimeout, c.WorkerTimeout)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
