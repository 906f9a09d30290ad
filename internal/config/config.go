package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	LogPretty          bool   // Console log output for local development

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Supabase object storage
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// OpenAI (script generation)
	OpenAIKey string

	// Gemini / Veo (video generation)
	GeminiKey string
	VeoModel  string

	// ElevenLabs (voice synthesis)
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	// Worker / queue
	WorkerConcurrency     int
	WorkerStartsPerMinute int
	QueueMaxAttempts      int
	SweeperEnabled        bool
	SweepGrace            time.Duration
	TempDir               string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		LogPretty:             getEnvBool("LOG_PRETTY", false),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "stillmind-media"),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		VeoModel:              getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		ElevenLabsKey:         getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:     getEnv("ELEVENLABS_VOICE_ID", ""),
		WorkerConcurrency:     getEnvInt("WORKER_CONCURRENCY", 2),
		WorkerStartsPerMinute: getEnvInt("WORKER_STARTS_PER_MINUTE", 10),
		QueueMaxAttempts:      getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
		SweeperEnabled:        getEnvBool("SWEEPER_ENABLED", true),
		SweepGrace:            getEnvDuration("SWEEP_GRACE", 10*time.Minute),
		TempDir:               getEnv("TEMP_DIR", "/tmp/stillmind"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	if cfg.WorkerEnabled {
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required")
		}
		if cfg.GeminiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required")
		}
		if cfg.ElevenLabsKey == "" {
			return nil, fmt.Errorf("ELEVENLABS_API_KEY is required")
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
