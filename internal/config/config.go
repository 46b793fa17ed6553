// Package config provides environment configuration for the chat server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort        string
	ServerReadTimeout time.Duration
	AllowedOrigins    []string

	// Storage settings
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATS settings
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	LLMModel        string
	EmbeddingModel  string
	VisionModel     string
	LLMTimeout      time.Duration

	// Assistant settings
	IndexRoot          string
	UploadsDir         string
	CacheSweepInterval time.Duration
	CacheIdleTimeout   time.Duration
	BotEmail           string

	// Background work and delivery
	WorkerCount     int
	WorkerQueueSize int
	SendBufferSize  int
	MailboxMaxItems int

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel    string
	Environment string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:        getEnv("PORT", "8080"),
		ServerReadTimeout: getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		AllowedOrigins:    getListEnv("ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// Storage
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      getEnv("DEFAULT_LLM", "anthropic"),
		LLMModel:        getEnv("LLM_MODEL", ""),
		EmbeddingModel:  getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		VisionModel:     getEnv("VISION_MODEL", "gpt-4o"),
		LLMTimeout:      getDurationEnv("LLM_TIMEOUT", 2*time.Minute),

		// Assistant
		IndexRoot:          getEnv("INDEX_ROOT", "indexes"),
		UploadsDir:         getEnv("UPLOADS_DIR", "uploads"),
		CacheSweepInterval: getDurationEnv("CACHE_SWEEP_INTERVAL", 300*time.Second),
		CacheIdleTimeout:   getDurationEnv("CACHE_IDLE_TIMEOUT", 1800*time.Second),
		BotEmail:           getEnv("BOT_EMAIL", "bot@gmail.com"),

		// Workers
		WorkerCount:     getIntEnv("WORKER_COUNT", 4),
		WorkerQueueSize: getIntEnv("WORKER_QUEUE_SIZE", 256),
		SendBufferSize:  getIntEnv("SEND_BUFFER_SIZE", 64),
		MailboxMaxItems: getIntEnv("MAILBOX_MAX_ITEMS", 500),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Environment: getEnv("ENV", "production"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
