package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppMode  string
	DataDir  string
	TenantID string

	// Remote API
	APIBaseURL string
	WSEndpoint string
	SSEndpoint string

	// Local devicectl API for the UI shell
	CtlAddr string

	// Outbox
	OutboxMaxRetries   int
	OutboxBackoffBase  time.Duration
	OutboxBackoffMax   time.Duration
	OutboxRetention    time.Duration
	OutboxBatchSize    int

	// Pull-sync
	PullPageLimit int

	// Orchestrator. The background interval is a scheduling policy
	// value, so it lives here and not in the orchestrator.
	SyncInterval time.Duration

	// Realtime
	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int
	EventBufferSize      int
	ThrottleInterval     time.Duration
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		AppMode:  getEnv("APP_MODE", "development"),
		DataDir:  getEnv("DATA_DIR", ".steeple"),
		TenantID: getEnv("TENANT_ID", ""),

		APIBaseURL: getEnv("API_BASE_URL", "https://api.steeple.local/api/v1"),
		WSEndpoint: getEnv("WS_ENDPOINT", "wss://api.steeple.local/ws"),
		SSEndpoint: getEnv("SSE_ENDPOINT", "https://api.steeple.local/sse"),

		CtlAddr: getEnv("CTL_ADDR", "127.0.0.1:7411"),

		OutboxMaxRetries:  getEnvAsInt("OUTBOX_MAX_RETRIES", 5),
		OutboxBackoffBase: getEnvAsDuration("OUTBOX_BACKOFF_BASE", time.Second),
		OutboxBackoffMax:  getEnvAsDuration("OUTBOX_BACKOFF_MAX", 5*time.Minute),
		OutboxRetention:   getEnvAsDuration("OUTBOX_RETENTION", 7*24*time.Hour),
		OutboxBatchSize:   getEnvAsInt("OUTBOX_BATCH_SIZE", 50),

		PullPageLimit: getEnvAsInt("PULL_PAGE_LIMIT", 100),

		SyncInterval: getEnvAsDuration("SYNC_INTERVAL", 15*time.Minute),

		HeartbeatInterval:    getEnvAsDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectBase:        getEnvAsDuration("WS_RECONNECT_BASE", time.Second),
		ReconnectMax:         getEnvAsDuration("WS_RECONNECT_MAX", 2*time.Minute),
		ReconnectMaxAttempts: getEnvAsInt("WS_RECONNECT_MAX_ATTEMPTS", 10),
		EventBufferSize:      getEnvAsInt("EVENT_BUFFER_SIZE", 256),
		ThrottleInterval:     getEnvAsDuration("EVENT_THROTTLE_INTERVAL", 2*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
