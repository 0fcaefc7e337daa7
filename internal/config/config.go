package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL           string
	HTTPAddr              string
	RenewalInterval       int // minutes between renewal sweeps
	RenewalLookaheadHours int // renew subscriptions expiring within this window
	GatewayTimeout        int // seconds, per upstream call
	SweepDeadline         int // minutes, bound on a whole sweep or batch
	SweepConcurrency      int // parallel per-connection operations in a sweep
	ShutdownTimeout       int // seconds
	WebhookRetentionDays  int // webhook audit log retention
	GmailClientID         string
	GmailClientSecret     string
	PubSubTopic           string
	SyncPipelineURL       string
	SyncPipelineAPIKey    string
	AdminAPIKey           string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	gmailClientID := os.Getenv("GMAIL_CLIENT_ID")
	gmailClientSecret := os.Getenv("GMAIL_CLIENT_SECRET")
	if gmailClientID == "" || gmailClientSecret == "" {
		fmt.Println("Warning: GMAIL_CLIENT_ID or GMAIL_CLIENT_SECRET not set, Gmail API will not work")
	}

	pubsubTopic := os.Getenv("PUBSUB_TOPIC")
	if pubsubTopic == "" {
		fmt.Println("Warning: PUBSUB_TOPIC not set, watch registration will not work")
	}

	syncURL := os.Getenv("SYNC_PIPELINE_URL")
	if syncURL == "" {
		fmt.Println("Warning: SYNC_PIPELINE_URL not set, incremental sync hand-off will not work")
	}

	adminKey := os.Getenv("ADMIN_API_KEY")
	if adminKey == "" {
		fmt.Println("Warning: ADMIN_API_KEY not set, admin endpoints will reject all requests")
	}

	httpAddr := os.Getenv("HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	return &Config{
		DatabaseURL:           dbURL,
		HTTPAddr:              httpAddr,
		RenewalInterval:       getEnvInt("RENEWAL_INTERVAL_MINUTES", 60),
		RenewalLookaheadHours: getEnvInt("RENEWAL_LOOKAHEAD_HOURS", 24),
		GatewayTimeout:        getEnvInt("GATEWAY_TIMEOUT_SECONDS", 30),
		SweepDeadline:         getEnvInt("SWEEP_DEADLINE_MINUTES", 10),
		SweepConcurrency:      getEnvInt("SWEEP_CONCURRENCY", 4),
		ShutdownTimeout:       30,
		WebhookRetentionDays:  getEnvInt("WEBHOOK_RETENTION_DAYS", 14),
		GmailClientID:         gmailClientID,
		GmailClientSecret:     gmailClientSecret,
		PubSubTopic:           pubsubTopic,
		SyncPipelineURL:       syncURL,
		SyncPipelineAPIKey:    os.Getenv("SYNC_PIPELINE_API_KEY"),
		AdminAPIKey:           adminKey,
	}, nil
}

// getEnvInt reads an integer env var, falling back to def when unset or invalid
func getEnvInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		fmt.Printf("Warning: invalid %s=%q, using default %d\n", key, raw, def)
		return def
	}
	return v
}
