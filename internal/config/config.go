package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/740540/Trabajo-Wallapop/internal/models"
)

// CycleSettleTimeout bounds the dedup settlement, backup and notifications that
// run after a cycle's deadline may already have passed
const CycleSettleTimeout = 30 * time.Second

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port  string
	Debug bool

	// Schedule configuration (cron expression with seconds field)
	PollSchedule string
	TimeZone     string

	// Feed configuration
	FeedBaseURL      string
	FeedCategoryID   string
	FeedLatitude     float64
	FeedLongitude    float64
	FeedSearchTerms  []string
	FeedPageSize     int
	FeedMaxPages     int
	FeedTimeFilter   string
	FeedRequestDelay time.Duration

	// Elasticsearch configuration
	ESHost       string
	ESIndexAlias string
	ESUsername   string
	ESPassword   string

	// Dedup/baseline state store
	StateStoreDriver string // "sqlite" or "postgres"
	StateStoreDSN    string

	DedupRetention  time.Duration
	DedupClaimLease time.Duration

	BaselineWindow          int
	BaselineMinSamples      int
	BaselineMaxAge          time.Duration
	LocationBucketPrecision int

	// Ingestion
	BatchSize        int
	BatchConcurrency int
	BatchTimeout     time.Duration
	MaxRetries       int
	MaxBatchRetries  int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	CycleDeadline    time.Duration
	ScoringWorkers   int

	// Backup of enriched records
	BackupDriver          string // "none", "local", "azure" or "s3"
	BackupDir             string
	AzureStorageAccount   string
	AzureStorageContainer string
	S3Bucket              string
	S3Region              string
	S3Endpoint            string
	S3AccessKeyID         string
	S3SecretAccessKey     string

	// Notification configuration
	TeamsWebhookURL   string
	NotificationEmail string
	SMTPHost          string
	SMTPPort          int
	SMTPUsername      string
	SMTPPassword      string

	// Scoring rules
	RulesFile string
	Rules     *models.RuleSet
}

// Load loads configuration from environment variables and the rules file
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		Debug:        getBoolEnv("DEBUG", false),
		PollSchedule: getEnv("POLL_SCHEDULE", "0 */30 * * * *"),
		TimeZone:     getEnv("TIMEZONE", "UTC"),

		FeedBaseURL:    getEnv("FEED_BASE_URL", "https://api.wallapop.com"),
		FeedCategoryID: getEnv("FEED_CATEGORY_ID", "14000"),
		FeedLatitude:   getFloatEnv("FEED_LATITUDE", 41.648823),
		FeedLongitude:  getFloatEnv("FEED_LONGITUDE", -0.889085),
		FeedSearchTerms: getSliceEnv("FEED_SEARCH_TERMS", []string{
			"yamaha", "honda", "kawasaki", "suzuki", "ktm",
			"bmw", "ducati", "triumph", "harley", "moto",
		}),
		FeedPageSize:     getIntEnv("FEED_PAGE_SIZE", 50),
		FeedMaxPages:     getIntEnv("FEED_MAX_PAGES", 20),
		FeedTimeFilter:   getEnv("FEED_TIME_FILTER", "today"),
		FeedRequestDelay: getDurationEnv("FEED_REQUEST_DELAY", 500*time.Millisecond),

		ESHost:       getEnv("ES_HOST", "http://localhost:9200"),
		ESIndexAlias: getEnv("ES_INDEX_ALIAS", "lab001.wallapop"),
		ESUsername:   getEnv("ES_USERNAME", ""),
		ESPassword:   getEnv("ES_PASSWORD", ""),

		StateStoreDriver: getEnv("STATE_STORE_DRIVER", "sqlite"),
		StateStoreDSN:    getEnv("STATE_STORE_DSN", "agent-state.db"),

		DedupRetention:  getDurationEnv("DEDUP_RETENTION", 24*time.Hour),
		DedupClaimLease: getDurationEnv("DEDUP_CLAIM_LEASE", 30*time.Minute),

		BaselineWindow:          getIntEnv("BASELINE_WINDOW", 101),
		BaselineMinSamples:      getIntEnv("BASELINE_MIN_SAMPLES", 5),
		BaselineMaxAge:          getDurationEnv("BASELINE_MAX_AGE", 30*24*time.Hour),
		LocationBucketPrecision: getIntEnv("LOCATION_BUCKET_PRECISION", 1),

		BatchSize:        getIntEnv("BATCH_SIZE", 500),
		BatchConcurrency: getIntEnv("BATCH_CONCURRENCY", 2),
		BatchTimeout:     getDurationEnv("BATCH_TIMEOUT", 60*time.Second),
		MaxRetries:       getIntEnv("MAX_RETRIES", 3),
		MaxBatchRetries:  getIntEnv("MAX_BATCH_RETRIES", 3),
		BackoffBase:      getDurationEnv("BACKOFF_BASE", 2*time.Second),
		BackoffMax:       getDurationEnv("BACKOFF_MAX", 30*time.Second),
		CycleDeadline:    getDurationEnv("CYCLE_DEADLINE", 20*time.Minute),
		ScoringWorkers:   getIntEnv("SCORING_WORKERS", 4),

		BackupDriver:          getEnv("BACKUP_DRIVER", "none"),
		BackupDir:             getEnv("BACKUP_DIR", "data"),
		AzureStorageAccount:   getEnv("AZURE_STORAGE_ACCOUNT", ""),
		AzureStorageContainer: getEnv("AZURE_STORAGE_CONTAINER", "wallapop-enriched"),
		S3Bucket:              getEnv("S3_BUCKET", ""),
		S3Region:              getEnv("S3_REGION", "eu-west-1"),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:         getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey:     getEnv("S3_SECRET_ACCESS_KEY", ""),

		TeamsWebhookURL:   getEnv("TEAMS_WEBHOOK_URL", ""),
		NotificationEmail: getEnv("NOTIFICATION_EMAIL", ""),
		SMTPHost:          getEnv("SMTP_HOST", ""),
		SMTPPort:          getIntEnv("SMTP_PORT", 587),
		SMTPUsername:      getEnv("SMTP_USERNAME", ""),
		SMTPPassword:      getEnv("SMTP_PASSWORD", ""),

		RulesFile: getEnv("RULES_FILE", "config/rules.yaml"),
	}

	rules, err := LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	cfg.Rules = rules

	// Validate required configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.StateStoreDriver != "sqlite" && c.StateStoreDriver != "postgres" {
		return fmt.Errorf("STATE_STORE_DRIVER must be 'sqlite' or 'postgres'")
	}

	if c.StateStoreDSN == "" {
		return fmt.Errorf("STATE_STORE_DSN is required")
	}

	if c.ESHost == "" || c.ESIndexAlias == "" {
		return fmt.Errorf("ES_HOST and ES_INDEX_ALIAS are required")
	}

	if c.BatchSize <= 0 || c.BatchConcurrency <= 0 || c.ScoringWorkers <= 0 {
		return fmt.Errorf("BATCH_SIZE, BATCH_CONCURRENCY and SCORING_WORKERS must be positive")
	}

	if c.MaxRetries < 0 || c.MaxBatchRetries < 0 {
		return fmt.Errorf("MAX_RETRIES and MAX_BATCH_RETRIES must not be negative")
	}

	if c.DedupRetention <= 0 || c.DedupClaimLease <= 0 || c.CycleDeadline <= 0 {
		return fmt.Errorf("DEDUP_RETENTION, DEDUP_CLAIM_LEASE and CYCLE_DEADLINE must be positive")
	}

	if c.DedupClaimLease <= c.CycleDeadline+CycleSettleTimeout {
		return fmt.Errorf("DEDUP_CLAIM_LEASE (%v) must outlast CYCLE_DEADLINE plus %v settlement (%v)",
			c.DedupClaimLease, CycleSettleTimeout, c.CycleDeadline+CycleSettleTimeout)
	}

	if c.BaselineWindow <= 0 || c.BaselineMinSamples <= 0 {
		return fmt.Errorf("BASELINE_WINDOW and BASELINE_MIN_SAMPLES must be positive")
	}

	switch c.BackupDriver {
	case "none", "local":
	case "azure":
		if c.AzureStorageAccount == "" {
			return fmt.Errorf("AZURE_STORAGE_ACCOUNT is required when BACKUP_DRIVER is 'azure'")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BACKUP_DRIVER is 's3'")
		}
	default:
		return fmt.Errorf("BACKUP_DRIVER must be one of 'none', 'local', 'azure', 's3'")
	}

	if c.NotificationEmail != "" {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("SMTP configuration is required when NOTIFICATION_EMAIL is set")
		}
	}

	if c.Rules == nil {
		return fmt.Errorf("rule set is missing")
	}

	return ValidateRules(c.Rules)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}
