package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	LogLevel            string
	EncryptionKeyBase64 string

	// ShardDSNs maps shard key to Postgres connection string.
	ShardDSNs map[int]string

	RedisAddr     string
	RedisPassword string
	Zone          string
	WorkerID      string

	PollFrequency            time.Duration
	FolderRefreshInterval    time.Duration
	PopulateInterval         time.Duration
	MaxAccountsPerWorker     int
	MaxConnectionsPerAccount int
	ConnectTimeout           time.Duration
	KeepaliveInterval        time.Duration
	FetchRatePerSecond       float64
	IMAPUseTLS               bool

	SyncbackWorkers        int
	SyncbackPollInterval   time.Duration
	SyncbackRescanInterval time.Duration
	ActionMaxNrOfRetries   int

	BlobBackend string
	BlobDir     string
	BlobBucket  string

	GoogleClientID     string
	GoogleClientSecret string

	AdminPort string
	// AdminToken, when set, is required as a bearer token on the admin command routes.
	AdminToken string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	shardDSNs, err := parseShardDSNs(os.Getenv("MAILSYNC_SHARD_DSNS"))
	if err != nil {
		return nil, err
	}

	config := &Config{
		Environment:         env,
		LogLevel:            getEnvOrDefault("MAILSYNC_LOG_LEVEL", "info"),
		EncryptionKeyBase64: os.Getenv("MAILSYNC_ENCRYPTION_KEY_BASE64"),
		ShardDSNs:           shardDSNs,
		RedisAddr:           getEnvOrDefault("MAILSYNC_REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("MAILSYNC_REDIS_PASSWORD"),
		Zone:                getEnvOrDefault("MAILSYNC_ZONE", "default"),
		WorkerID:            getEnvOrDefault("MAILSYNC_WORKER_ID", defaultWorkerID()),
		AdminPort:           getEnvOrDefault("MAILSYNC_ADMIN_PORT", "8090"),
		AdminToken:          os.Getenv("MAILSYNC_ADMIN_TOKEN"),
		BlobBackend:         getEnvOrDefault("MAILSYNC_BLOB_BACKEND", "fs"),
		BlobDir:             getEnvOrDefault("MAILSYNC_BLOB_DIR", "./data/blobs"),
		BlobBucket:          os.Getenv("MAILSYNC_BLOB_BUCKET"),
		GoogleClientID:      os.Getenv("MAILSYNC_GOOGLE_CLIENT_ID"),
		GoogleClientSecret:  os.Getenv("MAILSYNC_GOOGLE_CLIENT_SECRET"),
	}

	durations := []struct {
		key    string
		def    time.Duration
		target *time.Duration
	}{
		{"MAILSYNC_POLL_FREQUENCY", 30 * time.Second, &config.PollFrequency},
		{"MAILSYNC_FOLDER_REFRESH_INTERVAL", 10 * time.Minute, &config.FolderRefreshInterval},
		{"MAILSYNC_POPULATE_INTERVAL", time.Second, &config.PopulateInterval},
		{"MAILSYNC_CONNECT_TIMEOUT", 10 * time.Second, &config.ConnectTimeout},
		{"MAILSYNC_KEEPALIVE_INTERVAL", 5 * time.Minute, &config.KeepaliveInterval},
		{"MAILSYNC_SYNCBACK_POLL_INTERVAL", time.Second, &config.SyncbackPollInterval},
		{"MAILSYNC_SYNCBACK_RESCAN_INTERVAL", 30 * time.Second, &config.SyncbackRescanInterval},
	}
	for _, d := range durations {
		v, err := getDurationOrDefault(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.target = v
	}

	ints := []struct {
		key    string
		def    int
		target *int
	}{
		{"MAILSYNC_MAX_ACCOUNTS_PER_WORKER", 100, &config.MaxAccountsPerWorker},
		{"MAILSYNC_MAX_CONNECTIONS_PER_ACCOUNT", 3, &config.MaxConnectionsPerAccount},
		{"MAILSYNC_SYNCBACK_WORKERS", 8, &config.SyncbackWorkers},
		{"ACTION_MAX_NR_OF_RETRIES", 20, &config.ActionMaxNrOfRetries},
	}
	for _, i := range ints {
		v, err := getIntOrDefault(i.key, i.def)
		if err != nil {
			return nil, err
		}
		*i.target = v
	}

	rate, err := strconv.ParseFloat(getEnvOrDefault("MAILSYNC_FETCH_RATE_PER_SECOND", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid MAILSYNC_FETCH_RATE_PER_SECOND: %w", err)
	}
	config.FetchRatePerSecond = rate
	config.IMAPUseTLS = getEnvOrDefault("MAILSYNC_IMAP_TLS", "true") != "false"

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is required")
	}

	if len(c.ShardDSNs) == 0 {
		return fmt.Errorf("MAILSYNC_SHARD_DSNS is required")
	}

	switch c.BlobBackend {
	case "fs":
		if c.BlobDir == "" {
			return fmt.Errorf("MAILSYNC_BLOB_DIR is required for the fs blob backend")
		}
	case "gcs":
		if c.BlobBucket == "" {
			return fmt.Errorf("MAILSYNC_BLOB_BUCKET is required for the gcs blob backend")
		}
	default:
		return fmt.Errorf("unknown MAILSYNC_BLOB_BACKEND %q", c.BlobBackend)
	}

	if c.ActionMaxNrOfRetries < 1 {
		return fmt.Errorf("ACTION_MAX_NR_OF_RETRIES must be at least 1")
	}

	if c.SyncbackWorkers < 1 {
		return fmt.Errorf("MAILSYNC_SYNCBACK_WORKERS must be at least 1")
	}

	return nil
}

// parseShardDSNs parses "0=postgres://...,1=postgres://...".
func parseShardDSNs(raw string) (map[int]string, error) {
	dsns := make(map[int]string)
	if strings.TrimSpace(raw) == "" {
		return dsns, nil
	}

	for _, entry := range strings.Split(raw, ",") {
		key, dsn, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || dsn == "" {
			return nil, fmt.Errorf("invalid MAILSYNC_SHARD_DSNS entry %q", entry)
		}
		shardKey, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("invalid shard key %q: %w", key, err)
		}
		if _, dup := dsns[shardKey]; dup {
			return nil, fmt.Errorf("duplicate shard key %d", shardKey)
		}
		dsns[shardKey] = dsn
	}

	return dsns, nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
