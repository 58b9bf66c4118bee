package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
)

// AppName names the XDG data directory and the default database file.
const AppName = "signal-sync"

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; a fresh device runs with none set.
type Config struct {
	// Local status API (bound to loopback by default)
	ListenAddr      string
	ShutdownTimeout time.Duration

	// Storage. A postgres:// DSN selects the Postgres backend; anything
	// else is treated as a SQLite file path.
	QueueDSN   string
	DBMaxConns int32

	// Device identity file written by the pairing flow
	IdentityPath string

	// Sync cadence; a cron-like expression, "manual" or "realtime"
	SyncSchedule string

	// Cycle limits
	BatchLimit       int
	MaxRetries       int
	MaxDecodeRetries int
	InFlightLease    time.Duration
	BackgroundBudget time.Duration

	// Retention
	Retention time.Duration
	PurgeAge  time.Duration

	// Upload
	UploadTimeout    time.Duration
	UploadRatePerSec int

	HeartbeatInterval time.Duration
}

// Load reads an optional .env file from the working directory, then the
// process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	dataDir := filepath.Join(xdg.DataHome, AppName)

	return &Config{
		ListenAddr:      getEnv("LISTEN_ADDR", "127.0.0.1:7345"),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		QueueDSN:   getEnv("QUEUE_DSN", filepath.Join(dataDir, "queue.db")),
		DBMaxConns: int32(getInt("DB_MAX_CONNS", 4)),

		IdentityPath: getEnv("IDENTITY_PATH", filepath.Join(dataDir, "device.json")),

		SyncSchedule: getEnv("SYNC_SCHEDULE", "*/5 * * * *"),

		BatchLimit:       getInt("BATCH_LIMIT", 1000),
		MaxRetries:       getInt("MAX_RETRIES", 10),
		MaxDecodeRetries: getInt("MAX_DECODE_RETRIES", 3),
		InFlightLease:    getDuration("IN_FLIGHT_LEASE", 15*time.Minute),
		BackgroundBudget: getDuration("BACKGROUND_BUDGET", 25*time.Second),

		Retention: getDuration("RETENTION", 7*24*time.Hour),
		PurgeAge:  getDuration("PURGE_AGE", 24*time.Hour),

		UploadTimeout:    getDuration("UPLOAD_TIMEOUT", 30*time.Second),
		UploadRatePerSec: getInt("UPLOAD_RATE_PER_SEC", 2),

		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", time.Minute),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
