package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// AniDB account and client registration
	AniDBUsername      string
	AniDBPassword      string
	AniDBClient        string
	AniDBClientVersion int

	// AniDB endpoint
	AniDBHost      string
	AniDBPort      int
	AniDBLocalPort int // 0 picks an ephemeral port

	// Protocol tuning
	MaxRetries        int
	RequestTimeout    time.Duration
	LoginTimeout      time.Duration
	KeepaliveInterval time.Duration
	RateLimitCooldown time.Duration
	BanCooldown       time.Duration
	PacketInterval    time.Duration // Minimum spacing between outbound packets
	CacheTTL          time.Duration

	// Collection
	CollectionRoot string
	IgnoreFile     string // $CONFIG_DIR/ignore.txt unless set
	ScanSchedule   string
	ScanWorkers    int

	// Server
	ServerPort string

	// Paths
	DatabaseFile string // $CONFIG_DIR/anidbarr.db

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	v := viper.New()

	// Setup viper FIRST to load .env file
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	// Load .env file if it exists (ignore if not found)
	_ = v.ReadInConfig()

	setDefaults(v)

	configDir := v.GetString("CONFIG_DIR")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config", "anidbarr")
	} else {
		absPath, err := filepath.Abs(configDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for CONFIG_DIR: %w", err)
		}
		configDir = absPath
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	ignoreFile := v.GetString("COLLECTION_IGNORE_FILE")
	if ignoreFile == "" {
		ignoreFile = filepath.Join(configDir, "ignore.txt")
	}

	config := &Config{
		// AniDB
		AniDBUsername:      v.GetString("ANIDB_USERNAME"),
		AniDBPassword:      v.GetString("ANIDB_PASSWORD"),
		AniDBClient:        v.GetString("ANIDB_CLIENT"),
		AniDBClientVersion: v.GetInt("ANIDB_CLIENT_VERSION"),
		AniDBHost:          v.GetString("ANIDB_HOST"),
		AniDBPort:          v.GetInt("ANIDB_PORT"),
		AniDBLocalPort:     v.GetInt("ANIDB_LOCAL_PORT"),

		MaxRetries:        v.GetInt("ANIDB_MAX_RETRIES"),
		RequestTimeout:    v.GetDuration("ANIDB_REQUEST_TIMEOUT"),
		LoginTimeout:      v.GetDuration("ANIDB_LOGIN_TIMEOUT"),
		KeepaliveInterval: v.GetDuration("ANIDB_KEEPALIVE_INTERVAL"),
		RateLimitCooldown: v.GetDuration("ANIDB_RATE_LIMIT_COOLDOWN"),
		BanCooldown:       v.GetDuration("ANIDB_BAN_COOLDOWN"),
		PacketInterval:    v.GetDuration("ANIDB_PACKET_INTERVAL"),
		CacheTTL:          v.GetDuration("ANIDB_CACHE_TTL"),

		// Collection
		CollectionRoot: v.GetString("COLLECTION_ROOT"),
		IgnoreFile:     ignoreFile,
		ScanSchedule:   v.GetString("SCAN_SCHEDULE"),
		ScanWorkers:    v.GetInt("SCAN_WORKERS"),

		// Server
		ServerPort: v.GetString("SERVER_PORT"),

		// Paths
		DatabaseFile: filepath.Join(configDir, "anidbarr.db"),

		// Logging
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
	}

	// Credentials are checked by the protocol client when it logs in
	if config.CollectionRoot == "" {
		return nil, fmt.Errorf("COLLECTION_ROOT is required")
	}
	if config.MaxRetries < 1 {
		return nil, fmt.Errorf("ANIDB_MAX_RETRIES must be at least 1")
	}
	if config.RequestTimeout <= 0 {
		return nil, fmt.Errorf("ANIDB_REQUEST_TIMEOUT must be positive")
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ANIDB_CLIENT", "anidbarr")
	v.SetDefault("ANIDB_CLIENT_VERSION", 1)
	v.SetDefault("ANIDB_HOST", "api.anidb.net")
	v.SetDefault("ANIDB_PORT", 9000)
	v.SetDefault("ANIDB_LOCAL_PORT", 0)
	v.SetDefault("ANIDB_MAX_RETRIES", 3)
	v.SetDefault("ANIDB_REQUEST_TIMEOUT", "10s")
	v.SetDefault("ANIDB_LOGIN_TIMEOUT", "30s")
	v.SetDefault("ANIDB_KEEPALIVE_INTERVAL", "5m")
	v.SetDefault("ANIDB_RATE_LIMIT_COOLDOWN", "30s")
	v.SetDefault("ANIDB_BAN_COOLDOWN", "30m")
	v.SetDefault("ANIDB_PACKET_INTERVAL", "2s")
	v.SetDefault("ANIDB_CACHE_TTL", "24h")
	v.SetDefault("SCAN_SCHEDULE", "0 */6 * * *")
	v.SetDefault("SCAN_WORKERS", 4)
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}
