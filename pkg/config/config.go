package config

import (
	"fmt"
	"strings"
	"time"

	"pairchat-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Firestore FirestoreConfig
	Call      CallConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Push      PushConfig
	Log       LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
}

// FirestoreConfig holds the signaling backing store configuration
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
}

// CallConfig holds call engine tuning
type CallConfig struct {
	STUNServers []string
	RingTimeout time.Duration
}

// DatabaseConfig holds CockroachDB configuration for the call log
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration for push token storage
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret             string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

// PushConfig holds push notification configuration
type PushConfig struct {
	Provider       string // firebase, apns, mock
	APNSKeyFile    string
	APNSKeyID      string
	APNSTeamID     string
	APNSTopic      string
	APNSProduction bool
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// defaultSTUNServers matches the ICE configuration the clients use.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// Load loads configuration from environment variables. Secrets support the
// Docker convention of a companion <KEY>_FILE variable pointing at a file.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8080),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "pairchat"),
		},
		Firestore: FirestoreConfig{
			ProjectID:       env.GetString("FIRESTORE_PROJECT_ID", ""),
			CredentialsFile: env.GetString("GOOGLE_APPLICATION_CREDENTIALS", ""),
		},
		Call: CallConfig{
			STUNServers: getEnvAsSlice("CALL_STUN_SERVERS", defaultSTUNServers),
			RingTimeout: env.GetDuration("CALL_RING_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "pairchat"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:             env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry:  env.GetDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry: env.GetDuration("JWT_REFRESH_EXPIRY", 720*time.Hour),
		},
		Push: PushConfig{
			Provider:       env.GetString("PUSH_PROVIDER", "firebase"),
			APNSKeyFile:    env.GetString("APNS_KEY_FILE", ""),
			APNSKeyID:      env.GetString("APNS_KEY_ID", ""),
			APNSTeamID:     env.GetString("APNS_TEAM_ID", ""),
			APNSTopic:      env.GetString("APNS_TOPIC", "com.pairchat.app"),
			APNSProduction: env.GetBool("APNS_PRODUCTION", false),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID must be set in production")
		}
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.Call.RingTimeout < 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must not be negative")
	}

	return nil
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := env.GetString(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
