package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// State backends
const (
	StateBackendMemory   = "memory"
	StateBackendPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Events   EventsConfig
	SSE      SSEConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// RedisConfig holds the optional Redis dependency. An empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT token configuration
type JWTConfig struct {
	AccessSecret      string
	AccessTokenExpiry time.Duration
	Issuer            string
}

// EventsConfig holds event queue and long-poll settings
type EventsConfig struct {
	StateBackend     string // memory or postgres
	PollTimeout      time.Duration
	DefaultLifespan  time.Duration
	MaxLifespan      time.Duration
	SweepInterval    time.Duration
	MaxBatch         int
	MaxQueuesPerUser int
	RegisterLimit    int // registrations per user per RegisterWindow
	RegisterWindow   time.Duration
}

// SSEConfig holds the streaming transport settings
type SSEConfig struct {
	HeartbeatInterval     time.Duration
	MaxConnectionsPerUser int
	ConnectionTimeout     time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			AllowedOrigins:  getListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			ShutdownTimeout: getSecondsEnv("SERVER_SHUTDOWN_TIMEOUT_SECS", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "teamchat"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getIntEnv("DB_MAX_CONNS", 50)),
			MinConns: int32(getIntEnv("DB_MIN_CONNS", 5)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			AccessSecret:      getEnv("JWT_ACCESS_SECRET", ""),
			AccessTokenExpiry: getDurationEnv("JWT_ACCESS_EXPIRY", 15*time.Minute),
			Issuer:            getEnv("JWT_ISSUER", "teamchat-events"),
		},
		Events: EventsConfig{
			StateBackend:     strings.ToLower(getEnv("STATE_BACKEND", StateBackendMemory)),
			PollTimeout:      getSecondsEnv("EVENTS_POLL_TIMEOUT_SECS", 90*time.Second),
			DefaultLifespan:  getSecondsEnv("EVENTS_DEFAULT_LIFESPAN_SECS", 10*time.Minute),
			MaxLifespan:      getSecondsEnv("EVENTS_MAX_LIFESPAN_SECS", 7*24*time.Hour),
			SweepInterval:    getSecondsEnv("EVENTS_SWEEP_INTERVAL_SECS", time.Minute),
			MaxBatch:         getIntEnv("EVENTS_MAX_BATCH", 1000),
			MaxQueuesPerUser: getIntEnv("EVENTS_MAX_QUEUES_PER_USER", 20),
			RegisterLimit:    getIntEnv("EVENTS_REGISTER_LIMIT", 60),
			RegisterWindow:   getSecondsEnv("EVENTS_REGISTER_WINDOW_SECS", time.Minute),
		},
		SSE: SSEConfig{
			HeartbeatInterval:     getSecondsEnv("SSE_HEARTBEAT_INTERVAL", 30*time.Second),
			MaxConnectionsPerUser: getIntEnv("SSE_MAX_CONNECTIONS_PER_USER", 5),
			ConnectionTimeout:     getSecondsEnv("SSE_CONNECTION_TIMEOUT_SECS", time.Hour),
		},
	}
}

// Validate reports configuration the server cannot start with
func (c *Config) Validate() error {
	if c.JWT.AccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET environment variable is required")
	}
	switch c.Events.StateBackend {
	case StateBackendMemory, StateBackendPostgres:
	default:
		return fmt.Errorf("STATE_BACKEND must be %q or %q, got %q", StateBackendMemory, StateBackendPostgres, c.Events.StateBackend)
	}
	if c.Events.PollTimeout <= 0 || c.Events.MaxBatch <= 0 || c.Events.MaxQueuesPerUser <= 0 {
		return fmt.Errorf("event poll timeout, max batch and max queues per user must be positive")
	}
	if c.Events.MaxLifespan < c.Events.DefaultLifespan {
		return fmt.Errorf("EVENTS_MAX_LIFESPAN_SECS must not be below EVENTS_DEFAULT_LIFESPAN_SECS")
	}
	return nil
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// URL returns the PostgreSQL connection URL used by migrations
func (d *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv returns an integer environment variable or default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getDurationEnv returns duration from environment variable (in minutes) or default
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

// getSecondsEnv returns duration from environment variable (in seconds) or default
func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getListEnv returns a comma separated environment variable or default
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
