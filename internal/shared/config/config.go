package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	KurrentDB    KurrentDBConfig
	Redis        RedisConfig
	Auth         AuthConfig
	RateLimit    RateLimitConfig
	Workflow     WorkflowConfig
	Notification NotificationConfig
}

type ServerConfig struct {
	Port           int
	Env            string
	LogLevel       string
	AllowedOrigins []string
}

// IsDevelopment reports whether the server runs with development defaults
func (s ServerConfig) IsDevelopment() bool {
	return s.Env == "development"
}

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

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	// Enabled turns on publishing of workflow events
	Enabled bool
	Host    string
	// Port is the gRPC/HTTP port (default 2113)
	Port     int
	Insecure bool
	Username string
	Password string
}

// ConnectionString builds the esdb:// URL for the client
func (k KurrentDBConfig) ConnectionString() string {
	auth := ""
	if k.Username != "" {
		auth = fmt.Sprintf("%s:%s@", k.Username, k.Password)
	}
	return fmt.Sprintf("esdb://%s%s:%d?tls=%t", auth, k.Host, k.Port, !k.Insecure)
}

// RedisConfig configures the per-clinic notification inbox.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	// InboxSize caps each clinic inbox list
	InboxSize int
}

type AuthConfig struct {
	JWTSecret string
	// HeaderActors accepts X-Actor-* headers instead of bearer tokens
	HeaderActors bool
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// WorkflowConfig holds the access policy and the emergency/consultation guards.
type WorkflowConfig struct {
	ConsultationWindow   time.Duration
	OneTimeWindow        time.Duration
	DefaultTemporaryDays int
	// CalendarTimezone fixes the "same day" used by emergency deduplication
	CalendarTimezone string
	// SelfConsultationRadiusKm rejects consultations booked from the home clinic
	SelfConsultationRadiusKm float64
}

// Location resolves CalendarTimezone, falling back to UTC
func (w WorkflowConfig) Location() *time.Location {
	loc, err := time.LoadLocation(w.CalendarTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type NotificationConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			Env:            getEnv("ENV", "development"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "careflow"),
			Password: getEnv("DB_PASSWORD", "careflow"),
			Database: getEnv("DB_NAME", "careflow"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 25),
			MinConns: getEnvInt("DB_MIN_CONNS", 5),
		},
		KurrentDB: KurrentDBConfig{
			Enabled:  getEnvBool("KURRENTDB_ENABLED", false),
			Host:     getEnv("KURRENTDB_HOST", "localhost"),
			Port:     getEnvInt("KURRENTDB_PORT", 2113),
			Insecure: getEnvBool("KURRENTDB_INSECURE", true),
			Username: getEnv("KURRENTDB_USERNAME", ""),
			Password: getEnv("KURRENTDB_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Enabled:   getEnvBool("REDIS_ENABLED", false),
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			InboxSize: getEnvInt("REDIS_INBOX_SIZE", 500),
		},
		Auth: AuthConfig{
			JWTSecret:    getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
			HeaderActors: getEnvBool("AUTH_HEADER_ACTORS", false),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvFloat("RATE_LIMIT_RPS", 20),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 40),
		},
		Workflow: WorkflowConfig{
			ConsultationWindow:       getEnvDuration("ACCESS_CONSULTATION_WINDOW", 24*time.Hour),
			OneTimeWindow:            getEnvDuration("ACCESS_ONE_TIME_WINDOW", 24*time.Hour),
			DefaultTemporaryDays:     getEnvInt("ACCESS_DEFAULT_TEMPORARY_DAYS", 30),
			CalendarTimezone:         getEnv("CALENDAR_TIMEZONE", "UTC"),
			SelfConsultationRadiusKm: getEnvFloat("SELF_CONSULTATION_RADIUS_KM", 1.0),
		},
		Notification: NotificationConfig{
			Workers:    getEnvInt("NOTIFICATION_WORKERS", 4),
			BufferSize: getEnvInt("NOTIFICATION_BUFFER", 1000),
			MaxRetries: getEnvInt("NOTIFICATION_MAX_RETRIES", 3),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the workflow cannot run with
func (c *Config) Validate() error {
	if c.Workflow.ConsultationWindow <= 0 || c.Workflow.OneTimeWindow <= 0 {
		return fmt.Errorf("access windows must be positive")
	}
	if c.Workflow.DefaultTemporaryDays <= 0 {
		return fmt.Errorf("ACCESS_DEFAULT_TEMPORARY_DAYS must be positive, got %d", c.Workflow.DefaultTemporaryDays)
	}
	if _, err := time.LoadLocation(c.Workflow.CalendarTimezone); err != nil {
		return fmt.Errorf("invalid CALENDAR_TIMEZONE %q: %w", c.Workflow.CalendarTimezone, err)
	}
	if !c.Server.IsDevelopment() && c.Auth.JWTSecret == "dev-secret-change-in-prod" {
		return fmt.Errorf("JWT_SECRET must be set outside development")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
