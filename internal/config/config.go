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
	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string
	DBAutoMigrate bool

	ServerPort string
	ServerHost string

	// Origins allowed to open a WebSocket. Empty means any origin.
	AllowedOrigins []string

	// Optional HS256 secret; when set, authenticate must carry a valid token
	JWTSecret string

	// Presence mirror
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Collaboration timings
	TypingTimeout time.Duration
	AutosaveDelay time.Duration
	SaveTimeout   time.Duration

	// Autosave worker pool
	AutosaveWorkers   int
	AutosaveQueueSize int

	// Per-connection outbound buffer
	SendBufferSize int

	// Observability
	JaegerEndpoint      string
	TraceSampleRatio    float64
	OTLPMetricsEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "tracker"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		AllowedOrigins: getEnvList("ALLOWED_ORIGINS"),
		JWTSecret:      getEnv("JWT_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		JaegerEndpoint:      getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		OTLPMetricsEndpoint: getEnv("OTLP_METRICS_ENDPOINT", ""),
	}

	var err error
	if cfg.DBAutoMigrate, err = getEnvBool("DB_AUTO_MIGRATE", true); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.TypingTimeout, err = getEnvDuration("TYPING_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.AutosaveDelay, err = getEnvDuration("AUTOSAVE_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.SaveTimeout, err = getEnvDuration("SAVE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.AutosaveWorkers, err = getEnvInt("AUTOSAVE_WORKERS", 2); err != nil {
		return nil, err
	}
	if cfg.AutosaveQueueSize, err = getEnvInt("AUTOSAVE_QUEUE_SIZE", 64); err != nil {
		return nil, err
	}
	if cfg.SendBufferSize, err = getEnvInt("SEND_BUFFER_SIZE", 256); err != nil {
		return nil, err
	}

	if cfg.TraceSampleRatio, err = getEnvFloat("TRACE_SAMPLE_RATIO", 1.0); err != nil {
		return nil, err
	}

	if cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
		return nil, fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if cfg.AutosaveWorkers < 1 {
		return nil, fmt.Errorf("AUTOSAVE_WORKERS must be at least 1")
	}
	if cfg.SendBufferSize < 1 {
		return nil, fmt.Errorf("SEND_BUFFER_SIZE must be at least 1")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
