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
	Env       string
	Server    ServerConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Session   SessionConfig
	Dispense  DispenseConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
	Log       LogConfig
}

type ServerConfig struct {
	HTTPPort     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
}

type KafkaConfig struct {
	Brokers              []string
	ProducerRetryMax     int
	ProducerRequiredAcks int
	Enabled              bool
	ConsumerGroupID      string
}

type SessionConfig struct {
	TTL               time.Duration
	SweepInterval     time.Duration
	LowStockThreshold int
	RetentionWindow   time.Duration
	RetentionBatch    int
	RetentionInterval time.Duration
}

type DispenseConfig struct {
	MachineID        string
	BackendURL       string
	ActuatorURL      string
	MaxRetries       int
	RetryDelay       time.Duration
	TransportRetries int
	TransportBackoff time.Duration
	SlotMin          int
	SlotMax          int
}

type RateLimitConfig struct {
	CreatePerMachine int
	ExtendPerSession int
	Window           time.Duration
	HTTPRequests     int
	HTTPWindow       time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type LogConfig struct {
	Level    string
	Mode     string
	Encoding string
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Env: getEnv("ENV", "development"),
		Server: ServerConfig{
			HTTPPort:     getEnvAsInt("SERVER_HTTP_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			MaxRetries:   getEnvAsInt("REDIS_MAX_RETRIES", 3),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 5),
		},
		Kafka: KafkaConfig{
			Brokers:              getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			ProducerRetryMax:     getEnvAsInt("KAFKA_PRODUCER_RETRY_MAX", 3),
			ProducerRequiredAcks: getEnvAsInt("KAFKA_PRODUCER_REQUIRED_ACKS", 1),
			Enabled:              getEnvAsBool("KAFKA_ENABLED", true),
			ConsumerGroupID:      getEnv("KAFKA_CONSUMER_GROUP_ID", "kiosk-controller"),
		},
		Session: SessionConfig{
			TTL:               getEnvAsDuration("SESSION_TTL", 10*time.Minute),
			SweepInterval:     getEnvAsDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
			LowStockThreshold: getEnvAsInt("SESSION_LOW_STOCK_THRESHOLD", 2),
			RetentionWindow:   getEnvAsDuration("EVENT_RETENTION_WINDOW", 7*24*time.Hour),
			RetentionBatch:    getEnvAsInt("EVENT_RETENTION_BATCH", 100),
			RetentionInterval: getEnvAsDuration("EVENT_RETENTION_INTERVAL", 1*time.Hour),
		},
		Dispense: DispenseConfig{
			MachineID:        getEnv("DISPENSE_MACHINE_ID", ""),
			BackendURL:       getEnv("DISPENSE_BACKEND_URL", "http://localhost:8080"),
			ActuatorURL:      getEnv("DISPENSE_ACTUATOR_URL", "http://localhost:9090"),
			MaxRetries:       getEnvAsInt("DISPENSE_MAX_RETRIES", 2),
			RetryDelay:       getEnvAsDuration("DISPENSE_RETRY_DELAY", 2*time.Second),
			TransportRetries: getEnvAsInt("DISPENSE_TRANSPORT_RETRIES", 1),
			TransportBackoff: getEnvAsDuration("DISPENSE_TRANSPORT_BACKOFF", 500*time.Millisecond),
			SlotMin:          getEnvAsInt("DISPENSE_SLOT_MIN", 1),
			SlotMax:          getEnvAsInt("DISPENSE_SLOT_MAX", 60),
		},
		RateLimit: RateLimitConfig{
			CreatePerMachine: getEnvAsInt("RATE_LIMIT_CREATE_PER_MACHINE", 5),
			ExtendPerSession: getEnvAsInt("RATE_LIMIT_EXTEND_PER_SESSION", 3),
			Window:           getEnvAsDuration("RATE_LIMIT_WINDOW", 1*time.Minute),
			HTTPRequests:     getEnvAsInt("RATE_LIMIT_HTTP_REQUESTS", 120),
			HTTPWindow:       getEnvAsDuration("RATE_LIMIT_HTTP_WINDOW", 1*time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "kiosk-dev-secret"),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Mode:     getEnv("LOG_MODE", "development"),
			Encoding: getEnv("LOG_ENCODING", "console"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.HTTPPort)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "kiosk-dev-secret" {
		if c.Env == "production" {
			return fmt.Errorf("JWT secret must be set in production")
		}
	}

	if c.Dispense.SlotMin < 0 || c.Dispense.SlotMax < c.Dispense.SlotMin {
		return fmt.Errorf("invalid slot range: [%d, %d]", c.Dispense.SlotMin, c.Dispense.SlotMax)
	}

	if c.Session.RetentionBatch <= 0 {
		return fmt.Errorf("event retention batch must be positive")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return defaultValue
	}

	return result
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
