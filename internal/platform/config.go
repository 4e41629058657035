package platform

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Listener
	Addr   string `env:"WS_ADDR" envDefault:":8081"`
	WSPath string `env:"WS_PATH" envDefault:"/websocket"`
	NodeID string `env:"WS_NODE_ID"` // Generated when empty

	// Per-connection behaviour
	IdleTimeout     time.Duration `env:"WS_IDLE_TIMEOUT" envDefault:"180s"`
	MaxFramePayload int64         `env:"WS_MAX_FRAME_PAYLOAD" envDefault:"65536"`
	SendBuffer      int           `env:"WS_SEND_BUFFER" envDefault:"256"`
	WriteWait       time.Duration `env:"WS_WRITE_WAIT" envDefault:"5s"`
	MessageRate     float64       `env:"WS_MESSAGE_RATE" envDefault:"10"`
	MessageBurst    int           `env:"WS_MESSAGE_BURST" envDefault:"100"`

	// Admission control
	MaxConnections     int     `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	CPURejectThreshold float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"90.0"`
	MemoryLimit        int64   `env:"WS_MEMORY_LIMIT" envDefault:"1073741824"` // 1GB
	ConnRateIPBurst    int     `env:"WS_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPRate     float64 `env:"WS_CONN_RATE_IP_RATE" envDefault:"1.0"`
	ConnRateEnabled    bool    `env:"WS_CONN_RATE_ENABLED" envDefault:"false"`

	// Fanout dispatch pool
	WorkerCount int `env:"WS_WORKER_COUNT" envDefault:"0"` // 0 = 2 × GOMAXPROCS
	WorkerQueue int `env:"WS_WORKER_QUEUE" envDefault:"1024"`

	// Balancer
	MaxUsersPerAgent int64 `env:"CS_MAX_USERS_PER_AGENT" envDefault:"20"`

	// Shared store
	StoreMode          string        `env:"STORE_MODE" envDefault:"distributed"`
	RedisAddr          string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword      string        `env:"REDIS_PASSWORD"`
	RedisDB            int           `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix          string        `env:"STORE_KEY_PREFIX" envDefault:"websocket:"`
	StoreTimeout       time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`
	StoreCallTimeout   time.Duration `env:"STORE_CALL_TIMEOUT" envDefault:"500ms"`
	StoreProbeInterval time.Duration `env:"STORE_PROBE_INTERVAL" envDefault:"5s"`

	// Fanout bus
	FanoutBackend string `env:"FANOUT_BACKEND" envDefault:"store"`
	NATSURL       string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubject   string `env:"NATS_SUBJECT" envDefault:"websocket.fanout"`

	// Authentication
	AuthMode          string        `env:"AUTH_MODE" envDefault:"jwt"`
	JWTSecret         string        `env:"JWT_SECRET"`
	AuthValidateURL   string        `env:"AUTH_VALIDATE_URL"`
	AuthUserInfoURL   string        `env:"AUTH_USER_INFO_URL"`
	AuthTimeout       time.Duration `env:"AUTH_TIMEOUT" envDefault:"3s"`
	AuthFallbackLocal bool          `env:"AUTH_FALLBACK_LOCAL" envDefault:"true"`
	TokenTTL          time.Duration `env:"TOKEN_TTL" envDefault:"1h"`

	// Conversation event mirror (disabled when no brokers are set)
	KafkaBrokers           string `env:"KAFKA_BROKERS"`
	KafkaConversationTopic string `env:"KAFKA_CONVERSATION_TOPIC" envDefault:"cs.conversation.events"`
	KafkaNotifyTopic       string `env:"KAFKA_NOTIFY_TOPIC"` // Inbound notifications; empty disables the consumer
	KafkaConsumerGroup     string `env:"KAFKA_CONSUMER_GROUP" envDefault:"cs-gateway"`

	// Admin HTTP surface
	AdminEnabled bool `env:"ADMIN_ENABLED" envDefault:"true"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// Load .env file (optional - OK if it doesn't exist)
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("WS_PATH must start with '/', got %q", c.WSPath)
	}
	if c.NodeID == "" {
		return fmt.Errorf("WS_NODE_ID must not be empty")
	}

	// Range checks
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("WS_IDLE_TIMEOUT must be > 0, got %s", c.IdleTimeout)
	}
	if c.MaxFramePayload < 1 {
		return fmt.Errorf("WS_MAX_FRAME_PAYLOAD must be > 0, got %d", c.MaxFramePayload)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("WS_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("WS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.MaxUsersPerAgent < 1 {
		return fmt.Errorf("CS_MAX_USERS_PER_AGENT must be > 0, got %d", c.MaxUsersPerAgent)
	}
	if c.WorkerQueue < 1 {
		return fmt.Errorf("WS_WORKER_QUEUE must be > 0, got %d", c.WorkerQueue)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0, got %s", c.StoreTimeout)
	}
	if c.StoreCallTimeout <= 0 || c.StoreCallTimeout > c.StoreTimeout {
		return fmt.Errorf("STORE_CALL_TIMEOUT must be > 0 and <= STORE_TIMEOUT, got %s", c.StoreCallTimeout)
	}

	if c.KafkaNotifyTopic != "" && c.KafkaBrokers == "" {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_NOTIFY_TOPIC is set")
	}

	// Enum checks
	if c.StoreMode != "distributed" && c.StoreMode != "local" {
		return fmt.Errorf("STORE_MODE must be one of: distributed, local (got: %s)", c.StoreMode)
	}
	if c.FanoutBackend != "store" && c.FanoutBackend != "nats" {
		return fmt.Errorf("FANOUT_BACKEND must be one of: store, nats (got: %s)", c.FanoutBackend)
	}

	switch c.AuthMode {
	case "jwt":
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when AUTH_MODE=jwt")
		}
	case "store":
	case "external":
		if c.AuthValidateURL == "" {
			return fmt.Errorf("AUTH_VALIDATE_URL is required when AUTH_MODE=external")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be one of: jwt, store, external (got: %s)", c.AuthMode)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// KafkaBrokerList splits KAFKA_BROKERS on commas, dropping blanks
func (c *Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("ws_path", c.WSPath).
		Str("node_id", c.NodeID).
		Dur("idle_timeout", c.IdleTimeout).
		Int64("max_frame_payload", c.MaxFramePayload).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Int64("max_users_per_agent", c.MaxUsersPerAgent).
		Str("store_mode", c.StoreMode).
		Str("redis_addr", c.RedisAddr).
		Str("key_prefix", c.KeyPrefix).
		Dur("store_call_timeout", c.StoreCallTimeout).
		Str("fanout_backend", c.FanoutBackend).
		Str("auth_mode", c.AuthMode).
		Bool("kafka_mirror", c.KafkaBrokers != "").
		Str("kafka_notify_topic", c.KafkaNotifyTopic).
		Bool("admin_enabled", c.AdminEnabled).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
