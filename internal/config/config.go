package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
)

// Log holds the logging settings shared by the server and the agent.
type Log struct {
	Level  string
	Format string
	File   string
}

// Retention bounds how long housekeeping keeps history.
type Retention struct {
	HousekeepingInterval time.Duration
	Logs                 time.Duration
	Events               time.Duration
}

// ServerConfig configures the cloud process.
type ServerConfig struct {
	ServerPort      string
	DatabaseURL     string
	RedisURL        string
	JWTSecret       string
	JWTExpiry       time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
	SettleWindow    time.Duration
	DefaultStrategy models.ResolutionStrategy
	Retention       Retention
	Log             Log
}

// AgentConfig configures the process running next to a local installation.
type AgentConfig struct {
	DatabaseURL string
	CloudURL    string
	InstanceID  uuid.UUID
	// InstanceType is recorded on the local instance row.
	InstanceType models.InstanceType
	// Either InstanceToken or the API key and secret must be set.
	InstanceToken     string
	InstanceAPIKey    string
	InstanceAPISecret string

	BatchSize        int
	PullLookback     time.Duration
	Tick             time.Duration
	MaxConcurrent    int
	HTTPTimeout      time.Duration
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	DefaultStrategy  models.ResolutionStrategy
	Retention        Retention
	Log              Log
}

func LoadServerConfig() (*ServerConfig, error) {
	var p parser
	cfg := &ServerConfig{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		JWTExpiry:       p.duration("JWT_EXPIRY", "8760h"),
		RateLimitRPS:    p.float("RATE_LIMIT_RPS", "10"),
		RateLimitBurst:  p.int("RATE_LIMIT_BURST", "20"),
		SettleWindow:    p.duration("SYNC_SETTLE_WINDOW", "2s"),
		DefaultStrategy: p.strategy("CONFLICT_DEFAULT_STRATEGY", string(models.StrategyLatestWins)),
		Retention:       p.retention(),
		Log:             loadLog(),
	}
	if p.err != nil {
		return nil, p.err
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}
	return cfg, nil
}

// LoadAgentConfig reads the agent settings. Credentials are only required
// when requireCloud is set, so local maintenance commands run offline.
func LoadAgentConfig(requireCloud bool) (*AgentConfig, error) {
	var p parser
	cfg := &AgentConfig{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		CloudURL:          os.Getenv("CLOUD_URL"),
		InstanceType:      models.InstanceType(getEnv("INSTANCE_TYPE", string(models.InstanceHospital))),
		InstanceToken:     os.Getenv("INSTANCE_TOKEN"),
		InstanceAPIKey:    os.Getenv("INSTANCE_API_KEY"),
		InstanceAPISecret: os.Getenv("INSTANCE_API_SECRET"),
		BatchSize:         p.int("SYNC_BATCH_SIZE", "100"),
		PullLookback:      p.duration("SYNC_PULL_LOOKBACK", "168h"),
		Tick:              p.duration("SYNC_TICK", "1m"),
		MaxConcurrent:     p.int("SYNC_MAX_CONCURRENT", "4"),
		HTTPTimeout:       p.duration("HTTP_TIMEOUT", "30s"),
		RetryMaxAttempts:  p.int("RETRY_MAX_ATTEMPTS", "3"),
		RetryBaseDelay:    p.duration("RETRY_BASE_DELAY", "2s"),
		DefaultStrategy:   p.strategy("CONFLICT_DEFAULT_STRATEGY", string(models.StrategyLatestWins)),
		Retention:         p.retention(),
		Log:               loadLog(),
	}
	if raw := os.Getenv("INSTANCE_ID"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid INSTANCE_ID: %w", err)
		}
		cfg.InstanceID = id
	}
	if p.err != nil {
		return nil, p.err
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.InstanceID == uuid.Nil {
		return nil, errors.New("INSTANCE_ID is required")
	}
	if !cfg.InstanceType.Valid() {
		return nil, fmt.Errorf("invalid INSTANCE_TYPE %q", cfg.InstanceType)
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("SYNC_BATCH_SIZE must be positive")
	}
	if !requireCloud {
		return cfg, nil
	}
	if cfg.CloudURL == "" {
		return nil, errors.New("CLOUD_URL is required")
	}
	if cfg.InstanceToken == "" && (cfg.InstanceAPIKey == "" || cfg.InstanceAPISecret == "") {
		return nil, errors.New("INSTANCE_TOKEN or INSTANCE_API_KEY and INSTANCE_API_SECRET are required")
	}
	return cfg, nil
}

func loadLog() Log {
	return Log{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "text"),
		File:   os.Getenv("LOG_FILE"),
	}
}

// parser keeps the first conversion error so loaders can read every value
// before checking.
type parser struct {
	err error
}

func (p *parser) fail(key, raw string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
}

func (p *parser) duration(key, def string) time.Duration {
	raw := getEnv(key, def)
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
	}
	return d
}

func (p *parser) int(key, def string) int {
	raw := getEnv(key, def)
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
	}
	return n
}

func (p *parser) float(key, def string) float64 {
	raw := getEnv(key, def)
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
	}
	return f
}

func (p *parser) strategy(key, def string) models.ResolutionStrategy {
	raw := getEnv(key, def)
	s := models.ResolutionStrategy(raw)
	if !s.Valid() {
		p.fail(key, raw, errors.New("unknown resolution strategy"))
	}
	return s
}

func (p *parser) retention() Retention {
	return Retention{
		HousekeepingInterval: p.duration("HOUSEKEEPING_INTERVAL", "1h"),
		Logs:                 p.duration("LOG_RETENTION", "2160h"),
		Events:               p.duration("EVENT_RETENTION", "720h"),
	}
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
