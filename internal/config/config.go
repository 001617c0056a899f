// Package config loads server settings from defaults, ROOMSYNC_* environment
// variables and JSON or YAML files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"roomsync/internal/reconnect"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv
const EnvPrefix = "ROOMSYNC_"

// DevelopmentSecret is the default token secret. Deployments must override it.
const DevelopmentSecret = "roomsync-development-secret"

// Config holds all runtime settings
type Config struct {
	Database    *DatabaseConfig    `json:"database"`
	HTTP        *HTTPConfig        `json:"http"`
	WebSocket   *WebSocketConfig   `json:"websocket"`
	Reconnect   *ReconnectConfig   `json:"reconnect"`
	Access      *AccessConfig      `json:"access"`
	Auth        *AuthConfig        `json:"auth"`
	Interaction *InteractionConfig `json:"interaction"`
	RateLimit   *RateLimitConfig   `json:"rate_limit"`
}

type DatabaseConfig struct {
	Path           string        `json:"path"`
	Timeout        time.Duration `json:"timeout"`
	MaxConnections int           `json:"max_connections"`
	// MigrationsPath empty uses the embedded migrations
	MigrationsPath string `json:"migrations_path"`
}

type HTTPConfig struct {
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	Host            string        `json:"host"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	// ReadTimeout is how long a connection may stay silent (no pong)
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	BufferSize     int           `json:"buffer_size"`
	MaxMessageSize int64         `json:"max_message_size"`
	// LeaveGrace keeps a dropped participant on the roster as reconnecting
	LeaveGrace time.Duration `json:"leave_grace"`
	// QueueLimit bounds each hub subscription queue
	QueueLimit int `json:"queue_limit"`
}

// ReconnectConfig is the client backoff schedule
type ReconnectConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
}

type AccessConfig struct {
	// Buffer is how early students may enter before the scheduled start
	Buffer time.Duration `json:"buffer"`
}

type AuthConfig struct {
	Secret   string        `json:"-"`
	Issuer   string        `json:"issuer"`
	TokenTTL time.Duration `json:"token_ttl"`
}

type InteractionConfig struct {
	AcceptLateResponses bool `json:"accept_late_responses"`
}

type RateLimitConfig struct {
	// PerMinute of zero disables rate limiting
	PerMinute int           `json:"per_minute"`
	Burst     int           `json:"burst"`
	IdleTTL   time.Duration `json:"idle_ttl"`
}

// DefaultConfig returns settings suited to a single classroom server
func DefaultConfig() *Config {
	policy := reconnect.DefaultPolicy()
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/roomsync.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Host:            "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     256,
			MaxMessageSize: 68 * 1024,
			LeaveGrace:     0,
			QueueLimit:     1024,
		},
		Reconnect: &ReconnectConfig{
			InitialDelay: policy.InitialDelay,
			MaxDelay:     policy.MaxDelay,
			Multiplier:   policy.Multiplier,
			MaxAttempts:  policy.MaxAttempts,
		},
		Access: &AccessConfig{
			Buffer: 10 * time.Minute,
		},
		Auth: &AuthConfig{
			Secret:   DevelopmentSecret,
			Issuer:   "roomsync",
			TokenTTL: 12 * time.Hour,
		},
		Interaction: &InteractionConfig{},
		RateLimit: &RateLimitConfig{
			PerMinute: 120,
			Burst:     20,
			IdleTTL:   10 * time.Minute,
		},
	}
}

// Policy converts the reconnect section into a backoff policy
func (r *ReconnectConfig) Policy() reconnect.Policy {
	return reconnect.Policy{
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		MaxAttempts:  r.MaxAttempts,
	}
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP shutdown timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}
	if c.WebSocket.LeaveGrace < 0 {
		return fmt.Errorf("WebSocket leave grace cannot be negative")
	}
	if c.WebSocket.QueueLimit <= 0 {
		return fmt.Errorf("WebSocket queue limit must be positive")
	}

	if c.Reconnect == nil {
		return fmt.Errorf("reconnect configuration is required")
	}
	if err := c.Reconnect.Policy().Validate(); err != nil {
		return err
	}

	if c.Access == nil {
		return fmt.Errorf("access configuration is required")
	}
	if c.Access.Buffer < 0 {
		return fmt.Errorf("access buffer cannot be negative")
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret cannot be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token TTL must be positive")
	}

	if c.Interaction == nil {
		return fmt.Errorf("interaction configuration is required")
	}

	if c.RateLimit == nil {
		return fmt.Errorf("rate limit configuration is required")
	}
	if c.RateLimit.PerMinute < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.RateLimit.PerMinute > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit burst must be positive")
	}
	if c.RateLimit.IdleTTL <= 0 {
		return fmt.Errorf("rate limit idle TTL must be positive")
	}

	return nil
}

// LoadEnvFile loads KEY=value pairs from path into the process environment.
// Variables already set are not overridden.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv applies ROOMSYNC_* variables over the defaults. Malformed
// values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	envString("DATABASE_PATH", &config.Database.Path)
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)
	envInt("DATABASE_MAX_CONNECTIONS", &config.Database.MaxConnections)
	envString("DATABASE_MIGRATIONS_PATH", &config.Database.MigrationsPath)

	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envDuration("HTTP_SHUTDOWN_TIMEOUT", &config.HTTP.ShutdownTimeout)

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)
	envInt64("WEBSOCKET_MAX_MESSAGE_SIZE", &config.WebSocket.MaxMessageSize)
	envDuration("WEBSOCKET_LEAVE_GRACE", &config.WebSocket.LeaveGrace)
	envInt("WEBSOCKET_QUEUE_LIMIT", &config.WebSocket.QueueLimit)

	envDuration("RECONNECT_INITIAL_DELAY", &config.Reconnect.InitialDelay)
	envDuration("RECONNECT_MAX_DELAY", &config.Reconnect.MaxDelay)
	envFloat("RECONNECT_MULTIPLIER", &config.Reconnect.Multiplier)
	envInt("RECONNECT_MAX_ATTEMPTS", &config.Reconnect.MaxAttempts)

	envDuration("ACCESS_BUFFER", &config.Access.Buffer)

	envString("AUTH_SECRET", &config.Auth.Secret)
	envString("AUTH_ISSUER", &config.Auth.Issuer)
	envDuration("AUTH_TOKEN_TTL", &config.Auth.TokenTTL)

	envBool("INTERACTION_ACCEPT_LATE_RESPONSES", &config.Interaction.AcceptLateResponses)

	envInt("RATE_LIMIT_PER_MINUTE", &config.RateLimit.PerMinute)
	envInt("RATE_LIMIT_BURST", &config.RateLimit.Burst)
	envDuration("RATE_LIMIT_IDLE_TTL", &config.RateLimit.IdleTTL)

	return config
}

func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile is the on-disk shape. Durations are strings such as "30s".
type ConfigFile struct {
	Database    *DatabaseConfigFile    `json:"database" yaml:"database"`
	HTTP        *HTTPConfigFile        `json:"http" yaml:"http"`
	WebSocket   *WebSocketConfigFile   `json:"websocket" yaml:"websocket"`
	Reconnect   *ReconnectConfigFile   `json:"reconnect" yaml:"reconnect"`
	Access      *AccessConfigFile      `json:"access" yaml:"access"`
	Auth        *AuthConfigFile        `json:"auth" yaml:"auth"`
	Interaction *InteractionConfigFile `json:"interaction" yaml:"interaction"`
	RateLimit   *RateLimitConfigFile   `json:"rate_limit" yaml:"rate_limit"`
}

type DatabaseConfigFile struct {
	Path           string `json:"path" yaml:"path"`
	Timeout        string `json:"timeout" yaml:"timeout"`
	MaxConnections int    `json:"max_connections" yaml:"max_connections"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type HTTPConfigFile struct {
	Port            int    `json:"port" yaml:"port"`
	ReadTimeout     string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    string `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Host            string `json:"host" yaml:"host"`
}

type WebSocketConfigFile struct {
	PingInterval   string `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout    string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   string `json:"write_timeout" yaml:"write_timeout"`
	BufferSize     int    `json:"buffer_size" yaml:"buffer_size"`
	MaxMessageSize int64  `json:"max_message_size" yaml:"max_message_size"`
	LeaveGrace     string `json:"leave_grace" yaml:"leave_grace"`
	QueueLimit     int    `json:"queue_limit" yaml:"queue_limit"`
}

type ReconnectConfigFile struct {
	InitialDelay string  `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     string  `json:"max_delay" yaml:"max_delay"`
	Multiplier   float64 `json:"multiplier" yaml:"multiplier"`
	MaxAttempts  int     `json:"max_attempts" yaml:"max_attempts"`
}

type AccessConfigFile struct {
	Buffer string `json:"buffer" yaml:"buffer"`
}

type AuthConfigFile struct {
	Secret   string `json:"secret" yaml:"secret"`
	Issuer   string `json:"issuer" yaml:"issuer"`
	TokenTTL string `json:"token_ttl" yaml:"token_ttl"`
}

type InteractionConfigFile struct {
	AcceptLateResponses *bool `json:"accept_late_responses" yaml:"accept_late_responses"`
}

type RateLimitConfigFile struct {
	PerMinute *int   `json:"per_minute" yaml:"per_minute"`
	Burst     int    `json:"burst" yaml:"burst"`
	IdleTTL   string `json:"idle_ttl" yaml:"idle_ttl"`
}

// LoadFromFile reads a JSON file, or YAML when the extension is .yaml/.yml,
// over the defaults and validates the result.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := loadFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

func loadFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := file.apply(config); err != nil {
		return fmt.Errorf("invalid value in %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return nil
}

// apply overlays the set fields of f onto config
func (f *ConfigFile) apply(config *Config) error {
	var errs []error
	duration := func(name, value string, dst *time.Duration) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}

	if db := f.Database; db != nil {
		if db.Path != "" {
			config.Database.Path = db.Path
		}
		duration("database.timeout", db.Timeout, &config.Database.Timeout)
		if db.MaxConnections > 0 {
			config.Database.MaxConnections = db.MaxConnections
		}
		if db.MigrationsPath != "" {
			config.Database.MigrationsPath = db.MigrationsPath
		}
	}

	if h := f.HTTP; h != nil {
		if h.Port > 0 {
			config.HTTP.Port = h.Port
		}
		if h.Host != "" {
			config.HTTP.Host = h.Host
		}
		duration("http.read_timeout", h.ReadTimeout, &config.HTTP.ReadTimeout)
		duration("http.write_timeout", h.WriteTimeout, &config.HTTP.WriteTimeout)
		duration("http.shutdown_timeout", h.ShutdownTimeout, &config.HTTP.ShutdownTimeout)
	}

	if ws := f.WebSocket; ws != nil {
		duration("websocket.ping_interval", ws.PingInterval, &config.WebSocket.PingInterval)
		duration("websocket.read_timeout", ws.ReadTimeout, &config.WebSocket.ReadTimeout)
		duration("websocket.write_timeout", ws.WriteTimeout, &config.WebSocket.WriteTimeout)
		duration("websocket.leave_grace", ws.LeaveGrace, &config.WebSocket.LeaveGrace)
		if ws.BufferSize > 0 {
			config.WebSocket.BufferSize = ws.BufferSize
		}
		if ws.MaxMessageSize > 0 {
			config.WebSocket.MaxMessageSize = ws.MaxMessageSize
		}
		if ws.QueueLimit > 0 {
			config.WebSocket.QueueLimit = ws.QueueLimit
		}
	}

	if rc := f.Reconnect; rc != nil {
		duration("reconnect.initial_delay", rc.InitialDelay, &config.Reconnect.InitialDelay)
		duration("reconnect.max_delay", rc.MaxDelay, &config.Reconnect.MaxDelay)
		if rc.Multiplier > 0 {
			config.Reconnect.Multiplier = rc.Multiplier
		}
		if rc.MaxAttempts > 0 {
			config.Reconnect.MaxAttempts = rc.MaxAttempts
		}
	}

	if a := f.Access; a != nil {
		duration("access.buffer", a.Buffer, &config.Access.Buffer)
	}

	if a := f.Auth; a != nil {
		if a.Secret != "" {
			config.Auth.Secret = a.Secret
		}
		if a.Issuer != "" {
			config.Auth.Issuer = a.Issuer
		}
		duration("auth.token_ttl", a.TokenTTL, &config.Auth.TokenTTL)
	}

	if i := f.Interaction; i != nil && i.AcceptLateResponses != nil {
		config.Interaction.AcceptLateResponses = *i.AcceptLateResponses
	}

	if rl := f.RateLimit; rl != nil {
		if rl.PerMinute != nil {
			config.RateLimit.PerMinute = *rl.PerMinute
		}
		if rl.Burst > 0 {
			config.RateLimit.Burst = rl.Burst
		}
		duration("rate_limit.idle_ttl", rl.IdleTTL, &config.RateLimit.IdleTTL)
	}

	return errors.Join(errs...)
}

// LoadConfigWithPrecedence resolves settings as file > environment > defaults.
// A missing or invalid file is logged and the environment settings are used.
func LoadConfigWithPrecedence(path string) *Config {
	config := LoadFromEnv()
	if path == "" {
		return config
	}

	merged := LoadFromEnv()
	if err := loadFile(path, merged); err != nil {
		log.Printf("Ignoring config file: %v", err)
		return config
	}
	return merged
}
