package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Engine    EngineConfig    `yaml:"engine" env:"ENGINE"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig holds the relational store settings.
type DatabaseConfig struct {
	// Driver selects postgres or sqlite.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig holds the presence cache settings.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// EngineConfig holds the collaboration policy knobs.
type EngineConfig struct {
	// DefinitionsPath points at the workflow definitions YAML file.
	DefinitionsPath string `yaml:"definitions_path" env:"DEFINITIONS_PATH"`
	// HandlerMode selects the agent handler factory: scripted, replay,
	// or live.
	HandlerMode string `yaml:"handler_mode" env:"HANDLER_MODE"`

	Approval ApprovalConfig      `yaml:"approval" env:"APPROVAL"`
	Conflict ConflictConfig      `yaml:"conflict" env:"CONFLICT"`
	Session  SessionConfig       `yaml:"session" env:"SESSION"`
	Context  ContextBudgetConfig `yaml:"context" env:"CONTEXT"`
}

// ApprovalConfig tunes the confidence-gated approval checkpoint.
type ApprovalConfig struct {
	// ConfidenceThreshold is the score below which agent responses
	// require human review.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"`
	// ReminderAfter is the pending age after which reviewers get a
	// reminder; ReviewTimeout is the age at which requests time out.
	ReminderAfter time.Duration `yaml:"reminder_after" env:"REMINDER_AFTER"`
	ReviewTimeout time.Duration `yaml:"review_timeout" env:"REVIEW_TIMEOUT"`
}

// ConflictConfig tunes the conflict detector.
type ConflictConfig struct {
	Expiry             time.Duration `yaml:"expiry" env:"EXPIRY"`
	EscalationRetryCap int           `yaml:"escalation_retry_cap" env:"ESCALATION_RETRY_CAP"`
	// InputRateLimit is buffered-input submissions per user per second;
	// zero disables rate limiting.
	InputRateLimit float64 `yaml:"input_rate_limit" env:"INPUT_RATE_LIMIT"`
	InputRateBurst int     `yaml:"input_rate_burst" env:"INPUT_RATE_BURST"`
}

// SessionConfig tunes session recovery.
type SessionConfig struct {
	RecoveryWindow time.Duration `yaml:"recovery_window" env:"RECOVERY_WINDOW"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// PresenceTTL bounds presence entries in the cache.
	PresenceTTL time.Duration `yaml:"presence_ttl" env:"PRESENCE_TTL"`
}

// ContextBudgetConfig bounds shared-context growth before the
// summarizer compacts old step outputs. Zero disables summarization.
type ContextBudgetConfig struct {
	MaxBytes  int `yaml:"max_bytes" env:"MAX_BYTES"`
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
}

// LogConfig holds the zap logger settings.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig holds the OTel settings.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader resolves configuration from defaults, a YAML file, and
// environment variables, in that order.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the COLLABFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "COLLABFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path. A missing file is not an
// error; defaults and env still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the configuration or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	switch c.Engine.HandlerMode {
	case "scripted", "replay", "live":
	default:
		errs = append(errs, fmt.Sprintf("unknown handler mode %q", c.Engine.HandlerMode))
	}
	if t := c.Engine.Approval.ConfidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, "confidence_threshold must be within [0,1]")
	}
	if c.Engine.Conflict.Expiry <= 0 {
		errs = append(errs, "conflict expiry must be positive")
	}
	if c.Engine.Conflict.EscalationRetryCap < 0 {
		errs = append(errs, "escalation_retry_cap cannot be negative")
	}
	if c.Engine.Session.RecoveryWindow <= 0 || c.Engine.Session.IdleTimeout <= 0 {
		errs = append(errs, "session windows must be positive")
	}
	if c.Engine.Session.RecoveryWindow >= c.Engine.Session.IdleTimeout {
		errs = append(errs, "recovery_window must be shorter than idle_timeout")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
