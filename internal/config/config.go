// Package config loads and validates loom configuration.
//
// Configuration sources, in priority order:
//  1. Environment variables (LOOM_ prefix, plus DATABASE_URL)
//  2. ~/.loom/config.yaml
//  3. Built-in defaults
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation.
// Check with errors.Is().
var (
	ErrConfigNil               = errors.New("config is nil")
	ErrMissingAPIKey           = errors.New("missing API key")
	ErrInvalidModelName        = errors.New("invalid model name")
	ErrInvalidStepCap          = errors.New("invalid step cap")
	ErrInvalidServerPort       = errors.New("invalid server port")
	ErrInvalidPostgresHost     = errors.New("invalid postgres host")
	ErrInvalidPostgresPort     = errors.New("invalid postgres port")
	ErrInvalidPostgresDBName   = errors.New("invalid postgres database name")
	ErrInvalidPostgresPassword = errors.New("invalid postgres password")
	ErrInvalidPostgresSSLMode  = errors.New("invalid postgres ssl mode")
	ErrInvalidRetryConfig      = errors.New("invalid retry config")
)

// maskedValue replaces sensitive fields in String() and MarshalJSON output.
const maskedValue = "████████"

// Config holds all loom configuration.
type Config struct {
	// Server
	ServerHost string `mapstructure:"server_host" json:"server_host"`
	ServerPort int    `mapstructure:"server_port" json:"server_port"`

	// Model
	Provider  string `mapstructure:"provider" json:"provider"`
	ModelName string `mapstructure:"model_name" json:"model_name"`

	// Agent loop
	StepCap      int `mapstructure:"step_cap" json:"step_cap"`
	MaxRetries   int `mapstructure:"max_retries" json:"max_retries"`
	RetryInitial int `mapstructure:"retry_initial_ms" json:"retry_initial_ms"`
	RetryMax     int `mapstructure:"retry_max_ms" json:"retry_max_ms"`

	// PostgreSQL
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password" sensitive:"true"`
	PostgresDBName   string `mapstructure:"postgres_dbname" json:"postgres_dbname"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Ephemeral runs the relay without PostgreSQL, keeping transcripts
	// in memory only. Useful for local development and demos.
	Ephemeral bool `mapstructure:"ephemeral" json:"ephemeral"`

	// Observability
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// TracingConfig holds OTLP trace export configuration.
// Tracing is disabled unless Endpoint is set.
type TracingConfig struct {
	// Endpoint is the OTLP/HTTP collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	// Environment is the deployment environment tag (default: dev)
	Environment string `mapstructure:"environment" json:"environment"`
	// ServiceName is the service name on exported spans (default: loom)
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	// SampleRate is the trace sampling ratio in [0,1] (default: 1.0)
	SampleRate float64 `mapstructure:"sample_rate" json:"sample_rate"`
}

// Load reads configuration from ~/.loom/config.yaml and the environment.
// A missing config file is not an error; defaults and env vars apply.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}

	configDir := filepath.Join(home, ".loom")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file: defaults plus env vars.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server_host", "0.0.0.0")
	viper.SetDefault("server_port", 8080)

	viper.SetDefault("provider", "googleai")
	viper.SetDefault("model_name", "gemini-2.5-flash")

	viper.SetDefault("step_cap", 10)
	viper.SetDefault("max_retries", 3)
	viper.SetDefault("retry_initial_ms", 500)
	viper.SetDefault("retry_max_ms", 10000)

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "loom")
	viper.SetDefault("postgres_password", "loom_dev_password")
	viper.SetDefault("postgres_dbname", "loom")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("ephemeral", false)

	viper.SetDefault("tracing.endpoint", "")
	viper.SetDefault("tracing.environment", "dev")
	viper.SetDefault("tracing.service_name", "loom")
	viper.SetDefault("tracing.sample_rate", 1.0)
}

// mustBind panics if viper env binding fails. Binding only fails on an
// empty key, which is a programming error, not a runtime condition.
func mustBind(key string, envVars ...string) {
	args := append([]string{key}, envVars...)
	if err := viper.BindEnv(args...); err != nil {
		panic(fmt.Sprintf("config: binding %s: %v", key, err))
	}
}

func bindEnvVariables() {
	mustBind("server_host", "LOOM_SERVER_HOST")
	mustBind("server_port", "LOOM_SERVER_PORT")
	mustBind("provider", "LOOM_PROVIDER")
	mustBind("model_name", "LOOM_MODEL_NAME")
	mustBind("step_cap", "LOOM_STEP_CAP")
	mustBind("ephemeral", "LOOM_EPHEMERAL")
	mustBind("postgres_host", "LOOM_POSTGRES_HOST")
	mustBind("postgres_port", "LOOM_POSTGRES_PORT")
	mustBind("postgres_user", "LOOM_POSTGRES_USER")
	mustBind("postgres_password", "LOOM_POSTGRES_PASSWORD")
	mustBind("postgres_dbname", "LOOM_POSTGRES_DBNAME")
	mustBind("postgres_ssl_mode", "LOOM_POSTGRES_SSL_MODE")
	mustBind("tracing.endpoint", "LOOM_TRACING_ENDPOINT")
	mustBind("tracing.environment", "LOOM_TRACING_ENVIRONMENT")
}

// FullModelName returns the provider-qualified model identifier
// expected by genkit, e.g. "googleai/gemini-2.5-flash".
func (c *Config) FullModelName() string {
	return c.Provider + "/" + c.ModelName
}

// ServerAddr returns the host:port listen address for the relay server.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// maskSecret masks a sensitive value for display. Short secrets are
// fully masked so their length leaks nothing; longer ones keep the
// last four characters for identification.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return maskedValue + s[len(s)-4:]
}

// MarshalJSON masks sensitive fields so the config can be logged safely.
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config
	masked := alias(*c)
	masked.PostgresPassword = maskSecret(c.PostgresPassword)
	return json.Marshal(masked)
}

// String returns a JSON rendering with secrets masked.
func (c *Config) String() string {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{marshal error: %v}", err)
	}
	return string(b)
}
