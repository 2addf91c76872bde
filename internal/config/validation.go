package config

import (
	"fmt"
	"os"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// API key is required for all model calls, ephemeral or not.
	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
			"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
			ErrMissingAPIKey)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}
	if c.Provider == "" {
		return fmt.Errorf("%w: provider cannot be empty", ErrInvalidModelName)
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidServerPort, c.ServerPort)
	}

	// StepCap bounds the tool loop within a single turn. An unbounded
	// loop lets a misbehaving model run tools forever.
	if c.StepCap < 1 || c.StepCap > 100 {
		return fmt.Errorf("%w: must be between 1 and 100, got %d", ErrInvalidStepCap, c.StepCap)
	}

	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("%w: max_retries must be between 0 and 10, got %d", ErrInvalidRetryConfig, c.MaxRetries)
	}
	if c.RetryInitial < 1 {
		return fmt.Errorf("%w: retry_initial_ms must be positive, got %d", ErrInvalidRetryConfig, c.RetryInitial)
	}
	if c.RetryMax < c.RetryInitial {
		return fmt.Errorf("%w: retry_max_ms (%d) must be >= retry_initial_ms (%d)",
			ErrInvalidRetryConfig, c.RetryMax, c.RetryInitial)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("invalid tracing sample_rate: must be in [0, 1], got %.2f", c.Tracing.SampleRate)
	}

	// PostgreSQL settings are irrelevant when running ephemeral.
	if c.Ephemeral {
		return nil
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPassword)
	}

	// Modern SSL modes only; allow/prefer are deprecated (MITM vulnerable).
	// Reference: https://www.postgresql.org/docs/current/libpq-ssl.html
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}
