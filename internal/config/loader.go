package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// expandEnvVars expands environment variables in the format ${VAR} or $VAR
// Uses Go's built-in os.ExpandEnv which is the idiomatic way to handle this
func expandEnvVars(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}

// DefaultConfigPaths defines the default locations to search for configuration files
var DefaultConfigPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./configs/config.yaml",
	"./configs/config.yml",
	"./configs/development.yaml",
	"/etc/learningplanner/authcore.yaml",
	"/etc/learningplanner/authcore.yml",
}

// knownProviders are the identity providers this core supports
var knownProviders = map[string]bool{
	"google":    true,
	"apple":     true,
	"instagram": true,
}

// Load loads the configuration from the specified file or default locations
func Load(configPath string) (*Config, error) {
	// Set default values
	config := &Config{
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "learningplanner",
				User:     "postgres",
				SSLMode:  "disable",
			},
		},
		Auth: AuthConfig{
			StateMaxAge: 10 * time.Minute,
		},
		Lifecycle: LifecycleConfig{
			SweepInterval:    15 * time.Minute,
			RefreshThreshold: 5 * time.Minute,
			BatchSize:        100,
			MaxConcurrent:    4,
		},
		Ops: OpsConfig{
			Port: 6060,
		},
		Environment: "local",
	}

	// If no config path is provided, search in default locations
	if configPath == "" {
		configPath = findConfigFile()
	}

	// Load configuration from file if it exists
	if configPath != "" && fileExists(configPath) {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the config
		data = expandEnvVars(data)

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Validate configuration
	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(filepath string) (*Config, error) {
	return Load(filepath)
}

// findConfigFile searches for a configuration file in default locations
func findConfigFile() string {
	for _, path := range DefaultConfigPaths {
		if fileExists(path) {
			return path
		}
	}
	return ""
}

// fileExists checks if a file exists and is not a directory
func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return !info.IsDir()
}

// validate performs basic validation on the configuration
func validate(config *Config) error {
	// Validate PostgreSQL configuration
	if config.Database.Postgres.Host == "" {
		return fmt.Errorf("postgres host is required")
	}
	if config.Database.Postgres.Database == "" {
		return fmt.Errorf("postgres database name is required")
	}
	if config.Database.Postgres.User == "" {
		return fmt.Errorf("postgres user is required")
	}

	if config.Auth.StateMaxAge <= 0 {
		return fmt.Errorf("auth.state_max_age must be positive")
	}

	for _, p := range config.Auth.Providers {
		if !knownProviders[p.Name] {
			return fmt.Errorf("unknown provider %q (supported: google, apple, instagram)", p.Name)
		}
		if p.ClientID == "" {
			return fmt.Errorf("provider %s: client_id is required", p.Name)
		}
		if p.RedirectURI == "" {
			return fmt.Errorf("provider %s: redirect_uri is required", p.Name)
		}
		if p.Name == "apple" {
			if p.AppleTeamID == "" || p.AppleKeyID == "" || p.ApplePrivateKey == "" {
				return fmt.Errorf("provider apple: apple_team_id, apple_key_id, and apple_private_key are required")
			}
		} else if p.ClientSecret == "" {
			return fmt.Errorf("provider %s: client_secret is required", p.Name)
		}
	}

	if config.Lifecycle.SweepInterval <= 0 {
		return fmt.Errorf("lifecycle.sweep_interval must be positive")
	}
	if config.Lifecycle.RefreshThreshold <= 0 {
		return fmt.Errorf("lifecycle.refresh_threshold must be positive")
	}
	if config.Lifecycle.BatchSize <= 0 {
		return fmt.Errorf("lifecycle.batch_size must be positive")
	}
	if config.Lifecycle.MaxConcurrent <= 0 {
		return fmt.Errorf("lifecycle.max_concurrent must be positive")
	}

	// Validate ops port is reasonable
	if config.Ops.Port < 1 || config.Ops.Port > 65535 {
		return fmt.Errorf("ops.port must be between 1 and 65535")
	}

	return nil
}
