// Package config loads the maesterweb server configuration.
// Priority: environment variables > config file > defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Config represents the maesterweb configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Runner  RunnerConfig  `yaml:"runner"`
	Redis   RedisConfig   `yaml:"redis"`
	AMQP    AMQPConfig    `yaml:"amqp"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port            int           `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	StaticDir       string        `yaml:"static_dir"`
	RateLimit       int           `yaml:"rate_limit"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

// StorageConfig configures the report bucket
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Container string `yaml:"container"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

// RunnerConfig configures how Maester is invoked
type RunnerConfig struct {
	Executable  string        `yaml:"executable"`
	Module      string        `yaml:"module"`
	SkipConnect bool          `yaml:"skip_connect"`
	OutputDir   string        `yaml:"output_dir"`
	Timeout     time.Duration `yaml:"timeout"`
	Retention   time.Duration `yaml:"retention"`
}

// RedisConfig enables rate limiting when Addr is set
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// AMQPConfig enables job notifications when URL is set
type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3001,
			AllowedOrigins:  []string{"http://localhost:3000"},
			RateLimit:       100,
			RateLimitWindow: 15 * time.Minute,
		},
		Storage: StorageConfig{
			Backend:   BackendS3,
			Container: "maester-reports",
			Secure:    true,
		},
		Runner: RunnerConfig{
			Executable: "pwsh",
			Module:     "Maester",
			OutputDir:  filepath.Join(os.TempDir(), "maesterweb", "test-results"),
			Retention:  time.Hour,
		},
		AMQP: AMQPConfig{
			Exchange:   "maester.events",
			RoutingKey: "jobs.finished",
		},
	}
}

// Load loads configuration from the given YAML file (optional when empty or
// missing), a .env file in the working directory and environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("MAESTER_CONFIG")
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			// Config file is optional, so we just skip if not found
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	// Variables already set in the environment win over .env
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s value: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s value: %w", key, err))
				return
			}
			*dst = b
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s value: %w", key, err))
				return
			}
			*dst = d
		}
	}

	// Server
	setInt("PORT", &cfg.Server.Port)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}
	setString("STATIC_DIR", &cfg.Server.StaticDir)
	setInt("RATE_LIMIT", &cfg.Server.RateLimit)
	setDuration("RATE_LIMIT_WINDOW", &cfg.Server.RateLimitWindow)

	// Storage
	setString("STORAGE_BACKEND", &cfg.Storage.Backend)
	setString("STORAGE_ENDPOINT", &cfg.Storage.Endpoint)
	setString("STORAGE_ACCESS_KEY", &cfg.Storage.AccessKey)
	setString("STORAGE_SECRET_KEY", &cfg.Storage.SecretKey)
	setString("STORAGE_CONTAINER_NAME", &cfg.Storage.Container)
	setString("STORAGE_REGION", &cfg.Storage.Region)
	setBool("STORAGE_SECURE", &cfg.Storage.Secure)

	// Runner
	setString("MAESTER_EXECUTABLE", &cfg.Runner.Executable)
	setString("MAESTER_MODULE", &cfg.Runner.Module)
	setBool("MAESTER_SKIP_CONNECT", &cfg.Runner.SkipConnect)
	setString("OUTPUT_DIR", &cfg.Runner.OutputDir)
	setDuration("RUN_TIMEOUT", &cfg.Runner.Timeout)
	setDuration("JOB_RETENTION", &cfg.Runner.Retention)

	// Redis
	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setInt("REDIS_DB", &cfg.Redis.DB)

	// AMQP
	setString("AMQP_URL", &cfg.AMQP.URL)
	setString("AMQP_EXCHANGE", &cfg.AMQP.Exchange)
	setString("AMQP_ROUTING_KEY", &cfg.AMQP.RoutingKey)

	return errors.Join(errs...)
}

// Validate checks that the configuration can be used to start the server
func (cfg *Config) Validate() error {
	var errs []error

	switch cfg.Storage.Backend {
	case BackendMemory:
	case BackendS3:
		if cfg.Storage.Endpoint == "" {
			errs = append(errs, errors.New("STORAGE_ENDPOINT environment variable is required"))
		}
		if cfg.Storage.AccessKey == "" || cfg.Storage.SecretKey == "" {
			errs = append(errs, errors.New("STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY environment variables are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q (expected %q or %q)", cfg.Storage.Backend, BackendS3, BackendMemory))
	}

	if cfg.Storage.Container == "" {
		errs = append(errs, errors.New("storage container name must not be empty"))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", cfg.Server.Port))
	}
	if cfg.Runner.OutputDir == "" {
		errs = append(errs, errors.New("runner output directory must not be empty"))
	}
	if cfg.Runner.Retention <= 0 {
		errs = append(errs, errors.New("job retention must be positive"))
	}
	if cfg.Runner.Timeout < 0 {
		errs = append(errs, errors.New("run timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address of the HTTP server
func (cfg *Config) Addr() string {
	return ":" + strconv.Itoa(cfg.Server.Port)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
