// Package config loads process configuration from an optional YAML file
// overlaid by environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	SandboxDocker = "docker"
	SandboxE2B    = "e2b"

	ModelGemini = "gemini"
	ModelOpenAI = "openai"
)

// Config is the process configuration. Every field can be set from the
// YAML file and overridden by its environment variable.
type Config struct {
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`
	DBPath   string `yaml:"db_path" env:"DB_PATH"`

	SandboxBackend   string        `yaml:"sandbox_backend" env:"SANDBOX_BACKEND"`
	SandboxTemplate  string        `yaml:"sandbox_template" env:"SANDBOX_TEMPLATE"`
	SandboxPort      int           `yaml:"sandbox_port" env:"SANDBOX_PORT"`
	SandboxKeepAlive time.Duration `yaml:"sandbox_keep_alive" env:"SANDBOX_KEEP_ALIVE"`
	E2BAPIKey        string        `yaml:"e2b_api_key" env:"E2B_API_KEY"`
	E2BDomain        string        `yaml:"e2b_domain" env:"E2B_DOMAIN"`

	ModelBackend  string `yaml:"model_backend" env:"MODEL_BACKEND"`
	GeminiAPIKey  string `yaml:"gemini_api_key" env:"GEMINI_API_KEY"`
	OpenAIAPIKey  string `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	CodeModel     string `yaml:"code_model" env:"CODE_MODEL"`
	SummaryModel  string `yaml:"summary_model" env:"SUMMARY_MODEL"`
	MaxIterations int    `yaml:"max_iterations" env:"MAX_ITERATIONS"`

	HealthCheckBatch   int           `yaml:"health_check_batch" env:"HEALTH_CHECK_BATCH"`
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout" env:"HEALTH_CHECK_TIMEOUT"`
	RunConcurrency     int           `yaml:"run_concurrency" env:"RUN_CONCURRENCY"`
	CommandPolicyFile  string        `yaml:"command_policy_file" env:"COMMAND_POLICY_FILE"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LogLevel:           "info",
		HTTPAddr:           ":8080",
		DBPath:             "data/buildfy.db",
		SandboxBackend:     SandboxDocker,
		SandboxTemplate:    "nextjs-developer",
		SandboxPort:        3000,
		SandboxKeepAlive:   5 * time.Minute,
		ModelBackend:       ModelGemini,
		CodeModel:          "gemini-2.5-pro",
		SummaryModel:       "gemini-2.5-flash",
		MaxIterations:      15,
		HealthCheckBatch:   20,
		HealthCheckTimeout: 10 * time.Second,
		RunConcurrency:     4,
	}
}

// Load reads the YAML file at path, if any, over the defaults and then
// applies environment variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	switch c.SandboxBackend {
	case SandboxDocker:
	case SandboxE2B:
		if c.E2BAPIKey == "" {
			errs = append(errs, errors.New("e2b_api_key is required for the e2b sandbox backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sandbox backend %q", c.SandboxBackend))
	}
	if c.SandboxPort <= 0 || c.SandboxPort > 65535 {
		errs = append(errs, fmt.Errorf("sandbox_port %d out of range", c.SandboxPort))
	}
	switch c.ModelBackend {
	case ModelGemini, ModelOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown model backend %q", c.ModelBackend))
	}
	if c.CodeModel == "" {
		errs = append(errs, errors.New("code_model is required"))
	}
	if c.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("max_iterations must be positive, got %d", c.MaxIterations))
	}
	if c.HealthCheckBatch <= 0 {
		errs = append(errs, fmt.Errorf("health_check_batch must be positive, got %d", c.HealthCheckBatch))
	}
	if c.HealthCheckTimeout <= 0 {
		errs = append(errs, errors.New("health_check_timeout must be positive"))
	}
	if c.RunConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("run_concurrency must be positive, got %d", c.RunConcurrency))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return l, nil
}

// ModelAPIKey returns the API key of the configured model backend.
func (c Config) ModelAPIKey() string {
	if c.ModelBackend == ModelOpenAI {
		return c.OpenAIAPIKey
	}
	return c.GeminiAPIKey
}
