// ABOUTME: Configuration loading and parsing for the parley client
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

// Chat backends
const (
	BackendHTTP   = "http"
	BackendOpenAI = "openai"
)

// Config represents the complete parley configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Chat    ChatConfig    `yaml:"chat" toml:"chat"`
	Audio   AudioConfig   `yaml:"audio" toml:"audio"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the backend the client talks to
type ServerConfig struct {
	BaseURL   string `yaml:"base_url" toml:"base_url" validate:"required,url"`
	APIPrefix string `yaml:"api_prefix" toml:"api_prefix" validate:"omitempty,startswith=/"`

	// RequestTimeout bounds non-chat calls (login, warm-up). Chat requests are
	// only ever aborted through cancellation.
	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// StorageConfig selects and configures the durable key/value store
type StorageConfig struct {
	Driver    string `yaml:"driver" toml:"driver" validate:"required,oneof=sqlite bolt mongo memory"`
	Path      string `yaml:"path" toml:"path" validate:"required_if=Driver sqlite,required_if=Driver bolt"`
	Namespace string `yaml:"namespace" toml:"namespace" validate:"omitempty,excludes=:"`

	MongoURI        string `yaml:"mongo_uri" toml:"mongo_uri" validate:"required_if=Driver mongo"`
	MongoDatabase   string `yaml:"mongo_database" toml:"mongo_database" validate:"required_if=Driver mongo"`
	MongoCollection string `yaml:"mongo_collection" toml:"mongo_collection"`
}

// ChatConfig selects where chat requests are sent
type ChatConfig struct {
	Backend       string `yaml:"backend" toml:"backend" validate:"required,oneof=http openai"`
	OpenAIBaseURL string `yaml:"openai_base_url" toml:"openai_base_url" validate:"omitempty,url"`
	OpenAIAPIKey  string `yaml:"openai_api_key" toml:"openai_api_key" validate:"required_if=Backend openai"`
	OpenAIModel   string `yaml:"openai_model" toml:"openai_model"`
}

// AudioConfig holds text-to-speech playback configuration
type AudioConfig struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	Player  []string `yaml:"player" toml:"player" validate:"required_if=Enabled true"`

	ClipCacheSize   int           `yaml:"clip_cache_size" toml:"clip_cache_size" validate:"gte=0"`
	ClipCacheTTL    time.Duration `yaml:"-" toml:"-"`
	ClipCacheTTLRaw string        `yaml:"clip_cache_ttl" toml:"clip_cache_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"omitempty,oneof=text json"`
	File   string `yaml:"file" toml:"file"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:           "http://localhost:5000",
			APIPrefix:         "/api",
			RequestTimeout:    30 * time.Second,
			RequestTimeoutRaw: "30s",
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   filepath.Join(DataDir(), "parley.db"),
		},
		Chat: ChatConfig{
			Backend:     BackendHTTP,
			OpenAIModel: "gpt-4o-mini",
		},
		Audio: AudioConfig{
			Enabled:         true,
			Player:          []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet"},
			ClipCacheSize:   32,
			ClipCacheTTL:    10 * time.Minute,
			ClipCacheTTLRaw: "10m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   filepath.Join(DataDir(), "parley.log"),
		},
	}
}

// Path returns the path to the config file.
// Priority: PARLEY_CONFIG env var > XDG_CONFIG_HOME/parley/config.yaml > ~/.config/parley/config.yaml
func Path() string {
	if envPath := os.Getenv("PARLEY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "parley", "config.yaml")
}

// DataDir returns the parley data directory.
// Priority: XDG_DATA_HOME/parley > ~/.local/share/parley
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "parley")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Values absent from the file keep their Default() values.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// APIURL returns the base URL for JSON API calls (base_url + api_prefix).
func (c *Config) APIURL() string {
	return strings.TrimRight(c.Server.BaseURL, "/") + c.Server.APIPrefix
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their config-file names ("storage.path", not "Storage.Path")
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}

	fe := fieldErrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Errorf("%s is required", field)
	case "oneof":
		return fmt.Errorf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "url":
		return fmt.Errorf("%s must be a URL, got %q", field, fe.Value())
	default:
		return fmt.Errorf("%s failed %q validation", field, fe.Tag())
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.RequestTimeoutRaw != "" {
		cfg.Server.RequestTimeout, err = time.ParseDuration(cfg.Server.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Server.RequestTimeoutRaw, err)
		}
	}

	if cfg.Audio.ClipCacheTTLRaw != "" {
		cfg.Audio.ClipCacheTTL, err = time.ParseDuration(cfg.Audio.ClipCacheTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing clip_cache_ttl %q: %w", cfg.Audio.ClipCacheTTLRaw, err)
		}
	}

	return nil
}
