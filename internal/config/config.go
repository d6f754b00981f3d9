// Package config loads triage settings from defaults, an optional JSON file
// and TRIAGE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/jmylchreest/triage/pkg/authz"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: TRIAGE_SERVER__ADDR sets server.addr.
const EnvPrefix = "TRIAGE_"

// Config is the full triage configuration.
type Config struct {
	DataDir string       `koanf:"data_dir"`
	Log     LogConfig    `koanf:"log"`
	Server  ServerConfig `koanf:"server"`
	Search  SearchConfig `koanf:"search"`
	Notify  NotifyConfig `koanf:"notify"`
	MCP     MCPConfig    `koanf:"mcp"`
	Authz   authz.Grants `koanf:"authz"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// SearchConfig holds search defaults.
type SearchConfig struct {
	ASVSDefaultLevel int `koanf:"asvs_default_level"`
}

// NotifyConfig controls change notifications. An empty WebhookURL only logs.
type NotifyConfig struct {
	WebhookURL string `koanf:"webhook_url"`
	Workers    int    `koanf:"workers"`
	QueueSize  int    `koanf:"queue_size"`
	MaxRetries int    `koanf:"max_retries"`
}

// MCPConfig configures the MCP server.
type MCPConfig struct {
	// Actor is the login MCP tool calls act as.
	Actor string `koanf:"actor"`
}

func defaults() map[string]any {
	return map[string]any{
		"data_dir":                  ".triage",
		"log.level":                 "info",
		"log.json":                  false,
		"server.addr":               ":8080",
		"server.shutdown_timeout":   "10s",
		"search.asvs_default_level": 3,
		"notify.workers":            2,
		"notify.queue_size":         256,
		"notify.max_retries":        3,
	}
}

// Load reads the configuration. An empty path skips the file layer; a named
// file that does not exist is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("stat config: %w", err)
		}
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
			return strings.ReplaceAll(key, "__", "."), value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can work with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.Search.ASVSDefaultLevel < 1 || c.Search.ASVSDefaultLevel > 3 {
		return fmt.Errorf("search.asvs_default_level must be 1, 2 or 3 (got %d)", c.Search.ASVSDefaultLevel)
	}
	if c.Notify.Workers < 0 || c.Notify.QueueSize < 0 || c.Notify.MaxRetries < 0 {
		return errors.New("notify settings must not be negative")
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}
