package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied by the accessor methods.
//
// Example (~/.parley/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8098
// gemini:
//   api_key: "..."
//   text_model: gemini-2.0-flash
//   vision_model: gemini-2.0-flash
// storage:
//   path: ~/.parley/parley.db
// redis:
//   addr: 127.0.0.1:6379
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - The Gemini API key has no default; endpoint builders fail without it.

type AppConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Gemini  GeminiConfig  `yaml:"gemini"`
	Image   ImageConfig   `yaml:"image"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type GeminiConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     *string `yaml:"base_url"`
	TextModel   *string `yaml:"text_model"`
	VisionModel *string `yaml:"vision_model"`
}

type ImageConfig struct {
	BaseURL *string `yaml:"base_url"`
	Width   *int    `yaml:"width"`
	Height  *int    `yaml:"height"`
}

type StorageConfig struct {
	Path *string `yaml:"path"`
}

type RedisConfig struct {
	Addr    string  `yaml:"addr"`
	Channel *string `yaml:"channel"`
}

const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 8098
	DefaultGeminiBase   = "https://generativelanguage.googleapis.com"
	DefaultTextModel    = "gemini-2.0-flash"
	DefaultVisionModel  = "gemini-2.0-flash"
	DefaultImageBase    = "https://image.pollinations.ai"
	DefaultImageWidth   = 512
	DefaultImageHeight  = 512
	DefaultRedisChannel = "parley.events"
)

// ErrMissingAPIKey marks a configuration error: the completion backend
// cannot be reached without a credential. Surfaced verbatim, never retried.
var ErrMissingAPIKey = errors.New("gemini api key is not configured")

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".parley")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.parley/config.yaml.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}

	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, configFile, nil
		}
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
	}

	if strings.TrimSpace(cfg.Host()) == "" {
		return nil, "", fmt.Errorf("invalid server.host (empty) in %s", configFile)
	}
	if port := cfg.Port(); port < 1 || port > 65535 {
		return nil, "", fmt.Errorf("invalid server.port %d in %s", port, configFile)
	}

	return cfg, configFile, nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{Server: ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)}}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions; the file may hold an API key later.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

func (c *AppConfig) GeminiBaseURL() string {
	if c == nil || c.Gemini.BaseURL == nil {
		return DefaultGeminiBase
	}
	return strings.TrimRight(*c.Gemini.BaseURL, "/")
}

func (c *AppConfig) TextModel() string {
	if c == nil || c.Gemini.TextModel == nil {
		return DefaultTextModel
	}
	return *c.Gemini.TextModel
}

func (c *AppConfig) VisionModel() string {
	if c == nil || c.Gemini.VisionModel == nil {
		return DefaultVisionModel
	}
	return *c.Gemini.VisionModel
}

// TextEndpoint builds the text-completion endpoint URL.
// Fails with ErrMissingAPIKey when no credential is configured.
func (c *AppConfig) TextEndpoint() (string, error) {
	return c.endpoint(c.TextModel())
}

// VisionEndpoint builds the vision-completion endpoint URL.
func (c *AppConfig) VisionEndpoint() (string, error) {
	return c.endpoint(c.VisionModel())
}

func (c *AppConfig) endpoint(model string) (string, error) {
	key := ""
	if c != nil {
		key = strings.TrimSpace(c.Gemini.APIKey)
	}
	if key == "" {
		return "", ErrMissingAPIKey
	}
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.GeminiBaseURL(), model, url.QueryEscape(key)), nil
}

func (c *AppConfig) ImageBaseURL() string {
	if c == nil || c.Image.BaseURL == nil {
		return DefaultImageBase
	}
	return strings.TrimRight(*c.Image.BaseURL, "/")
}

func (c *AppConfig) ImageWidth() int {
	if c == nil || c.Image.Width == nil {
		return DefaultImageWidth
	}
	return *c.Image.Width
}

func (c *AppConfig) ImageHeight() int {
	if c == nil || c.Image.Height == nil {
		return DefaultImageHeight
	}
	return *c.Image.Height
}

// StoragePath returns the sqlite database path, defaulting to
// ~/.parley/parley.db next to the config file.
func (c *AppConfig) StoragePath() (string, error) {
	if c != nil && c.Storage.Path != nil && strings.TrimSpace(*c.Storage.Path) != "" {
		return *c.Storage.Path, nil
	}
	configDir, _, err := DefaultPaths()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "parley.db"), nil
}

func (c *AppConfig) RedisAddr() string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Redis.Addr)
}

func (c *AppConfig) RedisChannel() string {
	if c == nil || c.Redis.Channel == nil {
		return DefaultRedisChannel
	}
	return *c.Redis.Channel
}

func ptr[T any](v T) *T { return &v }
