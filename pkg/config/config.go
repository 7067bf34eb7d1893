// Package config defines the runtime configuration struct, parsing helpers,
// and hot-reload wiring for the DNS proxy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Config holds the application configuration. Field names and the default
// file name (config.json) are an external interface contract: spec section
// 6 names every one of these keys explicitly.
type Config struct {
	DBPath          string `json:"db_path"`
	DBOpt           string `json:"db_opt"` // executed once on connect
	DBPool          int    `json:"db_pool"`
	DNSPort         int    `json:"dns_port"`
	WebPort         int    `json:"web_port"`
	CloudflaredPath string `json:"cloudflared_path"`
	CloudflaredPort int    `json:"cloudflared_port"`
	BlockList       string `json:"block_list"` // on-disk materialized blocklist path, legacy/auxiliary
	LogConfig       string `json:"log_config"` // path to a separate logger config file (YAML)
	DHT22Pin        *int   `json:"dht22_pin,omitempty"`

	Auth AuthConfig `json:"auth"`
}

// AuthConfig controls static authentication for the HTTP/WS presenter.
type AuthConfig struct {
	Enabled      bool   `json:"enabled"`
	APIKey       string `json:"api_key"`
	Header       string `json:"header"`
	Username     string `json:"username"`
	Password     string `json:"password"`      // plaintext; migrated to PasswordHash on load
	PasswordHash string `json:"password_hash"` // bcrypt hash of password (recommended)
}

func (a *AuthConfig) normalize() {
	if a == nil {
		return
	}
	if strings.TrimSpace(a.Header) == "" {
		a.Header = "Authorization"
	}
	if a.Password != "" && a.PasswordHash == "" {
		a.migratePasswordToHash()
	}
}

func (a *AuthConfig) migratePasswordToHash() {
	hash, err := bcrypt.GenerateFromPassword([]byte(a.Password), 12)
	if err != nil {
		return
	}
	a.PasswordHash = string(hash)
	a.Password = ""
}

// DefaultFileName is the config path used when the CLI's positional
// argument is omitted, per spec section 6.
const DefaultFileName = "config.json"

// Load reads and parses the configuration file at path, applying defaults,
// environment overrides, and validation. If the file does not exist, a
// default configuration is written to path first, per the CLI contract.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultFileName
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if werr := Save(path, LoadWithDefaults()); werr != nil {
			return nil, fmt.Errorf("failed to write default config: %w", werr)
		}
	}

	// #nosec G304 - Config file path is provided by user via CLI flag, this is intentional
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults and no
// on-disk backing; Load writes it out as the first-run config file.
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// Clone creates a deep copy of the configuration via a JSON round-trip.
func (c *Config) Clone() (*Config, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config for cloning: %w", err)
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config clone: %w", err)
	}

	clone.applyDefaults()
	clone.Auth.normalize()

	return &clone, nil
}

// Save writes the configuration to path, atomically via a temp file and
// rename so a crash mid-write never corrupts the on-disk config.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}

// applyDefaults sets default values for unset configuration fields.
func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "./wardendns.db"
	}
	if c.DBPool == 0 {
		c.DBPool = 4
	}
	if c.DNSPort == 0 {
		c.DNSPort = 53
	}
	if c.WebPort == 0 {
		c.WebPort = 8080
	}
	if c.CloudflaredPath == "" {
		c.CloudflaredPath = "cloudflared"
	}
	if c.CloudflaredPort == 0 {
		c.CloudflaredPort = 5053
	}
	if c.LogConfig == "" {
		c.LogConfig = "./log_config.yaml"
	}

	c.Auth.normalize()
}

const (
	envAPIKey   = "WARDENDNS_API_KEY"
	envAuthUser = "WARDENDNS_BASIC_USER"
	envAuthPass = "WARDENDNS_BASIC_PASS"
)

func (c *Config) applyEnvOverrides() {
	key := strings.TrimSpace(os.Getenv(envAPIKey))
	if key != "" {
		c.Auth.APIKey = key
		c.Auth.Enabled = true
	}

	user := strings.TrimSpace(os.Getenv(envAuthUser))
	if user != "" {
		c.Auth.Username = user
		c.Auth.Enabled = true
	}

	if pass, ok := os.LookupEnv(envAuthPass); ok {
		c.Auth.Password = pass
		c.Auth.Enabled = true
	}

	c.Auth.normalize()
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.DNSPort <= 0 || c.DNSPort > 65535 {
		return fmt.Errorf("dns_port must be between 1 and 65535")
	}
	if c.WebPort <= 0 || c.WebPort > 65535 {
		return fmt.Errorf("web_port must be between 1 and 65535")
	}
	if c.CloudflaredPort <= 0 || c.CloudflaredPort > 65535 {
		return fmt.Errorf("cloudflared_port must be between 1 and 65535")
	}
	if strings.TrimSpace(c.CloudflaredPath) == "" {
		return fmt.Errorf("cloudflared_path cannot be empty")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if c.DHT22Pin != nil && (*c.DHT22Pin < 0 || *c.DHT22Pin > 27) {
		return fmt.Errorf("dht22_pin must be a valid GPIO pin number")
	}

	if c.Auth.Enabled {
		c.Auth.normalize()
		if strings.TrimSpace(c.Auth.APIKey) == "" && (c.Auth.Username == "" || c.Auth.Password == "" && c.Auth.PasswordHash == "") {
			return fmt.Errorf("auth requires api_key or username/password when enabled")
		}
	}

	return nil
}

// CloudflaredUpstream returns the loopback address of the cloudflared
// proxy-dns child this configuration points the DNSForwarder at.
func (c *Config) CloudflaredUpstream() string {
	return fmt.Sprintf("127.0.0.1:%d", c.CloudflaredPort)
}

// ListenAddress returns the DNS listener bind address.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf(":%d", c.DNSPort)
}

// WebListenAddress returns the HTTP/WS presenter bind address.
func (c *Config) WebListenAddress() string {
	return fmt.Sprintf(":%d", c.WebPort)
}
