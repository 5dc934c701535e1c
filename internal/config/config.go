// Package config loads the daemon's ~/.inboxsync/config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from a TOML string like
// "30s" or "1h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the daemon configuration.
type Config struct {
	Store StoreConfig `toml:"store"`
	Feed  FeedConfig  `toml:"feed"`
	Auth  AuthConfig  `toml:"auth"`
	Media MediaConfig `toml:"media"`
	Sync  SyncConfig  `toml:"sync"`
}

// StoreConfig locates the local projection database.
type StoreConfig struct {
	Path string `toml:"path"`
}

// FeedConfig points at the row-change broker.
type FeedConfig struct {
	URL        string `toml:"url"`
	Exchange   string `toml:"exchange"`
	Queue      string `toml:"queue"`
	BindingKey string `toml:"binding_key"`
}

// AuthConfig configures the write-path session guard.
type AuthConfig struct {
	Secret           string   `toml:"secret"`
	Subject          string   `toml:"subject"`
	TokenTTL         Duration `toml:"token_ttl"`
	RefreshThreshold Duration `toml:"refresh_threshold"`
}

// MediaConfig configures attachment URL signing.
type MediaConfig struct {
	BaseURL string `toml:"base_url"`
}

// SyncConfig tunes page sizes and the send timeout.
type SyncConfig struct {
	ListPageSize    int      `toml:"list_page_size"`
	InitialPageSize int      `toml:"initial_page_size"`
	OlderPageSize   int      `toml:"older_page_size"`
	SendTimeout     Duration `toml:"send_timeout"`
	OwnerID         string   `toml:"owner_id"`
}

// Dir returns the daemon's data directory, ~/.inboxsync.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".inboxsync"
	}
	return filepath.Join(home, ".inboxsync")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.toml")
}

// Default returns a config with every tunable at its default. The feed
// URL and auth secret have no defaults and must come from the file.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: filepath.Join(Dir(), "inboxsync.db")},
		Feed: FeedConfig{
			Exchange:   "portal.rowchanges",
			Queue:      "inboxsync",
			BindingKey: "rowchange.#",
		},
		Auth: AuthConfig{
			Subject:          "inboxsyncd",
			TokenTTL:         Duration{time.Hour},
			RefreshThreshold: Duration{time.Minute},
		},
		Sync: SyncConfig{
			ListPageSize:    50,
			InitialPageSize: 12,
			OlderPageSize:   30,
			SendTimeout:     Duration{30 * time.Second},
		},
	}
}

// Load reads a config file over the defaults. A missing file is an
// error; the daemon cannot run without a feed URL.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required")
	}
	return nil
}

// Save writes the config, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
