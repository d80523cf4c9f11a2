package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.msync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// Profile is the per-profile profile.toml.
type Profile struct {
	Server ServerConfig `toml:"server"`
	Client ClientConfig `toml:"client"`
	Sync   SyncConfig   `toml:"sync"`
	Log    LogConfig    `toml:"log"`
}

type ServerConfig struct {
	// APIURL is the REST base, e.g. https://chat.example.com.
	APIURL string `toml:"api_url"`
	// WSURL is the realtime endpoint, e.g. wss://chat.example.com/ws/chat.
	WSURL string `toml:"ws_url"`
}

type ClientConfig struct {
	Platform string `toml:"platform"`
	Version  string `toml:"version"`
	Device   string `toml:"device"`
}

type SyncConfig struct {
	PageSize       int           `toml:"page_size"`
	SendTimeout    time.Duration `toml:"send_timeout"`
	Keepalive      time.Duration `toml:"keepalive"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	FilterDebounce time.Duration `toml:"filter_debounce"`
	TypingExpiry   time.Duration `toml:"typing_expiry"`
	AutoConnect    bool          `toml:"auto_connect"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// DefaultProfile returns a profile with every tunable set.
func DefaultProfile() *Profile {
	host, _ := os.Hostname()
	return &Profile{
		Client: ClientConfig{Platform: "linux", Version: "0.1.0", Device: host},
		Sync: SyncConfig{
			PageSize:       50,
			SendTimeout:    30 * time.Second,
			Keepalive:      25 * time.Second,
			RequestTimeout: 15 * time.Second,
			FilterDebounce: 300 * time.Millisecond,
			TypingExpiry:   6 * time.Second,
			AutoConnect:    true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadProfile reads a profile, filling unset fields with defaults. A missing
// file yields the defaults, which still fail Validate until the server URLs
// are set.
func LoadProfile(path string) (*Profile, error) {
	p := DefaultProfile()
	if _, err := toml.DecodeFile(path, p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	p.fillDefaults()
	return p, nil
}

// SaveProfile writes a profile with owner-only permissions.
func SaveProfile(path string, p *Profile) error {
	return writeTOML(path, p)
}

func (p *Profile) fillDefaults() {
	d := DefaultProfile()
	if p.Sync.PageSize <= 0 {
		p.Sync.PageSize = d.Sync.PageSize
	}
	if p.Sync.SendTimeout <= 0 {
		p.Sync.SendTimeout = d.Sync.SendTimeout
	}
	if p.Sync.Keepalive < 0 {
		p.Sync.Keepalive = 0
	}
	if p.Sync.RequestTimeout <= 0 {
		p.Sync.RequestTimeout = d.Sync.RequestTimeout
	}
	if p.Sync.FilterDebounce <= 0 {
		p.Sync.FilterDebounce = d.Sync.FilterDebounce
	}
	if p.Sync.TypingExpiry <= 0 {
		p.Sync.TypingExpiry = d.Sync.TypingExpiry
	}
	if p.Log.Level == "" {
		p.Log.Level = d.Log.Level
	}
}

// Validate reports the first unusable setting.
func (p *Profile) Validate() error {
	if err := checkURL("server.api_url", p.Server.APIURL, "http", "https"); err != nil {
		return err
	}
	return checkURL("server.ws_url", p.Server.WSURL, "ws", "wss")
}

func checkURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is not set", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: want a %v url, got %q", field, schemes, raw)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
