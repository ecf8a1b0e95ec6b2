package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaz8081/btcomm/internal/ble"
	"github.com/chaz8081/btcomm/internal/ble/discovery"
	"github.com/chaz8081/btcomm/internal/ble/protocol"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Profile  string          `yaml:"profile"` // "chat" or "gesture"
	UUIDs    ProfileOverride `yaml:"uuids"`
	Scan     ScanConfig      `yaml:"scan"`
	Client   ClientConfig    `yaml:"client"`
	Server   ServerConfig    `yaml:"server"`
	Codec    CodecConfig     `yaml:"codec"`
	LogLevel string          `yaml:"log_level"`
}

// ProfileOverride replaces individual identifiers of the selected profile.
// Empty fields keep the built-in value; "none" clears online_state.
type ProfileOverride struct {
	Service      string `yaml:"service"`
	Data         string `yaml:"data"`
	OnlineState  string `yaml:"online_state"`
	ClientConfig string `yaml:"client_config"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	// Filter restricts LE scanning to peers advertising the profile service.
	Filter bool `yaml:"filter"`
	// Classic also runs a BR/EDR inquiry through BlueZ.
	Classic bool `yaml:"classic"`

	// Zero timeouts pick the scanner defaults: 10s filtered or 20s
	// unfiltered for LE, 12s for classic.
	LETimeout      time.Duration `yaml:"le_timeout"`
	ClassicTimeout time.Duration `yaml:"classic_timeout"`

	// RequireLE drops classic-only peers from the result.
	RequireLE bool `yaml:"require_le"`
}

// ClientConfig holds GATT client settings.
type ClientConfig struct {
	Peers         []string      `yaml:"peers"`
	Reconnect     bool          `yaml:"reconnect"`
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
}

// ServerConfig holds GATT server settings.
type ServerConfig struct {
	LocalName string `yaml:"local_name"`
}

// CodecConfig holds wire format settings.
type CodecConfig struct {
	// StrictTimestamp rejects payloads shorter than the full header instead
	// of stamping them with the local time.
	StrictTimestamp bool `yaml:"strict_timestamp"`
	MaxContent      int  `yaml:"max_content"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "btcomm")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Profile: "chat",
		Scan: ScanConfig{
			Filter:  true,
			Classic: true,
		},
		Client: ClientConfig{
			ReconnectBase: time.Second,
			ReconnectMax:  30 * time.Second,
		},
		Server: ServerConfig{
			LocalName: "btcomm",
		},
		Codec: CodecConfig{
			MaxContent: protocol.MaxContentBytes,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Peer addresses are trimmed and upper-cased.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	for i, p := range cfg.Client.Peers {
		cfg.Client.Peers[i] = discovery.NormalizeAddress(p)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := c.BLEProfile(); err != nil {
		return err
	}

	if c.Scan.LETimeout < 0 || c.Scan.ClassicTimeout < 0 {
		return fmt.Errorf("scan timeouts must not be negative")
	}

	if c.Client.ReconnectBase <= 0 {
		return fmt.Errorf("client.reconnect_base must be > 0")
	}
	if c.Client.ReconnectMax < c.Client.ReconnectBase {
		return fmt.Errorf("client.reconnect_max must be >= client.reconnect_base")
	}
	for _, p := range c.Client.Peers {
		if p == "" {
			return fmt.Errorf("client.peers must not contain empty addresses")
		}
	}

	if c.Codec.MaxContent < 1 || c.Codec.MaxContent > protocol.MaxContentBytes {
		return fmt.Errorf("codec.max_content must be between 1 and %d, got %d", protocol.MaxContentBytes, c.Codec.MaxContent)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// BLEProfile returns the selected built-in profile with the uuids overrides
// applied.
func (c *Config) BLEProfile() (ble.Profile, error) {
	p, err := ble.ProfileByName(c.Profile)
	if err != nil {
		return ble.Profile{}, fmt.Errorf("profile: %w", err)
	}

	fields := []struct {
		name string
		raw  string
		dst  *uuid.UUID
	}{
		{"uuids.service", c.UUIDs.Service, &p.Service},
		{"uuids.data", c.UUIDs.Data, &p.Data},
		{"uuids.online_state", c.UUIDs.OnlineState, &p.OnlineState},
		{"uuids.client_config", c.UUIDs.ClientConfig, &p.ClientConfig},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(f.raw)
		switch {
		case raw == "":
			continue
		case f.dst == &p.OnlineState && strings.EqualFold(raw, "none"):
			*f.dst = uuid.Nil
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return ble.Profile{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = id
	}

	if err := p.Validate(); err != nil {
		return ble.Profile{}, err
	}
	return p, nil
}

// CodecSettings returns the wire codec for the selected profile.
func (c *Config) CodecSettings(kind protocol.Kind) protocol.Codec {
	return protocol.Codec{Kind: kind, StrictTimestamp: c.Codec.StrictTimestamp}
}

// ClientOptions returns the client manager options.
func (c *Config) ClientOptions(codec protocol.Codec) ble.ClientOptions {
	opts := ble.DefaultClientOptions()
	opts.Codec = codec
	opts.Reconnect = c.Client.Reconnect
	opts.ReconnectBase = c.Client.ReconnectBase
	opts.ReconnectMax = c.Client.ReconnectMax
	return opts
}

const defaultHeader = `# btcomm configuration
# Durations use Go syntax (10s, 1m30s).
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking %s: %w", path, err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
