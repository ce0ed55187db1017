// ABOUTME: podsync CLI configuration stored as TOML under the data directory.
// ABOUTME: Read through viper so PODSYNC_* environment variables override file values.
package appcli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/solgood44/podcastlibrary-sub000/userstate"
)

// Config is the CLI configuration.
type Config struct {
	Server     string `toml:"server" mapstructure:"server"`
	APIKey     string `toml:"api_key,omitempty" mapstructure:"api_key"`
	DeviceID   string `toml:"device_id" mapstructure:"device_id"`
	DataDir    string `toml:"data_dir" mapstructure:"data_dir"`
	UpsertMode string `toml:"upsert_mode" mapstructure:"upsert_mode"`
	Debounce   string `toml:"debounce" mapstructure:"debounce"` // Go duration, e.g. "2s"
	LogLevel   string `toml:"log_level" mapstructure:"log_level"`
	LogFile    string `toml:"log_file,omitempty" mapstructure:"log_file"`
}

// DefaultDataDir returns ~/.podsync, or a temp dir when there is no home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".podsync")
	}
	return filepath.Join(home, ".podsync")
}

// DefaultConfigPath returns the config file inside the default data dir.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.toml")
}

// DefaultConfig returns defaults rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		Server:     "http://localhost:8090",
		DataDir:    dataDir,
		UpsertMode: string(userstate.UpsertAtomic),
		Debounce:   "2s",
		LogLevel:   "info",
	}
}

// StorePath is the local SQLite store.
func (c Config) StorePath() string { return filepath.Join(c.DataDir, "userstate.db") }

// SessionPath is the credentials file written by login.
func (c Config) SessionPath() string { return filepath.Join(c.DataDir, "session.json") }

// LockPath is the single-owner lock for the data directory.
func (c Config) LockPath() string { return filepath.Join(c.DataDir, "podsync.lock") }

// SyncConfig converts the CLI config for the sync engine.
func (c Config) SyncConfig() userstate.SyncConfig {
	cfg := userstate.DefaultSyncConfig(c.Server)
	cfg.APIKey = c.APIKey
	if d, err := time.ParseDuration(c.Debounce); err == nil {
		cfg.Debounce = d
	}
	if c.UpsertMode != "" {
		cfg.UpsertMode = userstate.UpsertMode(c.UpsertMode)
	}
	return cfg
}

// Validate checks values viper cannot type-check.
func (c Config) Validate() error {
	switch userstate.UpsertMode(c.UpsertMode) {
	case "", userstate.UpsertAtomic, userstate.UpsertCheckThenAct:
	default:
		return fmt.Errorf("upsert_mode must be %q or %q", userstate.UpsertAtomic, userstate.UpsertCheckThenAct)
	}
	if c.Debounce != "" {
		if _, err := time.ParseDuration(c.Debounce); err != nil {
			return fmt.Errorf("debounce: %w", err)
		}
	}
	if c.DataDir == "" {
		return errors.New("data_dir required")
	}
	return nil
}

// LoadConfig reads path (missing file is fine) and applies PODSYNC_* env overrides.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	def := DefaultConfig(filepath.Dir(path))

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("PODSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("server", def.Server)
	v.SetDefault("api_key", "")
	v.SetDefault("device_id", "")
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("upsert_mode", def.UpsertMode)
	v.SetDefault("debounce", def.Debounce)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_file", "")

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.LogFile = expandPath(cfg.LogFile)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SaveConfig writes cfg as TOML with owner-only permissions.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// InitConfig writes a fresh config with a new device ID. An existing file
// is kept unless force is set.
func InitConfig(path string, force bool) (Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !force {
		return Config{}, fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}
	cfg := DefaultConfig(filepath.Dir(path))
	cfg.DeviceID = ulid.Make().String()
	if err := SaveConfig(path, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
