package learner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// EnvDatabase overrides the configured database path.
const EnvDatabase = "LEARNER_DB"

// Config is the user configuration, read from a JSONC file.
type Config struct {
	DatabasePath string `json:"database_path"` //nolint:tagliatelle // snake_case for config file
	StoragePath  string `json:"storage_path"`  //nolint:tagliatelle

	Daemon DaemonConfig `json:"daemon"`
	HTTP   HTTPConfig   `json:"http"`
}

// DaemonConfig configures the background refresher.
type DaemonConfig struct {
	Interval     Duration `json:"interval"`
	Concurrency  int      `json:"concurrency,omitempty"`
	RefreshAfter Duration `json:"refresh_after"`           //nolint:tagliatelle
	PIDFile      string   `json:"pid_file,omitempty"`    //nolint:tagliatelle
	LogDir       string   `json:"log_dir,omitempty"`     //nolint:tagliatelle
	WorkingDir   string   `json:"working_dir,omitempty"` //nolint:tagliatelle
}

// HTTPConfig configures provider requests.
type HTTPConfig struct {
	Timeout   Duration `json:"timeout"`
	Retries   int      `json:"retries,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"` //nolint:tagliatelle
}

// Duration is a time.Duration written as a string ("30s", "6h").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfig returns the default configuration, with data under
// $XDG_DATA_HOME/learner (or ~/.local/share/learner).
func DefaultConfig() Config {
	data := dataDir()
	return Config{
		DatabasePath: filepath.Join(data, "learner.db"),
		StoragePath:  filepath.Join(data, "pdfs"),
		Daemon: DaemonConfig{
			Interval:     Duration(6 * time.Hour),
			Concurrency:  4,
			RefreshAfter: Duration(7 * 24 * time.Hour),
		},
		HTTP: HTTPConfig{
			Timeout: Duration(30 * time.Second),
			Retries: 3,
		},
	}
}

func dataDir() string {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return filepath.Join(d, "learner")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "learner")
	}
	return "learner"
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/learner/config.json, or
// ~/.config/learner/config.json. It returns "" if neither can be determined.
func DefaultConfigPath() string {
	if d := os.Getenv("XDG_CONFIG_HOME"); d != "" {
		return filepath.Join(d, "learner", "config.json")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "learner", "config.json")
	}
	return ""
}

// LoadConfig reads the config at path over the defaults, then applies
// LEARNER_DB. A missing file is not an error unless mustExist is set.
func LoadConfig(path string, mustExist bool) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is user-controlled
		switch {
		case err == nil:
			if err := parseConfig(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config %s: %w", path, err)
			}
		case os.IsNotExist(err) && !mustExist:
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if db := os.Getenv(EnvDatabase); db != "" {
		cfg.DatabasePath = db
	}
	cfg.DatabasePath = expandHome(cfg.DatabasePath)
	cfg.StoragePath = expandHome(cfg.StoragePath)
	if cfg.DatabasePath == "" {
		return Config{}, fmt.Errorf("config: database_path is empty")
	}
	return cfg, nil
}

// parseConfig decodes JSONC into cfg, keeping values the file omits.
func parseConfig(data []byte, cfg *Config) error {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("invalid JSONC: %w", err)
	}
	if err := json.Unmarshal(standardized, cfg); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// WriteConfig writes cfg to path atomically, creating its directory.
func WriteConfig(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("format config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return atomic.WriteFile(path, bytes.NewReader(append(data, '\n')))
}

// ClientOptions returns provider client options for the HTTP settings.
func (c Config) ClientOptions() ClientOptions {
	opts := ClientOptions{UserAgent: c.HTTP.UserAgent, Retries: c.HTTP.Retries}
	if c.HTTP.Timeout > 0 {
		opts.Timeout = c.HTTP.Timeout.Std()
	}
	return opts
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
