package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"

	"github.com/Anteroom/Anteroom/internal/errs"
)

// EnvPrefix is the prefix for all environment variable overrides.
const EnvPrefix = "ANTEROOM"

// Load reads configuration from the JSON file at path (if it exists),
// overlays environment variables, and applies defaults.
//
// Missing file is not an error: env-only configuration is a supported
// deployment mode. A malformed file is a config error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// env-only
		case err != nil:
			return nil, errs.Wrap(errs.KindConfig, "config.load", err)
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, errs.Wrapf(errs.KindConfig, "config.load", err, "parse %s", path)
			}
		}
	}

	// Each group is processed on its own so that a tagged field maps to
	// ANTEROOM_<TAG> (e.g. ANTEROOM_TELEGRAM_TOKEN) without the group names.
	groups := []any{&cfg.Paths, &cfg.Model, &cfg.Channels.Email, &cfg.Channels.Telegram,
		&cfg.Pipeline, &cfg.Session, &cfg.Routines, &cfg.Bridge, &cfg.Approval}
	for _, group := range groups {
		if err := envconfig.Process(EnvPrefix, group); err != nil {
			return nil, errs.Wrap(errs.KindConfig, "config.env", err)
		}
	}

	cfg.Normalize()
	return cfg, nil
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "anteroom.json"
	}
	return filepath.Join(home, ".anteroom", "config.json")
}

func defaultWorkspace() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".anteroom/workspace"
	}
	return filepath.Join(home, ".anteroom", "workspace")
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".anteroom/anteroom.db"
	}
	return filepath.Join(home, ".anteroom", "anteroom.db")
}

// Save writes the config back to disk as indented JSON.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.Wrap(errs.KindConfig, "config.save", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindConfig, "config.save", err)
	}
	return os.WriteFile(path, data, 0600)
}
