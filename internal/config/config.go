// Package config loads server settings from the environment.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/xerrors"

	"licensekeeper/internal/store"
)

// Prefix is prepended to every environment variable, e.g.
// LICENSEKEEPER_HTTP_ADDR.
//
// Fields use split_words rather than envconfig tags: a tagged field also
// falls back to its unprefixed name, and STORE_PATH would then read $PATH.
const Prefix = "LICENSEKEEPER"

type Config struct {
	HTTP     HTTPConfig
	Store    StoreConfig
	Log      LogConfig
	Telegram TelegramConfig

	// OwnersFile is the YAML owner directory. Empty disables every owner
	// endpoint.
	OwnersFile   string `split_words:"true"`
	ListLimitMax int    `split_words:"true" default:"1000"`
}

type HTTPConfig struct {
	Addr              string        `split_words:"true" default:":8080"`
	ReadHeaderTimeout time.Duration `split_words:"true" default:"10s"`
	RequestTimeout    time.Duration `split_words:"true" default:"15s"`
	ShutdownTimeout   time.Duration `split_words:"true" default:"10s"`
}

type StoreConfig struct {
	Backend string `split_words:"true" default:"bolt"`
	Path    string `split_words:"true" default:"./data/licensekeeper.db"`
	DSN     string `split_words:"true"`
}

type LogConfig struct {
	Level  string `split_words:"true" default:"info"`
	Format string `split_words:"true" default:"auto"`
}

type TelegramConfig struct {
	// Token enables the bot when set.
	Token string `split_words:"true"`
	Debug bool   `split_words:"true"`
}

// Load reads envFile (when it exists) into the environment without
// overriding variables that are already set, then processes the
// LICENSEKEEPER_* variables.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, xerrors.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, xerrors.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Backend {
	case store.BackendBolt, store.BackendSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return xerrors.Errorf("%s_STORE_PATH is required for the %s backend", Prefix, c.Store.Backend)
		}
	case store.BackendPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return xerrors.Errorf("%s_STORE_DSN is required for the postgres backend", Prefix)
		}
	default:
		return xerrors.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.ListLimitMax <= 0 {
		return xerrors.Errorf("%s_LIST_LIMIT_MAX must be positive", Prefix)
	}
	if c.HTTP.Addr == "" {
		return xerrors.Errorf("%s_HTTP_ADDR is required", Prefix)
	}
	return nil
}

// StoreOptions converts the store section into store.Options.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		Backend: c.Store.Backend,
		Path:    c.Store.Path,
		DSN:     c.Store.DSN,
	}
}
