// Package app assembles the runtime shared by the CLI commands and the API
// server: environment, config, logger, store and engine.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"flowlens/internal/config"
	"flowlens/internal/db"
	"flowlens/internal/domain"
	"flowlens/internal/engine"
	"flowlens/internal/logging"
	"flowlens/internal/migrate"
	"flowlens/internal/repo"
	"flowlens/internal/store"
	"flowlens/internal/store/postgres"
)

type Options struct {
	Workspace  string
	ConfigFile string
	// Driver and LogLevel override the config when set.
	Driver   string
	LogLevel string
}

// App owns everything opened for one command.
type App struct {
	Config *config.Config
	Log    *zap.SugaredLogger
	Engine *engine.Engine
	// Repo is set only for the sqlite driver, which also stores API keys.
	Repo *repo.Repo
}

// LoadEnv copies variables from workspace/.env into the process
// environment. Variables already set win.
func LoadEnv(workspace string) error {
	path := filepath.Join(workspace, ".env")
	env, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	for k, v := range env {
		if _, exists := os.LookupEnv(k); !exists {
			_ = os.Setenv(k, v)
		}
	}
	return nil
}

// LoadConfig reads the explicit config file, else workspace/flowlens.yml,
// else the defaults.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigFile != "" {
		return config.FromFile(opts.ConfigFile)
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// Open builds the App and restores the snapshot history from the store.
func Open(ctx context.Context, opts Options) (*App, error) {
	if opts.Workspace == "" {
		opts.Workspace = "."
	}
	if err := LoadEnv(opts.Workspace); err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	if opts.Driver != "" {
		cfg.Storage.Driver = opts.Driver
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Log: log}
	st, err := a.openStore(ctx, opts.Workspace)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	a.Engine = engine.New(cfg, st, log)
	n, err := a.Engine.LoadHistory(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	log.Debugw("app ready", "driver", cfg.Storage.Driver, "snapshots", n)
	return a, nil
}

func (a *App) openStore(ctx context.Context, workspace string) (store.Store, error) {
	switch a.Config.Storage.Driver {
	case "memory":
		return nil, nil
	case "postgres":
		return postgres.Open(ctx, a.Config.Storage.DSN, a.Log)
	default:
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return nil, err
		}
		conn, err := db.Open(db.Config{Workspace: workspace, Path: a.Config.Storage.DSN})
		if err != nil {
			return nil, err
		}
		applied, err := migrate.Migrate(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if applied > 0 {
			a.Log.Infow("migrations applied", "count", applied, "path", db.Path(db.Config{Workspace: workspace, Path: a.Config.Storage.DSN}))
		}
		r := repo.Repo{DB: conn}
		a.Repo = &r
		return r, nil
	}
}

func (a *App) Close() error {
	var err error
	if a.Engine != nil {
		err = a.Engine.Close()
	}
	if a.Log != nil {
		_ = a.Log.Sync()
	}
	return err
}

// LoadEntities reads an entity set from a JSON or YAML file. "-" reads
// JSON or YAML from stdin.
func LoadEntities(path string) (domain.Entities, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return domain.Entities{}, err
	}
	return ParseEntities(data, filepath.Ext(path))
}

// ParseEntities decodes data as JSON when ext is .json, else as YAML, which
// also accepts JSON documents.
func ParseEntities(data []byte, ext string) (domain.Entities, error) {
	var ents domain.Entities
	if strings.EqualFold(ext, ".json") {
		if err := json.Unmarshal(data, &ents); err != nil {
			return domain.Entities{}, fmt.Errorf("invalid entities json: %w", err)
		}
		return ents, nil
	}
	if err := yaml.Unmarshal(data, &ents); err != nil {
		return domain.Entities{}, fmt.Errorf("invalid entities yaml: %w", err)
	}
	return ents, nil
}
