package app

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/engine"
	"govline/internal/logging"
	"govline/internal/migrate"
)

// Options select the workspace and layer flag or environment values over
// the config file.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/govline.yml.
	ConfigPath string
	Overrides  config.Overrides
	// Logger replaces the logger built from the config.
	Logger *zap.Logger
}

// Context holds everything a command or server needs.
type Context struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *sql.DB
	Engine engine.Engine

	ownsLogger bool
}

// Bootstrap loads config, builds the logger, opens and migrates the
// database and wires the engine.
func Bootstrap(opts Options) (*Context, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.Apply(opts.Overrides); err != nil {
		return nil, err
	}
	logger := opts.Logger
	owns := false
	if logger == nil {
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		owns = true
	}
	conn, dialect, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("workspace ready",
		zap.String("workspace", opts.Workspace),
		zap.String("dialect", string(dialect)))
	return &Context{
		Config:     cfg,
		Logger:     logger,
		DB:         conn,
		Engine:     engine.New(conn, dialect, cfg, logger),
		ownsLogger: owns,
	}, nil
}

// Close releases the database and flushes the logger it built.
func (c *Context) Close() error {
	err := c.DB.Close()
	if c.ownsLogger {
		logging.Sync(c.Logger)
	}
	return err
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}
