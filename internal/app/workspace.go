// Package app wires a workspace directory into a ready engine: database,
// migrations, diveops.yml and the rotating log file.
package app

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"diveops/internal/config"
	"diveops/internal/db"
	"diveops/internal/engine"
	"diveops/internal/logging"
	"diveops/internal/migrate"
)

type Options struct {
	Workspace string
	Debug     bool
	// Stderr mirrors logs to stderr, used by long-running commands.
	Stderr bool
}

type Workspace struct {
	Path   string
	DB     *sql.DB
	Config *config.Config
	Logger *log.Logger
}

// Open migrates the workspace database and loads its config, falling back to
// defaults when diveops.yml is absent.
func Open(opts Options) (*Workspace, error) {
	dir, err := db.EnsureWorkspace(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	cfg, err := config.LoadOrDefault(opts.Workspace)
	if err != nil {
		return nil, err
	}
	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = filepath.Join(dir, "logs")
	}
	logger, err := logging.New(logging.Config{
		Debug:  opts.Debug || cfg.Logging.Debug,
		Dir:    logDir,
		Stderr: opts.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("workspace opened", "path", dir, "db", db.Path(opts.Workspace))
	return &Workspace{Path: dir, DB: conn, Config: cfg, Logger: logger}, nil
}

func (w *Workspace) Engine() engine.Engine {
	return engine.New(w.DB, w.Config, w.Logger)
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

// Init writes a default diveops.yml unless one exists. It reports whether the
// file was created.
func Init(workspace string, force bool) (bool, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return false, err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
