// Package app wires a workspace: database, migrations, configuration, and
// the engine. Both the CLI and the HTTP server bootstrap through here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"triageline/internal/config"
	"triageline/internal/db"
	"triageline/internal/engine"
	"triageline/internal/migrate"
	"triageline/internal/repo"
)

// Context is an opened workspace. Close releases the database handle.
// Config is the engine's own store, so a config update through the engine
// is visible everywhere.
type Context struct {
	Workspace string
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Store
	Engine    engine.Engine
}

// Open opens (creating if needed) the workspace database, applies pending
// migrations, and resolves the active configuration. The DB-stored config
// wins over the YAML file; a fresh workspace is seeded from the file or
// from defaults.
func Open(ctx context.Context, workspace string) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	cfg, err := resolveConfig(ctx, workspace, r)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, cfg)
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Repo:      r,
		Config:    eng.Config,
		Engine:    eng,
	}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}

func resolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed, err := config.Load(workspace)
	if err != nil {
		if _, statErr := os.Stat(config.Path(workspace)); os.IsNotExist(statErr) {
			seed = config.Default()
		} else {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := r.UpsertConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}
