package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"triageline/internal/config"
)

// GetConfig loads the workspace config stored in the database.
func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM configs WHERE id=1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

// UpsertConfig validates and stores the workspace config.
func (r Repo) UpsertConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO configs(id,yaml,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, string(raw), now)
	return err
}
