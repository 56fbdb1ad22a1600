// Package engine drives the issue and inbox lifecycles. All mutations go
// through one transaction per action: entity write, audit row, and any
// suppression rule commit or roll back together.
package engine

import (
	"context"
	"database/sql"
	"log"
	"time"

	"triageline/internal/config"
	"triageline/internal/repo"
	"triageline/internal/suppress"
	"triageline/internal/transitions"
)

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Transitions transitions.Writer
	Suppress    suppress.Engine
	Config      *config.Store
	Logger      *log.Logger
	Now         func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:          db,
		Repo:        r,
		Transitions: transitions.Writer{},
		Suppress:    suppress.Engine{Store: suppress.SQLStore{Repo: r}},
		Config:      config.NewStore(cfg),
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// UpdateConfig validates and persists a new configuration, then swaps it
// into the running engine so timers and defaults pick it up immediately.
// The swap replaces the published snapshot wholesale; in-flight readers
// keep the snapshot they loaded.
func (e Engine) UpdateConfig(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := e.Repo.UpsertConfig(ctx, cfg); err != nil {
		return err
	}
	e.Config.Set(cfg)
	return nil
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
