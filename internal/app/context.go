// Package app wires a workspace into a ready-to-use engine: database opened,
// migrations applied, config loaded and validated.
package app

import (
	"database/sql"
	"fmt"

	"crtvstudio/internal/config"
	"crtvstudio/internal/db"
	"crtvstudio/internal/engine"
	"crtvstudio/internal/migrate"
	"crtvstudio/internal/repo"
)

type Context struct {
	DB     *sql.DB
	Config *config.Config
	Repo   repo.Repo
	Engine engine.Engine
}

// Open prepares the workspace. Callers own the returned Context and must
// Close it when done.
func Open(workspace string) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Context{
		DB:     conn,
		Config: cfg,
		Repo:   repo.Repo{DB: conn},
		Engine: engine.New(conn, cfg),
	}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}
