package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"dispoline/internal/config"
	"dispoline/internal/db"
	"dispoline/internal/domain"
	"dispoline/internal/engine"
	"dispoline/internal/generator"
	"dispoline/internal/migrate"
)

// Options selects the workspace and config a Runtime is built from.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/dispoline.yml when set.
	ConfigPath string
	Logger     *log.Logger
}

// Runtime is an opened, migrated workspace with its engine.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open prepares the workspace database, applies migrations and loads the
// config. A missing workspace config falls back to the defaults; a missing
// explicit ConfigPath is an error.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", db.Path(opts.Workspace), err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if opts.Logger != nil {
		for _, name := range applied {
			opts.Logger.Printf("migrate: applied %s", name)
		}
	}
	e := engine.New(conn, cfg)
	if opts.Logger != nil {
		e.Logger = opts.Logger
		e = e.Wire()
	}
	return &Runtime{Workspace: opts.Workspace, DB: conn, Config: cfg, Engine: e}, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if strings.TrimSpace(opts.ConfigPath) != "" {
		cfg, err := config.FromFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(opts.Workspace)
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// Scheduler builds the background generator ticker from the config. It is
// not started.
func (r *Runtime) Scheduler() *generator.Scheduler {
	s := generator.NewScheduler(r.Engine.Generator, r.Config.InitialDelay(), r.Config.Interval())
	s.Logger = r.Engine.Logger
	return s
}

// Actor resolves the CLI actor, registering unknown ids so later events
// and API keys can reference them.
func (r *Runtime) Actor(ctx context.Context, actorID string) (domain.Actor, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.Actor{}, domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	if err := r.Engine.Auth.EnsureActor(ctx, nil, actorID); err != nil {
		return domain.Actor{}, fmt.Errorf("ensure actor: %w", err)
	}
	return r.Engine.Auth.Resolve(ctx, nil, domain.Actor{ID: actorID})
}
