package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/engine"
	"steward/internal/migrate"
	"steward/internal/telemetry"
)

// BuiltinPolicy is reported as the config source when no policy file exists.
const BuiltinPolicy = "built-in"

// Options for Open.
type Options struct {
	// PolicyFile overrides the workspace's steward.yml.
	PolicyFile string
	// Durable opens the workspace database, persisting review requests and
	// mirroring the audit trail.
	Durable bool
	Logger  *slog.Logger
}

// Workspace is an opened steward workspace: its policy, optional database
// and the engine built from them.
type Workspace struct {
	Dir          string
	ConfigSource string
	Config       *config.Config
	DB           *sql.DB
	Engine       *engine.Engine
}

// ResolveConfig picks the policy document: the explicit file when given,
// else the workspace's steward.yml, else the built-in policy.
func ResolveConfig(workspace, policyFile string) (*config.Config, string, error) {
	if policyFile != "" {
		cfg, err := config.FromFile(policyFile)
		if err != nil {
			return nil, "", fmt.Errorf("load policy %s: %w", policyFile, err)
		}
		return cfg, policyFile, nil
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, "", fmt.Errorf("load policy %s: %w", config.Path(workspace), err)
	}
	if cfg == nil {
		return config.Default(), BuiltinPolicy, nil
	}
	return cfg, config.Path(workspace), nil
}

// Open resolves the policy, opens and migrates the database when durable,
// and builds the engine. Access verdicts are reported to OpenTelemetry when
// telemetry is enabled.
func Open(ctx context.Context, workspace string, opts Options) (*Workspace, error) {
	cfg, source, err := ResolveConfig(workspace, opts.PolicyFile)
	if err != nil {
		return nil, err
	}
	w := &Workspace{Dir: workspace, ConfigSource: source, Config: cfg}
	if opts.Durable {
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, err
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate %s: %w", db.Path(workspace), err)
		}
		w.DB = conn
	}
	engOpts := engine.Options{DB: w.DB, Logger: opts.Logger}
	if telemetry.Enabled() {
		engOpts.Observer = telemetry.NewAccessObserver(nil, nil)
	}
	eng, err := engine.New(cfg, engOpts)
	if err != nil {
		if w.DB != nil {
			w.DB.Close()
		}
		return nil, err
	}
	w.Engine = eng
	return w, nil
}

// Close drains the durable audit sink and closes the database.
func (w *Workspace) Close(ctx context.Context) error {
	var errs []error
	if w.Engine != nil {
		errs = append(errs, w.Engine.Close(ctx))
	}
	if w.DB != nil {
		errs = append(errs, w.DB.Close())
	}
	return errors.Join(errs...)
}
