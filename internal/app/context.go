package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"taskgate/internal/config"
	"taskgate/internal/db"
	"taskgate/internal/events"
	"taskgate/internal/gate"
	"taskgate/internal/harness"
	"taskgate/internal/migrate"
	"taskgate/internal/repo"
	"taskgate/internal/state"
	"taskgate/internal/token"
)

// Env is the wired service set behind every CLI invocation: one store
// connection plus the components built on it.
type Env struct {
	DB      *sql.DB
	Repo    repo.Repo
	Machine state.Machine
	Events  events.Writer
	Gate    gate.Runner
	Config  *config.Config
	Log     *slog.Logger

	Workspace string
}

// Open opens the workspace store, applies migrations, and wires services.
func Open(workspace string, log *slog.Logger) (*Env, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn, Now: time.Now}
	m := state.Machine{DB: conn, Repo: r, Events: w, Now: time.Now}
	g := gate.Runner{Repo: r, Machine: m, Log: log}
	return &Env{
		DB:        conn,
		Repo:      r,
		Machine:   m,
		Events:    w,
		Gate:      g,
		Config:    cfg,
		Log:       log,
		Workspace: workspace,
	}, nil
}

func (e *Env) Close() error {
	return e.DB.Close()
}

// Tokens loads the signing secret from the environment.
func (e *Env) Tokens() (token.Config, error) {
	tc, err := token.ConfigFromHex(config.SecretHex())
	if err != nil {
		return token.Config{}, fmt.Errorf("%s: %w", config.EnvSecret, err)
	}
	return tc, nil
}

// Registry builds the harness registry: the built-in claude-code harness
// plus any exec harnesses declared in config.
func (e *Env) Registry() *harness.Registry {
	reg := harness.NewRegistry()
	reg.Register(harness.ClaudeCode{Log: e.Log})
	for name, hc := range e.Config.Harnesses {
		reg.Register(harness.ExecJSON{HarnessName: name, Command: hc.Command, Args: hc.Args, Log: e.Log})
	}
	return reg
}

// NewLogger builds the process logger: JSON to stderr, level from env.
func NewLogger() *slog.Logger {
	level := slog.LevelInfo
	switch os.Getenv("TASKGATE_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
