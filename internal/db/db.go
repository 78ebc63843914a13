// Package db owns the taskgate store: a single SQLite file under the
// workspace's .taskgate directory, shared by the dispatcher's concurrent task
// pipelines and by agent-mode invocations running inside task workspaces.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	storeDir  = ".taskgate"
	storeFile = "taskgate.db"

	// Concurrent pipelines contend on the single writer; compare-and-set
	// updates wait this long before surfacing SQLITE_BUSY.
	busyTimeoutMS = 5000
)

type Config struct {
	Workspace string
}

// Path returns the store file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, storeDir, storeFile)
}

// EnsureWorkspace creates the workspace's .taskgate directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, storeDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the workspace store. WAL keeps readers (status, log tail, the
// HTTP server) off the writer's back while a dispatch is running, and the
// busy timeout absorbs write contention between task pipelines.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf(
		"file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		Path(cfg.Workspace), busyTimeoutMS,
	)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Every task-row update is a compare-and-set on a single file; one
	// connection serializes them without tripping the driver's write lock.
	conn.SetMaxOpenConns(1)
	return conn, nil
}
