// Package storage persists the job audit log. Two backends exist: a
// dependency-free JSON Lines file and SQLite behind the "sqlite" build
// tag. Storage is optional; everything else works with it disabled.
package storage

import (
	"context"
	"errors"
	"strings"

	"agentdesk/pkg/logx"
)

// Store is the minimal persistence API the engine uses.
type Store interface {
	AppendJob(ctx context.Context, r JobRecord) error
	// RecentJobs returns the newest records first, at most limit.
	RecentJobs(ctx context.Context, identity string, limit int) ([]JobRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
