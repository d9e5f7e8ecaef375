// Package db provides database connection management for the update log,
// supporting SQLite (single-writer WAL) and PostgreSQL backends.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/agentdeck/agentdeck/internal/common/config"
)

// Open opens the database selected by configuration and returns a Pool.
//
// SQLite gets a single-connection writer plus a read-only reader pool so
// concurrent timeline reads never contend with appends. Postgres uses one
// pgx-backed pool for both roles.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			writer.Close()
			return nil, err
		}
		return NewPool(
			sqlx.NewDb(writer, "sqlite3"),
			sqlx.NewDb(reader, "sqlite3"),
		), nil

	case config.DriverPostgres:
		raw, err := OpenPostgres(cfg.DSN, cfg.MaxConns, 0)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(raw, "pgx")
		return NewPool(shared, shared), nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}
