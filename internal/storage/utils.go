package storage

import (
	"github.com/ignatij/tasktrack/internal/config"
)

// InitStore opens the Postgres store described by cfg.
func InitStore(cfg *config.Config) (*PostgresStore, error) {
	connStr, err := cfg.ConnString()
	if err != nil {
		return nil, err
	}
	store, err := NewPostgresStore(connStr, WithIsolation(cfg.Isolation()))
	if err != nil {
		return nil, err
	}
	return store, nil
}
