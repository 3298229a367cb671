package postgres

import (
	"context"

	"github.com/jkaninda/runbox/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	*ExecutionRepository
	pgDB *DB
}

var _ storage.Store = (*Store)(nil)

// NewStore wraps an open DB as a history store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		ExecutionRepository: NewExecutionRepository(pgDB.GormDB()),
		pgDB:                pgDB,
	}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

// Close releases the connection pool.
func (s *Store) Close() error { return s.pgDB.Close() }

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }
