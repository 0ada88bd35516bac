// Package store provides the data access layer over the jobs table.
// All statements run through pgx native queries on a shared pgxpool;
// the claim path in particular must be a single conditional UPDATE,
// so there is no read-then-write anywhere in this package.
package store

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object for job records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need a dedicated
// connection (the change feed listener holds one for LISTEN).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }
