// Package store implements the transactional repositories over the six task
// entities. A Store bound to the pool runs each call in autocommit mode;
// WithTx rebinds the Store to a single transaction so multi-row mutations
// commit or roll back together.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the query surface shared by pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides typed CRUD over tasks, workspaces, units, chats, histories,
// and audit logs.
type Store struct {
	db   Querier
	pool *pgxpool.Pool
}

// New creates a Store bound to the connection pool (autocommit flavour).
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// WithTx runs fn with a Store bound to a single transaction. The transaction
// commits only if fn returns nil. Calling WithTx on a Store that is already
// transactional joins the enclosing transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&Store{db: tx})
	})
}
