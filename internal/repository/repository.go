// Package repository provides data access layer implementations.
//
// Repositories are built over the DBTX interface so the same query code
// serves both pool-scoped reads and transaction-scoped writes; services
// open the pgx transaction and rebind repositories onto it with WithTx.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx query methods shared by *pgxpool.Pool and
// pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Common errors for repository operations.
var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicateCode = errors.New("code already exists")
)

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
