package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a state guard or unique index rejects a write
	ErrConflict = errors.New("conflict")
	// ErrInsufficientQuota means a consume was rejected without deducting anything
	ErrInsufficientQuota = errors.New("insufficient quota")
	ErrExpired           = errors.New("expired")
)

const (
	uniqueViolation = "23505"
	// invalid_text_representation, e.g. a malformed uuid parameter
	invalidTextRepresentation = "22P02"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// notFoundOr maps pgx.ErrNoRows to ErrNotFound and wraps anything else. A
// key Postgres cannot even parse names no row, so it is not found as well.
func notFoundOr(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUUID guards lookups on uuid columns; pgx refuses to encode anything else
// before the query reaches Postgres
func isUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
