package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestNotFoundOr(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound bool
	}{
		{"no rows", pgx.ErrNoRows, true},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), true},
		{"malformed uuid", &pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type uuid"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"connection error", errors.New("conn closed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := notFoundOr(tt.err, "get order")
			assert.Equal(t, tt.notFound, errors.Is(err, ErrNotFound), "got %v", err)
			if !tt.notFound {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestIsUUID(t *testing.T) {
	assert.True(t, isUUID("3f1c9a5e-8a4b-4d2f-9c61-0b7e2a1d4c55"))
	assert.False(t, isUUID("not-a-uuid"))
	assert.False(t, isUUID(""))
}
