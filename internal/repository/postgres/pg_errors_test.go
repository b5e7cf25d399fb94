package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kirinyoku/tix-reserve/internal/repository"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: codeSerializationFailure}, want: true},
		{name: "deadlock", err: fmt.Errorf("commit: %w", &pgconn.PgError{Code: codeDeadlockDetected}), want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: codeUniqueViolation}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestTranslateDBErr(t *testing.T) {
	other := errors.New("other")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "no rows", err: pgx.ErrNoRows, want: repository.ErrNotFound},
		{name: "unique", err: &pgconn.PgError{Code: codeUniqueViolation}, want: repository.ErrConflict},
		{name: "foreign key", err: &pgconn.PgError{Code: codeForeignKeyViolation}, want: repository.ErrNotFound},
		{name: "capacity check", err: &pgconn.PgError{Code: codeCheckViolation, ConstraintName: "event_tiers_capacity_check"}, want: repository.ErrNoCapacity},
		{name: "overspent grant", err: &pgconn.PgError{Code: codeCheckViolation, ConstraintName: "point_transactions_remaining_check"}, want: repository.ErrConflict},
		{name: "passthrough", err: other, want: other},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, translateDBErr(tt.err), tt.want)
		})
	}

	assert.NoError(t, translateDBErr(nil))
}
