// internal/repository/postgres/errors.go
package postgres

import (
	"errors"
	"fmt"

	xerrors "clinic-billing-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation = "23505"
	checkViolation  = "23514"
)

// translate maps constraint violations onto the service's error kinds.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case uniqueViolation:
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, xerrors.ErrDuplicateEntry)
	case checkViolation:
		return &xerrors.ConflictError{Message: "constraint " + pgErr.ConstraintName + " rejected the change"}
	}
	return err
}
