// Package sqlxrepos implements the domain repositories on PostgreSQL with sqlx.
package sqlxrepos

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
)

const uniqueViolation = "23505"

type base struct {
	db *sqlx.DB
}

// getExec returns the executor handed down by the service, else the repo's DB.
func (b base) getExec(svcExec []core.DBExecutor) sqlx.ExtContext {
	if len(svcExec) > 0 && svcExec[0] != nil {
		switch exec := svcExec[0].(type) {
		case sqlx.ExtContext:
			return exec
		case *sql.Tx:
			return &sqlx.Tx{Tx: exec, Mapper: b.db.Mapper}
		}
	}
	return b.db
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// trapNoRowsErr maps psql "no rows" err to `notFound`
func trapNoRowsErr(err error, notFound error, msg string) error {
	if isNoRows(err) {
		return notFound
	}
	return errors.Wrap(err, msg)
}

// isUniqueViolation tells whether `err` is a unique constraint violation, optionally on `constraint`.
func isUniqueViolation(err error, constraint ...string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return false
	}
	return len(constraint) == 0 || pqErr.Constraint == constraint[0]
}

func nullTime(t time.Time) null.Time {
	return null.NewTime(t.UTC(), !t.IsZero())
}

func nullTimePtr(t *time.Time) null.Time {
	if t == nil {
		return null.Time{}
	}
	return null.TimeFrom(*t)
}

func nullInt(i int) null.Int {
	return null.NewInt(i, i != 0)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
