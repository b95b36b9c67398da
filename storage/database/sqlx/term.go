package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/term"
)

const termColumns = `id, school_id, year, term, label, start_date, end_date, status, is_current, opens_at, closes_at`

type termRow struct {
	ID        int       `db:"id"`
	SchoolID  int       `db:"school_id"`
	Year      int       `db:"year"`
	Term      int       `db:"term"`
	Label     string    `db:"label"`
	StartDate time.Time `db:"start_date"`
	EndDate   time.Time `db:"end_date"`
	Status    string    `db:"status"`
	IsCurrent bool      `db:"is_current"`
	OpensAt   null.Time `db:"opens_at"`
	ClosesAt  null.Time `db:"closes_at"`
}

func (r termRow) term() term.AcademicTerm {
	return term.AcademicTerm{
		ID:        r.ID,
		SchoolID:  r.SchoolID,
		Year:      r.Year,
		Term:      r.Term,
		Label:     r.Label,
		StartDate: r.StartDate,
		EndDate:   r.EndDate,
		Status:    r.Status,
		IsCurrent: r.IsCurrent,
		OpensAt:   r.OpensAt.Time,
		ClosesAt:  r.ClosesAt.Time,
	}
}

func termsFromRows(rows []termRow) []term.AcademicTerm {
	terms := make([]term.AcademicTerm, 0, len(rows))
	for _, r := range rows {
		terms = append(terms, r.term())
	}
	return terms
}

type termRepository struct {
	base
}

var _ term.Repository = (*termRepository)(nil)

func NewTermRepository(db *sqlx.DB) term.Repository {
	return &termRepository{base{db: db}}
}

// CreateTerms must run inside a transaction for the all-or-none guarantee.
func (repo *termRepository) CreateTerms(ctx context.Context, terms []term.AcademicTerm, exec ...core.DBExecutor) ([]term.AcademicTerm, error) {
	exe := repo.getExec(exec)
	created := make([]term.AcademicTerm, 0, len(terms))
	for _, t := range terms {
		var row termRow
		err := sqlx.GetContext(ctx, exe, &row,
			`INSERT INTO academic_terms (school_id, year, term, label, start_date, end_date, status, is_current, opens_at, closes_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING `+termColumns,
			t.SchoolID, t.Year, t.Term, t.Label, t.StartDate, t.EndDate, t.Status, t.IsCurrent, nullTime(t.OpensAt), nullTime(t.ClosesAt))
		if err != nil {
			if isUniqueViolation(err) {
				return nil, term.ErrTermExists
			}
			return nil, errors.Wrap(err, "inserting term")
		}
		created = append(created, row.term())
	}
	return created, nil
}

func (repo *termRepository) QueryTerms(ctx context.Context, schoolID, year int, exec ...core.DBExecutor) ([]term.AcademicTerm, error) {
	var rows []termRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+termColumns+` FROM academic_terms
		WHERE school_id = $1 AND ($2 = 0 OR year = $2)
		ORDER BY year, term`,
		schoolID, year)
	if err != nil {
		return nil, errors.Wrap(err, "querying terms")
	}
	return termsFromRows(rows), nil
}

func (repo *termRepository) GetTerm(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (term.AcademicTerm, error) {
	var row termRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`SELECT `+termColumns+` FROM academic_terms WHERE school_id = $1 AND id = $2`, schoolID, id)
	if err != nil {
		return term.AcademicTerm{}, trapNoRowsErr(err, term.ErrNotFound, "finding term")
	}
	return row.term(), nil
}

func (repo *termRepository) UpdateTerm(ctx context.Context, t term.AcademicTerm, exec ...core.DBExecutor) (term.AcademicTerm, error) {
	var row termRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`UPDATE academic_terms SET
			label = $3, start_date = $4, end_date = $5, status = $6, is_current = $7, opens_at = $8, closes_at = $9
		WHERE school_id = $1 AND id = $2
		RETURNING `+termColumns,
		t.SchoolID, t.ID, t.Label, t.StartDate, t.EndDate, t.Status, t.IsCurrent, nullTime(t.OpensAt), nullTime(t.ClosesAt))
	if err != nil {
		return term.AcademicTerm{}, trapNoRowsErr(err, term.ErrNotFound, "updating term")
	}
	return row.term(), nil
}

func (repo *termRepository) ClearCurrent(ctx context.Context, schoolID int, exec ...core.DBExecutor) error {
	_, err := repo.getExec(exec).ExecContext(ctx,
		`UPDATE academic_terms SET is_current = false WHERE school_id = $1 AND is_current`, schoolID)
	return errors.Wrap(err, "clearing current term")
}

func (repo *termRepository) QueryDueTransitions(ctx context.Context, now time.Time, exec ...core.DBExecutor) ([]term.AcademicTerm, error) {
	var rows []termRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+termColumns+` FROM academic_terms
		WHERE (status = $1 AND opens_at <= $3) OR (status = $2 AND closes_at <= $3)
		ORDER BY school_id, year, term`,
		term.StatusDraft, term.StatusOpen, now.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "querying due term transitions")
	}
	return termsFromRows(rows), nil
}
