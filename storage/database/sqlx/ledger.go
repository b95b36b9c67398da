package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/ledger"
)

const (
	entryColumns     = `id, school_id, student_id, type, amount, ref, description, link_type, link_id, created_at`
	operationColumns = `id, school_id, student_id, op_type, amount, method, reference, year, term, correlation_id, note, created_by, created_at`
	transferColumns  = `id, school_id, correlation_id, from_student_id, to_student_id, amount, applied_to_balance, added_to_credit, created_by, created_at`
)

type entryRow struct {
	ID          int             `db:"id"`
	SchoolID    int             `db:"school_id"`
	StudentID   int             `db:"student_id"`
	Type        string          `db:"type"`
	Amount      decimal.Decimal `db:"amount"`
	Ref         string          `db:"ref"`
	Description string          `db:"description"`
	LinkType    string          `db:"link_type"`
	LinkID      null.Int        `db:"link_id"`
	CreatedAt   time.Time       `db:"created_at"`
}

func (r entryRow) entry() ledger.Entry {
	return ledger.Entry{
		ID:          r.ID,
		SchoolID:    r.SchoolID,
		StudentID:   r.StudentID,
		Type:        r.Type,
		Amount:      r.Amount,
		Ref:         r.Ref,
		Description: r.Description,
		LinkType:    r.LinkType,
		LinkID:      r.LinkID.Int,
		CreatedAt:   r.CreatedAt,
	}
}

type operationRow struct {
	ID            int             `db:"id"`
	SchoolID      int             `db:"school_id"`
	StudentID     int             `db:"student_id"`
	OpType        string          `db:"op_type"`
	Amount        decimal.Decimal `db:"amount"`
	Method        string          `db:"method"`
	Reference     string          `db:"reference"`
	Year          int             `db:"year"`
	Term          int             `db:"term"`
	CorrelationID string          `db:"correlation_id"`
	Note          string          `db:"note"`
	CreatedBy     string          `db:"created_by"`
	CreatedAt     time.Time       `db:"created_at"`
}

type transferRow struct {
	ID               int             `db:"id"`
	SchoolID         int             `db:"school_id"`
	CorrelationID    string          `db:"correlation_id"`
	FromStudentID    int             `db:"from_student_id"`
	ToStudentID      int             `db:"to_student_id"`
	Amount           decimal.Decimal `db:"amount"`
	AppliedToBalance decimal.Decimal `db:"applied_to_balance"`
	AddedToCredit    decimal.Decimal `db:"added_to_credit"`
	CreatedBy        string          `db:"created_by"`
	CreatedAt        time.Time       `db:"created_at"`
}

type ledgerRepository struct {
	base
}

var _ ledger.Repository = (*ledgerRepository)(nil)

func NewLedgerRepository(db *sqlx.DB) ledger.Repository {
	return &ledgerRepository{base{db: db}}
}

func (repo *ledgerRepository) CreateEntry(ctx context.Context, e ledger.Entry, exec ...core.DBExecutor) (ledger.Entry, error) {
	var row entryRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO ledger_entries (school_id, student_id, type, amount, ref, description, link_type, link_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+entryColumns,
		e.SchoolID, e.StudentID, e.Type, e.Amount, e.Ref, e.Description, e.LinkType, nullInt(e.LinkID), e.CreatedAt.UTC())
	if err != nil {
		return ledger.Entry{}, errors.Wrap(err, "inserting ledger entry")
	}
	return row.entry(), nil
}

func (repo *ledgerRepository) QueryEntries(ctx context.Context, schoolID, studentID int, exec ...core.DBExecutor) ([]ledger.Entry, error) {
	var rows []entryRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+entryColumns+` FROM ledger_entries
		WHERE school_id = $1 AND student_id = $2
		ORDER BY created_at, id`,
		schoolID, studentID)
	if err != nil {
		return nil, errors.Wrap(err, "querying ledger entries")
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.entry())
	}
	return entries, nil
}

func (repo *ledgerRepository) CreateCreditOperation(ctx context.Context, op ledger.CreditOperation, exec ...core.DBExecutor) (ledger.CreditOperation, error) {
	var row operationRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO credit_operations
			(school_id, student_id, op_type, amount, method, reference, year, term, correlation_id, note, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING
		RETURNING `+operationColumns,
		op.SchoolID, op.StudentID, op.OpType, op.Amount, op.Method, op.Reference, op.Year, op.Term,
		op.CorrelationID, op.Note, op.CreatedBy, op.CreatedAt.UTC())
	if err != nil {
		if isNoRows(err) {
			return ledger.CreditOperation{}, ledger.ErrOperationExists
		}
		return ledger.CreditOperation{}, errors.Wrap(err, "inserting credit operation")
	}
	return ledger.CreditOperation(row), nil
}

func (repo *ledgerRepository) QueryCreditOperations(ctx context.Context, filter ledger.OperationFilter, exec ...core.DBExecutor) ([]ledger.CreditOperation, error) {
	var rows []operationRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+operationColumns+` FROM credit_operations
		WHERE school_id = $1 AND ($2 = 0 OR student_id = $2) AND ($3 = '' OR op_type = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($4, 0)`,
		filter.SchoolID, filter.StudentID, filter.OpType, filter.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying credit operations")
	}
	ops := make([]ledger.CreditOperation, 0, len(rows))
	for _, r := range rows {
		ops = append(ops, ledger.CreditOperation(r))
	}
	return ops, nil
}

func (repo *ledgerRepository) CreditOperationExists(ctx context.Context, schoolID, studentID int, opType string, year, term int, exec ...core.DBExecutor) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, repo.getExec(exec), &exists,
		`SELECT EXISTS (
			SELECT 1 FROM credit_operations
			WHERE school_id = $1 AND student_id = $2 AND op_type = $3 AND year = $4 AND term = $5
		)`,
		schoolID, studentID, opType, year, term)
	if err != nil {
		return false, errors.Wrap(err, "checking credit operation")
	}
	return exists, nil
}

func (repo *ledgerRepository) CreateCreditTransfer(ctx context.Context, ct ledger.CreditTransfer, exec ...core.DBExecutor) (ledger.CreditTransfer, error) {
	var row transferRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO credit_transfers
			(school_id, correlation_id, from_student_id, to_student_id, amount, applied_to_balance, added_to_credit, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+transferColumns,
		ct.SchoolID, ct.CorrelationID, ct.FromStudentID, ct.ToStudentID, ct.Amount,
		ct.AppliedToBalance, ct.AddedToCredit, ct.CreatedBy, ct.CreatedAt.UTC())
	if err != nil {
		return ledger.CreditTransfer{}, errors.Wrap(err, "inserting credit transfer")
	}
	return ledger.CreditTransfer(row), nil
}
