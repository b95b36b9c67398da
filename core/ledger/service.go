package ledger

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
)

var (
	// errors
	ErrOperationExists = errors.New("credit operation already recorded")
)

const defaultOperationsLimit = 100

type (
	Repository interface {
		CreateEntry(ctx context.Context, e Entry, exec ...core.DBExecutor) (Entry, error)
		// QueryEntries returns the student's entries oldest first.
		QueryEntries(ctx context.Context, schoolID, studentID int, exec ...core.DBExecutor) ([]Entry, error)
		// CreateCreditOperation returns ErrOperationExists when an auto_apply op already exists for the term.
		CreateCreditOperation(ctx context.Context, op CreditOperation, exec ...core.DBExecutor) (CreditOperation, error)
		// QueryCreditOperations returns the newest operations first.
		QueryCreditOperations(ctx context.Context, filter OperationFilter, exec ...core.DBExecutor) ([]CreditOperation, error)
		CreditOperationExists(ctx context.Context, schoolID, studentID int, opType string, year, term int, exec ...core.DBExecutor) (bool, error)
		CreateCreditTransfer(ctx context.Context, ct CreditTransfer, exec ...core.DBExecutor) (CreditTransfer, error)
	}

	Service interface {
		Statement(ctx context.Context, schoolID, studentID int) (Statement, error)
		Operations(ctx context.Context, filter OperationFilter) ([]CreditOperation, error)
	}

	service struct {
		repo Repository
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository) Service {
	return &service{repo: repo}
}

// Statement lists the student's entries with a running balance.
func (svc *service) Statement(ctx context.Context, schoolID, studentID int) (Statement, error) {
	entries, err := svc.repo.QueryEntries(ctx, schoolID, studentID)
	if err != nil {
		return Statement{}, errors.Wrap(err, "querying entries")
	}
	return BuildStatement(studentID, entries), nil
}

func (svc *service) Operations(ctx context.Context, filter OperationFilter) ([]CreditOperation, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = defaultOperationsLimit
	}
	return svc.repo.QueryCreditOperations(ctx, filter)
}

// BuildStatement folds `entries` (oldest first) into a statement.
func BuildStatement(studentID int, entries []Entry) Statement {
	st := Statement{
		StudentID:    studentID,
		Lines:        make([]StatementLine, 0, len(entries)),
		TotalDebits:  decimal.Zero,
		TotalCredits: decimal.Zero,
		Balance:      decimal.Zero,
	}
	for _, e := range entries {
		if e.Type == Credit {
			st.TotalCredits = st.TotalCredits.Add(e.Amount)
		} else {
			st.TotalDebits = st.TotalDebits.Add(e.Amount)
		}
		st.Balance = st.Balance.Add(e.Signed())
		st.Lines = append(st.Lines, StatementLine{Entry: e, Balance: st.Balance})
	}
	return st
}
