package memdb

import (
	"context"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/ledger"
)

type ledgerRepository struct {
	db *DB
}

var _ ledger.Repository = (*ledgerRepository)(nil)

func NewLedgerRepository(db *DB) ledger.Repository {
	return &ledgerRepository{db: db}
}

func (repo *ledgerRepository) CreateEntry(_ context.Context, e ledger.Entry, _ ...core.DBExecutor) (ledger.Entry, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	e.ID = repo.db.nextID()
	repo.db.t.entries[e.ID] = e
	return e, nil
}

func (repo *ledgerRepository) QueryEntries(_ context.Context, schoolID, studentID int, _ ...core.DBExecutor) ([]ledger.Entry, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	entries := make([]ledger.Entry, 0)
	for _, e := range repo.db.t.entries {
		if e.SchoolID == schoolID && e.StudentID == studentID {
			entries = append(entries, e)
		}
	}
	orderBy(entries, nil, nil, func(a, b ledger.Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmpInt(a.ID, b.ID)
	})
	return entries, nil
}

func (repo *ledgerRepository) opExists(schoolID, studentID int, opType string, year, term int) bool {
	for _, op := range repo.db.t.creditOps {
		if op.SchoolID == schoolID && op.StudentID == studentID && op.OpType == opType && op.Year == year && op.Term == term {
			return true
		}
	}
	return false
}

func (repo *ledgerRepository) CreateCreditOperation(_ context.Context, op ledger.CreditOperation, _ ...core.DBExecutor) (ledger.CreditOperation, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if op.OpType == ledger.OpAutoApply && repo.opExists(op.SchoolID, op.StudentID, op.OpType, op.Year, op.Term) {
		return ledger.CreditOperation{}, ledger.ErrOperationExists
	}
	op.ID = repo.db.nextID()
	repo.db.t.creditOps[op.ID] = op
	return op, nil
}

func (repo *ledgerRepository) QueryCreditOperations(_ context.Context, filter ledger.OperationFilter, _ ...core.DBExecutor) ([]ledger.CreditOperation, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	ops := make([]ledger.CreditOperation, 0)
	for _, op := range repo.db.t.creditOps {
		if op.SchoolID != filter.SchoolID ||
			(filter.StudentID != 0 && op.StudentID != filter.StudentID) ||
			(filter.OpType != "" && op.OpType != filter.OpType) {
			continue
		}
		ops = append(ops, op)
	}
	orderBy(ops, nil, nil, func(a, b ledger.CreditOperation) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmpInt(b.ID, a.ID)
	})
	return limit(ops, filter.Limit), nil
}

func (repo *ledgerRepository) CreditOperationExists(_ context.Context, schoolID, studentID int, opType string, year, term int, _ ...core.DBExecutor) (bool, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()
	return repo.opExists(schoolID, studentID, opType, year, term), nil
}

func (repo *ledgerRepository) CreateCreditTransfer(_ context.Context, ct ledger.CreditTransfer, _ ...core.DBExecutor) (ledger.CreditTransfer, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	ct.ID = repo.db.nextID()
	repo.db.t.creditTransfers[ct.ID] = ct
	return ct, nil
}
