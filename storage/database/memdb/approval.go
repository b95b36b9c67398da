package memdb

import (
	"context"
	"time"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/approval"
)

type approvalRepository struct {
	db *DB
}

var _ approval.Repository = (*approvalRepository)(nil)

func NewApprovalRepository(db *DB) approval.Repository {
	return &approvalRepository{db: db}
}

func (repo *approvalRepository) CreateRequest(_ context.Context, r approval.Request, _ ...core.DBExecutor) (approval.Request, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	r.ID = repo.db.nextID()
	repo.db.t.approvals[r.ID] = r
	return r, nil
}

func (repo *approvalRepository) GetRequest(_ context.Context, schoolID, id int, _ ...core.DBExecutor) (approval.Request, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if r, ok := repo.db.t.approvals[id]; ok && r.SchoolID == schoolID {
		return r, nil
	}
	return approval.Request{}, approval.ErrNotFound
}

func (repo *approvalRepository) QueryRequests(_ context.Context, filter approval.QueryFilter, _ ...core.DBExecutor) ([]approval.Request, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	reqs := make([]approval.Request, 0)
	for _, r := range repo.db.t.approvals {
		if r.SchoolID != filter.SchoolID ||
			(filter.Status != "" && r.Status != filter.Status) ||
			(filter.Type != "" && r.Type != filter.Type) {
			continue
		}
		reqs = append(reqs, r)
	}
	orderBy(reqs, nil, nil, func(a, b approval.Request) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmpInt(b.ID, a.ID)
	})
	return limit(reqs, filter.Limit), nil
}

func (repo *approvalRepository) UpdateRequest(_ context.Context, r approval.Request, _ ...core.DBExecutor) (approval.Request, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if orig, ok := repo.db.t.approvals[r.ID]; !ok || orig.SchoolID != r.SchoolID {
		return approval.Request{}, approval.ErrNotFound
	}
	repo.db.t.approvals[r.ID] = r
	return r, nil
}

func (repo *approvalRepository) DeleteExpiredOTPPending(_ context.Context, now time.Time, _ ...core.DBExecutor) (int, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	var n int
	for id, r := range repo.db.t.approvals {
		if r.Status == approval.StatusOTPPending && r.OTPExpiresAt.Before(now) {
			delete(repo.db.t.approvals, id)
			n++
		}
	}
	return n, nil
}
