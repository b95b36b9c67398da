package memdb

import (
	"context"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/analytics"
)

type analyticsRepository struct {
	db *DB
}

var _ analytics.Repository = (*analyticsRepository)(nil)

func NewAnalyticsRepository(db *DB) analytics.Repository {
	return &analyticsRepository{db: db}
}

func newestActionFirst(a, b analytics.RecoveryAction) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmpInt(b.ID, a.ID)
}

func (repo *analyticsRepository) CreateRecoveryAction(_ context.Context, ra analytics.RecoveryAction, _ ...core.DBExecutor) (analytics.RecoveryAction, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	ra.ID = repo.db.nextID()
	repo.db.t.recoveryActions[ra.ID] = ra
	return ra, nil
}

func (repo *analyticsRepository) QueryRecoveryActions(_ context.Context, filter analytics.RecoveryFilter, _ ...core.DBExecutor) ([]analytics.RecoveryAction, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	actions := make([]analytics.RecoveryAction, 0)
	for _, ra := range repo.db.t.recoveryActions {
		if ra.SchoolID != filter.SchoolID ||
			(filter.StudentID != 0 && ra.StudentID != filter.StudentID) ||
			(filter.Status != "" && ra.Status != filter.Status) {
			continue
		}
		actions = append(actions, ra)
	}
	orderBy(actions, nil, nil, newestActionFirst)
	return limit(actions, filter.Limit), nil
}

func (repo *analyticsRepository) LatestRecoveryActions(_ context.Context, schoolID int, studentIDs []int, _ ...core.DBExecutor) (map[int]analytics.RecoveryAction, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	wanted := make(map[int]bool, len(studentIDs))
	for _, id := range studentIDs {
		wanted[id] = true
	}
	latest := make(map[int]analytics.RecoveryAction)
	for _, ra := range repo.db.t.recoveryActions {
		if ra.SchoolID != schoolID || !wanted[ra.StudentID] {
			continue
		}
		if cur, ok := latest[ra.StudentID]; !ok || newestActionFirst(ra, cur) < 0 {
			latest[ra.StudentID] = ra
		}
	}
	return latest, nil
}
