package memdb

import (
	"context"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/audit"
)

type auditRepository struct {
	db *DB
}

var _ audit.Repository = (*auditRepository)(nil)

func NewAuditRepository(db *DB) audit.Repository {
	return &auditRepository{db: db}
}

func (repo *auditRepository) CreateEntry(_ context.Context, e audit.Entry, _ ...core.DBExecutor) (audit.Entry, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	e.ID = repo.db.nextID()
	repo.db.t.auditEntries[e.ID] = e
	return e, nil
}

func (repo *auditRepository) QueryEntries(_ context.Context, filter audit.QueryFilter, _ ...core.DBExecutor) ([]audit.Entry, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	entries := make([]audit.Entry, 0)
	for _, e := range repo.db.t.auditEntries {
		switch {
		case e.SchoolID != filter.SchoolID,
			filter.Entity != "" && e.Entity != filter.Entity,
			filter.Actor != "" && e.Actor != filter.Actor,
			!filter.From.IsZero() && e.CreatedAt.Before(filter.From),
			!filter.To.IsZero() && e.CreatedAt.After(filter.To):
			continue
		}
		entries = append(entries, e)
	}
	orderBy(entries, nil, nil, func(a, b audit.Entry) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmpInt(b.ID, a.ID)
	})
	return limit(entries, filter.Limit), nil
}
