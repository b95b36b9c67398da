package memdb

import (
	"context"
	"time"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/reminder"
)

type reminderRepository struct {
	db *DB
}

var _ reminder.Repository = (*reminderRepository)(nil)

func NewReminderRepository(db *DB) reminder.Repository {
	return &reminderRepository{db: db}
}

func (repo *reminderRepository) CreateLog(_ context.Context, l reminder.Log, _ ...core.DBExecutor) (reminder.Log, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	l.ID = repo.db.nextID()
	repo.db.t.reminderLogs[l.ID] = l
	return l, nil
}

func (repo *reminderRepository) QueryLogs(_ context.Context, filter reminder.LogFilter, _ ...core.DBExecutor) ([]reminder.Log, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	logs := make([]reminder.Log, 0)
	for _, l := range repo.db.t.reminderLogs {
		if l.SchoolID != filter.SchoolID ||
			(filter.StudentID != 0 && l.StudentID != filter.StudentID) ||
			(filter.Status != "" && l.Status != filter.Status) {
			continue
		}
		logs = append(logs, l)
	}
	orderBy(logs, nil, nil, func(a, b reminder.Log) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmpInt(b.ID, a.ID)
	})
	return limit(logs, filter.Limit), nil
}

func (repo *reminderRepository) RemindedSince(_ context.Context, schoolID int, since time.Time, _ ...core.DBExecutor) (map[int]bool, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	reminded := make(map[int]bool)
	for _, l := range repo.db.t.reminderLogs {
		if l.SchoolID == schoolID && l.Status == reminder.StatusSent && !l.CreatedAt.Before(since) {
			reminded[l.StudentID] = true
		}
	}
	return reminded, nil
}
