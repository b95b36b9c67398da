package memdb

import (
	"context"
	"sort"
	"time"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/term"
)

type termRepository struct {
	db *DB
}

var _ term.Repository = (*termRepository)(nil)

func NewTermRepository(db *DB) term.Repository {
	return &termRepository{db: db}
}

func sortTerms(terms []term.AcademicTerm) {
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Year != terms[j].Year {
			return terms[i].Year < terms[j].Year
		}
		return terms[i].Term < terms[j].Term
	})
}

func (repo *termRepository) CreateTerms(_ context.Context, terms []term.AcademicTerm, _ ...core.DBExecutor) ([]term.AcademicTerm, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, t := range terms {
		for _, existing := range repo.db.t.terms {
			if existing.SchoolID == t.SchoolID && existing.Year == t.Year && existing.Term == t.Term {
				return nil, term.ErrTermExists
			}
		}
	}
	created := make([]term.AcademicTerm, 0, len(terms))
	for _, t := range terms {
		t.ID = repo.db.nextID()
		repo.db.t.terms[t.ID] = t
		created = append(created, t)
	}
	return created, nil
}

func (repo *termRepository) QueryTerms(_ context.Context, schoolID, year int, _ ...core.DBExecutor) ([]term.AcademicTerm, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	terms := make([]term.AcademicTerm, 0)
	for _, t := range repo.db.t.terms {
		if t.SchoolID == schoolID && (year == 0 || t.Year == year) {
			terms = append(terms, t)
		}
	}
	sortTerms(terms)
	return terms, nil
}

func (repo *termRepository) GetTerm(_ context.Context, schoolID, id int, _ ...core.DBExecutor) (term.AcademicTerm, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if t, ok := repo.db.t.terms[id]; ok && t.SchoolID == schoolID {
		return t, nil
	}
	return term.AcademicTerm{}, term.ErrNotFound
}

func (repo *termRepository) UpdateTerm(_ context.Context, t term.AcademicTerm, _ ...core.DBExecutor) (term.AcademicTerm, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if orig, ok := repo.db.t.terms[t.ID]; !ok || orig.SchoolID != t.SchoolID {
		return term.AcademicTerm{}, term.ErrNotFound
	}
	repo.db.t.terms[t.ID] = t
	return t, nil
}

func (repo *termRepository) ClearCurrent(_ context.Context, schoolID int, _ ...core.DBExecutor) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for id, t := range repo.db.t.terms {
		if t.SchoolID == schoolID && t.IsCurrent {
			t.IsCurrent = false
			repo.db.t.terms[id] = t
		}
	}
	return nil
}

func (repo *termRepository) QueryDueTransitions(_ context.Context, now time.Time, _ ...core.DBExecutor) ([]term.AcademicTerm, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	due := make([]term.AcademicTerm, 0)
	for _, t := range repo.db.t.terms {
		opening := t.Status == term.StatusDraft && !t.OpensAt.IsZero() && !t.OpensAt.After(now)
		closing := t.Status == term.StatusOpen && !t.ClosesAt.IsZero() && !t.ClosesAt.After(now)
		if opening || closing {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}
