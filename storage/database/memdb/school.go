package memdb

import (
	"context"
	"sort"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/school"
)

type schoolRepository struct {
	db *DB
}

var _ school.Repository = (*schoolRepository)(nil)

func NewSchoolRepository(db *DB) school.Repository {
	return &schoolRepository{db: db}
}

func (repo *schoolRepository) slugTaken(slug string, exceptID int) bool {
	for _, s := range repo.db.t.schools {
		if s.Slug == slug && s.ID != exceptID {
			return true
		}
	}
	return false
}

func (repo *schoolRepository) CreateSchool(_ context.Context, s school.School, _ ...core.DBExecutor) (school.School, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if repo.slugTaken(s.Slug, 0) {
		return school.School{}, school.ErrSlugExists
	}
	s.ID = repo.db.nextID()
	repo.db.t.schools[s.ID] = s
	return s, nil
}

func (repo *schoolRepository) GetSchool(_ context.Context, id int, _ ...core.DBExecutor) (school.School, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if s, ok := repo.db.t.schools[id]; ok {
		return s, nil
	}
	return school.School{}, school.ErrNotFound
}

func (repo *schoolRepository) GetSchoolBySlug(_ context.Context, slug string, _ ...core.DBExecutor) (school.School, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	for _, s := range repo.db.t.schools {
		if s.Slug == slug {
			return s, nil
		}
	}
	return school.School{}, school.ErrNotFound
}

func (repo *schoolRepository) QuerySchools(_ context.Context, _ ...core.DBExecutor) ([]school.School, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	schools := make([]school.School, 0, len(repo.db.t.schools))
	for _, s := range repo.db.t.schools {
		schools = append(schools, s)
	}
	sort.Slice(schools, func(i, j int) bool { return schools[i].ID < schools[j].ID })
	return schools, nil
}

func (repo *schoolRepository) UpdateSchool(_ context.Context, s school.School, _ ...core.DBExecutor) (school.School, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if _, ok := repo.db.t.schools[s.ID]; !ok {
		return school.School{}, school.ErrNotFound
	}
	if repo.slugTaken(s.Slug, s.ID) {
		return school.School{}, school.ErrSlugExists
	}
	repo.db.t.schools[s.ID] = s
	return s, nil
}

func (repo *schoolRepository) GetSettings(_ context.Context, schoolID int, _ ...core.DBExecutor) (school.Settings, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	settings := make(school.Settings)
	for k, v := range repo.db.t.settings[schoolID] {
		settings[k] = v
	}
	return settings, nil
}

func (repo *schoolRepository) SetSettings(_ context.Context, schoolID int, settings school.Settings, _ ...core.DBExecutor) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	merged := make(school.Settings)
	for k, v := range repo.db.t.settings[schoolID] {
		merged[k] = v
	}
	for k, v := range settings {
		merged[k] = v
	}
	repo.db.t.settings[schoolID] = merged
	return nil
}

func (repo *schoolRepository) CreateProActivation(_ context.Context, pa school.ProActivation, _ ...core.DBExecutor) (school.ProActivation, bool, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, existing := range repo.db.t.proActivations {
		if existing.MpesaRef == pa.MpesaRef {
			return existing, false, nil
		}
	}
	pa.ID = repo.db.nextID()
	repo.db.t.proActivations[pa.ID] = pa
	return pa, true, nil
}
