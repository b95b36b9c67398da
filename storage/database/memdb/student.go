package memdb

import (
	"context"
	"sort"
	"strings"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/student"
)

type studentRepository struct {
	db *DB
}

var _ student.Repository = (*studentRepository)(nil)

func NewStudentRepository(db *DB) student.Repository {
	return &studentRepository{db: db}
}

// Guardians

func (repo *studentRepository) CreateGuardian(_ context.Context, g student.Guardian, _ ...core.DBExecutor) (student.Guardian, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	g.ID = repo.db.nextID()
	repo.db.t.guardians[g.ID] = g
	return g, nil
}

func (repo *studentRepository) GetGuardian(_ context.Context, schoolID, id int, _ ...core.DBExecutor) (student.Guardian, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if g, ok := repo.db.t.guardians[id]; ok && g.SchoolID == schoolID {
		return g, nil
	}
	return student.Guardian{}, student.ErrGuardianNotFound
}

func (repo *studentRepository) GetGuardianByEmail(_ context.Context, schoolID int, email string, _ ...core.DBExecutor) (student.Guardian, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	var found *student.Guardian
	for _, g := range repo.db.t.guardians {
		g := g
		if g.Email == "" || !strings.EqualFold(g.Email, email) || (schoolID != 0 && g.SchoolID != schoolID) {
			continue
		}
		if found == nil || g.ID > found.ID {
			found = &g
		}
	}
	if found == nil {
		return student.Guardian{}, student.ErrGuardianNotFound
	}
	return *found, nil
}

func (repo *studentRepository) QueryGuardians(_ context.Context, schoolID int, search string, _ ...core.DBExecutor) ([]student.Guardian, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	guardians := make([]student.Guardian, 0)
	for _, g := range repo.db.t.guardians {
		if g.SchoolID != schoolID {
			continue
		}
		if search != "" && !(containsFold(g.Name, search) || containsFold(g.Email, search) || containsFold(g.Phone, search)) {
			continue
		}
		guardians = append(guardians, g)
	}
	sort.Slice(guardians, func(i, j int) bool {
		if c := cmpString(guardians[i].Name, guardians[j].Name); c != 0 {
			return c < 0
		}
		return guardians[i].ID < guardians[j].ID
	})
	return guardians, nil
}

func (repo *studentRepository) UpdateGuardian(_ context.Context, g student.Guardian, _ ...core.DBExecutor) (student.Guardian, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if orig, ok := repo.db.t.guardians[g.ID]; !ok || orig.SchoolID != g.SchoolID {
		return student.Guardian{}, student.ErrGuardianNotFound
	}
	repo.db.t.guardians[g.ID] = g
	return g, nil
}

func (repo *studentRepository) DeleteGuardian(_ context.Context, schoolID, id int, _ ...core.DBExecutor) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if g, ok := repo.db.t.guardians[id]; !ok || g.SchoolID != schoolID {
		return student.ErrGuardianNotFound
	}
	delete(repo.db.t.guardians, id)
	for sid, s := range repo.db.t.students {
		if s.HasGuardian(id) {
			s.GuardianID = nil
			repo.db.t.students[sid] = s
		}
	}
	return nil
}

// Students

func (repo *studentRepository) admissionNoTaken(schoolID int, admissionNo string, exceptID int) bool {
	for _, s := range repo.db.t.students {
		if s.SchoolID == schoolID && s.ID != exceptID && strings.EqualFold(s.AdmissionNo, admissionNo) {
			return true
		}
	}
	return false
}

func (repo *studentRepository) CreateStudent(_ context.Context, s student.Student, _ ...core.DBExecutor) (student.Student, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if repo.admissionNoTaken(s.SchoolID, s.AdmissionNo, 0) {
		return student.Student{}, student.ErrAdmissionNoExists
	}
	s.ID = repo.db.nextID()
	repo.db.t.students[s.ID] = s
	return s, nil
}

func (repo *studentRepository) GetStudent(_ context.Context, schoolID, id int, _ ...core.DBExecutor) (student.Student, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if s, ok := repo.db.t.students[id]; ok && s.SchoolID == schoolID {
		return s, nil
	}
	return student.Student{}, student.ErrNotFound
}

func (repo *studentRepository) GetStudentForUpdate(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (student.Student, error) {
	return repo.GetStudent(ctx, schoolID, id, exec...)
}

func (repo *studentRepository) GetStudentByAdmissionNo(_ context.Context, schoolID int, admissionNo string, _ ...core.DBExecutor) (student.Student, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	for _, s := range repo.db.t.students {
		if s.SchoolID == schoolID && strings.EqualFold(s.AdmissionNo, admissionNo) {
			return s, nil
		}
	}
	return student.Student{}, student.ErrNotFound
}

func matchesBool(want *bool, got bool) bool {
	return want == nil || *want == got
}

func studentMatches(s student.Student, f *student.QueryFilter) bool {
	switch {
	case s.SchoolID != f.SchoolID:
		return false
	case f.Search != "" && !(containsFold(s.Name, f.Search) || containsFold(s.AdmissionNo, f.Search)):
		return false
	case f.ClassName != "" && !strings.EqualFold(s.ClassName, f.ClassName):
		return false
	case f.GuardianID != 0 && !s.HasGuardian(f.GuardianID):
		return false
	case !matchesBool(f.HasBalance, s.Balance.IsPositive()):
		return false
	case !matchesBool(f.HasCredit, s.Credit.IsPositive()):
		return false
	case !matchesBool(f.IsActive, s.IsActive):
		return false
	case f.MinBalance.IsPositive() && s.Balance.LessThan(f.MinBalance):
		return false
	}
	return true
}

var studentOrderings = map[string]func(a, b student.Student) int{
	"name":         func(a, b student.Student) int { return cmpString(a.Name, b.Name) },
	"admission_no": func(a, b student.Student) int { return cmpString(a.AdmissionNo, b.AdmissionNo) },
	"class_name":   func(a, b student.Student) int { return cmpString(a.ClassName, b.ClassName) },
	"balance":      func(a, b student.Student) int { return a.Balance.Cmp(b.Balance) },
	"credit":       func(a, b student.Student) int { return a.Credit.Cmp(b.Credit) },
	"created_at":   func(a, b student.Student) int { return a.CreatedAt.Compare(b.CreatedAt) },
}

func studentFallback(a, b student.Student) int {
	if c := cmpString(a.Name, b.Name); c != 0 {
		return c
	}
	return cmpInt(a.ID, b.ID)
}

func (repo *studentRepository) QueryStudents(_ context.Context, filter *student.QueryFilter, ordering []core.DBOrdering, _ ...core.DBExecutor) ([]student.Student, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if filter == nil {
		filter = new(student.QueryFilter)
	}
	students := make([]student.Student, 0)
	for _, s := range repo.db.t.students {
		if studentMatches(s, filter) {
			students = append(students, s)
		}
	}
	orderBy(students, ordering, studentOrderings, studentFallback)
	return students, nil
}

func (repo *studentRepository) UpdateStudent(_ context.Context, s student.Student, _ ...core.DBExecutor) (student.Student, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	orig, ok := repo.db.t.students[s.ID]
	if !ok || orig.SchoolID != s.SchoolID {
		return student.Student{}, student.ErrNotFound
	}
	if repo.admissionNoTaken(s.SchoolID, s.AdmissionNo, s.ID) {
		return student.Student{}, student.ErrAdmissionNoExists
	}
	orig.GuardianID = s.GuardianID
	orig.Name = s.Name
	orig.AdmissionNo = s.AdmissionNo
	orig.ClassName = s.ClassName
	orig.IsActive = s.IsActive
	orig.UpdatedAt = s.UpdatedAt
	repo.db.t.students[s.ID] = orig
	return orig, nil
}

func (repo *studentRepository) UpdateStudentFinances(_ context.Context, s student.Student, _ ...core.DBExecutor) (student.Student, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	orig, ok := repo.db.t.students[s.ID]
	if !ok || orig.SchoolID != s.SchoolID {
		return student.Student{}, student.ErrNotFound
	}
	if s.Balance.IsNegative() || s.Credit.IsNegative() {
		return student.Student{}, core.NewValidationError(nil, core.FieldError{Field: "balance", Error: "cannot be negative"})
	}
	orig.Balance = s.Balance
	orig.Credit = s.Credit
	orig.UpdatedAt = s.UpdatedAt
	repo.db.t.students[s.ID] = orig
	return orig, nil
}

func (repo *studentRepository) CreditSearch(_ context.Context, schoolID int, mode, q string, n int, _ ...core.DBExecutor) ([]student.Student, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	students := make([]student.Student, 0)
	for _, s := range repo.db.t.students {
		if s.SchoolID != schoolID {
			continue
		}
		if q != "" && !(containsFold(s.Name, q) || containsFold(s.AdmissionNo, q)) {
			continue
		}
		eligible := s.Credit.IsPositive()
		if mode == student.SearchTargets {
			eligible = eligible || s.Balance.IsPositive()
		}
		if eligible {
			students = append(students, s)
		}
	}
	orderBy(students, nil, nil, studentFallback)
	return limit(students, n), nil
}
