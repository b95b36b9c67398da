package student

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
)

var (
	// errors
	ErrNotFound          = core.NewNotFoundError("student")
	ErrGuardianNotFound  = core.NewNotFoundError("guardian")
	ErrAdmissionNoExists = errors.New("a student with this admission number already exists")
)

type (
	Repository interface {
		CreateGuardian(ctx context.Context, g Guardian, exec ...core.DBExecutor) (Guardian, error)
		GetGuardian(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (Guardian, error)
		// GetGuardianByEmail matches case-insensitively. schoolID 0 searches every school and returns the latest guardian.
		GetGuardianByEmail(ctx context.Context, schoolID int, email string, exec ...core.DBExecutor) (Guardian, error)
		QueryGuardians(ctx context.Context, schoolID int, search string, exec ...core.DBExecutor) ([]Guardian, error)
		UpdateGuardian(ctx context.Context, g Guardian, exec ...core.DBExecutor) (Guardian, error)
		DeleteGuardian(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) error

		// CreateStudent returns ErrAdmissionNoExists on a (school, admission_no) conflict.
		CreateStudent(ctx context.Context, s Student, exec ...core.DBExecutor) (Student, error)
		GetStudent(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (Student, error)
		// GetStudentForUpdate locks the student row until the surrounding transaction ends.
		GetStudentForUpdate(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (Student, error)
		GetStudentByAdmissionNo(ctx context.Context, schoolID int, admissionNo string, exec ...core.DBExecutor) (Student, error)
		// QueryStudents applies AND operation on available QueryFilter fields.
		QueryStudents(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]Student, error)
		// UpdateStudent saves the profile fields only; money goes through UpdateStudentFinances.
		UpdateStudent(ctx context.Context, s Student, exec ...core.DBExecutor) (Student, error)
		UpdateStudentFinances(ctx context.Context, s Student, exec ...core.DBExecutor) (Student, error)
		// CreditSearch returns up to `limit` students matching `q` by name or admission number.
		// Sources have credit; targets have credit or a balance.
		CreditSearch(ctx context.Context, schoolID int, mode, q string, limit int, exec ...core.DBExecutor) ([]Student, error)
	}

	Service interface {
		CreateGuardian(ctx context.Context, ng NewGuardian) (Guardian, error)
		GetGuardian(ctx context.Context, schoolID, id int) (Guardian, error)
		GetGuardianByEmail(ctx context.Context, schoolID int, email string) (Guardian, error)
		QueryGuardians(ctx context.Context, schoolID int, search string) ([]Guardian, error)
		UpdateGuardian(ctx context.Context, g Guardian, ug UpdateGuardian) (Guardian, error)
		DeleteGuardian(ctx context.Context, schoolID, id int) error

		Create(ctx context.Context, ns NewStudent) (Student, error)
		Get(ctx context.Context, schoolID, id int) (Student, error)
		Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Student, error)
		Update(ctx context.Context, s Student, us UpdateStudent) (Student, error)
		Deactivate(ctx context.Context, schoolID, id int) (Student, error)
		Siblings(ctx context.Context, schoolID, id int) ([]Student, error)
		GuardianStudents(ctx context.Context, schoolID, guardianID int) ([]Student, error)
		CreditSearch(ctx context.Context, schoolID int, mode, q string) ([]Student, error)
		Import(ctx context.Context, schoolID int, rows []ImportRow) (ImportResult, error)
	}

	service struct {
		repo Repository
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository) Service {
	return &service{repo: repo}
}

func (svc *service) CreateGuardian(ctx context.Context, ng NewGuardian) (Guardian, error) {
	now := time.Now().UTC()
	return svc.repo.CreateGuardian(ctx, Guardian{
		SchoolID:     ng.SchoolID,
		Name:         ng.Name,
		Email:        ng.Email,
		Phone:        ng.Phone,
		Relationship: ng.Relationship,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func (svc *service) GetGuardian(ctx context.Context, schoolID, id int) (Guardian, error) {
	return svc.repo.GetGuardian(ctx, schoolID, id)
}

func (svc *service) GetGuardianByEmail(ctx context.Context, schoolID int, email string) (Guardian, error) {
	email = core.CleanString(email, true /* lower */)
	if email == "" {
		return Guardian{}, ErrGuardianNotFound
	}
	return svc.repo.GetGuardianByEmail(ctx, schoolID, email)
}

func (svc *service) QueryGuardians(ctx context.Context, schoolID int, search string) ([]Guardian, error) {
	return svc.repo.QueryGuardians(ctx, schoolID, core.CleanString(search))
}

func (svc *service) UpdateGuardian(ctx context.Context, g Guardian, ug UpdateGuardian) (Guardian, error) {
	g.Name = ug.Name
	g.Email = ug.Email
	g.Phone = ug.Phone
	g.Relationship = ug.Relationship
	g.UpdatedAt = time.Now().UTC()
	return svc.repo.UpdateGuardian(ctx, g)
}

func (svc *service) DeleteGuardian(ctx context.Context, schoolID, id int) error {
	return svc.repo.DeleteGuardian(ctx, schoolID, id)
}

func (svc *service) checkGuardian(ctx context.Context, schoolID int, id *int) error {
	if id == nil {
		return nil
	}
	if _, err := svc.repo.GetGuardian(ctx, schoolID, *id); err != nil {
		if core.IsNotFound(err) {
			return core.NewValidationError(err, core.FieldError{Field: "guardian_id", Error: "invalid value"})
		}
		return err
	}
	return nil
}

func admissionNoError(err error) error {
	if err == ErrAdmissionNoExists {
		return core.NewValidationError(err, core.FieldError{Field: "admission_no", Error: err.Error()})
	}
	return err
}

func (svc *service) Create(ctx context.Context, ns NewStudent) (Student, error) {
	if err := svc.checkGuardian(ctx, ns.SchoolID, ns.GuardianID); err != nil {
		return Student{}, err
	}
	now := time.Now().UTC()
	s, err := svc.repo.CreateStudent(ctx, Student{
		SchoolID:    ns.SchoolID,
		GuardianID:  ns.GuardianID,
		Name:        ns.Name,
		AdmissionNo: ns.AdmissionNo,
		ClassName:   ns.ClassName,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	return s, admissionNoError(err)
}

func (svc *service) Get(ctx context.Context, schoolID, id int) (Student, error) {
	return svc.repo.GetStudent(ctx, schoolID, id)
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Student, error) {
	return svc.repo.QueryStudents(ctx, filter, ordering)
}

func (svc *service) Update(ctx context.Context, s Student, us UpdateStudent) (Student, error) {
	if err := svc.checkGuardian(ctx, s.SchoolID, us.GuardianID); err != nil {
		return Student{}, err
	}
	s.GuardianID = us.GuardianID
	s.Name = us.Name
	s.AdmissionNo = us.AdmissionNo
	s.ClassName = us.ClassName
	if us.IsActive != nil {
		s.IsActive = *us.IsActive
	}
	s.UpdatedAt = time.Now().UTC()
	s, err := svc.repo.UpdateStudent(ctx, s)
	return s, admissionNoError(err)
}

func (svc *service) Deactivate(ctx context.Context, schoolID, id int) (Student, error) {
	s, err := svc.repo.GetStudent(ctx, schoolID, id)
	if err != nil {
		return Student{}, err
	}
	s.IsActive = false
	s.UpdatedAt = time.Now().UTC()
	return svc.repo.UpdateStudent(ctx, s)
}

// Siblings returns the other students sharing the student's guardian.
func (svc *service) Siblings(ctx context.Context, schoolID, id int) ([]Student, error) {
	s, err := svc.repo.GetStudent(ctx, schoolID, id)
	if err != nil {
		return nil, err
	}
	if s.GuardianID == nil {
		return []Student{}, nil
	}
	all, err := svc.GuardianStudents(ctx, schoolID, *s.GuardianID)
	if err != nil {
		return nil, err
	}
	siblings := make([]Student, 0, len(all))
	for _, sib := range all {
		if sib.ID != s.ID {
			siblings = append(siblings, sib)
		}
	}
	return siblings, nil
}

func (svc *service) GuardianStudents(ctx context.Context, schoolID, guardianID int) ([]Student, error) {
	return svc.repo.QueryStudents(ctx, &QueryFilter{SchoolID: schoolID, GuardianID: guardianID}, []core.DBOrdering{{Field: "name", Ascending: true}})
}

func (svc *service) CreditSearch(ctx context.Context, schoolID int, mode, q string) ([]Student, error) {
	if mode != SearchTargets {
		mode = SearchSources
	}
	return svc.repo.CreditSearch(ctx, schoolID, mode, core.CleanString(q), creditSearchLimit)
}

// Import upserts students by admission number. Guardians are matched by email within the school
// and created when unknown. Row errors are collected and do not stop the import.
func (svc *service) Import(ctx context.Context, schoolID int, rows []ImportRow) (ImportResult, error) {
	res := ImportResult{Errors: make([]ImportError, 0)}
	for _, row := range rows {
		created, err := svc.importRow(ctx, schoolID, row)
		if err != nil {
			if _, ok := errors.Cause(err).(*core.ValidationError); !ok {
				return res, errors.Wrapf(err, "importing row %d", row.Row)
			}
			res.Errors = append(res.Errors, ImportError{Row: row.Row, Error: err.Error()})
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

func (svc *service) importRow(ctx context.Context, schoolID int, row ImportRow) (bool, error) {
	name := core.CleanString(row.Name)
	admNo := core.CleanString(row.AdmissionNo)
	if name == "" || admNo == "" {
		return false, core.NewValidationError(nil, core.FieldError{Field: "row", Error: "name and admission_no are required"})
	}

	guardianID, err := svc.importGuardian(ctx, schoolID, row)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	s, err := svc.repo.GetStudentByAdmissionNo(ctx, schoolID, admNo)
	switch {
	case err == nil:
		s.Name = name
		s.ClassName = core.CleanString(row.ClassName)
		if guardianID != nil {
			s.GuardianID = guardianID
		}
		s.IsActive = true
		s.UpdatedAt = now
		_, err = svc.repo.UpdateStudent(ctx, s)
		return false, err
	case core.IsNotFound(err):
		_, err = svc.repo.CreateStudent(ctx, Student{
			SchoolID:    schoolID,
			GuardianID:  guardianID,
			Name:        name,
			AdmissionNo: admNo,
			ClassName:   core.CleanString(row.ClassName),
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err == ErrAdmissionNoExists {
			return false, core.NewValidationError(err, core.FieldError{Field: "admission_no", Error: fmt.Sprintf("%s: %v", admNo, err)})
		}
		return true, err
	default:
		return false, err
	}
}

func (svc *service) importGuardian(ctx context.Context, schoolID int, row ImportRow) (*int, error) {
	gName := core.CleanString(row.GuardianName)
	gEmail := core.CleanString(row.GuardianEmail, true /* lower */)
	if gName == "" && gEmail == "" {
		return nil, nil
	}
	if gEmail != "" {
		g, err := svc.repo.GetGuardianByEmail(ctx, schoolID, gEmail)
		if err == nil {
			return &g.ID, nil
		}
		if !core.IsNotFound(err) {
			return nil, err
		}
	}
	if gName == "" {
		gName = gEmail
	}
	now := time.Now().UTC()
	g, err := svc.repo.CreateGuardian(ctx, Guardian{
		SchoolID:  schoolID,
		Name:      gName,
		Email:     gEmail,
		Phone:     core.CleanString(row.GuardianPhone),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	return &g.ID, nil
}
