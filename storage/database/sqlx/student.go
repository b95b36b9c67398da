package sqlxrepos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/student"
)

const (
	guardianColumns = `id, school_id, name, email, phone, relationship, created_at, updated_at`
	studentColumns  = `id, school_id, guardian_id, name, admission_no, class_name, balance, credit, is_active, created_at, updated_at`
)

type guardianRow struct {
	ID           int       `db:"id"`
	SchoolID     int       `db:"school_id"`
	Name         string    `db:"name"`
	Email        string    `db:"email"`
	Phone        string    `db:"phone"`
	Relationship string    `db:"relationship"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r guardianRow) guardian() student.Guardian {
	return student.Guardian(r)
}

type studentRow struct {
	ID          int             `db:"id"`
	SchoolID    int             `db:"school_id"`
	GuardianID  null.Int        `db:"guardian_id"`
	Name        string          `db:"name"`
	AdmissionNo string          `db:"admission_no"`
	ClassName   string          `db:"class_name"`
	Balance     decimal.Decimal `db:"balance"`
	Credit      decimal.Decimal `db:"credit"`
	IsActive    bool            `db:"is_active"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func (r studentRow) student() student.Student {
	return student.Student{
		ID:          r.ID,
		SchoolID:    r.SchoolID,
		GuardianID:  r.GuardianID.Ptr(),
		Name:        r.Name,
		AdmissionNo: r.AdmissionNo,
		ClassName:   r.ClassName,
		Balance:     r.Balance,
		Credit:      r.Credit,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func studentsFromRows(rows []studentRow) []student.Student {
	students := make([]student.Student, 0, len(rows))
	for _, r := range rows {
		students = append(students, r.student())
	}
	return students
}

type studentRepository struct {
	base
}

var _ student.Repository = (*studentRepository)(nil)

func NewStudentRepository(db *sqlx.DB) student.Repository {
	return &studentRepository{base{db: db}}
}

// Guardians

func (repo *studentRepository) CreateGuardian(ctx context.Context, g student.Guardian, exec ...core.DBExecutor) (student.Guardian, error) {
	var row guardianRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO guardians (school_id, name, email, phone, relationship, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+guardianColumns,
		g.SchoolID, g.Name, g.Email, g.Phone, g.Relationship, g.CreatedAt.UTC(), g.UpdatedAt.UTC())
	if err != nil {
		return student.Guardian{}, errors.Wrap(err, "inserting guardian")
	}
	return row.guardian(), nil
}

func (repo *studentRepository) GetGuardian(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (student.Guardian, error) {
	var row guardianRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`SELECT `+guardianColumns+` FROM guardians WHERE school_id = $1 AND id = $2`, schoolID, id)
	if err != nil {
		return student.Guardian{}, trapNoRowsErr(err, student.ErrGuardianNotFound, "finding guardian")
	}
	return row.guardian(), nil
}

func (repo *studentRepository) GetGuardianByEmail(ctx context.Context, schoolID int, email string, exec ...core.DBExecutor) (student.Guardian, error) {
	var row guardianRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`SELECT `+guardianColumns+` FROM guardians
		WHERE email <> '' AND lower(email) = lower($2) AND ($1 = 0 OR school_id = $1)
		ORDER BY id DESC
		LIMIT 1`,
		schoolID, email)
	if err != nil {
		return student.Guardian{}, trapNoRowsErr(err, student.ErrGuardianNotFound, "finding guardian by email")
	}
	return row.guardian(), nil
}

func (repo *studentRepository) QueryGuardians(ctx context.Context, schoolID int, search string, exec ...core.DBExecutor) ([]student.Guardian, error) {
	var rows []guardianRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+guardianColumns+` FROM guardians
		WHERE school_id = $1 AND ($2 = '' OR name ILIKE '%' || $2 || '%' OR email ILIKE '%' || $2 || '%' OR phone ILIKE '%' || $2 || '%')
		ORDER BY lower(name), id`,
		schoolID, search)
	if err != nil {
		return nil, errors.Wrap(err, "querying guardians")
	}
	guardians := make([]student.Guardian, 0, len(rows))
	for _, r := range rows {
		guardians = append(guardians, r.guardian())
	}
	return guardians, nil
}

func (repo *studentRepository) UpdateGuardian(ctx context.Context, g student.Guardian, exec ...core.DBExecutor) (student.Guardian, error) {
	var row guardianRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`UPDATE guardians SET name = $3, email = $4, phone = $5, relationship = $6, updated_at = $7
		WHERE school_id = $1 AND id = $2
		RETURNING `+guardianColumns,
		g.SchoolID, g.ID, g.Name, g.Email, g.Phone, g.Relationship, g.UpdatedAt.UTC())
	if err != nil {
		return student.Guardian{}, trapNoRowsErr(err, student.ErrGuardianNotFound, "updating guardian")
	}
	return row.guardian(), nil
}

func (repo *studentRepository) DeleteGuardian(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) error {
	res, err := repo.getExec(exec).ExecContext(ctx, `DELETE FROM guardians WHERE school_id = $1 AND id = $2`, schoolID, id)
	if err != nil {
		return errors.Wrap(err, "deleting guardian")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return student.ErrGuardianNotFound
	}
	return nil
}

// Students

func (repo *studentRepository) CreateStudent(ctx context.Context, s student.Student, exec ...core.DBExecutor) (student.Student, error) {
	var row studentRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO students (school_id, guardian_id, name, admission_no, class_name, balance, credit, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+studentColumns,
		s.SchoolID, null.IntFromPtr(s.GuardianID), s.Name, s.AdmissionNo, s.ClassName,
		s.Balance, s.Credit, s.IsActive, s.CreatedAt.UTC(), s.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return student.Student{}, student.ErrAdmissionNoExists
		}
		return student.Student{}, errors.Wrap(err, "inserting student")
	}
	return row.student(), nil
}

func (repo *studentRepository) getStudent(ctx context.Context, query string, args []interface{}, exec []core.DBExecutor) (student.Student, error) {
	var row studentRow
	if err := sqlx.GetContext(ctx, repo.getExec(exec), &row, query, args...); err != nil {
		return student.Student{}, trapNoRowsErr(err, student.ErrNotFound, "finding student")
	}
	return row.student(), nil
}

func (repo *studentRepository) GetStudent(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (student.Student, error) {
	return repo.getStudent(ctx,
		`SELECT `+studentColumns+` FROM students WHERE school_id = $1 AND id = $2`,
		[]interface{}{schoolID, id}, exec)
}

func (repo *studentRepository) GetStudentForUpdate(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (student.Student, error) {
	return repo.getStudent(ctx,
		`SELECT `+studentColumns+` FROM students WHERE school_id = $1 AND id = $2 FOR UPDATE`,
		[]interface{}{schoolID, id}, exec)
}

func (repo *studentRepository) GetStudentByAdmissionNo(ctx context.Context, schoolID int, admissionNo string, exec ...core.DBExecutor) (student.Student, error) {
	return repo.getStudent(ctx,
		`SELECT `+studentColumns+` FROM students WHERE school_id = $1 AND lower(admission_no) = lower($2)`,
		[]interface{}{schoolID, admissionNo}, exec)
}

var studentOrderings = map[string]string{
	"name":         "lower(name)",
	"admission_no": "admission_no",
	"class_name":   "class_name",
	"balance":      "balance",
	"credit":       "credit",
	"created_at":   "created_at",
}

func (repo *studentRepository) QueryStudents(ctx context.Context, filter *student.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]student.Student, error) {
	if filter == nil {
		filter = new(student.QueryFilter)
	}
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conds := []string{"school_id = " + arg(filter.SchoolID)}
	if filter.Search != "" {
		p := arg("%" + filter.Search + "%")
		conds = append(conds, fmt.Sprintf("(name ILIKE %s OR admission_no ILIKE %s)", p, p))
	}
	if filter.ClassName != "" {
		conds = append(conds, "lower(class_name) = lower("+arg(filter.ClassName)+")")
	}
	if filter.GuardianID != 0 {
		conds = append(conds, "guardian_id = "+arg(filter.GuardianID))
	}
	if filter.HasBalance != nil {
		conds = append(conds, "(balance > 0) = "+arg(*filter.HasBalance))
	}
	if filter.HasCredit != nil {
		conds = append(conds, "(credit > 0) = "+arg(*filter.HasCredit))
	}
	if filter.IsActive != nil {
		conds = append(conds, "is_active = "+arg(*filter.IsActive))
	}
	if filter.MinBalance.IsPositive() {
		conds = append(conds, "balance >= "+arg(filter.MinBalance))
	}

	query := `SELECT ` + studentColumns + ` FROM students WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY ` + core.OrderBy(ordering, studentOrderings, "lower(name) ASC") + `, id`

	var rows []studentRow
	if err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "querying students")
	}
	return studentsFromRows(rows), nil
}

func (repo *studentRepository) UpdateStudent(ctx context.Context, s student.Student, exec ...core.DBExecutor) (student.Student, error) {
	var row studentRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`UPDATE students SET guardian_id = $3, name = $4, admission_no = $5, class_name = $6, is_active = $7, updated_at = $8
		WHERE school_id = $1 AND id = $2
		RETURNING `+studentColumns,
		s.SchoolID, s.ID, null.IntFromPtr(s.GuardianID), s.Name, s.AdmissionNo, s.ClassName, s.IsActive, s.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return student.Student{}, student.ErrAdmissionNoExists
		}
		return student.Student{}, trapNoRowsErr(err, student.ErrNotFound, "updating student")
	}
	return row.student(), nil
}

func (repo *studentRepository) UpdateStudentFinances(ctx context.Context, s student.Student, exec ...core.DBExecutor) (student.Student, error) {
	var row studentRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`UPDATE students SET balance = $3, credit = $4, updated_at = $5
		WHERE school_id = $1 AND id = $2
		RETURNING `+studentColumns,
		s.SchoolID, s.ID, s.Balance, s.Credit, s.UpdatedAt.UTC())
	if err != nil {
		return student.Student{}, trapNoRowsErr(err, student.ErrNotFound, "updating student finances")
	}
	return row.student(), nil
}

func (repo *studentRepository) CreditSearch(ctx context.Context, schoolID int, mode, q string, limit int, exec ...core.DBExecutor) ([]student.Student, error) {
	eligible := "credit > 0"
	if mode == student.SearchTargets {
		eligible = "(credit > 0 OR balance > 0)"
	}
	if limit <= 0 {
		limit = 20
	}

	var rows []studentRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+studentColumns+` FROM students
		WHERE school_id = $1 AND `+eligible+` AND ($2 = '' OR name ILIKE '%' || $2 || '%' OR admission_no ILIKE '%' || $2 || '%')
		ORDER BY lower(name), id
		LIMIT $3`,
		schoolID, q, limit)
	if err != nil {
		return nil, errors.Wrap(err, "searching students")
	}
	return studentsFromRows(rows), nil
}
