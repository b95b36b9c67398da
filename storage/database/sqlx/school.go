package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/school"
)

const schoolColumns = `id, name, slug, email, phone, address, currency, plan, pro_activated_at, created_at, updated_at`

type schoolRow struct {
	ID             int       `db:"id"`
	Name           string    `db:"name"`
	Slug           string    `db:"slug"`
	Email          string    `db:"email"`
	Phone          string    `db:"phone"`
	Address        string    `db:"address"`
	Currency       string    `db:"currency"`
	Plan           string    `db:"plan"`
	ProActivatedAt null.Time `db:"pro_activated_at"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r schoolRow) school() school.School {
	return school.School{
		ID:             r.ID,
		Name:           r.Name,
		Slug:           r.Slug,
		Email:          r.Email,
		Phone:          r.Phone,
		Address:        r.Address,
		Currency:       r.Currency,
		Plan:           r.Plan,
		ProActivatedAt: r.ProActivatedAt.Time,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type schoolRepository struct {
	base
}

var _ school.Repository = (*schoolRepository)(nil)

func NewSchoolRepository(db *sqlx.DB) school.Repository {
	return &schoolRepository{base{db: db}}
}

func (repo *schoolRepository) CreateSchool(ctx context.Context, s school.School, exec ...core.DBExecutor) (school.School, error) {
	var row schoolRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO schools (name, slug, email, phone, address, currency, plan, pro_activated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+schoolColumns,
		s.Name, s.Slug, s.Email, s.Phone, s.Address, s.Currency, s.Plan, nullTime(s.ProActivatedAt), s.CreatedAt.UTC(), s.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return school.School{}, school.ErrSlugExists
		}
		return school.School{}, errors.Wrap(err, "inserting school")
	}
	return row.school(), nil
}

func (repo *schoolRepository) GetSchool(ctx context.Context, id int, exec ...core.DBExecutor) (school.School, error) {
	var row schoolRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row, `SELECT `+schoolColumns+` FROM schools WHERE id = $1`, id)
	if err != nil {
		return school.School{}, trapNoRowsErr(err, school.ErrNotFound, "finding school")
	}
	return row.school(), nil
}

func (repo *schoolRepository) GetSchoolBySlug(ctx context.Context, slug string, exec ...core.DBExecutor) (school.School, error) {
	var row schoolRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row, `SELECT `+schoolColumns+` FROM schools WHERE slug = $1`, slug)
	if err != nil {
		return school.School{}, trapNoRowsErr(err, school.ErrNotFound, "finding school by slug")
	}
	return row.school(), nil
}

func (repo *schoolRepository) QuerySchools(ctx context.Context, exec ...core.DBExecutor) ([]school.School, error) {
	var rows []schoolRow
	if err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows, `SELECT `+schoolColumns+` FROM schools ORDER BY id`); err != nil {
		return nil, errors.Wrap(err, "querying schools")
	}
	schools := make([]school.School, 0, len(rows))
	for _, r := range rows {
		schools = append(schools, r.school())
	}
	return schools, nil
}

func (repo *schoolRepository) UpdateSchool(ctx context.Context, s school.School, exec ...core.DBExecutor) (school.School, error) {
	var row schoolRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`UPDATE schools SET
			name = $2, slug = $3, email = $4, phone = $5, address = $6, currency = $7,
			plan = $8, pro_activated_at = $9, updated_at = $10
		WHERE id = $1
		RETURNING `+schoolColumns,
		s.ID, s.Name, s.Slug, s.Email, s.Phone, s.Address, s.Currency, s.Plan, nullTime(s.ProActivatedAt), s.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return school.School{}, school.ErrSlugExists
		}
		return school.School{}, trapNoRowsErr(err, school.ErrNotFound, "updating school")
	}
	return row.school(), nil
}

func (repo *schoolRepository) GetSettings(ctx context.Context, schoolID int, exec ...core.DBExecutor) (school.Settings, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows, `SELECT key, value FROM school_settings WHERE school_id = $1`, schoolID)
	if err != nil {
		return nil, errors.Wrap(err, "querying school settings")
	}
	settings := make(school.Settings, len(rows))
	for _, r := range rows {
		settings[r.Key] = r.Value
	}
	return settings, nil
}

func (repo *schoolRepository) SetSettings(ctx context.Context, schoolID int, settings school.Settings, exec ...core.DBExecutor) error {
	exe := repo.getExec(exec)
	for k, v := range settings {
		_, err := exe.ExecContext(ctx,
			`INSERT INTO school_settings (school_id, key, value) VALUES ($1, $2, $3)
			ON CONFLICT (school_id, key) DO UPDATE SET value = EXCLUDED.value`,
			schoolID, k, v)
		if err != nil {
			return errors.Wrapf(err, "saving setting %q", k)
		}
	}
	return nil
}

type proActivationRow struct {
	ID          int             `db:"id"`
	SchoolID    int             `db:"school_id"`
	MpesaRef    string          `db:"mpesa_ref"`
	Amount      decimal.Decimal `db:"amount"`
	LicenseKey  string          `db:"license_key"`
	ActivatedAt time.Time       `db:"activated_at"`
}

func (repo *schoolRepository) CreateProActivation(ctx context.Context, pa school.ProActivation, exec ...core.DBExecutor) (school.ProActivation, bool, error) {
	const columns = `id, school_id, mpesa_ref, amount, license_key, activated_at`
	exe := repo.getExec(exec)

	var row proActivationRow
	created := true
	err := sqlx.GetContext(ctx, exe, &row,
		`INSERT INTO pro_activations (school_id, mpesa_ref, amount, license_key, activated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (mpesa_ref) DO NOTHING
		RETURNING `+columns,
		pa.SchoolID, pa.MpesaRef, pa.Amount, pa.LicenseKey, pa.ActivatedAt.UTC())
	if err != nil {
		if !isNoRows(err) {
			return school.ProActivation{}, false, errors.Wrap(err, "inserting pro activation")
		}
		created = false
		if err = sqlx.GetContext(ctx, exe, &row, `SELECT `+columns+` FROM pro_activations WHERE mpesa_ref = $1`, pa.MpesaRef); err != nil {
			return school.ProActivation{}, false, errors.Wrap(err, "finding pro activation")
		}
	}
	return school.ProActivation{
		ID:          row.ID,
		SchoolID:    row.SchoolID,
		MpesaRef:    row.MpesaRef,
		Amount:      row.Amount,
		LicenseKey:  row.LicenseKey,
		ActivatedAt: row.ActivatedAt,
	}, created, nil
}
