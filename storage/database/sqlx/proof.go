package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/proof"
)

const proofColumns = `id, school_id, student_id, guardian_id, guardian_name, guardian_email, guardian_phone, description,
	file_key, file_name, content_type, size, amount_hint, date_hint, bank_hint, status, reason, payment_id,
	reviewed_by, reviewed_at, created_at, updated_at`

type proofRow struct {
	ID            int                 `db:"id"`
	SchoolID      int                 `db:"school_id"`
	StudentID     int                 `db:"student_id"`
	GuardianID    int                 `db:"guardian_id"`
	GuardianName  string              `db:"guardian_name"`
	GuardianEmail string              `db:"guardian_email"`
	GuardianPhone string              `db:"guardian_phone"`
	Description   string              `db:"description"`
	FileKey       string              `db:"file_key"`
	FileName      string              `db:"file_name"`
	ContentType   string              `db:"content_type"`
	Size          int                 `db:"size"`
	AmountHint    decimal.NullDecimal `db:"amount_hint"`
	DateHint      string              `db:"date_hint"`
	BankHint      string              `db:"bank_hint"`
	Status        string              `db:"status"`
	Reason        string              `db:"reason"`
	PaymentID     null.Int            `db:"payment_id"`
	ReviewedBy    string              `db:"reviewed_by"`
	ReviewedAt    null.Time           `db:"reviewed_at"`
	CreatedAt     time.Time           `db:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at"`
}

func proofToRow(p proof.Proof) proofRow {
	return proofRow{
		ID:            p.ID,
		SchoolID:      p.SchoolID,
		StudentID:     p.StudentID,
		GuardianID:    p.GuardianID,
		GuardianName:  p.GuardianName,
		GuardianEmail: p.GuardianEmail,
		GuardianPhone: p.GuardianPhone,
		Description:   p.Description,
		FileKey:       p.FileKey,
		FileName:      p.FileName,
		ContentType:   p.ContentType,
		Size:          p.Size,
		AmountHint:    p.AmountHint,
		DateHint:      p.DateHint,
		BankHint:      p.BankHint,
		Status:        p.Status,
		Reason:        p.Reason,
		PaymentID:     null.IntFromPtr(p.PaymentID),
		ReviewedBy:    p.ReviewedBy,
		ReviewedAt:    nullTimePtr(p.ReviewedAt),
		CreatedAt:     p.CreatedAt.UTC(),
		UpdatedAt:     p.UpdatedAt.UTC(),
	}
}

func (r proofRow) proof() proof.Proof {
	return proof.Proof{
		ID:            r.ID,
		SchoolID:      r.SchoolID,
		StudentID:     r.StudentID,
		GuardianID:    r.GuardianID,
		GuardianName:  r.GuardianName,
		GuardianEmail: r.GuardianEmail,
		GuardianPhone: r.GuardianPhone,
		Description:   r.Description,
		FileKey:       r.FileKey,
		FileName:      r.FileName,
		ContentType:   r.ContentType,
		Size:          r.Size,
		AmountHint:    r.AmountHint,
		DateHint:      r.DateHint,
		BankHint:      r.BankHint,
		Status:        r.Status,
		Reason:        r.Reason,
		PaymentID:     r.PaymentID.Ptr(),
		ReviewedBy:    r.ReviewedBy,
		ReviewedAt:    r.ReviewedAt.Ptr(),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type proofRepository struct {
	base
}

var _ proof.Repository = (*proofRepository)(nil)

func NewProofRepository(db *sqlx.DB) proof.Repository {
	return &proofRepository{base{db: db}}
}

func (repo *proofRepository) CreateProof(ctx context.Context, p proof.Proof, exec ...core.DBExecutor) (proof.Proof, error) {
	query, args, err := sqlx.Named(
		`INSERT INTO payment_proofs (school_id, student_id, guardian_id, guardian_name, guardian_email, guardian_phone,
			description, file_key, file_name, content_type, size, amount_hint, date_hint, bank_hint, status, reason,
			payment_id, reviewed_by, reviewed_at, created_at, updated_at)
		VALUES (:school_id, :student_id, :guardian_id, :guardian_name, :guardian_email, :guardian_phone,
			:description, :file_key, :file_name, :content_type, :size, :amount_hint, :date_hint, :bank_hint, :status, :reason,
			:payment_id, :reviewed_by, :reviewed_at, :created_at, :updated_at)
		RETURNING `+proofColumns,
		proofToRow(p))
	if err != nil {
		return proof.Proof{}, errors.Wrap(err, "binding payment proof")
	}

	var row proofRow
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &row, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return proof.Proof{}, errors.Wrap(err, "inserting payment proof")
	}
	return row.proof(), nil
}

func (repo *proofRepository) GetProof(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (proof.Proof, error) {
	var row proofRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`SELECT `+proofColumns+` FROM payment_proofs WHERE school_id = $1 AND id = $2`, schoolID, id)
	if err != nil {
		return proof.Proof{}, trapNoRowsErr(err, proof.ErrNotFound, "finding payment proof")
	}
	return row.proof(), nil
}

func (repo *proofRepository) QueryProofs(ctx context.Context, filter proof.QueryFilter, exec ...core.DBExecutor) ([]proof.Proof, error) {
	var rows []proofRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+proofColumns+` FROM payment_proofs
		WHERE school_id = $1 AND ($2 = 0 OR student_id = $2) AND ($3 = 0 OR guardian_id = $3) AND ($4 = '' OR status = $4)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($5, 0)`,
		filter.SchoolID, filter.StudentID, filter.GuardianID, filter.Status, filter.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying payment proofs")
	}
	proofs := make([]proof.Proof, 0, len(rows))
	for _, r := range rows {
		proofs = append(proofs, r.proof())
	}
	return proofs, nil
}

func (repo *proofRepository) UpdateProof(ctx context.Context, p proof.Proof, exec ...core.DBExecutor) (proof.Proof, error) {
	query, args, err := sqlx.Named(
		`UPDATE payment_proofs SET
			status = :status, reason = :reason, payment_id = :payment_id, reviewed_by = :reviewed_by,
			reviewed_at = :reviewed_at, updated_at = :updated_at
		WHERE school_id = :school_id AND id = :id
		RETURNING `+proofColumns,
		proofToRow(p))
	if err != nil {
		return proof.Proof{}, errors.Wrap(err, "binding payment proof")
	}

	var row proofRow
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &row, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return proof.Proof{}, trapNoRowsErr(err, proof.ErrNotFound, "updating payment proof")
	}
	return row.proof(), nil
}
