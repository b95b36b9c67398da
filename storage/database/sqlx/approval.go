package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/approval"
)

const approvalColumns = `id, school_id, type, requestor_name, requestor_email, student_id, target_student_id, amount, year, term,
	discount_kind, reason, status, otp_hash, otp_expires_at, otp_attempts, decided_by, decided_at,
	verification_code, decision_note, created_at, updated_at`

type approvalRow struct {
	ID               int             `db:"id"`
	SchoolID         int             `db:"school_id"`
	Type             string          `db:"type"`
	RequestorName    string          `db:"requestor_name"`
	RequestorEmail   string          `db:"requestor_email"`
	StudentID        null.Int        `db:"student_id"`
	TargetStudentID  null.Int        `db:"target_student_id"`
	Amount           decimal.Decimal `db:"amount"`
	Year             int             `db:"year"`
	Term             int             `db:"term"`
	DiscountKind     string          `db:"discount_kind"`
	Reason           string          `db:"reason"`
	Status           string          `db:"status"`
	OTPHash          string          `db:"otp_hash"`
	OTPExpiresAt     null.Time       `db:"otp_expires_at"`
	OTPAttempts      int             `db:"otp_attempts"`
	DecidedBy        string          `db:"decided_by"`
	DecidedAt        null.Time       `db:"decided_at"`
	VerificationCode string          `db:"verification_code"`
	DecisionNote     string          `db:"decision_note"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

func approvalToRow(r approval.Request) approvalRow {
	return approvalRow{
		ID:               r.ID,
		SchoolID:         r.SchoolID,
		Type:             r.Type,
		RequestorName:    r.RequestorName,
		RequestorEmail:   r.RequestorEmail,
		StudentID:        null.IntFromPtr(r.StudentID),
		TargetStudentID:  null.IntFromPtr(r.TargetStudentID),
		Amount:           r.Amount,
		Year:             r.Year,
		Term:             r.Term,
		DiscountKind:     r.DiscountKind,
		Reason:           r.Reason,
		Status:           r.Status,
		OTPHash:          r.OTPHash,
		OTPExpiresAt:     nullTime(r.OTPExpiresAt),
		OTPAttempts:      r.OTPAttempts,
		DecidedBy:        r.DecidedBy,
		DecidedAt:        nullTime(r.DecidedAt),
		VerificationCode: r.VerificationCode,
		DecisionNote:     r.DecisionNote,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func (r approvalRow) request() approval.Request {
	return approval.Request{
		ID:               r.ID,
		SchoolID:         r.SchoolID,
		Type:             r.Type,
		RequestorName:    r.RequestorName,
		RequestorEmail:   r.RequestorEmail,
		StudentID:        r.StudentID.Ptr(),
		TargetStudentID:  r.TargetStudentID.Ptr(),
		Amount:           r.Amount,
		Year:             r.Year,
		Term:             r.Term,
		DiscountKind:     r.DiscountKind,
		Reason:           r.Reason,
		Status:           r.Status,
		OTPHash:          r.OTPHash,
		OTPExpiresAt:     r.OTPExpiresAt.Time,
		OTPAttempts:      r.OTPAttempts,
		DecidedBy:        r.DecidedBy,
		DecidedAt:        r.DecidedAt.Time,
		VerificationCode: r.VerificationCode,
		DecisionNote:     r.DecisionNote,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type approvalRepository struct {
	base
}

var _ approval.Repository = (*approvalRepository)(nil)

func NewApprovalRepository(db *sqlx.DB) approval.Repository {
	return &approvalRepository{base{db: db}}
}

func (repo *approvalRepository) CreateRequest(ctx context.Context, r approval.Request, exec ...core.DBExecutor) (approval.Request, error) {
	query, args, err := sqlx.Named(
		`INSERT INTO approval_requests (school_id, type, requestor_name, requestor_email, student_id, target_student_id,
			amount, year, term, discount_kind, reason, status, otp_hash, otp_expires_at, otp_attempts,
			decided_by, decided_at, verification_code, decision_note, created_at, updated_at)
		VALUES (:school_id, :type, :requestor_name, :requestor_email, :student_id, :target_student_id,
			:amount, :year, :term, :discount_kind, :reason, :status, :otp_hash, :otp_expires_at, :otp_attempts,
			:decided_by, :decided_at, :verification_code, :decision_note, :created_at, :updated_at)
		RETURNING `+approvalColumns,
		approvalToRow(r))
	if err != nil {
		return approval.Request{}, errors.Wrap(err, "binding approval request")
	}

	var row approvalRow
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &row, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return approval.Request{}, errors.Wrap(err, "inserting approval request")
	}
	return row.request(), nil
}

func (repo *approvalRepository) GetRequest(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (approval.Request, error) {
	var row approvalRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE school_id = $1 AND id = $2`, schoolID, id)
	if err != nil {
		return approval.Request{}, trapNoRowsErr(err, approval.ErrNotFound, "finding approval request")
	}
	return row.request(), nil
}

func (repo *approvalRepository) QueryRequests(ctx context.Context, filter approval.QueryFilter, exec ...core.DBExecutor) ([]approval.Request, error) {
	var rows []approvalRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+approvalColumns+` FROM approval_requests
		WHERE school_id = $1 AND ($2 = '' OR status = $2) AND ($3 = '' OR type = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($4, 0)`,
		filter.SchoolID, filter.Status, filter.Type, filter.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying approval requests")
	}
	reqs := make([]approval.Request, 0, len(rows))
	for _, r := range rows {
		reqs = append(reqs, r.request())
	}
	return reqs, nil
}

func (repo *approvalRepository) UpdateRequest(ctx context.Context, r approval.Request, exec ...core.DBExecutor) (approval.Request, error) {
	query, args, err := sqlx.Named(
		`UPDATE approval_requests SET
			status = :status, otp_hash = :otp_hash, otp_expires_at = :otp_expires_at, otp_attempts = :otp_attempts,
			decided_by = :decided_by, decided_at = :decided_at, verification_code = :verification_code,
			decision_note = :decision_note, updated_at = :updated_at
		WHERE school_id = :school_id AND id = :id
		RETURNING `+approvalColumns,
		approvalToRow(r))
	if err != nil {
		return approval.Request{}, errors.Wrap(err, "binding approval request")
	}

	var row approvalRow
	if err = sqlx.GetContext(ctx, repo.getExec(exec), &row, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return approval.Request{}, trapNoRowsErr(err, approval.ErrNotFound, "updating approval request")
	}
	return row.request(), nil
}

func (repo *approvalRepository) DeleteExpiredOTPPending(ctx context.Context, now time.Time, exec ...core.DBExecutor) (int, error) {
	res, err := repo.getExec(exec).ExecContext(ctx,
		`DELETE FROM approval_requests WHERE status = $1 AND otp_expires_at < $2`,
		approval.StatusOTPPending, now.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "deleting expired approval requests")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "counting deleted approval requests")
	}
	return int(n), nil
}
