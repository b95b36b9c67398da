package approval

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
)

// Request types
const (
	TypeWriteOff       = "fee_write_off"
	TypeDiscount       = "discount"
	TypeCreditTransfer = "credit_transfer"
)

// Statuses
const (
	StatusOTPPending = "otp_pending"
	StatusPending    = "pending"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
)

// Decisions
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

type Request struct {
	ID               int             `json:"id"`
	SchoolID         int             `json:"school_id"`
	Type             string          `json:"type"`
	RequestorName    string          `json:"requestor_name"`
	RequestorEmail   string          `json:"requestor_email"`
	StudentID        *int            `json:"student_id"`
	TargetStudentID  *int            `json:"target_student_id"`
	Amount           decimal.Decimal `json:"amount"`
	Year             int             `json:"year"`
	Term             int             `json:"term"`
	DiscountKind     string          `json:"discount_kind"`
	Reason           string          `json:"reason"`
	Status           string          `json:"status"`
	OTPHash          string          `json:"-"`
	OTPExpiresAt     time.Time       `json:"otp_expires_at"`
	OTPAttempts      int             `json:"otp_attempts"`
	DecidedBy        string          `json:"decided_by"`
	DecidedAt        time.Time       `json:"decided_at,omitempty"`
	VerificationCode string          `json:"verification_code"`
	DecisionNote     string          `json:"decision_note"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type NewRequest struct {
	SchoolID        int             `json:"-"`
	Type            string          `json:"type" validate:"required,oneof=fee_write_off discount credit_transfer"`
	RequestorName   string          `json:"requestor_name" validate:"required"`
	RequestorEmail  string          `json:"requestor_email" validate:"required,email"`
	StudentID       int             `json:"student_id" validate:"required"`
	TargetStudentID int             `json:"target_student_id"`
	Amount          decimal.Decimal `json:"amount" validate:"dgt0"`
	Year            int             `json:"year" validate:"omitempty,schoolyear"`
	Term            int             `json:"term" validate:"omitempty,term"`
	DiscountKind    string          `json:"discount_kind" validate:"omitempty,oneof=amount percent"`
	Reason          string          `json:"reason"`
}

func (nr *NewRequest) Validate(validate *validator.Validate) error {
	nr.Type = core.CleanString(nr.Type, true /* lower */)
	nr.RequestorName = core.CleanString(nr.RequestorName)
	nr.RequestorEmail = core.CleanString(nr.RequestorEmail, true /* lower */)
	nr.DiscountKind = core.CleanString(nr.DiscountKind, true /* lower */)
	nr.Reason = core.CleanString(nr.Reason)
	nr.Amount = core.RoundMoney(nr.Amount)
	if err := validate.Struct(nr); err != nil {
		return err
	}

	fldErrs := make([]core.FieldError, 0)
	switch nr.Type {
	case TypeCreditTransfer:
		if nr.TargetStudentID == 0 {
			fldErrs = append(fldErrs, core.FieldError{Field: "target_student_id", Error: "this field is required"})
		}
	case TypeDiscount:
		if nr.Year == 0 {
			fldErrs = append(fldErrs, core.FieldError{Field: "year", Error: "this field is required"})
		}
		if nr.Term == 0 {
			fldErrs = append(fldErrs, core.FieldError{Field: "term", Error: "this field is required"})
		}
		if nr.DiscountKind == "" {
			fldErrs = append(fldErrs, core.FieldError{Field: "discount_kind", Error: "this field is required"})
		}
	}
	if len(fldErrs) > 0 {
		return core.NewValidationError(nil, fldErrs...)
	}
	return nil
}

type VerifyOTP struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

func (v *VerifyOTP) Validate(validate *validator.Validate) error {
	v.Code = core.CleanString(v.Code)
	return validate.Struct(v)
}

type Decision struct {
	Action string `json:"action" validate:"required,oneof=approve reject"`
	Note   string `json:"note"`
}

func (d *Decision) Validate(validate *validator.Validate) error {
	d.Action = core.CleanString(d.Action, true /* lower */)
	d.Note = core.CleanString(d.Note)
	return validate.Struct(d)
}

type QueryFilter struct {
	SchoolID int    `query:"-"`
	Status   string `query:"status"`
	Type     string `query:"type"`
	Limit    int    `query:"limit"`
}
