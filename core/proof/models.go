package proof

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
)

// Statuses
const (
	StatusPending  = "pending"
	StatusInReview = "in_review"
	StatusVerified = "verified"
	StatusRejected = "rejected"
)

var statusLabels = map[string]string{
	StatusPending:  "Pending review",
	StatusInReview: "In review",
	StatusVerified: "Verified",
	StatusRejected: "Rejected",
}

// StatusLabel is the wording guardians see for `status`.
func StatusLabel(status string) string {
	if l, ok := statusLabels[status]; ok {
		return l
	}
	return status
}

// Proof is a bank slip or M-Pesa screenshot a guardian uploaded for the bursar to check.
type Proof struct {
	ID            int                 `json:"id"`
	SchoolID      int                 `json:"school_id"`
	StudentID     int                 `json:"student_id"`
	GuardianID    int                 `json:"guardian_id"`
	GuardianName  string              `json:"guardian_name"`
	GuardianEmail string              `json:"guardian_email"`
	GuardianPhone string              `json:"guardian_phone"`
	Description   string              `json:"description"`
	FileKey       string              `json:"-"`
	FileName      string              `json:"file_name"`
	ContentType   string              `json:"content_type"`
	Size          int                 `json:"size"`
	AmountHint    decimal.NullDecimal `json:"amount_hint"`
	DateHint      string              `json:"date_hint"`
	BankHint      string              `json:"bank_hint"`
	Status        string              `json:"status"`
	Reason        string              `json:"reason"`
	PaymentID     *int                `json:"payment_id"`
	ReviewedBy    string              `json:"reviewed_by"`
	ReviewedAt    *time.Time          `json:"reviewed_at"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func (p Proof) IsFinal() bool {
	return p.Status == StatusVerified || p.Status == StatusRejected
}

type NewProof struct {
	SchoolID    int    `json:"-"`
	StudentID   int    `json:"-" validate:"required"`
	GuardianID  int    `json:"-" validate:"required"`
	Description string `json:"description" validate:"max=500"`
	FileName    string `json:"-" validate:"required,max=255"`
	Data        []byte `json:"-"`
}

func (np *NewProof) Validate(validate *validator.Validate) error {
	np.Description = core.CleanString(np.Description)
	np.FileName = core.CleanString(np.FileName)
	return validate.Struct(np)
}

// Review moves a proof along. Verifying can record the matching payment in the same step.
type Review struct {
	Status        string          `json:"status" validate:"required,oneof=in_review verified rejected"`
	Reason        string          `json:"reason" validate:"max=500"`
	RecordPayment bool            `json:"record_payment"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	Reference     string          `json:"reference" validate:"max=64"`
	Year          int             `json:"year" validate:"omitempty,schoolyear"`
	Term          int             `json:"term" validate:"omitempty,term"`
}

func (rv *Review) Validate(validate *validator.Validate) error {
	rv.Status = core.CleanString(rv.Status, true /* lower */)
	rv.Reason = core.CleanString(rv.Reason)
	rv.Method = core.CleanString(rv.Method)
	rv.Reference = core.CleanString(rv.Reference)
	rv.Amount = core.RoundMoney(rv.Amount)
	if err := validate.Struct(rv); err != nil {
		return err
	}

	fldErrs := make([]core.FieldError, 0)
	if rv.Status == StatusRejected && rv.Reason == "" {
		fldErrs = append(fldErrs, core.FieldError{Field: "reason", Error: "this field is required"})
	}
	if rv.RecordPayment {
		if rv.Status != StatusVerified {
			fldErrs = append(fldErrs, core.FieldError{Field: "record_payment", Error: "only a verified proof records a payment"})
		}
		if !rv.Amount.IsPositive() {
			fldErrs = append(fldErrs, core.FieldError{Field: "amount", Error: "must be greater than 0"})
		}
	}
	if len(fldErrs) > 0 {
		return core.NewValidationError(nil, fldErrs...)
	}
	return nil
}

type QueryFilter struct {
	SchoolID   int    `query:"-"`
	StudentID  int    `query:"student_id"`
	GuardianID int    `query:"-"`
	Status     string `query:"status"`
	Limit      int    `query:"limit"`
}

// Hints are what could be read off the proof's text.
type Hints struct {
	Amount decimal.NullDecimal
	Date   string
	Bank   string
}
