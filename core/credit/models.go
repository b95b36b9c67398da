package credit

import (
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/ledger"
)

type Apply struct {
	SchoolID  int             `json:"-"`
	StudentID int             `json:"student_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount" validate:"dgt0"`
	Note      string          `json:"note"`
	Actor     string          `json:"-"`
}

func (a *Apply) Validate(validate *validator.Validate) error {
	a.Amount = core.RoundMoney(a.Amount)
	a.Note = core.CleanString(a.Note)
	return validate.Struct(a)
}

type Refund struct {
	SchoolID  int             `json:"-"`
	StudentID int             `json:"student_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount" validate:"dgt0"`
	Method    string          `json:"method" validate:"required"`
	Reference string          `json:"reference"`
	Note      string          `json:"note"`
	Actor     string          `json:"-"`
}

func (r *Refund) Validate(validate *validator.Validate) error {
	r.Amount = core.RoundMoney(r.Amount)
	r.Method = core.CleanString(r.Method)
	r.Reference = core.CleanString(r.Reference)
	r.Note = core.CleanString(r.Note)
	return validate.Struct(r)
}

type Transfer struct {
	SchoolID      int             `json:"-"`
	FromStudentID int             `json:"from_student_id" validate:"required"`
	ToStudentID   int             `json:"to_student_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"dgt0"`
	Note          string          `json:"note"`
	Actor         string          `json:"-"`
}

func (t *Transfer) Validate(validate *validator.Validate) error {
	t.Amount = core.RoundMoney(t.Amount)
	t.Note = core.CleanString(t.Note)
	return validate.Struct(t)
}

type AutoApply struct {
	StudentID int `json:"student_id" validate:"required"`
	Year      int `json:"year" validate:"required,schoolyear"`
	Term      int `json:"term" validate:"required,term"`
}

func (a *AutoApply) Validate(validate *validator.Validate) error {
	return validate.Struct(a)
}

// Result reports the student's finances after a credit operation.
type Result struct {
	Operation ledger.CreditOperation `json:"operation"`
	Balance   decimal.Decimal        `json:"balance"`
	Credit    decimal.Decimal        `json:"credit"`
}

type TransferResult struct {
	Transfer    ledger.CreditTransfer `json:"transfer"`
	FromCredit  decimal.Decimal       `json:"from_credit"`
	ToBalance   decimal.Decimal       `json:"to_balance"`
	ToCredit    decimal.Decimal       `json:"to_credit"`
	PaymentID   int                   `json:"payment_id"`
	Correlation string                `json:"correlation_id"`
}
