package billing

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
)

// Invoice statuses
const (
	StatusDraft   = "draft"
	StatusSent    = "sent"
	StatusPartial = "partial"
	StatusPaid    = "paid"
	StatusVoid    = "void"
)

// Discount kinds
const (
	DiscountAmount  = "amount"
	DiscountPercent = "percent"
)

var hundred = decimal.NewFromInt(100)

type FeeComponent struct {
	ID            int             `json:"id"`
	SchoolID      int             `json:"school_id"`
	Name          string          `json:"name"`
	Code          string          `json:"code"`
	DefaultAmount decimal.Decimal `json:"default_amount"`
	IsOptional    bool            `json:"is_optional"`
	CreatedAt     time.Time       `json:"created_at"`
}

type ClassFeeDefault struct {
	ID          int             `json:"id"`
	SchoolID    int             `json:"school_id"`
	ClassName   string          `json:"class_name"`
	Year        int             `json:"year"`
	Term        int             `json:"term"`
	ComponentID int             `json:"component_id"`
	Amount      decimal.Decimal `json:"amount"`
}

// StudentFeeItem overrides the class default of a component for one student.
type StudentFeeItem struct {
	ID          int             `json:"id"`
	SchoolID    int             `json:"school_id"`
	StudentID   int             `json:"student_id"`
	Year        int             `json:"year"`
	Term        int             `json:"term"`
	ComponentID int             `json:"component_id"`
	Amount      decimal.Decimal `json:"amount"`
}

type Discount struct {
	ID        int             `json:"id"`
	SchoolID  int             `json:"school_id"`
	StudentID int             `json:"student_id"`
	Year      int             `json:"year"`
	Term      int             `json:"term"`
	Kind      string          `json:"kind"`
	Value     decimal.Decimal `json:"value"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

// Amount returns the discount applied to `subtotal`; percentages are rounded to 2 dp.
func (d Discount) Amount(subtotal decimal.Decimal) decimal.Decimal {
	if d.Kind == DiscountPercent {
		return core.RoundMoney(subtotal.Mul(d.Value).Div(hundred))
	}
	return d.Value
}

type Invoice struct {
	ID        int             `json:"id"`
	SchoolID  int             `json:"school_id"`
	StudentID int             `json:"student_id"`
	Year      int             `json:"year"`
	Term      int             `json:"term"`
	Total     decimal.Decimal `json:"total"`
	Status    string          `json:"status"`
	DueDate   time.Time       `json:"due_date,omitempty"`
	IssuedAt  time.Time       `json:"issued_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Items     []InvoiceItem   `json:"items"`
}

type InvoiceItem struct {
	ID          int             `json:"id"`
	InvoiceID   int             `json:"invoice_id"`
	ComponentID *int            `json:"component_id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// InvoiceDetail is an invoice along with what has been paid against its term.
type InvoiceDetail struct {
	Invoice
	Paid        decimal.Decimal `json:"paid"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

type NewFeeComponent struct {
	SchoolID      int             `json:"-"`
	Name          string          `json:"name" validate:"required"`
	Code          string          `json:"code" validate:"required,max=32,alphanum_"`
	DefaultAmount decimal.Decimal `json:"default_amount" validate:"dgte0"`
	IsOptional    bool            `json:"is_optional"`
}

func (nc *NewFeeComponent) Validate(validate *validator.Validate) error {
	nc.Name = core.CleanString(nc.Name)
	nc.Code = core.CleanString(nc.Code, true /* lower */)
	return validate.Struct(nc)
}

type NewClassFeeDefault struct {
	SchoolID    int             `json:"-"`
	ClassName   string          `json:"class_name" validate:"required"`
	Year        int             `json:"year" validate:"required,schoolyear"`
	Term        int             `json:"term" validate:"required,term"`
	ComponentID int             `json:"component_id" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"dgte0"`
}

func (nd *NewClassFeeDefault) Validate(validate *validator.Validate) error {
	nd.ClassName = core.CleanString(nd.ClassName)
	return validate.Struct(nd)
}

type NewStudentFeeItem struct {
	SchoolID    int             `json:"-"`
	StudentID   int             `json:"student_id" validate:"required"`
	Year        int             `json:"year" validate:"required,schoolyear"`
	Term        int             `json:"term" validate:"required,term"`
	ComponentID int             `json:"component_id" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"dgte0"`
}

func (ni *NewStudentFeeItem) Validate(validate *validator.Validate) error {
	return validate.Struct(ni)
}

type NewDiscount struct {
	SchoolID  int             `json:"-"`
	StudentID int             `json:"student_id" validate:"required"`
	Year      int             `json:"year" validate:"required,schoolyear"`
	Term      int             `json:"term" validate:"required,term"`
	Kind      string          `json:"kind" validate:"required,oneof=amount percent"`
	Value     decimal.Decimal `json:"value" validate:"dgt0"`
	Reason    string          `json:"reason"`
}

func (nd *NewDiscount) Validate(validate *validator.Validate) error {
	nd.Kind = core.CleanString(nd.Kind, true /* lower */)
	nd.Reason = core.CleanString(nd.Reason)
	if err := validate.Struct(nd); err != nil {
		return err
	}
	if nd.Kind == DiscountPercent && nd.Value.GreaterThan(hundred) {
		return core.NewValidationError(nil, core.FieldError{Field: "value", Error: "must be 100 or less"})
	}
	return nil
}

type GenerateInvoices struct {
	Year      int       `json:"year" validate:"required,schoolyear"`
	Term      int       `json:"term" validate:"required,term"`
	DueDate   time.Time `json:"due_date"`
	ClassName string    `json:"class_name"`
}

func (gi *GenerateInvoices) Validate(validate *validator.Validate) error {
	gi.ClassName = core.CleanString(gi.ClassName)
	return validate.Struct(gi)
}

type GenerateResult struct {
	Created    int             `json:"created"`
	Updated    int             `json:"updated"`
	Skipped    int             `json:"skipped"`
	Invoiced   decimal.Decimal `json:"invoiced"`
	InvoiceIDs []int           `json:"invoice_ids"`
}

type InvoiceFilter struct {
	SchoolID  int    `query:"-"`
	StudentID int    `query:"student"`
	Year      int    `query:"year"`
	Term      int    `query:"term"`
	Status    string `query:"status"`
}
