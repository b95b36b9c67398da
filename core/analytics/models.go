package analytics

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
)

// recovery actions
const (
	ActionCall    = "call"
	ActionSMS     = "sms"
	ActionEmail   = "email"
	ActionVisit   = "visit"
	ActionPromise = "promise"

	RecoveryOpen      = "open"
	RecoveryPromised  = "promised"
	RecoveryResolved  = "resolved"
	RecoveryEscalated = "escalated"
)

type MethodTotal struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
	Count  int             `json:"count"`
}

type ClassBreakdown struct {
	ClassName   string          `json:"class_name"`
	Students    int             `json:"students"`
	Invoiced    decimal.Decimal `json:"invoiced"`
	Collected   decimal.Decimal `json:"collected"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Defaulters  int             `json:"defaulters"`
}

type MonthTotal struct {
	Month  string          `json:"month"` // YYYY-MM
	Amount decimal.Decimal `json:"amount"`
}

type Summary struct {
	Year           int              `json:"year,omitempty"`
	Term           int              `json:"term,omitempty"`
	Currency       string           `json:"currency"`
	Students       int              `json:"students"`
	TotalInvoiced  decimal.Decimal  `json:"total_invoiced"`
	TotalCollected decimal.Decimal  `json:"total_collected"`
	Outstanding    decimal.Decimal  `json:"outstanding"`
	TotalCredit    decimal.Decimal  `json:"total_credit"`
	CollectionRate decimal.Decimal  `json:"collection_rate"` // percent
	Defaulters     int              `json:"defaulters"`
	ByMethod       []MethodTotal    `json:"by_method"`
	ByClass        []ClassBreakdown `json:"by_class"`
	Trend          []MonthTotal     `json:"trend"`
}

type SummaryFilter struct {
	SchoolID int `query:"-"`
	Year     int `query:"year"`
	Term     int `query:"term"`
}

type RecoveryAction struct {
	ID             int             `json:"id"`
	SchoolID       int             `json:"-"`
	StudentID      int             `json:"student_id"`
	Action         string          `json:"action"`
	Status         string          `json:"status"`
	PromisedAmount decimal.Decimal `json:"promised_amount"`
	PromisedDate   *time.Time      `json:"promised_date"`
	NextFollowUp   *time.Time      `json:"next_follow_up"`
	Notes          string          `json:"notes"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

type NewRecoveryAction struct {
	SchoolID       int             `json:"-"`
	StudentID      int             `json:"student_id" validate:"required"`
	Action         string          `json:"action" validate:"required,oneof=call sms email visit promise"`
	Status         string          `json:"status" validate:"omitempty,oneof=open promised resolved escalated"`
	PromisedAmount decimal.Decimal `json:"promised_amount" validate:"dgte0"`
	PromisedDate   *time.Time      `json:"promised_date"`
	NextFollowUp   *time.Time      `json:"next_follow_up"`
	Notes          string          `json:"notes" validate:"max=2000"`
	CreatedBy      string          `json:"-"`
}

func (na *NewRecoveryAction) Validate(validate *validator.Validate) error {
	na.Action = core.CleanString(na.Action, true /* lower */)
	na.Status = core.CleanString(na.Status, true /* lower */)
	na.Notes = core.CleanString(na.Notes)
	na.PromisedAmount = core.RoundMoney(na.PromisedAmount)
	if na.Status == "" {
		na.Status = RecoveryOpen
		if na.Action == ActionPromise {
			na.Status = RecoveryPromised
		}
	}
	if err := validate.Struct(na); err != nil {
		return err
	}
	if na.Action == ActionPromise && na.PromisedDate == nil {
		return core.NewValidationError(nil, core.FieldError{Field: "promised_date", Error: "promised_date is a required field"})
	}
	return nil
}

type Defaulter struct {
	StudentID     int             `json:"student_id"`
	Name          string          `json:"name"`
	AdmissionNo   string          `json:"admission_no"`
	ClassName     string          `json:"class_name"`
	Balance       decimal.Decimal `json:"balance"`
	GuardianName  string          `json:"guardian_name"`
	GuardianPhone string          `json:"guardian_phone"`
	GuardianEmail string          `json:"guardian_email"`
	LastAction    *RecoveryAction `json:"last_action"`
}

type DefaulterFilter struct {
	SchoolID   int             `query:"-"`
	ClassName  string          `query:"class"`
	Search     string          `query:"q"`
	MinBalance decimal.Decimal `query:"-"`
}

type RecoveryFilter struct {
	SchoolID  int    `query:"-"`
	StudentID int    `query:"student"`
	Status    string `query:"status"`
	Limit     int    `query:"limit"`
}
