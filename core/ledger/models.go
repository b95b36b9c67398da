package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entry types
const (
	Debit  = "debit"
	Credit = "credit"
)

// Link types
const (
	LinkInvoice         = "invoice"
	LinkPayment         = "payment"
	LinkCreditOperation = "credit_operation"
	LinkApproval        = "approval"
)

// Credit operation types
const (
	OpApply       = "apply"
	OpRefund      = "refund"
	OpTransfer    = "transfer"
	OpAutoApply   = "auto_apply"
	OpOverpayment = "overpayment"
	OpWriteOff    = "write_off"
)

// Entry is a single debit or credit against a student's account.
// Debits increase what the student owes; credits decrease it.
type Entry struct {
	ID          int             `json:"id"`
	SchoolID    int             `json:"school_id"`
	StudentID   int             `json:"student_id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Ref         string          `json:"ref"`
	Description string          `json:"description"`
	LinkType    string          `json:"link_type"`
	LinkID      int             `json:"link_id"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Signed returns the amount as it affects the running balance.
func (e Entry) Signed() decimal.Decimal {
	if e.Type == Credit {
		return e.Amount.Neg()
	}
	return e.Amount
}

type StatementLine struct {
	Entry
	Balance decimal.Decimal `json:"balance"`
}

type Statement struct {
	StudentID    int             `json:"student_id"`
	Lines        []StatementLine `json:"lines"`
	TotalDebits  decimal.Decimal `json:"total_debits"`
	TotalCredits decimal.Decimal `json:"total_credits"`
	Balance      decimal.Decimal `json:"balance"`
}

// CreditOperation records every movement of student credit.
type CreditOperation struct {
	ID            int             `json:"id"`
	SchoolID      int             `json:"school_id"`
	StudentID     int             `json:"student_id"`
	OpType        string          `json:"op_type"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	Reference     string          `json:"reference"`
	Year          int             `json:"year"`
	Term          int             `json:"term"`
	CorrelationID string          `json:"correlation_id"`
	Note          string          `json:"note"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CreditTransfer pairs both sides of a credit move between two students.
// Amount always equals AppliedToBalance + AddedToCredit.
type CreditTransfer struct {
	ID               int             `json:"id"`
	SchoolID         int             `json:"school_id"`
	CorrelationID    string          `json:"correlation_id"`
	FromStudentID    int             `json:"from_student_id"`
	ToStudentID      int             `json:"to_student_id"`
	Amount           decimal.Decimal `json:"amount"`
	AppliedToBalance decimal.Decimal `json:"applied_to_balance"`
	AddedToCredit    decimal.Decimal `json:"added_to_credit"`
	CreatedBy        string          `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
}

type OperationFilter struct {
	SchoolID  int    `query:"-"`
	StudentID int    `query:"student"`
	OpType    string `query:"op_type"`
	Limit     int    `query:"limit"`
}
