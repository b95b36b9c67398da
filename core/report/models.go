package report

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
)

// FeeReport is the full fee picture of a school, as mailed to Pro schools.
type FeeReport struct {
	School      school.School     `json:"school"`
	Period      string            `json:"period"`
	GeneratedAt time.Time         `json:"generated_at"`
	Students    []student.Student `json:"students"`
	Payments    []PaymentLine     `json:"payments"`
	Classes     []ClassSummary    `json:"classes"`
	Terms       []TermSummary     `json:"terms"`
	Methods     []MethodSummary   `json:"methods"`
	Outstanding decimal.Decimal   `json:"outstanding"`
	TotalCredit decimal.Decimal   `json:"total_credit"`
	Collected   decimal.Decimal   `json:"collected"`
}

// PaymentLine is a payment with the student it belongs to.
type PaymentLine struct {
	payment.Payment
	StudentName string `json:"student_name"`
	AdmissionNo string `json:"admission_no"`
	ClassName   string `json:"class_name"`
}

type ClassSummary struct {
	ClassName   string          `json:"class_name"`
	Students    int             `json:"students"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Credit      decimal.Decimal `json:"credit"`
}

// TermSummary and MethodSummary only count money that came in; credit moves are left out.
type TermSummary struct {
	Year      int             `json:"year"`
	Term      int             `json:"term"`
	Collected decimal.Decimal `json:"collected"`
}

type MethodSummary struct {
	Method string          `json:"method"`
	Count  int             `json:"count"`
	Total  decimal.Decimal `json:"total"`
}
