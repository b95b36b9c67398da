package payment

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
)

// Methods
const (
	MethodCash           = "Cash"
	MethodBank           = "Bank"
	MethodCheque         = "Cheque"
	MethodMpesa          = "M-Pesa"
	MethodPayPal         = "PayPal"
	MethodCreditTransfer = "Credit Transfer"
	MethodAutoCredit     = "Auto Credit"
)

// M-Pesa & PayPal statuses
const (
	StatusPending   = "pending"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCreated   = "created"
	StatusCompleted = "completed"
)

// ProAccountRef marks STK requests paying for the Pro plan.
const ProAccountRef = "PRO"

var (
	// ManualMethods may be recorded by staff.
	ManualMethods = []string{MethodCash, MethodBank, MethodCheque, MethodMpesa, MethodPayPal}

	// NonCashMethods move credit around and bring no new money in.
	NonCashMethods = []string{MethodCreditTransfer, MethodAutoCredit}
)

func IsNonCash(method string) bool {
	for _, m := range NonCashMethods {
		if m == method {
			return true
		}
	}
	return false
}

type Payment struct {
	ID         int             `json:"id"`
	SchoolID   int             `json:"school_id"`
	StudentID  int             `json:"student_id"`
	Amount     decimal.Decimal `json:"amount"`
	Method     string          `json:"method"`
	Reference  string          `json:"reference"`
	Year       int             `json:"year"`
	Term       int             `json:"term"`
	PaidAt     time.Time       `json:"paid_at"`
	RecordedBy string          `json:"recorded_by"`
	CreatedAt  time.Time       `json:"created_at"`
}

type NewPayment struct {
	SchoolID   int             `json:"-"`
	StudentID  int             `json:"student_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount" validate:"dgt0"`
	Method     string          `json:"method" validate:"required,paymentmethod"`
	Reference  string          `json:"reference" validate:"max=64"`
	Year       int             `json:"year" validate:"omitempty,schoolyear"`
	Term       int             `json:"term" validate:"omitempty,term"`
	PaidAt     time.Time       `json:"paid_at"`
	RecordedBy string          `json:"-"`
}

func (np *NewPayment) Validate(validate *validator.Validate) error {
	np.Reference = core.CleanString(np.Reference)
	np.Method = core.CleanString(np.Method)
	np.Amount = core.RoundMoney(np.Amount)
	return validate.Struct(np)
}

// RecordResult tells how a payment was split between the balance and credit.
type RecordResult struct {
	Payment          Payment         `json:"payment"`
	AppliedToBalance decimal.Decimal `json:"applied_to_balance"`
	AddedToCredit    decimal.Decimal `json:"added_to_credit"`
	Balance          decimal.Decimal `json:"balance"`
	Credit           decimal.Decimal `json:"credit"`
}

type QueryFilter struct {
	SchoolID  int       `query:"-"`
	StudentID int       `query:"student"`
	Method    string    `query:"method"`
	Year      int       `query:"year"`
	Term      int       `query:"term"`
	From      time.Time `query:"from"`
	To        time.Time `query:"to"`
	Limit     int       `query:"limit"`
}

// Receipt gathers what a payment receipt shows.
type Receipt struct {
	Payment  Payment
	Student  student.Student
	Guardian *student.Guardian
	School   school.School
}

// MpesaPayment tracks an STK push from request to callback.
type MpesaPayment struct {
	ID                int             `json:"id"`
	SchoolID          int             `json:"school_id"`
	StudentID         *int            `json:"student_id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	MerchantRequestID string          `json:"merchant_request_id"`
	Phone             string          `json:"phone"`
	Amount            decimal.Decimal `json:"amount"`
	AccountRef        string          `json:"account_ref"`
	Status            string          `json:"status"`
	ResultCode        *int            `json:"result_code"`
	ResultDesc        string          `json:"result_desc"`
	Receipt           string          `json:"receipt"`
	TransactionDate   string          `json:"transaction_date"`
	PaymentID         *int            `json:"payment_id"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type MpesaCheckout struct {
	StudentID int             `json:"student_id" validate:"required"`
	Phone     string          `json:"phone" validate:"required,msisdn"`
	Amount    decimal.Decimal `json:"amount" validate:"dgt0"`
}

func (mc *MpesaCheckout) Validate(validate *validator.Validate) error {
	mc.Phone = core.CleanString(mc.Phone)
	mc.Amount = mc.Amount.Ceil()
	return validate.Struct(mc)
}

type ProCheckout struct {
	Phone string `json:"phone" validate:"required,msisdn"`
}

// STKRequest is what the gateway needs to prompt a phone.
type STKRequest struct {
	Phone       string
	Amount      decimal.Decimal
	AccountRef  string
	Description string
}

type STKResponse struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
}

// STKCallback is the parsed body of a Daraja STK callback.
type STKCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Receipt           string
	Amount            decimal.Decimal
	Phone             string
	TransactionDate   string
	Balance           string
}

func (cb STKCallback) Succeeded() bool {
	return cb.ResultCode == 0 && cb.Receipt != ""
}

type PayPalOrder struct {
	ID              int             `json:"id"`
	SchoolID        int             `json:"school_id"`
	StudentID       int             `json:"student_id"`
	OrderID         string          `json:"order_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	ConvertedAmount decimal.Decimal `json:"converted_amount"`
	Status          string          `json:"status"`
	CaptureID       string          `json:"capture_id"`
	PaymentID       *int            `json:"payment_id"`
	ApproveURL      string          `json:"approve_url,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type NewPayPalOrder struct {
	StudentID int             `json:"student_id" validate:"required"`
	Amount    decimal.Decimal `json:"amount" validate:"dgt0"`
}

func (no *NewPayPalOrder) Validate(validate *validator.Validate) error {
	no.Amount = core.RoundMoney(no.Amount)
	return validate.Struct(no)
}

type PayPalCreated struct {
	OrderID    string
	ApproveURL string
}

type PayPalCapture struct {
	CaptureID string
	Status    string
	Amount    decimal.Decimal
	Currency  string
}

func (pc *ProCheckout) Validate(validate *validator.Validate) error {
	pc.Phone = core.CleanString(pc.Phone)
	return validate.Struct(pc)
}
