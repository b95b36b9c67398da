package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/payment"
)

const (
	paymentColumns = `id, school_id, student_id, amount, method, reference, year, term, paid_at, recorded_by, created_at`
	mpesaColumns   = `id, school_id, student_id, checkout_request_id, merchant_request_id, phone, amount, account_ref, status,
		result_code, result_desc, receipt, transaction_date, payment_id, created_at, updated_at`
	paypalColumns = `id, school_id, student_id, order_id, amount, currency, converted_amount, status, capture_id, payment_id, created_at, updated_at`
)

type paymentRow struct {
	ID         int             `db:"id"`
	SchoolID   int             `db:"school_id"`
	StudentID  int             `db:"student_id"`
	Amount     decimal.Decimal `db:"amount"`
	Method     string          `db:"method"`
	Reference  string          `db:"reference"`
	Year       int             `db:"year"`
	Term       int             `db:"term"`
	PaidAt     time.Time       `db:"paid_at"`
	RecordedBy string          `db:"recorded_by"`
	CreatedAt  time.Time       `db:"created_at"`
}

type mpesaRow struct {
	ID                int             `db:"id"`
	SchoolID          null.Int        `db:"school_id"`
	StudentID         null.Int        `db:"student_id"`
	CheckoutRequestID string          `db:"checkout_request_id"`
	MerchantRequestID string          `db:"merchant_request_id"`
	Phone             string          `db:"phone"`
	Amount            decimal.Decimal `db:"amount"`
	AccountRef        string          `db:"account_ref"`
	Status            string          `db:"status"`
	ResultCode        null.Int        `db:"result_code"`
	ResultDesc        string          `db:"result_desc"`
	Receipt           string          `db:"receipt"`
	TransactionDate   string          `db:"transaction_date"`
	PaymentID         null.Int        `db:"payment_id"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (r mpesaRow) mpesaPayment() payment.MpesaPayment {
	return payment.MpesaPayment{
		ID:                r.ID,
		SchoolID:          r.SchoolID.Int,
		StudentID:         r.StudentID.Ptr(),
		CheckoutRequestID: r.CheckoutRequestID,
		MerchantRequestID: r.MerchantRequestID,
		Phone:             r.Phone,
		Amount:            r.Amount,
		AccountRef:        r.AccountRef,
		Status:            r.Status,
		ResultCode:        r.ResultCode.Ptr(),
		ResultDesc:        r.ResultDesc,
		Receipt:           r.Receipt,
		TransactionDate:   r.TransactionDate,
		PaymentID:         r.PaymentID.Ptr(),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type paypalRow struct {
	ID              int             `db:"id"`
	SchoolID        int             `db:"school_id"`
	StudentID       int             `db:"student_id"`
	OrderID         string          `db:"order_id"`
	Amount          decimal.Decimal `db:"amount"`
	Currency        string          `db:"currency"`
	ConvertedAmount decimal.Decimal `db:"converted_amount"`
	Status          string          `db:"status"`
	CaptureID       string          `db:"capture_id"`
	PaymentID       null.Int        `db:"payment_id"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (r paypalRow) order() payment.PayPalOrder {
	return payment.PayPalOrder{
		ID:              r.ID,
		SchoolID:        r.SchoolID,
		StudentID:       r.StudentID,
		OrderID:         r.OrderID,
		Amount:          r.Amount,
		Currency:        r.Currency,
		ConvertedAmount: r.ConvertedAmount,
		Status:          r.Status,
		CaptureID:       r.CaptureID,
		PaymentID:       r.PaymentID.Ptr(),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type paymentRepository struct {
	base
}

var _ payment.Repository = (*paymentRepository)(nil)

func NewPaymentRepository(db *sqlx.DB) payment.Repository {
	return &paymentRepository{base{db: db}}
}

// CreatePayment relies on the partial unique index on (school_id, method, reference).
func (repo *paymentRepository) CreatePayment(ctx context.Context, p payment.Payment, exec ...core.DBExecutor) (payment.Payment, error) {
	var row paymentRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO payments (school_id, student_id, amount, method, reference, year, term, paid_at, recorded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (school_id, method, reference) WHERE reference <> '' DO NOTHING
		RETURNING `+paymentColumns,
		p.SchoolID, p.StudentID, p.Amount, p.Method, p.Reference, p.Year, p.Term,
		p.PaidAt.UTC(), p.RecordedBy, p.CreatedAt.UTC())
	if err != nil {
		if isNoRows(err) {
			return payment.Payment{}, payment.ErrDuplicateReference
		}
		return payment.Payment{}, errors.Wrap(err, "inserting payment")
	}
	return payment.Payment(row), nil
}

func (repo *paymentRepository) GetPayment(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (payment.Payment, error) {
	var row paymentRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`SELECT `+paymentColumns+` FROM payments WHERE school_id = $1 AND id = $2`, schoolID, id)
	if err != nil {
		return payment.Payment{}, trapNoRowsErr(err, payment.ErrNotFound, "finding payment")
	}
	return payment.Payment(row), nil
}

func (repo *paymentRepository) QueryPayments(ctx context.Context, filter payment.QueryFilter, exec ...core.DBExecutor) ([]payment.Payment, error) {
	var rows []paymentRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+paymentColumns+` FROM payments
		WHERE school_id = $1 AND ($2 = 0 OR student_id = $2) AND ($3 = '' OR method = $3)
			AND ($4 = 0 OR year = $4) AND ($5 = 0 OR term = $5)
			AND ($6::timestamptz IS NULL OR paid_at >= $6) AND ($7::timestamptz IS NULL OR paid_at <= $7)
		ORDER BY paid_at DESC, id DESC
		LIMIT NULLIF($8, 0)`,
		filter.SchoolID, filter.StudentID, filter.Method, filter.Year, filter.Term,
		nullTime(filter.From), nullTime(filter.To), filter.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying payments")
	}
	payments := make([]payment.Payment, 0, len(rows))
	for _, r := range rows {
		payments = append(payments, payment.Payment(r))
	}
	return payments, nil
}

// M-Pesa

func (repo *paymentRepository) CreateMpesaPayment(ctx context.Context, mp payment.MpesaPayment, exec ...core.DBExecutor) (payment.MpesaPayment, error) {
	var row mpesaRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO mpesa_payments
			(school_id, student_id, checkout_request_id, merchant_request_id, phone, amount, account_ref, status,
			result_code, result_desc, receipt, transaction_date, payment_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING `+mpesaColumns,
		nullInt(mp.SchoolID), null.IntFromPtr(mp.StudentID), mp.CheckoutRequestID, mp.MerchantRequestID,
		mp.Phone, mp.Amount, mp.AccountRef, mp.Status,
		null.IntFromPtr(mp.ResultCode), mp.ResultDesc, mp.Receipt, mp.TransactionDate, null.IntFromPtr(mp.PaymentID),
		mp.CreatedAt.UTC(), mp.UpdatedAt.UTC())
	if err != nil {
		return payment.MpesaPayment{}, errors.Wrap(err, "inserting mpesa payment")
	}
	return row.mpesaPayment(), nil
}

func (repo *paymentRepository) GetMpesaPayment(ctx context.Context, checkoutRequestID string, exec ...core.DBExecutor) (payment.MpesaPayment, error) {
	var row mpesaRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`SELECT `+mpesaColumns+` FROM mpesa_payments WHERE checkout_request_id = $1 FOR UPDATE`, checkoutRequestID)
	if err != nil {
		return payment.MpesaPayment{}, trapNoRowsErr(err, payment.ErrMpesaNotFound, "finding mpesa payment")
	}
	return row.mpesaPayment(), nil
}

func (repo *paymentRepository) UpdateMpesaPayment(ctx context.Context, mp payment.MpesaPayment, exec ...core.DBExecutor) (payment.MpesaPayment, error) {
	var row mpesaRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`UPDATE mpesa_payments SET
			student_id = $2, status = $3, result_code = $4, result_desc = $5, receipt = $6,
			transaction_date = $7, payment_id = $8, updated_at = $9
		WHERE id = $1
		RETURNING `+mpesaColumns,
		mp.ID, null.IntFromPtr(mp.StudentID), mp.Status, null.IntFromPtr(mp.ResultCode), mp.ResultDesc,
		mp.Receipt, mp.TransactionDate, null.IntFromPtr(mp.PaymentID), mp.UpdatedAt.UTC())
	if err != nil {
		return payment.MpesaPayment{}, trapNoRowsErr(err, payment.ErrMpesaNotFound, "updating mpesa payment")
	}
	return row.mpesaPayment(), nil
}

// PayPal

func (repo *paymentRepository) CreatePayPalOrder(ctx context.Context, o payment.PayPalOrder, exec ...core.DBExecutor) (payment.PayPalOrder, error) {
	var row paypalRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO paypal_orders
			(school_id, student_id, order_id, amount, currency, converted_amount, status, capture_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+paypalColumns,
		o.SchoolID, o.StudentID, o.OrderID, o.Amount, o.Currency, o.ConvertedAmount, o.Status, o.CaptureID,
		o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if err != nil {
		return payment.PayPalOrder{}, errors.Wrap(err, "inserting paypal order")
	}
	saved := row.order()
	saved.ApproveURL = o.ApproveURL
	return saved, nil
}

func (repo *paymentRepository) GetPayPalOrder(ctx context.Context, schoolID int, orderID string, exec ...core.DBExecutor) (payment.PayPalOrder, error) {
	var row paypalRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`SELECT `+paypalColumns+` FROM paypal_orders WHERE school_id = $1 AND order_id = $2 FOR UPDATE`, schoolID, orderID)
	if err != nil {
		return payment.PayPalOrder{}, trapNoRowsErr(err, payment.ErrPayPalNotFound, "finding paypal order")
	}
	return row.order(), nil
}

func (repo *paymentRepository) UpdatePayPalOrder(ctx context.Context, o payment.PayPalOrder, exec ...core.DBExecutor) (payment.PayPalOrder, error) {
	var row paypalRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`UPDATE paypal_orders SET status = $3, capture_id = $4, payment_id = $5, updated_at = $6
		WHERE school_id = $1 AND id = $2
		RETURNING `+paypalColumns,
		o.SchoolID, o.ID, o.Status, o.CaptureID, null.IntFromPtr(o.PaymentID), o.UpdatedAt.UTC())
	if err != nil {
		return payment.PayPalOrder{}, trapNoRowsErr(err, payment.ErrPayPalNotFound, "updating paypal order")
	}
	return row.order(), nil
}
