package payment

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/billing"
	"github.com/trezcool/karo/core/ledger"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
	"github.com/trezcool/karo/core/term"
)

var (
	// errors
	ErrNotFound            = core.NewNotFoundError("payment")
	ErrMpesaNotFound       = core.NewNotFoundError("mpesa payment")
	ErrPayPalNotFound      = core.NewNotFoundError("paypal order")
	ErrDuplicateReference  = errors.New("a payment with this reference already exists")
	ErrGatewayUnavailable  = errors.New("payment gateway is not configured")
	ErrPayPalDisabled      = errors.New("paypal payments are disabled for this school")
	ErrNoGuardianEmail     = errors.New("the student has no guardian email")
	ErrCaptureNotCompleted = errors.New("paypal capture was not completed")
)

type (
	Repository interface {
		// CreatePayment returns ErrDuplicateReference on a (school, method, reference) conflict.
		CreatePayment(ctx context.Context, p Payment, exec ...core.DBExecutor) (Payment, error)
		GetPayment(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (Payment, error)
		// QueryPayments returns the newest payments first.
		QueryPayments(ctx context.Context, filter QueryFilter, exec ...core.DBExecutor) ([]Payment, error)

		CreateMpesaPayment(ctx context.Context, mp MpesaPayment, exec ...core.DBExecutor) (MpesaPayment, error)
		// GetMpesaPayment finds a row by checkout request ID, whatever the school.
		GetMpesaPayment(ctx context.Context, checkoutRequestID string, exec ...core.DBExecutor) (MpesaPayment, error)
		UpdateMpesaPayment(ctx context.Context, mp MpesaPayment, exec ...core.DBExecutor) (MpesaPayment, error)

		CreatePayPalOrder(ctx context.Context, o PayPalOrder, exec ...core.DBExecutor) (PayPalOrder, error)
		GetPayPalOrder(ctx context.Context, schoolID int, orderID string, exec ...core.DBExecutor) (PayPalOrder, error)
		UpdatePayPalOrder(ctx context.Context, o PayPalOrder, exec ...core.DBExecutor) (PayPalOrder, error)
	}

	// MpesaGateway talks to Safaricom Daraja.
	MpesaGateway interface {
		STKPush(ctx context.Context, req STKRequest) (STKResponse, error)
		ParseCallback(body []byte) (STKCallback, error)
	}

	// PayPalGateway talks to the PayPal Orders API.
	PayPalGateway interface {
		CreateOrder(ctx context.Context, amount decimal.Decimal, currency, reference string) (PayPalCreated, error)
		CaptureOrder(ctx context.Context, orderID string) (PayPalCapture, error)
	}

	// ReceiptRenderer renders a payment receipt document.
	ReceiptRenderer interface {
		ReceiptPDF(r Receipt) ([]byte, error)
	}

	Service interface {
		Record(ctx context.Context, np NewPayment) (RecordResult, error)
		RecordTx(ctx context.Context, np NewPayment, exec ...core.DBExecutor) (RecordResult, error)
		Get(ctx context.Context, schoolID, id int) (Payment, error)
		Query(ctx context.Context, filter QueryFilter) ([]Payment, error)
		Receipt(ctx context.Context, schoolID, id int) (Receipt, error)
		ReceiptPDF(ctx context.Context, schoolID, id int) ([]byte, error)
		EmailReceipt(ctx context.Context, schoolID, id int) (string, error)

		MpesaCheckout(ctx context.Context, schoolID int, mc MpesaCheckout) (MpesaPayment, error)
		ProCheckout(ctx context.Context, schoolID int, pc ProCheckout) (MpesaPayment, error)
		ParseMpesaCallback(body []byte) (STKCallback, error)
		HandleMpesaCallback(ctx context.Context, cb STKCallback) (MpesaPayment, error)

		CreatePayPalOrder(ctx context.Context, schoolID int, no NewPayPalOrder) (PayPalOrder, error)
		GetPayPalOrder(ctx context.Context, schoolID int, orderID string) (PayPalOrder, error)
		CapturePayPalOrder(ctx context.Context, schoolID int, orderID, actor string) (PayPalOrder, error)
	}

	Deps struct {
		Repo        Repository
		StudentRepo student.Repository
		LedgerRepo  ledger.Repository
		BillingRepo billing.Repository
		SchoolSvc   school.Service
		TermSvc     term.Service
		Mpesa       MpesaGateway
		PayPal      PayPalGateway
		Receipts    ReceiptRenderer
		MailSvc     core.EmailService
		Tx          core.Transactor
		Conf        *core.Config
		Logger      core.Logger
	}

	service struct {
		Deps
	}
)

var _ Service = (*service)(nil)

func NewService(deps Deps) Service {
	if deps.Logger == nil {
		deps.Logger = core.NopLogger{}
	}
	return &service{Deps: deps}
}

// Record applies a payment: it settles the balance first and turns any surplus into credit.
func (svc *service) Record(ctx context.Context, np NewPayment) (RecordResult, error) {
	var res RecordResult
	err := svc.Tx.WithinTx(ctx, func(exec core.DBExecutor) error {
		var err error
		res, err = svc.RecordTx(ctx, np, core.TxExec(exec)...)
		return err
	})
	return res, err
}

// RecordTx is Record within the caller's transaction.
func (svc *service) RecordTx(ctx context.Context, np NewPayment, exec ...core.DBExecutor) (RecordResult, error) {
	if !np.Amount.IsPositive() {
		return RecordResult{}, core.NewValidationError(nil, core.FieldError{Field: "amount", Error: "must be greater than 0"})
	}
	if np.Year == 0 || np.Term == 0 {
		cur, err := svc.TermSvc.Current(ctx, np.SchoolID)
		if err != nil {
			return RecordResult{}, errors.Wrap(err, "resolving current term")
		}
		np.Year, np.Term = cur.Year, cur.Term
	}
	now := time.Now().UTC()
	if np.PaidAt.IsZero() {
		np.PaidAt = now
	}

	s, err := svc.StudentRepo.GetStudentForUpdate(ctx, np.SchoolID, np.StudentID, exec...)
	if err != nil {
		if core.IsNotFound(err) {
			return RecordResult{}, core.NewValidationError(err, core.FieldError{Field: "student_id", Error: "invalid value"})
		}
		return RecordResult{}, errors.Wrap(err, "locking student")
	}

	p, err := svc.Repo.CreatePayment(ctx, Payment{
		SchoolID:   np.SchoolID,
		StudentID:  s.ID,
		Amount:     np.Amount,
		Method:     np.Method,
		Reference:  np.Reference,
		Year:       np.Year,
		Term:       np.Term,
		PaidAt:     np.PaidAt.UTC(),
		RecordedBy: np.RecordedBy,
		CreatedAt:  now,
	}, exec...)
	if err != nil {
		if err == ErrDuplicateReference {
			return RecordResult{}, core.NewValidationError(err, core.FieldError{Field: "reference", Error: err.Error()})
		}
		return RecordResult{}, errors.Wrap(err, "creating payment")
	}

	applied := core.MinMoney(s.Balance, p.Amount)
	surplus := p.Amount.Sub(applied)
	s.Balance = s.Balance.Sub(applied)
	s.Credit = s.Credit.Add(surplus)
	s.UpdatedAt = now
	if s, err = svc.StudentRepo.UpdateStudentFinances(ctx, s, exec...); err != nil {
		return RecordResult{}, errors.Wrap(err, "updating student finances")
	}

	ref := p.Reference
	if ref == "" {
		ref = fmt.Sprintf("PAY-%d", p.ID)
	}
	if applied.IsPositive() {
		desc := fmt.Sprintf("%s payment", p.Method)
		if surplus.IsPositive() {
			desc += fmt.Sprintf(" (%s to credit)", surplus.StringFixed(core.MoneyPlaces))
		}
		if _, err = svc.LedgerRepo.CreateEntry(ctx, ledger.Entry{
			SchoolID:    p.SchoolID,
			StudentID:   p.StudentID,
			Type:        ledger.Credit,
			Amount:      applied,
			Ref:         ref,
			Description: desc,
			LinkType:    ledger.LinkPayment,
			LinkID:      p.ID,
			CreatedAt:   now,
		}, exec...); err != nil {
			return RecordResult{}, errors.Wrap(err, "creating ledger entry")
		}
	}

	if surplus.IsPositive() {
		if _, err = svc.LedgerRepo.CreateCreditOperation(ctx, ledger.CreditOperation{
			SchoolID:  p.SchoolID,
			StudentID: p.StudentID,
			OpType:    ledger.OpOverpayment,
			Amount:    surplus,
			Method:    p.Method,
			Reference: ref,
			Year:      p.Year,
			Term:      p.Term,
			Note:      fmt.Sprintf("Overpayment on payment #%d", p.ID),
			CreatedBy: p.RecordedBy,
			CreatedAt: now,
		}, exec...); err != nil {
			return RecordResult{}, errors.Wrap(err, "creating overpayment operation")
		}
	}

	if err = billing.RefreshInvoiceStatus(ctx, svc.BillingRepo, svc.StudentRepo, p.SchoolID, p.StudentID, p.Year, p.Term, exec...); err != nil {
		return RecordResult{}, err
	}

	return RecordResult{
		Payment:          p,
		AppliedToBalance: applied,
		AddedToCredit:    surplus,
		Balance:          s.Balance,
		Credit:           s.Credit,
	}, nil
}

func (svc *service) Get(ctx context.Context, schoolID, id int) (Payment, error) {
	return svc.Repo.GetPayment(ctx, schoolID, id)
}

func (svc *service) Query(ctx context.Context, filter QueryFilter) ([]Payment, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 200
	}
	return svc.Repo.QueryPayments(ctx, filter)
}

func (svc *service) Receipt(ctx context.Context, schoolID, id int) (Receipt, error) {
	p, err := svc.Repo.GetPayment(ctx, schoolID, id)
	if err != nil {
		return Receipt{}, err
	}
	s, err := svc.StudentRepo.GetStudent(ctx, schoolID, p.StudentID)
	if err != nil {
		return Receipt{}, errors.Wrap(err, "getting student")
	}
	sch, err := svc.SchoolSvc.Get(ctx, schoolID)
	if err != nil {
		return Receipt{}, errors.Wrap(err, "getting school")
	}
	r := Receipt{Payment: p, Student: s, School: sch}
	if s.GuardianID != nil {
		g, err := svc.StudentRepo.GetGuardian(ctx, schoolID, *s.GuardianID)
		switch {
		case err == nil:
			r.Guardian = &g
		case !core.IsNotFound(err):
			return Receipt{}, errors.Wrap(err, "getting guardian")
		}
	}
	return r, nil
}

func (svc *service) ReceiptPDF(ctx context.Context, schoolID, id int) ([]byte, error) {
	r, err := svc.Receipt(ctx, schoolID, id)
	if err != nil {
		return nil, err
	}
	return svc.Receipts.ReceiptPDF(r)
}

// EmailReceipt mails the receipt PDF to the guardian and returns the masked address.
func (svc *service) EmailReceipt(ctx context.Context, schoolID, id int) (string, error) {
	r, err := svc.Receipt(ctx, schoolID, id)
	if err != nil {
		return "", err
	}
	if r.Guardian == nil || r.Guardian.Email == "" {
		return "", core.NewValidationError(ErrNoGuardianEmail, core.FieldError{Field: "guardian", Error: ErrNoGuardianEmail.Error()})
	}
	pdf, err := svc.Receipts.ReceiptPDF(r)
	if err != nil {
		return "", errors.Wrap(err, "rendering receipt")
	}

	msg := &core.EmailMessage{
		To:           []mail.Address{{Name: r.Guardian.Name, Address: r.Guardian.Email}},
		Subject:      fmt.Sprintf("%s: payment receipt #%d", r.School.Name, r.Payment.ID),
		TemplateName: "payment_receipt",
		TemplateData: map[string]interface{}{
			"GuardianName": r.Guardian.Name,
			"Amount":       core.FormatMoney(r.School.Currency, r.Payment.Amount),
			"StudentName":  r.Student.Name,
			"AdmissionNo":  r.Student.AdmissionNo,
			"Method":       r.Payment.Method,
			"Reference":    r.Payment.Reference,
		},
	}
	if err = msg.Attach(bytes.NewReader(pdf), fmt.Sprintf("receipt-%d.pdf", r.Payment.ID), "application/pdf"); err != nil {
		return "", errors.Wrap(err, "attaching receipt")
	}
	svc.MailSvc.SendMessages(msg)
	return core.MaskEmail(r.Guardian.Email), nil
}

// NormalizeMSISDN formats a Kenyan phone number as 254XXXXXXXXX.
func NormalizeMSISDN(phone string) string {
	digits := core.DigitsOnly(phone)
	switch {
	case strings.HasPrefix(digits, "254"):
		return digits
	case strings.HasPrefix(digits, "0"):
		return "254" + digits[1:]
	case len(digits) == 9:
		return "254" + digits
	}
	return digits
}

func (svc *service) stkPush(ctx context.Context, mp MpesaPayment, desc string) (MpesaPayment, error) {
	if svc.Mpesa == nil {
		return MpesaPayment{}, ErrGatewayUnavailable
	}
	resp, err := svc.Mpesa.STKPush(ctx, STKRequest{
		Phone:       mp.Phone,
		Amount:      mp.Amount,
		AccountRef:  mp.AccountRef,
		Description: desc,
	})
	if err != nil {
		return MpesaPayment{}, errors.Wrap(err, "sending stk push")
	}

	now := time.Now().UTC()
	mp.CheckoutRequestID = resp.CheckoutRequestID
	mp.MerchantRequestID = resp.MerchantRequestID
	mp.Status = StatusPending
	mp.CreatedAt = now
	mp.UpdatedAt = now
	return svc.Repo.CreateMpesaPayment(ctx, mp)
}

func (svc *service) MpesaCheckout(ctx context.Context, schoolID int, mc MpesaCheckout) (MpesaPayment, error) {
	s, err := svc.StudentRepo.GetStudent(ctx, schoolID, mc.StudentID)
	if err != nil {
		return MpesaPayment{}, err
	}
	sid := s.ID
	return svc.stkPush(ctx, MpesaPayment{
		SchoolID:   schoolID,
		StudentID:  &sid,
		Phone:      NormalizeMSISDN(mc.Phone),
		Amount:     mc.Amount,
		AccountRef: s.AdmissionNo,
	}, svc.Conf.Mpesa.TransactionDesc)
}

func (svc *service) ProCheckout(ctx context.Context, schoolID int, pc ProCheckout) (MpesaPayment, error) {
	return svc.stkPush(ctx, MpesaPayment{
		SchoolID:   schoolID,
		Phone:      NormalizeMSISDN(pc.Phone),
		Amount:     decimal.NewFromInt(int64(svc.Conf.Mpesa.ProPriceKES)),
		AccountRef: ProAccountRef,
	}, svc.Conf.AppName+" Pro")
}

func (svc *service) ParseMpesaCallback(body []byte) (STKCallback, error) {
	if svc.Mpesa == nil {
		return STKCallback{}, ErrGatewayUnavailable
	}
	return svc.Mpesa.ParseCallback(body)
}

// HandleMpesaCallback reconciles an STK callback. Replays are no-ops: the fee payment is
// recorded at most once per receipt, and Pro activation is idempotent.
func (svc *service) HandleMpesaCallback(ctx context.Context, cb STKCallback) (MpesaPayment, error) {
	var mp MpesaPayment
	err := svc.Tx.WithinTx(ctx, func(exec core.DBExecutor) error {
		now := time.Now().UTC()
		var err error
		mp, err = svc.Repo.GetMpesaPayment(ctx, cb.CheckoutRequestID, core.TxExec(exec)...)
		known := err == nil
		if err != nil && !core.IsNotFound(err) {
			return errors.Wrap(err, "getting mpesa payment")
		}
		if !known {
			mp = MpesaPayment{
				CheckoutRequestID: cb.CheckoutRequestID,
				MerchantRequestID: cb.MerchantRequestID,
				CreatedAt:         now,
			}
		}

		code := cb.ResultCode
		mp.ResultCode = &code
		mp.ResultDesc = cb.ResultDesc
		if cb.Receipt != "" {
			mp.Receipt = cb.Receipt
		}
		if cb.Amount.IsPositive() {
			mp.Amount = cb.Amount
		}
		if cb.Phone != "" {
			mp.Phone = cb.Phone
		}
		if cb.TransactionDate != "" {
			mp.TransactionDate = cb.TransactionDate
		}
		mp.Status = StatusFailed
		if cb.Succeeded() {
			mp.Status = StatusSuccess
		}
		mp.UpdatedAt = now

		if mp.Status == StatusSuccess && mp.SchoolID != 0 {
			if err = svc.applyMpesa(ctx, &mp, core.TxExec(exec)...); err != nil {
				return err
			}
		}

		if known {
			mp, err = svc.Repo.UpdateMpesaPayment(ctx, mp, core.TxExec(exec)...)
		} else {
			mp, err = svc.Repo.CreateMpesaPayment(ctx, mp, core.TxExec(exec)...)
		}
		return err
	})
	return mp, err
}

func (svc *service) applyMpesa(ctx context.Context, mp *MpesaPayment, exec ...core.DBExecutor) error {
	if mp.AccountRef == ProAccountRef {
		if _, err := svc.SchoolSvc.ActivatePro(ctx, mp.SchoolID, mp.Receipt, mp.Amount, exec...); err != nil {
			return errors.Wrap(err, "activating pro plan")
		}
		return nil
	}
	if mp.StudentID == nil || mp.PaymentID != nil {
		return nil
	}

	res, err := svc.RecordTx(ctx, NewPayment{
		SchoolID:   mp.SchoolID,
		StudentID:  *mp.StudentID,
		Amount:     mp.Amount,
		Method:     MethodMpesa,
		Reference:  mp.Receipt,
		RecordedBy: "mpesa",
	}, exec...)
	if err != nil {
		if isDuplicateReference(err) {
			svc.Logger.Info(fmt.Sprintf("mpesa receipt %s already applied", mp.Receipt))
			return nil
		}
		return errors.Wrap(err, "recording mpesa payment")
	}
	pid := res.Payment.ID
	mp.PaymentID = &pid
	return nil
}

func isDuplicateReference(err error) bool {
	vErr, ok := errors.Cause(err).(*core.ValidationError)
	return ok && vErr.Err == ErrDuplicateReference
}

func (svc *service) CreatePayPalOrder(ctx context.Context, schoolID int, no NewPayPalOrder) (PayPalOrder, error) {
	if svc.PayPal == nil {
		return PayPalOrder{}, ErrGatewayUnavailable
	}
	settings, err := svc.SchoolSvc.Settings(ctx, schoolID)
	if err != nil {
		return PayPalOrder{}, errors.Wrap(err, "getting settings")
	}
	if !settings.Bool(school.SettingPayPalEnabled) {
		return PayPalOrder{}, core.NewValidationError(ErrPayPalDisabled, core.FieldError{Field: "paypal", Error: ErrPayPalDisabled.Error()})
	}
	s, err := svc.StudentRepo.GetStudent(ctx, schoolID, no.StudentID)
	if err != nil {
		return PayPalOrder{}, err
	}

	converted := core.RoundMoney(no.Amount.Mul(svc.Conf.PayPal.KESRate))
	if !converted.IsPositive() {
		return PayPalOrder{}, core.NewValidationError(nil, core.FieldError{Field: "amount", Error: "amount is too small"})
	}
	created, err := svc.PayPal.CreateOrder(ctx, converted, svc.Conf.PayPal.Currency, s.AdmissionNo)
	if err != nil {
		return PayPalOrder{}, errors.Wrap(err, "creating paypal order")
	}

	now := time.Now().UTC()
	o, err := svc.Repo.CreatePayPalOrder(ctx, PayPalOrder{
		SchoolID:        schoolID,
		StudentID:       s.ID,
		OrderID:         created.OrderID,
		Amount:          no.Amount,
		Currency:        svc.Conf.PayPal.Currency,
		ConvertedAmount: converted,
		Status:          StatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return PayPalOrder{}, errors.Wrap(err, "saving paypal order")
	}
	o.ApproveURL = created.ApproveURL
	return o, nil
}

func (svc *service) GetPayPalOrder(ctx context.Context, schoolID int, orderID string) (PayPalOrder, error) {
	return svc.Repo.GetPayPalOrder(ctx, schoolID, orderID)
}

// CapturePayPalOrder captures an approved order and records the fee payment once.
func (svc *service) CapturePayPalOrder(ctx context.Context, schoolID int, orderID, actor string) (PayPalOrder, error) {
	if svc.PayPal == nil {
		return PayPalOrder{}, ErrGatewayUnavailable
	}
	o, err := svc.Repo.GetPayPalOrder(ctx, schoolID, orderID)
	if err != nil {
		return PayPalOrder{}, err
	}
	if o.Status == StatusCompleted {
		return o, nil
	}

	capture, err := svc.PayPal.CaptureOrder(ctx, orderID)
	if err != nil {
		return PayPalOrder{}, errors.Wrap(err, "capturing paypal order")
	}
	if !strings.EqualFold(capture.Status, "COMPLETED") {
		o.Status = StatusFailed
		o.UpdatedAt = time.Now().UTC()
		if _, err = svc.Repo.UpdatePayPalOrder(ctx, o); err != nil {
			return PayPalOrder{}, errors.Wrap(err, "updating paypal order")
		}
		return PayPalOrder{}, core.NewValidationError(ErrCaptureNotCompleted, core.FieldError{Field: "order_id", Error: ErrCaptureNotCompleted.Error()})
	}

	err = svc.Tx.WithinTx(ctx, func(exec core.DBExecutor) error {
		res, err := svc.RecordTx(ctx, NewPayment{
			SchoolID:   schoolID,
			StudentID:  o.StudentID,
			Amount:     o.Amount,
			Method:     MethodPayPal,
			Reference:  capture.CaptureID,
			RecordedBy: actor,
		}, core.TxExec(exec)...)
		if err != nil {
			return errors.Wrap(err, "recording paypal payment")
		}
		pid := res.Payment.ID
		o.PaymentID = &pid
		o.CaptureID = capture.CaptureID
		o.Status = StatusCompleted
		o.UpdatedAt = time.Now().UTC()
		o, err = svc.Repo.UpdatePayPalOrder(ctx, o, core.TxExec(exec)...)
		return err
	})
	if err != nil {
		return PayPalOrder{}, err
	}
	return o, nil
}
