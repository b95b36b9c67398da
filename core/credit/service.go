package credit

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/billing"
	"github.com/trezcool/karo/core/ledger"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
	"github.com/trezcool/karo/core/term"
)

var (
	// errors
	ErrInsufficientCredit = errors.New("amount exceeds available credit")
	ErrExceedsBalance     = errors.New("amount exceeds outstanding balance")
	ErrSameStudent        = errors.New("cannot transfer credit to the same student")
	ErrTargetNotEligible  = errors.New("the recipient has neither a balance nor credit")
)

type (
	Service interface {
		Apply(ctx context.Context, a Apply) (Result, error)
		Refund(ctx context.Context, r Refund) (Result, error)
		Transfer(ctx context.Context, t Transfer) (TransferResult, error)
		TransferTx(ctx context.Context, t Transfer, exec ...core.DBExecutor) (TransferResult, error)
		AutoApplyForTerm(ctx context.Context, schoolID, studentID, year, term int, actor string) (decimal.Decimal, error)
		AutoApplyTx(ctx context.Context, schoolID, studentID, year, term int, actor string, exec ...core.DBExecutor) (decimal.Decimal, error)
		NotifyCreditApplied(ctx context.Context, schoolID, studentID int, amount decimal.Decimal, year, term int)
	}

	Deps struct {
		StudentRepo student.Repository
		LedgerRepo  ledger.Repository
		PaymentRepo payment.Repository
		BillingRepo billing.Repository
		SchoolSvc   school.Service
		TermSvc     term.Service
		MailSvc     core.EmailService
		Tx          core.Transactor
		Logger      core.Logger
	}

	service struct {
		Deps
	}
)

var (
	_ Service               = (*service)(nil)
	_ billing.CreditApplier = (*service)(nil)
)

func NewService(deps Deps) Service {
	if deps.Logger == nil {
		deps.Logger = core.NopLogger{}
	}
	return &service{Deps: deps}
}

func amountError(err error) error {
	return core.NewValidationError(err, core.FieldError{Field: "amount", Error: err.Error()})
}

func (svc *service) lockStudent(ctx context.Context, schoolID, id int, field string, exec ...core.DBExecutor) (student.Student, error) {
	s, err := svc.StudentRepo.GetStudentForUpdate(ctx, schoolID, id, exec...)
	if err != nil {
		if core.IsNotFound(err) {
			return student.Student{}, core.NewValidationError(err, core.FieldError{Field: field, Error: "invalid value"})
		}
		return student.Student{}, errors.Wrap(err, "locking student")
	}
	return s, nil
}

// Apply settles part of the balance with the student's own credit.
func (svc *service) Apply(ctx context.Context, a Apply) (Result, error) {
	var res Result
	err := svc.Tx.WithinTx(ctx, func(exec core.DBExecutor) error {
		s, err := svc.lockStudent(ctx, a.SchoolID, a.StudentID, "student_id", core.TxExec(exec)...)
		if err != nil {
			return err
		}
		if a.Amount.GreaterThan(s.Credit) {
			return amountError(ErrInsufficientCredit)
		}
		if a.Amount.GreaterThan(s.Balance) {
			return amountError(ErrExceedsBalance)
		}

		now := time.Now().UTC()
		s.Credit = s.Credit.Sub(a.Amount)
		s.Balance = s.Balance.Sub(a.Amount)
		s.UpdatedAt = now
		if s, err = svc.StudentRepo.UpdateStudentFinances(ctx, s, core.TxExec(exec)...); err != nil {
			return errors.Wrap(err, "updating student finances")
		}

		op, err := svc.LedgerRepo.CreateCreditOperation(ctx, ledger.CreditOperation{
			SchoolID:  s.SchoolID,
			StudentID: s.ID,
			OpType:    ledger.OpApply,
			Amount:    a.Amount,
			Note:      a.Note,
			CreatedBy: a.Actor,
			CreatedAt: now,
		}, core.TxExec(exec)...)
		if err != nil {
			return errors.Wrap(err, "creating credit operation")
		}

		if _, err = svc.LedgerRepo.CreateEntry(ctx, ledger.Entry{
			SchoolID:    s.SchoolID,
			StudentID:   s.ID,
			Type:        ledger.Credit,
			Amount:      a.Amount,
			Ref:         fmt.Sprintf("CR-%d", op.ID),
			Description: "Credit applied",
			LinkType:    ledger.LinkCreditOperation,
			LinkID:      op.ID,
			CreatedAt:   now,
		}, core.TxExec(exec)...); err != nil {
			return errors.Wrap(err, "creating ledger entry")
		}

		res = Result{Operation: op, Balance: s.Balance, Credit: s.Credit}
		return nil
	})
	return res, err
}

// Refund pays credit back out to the guardian. The balance is untouched.
func (svc *service) Refund(ctx context.Context, r Refund) (Result, error) {
	var res Result
	err := svc.Tx.WithinTx(ctx, func(exec core.DBExecutor) error {
		s, err := svc.lockStudent(ctx, r.SchoolID, r.StudentID, "student_id", core.TxExec(exec)...)
		if err != nil {
			return err
		}
		if r.Amount.GreaterThan(s.Credit) {
			return amountError(ErrInsufficientCredit)
		}

		now := time.Now().UTC()
		s.Credit = s.Credit.Sub(r.Amount)
		s.UpdatedAt = now
		if s, err = svc.StudentRepo.UpdateStudentFinances(ctx, s, core.TxExec(exec)...); err != nil {
			return errors.Wrap(err, "updating student finances")
		}

		op, err := svc.LedgerRepo.CreateCreditOperation(ctx, ledger.CreditOperation{
			SchoolID:  s.SchoolID,
			StudentID: s.ID,
			OpType:    ledger.OpRefund,
			Amount:    r.Amount,
			Method:    r.Method,
			Reference: r.Reference,
			Note:      r.Note,
			CreatedBy: r.Actor,
			CreatedAt: now,
		}, core.TxExec(exec)...)
		if err != nil {
			return errors.Wrap(err, "creating credit operation")
		}
		res = Result{Operation: op, Balance: s.Balance, Credit: s.Credit}
		return nil
	})
	return res, err
}

func (svc *service) Transfer(ctx context.Context, t Transfer) (TransferResult, error) {
	var res TransferResult
	err := svc.Tx.WithinTx(ctx, func(exec core.DBExecutor) error {
		var err error
		res, err = svc.TransferTx(ctx, t, core.TxExec(exec)...)
		return err
	})
	return res, err
}

// TransferTx moves credit from one student to another. The recipient's balance absorbs
// the transfer first and the leftover becomes credit, so the amount taken from the source
// always equals what the recipient gets.
func (svc *service) TransferTx(ctx context.Context, t Transfer, exec ...core.DBExecutor) (TransferResult, error) {
	if t.FromStudentID == t.ToStudentID {
		return TransferResult{}, core.NewValidationError(ErrSameStudent, core.FieldError{Field: "to_student_id", Error: ErrSameStudent.Error()})
	}

	// lock in id order
	var src, dst student.Student
	var err error
	if t.FromStudentID < t.ToStudentID {
		if src, err = svc.lockStudent(ctx, t.SchoolID, t.FromStudentID, "from_student_id", exec...); err != nil {
			return TransferResult{}, err
		}
		if dst, err = svc.lockStudent(ctx, t.SchoolID, t.ToStudentID, "to_student_id", exec...); err != nil {
			return TransferResult{}, err
		}
	} else {
		if dst, err = svc.lockStudent(ctx, t.SchoolID, t.ToStudentID, "to_student_id", exec...); err != nil {
			return TransferResult{}, err
		}
		if src, err = svc.lockStudent(ctx, t.SchoolID, t.FromStudentID, "from_student_id", exec...); err != nil {
			return TransferResult{}, err
		}
	}

	if t.Amount.GreaterThan(src.Credit) {
		return TransferResult{}, amountError(ErrInsufficientCredit)
	}
	if !dst.HasDebtOrCredit() {
		return TransferResult{}, core.NewValidationError(ErrTargetNotEligible, core.FieldError{Field: "to_student_id", Error: ErrTargetNotEligible.Error()})
	}

	cur, err := svc.TermSvc.Current(ctx, t.SchoolID)
	if err != nil {
		return TransferResult{}, errors.Wrap(err, "resolving current term")
	}

	now := time.Now().UTC()
	applied := core.MinMoney(dst.Balance, t.Amount)
	leftover := t.Amount.Sub(applied)

	src.Credit = src.Credit.Sub(t.Amount)
	src.UpdatedAt = now
	dst.Balance = dst.Balance.Sub(applied)
	dst.Credit = dst.Credit.Add(leftover)
	dst.UpdatedAt = now
	if src, err = svc.StudentRepo.UpdateStudentFinances(ctx, src, exec...); err != nil {
		return TransferResult{}, errors.Wrap(err, "updating source finances")
	}
	if dst, err = svc.StudentRepo.UpdateStudentFinances(ctx, dst, exec...); err != nil {
		return TransferResult{}, errors.Wrap(err, "updating recipient finances")
	}

	corr := uuid.New().String()
	note := t.Note
	if note == "" {
		note = fmt.Sprintf("Transfer to %s (%s)", dst.Name, dst.AdmissionNo)
	}
	if _, err = svc.LedgerRepo.CreateCreditOperation(ctx, ledger.CreditOperation{
		SchoolID:      t.SchoolID,
		StudentID:     src.ID,
		OpType:        ledger.OpTransfer,
		Amount:        t.Amount,
		Year:          cur.Year,
		Term:          cur.Term,
		CorrelationID: corr,
		Note:          note,
		CreatedBy:     t.Actor,
		CreatedAt:     now,
	}, exec...); err != nil {
		return TransferResult{}, errors.Wrap(err, "creating credit operation")
	}

	ct, err := svc.LedgerRepo.CreateCreditTransfer(ctx, ledger.CreditTransfer{
		SchoolID:         t.SchoolID,
		CorrelationID:    corr,
		FromStudentID:    src.ID,
		ToStudentID:      dst.ID,
		Amount:           t.Amount,
		AppliedToBalance: applied,
		AddedToCredit:    leftover,
		CreatedBy:        t.Actor,
		CreatedAt:        now,
	}, exec...)
	if err != nil {
		return TransferResult{}, errors.Wrap(err, "creating credit transfer")
	}

	ref := "TRF-" + corr[:12]
	p, err := svc.PaymentRepo.CreatePayment(ctx, payment.Payment{
		SchoolID:   t.SchoolID,
		StudentID:  dst.ID,
		Amount:     t.Amount,
		Method:     payment.MethodCreditTransfer,
		Reference:  ref,
		Year:       cur.Year,
		Term:       cur.Term,
		PaidAt:     now,
		RecordedBy: t.Actor,
		CreatedAt:  now,
	}, exec...)
	if err != nil {
		return TransferResult{}, errors.Wrap(err, "creating transfer payment")
	}

	if applied.IsPositive() {
		if _, err = svc.LedgerRepo.CreateEntry(ctx, ledger.Entry{
			SchoolID:    t.SchoolID,
			StudentID:   dst.ID,
			Type:        ledger.Credit,
			Amount:      applied,
			Ref:         ref,
			Description: fmt.Sprintf("Credit transfer from %s (%s)", src.Name, src.AdmissionNo),
			LinkType:    ledger.LinkPayment,
			LinkID:      p.ID,
			CreatedAt:   now,
		}, exec...); err != nil {
			return TransferResult{}, errors.Wrap(err, "creating ledger entry")
		}
	}

	if err = billing.RefreshInvoiceStatus(ctx, svc.BillingRepo, svc.StudentRepo, t.SchoolID, dst.ID, cur.Year, cur.Term, exec...); err != nil {
		return TransferResult{}, err
	}

	return TransferResult{
		Transfer:    ct,
		FromCredit:  src.Credit,
		ToBalance:   dst.Balance,
		ToCredit:    dst.Credit,
		PaymentID:   p.ID,
		Correlation: corr,
	}, nil
}

func (svc *service) AutoApplyForTerm(ctx context.Context, schoolID, studentID, year, term int, actor string) (decimal.Decimal, error) {
	var applied decimal.Decimal
	err := svc.Tx.WithinTx(ctx, func(exec core.DBExecutor) error {
		var err error
		applied, err = svc.AutoApplyTx(ctx, schoolID, studentID, year, term, actor, core.TxExec(exec)...)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	if applied.IsPositive() {
		svc.NotifyCreditApplied(ctx, schoolID, studentID, applied, year, term)
	}
	return applied, nil
}

// AutoApplyTx consumes the student's credit against the term's outstanding amount, once per term.
// It returns the amount applied, zero when there was nothing to do.
// It sends nothing: callers call NotifyCreditApplied once their transaction has committed.
func (svc *service) AutoApplyTx(ctx context.Context, schoolID, studentID, year, term int, actor string, exec ...core.DBExecutor) (decimal.Decimal, error) {
	done, err := svc.LedgerRepo.CreditOperationExists(ctx, schoolID, studentID, ledger.OpAutoApply, year, term, exec...)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "checking auto-apply")
	}
	if done {
		return decimal.Zero, nil
	}

	s, err := svc.lockStudent(ctx, schoolID, studentID, "student_id", exec...)
	if err != nil {
		return decimal.Zero, err
	}
	if !s.Credit.IsPositive() || !s.Balance.IsPositive() {
		return decimal.Zero, nil
	}

	invoiced := decimal.Zero
	inv, err := svc.BillingRepo.GetInvoiceByPeriod(ctx, schoolID, studentID, year, term, exec...)
	switch {
	case err == nil && inv.Status != billing.StatusVoid:
		invoiced = inv.Total
	case err != nil && !core.IsNotFound(err):
		return decimal.Zero, errors.Wrap(err, "getting term invoice")
	}
	paid, err := svc.BillingRepo.PaidForTerm(ctx, schoolID, studentID, year, term, exec...)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "summing payments")
	}

	outstanding := core.MaxMoney(core.NonNegative(invoiced.Sub(paid)), s.Balance)
	amount := core.MinMoney(core.MinMoney(s.Credit, outstanding), s.Balance)
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}

	now := time.Now().UTC()
	ref := fmt.Sprintf("AUTO-CREDIT-%d-T%d-%d", year, term, studentID)
	p, err := svc.PaymentRepo.CreatePayment(ctx, payment.Payment{
		SchoolID:   schoolID,
		StudentID:  studentID,
		Amount:     amount,
		Method:     payment.MethodAutoCredit,
		Reference:  ref,
		Year:       year,
		Term:       term,
		PaidAt:     now,
		RecordedBy: actor,
		CreatedAt:  now,
	}, exec...)
	if err != nil {
		if err == payment.ErrDuplicateReference {
			return decimal.Zero, nil
		}
		return decimal.Zero, errors.Wrap(err, "creating auto credit payment")
	}

	s.Credit = s.Credit.Sub(amount)
	s.Balance = s.Balance.Sub(amount)
	s.UpdatedAt = now
	if s, err = svc.StudentRepo.UpdateStudentFinances(ctx, s, exec...); err != nil {
		return decimal.Zero, errors.Wrap(err, "updating student finances")
	}

	if _, err = svc.LedgerRepo.CreateEntry(ctx, ledger.Entry{
		SchoolID:    schoolID,
		StudentID:   studentID,
		Type:        ledger.Credit,
		Amount:      amount,
		Ref:         ref,
		Description: fmt.Sprintf("Credit auto-applied to %d T%d", year, term),
		LinkType:    ledger.LinkPayment,
		LinkID:      p.ID,
		CreatedAt:   now,
	}, exec...); err != nil {
		return decimal.Zero, errors.Wrap(err, "creating ledger entry")
	}

	if _, err = svc.LedgerRepo.CreateCreditOperation(ctx, ledger.CreditOperation{
		SchoolID:  schoolID,
		StudentID: studentID,
		OpType:    ledger.OpAutoApply,
		Amount:    amount,
		Method:    payment.MethodAutoCredit,
		Reference: ref,
		Year:      year,
		Term:      term,
		CreatedBy: actor,
		CreatedAt: now,
	}, exec...); err != nil {
		return decimal.Zero, errors.Wrap(err, "creating credit operation")
	}

	if err = billing.RefreshInvoiceStatus(ctx, svc.BillingRepo, svc.StudentRepo, schoolID, studentID, year, term, exec...); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// NotifyCreditApplied emails the guardian the applied amount and the student's current figures.
func (svc *service) NotifyCreditApplied(ctx context.Context, schoolID, studentID int, amount decimal.Decimal, year, term int) {
	if svc.MailSvc == nil {
		return
	}
	s, err := svc.StudentRepo.GetStudent(ctx, schoolID, studentID)
	if err != nil {
		svc.Logger.Warn(fmt.Sprintf("credit.NotifyCreditApplied: getting student %d: %v", studentID, err))
		return
	}
	if s.GuardianID == nil {
		return
	}
	g, err := svc.StudentRepo.GetGuardian(ctx, s.SchoolID, *s.GuardianID)
	if err != nil || g.Email == "" {
		return
	}
	currency := ""
	if sch, err := svc.SchoolSvc.Get(ctx, s.SchoolID); err == nil {
		currency = sch.Currency
	}

	svc.MailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: g.Name, Address: g.Email}},
		Subject:      fmt.Sprintf("Credit applied to %s's fees", s.Name),
		TemplateName: "credit_applied",
		TemplateData: map[string]interface{}{
			"GuardianName": g.Name,
			"Amount":       core.FormatMoney(currency, amount),
			"StudentName":  s.Name,
			"Term":         term,
			"Year":         year,
			"Balance":      core.FormatMoney(currency, s.Balance),
			"Credit":       core.FormatMoney(currency, s.Credit),
		},
	})
}
