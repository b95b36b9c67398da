package approval

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/billing"
	"github.com/trezcool/karo/core/credit"
	"github.com/trezcool/karo/core/ledger"
	"github.com/trezcool/karo/core/student"
)

const (
	otpTTL         = 10 * time.Minute
	otpMaxAttempts = 5
)

var (
	// errors
	ErrNotFound          = core.NewNotFoundError("approval request")
	ErrInvalidStatus     = errors.New("the request is not awaiting this step")
	ErrInvalidOTP        = errors.New("invalid code")
	ErrOTPExpired        = errors.New("code expired")
	ErrTooManyAttempts   = errors.New("too many attempts; the request was rejected")
	ErrExceedsBalance    = errors.New("amount exceeds outstanding balance")
	ErrStudentNotInScope = errors.New("student not found")

	NowFunc = time.Now // mockable
)

type (
	Repository interface {
		CreateRequest(ctx context.Context, r Request, exec ...core.DBExecutor) (Request, error)
		GetRequest(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (Request, error)
		// QueryRequests returns the newest requests first.
		QueryRequests(ctx context.Context, filter QueryFilter, exec ...core.DBExecutor) ([]Request, error)
		UpdateRequest(ctx context.Context, r Request, exec ...core.DBExecutor) (Request, error)
		// DeleteExpiredOTPPending removes otp_pending requests whose code expired before `now`.
		DeleteExpiredOTPPending(ctx context.Context, now time.Time, exec ...core.DBExecutor) (int, error)
	}

	Service interface {
		Submit(ctx context.Context, nr NewRequest) (Request, error)
		VerifyOTP(ctx context.Context, schoolID, id int, code string) (Request, error)
		Decide(ctx context.Context, schoolID, id int, d Decision, approver string) (Request, error)
		Get(ctx context.Context, schoolID, id int) (Request, error)
		Query(ctx context.Context, filter QueryFilter) ([]Request, error)
		PurgeExpired(ctx context.Context) (int, error)
	}

	Deps struct {
		Repo        Repository
		StudentRepo student.Repository
		LedgerRepo  ledger.Repository
		BillingSvc  billing.Service
		CreditSvc   credit.Service
		MailSvc     core.EmailService
		Tx          core.Transactor
		Conf        *core.Config
	}

	service struct {
		Deps
	}
)

var _ Service = (*service)(nil)

func NewService(deps Deps) Service {
	return &service{Deps: deps}
}

// generateOTP returns a random 6-digit code.
func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func hashOTP(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// verificationCode signs a decision so it can be checked offline.
func verificationCode(r Request, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%d:%d:%s:%s:%s:%d", r.SchoolID, r.ID, r.Type, r.Status, r.DecidedBy, r.DecidedAt.Unix())
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil))[:16])
}

func typeLabel(t string) string {
	switch t {
	case TypeWriteOff:
		return "Fee write-off"
	case TypeDiscount:
		return "Discount"
	case TypeCreditTransfer:
		return "Credit transfer"
	}
	return t
}

func (svc *service) checkStudent(ctx context.Context, schoolID, id int, field string) error {
	if _, err := svc.StudentRepo.GetStudent(ctx, schoolID, id); err != nil {
		if core.IsNotFound(err) {
			return core.NewValidationError(ErrStudentNotInScope, core.FieldError{Field: field, Error: "invalid value"})
		}
		return err
	}
	return nil
}

// Submit files a request and emails its one-time code to the requestor.
func (svc *service) Submit(ctx context.Context, nr NewRequest) (Request, error) {
	if err := svc.checkStudent(ctx, nr.SchoolID, nr.StudentID, "student_id"); err != nil {
		return Request{}, err
	}
	if nr.Type == TypeCreditTransfer {
		if err := svc.checkStudent(ctx, nr.SchoolID, nr.TargetStudentID, "target_student_id"); err != nil {
			return Request{}, err
		}
	}

	code, err := generateOTP()
	if err != nil {
		return Request{}, errors.Wrap(err, "generating otp")
	}

	now := NowFunc().UTC()
	sid := nr.StudentID
	r := Request{
		SchoolID:       nr.SchoolID,
		Type:           nr.Type,
		RequestorName:  nr.RequestorName,
		RequestorEmail: nr.RequestorEmail,
		StudentID:      &sid,
		Amount:         nr.Amount,
		Year:           nr.Year,
		Term:           nr.Term,
		DiscountKind:   nr.DiscountKind,
		Reason:         nr.Reason,
		Status:         StatusOTPPending,
		OTPHash:        hashOTP(code),
		OTPExpiresAt:   now.Add(otpTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if nr.TargetStudentID != 0 {
		tid := nr.TargetStudentID
		r.TargetStudentID = &tid
	}
	if r, err = svc.Repo.CreateRequest(ctx, r); err != nil {
		return Request{}, errors.Wrap(err, "creating request")
	}

	svc.MailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: r.RequestorName, Address: r.RequestorEmail}},
		Subject:      fmt.Sprintf("Confirm your %s request", strings.ToLower(typeLabel(r.Type))),
		TemplateName: "approval_otp",
		TemplateData: map[string]interface{}{
			"Name":    r.RequestorName,
			"Type":    typeLabel(r.Type),
			"ID":      r.ID,
			"Code":    code,
			"Minutes": int(otpTTL.Minutes()),
		},
	})
	return r, nil
}

// VerifyOTP confirms the requestor's email and queues the request for a decision.
func (svc *service) VerifyOTP(ctx context.Context, schoolID, id int, code string) (Request, error) {
	r, err := svc.Repo.GetRequest(ctx, schoolID, id)
	if err != nil {
		return Request{}, err
	}
	if r.Status != StatusOTPPending {
		return Request{}, core.NewValidationError(ErrInvalidStatus, core.FieldError{Field: "status", Error: ErrInvalidStatus.Error()})
	}

	now := NowFunc().UTC()
	if now.After(r.OTPExpiresAt) {
		return Request{}, core.NewValidationError(ErrOTPExpired, core.FieldError{Field: "code", Error: ErrOTPExpired.Error()})
	}

	if subtle.ConstantTimeCompare([]byte(hashOTP(code)), []byte(r.OTPHash)) != 1 {
		r.OTPAttempts++
		r.UpdatedAt = now
		fail := ErrInvalidOTP
		if r.OTPAttempts >= otpMaxAttempts {
			r.Status = StatusRejected
			r.DecisionNote = ErrTooManyAttempts.Error()
			fail = ErrTooManyAttempts
		}
		if _, err = svc.Repo.UpdateRequest(ctx, r); err != nil {
			return Request{}, errors.Wrap(err, "updating request")
		}
		return Request{}, core.NewValidationError(fail, core.FieldError{Field: "code", Error: fail.Error()})
	}

	r.Status = StatusPending
	r.OTPHash = ""
	r.UpdatedAt = now
	return svc.Repo.UpdateRequest(ctx, r)
}

// Decide approves or rejects a verified request. Approval applies its effect atomically.
func (svc *service) Decide(ctx context.Context, schoolID, id int, d Decision, approver string) (Request, error) {
	var r Request
	err := svc.Tx.WithinTx(ctx, func(exec core.DBExecutor) error {
		var err error
		if r, err = svc.Repo.GetRequest(ctx, schoolID, id, core.TxExec(exec)...); err != nil {
			return err
		}
		if r.Status != StatusPending {
			return core.NewValidationError(ErrInvalidStatus, core.FieldError{Field: "status", Error: ErrInvalidStatus.Error()})
		}

		now := NowFunc().UTC()
		r.DecidedBy = approver
		r.DecidedAt = now
		r.DecisionNote = d.Note
		r.UpdatedAt = now
		if d.Action == ActionApprove {
			r.Status = StatusApproved
			r.VerificationCode = verificationCode(r, svc.Conf.SecretKey)
			if err = svc.execute(ctx, r, approver, core.TxExec(exec)...); err != nil {
				return err
			}
		} else {
			r.Status = StatusRejected
		}

		r, err = svc.Repo.UpdateRequest(ctx, r, core.TxExec(exec)...)
		return err
	})
	if err != nil {
		return Request{}, err
	}

	svc.MailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: r.RequestorName, Address: r.RequestorEmail}},
		Subject:      fmt.Sprintf("Your %s request was %s", strings.ToLower(typeLabel(r.Type)), r.Status),
		TemplateName: "approval_decision",
		TemplateData: map[string]interface{}{
			"Name":             r.RequestorName,
			"Type":             typeLabel(r.Type),
			"ID":               r.ID,
			"Status":           r.Status,
			"Note":             r.DecisionNote,
			"VerificationCode": r.VerificationCode,
		},
	})
	return r, nil
}

func (svc *service) execute(ctx context.Context, r Request, approver string, exec ...core.DBExecutor) error {
	switch r.Type {
	case TypeWriteOff:
		return svc.writeOff(ctx, r, approver, exec...)
	case TypeDiscount:
		_, err := svc.BillingSvc.SetDiscount(ctx, billing.NewDiscount{
			SchoolID:  r.SchoolID,
			StudentID: *r.StudentID,
			Year:      r.Year,
			Term:      r.Term,
			Kind:      r.DiscountKind,
			Value:     r.Amount,
			Reason:    fmt.Sprintf("Approval #%d: %s", r.ID, r.Reason),
		}, exec...)
		return err
	case TypeCreditTransfer:
		_, err := svc.CreditSvc.TransferTx(ctx, credit.Transfer{
			SchoolID:      r.SchoolID,
			FromStudentID: *r.StudentID,
			ToStudentID:   *r.TargetStudentID,
			Amount:        r.Amount,
			Note:          fmt.Sprintf("Approval #%d", r.ID),
			Actor:         approver,
		}, exec...)
		return err
	}
	return nil
}

func (svc *service) writeOff(ctx context.Context, r Request, approver string, exec ...core.DBExecutor) error {
	s, err := svc.StudentRepo.GetStudentForUpdate(ctx, r.SchoolID, *r.StudentID, exec...)
	if err != nil {
		return errors.Wrap(err, "locking student")
	}
	if r.Amount.GreaterThan(s.Balance) {
		return core.NewValidationError(ErrExceedsBalance, core.FieldError{Field: "amount", Error: ErrExceedsBalance.Error()})
	}

	now := NowFunc().UTC()
	s.Balance = s.Balance.Sub(r.Amount)
	s.UpdatedAt = now
	if _, err = svc.StudentRepo.UpdateStudentFinances(ctx, s, exec...); err != nil {
		return errors.Wrap(err, "updating student finances")
	}

	ref := fmt.Sprintf("WO-%d", r.ID)
	if _, err = svc.LedgerRepo.CreateEntry(ctx, ledger.Entry{
		SchoolID:    r.SchoolID,
		StudentID:   s.ID,
		Type:        ledger.Credit,
		Amount:      r.Amount,
		Ref:         ref,
		Description: "Fee write-off",
		LinkType:    ledger.LinkApproval,
		LinkID:      r.ID,
		CreatedAt:   now,
	}, exec...); err != nil {
		return errors.Wrap(err, "creating ledger entry")
	}

	if _, err = svc.LedgerRepo.CreateCreditOperation(ctx, ledger.CreditOperation{
		SchoolID:  r.SchoolID,
		StudentID: s.ID,
		OpType:    ledger.OpWriteOff,
		Amount:    r.Amount,
		Reference: ref,
		Note:      r.Reason,
		CreatedBy: approver,
		CreatedAt: now,
	}, exec...); err != nil {
		return errors.Wrap(err, "creating write-off operation")
	}

	if err = svc.BillingSvc.RefreshStudentInvoices(ctx, r.SchoolID, s.ID, exec...); err != nil {
		return errors.Wrap(err, "refreshing invoice status")
	}
	return nil
}

func (svc *service) Get(ctx context.Context, schoolID, id int) (Request, error) {
	return svc.Repo.GetRequest(ctx, schoolID, id)
}

func (svc *service) Query(ctx context.Context, filter QueryFilter) ([]Request, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return svc.Repo.QueryRequests(ctx, filter)
}

func (svc *service) PurgeExpired(ctx context.Context) (int, error) {
	return svc.Repo.DeleteExpiredOTPPending(ctx, NowFunc().UTC())
}
