// Package proof handles the payment proofs guardians upload from the parent portal.
package proof

import (
	"context"
	"fmt"
	"net/http"
	"net/mail"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
)

const defaultMaxUploadBytes = 5 << 20

var (
	// errors
	ErrNotFound          = core.NewNotFoundError("payment proof")
	ErrFileNotFound      = core.NewNotFoundError("proof file")
	ErrStudentNotFound   = core.NewNotFoundError("student")
	ErrEmptyFile         = errors.New("the file is empty")
	ErrFileTooLarge      = errors.New("the file is too large")
	ErrUnsupportedFile   = errors.New("only PNG, JPEG and PDF files are accepted")
	ErrInvalidTransition = errors.New("the proof cannot move to this status")

	NowFunc = time.Now // mockable

	// allowedTypes maps accepted extensions to the content type their bytes must sniff as.
	allowedTypes = map[string]string{
		".png":  "image/png",
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".pdf":  "application/pdf",
	}

	transitions = map[string][]string{
		StatusPending:  {StatusInReview, StatusVerified, StatusRejected},
		StatusInReview: {StatusVerified, StatusRejected},
	}
)

type (
	Repository interface {
		CreateProof(ctx context.Context, p Proof, exec ...core.DBExecutor) (Proof, error)
		GetProof(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (Proof, error)
		// QueryProofs returns the newest proofs first.
		QueryProofs(ctx context.Context, filter QueryFilter, exec ...core.DBExecutor) ([]Proof, error)
		UpdateProof(ctx context.Context, p Proof, exec ...core.DBExecutor) (Proof, error)
	}

	// FileStore keeps the uploaded files. Get returns ErrFileNotFound for unknown keys.
	FileStore interface {
		Put(ctx context.Context, key string, data []byte, contentType string) error
		Get(ctx context.Context, key string) ([]byte, error)
		Delete(ctx context.Context, key string) error
	}

	// ImageNormalizer turns an uploaded photo into an upright, bounded JPEG.
	ImageNormalizer interface {
		NormalizeImage(data []byte) ([]byte, error)
	}

	Service interface {
		Upload(ctx context.Context, np NewProof) (Proof, error)
		Get(ctx context.Context, schoolID, id int) (Proof, error)
		Query(ctx context.Context, filter QueryFilter) ([]Proof, error)
		// File returns the proof with its stored bytes.
		File(ctx context.Context, schoolID, id int) (Proof, []byte, error)
		Review(ctx context.Context, schoolID, id int, rv Review, reviewer string) (Proof, error)
	}

	Deps struct {
		Repo        Repository
		StudentRepo student.Repository
		PaymentSvc  payment.Service
		SchoolSvc   school.Service
		Files       FileStore
		Images      ImageNormalizer
		MailSvc     core.EmailService
		Validate    *validator.Validate
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

func fileError(err error) error {
	return core.NewValidationError(err, core.FieldError{Field: "file", Error: err.Error()})
}

// checkFile returns the extension and content type of an acceptable upload.
func (svc *service) checkFile(name string, data []byte) (string, string, error) {
	maxBytes := svc.Conf.Storage.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	switch {
	case len(data) == 0:
		return "", "", fileError(ErrEmptyFile)
	case len(data) > maxBytes:
		return "", "", fileError(ErrFileTooLarge)
	}

	ext := strings.ToLower(filepath.Ext(name))
	want, ok := allowedTypes[ext]
	if !ok || http.DetectContentType(data) != want {
		return "", "", fileError(ErrUnsupportedFile)
	}
	return ext, want, nil
}

func (svc *service) Upload(ctx context.Context, np NewProof) (Proof, error) {
	if err := np.Validate(svc.Validate); err != nil {
		return Proof{}, err
	}
	ext, contentType, err := svc.checkFile(np.FileName, np.Data)
	if err != nil {
		return Proof{}, err
	}

	s, err := svc.StudentRepo.GetStudent(ctx, np.SchoolID, np.StudentID)
	if err != nil {
		if core.IsNotFound(err) {
			return Proof{}, ErrStudentNotFound
		}
		return Proof{}, errors.Wrap(err, "getting student")
	}
	if !s.HasGuardian(np.GuardianID) {
		return Proof{}, ErrStudentNotFound
	}
	g, err := svc.StudentRepo.GetGuardian(ctx, np.SchoolID, np.GuardianID)
	if err != nil {
		return Proof{}, errors.Wrap(err, "getting guardian")
	}

	data := np.Data
	if contentType != "application/pdf" && svc.Images != nil {
		if data, err = svc.Images.NormalizeImage(data); err != nil {
			return Proof{}, fileError(ErrUnsupportedFile)
		}
		ext, contentType = ".jpg", "image/jpeg"
	}

	now := NowFunc().UTC()
	key := fmt.Sprintf("proofs/%d/%s_%s%s", np.SchoolID, now.Format("20060102150405"), uuid.NewString()[:8], ext)
	if err = svc.Files.Put(ctx, key, data, contentType); err != nil {
		return Proof{}, errors.Wrap(err, "storing proof file")
	}

	hints := ExtractHints(np.Description + "\n" + strings.ReplaceAll(np.FileName, "_", " "))
	p, err := svc.Repo.CreateProof(ctx, Proof{
		SchoolID:      np.SchoolID,
		StudentID:     s.ID,
		GuardianID:    g.ID,
		GuardianName:  g.Name,
		GuardianEmail: g.Email,
		GuardianPhone: g.Phone,
		Description:   np.Description,
		FileKey:       key,
		FileName:      np.FileName,
		ContentType:   contentType,
		Size:          len(data),
		AmountHint:    hints.Amount,
		DateHint:      hints.Date,
		BankHint:      hints.Bank,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		if dErr := svc.Files.Delete(ctx, key); dErr != nil {
			svc.Logger.Warn(fmt.Sprintf("removing orphan proof file %s: %v", key, dErr))
		}
		return Proof{}, errors.Wrap(err, "creating proof")
	}
	return p, nil
}

func (svc *service) Get(ctx context.Context, schoolID, id int) (Proof, error) {
	return svc.Repo.GetProof(ctx, schoolID, id)
}

func (svc *service) Query(ctx context.Context, filter QueryFilter) ([]Proof, error) {
	return svc.Repo.QueryProofs(ctx, filter)
}

func (svc *service) File(ctx context.Context, schoolID, id int) (Proof, []byte, error) {
	p, err := svc.Repo.GetProof(ctx, schoolID, id)
	if err != nil {
		return Proof{}, nil, err
	}
	data, err := svc.Files.Get(ctx, p.FileKey)
	if err != nil {
		return Proof{}, nil, err
	}
	return p, data, nil
}

func canMove(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Review applies the reviewer's decision and, when asked, records the payment in the same transaction.
// The guardian is told about the new status once it is committed.
func (svc *service) Review(ctx context.Context, schoolID, id int, rv Review, reviewer string) (Proof, error) {
	if err := rv.Validate(svc.Validate); err != nil {
		return Proof{}, err
	}
	var p Proof
	err := svc.Tx.WithinTx(ctx, func(exec core.DBExecutor) error {
		var err error
		if p, err = svc.Repo.GetProof(ctx, schoolID, id, core.TxExec(exec)...); err != nil {
			return err
		}
		if !canMove(p.Status, rv.Status) {
			return core.NewValidationError(ErrInvalidTransition, core.FieldError{Field: "status", Error: ErrInvalidTransition.Error()})
		}

		now := NowFunc().UTC()
		if rv.RecordPayment {
			np := payment.NewPayment{
				SchoolID:   schoolID,
				StudentID:  p.StudentID,
				Amount:     rv.Amount,
				Method:     rv.Method,
				Reference:  rv.Reference,
				Year:       rv.Year,
				Term:       rv.Term,
				PaidAt:     now,
				RecordedBy: reviewer,
			}
			if np.Method == "" {
				np.Method = payment.MethodBank
			}
			if np.Reference == "" {
				np.Reference = fmt.Sprintf("PROOF-%d", p.ID)
			}
			if err = np.Validate(svc.Validate); err != nil {
				return err
			}
			res, err := svc.PaymentSvc.RecordTx(ctx, np, core.TxExec(exec)...)
			if err != nil {
				return errors.Wrap(err, "recording payment")
			}
			p.PaymentID = &res.Payment.ID
		}

		p.Status = rv.Status
		p.Reason = rv.Reason
		p.ReviewedBy = reviewer
		p.ReviewedAt = &now
		p.UpdatedAt = now
		p, err = svc.Repo.UpdateProof(ctx, p, core.TxExec(exec)...)
		return err
	})
	if err != nil {
		return Proof{}, err
	}

	svc.notify(ctx, p, rv)
	return p, nil
}

func (svc *service) notify(ctx context.Context, p Proof, rv Review) {
	if p.GuardianEmail == "" {
		return
	}
	currency := svc.Conf.Currency
	if sch, err := svc.SchoolSvc.Get(ctx, p.SchoolID); err == nil && sch.Currency != "" {
		currency = sch.Currency
	}
	amount := "an amount"
	switch {
	case rv.RecordPayment:
		amount = core.FormatMoney(currency, rv.Amount)
	case p.AmountHint.Valid:
		amount = core.FormatMoney(currency, p.AmountHint.Decimal)
	}
	studentName := "your student"
	if s, err := svc.StudentRepo.GetStudent(ctx, p.SchoolID, p.StudentID); err == nil {
		studentName = s.Name
	}

	label := StatusLabel(p.Status)
	svc.MailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: p.GuardianName, Address: p.GuardianEmail}},
		Subject:      fmt.Sprintf("Payment proof %s for %s", strings.ToLower(label), studentName),
		TemplateName: "proof_status",
		TemplateData: map[string]interface{}{
			"GuardianName": p.GuardianName,
			"StudentName":  studentName,
			"Amount":       amount,
			"Status":       label,
			"Reason":       p.Reason,
		},
	})
}
