package portal

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"net/mail"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
)

var (
	// errors
	ErrCodeNotFound    = errors.New("login code not found or expired")
	ErrInvalidCode     = errors.New("invalid or expired code")
	ErrTooManyAttempts = errors.New("too many attempts; request a new code")
	ErrStudentNotFound = core.NewNotFoundError("student")
)

type (
	// CodeStore keeps short-lived login codes with an attempts counter.
	CodeStore interface {
		// Set stores `code` under `key` for `ttl`, resetting its attempts.
		Set(ctx context.Context, key, code string, ttl time.Duration) error
		// Get returns ErrCodeNotFound when nothing is stored under `key`.
		Get(ctx context.Context, key string) (string, error)
		// IncrAttempts bumps and returns the attempts counter of `key`.
		IncrAttempts(ctx context.Context, key string) (int, error)
		Delete(ctx context.Context, key string) error
	}

	Service interface {
		// RequestCode emails a login code to the guardian of the `schoolSlug` school and returns the masked email.
		// Unknown schools and emails get the same answer without any email sent.
		RequestCode(ctx context.Context, schoolSlug, email string) (string, error)
		VerifyCode(ctx context.Context, schoolSlug, email, code string) (Identity, error)
		Students(ctx context.Context, id Identity) ([]student.Student, error)
		// Student returns one of the guardian's students, or ErrStudentNotFound.
		Student(ctx context.Context, id Identity, studentID int) (student.Student, error)
	}

	service struct {
		store       CodeStore
		studentRepo student.Repository
		schoolSvc   school.Service
		mailSvc     core.EmailService
		conf        *core.Config
		logger      core.Logger
	}
)

var _ Service = (*service)(nil)

func NewService(
	store CodeStore,
	studentRepo student.Repository,
	schoolSvc school.Service,
	mailSvc core.EmailService,
	conf *core.Config,
	logger core.Logger,
) Service {
	return &service{
		store:       store,
		studentRepo: studentRepo,
		schoolSvc:   schoolSvc,
		mailSvc:     mailSvc,
		conf:        conf,
		logger:      logger,
	}
}

func codeKey(schoolID int, email string) string {
	return fmt.Sprintf("portal:otp:%d:%s", schoolID, core.CleanString(email, true /* lower */))
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// guardian finds the guardian with `email` within the `schoolSlug` school only.
func (svc *service) guardian(ctx context.Context, schoolSlug, email string) (school.School, student.Guardian, error) {
	sch, err := svc.schoolSvc.GetBySlug(ctx, schoolSlug)
	if err != nil {
		return school.School{}, student.Guardian{}, errors.Wrap(err, "finding school by slug")
	}
	g, err := svc.studentRepo.GetGuardianByEmail(ctx, sch.ID, email)
	if err != nil {
		return school.School{}, student.Guardian{}, errors.Wrap(err, "finding guardian by email")
	}
	return sch, g, nil
}

func (svc *service) RequestCode(ctx context.Context, schoolSlug, email string) (string, error) {
	email = core.CleanString(email, true /* lower */)
	masked := core.MaskEmail(email)

	sch, g, err := svc.guardian(ctx, schoolSlug, email)
	if err != nil {
		if core.IsNotFound(err) {
			return masked, nil
		}
		return "", err
	}

	code, err := generateCode()
	if err != nil {
		return "", errors.Wrap(err, "generating code")
	}
	if err = svc.store.Set(ctx, codeKey(sch.ID, email), code, svc.conf.OTP.TTL); err != nil {
		return "", errors.Wrap(err, "storing code")
	}

	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: g.Name, Address: g.Email}},
		Subject:      fmt.Sprintf("%s parent portal login code", sch.Name),
		TemplateName: "portal_otp",
		TemplateData: map[string]interface{}{
			"Name":       g.Name,
			"SchoolName": sch.Name,
			"Code":       code,
			"Minutes":    int(svc.conf.OTP.TTL.Minutes()),
		},
	})
	return masked, nil
}

func (svc *service) VerifyCode(ctx context.Context, schoolSlug, email, code string) (Identity, error) {
	email = core.CleanString(email, true /* lower */)
	invalid := core.NewValidationError(ErrInvalidCode, core.FieldError{Field: "code", Error: ErrInvalidCode.Error()})

	sch, err := svc.schoolSvc.GetBySlug(ctx, schoolSlug)
	if err != nil {
		if core.IsNotFound(err) {
			return Identity{}, invalid
		}
		return Identity{}, errors.Wrap(err, "finding school by slug")
	}
	key := codeKey(sch.ID, email)

	stored, err := svc.store.Get(ctx, key)
	if err != nil {
		if errors.Cause(err) == ErrCodeNotFound {
			return Identity{}, invalid
		}
		return Identity{}, errors.Wrap(err, "getting code")
	}

	attempts, err := svc.store.IncrAttempts(ctx, key)
	if err != nil {
		return Identity{}, errors.Wrap(err, "counting attempts")
	}
	if attempts > svc.conf.OTP.MaxAttempts {
		if err = svc.store.Delete(ctx, key); err != nil {
			svc.logger.Warn(fmt.Sprintf("portal.VerifyCode: deleting code: %v", err))
		}
		return Identity{}, core.NewValidationError(ErrTooManyAttempts, core.FieldError{Field: "code", Error: ErrTooManyAttempts.Error()})
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		return Identity{}, invalid
	}

	if err = svc.store.Delete(ctx, key); err != nil {
		return Identity{}, errors.Wrap(err, "consuming code")
	}
	g, err := svc.studentRepo.GetGuardianByEmail(ctx, sch.ID, email)
	if err != nil {
		if core.IsNotFound(err) {
			return Identity{}, invalid
		}
		return Identity{}, errors.Wrap(err, "finding guardian by email")
	}
	return Identity{GuardianID: g.ID, SchoolID: sch.ID, Name: g.Name, Email: g.Email}, nil
}

func (svc *service) Students(ctx context.Context, id Identity) ([]student.Student, error) {
	return svc.studentRepo.QueryStudents(ctx, &student.QueryFilter{
		SchoolID:   id.SchoolID,
		GuardianID: id.GuardianID,
	}, []core.DBOrdering{{Field: "name", Ascending: true}})
}

func (svc *service) Student(ctx context.Context, id Identity, studentID int) (student.Student, error) {
	s, err := svc.studentRepo.GetStudent(ctx, id.SchoolID, studentID)
	if err != nil {
		if core.IsNotFound(err) {
			return student.Student{}, ErrStudentNotFound
		}
		return student.Student{}, err
	}
	if !s.HasGuardian(id.GuardianID) {
		return student.Student{}, ErrStudentNotFound
	}
	return s, nil
}
