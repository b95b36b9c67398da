// Package testutil wires the services on top of the in-memory database for tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/analytics"
	"github.com/trezcool/karo/core/approval"
	"github.com/trezcool/karo/core/assistant"
	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/billing"
	"github.com/trezcool/karo/core/credit"
	"github.com/trezcool/karo/core/docsign"
	"github.com/trezcool/karo/core/ledger"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/portal"
	"github.com/trezcool/karo/core/proof"
	"github.com/trezcool/karo/core/reminder"
	"github.com/trezcool/karo/core/report"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
	"github.com/trezcool/karo/core/term"
	"github.com/trezcool/karo/core/user"
	appfs "github.com/trezcool/karo/fs"
	"github.com/trezcool/karo/services/docs"
	emailsvc "github.com/trezcool/karo/services/email"
	"github.com/trezcool/karo/services/filestore"
	"github.com/trezcool/karo/services/mpesa"
	"github.com/trezcool/karo/services/otpstore"
	"github.com/trezcool/karo/storage/database/memdb"
)

var loadAssets sync.Once

// Env is a fully wired set of services over a fresh in-memory database.
type Env struct {
	Conf       *core.Config
	Validate   *validator.Validate
	Translator ut.Translator
	Renderer   *docs.Renderer
	Signer     *docsign.Signer
	Files      *filestore.Local

	Mpesa    *FakeMpesa
	PayPal   *FakePayPal
	WhatsApp *FakeWhatsApp
	LLM      *FakeLLM
	Codes    *otpstore.MemoryStore
	Tx       core.Transactor

	UserRepo      user.Repository
	SchoolRepo    school.Repository
	TermRepo      term.Repository
	StudentRepo   student.Repository
	BillingRepo   billing.Repository
	PaymentRepo   payment.Repository
	LedgerRepo    ledger.Repository
	ReminderRepo  reminder.Repository
	ApprovalRepo  approval.Repository
	AnalyticsRepo analytics.Repository
	AuditRepo     audit.Repository
	AssistantRepo assistant.Repository
	ProofRepo     proof.Repository

	UserSvc      user.Service
	SchoolSvc    school.Service
	TermSvc      term.Service
	StudentSvc   student.Service
	BillingSvc   billing.Service
	PaymentSvc   payment.Service
	LedgerSvc    ledger.Service
	CreditSvc    credit.Service
	ReminderSvc  reminder.Service
	ApprovalSvc  approval.Service
	AnalyticsSvc analytics.Service
	AuditSvc     audit.Service
	PortalSvc    portal.Service
	AssistantSvc assistant.Service
	ProofSvc     proof.Service
	ReportSvc    report.Service
}

// NewEnv returns an Env with every gateway faked and the captured emails reset.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	loadAssets.Do(func() {
		core.ParseEmailTemplates(appfs.FS, appfs.EmailTemplatesDir, core.NopLogger{}, false)
		user.LoadCommonPasswords(appfs.FS, core.NopLogger{})
	})
	emailsvc.ResetSentMessages()

	conf := core.NewTestConfig()
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	payment.InitValidators(validate, translator)

	db := memdb.Open()
	tx := memdb.NewTransactor(db)
	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	logger := core.NopLogger{}
	signer := docsign.NewSigner(conf.SecretKey)
	files, err := filestore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewEnv() failed: %v", err)
	}

	env := &Env{
		Conf:       conf,
		Validate:   validate,
		Translator: translator,
		Renderer:   docs.NewRenderer(conf.AppName, docs.WithSigner(signer)),
		Signer:     signer,
		Files:      files,
		Mpesa:      &FakeMpesa{},
		PayPal:     &FakePayPal{Status: "COMPLETED"},
		WhatsApp:   &FakeWhatsApp{},
		LLM:        &FakeLLM{},
		Codes:      otpstore.NewMemoryStore(),
		Tx:         tx,

		UserRepo:      memdb.NewUserRepository(db),
		SchoolRepo:    memdb.NewSchoolRepository(db),
		TermRepo:      memdb.NewTermRepository(db),
		StudentRepo:   memdb.NewStudentRepository(db),
		BillingRepo:   memdb.NewBillingRepository(db),
		PaymentRepo:   memdb.NewPaymentRepository(db),
		LedgerRepo:    memdb.NewLedgerRepository(db),
		ReminderRepo:  memdb.NewReminderRepository(db),
		ApprovalRepo:  memdb.NewApprovalRepository(db),
		AnalyticsRepo: memdb.NewAnalyticsRepository(db),
		AuditRepo:     memdb.NewAuditRepository(db),
		AssistantRepo: memdb.NewAssistantRepository(db),
		ProofRepo:     memdb.NewProofRepository(db),
	}

	env.UserSvc = user.NewServiceMock(env.UserRepo, mailSvc, conf)
	env.TermSvc = term.NewService(env.TermRepo, tx)
	env.SchoolSvc = school.NewService(env.SchoolRepo, env.UserSvc, env.TermSvc, tx, conf)
	env.StudentSvc = student.NewService(env.StudentRepo)
	env.LedgerSvc = ledger.NewService(env.LedgerRepo)
	env.CreditSvc = credit.NewService(credit.Deps{
		StudentRepo: env.StudentRepo,
		LedgerRepo:  env.LedgerRepo,
		PaymentRepo: env.PaymentRepo,
		BillingRepo: env.BillingRepo,
		SchoolSvc:   env.SchoolSvc,
		TermSvc:     env.TermSvc,
		MailSvc:     mailSvc,
		Tx:          tx,
		Logger:      logger,
	})
	env.BillingSvc = billing.NewService(env.BillingRepo, env.StudentRepo, env.LedgerRepo, env.CreditSvc, tx)
	env.PaymentSvc = payment.NewService(payment.Deps{
		Repo:        env.PaymentRepo,
		StudentRepo: env.StudentRepo,
		LedgerRepo:  env.LedgerRepo,
		BillingRepo: env.BillingRepo,
		SchoolSvc:   env.SchoolSvc,
		TermSvc:     env.TermSvc,
		Mpesa:       env.Mpesa,
		PayPal:      env.PayPal,
		Receipts:    env.Renderer,
		MailSvc:     mailSvc,
		Tx:          tx,
		Conf:        conf,
		Logger:      logger,
	})
	env.ApprovalSvc = approval.NewService(approval.Deps{
		Repo:        env.ApprovalRepo,
		StudentRepo: env.StudentRepo,
		LedgerRepo:  env.LedgerRepo,
		BillingSvc:  env.BillingSvc,
		CreditSvc:   env.CreditSvc,
		MailSvc:     mailSvc,
		Tx:          tx,
		Conf:        conf,
	})
	env.ReminderSvc = reminder.NewService(env.ReminderRepo, env.StudentRepo, env.SchoolSvc, mailSvc, env.WhatsApp, conf, logger)
	env.AnalyticsSvc = analytics.NewService(env.AnalyticsRepo, env.StudentRepo, env.BillingRepo, env.PaymentRepo, env.SchoolSvc)
	env.AuditSvc = audit.NewService(env.AuditRepo, logger)
	env.PortalSvc = portal.NewService(env.Codes, env.StudentRepo, env.SchoolSvc, mailSvc, conf, logger)
	env.AssistantSvc = assistant.NewService(env.AssistantRepo, env.StudentRepo, env.SchoolSvc, env.AnalyticsSvc, env.LLM, logger)
	env.ProofSvc = proof.NewService(proof.Deps{
		Repo:        env.ProofRepo,
		StudentRepo: env.StudentRepo,
		PaymentSvc:  env.PaymentSvc,
		SchoolSvc:   env.SchoolSvc,
		Files:       files,
		Images:      docs.ImageNormalizer{},
		MailSvc:     mailSvc,
		Validate:    validate,
		Tx:          tx,
		Conf:        conf,
		Logger:      logger,
	})
	env.ReportSvc = report.NewService(report.Deps{
		StudentRepo: env.StudentRepo,
		PaymentRepo: env.PaymentRepo,
		SchoolSvc:   env.SchoolSvc,
		Renderer:    env.Renderer,
		MailSvc:     mailSvc,
		Logger:      logger,
	})
	return env
}

// CreateSchool signs a school up on the free plan, with an owner whose password is `pwd`.
func (env *Env) CreateSchool(t *testing.T, name, slug, pwd string) (school.School, user.User) {
	t.Helper()
	sch, owner, err := env.SchoolSvc.Create(context.Background(), school.NewSchool{
		Name:  name,
		Slug:  slug,
		Email: "info@" + slug + ".ac.ke",
		Owner: user.NewUser{
			Name:            name + " Owner",
			Username:        "owner_" + slug,
			Email:           "owner@" + slug + ".ac.ke",
			Password:        pwd,
			PasswordConfirm: pwd,
			Roles:           []string{user.RoleAdminOwner},
		},
	})
	if err != nil {
		t.Fatalf("CreateSchool() failed: %v", err)
	}
	return sch, owner
}

// MakePro switches a school to the pro plan.
func (env *Env) MakePro(t *testing.T, schoolID int) {
	t.Helper()
	ref := fmt.Sprintf("PRO%07d", schoolID)
	if _, err := env.SchoolSvc.ActivatePro(context.Background(), schoolID, ref, decimal.NewFromInt(int64(env.Conf.Mpesa.ProPriceKES))); err != nil {
		t.Fatalf("MakePro() failed: %v", err)
	}
}

func CreateUser(
	t *testing.T,
	repo user.Repository,
	schoolID int,
	name, uname, email, pwd string,
	roles []string,
	isActive bool,
	createdAt ...time.Time,
) user.User {
	t.Helper()
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	usr := user.User{
		SchoolID:  schoolID,
		Name:      name,
		Username:  uname,
		Email:     email,
		Roles:     roles,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	usr.SetActive(isActive)
	if pwd != "" {
		if err := usr.SetPassword(pwd); err != nil {
			t.Fatalf("CreateUser() failed: %v", err)
		}
	}
	usr, err := repo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}

func CreateGuardian(t *testing.T, repo student.Repository, schoolID int, name, email, phone string) student.Guardian {
	t.Helper()
	now := time.Now().UTC()
	g, err := repo.CreateGuardian(context.Background(), student.Guardian{
		SchoolID:     schoolID,
		Name:         name,
		Email:        email,
		Phone:        phone,
		Relationship: "parent",
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatalf("CreateGuardian() failed: %v", err)
	}
	return g
}

// CreateStudent stores an active student holding the given balance and credit.
// guardianID 0 leaves the student without a guardian.
func CreateStudent(
	t *testing.T,
	repo student.Repository,
	schoolID, guardianID int,
	name, admissionNo, className string,
	balance, credit int64,
) student.Student {
	t.Helper()
	now := time.Now().UTC()
	s := student.Student{
		SchoolID:    schoolID,
		Name:        name,
		AdmissionNo: admissionNo,
		ClassName:   className,
		Balance:     decimal.NewFromInt(balance),
		Credit:      decimal.NewFromInt(credit),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if guardianID != 0 {
		s.GuardianID = &guardianID
	}
	s, err := repo.CreateStudent(context.Background(), s)
	if err != nil {
		t.Fatalf("CreateStudent() failed: %v", err)
	}
	return s
}

// GetStudent reloads a student, failing the test if it is gone.
func GetStudent(t *testing.T, repo student.Repository, schoolID, id int) student.Student {
	t.Helper()
	s, err := repo.GetStudent(context.Background(), schoolID, id)
	if err != nil {
		t.Fatalf("GetStudent() failed: %v", err)
	}
	return s
}

// LastEmailData returns the template data of the latest captured email rendered from `tmpl`.
func LastEmailData(t *testing.T, tmpl string) map[string]interface{} {
	t.Helper()
	msgs := emailsvc.LastSentMessages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].TemplateName != tmpl {
			continue
		}
		if data, ok := msgs[i].TemplateData.(map[string]interface{}); ok {
			return data
		}
	}
	t.Fatalf("no %q email was sent", tmpl)
	return nil
}

// IsValidationError reports whether err wraps a *core.ValidationError.
func IsValidationError(err error) bool {
	_, ok := errors.Cause(err).(*core.ValidationError)
	return ok
}

// Dec parses a decimal literal, panicking on bad input.
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// FakeMpesa records STK pushes and parses callbacks like Daraja does.
type FakeMpesa struct {
	mu       sync.Mutex
	n        int
	Requests []payment.STKRequest
	Err      error
}

func (f *FakeMpesa) STKPush(_ context.Context, req payment.STKRequest) (payment.STKResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return payment.STKResponse{}, f.Err
	}
	f.n++
	f.Requests = append(f.Requests, req)
	return payment.STKResponse{
		MerchantRequestID:   fmt.Sprintf("MR-%d", f.n),
		CheckoutRequestID:   fmt.Sprintf("ws_CO_%d", f.n),
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}, nil
}

func (f *FakeMpesa) ParseCallback(body []byte) (payment.STKCallback, error) {
	return mpesa.ParseCallback(body)
}

// FakePayPal answers orders with sequential IDs and captures them with Status.
type FakePayPal struct {
	mu       sync.Mutex
	n        int
	Status   string
	Created  []decimal.Decimal
	Captured []string
}

func (f *FakePayPal) CreateOrder(_ context.Context, amount decimal.Decimal, _, reference string) (payment.PayPalCreated, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	f.Created = append(f.Created, amount)
	id := fmt.Sprintf("PP-%d", f.n)
	return payment.PayPalCreated{OrderID: id, ApproveURL: "https://www.sandbox.paypal.com/checkoutnow?token=" + id}, nil
}

func (f *FakePayPal) CaptureOrder(_ context.Context, orderID string) (payment.PayPalCapture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Captured = append(f.Captured, orderID)
	return payment.PayPalCapture{CaptureID: "CAP-" + orderID, Status: f.Status}, nil
}

// FakeWhatsApp records the texts it is asked to deliver.
type FakeWhatsApp struct {
	mu   sync.Mutex
	Sent map[string]string // {to: body}
	Err  error
}

func (f *FakeWhatsApp) SendText(_ context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if f.Sent == nil {
		f.Sent = make(map[string]string)
	}
	f.Sent[to] = body
	return nil
}

// FakeLLM replies with the queued answers in order, then with Err (if any) or an empty string.
type FakeLLM struct {
	mu      sync.Mutex
	Replies []string
	Err     error
	Calls   [][]assistant.ChatMessage
}

func (f *FakeLLM) Complete(_ context.Context, messages []assistant.ChatMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, messages)
	if len(f.Replies) > 0 {
		r := f.Replies[0]
		f.Replies = f.Replies[1:]
		return r, nil
	}
	return "", f.Err
}
