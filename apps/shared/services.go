package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

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
	"github.com/trezcool/karo/services/docs"
	emailsvc "github.com/trezcool/karo/services/email"
	"github.com/trezcool/karo/services/filestore"
	"github.com/trezcool/karo/services/llm"
	"github.com/trezcool/karo/services/mpesa"
	"github.com/trezcool/karo/services/otpstore"
	"github.com/trezcool/karo/services/paypal"
	"github.com/trezcool/karo/services/whatsapp"
	"github.com/trezcool/karo/storage/database"
	sqlxrepos "github.com/trezcool/karo/storage/database/sqlx"
)

// Services is the application's service graph over a Postgres database.
type Services struct {
	MailSvc  core.EmailService
	Renderer *docs.Renderer
	Signer   *docsign.Signer
	UserRepo user.Repository
	closers  []func() error

	UserSvc      user.Service
	SchoolSvc    school.Service
	StudentSvc   student.Service
	TermSvc      term.Service
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

// NewServices wires the services over the SQL repositories. Unconfigured gateways stay off.
func NewServices(conf *core.Config, db *sqlx.DB, validate *validator.Validate, logger core.Logger) *Services {
	var mailSvc core.EmailService
	if conf.Debug || conf.SendgridAPIKey == "" {
		mailSvc = emailsvc.NewConsoleService(conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	tx := database.NewTransactor(db)
	userRepo := sqlxrepos.NewUserRepository(db)
	studentRepo := sqlxrepos.NewStudentRepository(db)
	billingRepo := sqlxrepos.NewBillingRepository(db)
	paymentRepo := sqlxrepos.NewPaymentRepository(db)
	ledgerRepo := sqlxrepos.NewLedgerRepository(db)

	signer := docsign.NewSigner(conf.SecretKey)
	d := &Services{
		MailSvc:  mailSvc,
		Renderer: docs.NewRenderer(conf.AppName, docs.WithSigner(signer)),
		Signer:   signer,
		UserRepo: userRepo,
	}
	d.UserSvc = user.NewService(userRepo, mailSvc, conf)
	d.TermSvc = term.NewService(sqlxrepos.NewTermRepository(db), tx)
	d.SchoolSvc = school.NewService(sqlxrepos.NewSchoolRepository(db), d.UserSvc, d.TermSvc, tx, conf)
	d.StudentSvc = student.NewService(studentRepo)
	d.LedgerSvc = ledger.NewService(ledgerRepo)
	d.CreditSvc = credit.NewService(credit.Deps{
		StudentRepo: studentRepo,
		LedgerRepo:  ledgerRepo,
		PaymentRepo: paymentRepo,
		BillingRepo: billingRepo,
		SchoolSvc:   d.SchoolSvc,
		TermSvc:     d.TermSvc,
		MailSvc:     mailSvc,
		Tx:          tx,
		Logger:      logger,
	})
	d.BillingSvc = billing.NewService(billingRepo, studentRepo, ledgerRepo, d.CreditSvc, tx)

	pd := payment.Deps{
		Repo:        paymentRepo,
		StudentRepo: studentRepo,
		LedgerRepo:  ledgerRepo,
		BillingRepo: billingRepo,
		SchoolSvc:   d.SchoolSvc,
		TermSvc:     d.TermSvc,
		Receipts:    d.Renderer,
		MailSvc:     mailSvc,
		Tx:          tx,
		Conf:        conf,
		Logger:      logger,
	}
	if c, err := mpesa.NewClient(conf.Mpesa, "", logger); err == nil {
		pd.Mpesa = c
	} else {
		logger.Warn(fmt.Sprintf("M-Pesa disabled: %v", err))
	}
	if c, err := paypal.NewClient(conf.PayPal, "", logger); err == nil {
		pd.PayPal = c
	} else {
		logger.Warn(fmt.Sprintf("PayPal disabled: %v", err))
	}
	d.PaymentSvc = payment.NewService(pd)

	d.ApprovalSvc = approval.NewService(approval.Deps{
		Repo:        sqlxrepos.NewApprovalRepository(db),
		StudentRepo: studentRepo,
		LedgerRepo:  ledgerRepo,
		BillingSvc:  d.BillingSvc,
		CreditSvc:   d.CreditSvc,
		MailSvc:     mailSvc,
		Tx:          tx,
		Conf:        conf,
	})

	var wa reminder.WhatsAppSender
	if c, err := whatsapp.NewClient(conf.WhatsApp, ""); err == nil {
		wa = c
	} else {
		logger.Warn(fmt.Sprintf("WhatsApp disabled: %v", err))
	}
	d.ReminderSvc = reminder.NewService(sqlxrepos.NewReminderRepository(db), studentRepo, d.SchoolSvc, mailSvc, wa, conf, logger)

	d.AnalyticsSvc = analytics.NewService(sqlxrepos.NewAnalyticsRepository(db), studentRepo, billingRepo, paymentRepo, d.SchoolSvc)
	d.AuditSvc = audit.NewService(sqlxrepos.NewAuditRepository(db), logger)

	var codes portal.CodeStore = otpstore.NewMemoryStore()
	if conf.Redis.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rs, err := otpstore.NewRedisStore(ctx, conf.Redis.URL)
		cancel()
		if err == nil {
			codes = rs
			d.closers = append(d.closers, rs.Close)
		} else {
			logger.Warn(fmt.Sprintf("redis unavailable, keeping login codes in memory: %v", err))
		}
	}
	d.PortalSvc = portal.NewService(codes, studentRepo, d.SchoolSvc, mailSvc, conf, logger)

	var completer assistant.Completer
	if c, err := llm.NewClient(conf.AI, logger); err == nil {
		completer = c
	} else {
		logger.Warn(fmt.Sprintf("LLM disabled, the assistant answers from templates: %v", err))
	}
	d.AssistantSvc = assistant.NewService(sqlxrepos.NewAssistantRepository(db), studentRepo, d.SchoolSvc, d.AnalyticsSvc, completer, logger)

	files, err := filestore.New(conf.Storage)
	if err != nil {
		logger.Error(fmt.Sprintf("proof storage unavailable, uploads are off: %v", err), err)
		files = filestore.Unavailable(err)
	}
	d.ProofSvc = proof.NewService(proof.Deps{
		Repo:        sqlxrepos.NewProofRepository(db),
		StudentRepo: studentRepo,
		PaymentSvc:  d.PaymentSvc,
		SchoolSvc:   d.SchoolSvc,
		Files:       files,
		Images:      docs.ImageNormalizer{},
		MailSvc:     mailSvc,
		Validate:    validate,
		Tx:          tx,
		Conf:        conf,
		Logger:      logger,
	})
	d.ReportSvc = report.NewService(report.Deps{
		StudentRepo: studentRepo,
		PaymentRepo: paymentRepo,
		SchoolSvc:   d.SchoolSvc,
		Renderer:    d.Renderer,
		MailSvc:     mailSvc,
		Logger:      logger,
	})
	return d
}

// Close releases the connections opened by NewServices.
func (d *Services) Close() {
	for _, c := range d.closers {
		_ = c()
	}
}
