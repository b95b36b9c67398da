package echoapi

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/analytics"
	"github.com/trezcool/karo/core/approval"
	"github.com/trezcool/karo/core/assistant"
	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/billing"
	"github.com/trezcool/karo/core/credit"
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
	"github.com/trezcool/karo/services/metrics"
)

type (
	// InvoiceRenderer renders invoice PDFs.
	InvoiceRenderer interface {
		InvoicePDF(doc docs.InvoiceDoc) ([]byte, error)
	}

	ServerDeps struct {
		Conf           *core.Config
		Logger         core.Logger
		Validate       *validator.Validate
		Translator     ut.Translator
		DisableReqLogs bool

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
		Invoices     InvoiceRenderer
		Documents    DocumentVerifier
	}

	Server interface {
		http.Handler
		Start()
		Shutdown(context.Context) error
		Close() error
		Errors() <-chan error
		ShutdownSignal() <-chan os.Signal
		Auth() *Auth
	}

	server struct {
		ServerDeps
		app      *echo.Echo
		auth     *Auth
		limiter  *ipRateLimiter
		done     chan struct{}
		errors   chan error
		shutdown chan os.Signal
	}
)

var _ Server = (*server)(nil)

func NewServer(deps ServerDeps) Server {
	if deps.Logger == nil {
		deps.Logger = core.NopLogger{}
	}
	s := &server{
		ServerDeps: deps,
		app:        echo.New(),
		auth:       NewAuth(deps.Conf),
		limiter:    newIPRateLimiter(deps.Conf.Server.RateLimitRPS, deps.Conf.Server.RateLimitBurst),
		done:       make(chan struct{}),
		errors:     make(chan error, 1),
		shutdown:   make(chan os.Signal, 1),
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s
}

func (s *server) setup() {
	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	s.app.Use(metrics.EchoMiddleware())
	if !s.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(s.Conf.Debug || s.Conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.Logger, s.Translator, s.signalShutdown)
	s.app.Debug = s.Conf.Debug && !s.Conf.TestMode

	s.app.GET("/", s.home)

	v1 := s.app.Group("/v1")
	jwt := s.auth.Middleware()
	staff := []echo.MiddlewareFunc{jwt, staffMiddleware()}
	limited := s.limiter.Middleware()
	b := base{validate: s.Validate, audit: s.AuditSvc}

	registerUserAPI(v1, b, s.auth, limited, staff, s.UserSvc)
	registerSchoolAPI(v1, b, s.auth, limited, staff, s.SchoolSvc, s.UserSvc, s.PaymentSvc)
	registerStudentAPI(v1, b, staff, s.StudentSvc)
	registerTermAPI(v1, b, staff, s.TermSvc)
	registerBillingAPI(v1, b, staff, billingDeps{
		svc:      s.BillingSvc,
		students: s.StudentSvc,
		schools:  s.SchoolSvc,
		renderer: s.Invoices,
	})
	registerPaymentAPI(v1, b, staff, s.PaymentSvc)
	registerCreditAPI(v1, b, staff, s.CreditSvc, s.LedgerSvc)
	registerReminderAPI(v1, b, staff, s.ReminderSvc)
	registerApprovalAPI(v1, b, staff, s.ApprovalSvc)
	registerAnalyticsAPI(v1, b, staff, s.AnalyticsSvc, s.Conf)
	registerAuditAPI(v1, b, staff, s.AuditSvc)
	registerAssistantAPI(v1, b, staff, s.AssistantSvc)
	registerProofAPI(v1, b, staff, s.ProofSvc)
	registerReportAPI(v1, b, staff, s.ReportSvc)
	registerDocumentAPI(v1, b, limited, s.Documents)
	registerPortalAPI(v1, b, s.auth, limited, jwt, portalDeps{
		svc:            s.PortalSvc,
		ledger:         s.LedgerSvc,
		payments:       s.PaymentSvc,
		proofs:         s.ProofSvc,
		maxUploadBytes: s.Conf.Storage.MaxUploadBytes,
	})
}

func (s *server) Start() {
	s.Logger.Info(fmt.Sprintf("API listening on %s", s.Conf.Server.Address))
	go s.limiter.run(s.done)
	if err := s.app.Start(s.Conf.Server.Address); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *server) Shutdown(ctx context.Context) error {
	s.stopBackground()
	return s.app.Shutdown(ctx)
}

func (s *server) Close() error {
	s.stopBackground()
	return s.app.Close()
}

func (s *server) stopBackground() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	signal.Stop(s.shutdown)
}

func (s *server) Errors() <-chan error {
	return s.errors
}

func (s *server) ShutdownSignal() <-chan os.Signal {
	return s.shutdown
}

func (s *server) Auth() *Auth {
	return s.auth
}

func (s *server) signalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default:
	}
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *server) home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, fmt.Sprintf("Welcome to %s API!", s.Conf.AppName))
}

// base holds what every API needs.
type base struct {
	validate *validator.Validate
	audit    audit.Service
}

// record writes an audit entry for a mutation made by the caller.
func (b base) record(ctx echo.Context, action, entity string, entityID interface{}, detail string) {
	if b.audit == nil {
		return
	}
	claims, _ := getContextClaims(ctx)
	b.audit.Log(ctx.Request().Context(), audit.Entry{
		SchoolID: claims.SchoolID,
		Actor:    claims.Actor(),
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprint(entityID),
		Detail:   detail,
		IP:       ctx.RealIP(),
	})
}
