package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // register the /debug/pprof handlers
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	echoapi "github.com/trezcool/karo/apps/api/echo"
	"github.com/trezcool/karo/apps/shared"
	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/user"
	appfs "github.com/trezcool/karo/fs"
	logsvc "github.com/trezcool/karo/services/logger"
	"github.com/trezcool/karo/services/metrics"
	"github.com/trezcool/karo/services/scheduler"
	"github.com/trezcool/karo/storage/database"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	defer logger.Close()

	dbLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)

	jobsLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "JOBS : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)

	// set up DB
	db, err := setUpDB(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			dbLogger.Fatal("Failed to close", err)
		}
	}()

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate, translator := shared.NewValidation()

	core.ParseEmailTemplates(appfs.FS, appfs.EmailTemplatesDir, logger, !conf.Debug)

	user.LoadCommonPasswords(appfs.FS, logger)

	deps := shared.NewServices(conf, db, validate, logger)
	defer deps.Close()

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.
	// /metrics - Prometheus metrics.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	http.Handle("/metrics", metrics.Handler())

	go func() {
		if err = http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start Scheduler

	sched, err := scheduler.New(jobsLogger, time.Local, scheduler.DefaultJobs(conf, deps.ReminderSvc, deps.TermSvc, deps.ApprovalSvc, deps.ReportSvc)...)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up scheduler: %v", err), err)
	}
	sched.Start()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:       conf,
			Logger:     logger,
			Validate:   validate,
			Translator: translator,

			UserSvc:      deps.UserSvc,
			SchoolSvc:    deps.SchoolSvc,
			StudentSvc:   deps.StudentSvc,
			TermSvc:      deps.TermSvc,
			BillingSvc:   deps.BillingSvc,
			PaymentSvc:   deps.PaymentSvc,
			LedgerSvc:    deps.LedgerSvc,
			CreditSvc:    deps.CreditSvc,
			ReminderSvc:  deps.ReminderSvc,
			ApprovalSvc:  deps.ApprovalSvc,
			AnalyticsSvc: deps.AnalyticsSvc,
			AuditSvc:     deps.AuditSvc,
			PortalSvc:    deps.PortalSvc,
			AssistantSvc: deps.AssistantSvc,
			ProofSvc:     deps.ProofSvc,
			ReportSvc:    deps.ReportSvc,
			Invoices:     deps.Renderer,
			Documents:    deps.Signer,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests and running jobs a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		if err = sched.Stop(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop scheduler gracefully: %v", err), err)
		}

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

func setUpDB(conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db.DB); err != nil {
		return nil, err
	}
	return db, nil
}
