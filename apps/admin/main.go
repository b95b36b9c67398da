package main

import (
	"log"
	"os"

	"github.com/trezcool/karo/apps/shared"
	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/user"
	appfs "github.com/trezcool/karo/fs"
	logsvc "github.com/trezcool/karo/services/logger"
	"github.com/trezcool/karo/storage/database"
)

func main() {
	conf := core.NewConfig()
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)

	// set up DB
	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal(err.Error(), err)
	}

	core.ParseEmailTemplates(appfs.FS, appfs.EmailTemplatesDir, logger, false)
	user.LoadCommonPasswords(appfs.FS, logger)
	validate, _ := shared.NewValidation()
	svcs := shared.NewServices(conf, db, validate, logger)

	// start CLI
	cli := commandLine{
		db:          db.DB,
		out:         os.Stdout,
		validate:    validate,
		usrRepo:     svcs.UserRepo,
		usrSvc:      svcs.UserSvc,
		schoolSvc:   svcs.SchoolSvc,
		studentSvc:  svcs.StudentSvc,
		billingSvc:  svcs.BillingSvc,
		reminderSvc: svcs.ReminderSvc,
	}
	err = cli.run(os.Args)

	svcs.Close()
	_ = db.Close()
	logger.Close()
	if err != nil {
		if err != errHelp {
			log.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}
