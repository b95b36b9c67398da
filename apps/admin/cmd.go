package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/go-playground/validator/v10"
	"golang.org/x/term"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/billing"
	"github.com/trezcool/karo/core/reminder"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
	"github.com/trezcool/karo/core/user"
)

const cliActor = "admin-cli"

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	db          *sql.DB
	out         io.Writer
	validate    *validator.Validate
	usrRepo     user.Repository
	usrSvc      user.Service
	schoolSvc   school.Service
	studentSvc  student.Service
	billingSvc  billing.Service
	reminderSvc reminder.Service
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a goose migration command (up, down, status, version, ...)")
	fmt.Fprintln(cli.out, "  createschool -name NAME -email EMAIL -owner-name NAME -owner-username USERNAME - create a school and its owner")
	fmt.Fprintln(cli.out, "  adduser -school ID -username USERNAME -email EMAIL [-admin] - create or update a staff user")
	fmt.Fprintln(cli.out, "  resetpassword -username USERNAME|EMAIL - reset user's password")
	fmt.Fprintln(cli.out, "  importstudents -school ID -file FILE.xlsx - import students from a spreadsheet")
	fmt.Fprintln(cli.out, "  generateinvoices -school ID -year YEAR -term TERM [-class CLASS] - (re)generate term invoices")
	fmt.Fprintln(cli.out, "  sendreminders [-school ID] [-dry-run] - send fee reminders, every opted-in school when -school is omitted")
}

// promptPassword reads a password without echo; empty input is a usage error.
func (cli *commandLine) promptPassword(fs *flag.FlagSet) (string, error) {
	fmt.Fprint(cli.out, "Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	if err != nil {
		return "", err
	}
	if len(pwd) == 0 {
		fs.Usage()
		return "", errHelp
	}
	return string(pwd), nil
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return errHelp
		}
		return err
	}
	return nil
}

func (cli *commandLine) run(args []string) error {
	return describeErr(cli.runCommand(args))
}

// describeErr flattens validation errors into "field: error" pairs.
func describeErr(err error) error {
	var vErr *core.ValidationError
	if !errors.As(err, &vErr) || len(vErr.Fields) == 0 {
		return err
	}
	msgs := make([]string, 0, len(vErr.Fields))
	for _, f := range vErr.Fields {
		msgs = append(msgs, f.Field+": "+f.Error)
	}
	return errors.New(strings.Join(msgs, "; "))
}

func (cli *commandLine) runCommand(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	createSchoolCmd := flag.NewFlagSet("createschool", flag.ContinueOnError)
	createSchoolName := createSchoolCmd.String("name", "", "The school's name.")
	createSchoolSlug := createSchoolCmd.String("slug", "", "The school's slug. Derived from the name when omitted.")
	createSchoolEmail := createSchoolCmd.String("email", "", "The school's contact email.")
	createSchoolPhone := createSchoolCmd.String("phone", "", "The school's contact phone.")
	createSchoolOwnerName := createSchoolCmd.String("owner-name", "", "The owner's full name.")
	createSchoolOwnerUname := createSchoolCmd.String("owner-username", "", "The owner's username. The password will be prompted next.")
	createSchoolOwnerEmail := createSchoolCmd.String("owner-email", "", "The owner's email.")

	addUserCmd := flag.NewFlagSet("adduser", flag.ContinueOnError)
	addUserSchool := addUserCmd.Int("school", 0, "The school's ID.")
	addUserName := addUserCmd.String("name", "", "The user's full name.")
	addUserUname := addUserCmd.String("username", "", "The user's username. The password will be prompted next.")
	addUserEmail := addUserCmd.String("email", "", "The user's email.")
	addUserAdmin := addUserCmd.Bool("admin", false, "Grant every role.")

	resetPasswordCmd := flag.NewFlagSet("resetpassword", flag.ContinueOnError)
	resetPasswordUname := resetPasswordCmd.String("username", "", "The user's username or email. The password will be prompted next.")

	importCmd := flag.NewFlagSet("importstudents", flag.ContinueOnError)
	importSchool := importCmd.Int("school", 0, "The school's ID.")
	importFile := importCmd.String("file", "", "The .xlsx file to import.")

	generateCmd := flag.NewFlagSet("generateinvoices", flag.ContinueOnError)
	generateSchool := generateCmd.Int("school", 0, "The school's ID.")
	generateYear := generateCmd.Int("year", 0, "The academic year.")
	generateTerm := generateCmd.Int("term", 0, "The term (1-3).")
	generateClass := generateCmd.String("class", "", "Only invoice this class.")
	generateDue := generateCmd.String("due", "", "The due date, YYYY-MM-DD.")

	remindCmd := flag.NewFlagSet("sendreminders", flag.ContinueOnError)
	remindSchool := remindCmd.Int("school", 0, "The school's ID. Every school with automatic reminders when omitted.")
	remindClass := remindCmd.String("class", "", "Only remind guardians of this class.")
	remindChannels := remindCmd.String("channels", "", "Comma separated channels (email, whatsapp). The school's settings when omitted.")
	remindDryRun := remindCmd.Bool("dry-run", false, "Render the messages without sending them.")

	for _, fs := range []*flag.FlagSet{createSchoolCmd, addUserCmd, resetPasswordCmd, importCmd, generateCmd, remindCmd} {
		fs.SetOutput(cli.out)
	}

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			fmt.Fprintln(cli.out, "Usage: migrate COMMAND [ARGS]")
			return errHelp
		}
		return cli.migrate(args[2:])

	case "createschool":
		if err := parse(createSchoolCmd, args[2:]); err != nil {
			return err
		}
		if *createSchoolName == "" || *createSchoolOwnerUname == "" {
			createSchoolCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword(createSchoolCmd)
		if err != nil {
			return err
		}
		return cli.createSchool(school.NewSchool{
			Name:  *createSchoolName,
			Slug:  *createSchoolSlug,
			Email: *createSchoolEmail,
			Phone: *createSchoolPhone,
			Owner: user.NewUser{
				Name:            *createSchoolOwnerName,
				Username:        *createSchoolOwnerUname,
				Email:           *createSchoolOwnerEmail,
				Password:        pwd,
				PasswordConfirm: pwd,
			},
		})

	case "adduser":
		if err := parse(addUserCmd, args[2:]); err != nil {
			return err
		}
		if *addUserSchool == 0 || *addUserUname == "" {
			addUserCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword(addUserCmd)
		if err != nil {
			return err
		}
		return cli.addUser(*addUserSchool, *addUserName, *addUserUname, *addUserEmail, pwd, *addUserAdmin)

	case "resetpassword":
		if err := parse(resetPasswordCmd, args[2:]); err != nil {
			return err
		}
		if *resetPasswordUname == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword(resetPasswordCmd)
		if err != nil {
			return err
		}
		return cli.resetPassword(*resetPasswordUname, pwd)

	case "importstudents":
		if err := parse(importCmd, args[2:]); err != nil {
			return err
		}
		if *importSchool == 0 || *importFile == "" {
			importCmd.Usage()
			return errHelp
		}
		return cli.importStudents(*importSchool, *importFile)

	case "generateinvoices":
		if err := parse(generateCmd, args[2:]); err != nil {
			return err
		}
		if *generateSchool == 0 || *generateYear == 0 || *generateTerm == 0 {
			generateCmd.Usage()
			return errHelp
		}
		return cli.generateInvoices(*generateSchool, *generateYear, *generateTerm, *generateClass, *generateDue)

	case "sendreminders":
		if err := parse(remindCmd, args[2:]); err != nil {
			return err
		}
		return cli.sendReminders(*remindSchool, *remindClass, *remindChannels, *remindDryRun)

	default:
		cli.printUsage()
		return errHelp
	}
}
