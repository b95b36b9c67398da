// Package report builds the fee report workbook and mails it to Pro schools on schedule.
package report

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	// monthlyWindow is how many days into the month a monthly report still goes out,
	// so a weekly schedule sends it exactly once.
	monthlyWindow = 7
)

var (
	ErrNoSchoolEmail = errors.New("the school has no email address")

	NowFunc = time.Now // mockable
)

type (
	// Renderer writes a FeeReport as an Excel workbook.
	Renderer interface {
		FeeReportXLSX(r FeeReport) ([]byte, error)
	}

	Service interface {
		// Build gathers the report of a Pro school.
		Build(ctx context.Context, schoolID int) (FeeReport, error)
		// Workbook builds the report and renders it.
		Workbook(ctx context.Context, schoolID int) ([]byte, FeeReport, error)
		// Send mails the workbook to the school's email now.
		Send(ctx context.Context, schoolID int) error
		// RunScheduled sends the report of every Pro school whose frequency is due, returning how many went out.
		RunScheduled(ctx context.Context) (int, error)
	}

	Deps struct {
		StudentRepo student.Repository
		PaymentRepo payment.Repository
		SchoolSvc   school.Service
		Renderer    Renderer
		MailSvc     core.EmailService
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

func (svc *service) proSchool(ctx context.Context, schoolID int) (school.School, error) {
	sch, err := svc.SchoolSvc.Get(ctx, schoolID)
	if err != nil {
		return school.School{}, err
	}
	if !sch.IsPro() {
		return school.School{}, core.ErrProFeature
	}
	return sch, nil
}

func (svc *service) Build(ctx context.Context, schoolID int) (FeeReport, error) {
	sch, err := svc.proSchool(ctx, schoolID)
	if err != nil {
		return FeeReport{}, err
	}
	return svc.build(ctx, sch)
}

func (svc *service) build(ctx context.Context, sch school.School) (FeeReport, error) {
	students, err := svc.StudentRepo.QueryStudents(ctx, &student.QueryFilter{SchoolID: sch.ID}, []core.DBOrdering{
		{Field: "class_name", Ascending: true},
		{Field: "name", Ascending: true},
	})
	if err != nil {
		return FeeReport{}, errors.Wrap(err, "querying students")
	}
	payments, err := svc.PaymentRepo.QueryPayments(ctx, payment.QueryFilter{SchoolID: sch.ID})
	if err != nil {
		return FeeReport{}, errors.Wrap(err, "querying payments")
	}

	settings, err := svc.SchoolSvc.Settings(ctx, sch.ID)
	if err != nil {
		return FeeReport{}, errors.Wrap(err, "getting settings")
	}
	period := settings[school.SettingReportFrequency]
	if period != school.ReportsMonthly {
		period = school.ReportsWeekly
	}

	r := FeeReport{
		School:      sch,
		Period:      period,
		GeneratedAt: NowFunc().UTC(),
		Students:    students,
		Payments:    make([]PaymentLine, 0, len(payments)),
		Outstanding: decimal.Zero,
		TotalCredit: decimal.Zero,
		Collected:   decimal.Zero,
	}

	byID := make(map[int]student.Student, len(students))
	classes := make(map[string]*ClassSummary)
	for _, s := range students {
		byID[s.ID] = s
		cs, ok := classes[s.ClassName]
		if !ok {
			cs = &ClassSummary{ClassName: s.ClassName, Outstanding: decimal.Zero, Credit: decimal.Zero}
			classes[s.ClassName] = cs
		}
		cs.Students++
		cs.Outstanding = cs.Outstanding.Add(s.Balance)
		cs.Credit = cs.Credit.Add(s.Credit)
		r.Outstanding = r.Outstanding.Add(s.Balance)
		r.TotalCredit = r.TotalCredit.Add(s.Credit)
	}
	for _, cs := range classes {
		r.Classes = append(r.Classes, *cs)
	}
	sort.Slice(r.Classes, func(i, j int) bool { return r.Classes[i].ClassName < r.Classes[j].ClassName })

	type termKey struct{ year, term int }
	terms := make(map[termKey]decimal.Decimal)
	methods := make(map[string]*MethodSummary)
	for _, p := range payments {
		s := byID[p.StudentID]
		r.Payments = append(r.Payments, PaymentLine{Payment: p, StudentName: s.Name, AdmissionNo: s.AdmissionNo, ClassName: s.ClassName})
		if payment.IsNonCash(p.Method) {
			continue
		}
		k := termKey{p.Year, p.Term}
		terms[k] = terms[k].Add(p.Amount)
		ms, ok := methods[p.Method]
		if !ok {
			ms = &MethodSummary{Method: p.Method, Total: decimal.Zero}
			methods[p.Method] = ms
		}
		ms.Count++
		ms.Total = ms.Total.Add(p.Amount)
		r.Collected = r.Collected.Add(p.Amount)
	}
	for k, total := range terms {
		r.Terms = append(r.Terms, TermSummary{Year: k.year, Term: k.term, Collected: total})
	}
	sort.Slice(r.Terms, func(i, j int) bool {
		if r.Terms[i].Year != r.Terms[j].Year {
			return r.Terms[i].Year < r.Terms[j].Year
		}
		return r.Terms[i].Term < r.Terms[j].Term
	})
	for _, ms := range methods {
		r.Methods = append(r.Methods, *ms)
	}
	sort.Slice(r.Methods, func(i, j int) bool {
		if c := r.Methods[i].Total.Cmp(r.Methods[j].Total); c != 0 {
			return c > 0
		}
		return r.Methods[i].Method < r.Methods[j].Method
	})
	return r, nil
}

func (svc *service) Workbook(ctx context.Context, schoolID int) ([]byte, FeeReport, error) {
	r, err := svc.Build(ctx, schoolID)
	if err != nil {
		return nil, FeeReport{}, err
	}
	data, err := svc.Renderer.FeeReportXLSX(r)
	if err != nil {
		return nil, FeeReport{}, errors.Wrap(err, "rendering fee report")
	}
	return data, r, nil
}

// Filename is the attachment name of a report.
func Filename(r FeeReport) string {
	return fmt.Sprintf("fee_report_%s_%s.xlsx", r.School.Slug, r.GeneratedAt.Format("20060102"))
}

func (svc *service) Send(ctx context.Context, schoolID int) error {
	sch, err := svc.proSchool(ctx, schoolID)
	if err != nil {
		return err
	}
	return svc.send(ctx, sch)
}

func (svc *service) send(ctx context.Context, sch school.School) error {
	if sch.Email == "" {
		return ErrNoSchoolEmail
	}
	r, err := svc.build(ctx, sch)
	if err != nil {
		return err
	}
	data, err := svc.Renderer.FeeReportXLSX(r)
	if err != nil {
		return errors.Wrap(err, "rendering fee report")
	}

	period := "Weekly"
	if r.Period == school.ReportsMonthly {
		period = "Monthly"
	}
	msg := &core.EmailMessage{
		To:           []mail.Address{{Name: sch.Name, Address: sch.Email}},
		Subject:      fmt.Sprintf("%s fee report: %s", period, sch.Name),
		TemplateName: "fee_report",
		TemplateData: map[string]interface{}{
			"SchoolName":  sch.Name,
			"Period":      r.Period,
			"Date":        r.GeneratedAt.Format("02 Jan 2006"),
			"Students":    len(r.Students),
			"Outstanding": core.FormatMoney(sch.Currency, r.Outstanding),
			"Collected":   core.FormatMoney(sch.Currency, r.Collected),
		},
	}
	if err = msg.Attach(bytes.NewReader(data), Filename(r), xlsxContentType); err != nil {
		return errors.Wrap(err, "attaching fee report")
	}
	svc.MailSvc.SendMessages(msg)
	return nil
}

// due tells whether a school on `frequency` gets its report on `now`.
func due(frequency string, now time.Time) bool {
	switch frequency {
	case school.ReportsWeekly:
		return true
	case school.ReportsMonthly:
		return now.Day() <= monthlyWindow
	}
	return false
}

func (svc *service) RunScheduled(ctx context.Context) (int, error) {
	schools, err := svc.SchoolSvc.Query(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "querying schools")
	}
	now := NowFunc()
	var n int
	for _, sch := range schools {
		if !sch.IsPro() || sch.Email == "" {
			continue
		}
		settings, err := svc.SchoolSvc.Settings(ctx, sch.ID)
		if err != nil {
			return n, errors.Wrapf(err, "getting settings of school %d", sch.ID)
		}
		if !due(settings[school.SettingReportFrequency], now) {
			continue
		}
		if err = svc.send(ctx, sch); err != nil {
			svc.Logger.Error(fmt.Sprintf("report.RunScheduled(school=%d): %v", sch.ID, err), err)
			continue
		}
		n++
	}
	return n, nil
}
