package analytics

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/billing"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
)

const trendMonths = 12

var (
	// errors
	ErrStudentNotFound = core.NewNotFoundError("student")

	NowFunc = time.Now // mockable

	hundred = decimal.NewFromInt(100)
)

type (
	Repository interface {
		CreateRecoveryAction(ctx context.Context, ra RecoveryAction, exec ...core.DBExecutor) (RecoveryAction, error)
		// QueryRecoveryActions returns the newest actions first.
		QueryRecoveryActions(ctx context.Context, filter RecoveryFilter, exec ...core.DBExecutor) ([]RecoveryAction, error)
		// LatestRecoveryActions maps each student of `studentIDs` having actions to their newest one.
		LatestRecoveryActions(ctx context.Context, schoolID int, studentIDs []int, exec ...core.DBExecutor) (map[int]RecoveryAction, error)
	}

	Service interface {
		Summary(ctx context.Context, filter SummaryFilter) (Summary, error)
		Defaulters(ctx context.Context, filter DefaulterFilter) ([]Defaulter, error)
		AddRecoveryAction(ctx context.Context, na NewRecoveryAction) (RecoveryAction, error)
		RecoveryActions(ctx context.Context, filter RecoveryFilter) ([]RecoveryAction, error)
	}

	service struct {
		repo        Repository
		studentRepo student.Repository
		billingRepo billing.Repository
		paymentRepo payment.Repository
		schoolSvc   school.Service
	}
)

var _ Service = (*service)(nil)

func NewService(
	repo Repository,
	studentRepo student.Repository,
	billingRepo billing.Repository,
	paymentRepo payment.Repository,
	schoolSvc school.Service,
) Service {
	return &service{
		repo:        repo,
		studentRepo: studentRepo,
		billingRepo: billingRepo,
		paymentRepo: paymentRepo,
		schoolSvc:   schoolSvc,
	}
}

func classKey(name string) string {
	if name == "" {
		return "Unassigned"
	}
	return name
}

// Summary computes the school's collection figures, optionally narrowed to a year and term.
// Outstanding and credit are live totals whatever the period.
func (svc *service) Summary(ctx context.Context, filter SummaryFilter) (Summary, error) {
	sch, err := svc.schoolSvc.Get(ctx, filter.SchoolID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		Year:     filter.Year,
		Term:     filter.Term,
		Currency: sch.Currency,
		ByMethod: make([]MethodTotal, 0),
		ByClass:  make([]ClassBreakdown, 0),
	}

	students, err := svc.studentRepo.QueryStudents(ctx, &student.QueryFilter{SchoolID: filter.SchoolID}, nil)
	if err != nil {
		return sum, errors.Wrap(err, "querying students")
	}
	classes := make(map[string]*ClassBreakdown)
	classOf := make(map[int]string, len(students))
	class := func(name string) *ClassBreakdown {
		cb, ok := classes[name]
		if !ok {
			cb = &ClassBreakdown{ClassName: name}
			classes[name] = cb
		}
		return cb
	}
	for _, s := range students {
		name := classKey(s.ClassName)
		classOf[s.ID] = name
		cb := class(name)
		if s.IsActive {
			sum.Students++
			cb.Students++
		}
		sum.Outstanding = sum.Outstanding.Add(s.Balance)
		sum.TotalCredit = sum.TotalCredit.Add(s.Credit)
		cb.Outstanding = cb.Outstanding.Add(s.Balance)
		if s.Balance.IsPositive() {
			sum.Defaulters++
			cb.Defaulters++
		}
	}

	invoices, err := svc.billingRepo.QueryInvoices(ctx, billing.InvoiceFilter{
		SchoolID: filter.SchoolID,
		Year:     filter.Year,
		Term:     filter.Term,
	})
	if err != nil {
		return sum, errors.Wrap(err, "querying invoices")
	}
	for _, inv := range invoices {
		if inv.Status == billing.StatusVoid {
			continue
		}
		sum.TotalInvoiced = sum.TotalInvoiced.Add(inv.Total)
		cb := class(classKey(classOf[inv.StudentID]))
		cb.Invoiced = cb.Invoiced.Add(inv.Total)
	}

	payments, err := svc.paymentRepo.QueryPayments(ctx, payment.QueryFilter{
		SchoolID: filter.SchoolID,
		Year:     filter.Year,
		Term:     filter.Term,
	})
	if err != nil {
		return sum, errors.Wrap(err, "querying payments")
	}
	methods := make(map[string]*MethodTotal)
	for _, p := range payments {
		if payment.IsNonCash(p.Method) {
			continue
		}
		sum.TotalCollected = sum.TotalCollected.Add(p.Amount)
		cb := class(classKey(classOf[p.StudentID]))
		cb.Collected = cb.Collected.Add(p.Amount)
		mt, ok := methods[p.Method]
		if !ok {
			mt = &MethodTotal{Method: p.Method}
			methods[p.Method] = mt
		}
		mt.Amount = mt.Amount.Add(p.Amount)
		mt.Count++
	}

	if sum.TotalInvoiced.IsPositive() {
		sum.CollectionRate = sum.TotalCollected.Mul(hundred).Div(sum.TotalInvoiced).Round(1)
	}
	for _, mt := range methods {
		sum.ByMethod = append(sum.ByMethod, *mt)
	}
	sort.Slice(sum.ByMethod, func(i, j int) bool {
		return sum.ByMethod[i].Amount.GreaterThan(sum.ByMethod[j].Amount)
	})
	for _, cb := range classes {
		sum.ByClass = append(sum.ByClass, *cb)
	}
	sort.Slice(sum.ByClass, func(i, j int) bool { return sum.ByClass[i].ClassName < sum.ByClass[j].ClassName })

	if sum.Trend, err = svc.trend(ctx, filter.SchoolID); err != nil {
		return sum, err
	}
	return sum, nil
}

// trend totals cash collections per month over the last 12 months, oldest first.
func (svc *service) trend(ctx context.Context, schoolID int) ([]MonthTotal, error) {
	now := NowFunc().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(trendMonths - 1), 0)

	trend := make([]MonthTotal, trendMonths)
	idx := make(map[string]int, trendMonths)
	for i := range trend {
		m := start.AddDate(0, i, 0).Format("2006-01")
		trend[i] = MonthTotal{Month: m}
		idx[m] = i
	}

	payments, err := svc.paymentRepo.QueryPayments(ctx, payment.QueryFilter{SchoolID: schoolID, From: start})
	if err != nil {
		return nil, errors.Wrap(err, "querying payments")
	}
	for _, p := range payments {
		if payment.IsNonCash(p.Method) {
			continue
		}
		if i, ok := idx[p.PaidAt.UTC().Format("2006-01")]; ok {
			trend[i].Amount = trend[i].Amount.Add(p.Amount)
		}
	}
	return trend, nil
}

// Defaulters lists active students owing more than the minimum, largest balances first.
func (svc *service) Defaulters(ctx context.Context, filter DefaulterFilter) ([]Defaulter, error) {
	active, owing := true, true
	students, err := svc.studentRepo.QueryStudents(ctx, &student.QueryFilter{
		SchoolID:   filter.SchoolID,
		Search:     core.CleanString(filter.Search),
		ClassName:  core.CleanString(filter.ClassName),
		IsActive:   &active,
		HasBalance: &owing,
	}, []core.DBOrdering{{Field: "balance"}, {Field: "name", Ascending: true}})
	if err != nil {
		return nil, errors.Wrap(err, "querying students")
	}

	defaulters := make([]Defaulter, 0, len(students))
	ids := make([]int, 0, len(students))
	guardians := make(map[int]student.Guardian)
	for _, s := range students {
		if !s.Balance.GreaterThan(filter.MinBalance) {
			continue
		}
		d := Defaulter{
			StudentID:   s.ID,
			Name:        s.Name,
			AdmissionNo: s.AdmissionNo,
			ClassName:   s.ClassName,
			Balance:     s.Balance,
		}
		if s.GuardianID != nil {
			g, ok := guardians[*s.GuardianID]
			if !ok {
				if g, err = svc.studentRepo.GetGuardian(ctx, s.SchoolID, *s.GuardianID); err != nil && !core.IsNotFound(err) {
					return nil, errors.Wrap(err, "getting guardian")
				}
				guardians[*s.GuardianID] = g
			}
			d.GuardianName, d.GuardianPhone, d.GuardianEmail = g.Name, g.Phone, g.Email
		}
		defaulters = append(defaulters, d)
		ids = append(ids, s.ID)
	}
	if len(ids) == 0 {
		return defaulters, nil
	}

	latest, err := svc.repo.LatestRecoveryActions(ctx, filter.SchoolID, ids)
	if err != nil {
		return nil, errors.Wrap(err, "querying recovery actions")
	}
	for i := range defaulters {
		if ra, ok := latest[defaulters[i].StudentID]; ok {
			ra := ra
			defaulters[i].LastAction = &ra
		}
	}
	sort.SliceStable(defaulters, func(i, j int) bool {
		return defaulters[i].Balance.GreaterThan(defaulters[j].Balance)
	})
	return defaulters, nil
}

func (svc *service) AddRecoveryAction(ctx context.Context, na NewRecoveryAction) (RecoveryAction, error) {
	if _, err := svc.studentRepo.GetStudent(ctx, na.SchoolID, na.StudentID); err != nil {
		if core.IsNotFound(err) {
			return RecoveryAction{}, core.NewValidationError(ErrStudentNotFound, core.FieldError{Field: "student_id", Error: "invalid value"})
		}
		return RecoveryAction{}, err
	}

	ra := RecoveryAction{
		SchoolID:       na.SchoolID,
		StudentID:      na.StudentID,
		Action:         na.Action,
		Status:         na.Status,
		PromisedAmount: na.PromisedAmount,
		PromisedDate:   na.PromisedDate,
		NextFollowUp:   na.NextFollowUp,
		Notes:          na.Notes,
		CreatedBy:      na.CreatedBy,
		CreatedAt:      NowFunc().UTC(),
	}
	return svc.repo.CreateRecoveryAction(ctx, ra)
}

func (svc *service) RecoveryActions(ctx context.Context, filter RecoveryFilter) ([]RecoveryAction, error) {
	filter.Status = strings.ToLower(core.CleanString(filter.Status))
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return svc.repo.QueryRecoveryActions(ctx, filter)
}
