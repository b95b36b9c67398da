package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/ledger"
	"github.com/trezcool/karo/core/student"
)

var (
	// errors
	ErrComponentNotFound = core.NewNotFoundError("fee component")
	ErrInvoiceNotFound   = core.NewNotFoundError("invoice")
	ErrDefaultNotFound   = core.NewNotFoundError("class fee default")
	ErrItemNotFound      = core.NewNotFoundError("student fee item")
	ErrDiscountNotFound  = core.NewNotFoundError("discount")
	ErrComponentExists   = errors.New("a fee component with this code already exists")
	ErrInvoiceVoid       = errors.New("invoice is void")
)

type (
	Repository interface {
		// CreateComponent returns ErrComponentExists on a (school, code) conflict.
		CreateComponent(ctx context.Context, c FeeComponent, exec ...core.DBExecutor) (FeeComponent, error)
		GetComponent(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (FeeComponent, error)
		QueryComponents(ctx context.Context, schoolID int, exec ...core.DBExecutor) ([]FeeComponent, error)
		UpdateComponent(ctx context.Context, c FeeComponent, exec ...core.DBExecutor) (FeeComponent, error)
		DeleteComponent(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) error

		// SetClassDefault upserts on (school, class, year, term, component).
		SetClassDefault(ctx context.Context, d ClassFeeDefault, exec ...core.DBExecutor) (ClassFeeDefault, error)
		QueryClassDefaults(ctx context.Context, schoolID, year, term int, exec ...core.DBExecutor) ([]ClassFeeDefault, error)
		DeleteClassDefault(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) error

		// SetStudentItem upserts on (student, year, term, component).
		SetStudentItem(ctx context.Context, it StudentFeeItem, exec ...core.DBExecutor) (StudentFeeItem, error)
		QueryStudentItems(ctx context.Context, schoolID, year, term int, exec ...core.DBExecutor) ([]StudentFeeItem, error)
		DeleteStudentItem(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) error

		// SetDiscount upserts on (student, year, term).
		SetDiscount(ctx context.Context, d Discount, exec ...core.DBExecutor) (Discount, error)
		QueryDiscounts(ctx context.Context, schoolID, year, term int, exec ...core.DBExecutor) ([]Discount, error)
		DeleteDiscount(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) error

		// SaveInvoice upserts on (student, year, term) and replaces the invoice items.
		SaveInvoice(ctx context.Context, inv Invoice, exec ...core.DBExecutor) (Invoice, error)
		GetInvoice(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (Invoice, error)
		GetInvoiceByPeriod(ctx context.Context, schoolID, studentID, year, term int, exec ...core.DBExecutor) (Invoice, error)
		QueryInvoices(ctx context.Context, filter InvoiceFilter, exec ...core.DBExecutor) ([]Invoice, error)
		UpdateInvoiceStatus(ctx context.Context, schoolID, id int, status string, exec ...core.DBExecutor) error
		// PaidForTerm sums every payment the student made for the term, whatever the method.
		PaidForTerm(ctx context.Context, schoolID, studentID, year, term int, exec ...core.DBExecutor) (decimal.Decimal, error)
	}

	// CreditApplier consumes a student's credit against a freshly debited term.
	CreditApplier interface {
		AutoApplyTx(ctx context.Context, schoolID, studentID, year, term int, actor string, exec ...core.DBExecutor) (decimal.Decimal, error)
		NotifyCreditApplied(ctx context.Context, schoolID, studentID int, amount decimal.Decimal, year, term int)
	}

	Service interface {
		CreateComponent(ctx context.Context, nc NewFeeComponent) (FeeComponent, error)
		QueryComponents(ctx context.Context, schoolID int) ([]FeeComponent, error)
		UpdateComponent(ctx context.Context, schoolID, id int, nc NewFeeComponent) (FeeComponent, error)
		DeleteComponent(ctx context.Context, schoolID, id int) error

		SetClassDefault(ctx context.Context, nd NewClassFeeDefault) (ClassFeeDefault, error)
		QueryClassDefaults(ctx context.Context, schoolID, year, term int) ([]ClassFeeDefault, error)
		DeleteClassDefault(ctx context.Context, schoolID, id int) error

		SetStudentItem(ctx context.Context, ni NewStudentFeeItem) (StudentFeeItem, error)
		QueryStudentItems(ctx context.Context, schoolID, year, term int) ([]StudentFeeItem, error)
		DeleteStudentItem(ctx context.Context, schoolID, id int) error

		SetDiscount(ctx context.Context, nd NewDiscount, exec ...core.DBExecutor) (Discount, error)
		QueryDiscounts(ctx context.Context, schoolID, year, term int) ([]Discount, error)
		DeleteDiscount(ctx context.Context, schoolID, id int) error

		GenerateInvoices(ctx context.Context, schoolID int, req GenerateInvoices, actor string) (GenerateResult, error)
		QueryInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)
		GetInvoice(ctx context.Context, schoolID, id int) (InvoiceDetail, error)
		MarkSent(ctx context.Context, schoolID, id int) (Invoice, error)
		Void(ctx context.Context, schoolID, id int, actor string) (Invoice, error)
		// RefreshStudentInvoices recomputes the status of every open invoice of the student.
		RefreshStudentInvoices(ctx context.Context, schoolID, studentID int, exec ...core.DBExecutor) error
	}

	service struct {
		repo        Repository
		studentRepo student.Repository
		ledgerRepo  ledger.Repository
		credit      CreditApplier
		tx          core.Transactor
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository, studentRepo student.Repository, ledgerRepo ledger.Repository, credit CreditApplier, tx core.Transactor) Service {
	return &service{
		repo:        repo,
		studentRepo: studentRepo,
		ledgerRepo:  ledgerRepo,
		credit:      credit,
		tx:          tx,
	}
}

func (svc *service) CreateComponent(ctx context.Context, nc NewFeeComponent) (FeeComponent, error) {
	c, err := svc.repo.CreateComponent(ctx, FeeComponent{
		SchoolID:      nc.SchoolID,
		Name:          nc.Name,
		Code:          nc.Code,
		DefaultAmount: core.RoundMoney(nc.DefaultAmount),
		IsOptional:    nc.IsOptional,
		CreatedAt:     time.Now().UTC(),
	})
	if err == ErrComponentExists {
		return FeeComponent{}, core.NewValidationError(err, core.FieldError{Field: "code", Error: err.Error()})
	}
	return c, err
}

func (svc *service) QueryComponents(ctx context.Context, schoolID int) ([]FeeComponent, error) {
	return svc.repo.QueryComponents(ctx, schoolID)
}

func (svc *service) UpdateComponent(ctx context.Context, schoolID, id int, nc NewFeeComponent) (FeeComponent, error) {
	c, err := svc.repo.GetComponent(ctx, schoolID, id)
	if err != nil {
		return FeeComponent{}, err
	}
	c.Name = nc.Name
	c.Code = nc.Code
	c.DefaultAmount = core.RoundMoney(nc.DefaultAmount)
	c.IsOptional = nc.IsOptional
	c, err = svc.repo.UpdateComponent(ctx, c)
	if err == ErrComponentExists {
		return FeeComponent{}, core.NewValidationError(err, core.FieldError{Field: "code", Error: err.Error()})
	}
	return c, err
}

func (svc *service) DeleteComponent(ctx context.Context, schoolID, id int) error {
	return svc.repo.DeleteComponent(ctx, schoolID, id)
}

func (svc *service) checkComponent(ctx context.Context, schoolID, id int) error {
	if _, err := svc.repo.GetComponent(ctx, schoolID, id); err != nil {
		if core.IsNotFound(err) {
			return core.NewValidationError(err, core.FieldError{Field: "component_id", Error: "invalid value"})
		}
		return err
	}
	return nil
}

func (svc *service) checkStudent(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) error {
	if _, err := svc.studentRepo.GetStudent(ctx, schoolID, id, exec...); err != nil {
		if core.IsNotFound(err) {
			return core.NewValidationError(err, core.FieldError{Field: "student_id", Error: "invalid value"})
		}
		return err
	}
	return nil
}

func (svc *service) SetClassDefault(ctx context.Context, nd NewClassFeeDefault) (ClassFeeDefault, error) {
	if err := svc.checkComponent(ctx, nd.SchoolID, nd.ComponentID); err != nil {
		return ClassFeeDefault{}, err
	}
	return svc.repo.SetClassDefault(ctx, ClassFeeDefault{
		SchoolID:    nd.SchoolID,
		ClassName:   nd.ClassName,
		Year:        nd.Year,
		Term:        nd.Term,
		ComponentID: nd.ComponentID,
		Amount:      core.RoundMoney(nd.Amount),
	})
}

func (svc *service) QueryClassDefaults(ctx context.Context, schoolID, year, term int) ([]ClassFeeDefault, error) {
	return svc.repo.QueryClassDefaults(ctx, schoolID, year, term)
}

func (svc *service) DeleteClassDefault(ctx context.Context, schoolID, id int) error {
	return svc.repo.DeleteClassDefault(ctx, schoolID, id)
}

func (svc *service) SetStudentItem(ctx context.Context, ni NewStudentFeeItem) (StudentFeeItem, error) {
	if err := svc.checkComponent(ctx, ni.SchoolID, ni.ComponentID); err != nil {
		return StudentFeeItem{}, err
	}
	if err := svc.checkStudent(ctx, ni.SchoolID, ni.StudentID); err != nil {
		return StudentFeeItem{}, err
	}
	return svc.repo.SetStudentItem(ctx, StudentFeeItem{
		SchoolID:    ni.SchoolID,
		StudentID:   ni.StudentID,
		Year:        ni.Year,
		Term:        ni.Term,
		ComponentID: ni.ComponentID,
		Amount:      core.RoundMoney(ni.Amount),
	})
}

func (svc *service) QueryStudentItems(ctx context.Context, schoolID, year, term int) ([]StudentFeeItem, error) {
	return svc.repo.QueryStudentItems(ctx, schoolID, year, term)
}

func (svc *service) DeleteStudentItem(ctx context.Context, schoolID, id int) error {
	return svc.repo.DeleteStudentItem(ctx, schoolID, id)
}

func (svc *service) SetDiscount(ctx context.Context, nd NewDiscount, exec ...core.DBExecutor) (Discount, error) {
	if err := svc.checkStudent(ctx, nd.SchoolID, nd.StudentID, exec...); err != nil {
		return Discount{}, err
	}
	return svc.repo.SetDiscount(ctx, Discount{
		SchoolID:  nd.SchoolID,
		StudentID: nd.StudentID,
		Year:      nd.Year,
		Term:      nd.Term,
		Kind:      nd.Kind,
		Value:     core.RoundMoney(nd.Value),
		Reason:    nd.Reason,
		CreatedAt: time.Now().UTC(),
	}, exec...)
}

func (svc *service) QueryDiscounts(ctx context.Context, schoolID, year, term int) ([]Discount, error) {
	return svc.repo.QueryDiscounts(ctx, schoolID, year, term)
}

func (svc *service) DeleteDiscount(ctx context.Context, schoolID, id int) error {
	return svc.repo.DeleteDiscount(ctx, schoolID, id)
}

// feeSchedule holds everything needed to price a term.
type feeSchedule struct {
	components    []FeeComponent
	classDefaults map[string]map[int]decimal.Decimal // {class: {component: amount}}
	studentItems  map[int]map[int]decimal.Decimal    // {student: {component: amount}}
	discounts     map[int]Discount                   // {student: discount}
}

func (svc *service) loadSchedule(ctx context.Context, schoolID, year, term int) (feeSchedule, error) {
	sched := feeSchedule{
		classDefaults: make(map[string]map[int]decimal.Decimal),
		studentItems:  make(map[int]map[int]decimal.Decimal),
		discounts:     make(map[int]Discount),
	}

	var err error
	if sched.components, err = svc.repo.QueryComponents(ctx, schoolID); err != nil {
		return sched, errors.Wrap(err, "querying components")
	}

	defaults, err := svc.repo.QueryClassDefaults(ctx, schoolID, year, term)
	if err != nil {
		return sched, errors.Wrap(err, "querying class defaults")
	}
	for _, d := range defaults {
		if sched.classDefaults[d.ClassName] == nil {
			sched.classDefaults[d.ClassName] = make(map[int]decimal.Decimal)
		}
		sched.classDefaults[d.ClassName][d.ComponentID] = d.Amount
	}

	items, err := svc.repo.QueryStudentItems(ctx, schoolID, year, term)
	if err != nil {
		return sched, errors.Wrap(err, "querying student items")
	}
	for _, it := range items {
		if sched.studentItems[it.StudentID] == nil {
			sched.studentItems[it.StudentID] = make(map[int]decimal.Decimal)
		}
		sched.studentItems[it.StudentID][it.ComponentID] = it.Amount
	}

	discounts, err := svc.repo.QueryDiscounts(ctx, schoolID, year, term)
	if err != nil {
		return sched, errors.Wrap(err, "querying discounts")
	}
	for _, d := range discounts {
		sched.discounts[d.StudentID] = d
	}
	return sched, nil
}

// price computes the invoice items and total of a student.
// Component default < class default < student item; only positive amounts are charged.
func (sched feeSchedule) price(s student.Student) ([]InvoiceItem, decimal.Decimal) {
	items := make([]InvoiceItem, 0, len(sched.components)+1)
	subtotal := decimal.Zero
	for _, c := range sched.components {
		amt := c.DefaultAmount
		if v, ok := sched.classDefaults[s.ClassName][c.ID]; ok && s.ClassName != "" {
			amt = v
		}
		if v, ok := sched.studentItems[s.ID][c.ID]; ok {
			amt = v
		}
		if !amt.IsPositive() {
			continue
		}
		cid := c.ID
		items = append(items, InvoiceItem{ComponentID: &cid, Description: c.Name, Amount: amt})
		subtotal = subtotal.Add(amt)
	}

	discount := decimal.Zero
	if d, ok := sched.discounts[s.ID]; ok {
		discount = d.Amount(subtotal)
	}
	if discount.IsPositive() {
		items = append(items, InvoiceItem{Description: "Discount", Amount: discount.Neg()})
	}
	return items, core.NonNegative(core.RoundMoney(subtotal.Sub(discount)))
}

// GenerateInvoices prices and upserts the term invoice of every active student.
// New invoices debit the student balance and consume available credit. Regenerated
// invoices move the balance by the difference with the previous total.
func (svc *service) GenerateInvoices(ctx context.Context, schoolID int, req GenerateInvoices, actor string) (GenerateResult, error) {
	res := GenerateResult{Invoiced: decimal.Zero, InvoiceIDs: make([]int, 0)}

	sched, err := svc.loadSchedule(ctx, schoolID, req.Year, req.Term)
	if err != nil {
		return res, err
	}

	active := true
	students, err := svc.studentRepo.QueryStudents(ctx, &student.QueryFilter{
		SchoolID:  schoolID,
		ClassName: req.ClassName,
		IsActive:  &active,
	}, []core.DBOrdering{{Field: "name", Ascending: true}})
	if err != nil {
		return res, errors.Wrap(err, "querying students")
	}

	for _, s := range students {
		items, total := sched.price(s)
		var applied decimal.Decimal
		err = svc.tx.WithinTx(ctx, func(exec core.DBExecutor) error {
			var (
				inv     Invoice
				created bool
				err     error
			)
			inv, created, applied, err = svc.generateInvoice(ctx, s, items, total, req, actor, core.TxExec(exec)...)
			if err != nil {
				return err
			}
			switch {
			case inv.ID == 0:
				res.Skipped++
			case created:
				res.Created++
			default:
				res.Updated++
			}
			if inv.ID != 0 {
				res.Invoiced = res.Invoiced.Add(inv.Total)
				res.InvoiceIDs = append(res.InvoiceIDs, inv.ID)
			}
			return nil
		})
		if err != nil {
			return res, errors.Wrapf(err, "generating invoice of student %d", s.ID)
		}
		if applied.IsPositive() {
			svc.credit.NotifyCreditApplied(ctx, s.SchoolID, s.ID, applied, req.Year, req.Term)
		}
	}
	return res, nil
}

func (svc *service) generateInvoice(
	ctx context.Context,
	s student.Student,
	items []InvoiceItem,
	total decimal.Decimal,
	req GenerateInvoices,
	actor string,
	exec ...core.DBExecutor,
) (Invoice, bool, decimal.Decimal, error) {
	now := time.Now().UTC()
	prevTotal := decimal.Zero
	inv, err := svc.repo.GetInvoiceByPeriod(ctx, s.SchoolID, s.ID, req.Year, req.Term, exec...)
	created := core.IsNotFound(err)
	switch {
	case created:
		if !total.IsPositive() {
			return Invoice{}, false, decimal.Zero, nil
		}
		inv = Invoice{
			SchoolID:  s.SchoolID,
			StudentID: s.ID,
			Year:      req.Year,
			Term:      req.Term,
			Status:    StatusDraft,
			IssuedAt:  now,
		}
	case err != nil:
		return Invoice{}, false, decimal.Zero, err
	case inv.Status == StatusVoid:
		inv.Status = StatusDraft
	default:
		prevTotal = inv.Total
	}

	inv.Total = total
	inv.Items = items
	inv.UpdatedAt = now
	if !req.DueDate.IsZero() {
		inv.DueDate = req.DueDate.UTC()
	}
	if inv, err = svc.repo.SaveInvoice(ctx, inv, exec...); err != nil {
		return Invoice{}, false, decimal.Zero, errors.Wrap(err, "saving invoice")
	}

	delta := total.Sub(prevTotal)
	if !delta.IsZero() {
		if err = svc.adjustBalance(ctx, s.SchoolID, s.ID, inv, delta, exec...); err != nil {
			return Invoice{}, false, decimal.Zero, err
		}
	}

	applied := decimal.Zero
	if created && svc.credit != nil && s.Credit.IsPositive() {
		if applied, err = svc.credit.AutoApplyTx(ctx, s.SchoolID, s.ID, req.Year, req.Term, actor, exec...); err != nil {
			return Invoice{}, false, decimal.Zero, errors.Wrap(err, "auto-applying credit")
		}
	}

	if err = RefreshInvoiceStatus(ctx, svc.repo, svc.studentRepo, s.SchoolID, s.ID, req.Year, req.Term, exec...); err != nil {
		return Invoice{}, false, decimal.Zero, err
	}
	return inv, created, applied, nil
}

// adjustBalance debits a positive delta. A negative delta reduces the balance, and
// whatever the balance cannot absorb becomes credit. Ledger entries track the balance only.
func (svc *service) adjustBalance(ctx context.Context, schoolID, studentID int, inv Invoice, delta decimal.Decimal, exec ...core.DBExecutor) error {
	s, err := svc.studentRepo.GetStudentForUpdate(ctx, schoolID, studentID, exec...)
	if err != nil {
		return errors.Wrap(err, "locking student")
	}

	entry := ledger.Entry{
		SchoolID:  schoolID,
		StudentID: studentID,
		Ref:       fmt.Sprintf("INV-%d", inv.ID),
		LinkType:  ledger.LinkInvoice,
		LinkID:    inv.ID,
		CreatedAt: time.Now().UTC(),
	}
	if delta.IsPositive() {
		s.Balance = s.Balance.Add(delta)
		entry.Type = ledger.Debit
		entry.Amount = delta
		entry.Description = fmt.Sprintf("Invoice %d T%d", inv.Year, inv.Term)
	} else {
		reduction := delta.Neg()
		applied := core.MinMoney(s.Balance, reduction)
		s.Balance = s.Balance.Sub(applied)
		s.Credit = s.Credit.Add(reduction.Sub(applied))
		entry.Type = ledger.Credit
		entry.Amount = applied
		entry.Description = fmt.Sprintf("Invoice %d T%d adjustment", inv.Year, inv.Term)
	}
	s.UpdatedAt = entry.CreatedAt

	if _, err = svc.studentRepo.UpdateStudentFinances(ctx, s, exec...); err != nil {
		return errors.Wrap(err, "updating student finances")
	}
	if !entry.Amount.IsPositive() {
		return nil
	}
	if _, err = svc.ledgerRepo.CreateEntry(ctx, entry, exec...); err != nil {
		return errors.Wrap(err, "creating ledger entry")
	}
	return nil
}

func (svc *service) QueryInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	return svc.repo.QueryInvoices(ctx, filter)
}

func (svc *service) GetInvoice(ctx context.Context, schoolID, id int) (InvoiceDetail, error) {
	inv, err := svc.repo.GetInvoice(ctx, schoolID, id)
	if err != nil {
		return InvoiceDetail{}, err
	}
	paid, err := svc.repo.PaidForTerm(ctx, schoolID, inv.StudentID, inv.Year, inv.Term)
	if err != nil {
		return InvoiceDetail{}, errors.Wrap(err, "summing payments")
	}
	return InvoiceDetail{
		Invoice:     inv,
		Paid:        paid,
		Outstanding: core.NonNegative(inv.Total.Sub(paid)),
	}, nil
}

func (svc *service) MarkSent(ctx context.Context, schoolID, id int) (Invoice, error) {
	inv, err := svc.repo.GetInvoice(ctx, schoolID, id)
	if err != nil {
		return Invoice{}, err
	}
	switch inv.Status {
	case StatusVoid:
		return Invoice{}, core.NewValidationError(ErrInvoiceVoid, core.FieldError{Field: "status", Error: ErrInvoiceVoid.Error()})
	case StatusDraft:
		if err = svc.repo.UpdateInvoiceStatus(ctx, schoolID, id, StatusSent); err != nil {
			return Invoice{}, err
		}
		inv.Status = StatusSent
	}
	return inv, nil
}

// Void cancels an invoice and reverses what is still owed on it.
func (svc *service) Void(ctx context.Context, schoolID, id int, actor string) (Invoice, error) {
	var inv Invoice
	err := svc.tx.WithinTx(ctx, func(exec core.DBExecutor) error {
		var err error
		if inv, err = svc.repo.GetInvoice(ctx, schoolID, id, core.TxExec(exec)...); err != nil {
			return err
		}
		if inv.Status == StatusVoid {
			return core.NewValidationError(ErrInvoiceVoid, core.FieldError{Field: "status", Error: ErrInvoiceVoid.Error()})
		}

		paid, err := svc.repo.PaidForTerm(ctx, schoolID, inv.StudentID, inv.Year, inv.Term, core.TxExec(exec)...)
		if err != nil {
			return errors.Wrap(err, "summing payments")
		}
		outstanding := core.NonNegative(inv.Total.Sub(paid))
		if outstanding.IsPositive() {
			s, err := svc.studentRepo.GetStudentForUpdate(ctx, schoolID, inv.StudentID, core.TxExec(exec)...)
			if err != nil {
				return errors.Wrap(err, "locking student")
			}
			reversed := core.MinMoney(s.Balance, outstanding)
			if reversed.IsPositive() {
				now := time.Now().UTC()
				s.Balance = s.Balance.Sub(reversed)
				s.UpdatedAt = now
				if _, err = svc.studentRepo.UpdateStudentFinances(ctx, s, core.TxExec(exec)...); err != nil {
					return errors.Wrap(err, "updating student finances")
				}
				if _, err = svc.ledgerRepo.CreateEntry(ctx, ledger.Entry{
					SchoolID:    schoolID,
					StudentID:   s.ID,
					Type:        ledger.Credit,
					Amount:      reversed,
					Ref:         fmt.Sprintf("INV-%d", inv.ID),
					Description: fmt.Sprintf("Invoice %d T%d voided by %s", inv.Year, inv.Term, actor),
					LinkType:    ledger.LinkInvoice,
					LinkID:      inv.ID,
					CreatedAt:   now,
				}, core.TxExec(exec)...); err != nil {
					return errors.Wrap(err, "creating ledger entry")
				}
			}
		}

		inv.Status = StatusVoid
		return svc.repo.UpdateInvoiceStatus(ctx, schoolID, id, StatusVoid, core.TxExec(exec)...)
	})
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

func (svc *service) RefreshStudentInvoices(ctx context.Context, schoolID, studentID int, exec ...core.DBExecutor) error {
	invoices, err := svc.repo.QueryInvoices(ctx, InvoiceFilter{SchoolID: schoolID, StudentID: studentID}, exec...)
	if err != nil {
		return errors.Wrap(err, "querying student invoices")
	}
	for _, inv := range invoices {
		if inv.Status == StatusVoid || inv.Status == StatusPaid {
			continue
		}
		if err = RefreshInvoiceStatus(ctx, svc.repo, svc.studentRepo, schoolID, studentID, inv.Year, inv.Term, exec...); err != nil {
			return err
		}
	}
	return nil
}

// RefreshInvoiceStatus recomputes the status of the student's term invoice from its payments.
// An invoice is paid once its payments cover the total, or once the student owes nothing at all.
// It is a no-op when the term has no invoice or the invoice is void.
func RefreshInvoiceStatus(
	ctx context.Context,
	repo Repository,
	studentRepo student.Repository,
	schoolID, studentID, year, term int,
	exec ...core.DBExecutor,
) error {
	inv, err := repo.GetInvoiceByPeriod(ctx, schoolID, studentID, year, term, exec...)
	if err != nil {
		if core.IsNotFound(err) {
			return nil
		}
		return errors.Wrap(err, "getting term invoice")
	}
	if inv.Status == StatusVoid {
		return nil
	}

	paid, err := repo.PaidForTerm(ctx, schoolID, studentID, year, term, exec...)
	if err != nil {
		return errors.Wrap(err, "summing payments")
	}
	s, err := studentRepo.GetStudent(ctx, schoolID, studentID, exec...)
	if err != nil {
		return errors.Wrap(err, "getting student")
	}
	settled := inv.Total.IsPositive() && !s.Balance.IsPositive()

	status := inv.Status
	switch {
	case paid.IsPositive() && paid.GreaterThanOrEqual(inv.Total), settled:
		status = StatusPaid
	case paid.IsPositive():
		status = StatusPartial
	case status == StatusPaid || status == StatusPartial:
		status = StatusSent
	}
	if status == inv.Status {
		return nil
	}
	return repo.UpdateInvoiceStatus(ctx, schoolID, inv.ID, status, exec...)
}
