package memdb

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/billing"
)

type billingRepository struct {
	db *DB
}

var _ billing.Repository = (*billingRepository)(nil)

func NewBillingRepository(db *DB) billing.Repository {
	return &billingRepository{db: db}
}

// Components

func (repo *billingRepository) codeTaken(schoolID int, code string, exceptID int) bool {
	for _, c := range repo.db.t.components {
		if c.SchoolID == schoolID && c.ID != exceptID && strings.EqualFold(c.Code, code) {
			return true
		}
	}
	return false
}

func (repo *billingRepository) CreateComponent(_ context.Context, c billing.FeeComponent, _ ...core.DBExecutor) (billing.FeeComponent, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if repo.codeTaken(c.SchoolID, c.Code, 0) {
		return billing.FeeComponent{}, billing.ErrComponentExists
	}
	c.ID = repo.db.nextID()
	repo.db.t.components[c.ID] = c
	return c, nil
}

func (repo *billingRepository) GetComponent(_ context.Context, schoolID, id int, _ ...core.DBExecutor) (billing.FeeComponent, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if c, ok := repo.db.t.components[id]; ok && c.SchoolID == schoolID {
		return c, nil
	}
	return billing.FeeComponent{}, billing.ErrComponentNotFound
}

func (repo *billingRepository) QueryComponents(_ context.Context, schoolID int, _ ...core.DBExecutor) ([]billing.FeeComponent, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	comps := make([]billing.FeeComponent, 0)
	for _, c := range repo.db.t.components {
		if c.SchoolID == schoolID {
			comps = append(comps, c)
		}
	}
	orderBy(comps, nil, nil, func(a, b billing.FeeComponent) int {
		if c := cmpString(a.Name, b.Name); c != 0 {
			return c
		}
		return cmpInt(a.ID, b.ID)
	})
	return comps, nil
}

func (repo *billingRepository) UpdateComponent(_ context.Context, c billing.FeeComponent, _ ...core.DBExecutor) (billing.FeeComponent, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if orig, ok := repo.db.t.components[c.ID]; !ok || orig.SchoolID != c.SchoolID {
		return billing.FeeComponent{}, billing.ErrComponentNotFound
	}
	if repo.codeTaken(c.SchoolID, c.Code, c.ID) {
		return billing.FeeComponent{}, billing.ErrComponentExists
	}
	repo.db.t.components[c.ID] = c
	return c, nil
}

func (repo *billingRepository) DeleteComponent(_ context.Context, schoolID, id int, _ ...core.DBExecutor) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if c, ok := repo.db.t.components[id]; !ok || c.SchoolID != schoolID {
		return billing.ErrComponentNotFound
	}
	delete(repo.db.t.components, id)
	for k, d := range repo.db.t.classDefaults {
		if d.ComponentID == id {
			delete(repo.db.t.classDefaults, k)
		}
	}
	for k, it := range repo.db.t.studentItems {
		if it.ComponentID == id {
			delete(repo.db.t.studentItems, k)
		}
	}
	// invoice items keep their description and lose the link
	for k, inv := range repo.db.t.invoices {
		changed := false
		items := make([]billing.InvoiceItem, len(inv.Items))
		for i, item := range inv.Items {
			if item.ComponentID != nil && *item.ComponentID == id {
				item.ComponentID = nil
				changed = true
			}
			items[i] = item
		}
		if changed {
			inv.Items = items
			repo.db.t.invoices[k] = inv
		}
	}
	return nil
}

// Class defaults

func (repo *billingRepository) SetClassDefault(_ context.Context, d billing.ClassFeeDefault, _ ...core.DBExecutor) (billing.ClassFeeDefault, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, existing := range repo.db.t.classDefaults {
		if existing.SchoolID == d.SchoolID && strings.EqualFold(existing.ClassName, d.ClassName) &&
			existing.Year == d.Year && existing.Term == d.Term && existing.ComponentID == d.ComponentID {
			existing.Amount = d.Amount
			repo.db.t.classDefaults[existing.ID] = existing
			return existing, nil
		}
	}
	d.ID = repo.db.nextID()
	repo.db.t.classDefaults[d.ID] = d
	return d, nil
}

func (repo *billingRepository) QueryClassDefaults(_ context.Context, schoolID, year, term int, _ ...core.DBExecutor) ([]billing.ClassFeeDefault, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	defaults := make([]billing.ClassFeeDefault, 0)
	for _, d := range repo.db.t.classDefaults {
		if d.SchoolID == schoolID && d.Year == year && d.Term == term {
			defaults = append(defaults, d)
		}
	}
	orderBy(defaults, nil, nil, func(a, b billing.ClassFeeDefault) int {
		if c := cmpString(a.ClassName, b.ClassName); c != 0 {
			return c
		}
		return cmpInt(a.ID, b.ID)
	})
	return defaults, nil
}

func (repo *billingRepository) DeleteClassDefault(_ context.Context, schoolID, id int, _ ...core.DBExecutor) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if d, ok := repo.db.t.classDefaults[id]; !ok || d.SchoolID != schoolID {
		return billing.ErrDefaultNotFound
	}
	delete(repo.db.t.classDefaults, id)
	return nil
}

// Student items

func (repo *billingRepository) SetStudentItem(_ context.Context, it billing.StudentFeeItem, _ ...core.DBExecutor) (billing.StudentFeeItem, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, existing := range repo.db.t.studentItems {
		if existing.StudentID == it.StudentID && existing.Year == it.Year &&
			existing.Term == it.Term && existing.ComponentID == it.ComponentID {
			existing.Amount = it.Amount
			repo.db.t.studentItems[existing.ID] = existing
			return existing, nil
		}
	}
	it.ID = repo.db.nextID()
	repo.db.t.studentItems[it.ID] = it
	return it, nil
}

func (repo *billingRepository) QueryStudentItems(_ context.Context, schoolID, year, term int, _ ...core.DBExecutor) ([]billing.StudentFeeItem, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	items := make([]billing.StudentFeeItem, 0)
	for _, it := range repo.db.t.studentItems {
		if it.SchoolID == schoolID && it.Year == year && it.Term == term {
			items = append(items, it)
		}
	}
	orderBy(items, nil, nil, func(a, b billing.StudentFeeItem) int { return cmpInt(a.ID, b.ID) })
	return items, nil
}

func (repo *billingRepository) DeleteStudentItem(_ context.Context, schoolID, id int, _ ...core.DBExecutor) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if it, ok := repo.db.t.studentItems[id]; !ok || it.SchoolID != schoolID {
		return billing.ErrItemNotFound
	}
	delete(repo.db.t.studentItems, id)
	return nil
}

// Discounts

func (repo *billingRepository) SetDiscount(_ context.Context, d billing.Discount, _ ...core.DBExecutor) (billing.Discount, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	for _, existing := range repo.db.t.discounts {
		if existing.StudentID == d.StudentID && existing.Year == d.Year && existing.Term == d.Term {
			d.ID = existing.ID
			d.CreatedAt = existing.CreatedAt
			repo.db.t.discounts[d.ID] = d
			return d, nil
		}
	}
	d.ID = repo.db.nextID()
	repo.db.t.discounts[d.ID] = d
	return d, nil
}

func (repo *billingRepository) QueryDiscounts(_ context.Context, schoolID, year, term int, _ ...core.DBExecutor) ([]billing.Discount, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	discounts := make([]billing.Discount, 0)
	for _, d := range repo.db.t.discounts {
		if d.SchoolID == schoolID && d.Year == year && d.Term == term {
			discounts = append(discounts, d)
		}
	}
	orderBy(discounts, nil, nil, func(a, b billing.Discount) int { return cmpInt(a.ID, b.ID) })
	return discounts, nil
}

func (repo *billingRepository) DeleteDiscount(_ context.Context, schoolID, id int, _ ...core.DBExecutor) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if d, ok := repo.db.t.discounts[id]; !ok || d.SchoolID != schoolID {
		return billing.ErrDiscountNotFound
	}
	delete(repo.db.t.discounts, id)
	return nil
}

// Invoices

func (repo *billingRepository) SaveInvoice(_ context.Context, inv billing.Invoice, _ ...core.DBExecutor) (billing.Invoice, error) {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	if inv.ID == 0 {
		for _, existing := range repo.db.t.invoices {
			if existing.StudentID == inv.StudentID && existing.Year == inv.Year && existing.Term == inv.Term {
				inv.ID = existing.ID
				inv.IssuedAt = existing.IssuedAt
				break
			}
		}
	}
	if inv.ID == 0 {
		inv.ID = repo.db.nextID()
	}

	items := make([]billing.InvoiceItem, len(inv.Items))
	for i, item := range inv.Items {
		item.ID = repo.db.nextID()
		item.InvoiceID = inv.ID
		items[i] = item
	}
	inv.Items = items
	repo.db.t.invoices[inv.ID] = inv
	return inv, nil
}

func (repo *billingRepository) GetInvoice(_ context.Context, schoolID, id int, _ ...core.DBExecutor) (billing.Invoice, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	if inv, ok := repo.db.t.invoices[id]; ok && inv.SchoolID == schoolID {
		return inv, nil
	}
	return billing.Invoice{}, billing.ErrInvoiceNotFound
}

func (repo *billingRepository) GetInvoiceByPeriod(_ context.Context, schoolID, studentID, year, term int, _ ...core.DBExecutor) (billing.Invoice, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	for _, inv := range repo.db.t.invoices {
		if inv.SchoolID == schoolID && inv.StudentID == studentID && inv.Year == year && inv.Term == term {
			return inv, nil
		}
	}
	return billing.Invoice{}, billing.ErrInvoiceNotFound
}

func (repo *billingRepository) QueryInvoices(_ context.Context, filter billing.InvoiceFilter, _ ...core.DBExecutor) ([]billing.Invoice, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	invoices := make([]billing.Invoice, 0)
	for _, inv := range repo.db.t.invoices {
		if inv.SchoolID != filter.SchoolID ||
			(filter.StudentID != 0 && inv.StudentID != filter.StudentID) ||
			(filter.Year != 0 && inv.Year != filter.Year) ||
			(filter.Term != 0 && inv.Term != filter.Term) ||
			(filter.Status != "" && inv.Status != filter.Status) {
			continue
		}
		invoices = append(invoices, inv)
	}
	orderBy(invoices, nil, nil, func(a, b billing.Invoice) int {
		if c := cmpInt(b.Year, a.Year); c != 0 {
			return c
		}
		if c := cmpInt(b.Term, a.Term); c != 0 {
			return c
		}
		return cmpInt(a.ID, b.ID)
	})
	return invoices, nil
}

func (repo *billingRepository) UpdateInvoiceStatus(_ context.Context, schoolID, id int, status string, _ ...core.DBExecutor) error {
	repo.db.mu.Lock()
	defer repo.db.mu.Unlock()

	inv, ok := repo.db.t.invoices[id]
	if !ok || inv.SchoolID != schoolID {
		return billing.ErrInvoiceNotFound
	}
	inv.Status = status
	repo.db.t.invoices[id] = inv
	return nil
}

func (repo *billingRepository) PaidForTerm(_ context.Context, schoolID, studentID, year, term int, _ ...core.DBExecutor) (decimal.Decimal, error) {
	repo.db.mu.RLock()
	defer repo.db.mu.RUnlock()

	paid := decimal.Zero
	for _, p := range repo.db.t.payments {
		if p.SchoolID == schoolID && p.StudentID == studentID && p.Year == year && p.Term == term {
			paid = paid.Add(p.Amount)
		}
	}
	return paid, nil
}
