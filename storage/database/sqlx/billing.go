package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/billing"
)

const (
	componentColumns = `id, school_id, name, code, default_amount, is_optional, created_at`
	defaultColumns   = `id, school_id, class_name, year, term, component_id, amount`
	itemColumns      = `id, school_id, student_id, year, term, component_id, amount`
	discountColumns  = `id, school_id, student_id, year, term, kind, value, reason, created_at`
	invoiceColumns   = `id, school_id, student_id, year, term, total, status, due_date, issued_at, updated_at`
)

type componentRow struct {
	ID            int             `db:"id"`
	SchoolID      int             `db:"school_id"`
	Name          string          `db:"name"`
	Code          string          `db:"code"`
	DefaultAmount decimal.Decimal `db:"default_amount"`
	IsOptional    bool            `db:"is_optional"`
	CreatedAt     time.Time       `db:"created_at"`
}

type defaultRow struct {
	ID          int             `db:"id"`
	SchoolID    int             `db:"school_id"`
	ClassName   string          `db:"class_name"`
	Year        int             `db:"year"`
	Term        int             `db:"term"`
	ComponentID int             `db:"component_id"`
	Amount      decimal.Decimal `db:"amount"`
}

type itemRow struct {
	ID          int             `db:"id"`
	SchoolID    int             `db:"school_id"`
	StudentID   int             `db:"student_id"`
	Year        int             `db:"year"`
	Term        int             `db:"term"`
	ComponentID int             `db:"component_id"`
	Amount      decimal.Decimal `db:"amount"`
}

type discountRow struct {
	ID        int             `db:"id"`
	SchoolID  int             `db:"school_id"`
	StudentID int             `db:"student_id"`
	Year      int             `db:"year"`
	Term      int             `db:"term"`
	Kind      string          `db:"kind"`
	Value     decimal.Decimal `db:"value"`
	Reason    string          `db:"reason"`
	CreatedAt time.Time       `db:"created_at"`
}

type invoiceRow struct {
	ID        int             `db:"id"`
	SchoolID  int             `db:"school_id"`
	StudentID int             `db:"student_id"`
	Year      int             `db:"year"`
	Term      int             `db:"term"`
	Total     decimal.Decimal `db:"total"`
	Status    string          `db:"status"`
	DueDate   null.Time       `db:"due_date"`
	IssuedAt  time.Time       `db:"issued_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

func (r invoiceRow) invoice() billing.Invoice {
	return billing.Invoice{
		ID:        r.ID,
		SchoolID:  r.SchoolID,
		StudentID: r.StudentID,
		Year:      r.Year,
		Term:      r.Term,
		Total:     r.Total,
		Status:    r.Status,
		DueDate:   r.DueDate.Time,
		IssuedAt:  r.IssuedAt,
		UpdatedAt: r.UpdatedAt,
		Items:     []billing.InvoiceItem{},
	}
}

type invoiceItemRow struct {
	ID          int             `db:"id"`
	InvoiceID   int             `db:"invoice_id"`
	ComponentID null.Int        `db:"component_id"`
	Description string          `db:"description"`
	Amount      decimal.Decimal `db:"amount"`
}

func (r invoiceItemRow) item() billing.InvoiceItem {
	return billing.InvoiceItem{
		ID:          r.ID,
		InvoiceID:   r.InvoiceID,
		ComponentID: r.ComponentID.Ptr(),
		Description: r.Description,
		Amount:      r.Amount,
	}
}

type billingRepository struct {
	base
}

var _ billing.Repository = (*billingRepository)(nil)

func NewBillingRepository(db *sqlx.DB) billing.Repository {
	return &billingRepository{base{db: db}}
}

func (repo *billingRepository) deleteScoped(ctx context.Context, table string, schoolID, id int, notFound error, exec []core.DBExecutor) error {
	res, err := repo.getExec(exec).ExecContext(ctx, `DELETE FROM `+table+` WHERE school_id = $1 AND id = $2`, schoolID, id)
	if err != nil {
		return errors.Wrapf(err, "deleting from %s", table)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound
	}
	return nil
}

// Components

func (repo *billingRepository) CreateComponent(ctx context.Context, c billing.FeeComponent, exec ...core.DBExecutor) (billing.FeeComponent, error) {
	var row componentRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO fee_components (school_id, name, code, default_amount, is_optional, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+componentColumns,
		c.SchoolID, c.Name, c.Code, c.DefaultAmount, c.IsOptional, c.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return billing.FeeComponent{}, billing.ErrComponentExists
		}
		return billing.FeeComponent{}, errors.Wrap(err, "inserting fee component")
	}
	return billing.FeeComponent(row), nil
}

func (repo *billingRepository) GetComponent(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (billing.FeeComponent, error) {
	var row componentRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`SELECT `+componentColumns+` FROM fee_components WHERE school_id = $1 AND id = $2`, schoolID, id)
	if err != nil {
		return billing.FeeComponent{}, trapNoRowsErr(err, billing.ErrComponentNotFound, "finding fee component")
	}
	return billing.FeeComponent(row), nil
}

func (repo *billingRepository) QueryComponents(ctx context.Context, schoolID int, exec ...core.DBExecutor) ([]billing.FeeComponent, error) {
	var rows []componentRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+componentColumns+` FROM fee_components WHERE school_id = $1 ORDER BY lower(name), id`, schoolID)
	if err != nil {
		return nil, errors.Wrap(err, "querying fee components")
	}
	comps := make([]billing.FeeComponent, 0, len(rows))
	for _, r := range rows {
		comps = append(comps, billing.FeeComponent(r))
	}
	return comps, nil
}

func (repo *billingRepository) UpdateComponent(ctx context.Context, c billing.FeeComponent, exec ...core.DBExecutor) (billing.FeeComponent, error) {
	var row componentRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`UPDATE fee_components SET name = $3, code = $4, default_amount = $5, is_optional = $6
		WHERE school_id = $1 AND id = $2
		RETURNING `+componentColumns,
		c.SchoolID, c.ID, c.Name, c.Code, c.DefaultAmount, c.IsOptional)
	if err != nil {
		if isUniqueViolation(err) {
			return billing.FeeComponent{}, billing.ErrComponentExists
		}
		return billing.FeeComponent{}, trapNoRowsErr(err, billing.ErrComponentNotFound, "updating fee component")
	}
	return billing.FeeComponent(row), nil
}

// DeleteComponent cascades to the class defaults and student items; invoice items keep their description.
func (repo *billingRepository) DeleteComponent(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) error {
	return repo.deleteScoped(ctx, "fee_components", schoolID, id, billing.ErrComponentNotFound, exec)
}

// Class defaults

func (repo *billingRepository) SetClassDefault(ctx context.Context, d billing.ClassFeeDefault, exec ...core.DBExecutor) (billing.ClassFeeDefault, error) {
	var row defaultRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO class_fee_defaults (school_id, class_name, year, term, component_id, amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (school_id, class_name, year, term, component_id) DO UPDATE SET amount = EXCLUDED.amount
		RETURNING `+defaultColumns,
		d.SchoolID, d.ClassName, d.Year, d.Term, d.ComponentID, d.Amount)
	if err != nil {
		return billing.ClassFeeDefault{}, errors.Wrap(err, "saving class fee default")
	}
	return billing.ClassFeeDefault(row), nil
}

func (repo *billingRepository) QueryClassDefaults(ctx context.Context, schoolID, year, term int, exec ...core.DBExecutor) ([]billing.ClassFeeDefault, error) {
	var rows []defaultRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+defaultColumns+` FROM class_fee_defaults
		WHERE school_id = $1 AND year = $2 AND term = $3
		ORDER BY lower(class_name), id`,
		schoolID, year, term)
	if err != nil {
		return nil, errors.Wrap(err, "querying class fee defaults")
	}
	defaults := make([]billing.ClassFeeDefault, 0, len(rows))
	for _, r := range rows {
		defaults = append(defaults, billing.ClassFeeDefault(r))
	}
	return defaults, nil
}

func (repo *billingRepository) DeleteClassDefault(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) error {
	return repo.deleteScoped(ctx, "class_fee_defaults", schoolID, id, billing.ErrDefaultNotFound, exec)
}

// Student items

func (repo *billingRepository) SetStudentItem(ctx context.Context, it billing.StudentFeeItem, exec ...core.DBExecutor) (billing.StudentFeeItem, error) {
	var row itemRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO student_fee_items (school_id, student_id, year, term, component_id, amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (student_id, year, term, component_id) DO UPDATE SET amount = EXCLUDED.amount
		RETURNING `+itemColumns,
		it.SchoolID, it.StudentID, it.Year, it.Term, it.ComponentID, it.Amount)
	if err != nil {
		return billing.StudentFeeItem{}, errors.Wrap(err, "saving student fee item")
	}
	return billing.StudentFeeItem(row), nil
}

func (repo *billingRepository) QueryStudentItems(ctx context.Context, schoolID, year, term int, exec ...core.DBExecutor) ([]billing.StudentFeeItem, error) {
	var rows []itemRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+itemColumns+` FROM student_fee_items
		WHERE school_id = $1 AND year = $2 AND term = $3
		ORDER BY id`,
		schoolID, year, term)
	if err != nil {
		return nil, errors.Wrap(err, "querying student fee items")
	}
	items := make([]billing.StudentFeeItem, 0, len(rows))
	for _, r := range rows {
		items = append(items, billing.StudentFeeItem(r))
	}
	return items, nil
}

func (repo *billingRepository) DeleteStudentItem(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) error {
	return repo.deleteScoped(ctx, "student_fee_items", schoolID, id, billing.ErrItemNotFound, exec)
}

// Discounts

func (repo *billingRepository) SetDiscount(ctx context.Context, d billing.Discount, exec ...core.DBExecutor) (billing.Discount, error) {
	var row discountRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO discounts (school_id, student_id, year, term, kind, value, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (student_id, year, term) DO UPDATE SET kind = EXCLUDED.kind, value = EXCLUDED.value, reason = EXCLUDED.reason
		RETURNING `+discountColumns,
		d.SchoolID, d.StudentID, d.Year, d.Term, d.Kind, d.Value, d.Reason, d.CreatedAt.UTC())
	if err != nil {
		return billing.Discount{}, errors.Wrap(err, "saving discount")
	}
	return billing.Discount(row), nil
}

func (repo *billingRepository) QueryDiscounts(ctx context.Context, schoolID, year, term int, exec ...core.DBExecutor) ([]billing.Discount, error) {
	var rows []discountRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+discountColumns+` FROM discounts
		WHERE school_id = $1 AND year = $2 AND term = $3
		ORDER BY id`,
		schoolID, year, term)
	if err != nil {
		return nil, errors.Wrap(err, "querying discounts")
	}
	discounts := make([]billing.Discount, 0, len(rows))
	for _, r := range rows {
		discounts = append(discounts, billing.Discount(r))
	}
	return discounts, nil
}

func (repo *billingRepository) DeleteDiscount(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) error {
	return repo.deleteScoped(ctx, "discounts", schoolID, id, billing.ErrDiscountNotFound, exec)
}

// Invoices

// SaveInvoice must run inside a transaction: the items are replaced after the upsert.
func (repo *billingRepository) SaveInvoice(ctx context.Context, inv billing.Invoice, exec ...core.DBExecutor) (billing.Invoice, error) {
	exe := repo.getExec(exec)

	var row invoiceRow
	err := sqlx.GetContext(ctx, exe, &row,
		`INSERT INTO invoices (school_id, student_id, year, term, total, status, due_date, issued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (student_id, year, term) DO UPDATE SET
			total = EXCLUDED.total, status = EXCLUDED.status, due_date = EXCLUDED.due_date, updated_at = EXCLUDED.updated_at
		RETURNING `+invoiceColumns,
		inv.SchoolID, inv.StudentID, inv.Year, inv.Term, inv.Total, inv.Status,
		nullTime(inv.DueDate), inv.IssuedAt.UTC(), inv.UpdatedAt.UTC())
	if err != nil {
		return billing.Invoice{}, errors.Wrap(err, "upserting invoice")
	}
	saved := row.invoice()

	if _, err = exe.ExecContext(ctx, `DELETE FROM invoice_items WHERE invoice_id = $1`, saved.ID); err != nil {
		return billing.Invoice{}, errors.Wrap(err, "clearing invoice items")
	}
	for _, item := range inv.Items {
		var ir invoiceItemRow
		err = sqlx.GetContext(ctx, exe, &ir,
			`INSERT INTO invoice_items (invoice_id, component_id, description, amount)
			VALUES ($1, $2, $3, $4)
			RETURNING id, invoice_id, component_id, description, amount`,
			saved.ID, null.IntFromPtr(item.ComponentID), item.Description, item.Amount)
		if err != nil {
			return billing.Invoice{}, errors.Wrap(err, "inserting invoice item")
		}
		saved.Items = append(saved.Items, ir.item())
	}
	return saved, nil
}

func (repo *billingRepository) loadItems(ctx context.Context, invoices []billing.Invoice, exec []core.DBExecutor) error {
	if len(invoices) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(invoices))
	idx := make(map[int]int, len(invoices))
	for i, inv := range invoices {
		ids = append(ids, int64(inv.ID))
		idx[inv.ID] = i
	}

	var rows []invoiceItemRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT id, invoice_id, component_id, description, amount FROM invoice_items
		WHERE invoice_id = ANY($1)
		ORDER BY id`,
		pq.Int64Array(ids))
	if err != nil {
		return errors.Wrap(err, "querying invoice items")
	}
	for _, r := range rows {
		i := idx[r.InvoiceID]
		invoices[i].Items = append(invoices[i].Items, r.item())
	}
	return nil
}

func (repo *billingRepository) getInvoice(ctx context.Context, query string, args []interface{}, exec []core.DBExecutor) (billing.Invoice, error) {
	var row invoiceRow
	if err := sqlx.GetContext(ctx, repo.getExec(exec), &row, query, args...); err != nil {
		return billing.Invoice{}, trapNoRowsErr(err, billing.ErrInvoiceNotFound, "finding invoice")
	}
	invoices := []billing.Invoice{row.invoice()}
	if err := repo.loadItems(ctx, invoices, exec); err != nil {
		return billing.Invoice{}, err
	}
	return invoices[0], nil
}

func (repo *billingRepository) GetInvoice(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (billing.Invoice, error) {
	return repo.getInvoice(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE school_id = $1 AND id = $2`,
		[]interface{}{schoolID, id}, exec)
}

func (repo *billingRepository) GetInvoiceByPeriod(ctx context.Context, schoolID, studentID, year, term int, exec ...core.DBExecutor) (billing.Invoice, error) {
	return repo.getInvoice(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE school_id = $1 AND student_id = $2 AND year = $3 AND term = $4`,
		[]interface{}{schoolID, studentID, year, term}, exec)
}

func (repo *billingRepository) QueryInvoices(ctx context.Context, filter billing.InvoiceFilter, exec ...core.DBExecutor) ([]billing.Invoice, error) {
	var rows []invoiceRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+invoiceColumns+` FROM invoices
		WHERE school_id = $1 AND ($2 = 0 OR student_id = $2) AND ($3 = 0 OR year = $3)
			AND ($4 = 0 OR term = $4) AND ($5 = '' OR status = $5)
		ORDER BY year DESC, term DESC, id`,
		filter.SchoolID, filter.StudentID, filter.Year, filter.Term, filter.Status)
	if err != nil {
		return nil, errors.Wrap(err, "querying invoices")
	}
	invoices := make([]billing.Invoice, 0, len(rows))
	for _, r := range rows {
		invoices = append(invoices, r.invoice())
	}
	if err = repo.loadItems(ctx, invoices, exec); err != nil {
		return nil, err
	}
	return invoices, nil
}

func (repo *billingRepository) UpdateInvoiceStatus(ctx context.Context, schoolID, id int, status string, exec ...core.DBExecutor) error {
	res, err := repo.getExec(exec).ExecContext(ctx,
		`UPDATE invoices SET status = $3, updated_at = now() WHERE school_id = $1 AND id = $2`, schoolID, id, status)
	if err != nil {
		return errors.Wrap(err, "updating invoice status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrInvoiceNotFound
	}
	return nil
}

func (repo *billingRepository) PaidForTerm(ctx context.Context, schoolID, studentID, year, term int, exec ...core.DBExecutor) (decimal.Decimal, error) {
	var paid decimal.Decimal
	err := sqlx.GetContext(ctx, repo.getExec(exec), &paid,
		`SELECT COALESCE(SUM(amount), 0) FROM payments
		WHERE school_id = $1 AND student_id = $2 AND year = $3 AND term = $4`,
		schoolID, studentID, year, term)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "summing term payments")
	}
	return paid, nil
}
