package docs

import (
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core/report"
)

var _ report.Renderer = (*Renderer)(nil)

func money(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

// FeeReportXLSX writes the students, payments and the three summaries on their own sheets.
func (r *Renderer) FeeReportXLSX(rep report.FeeReport) ([]byte, error) {
	cur := rep.School.Currency

	students := sheetData{
		name:   "Students",
		header: []interface{}{"Name", "Admission No", "Class", "Balance (" + cur + ")", "Credit (" + cur + ")", "Active"},
	}
	for _, s := range rep.Students {
		students.rows = append(students.rows, []interface{}{s.Name, s.AdmissionNo, s.ClassName, money(s.Balance), money(s.Credit), s.IsActive})
	}

	payments := sheetData{
		name:   "Payments",
		header: []interface{}{"Student Name", "Admission No", "Class", "Year", "Term", "Amount (" + cur + ")", "Method", "Reference", "Date"},
	}
	for _, p := range rep.Payments {
		payments.rows = append(payments.rows, []interface{}{
			p.StudentName, p.AdmissionNo, p.ClassName, p.Year, p.Term, money(p.Amount), p.Method, p.Reference, p.PaidAt.Format("2006-01-02"),
		})
	}

	classes := sheetData{
		name:   "Class summary",
		header: []interface{}{"Class", "Total Students", "Total Pending (" + cur + ")", "Total Credit (" + cur + ")"},
	}
	for _, c := range rep.Classes {
		classes.rows = append(classes.rows, []interface{}{c.ClassName, c.Students, money(c.Outstanding), money(c.Credit)})
	}

	terms := sheetData{
		name:   "Term summary",
		header: []interface{}{"Year", "Term", "Total Collected (" + cur + ")"},
	}
	for _, t := range rep.Terms {
		terms.rows = append(terms.rows, []interface{}{t.Year, t.Term, money(t.Collected)})
	}

	methods := sheetData{
		name:   "Method breakdown",
		header: []interface{}{"Method", "Count", "Total (" + cur + ")"},
	}
	for _, m := range rep.Methods {
		methods.rows = append(methods.rows, []interface{}{m.Method, m.Count, money(m.Total)})
	}

	return writeSheets(students, payments, classes, terms, methods)
}
