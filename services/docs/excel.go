package docs

import (
	"bytes"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/trezcool/karo/core/analytics"
	"github.com/trezcool/karo/core/student"
)

var (
	ErrNoSheet = errors.New("the workbook has no sheet")

	// StudentSheetColumns is the expected header of a student import sheet.
	StudentSheetColumns = []string{"name", "admission_no", "class", "guardian_name", "guardian_email", "guardian_phone"}

	headerAliases = map[string]string{
		"student name":   "name",
		"full name":      "name",
		"admission no":   "admission_no",
		"admission":      "admission_no",
		"adm no":         "admission_no",
		"class_name":     "class",
		"class name":     "class",
		"grade":          "class",
		"guardian":       "guardian_name",
		"guardian name":  "guardian_name",
		"parent":         "guardian_name",
		"guardian email": "guardian_email",
		"email":          "guardian_email",
		"guardian phone": "guardian_phone",
		"phone":          "guardian_phone",
	}
)

// ReadStudentSheet reads the first sheet of an .xlsx import. The header row is skipped; when it
// names the columns they may come in any order, otherwise StudentSheetColumns order is assumed.
// Blank rows are dropped. Row numbers are the sheet's (1-based, header is row 1).
func ReadStudentSheet(r io.Reader) ([]student.ImportRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "opening excel file")
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, ErrNoSheet
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, errors.Wrapf(err, "reading sheet %s", sheet)
	}
	if len(rows) == 0 {
		return []student.ImportRow{}, nil
	}

	idx := columnIndex(rows[0])
	cell := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	out := make([]student.ImportRow, 0, len(rows)-1)
	for i, row := range rows[1:] {
		ir := student.ImportRow{
			Row:           i + 2,
			Name:          cell(row, "name"),
			AdmissionNo:   cell(row, "admission_no"),
			ClassName:     cell(row, "class"),
			GuardianName:  cell(row, "guardian_name"),
			GuardianEmail: cell(row, "guardian_email"),
			GuardianPhone: cell(row, "guardian_phone"),
		}
		if ir.Name == "" && ir.AdmissionNo == "" && ir.ClassName == "" && ir.GuardianName == "" &&
			ir.GuardianEmail == "" && ir.GuardianPhone == "" {
			continue
		}
		out = append(out, ir)
	}
	return out, nil
}

func columnIndex(header []string) map[string]int {
	idx := make(map[string]int)
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if alias, ok := headerAliases[key]; ok {
			key = alias
		}
		for _, col := range StudentSheetColumns {
			if key == col {
				if _, seen := idx[col]; !seen {
					idx[col] = i
				}
			}
		}
	}
	if len(idx) == 0 {
		for i, col := range StudentSheetColumns {
			idx[col] = i
		}
	}
	return idx
}

// StudentSheetTemplate returns an empty import workbook with the expected header.
func StudentSheetTemplate() ([]byte, error) {
	header := make([]interface{}, 0, len(StudentSheetColumns))
	for _, col := range StudentSheetColumns {
		header = append(header, col)
	}
	return writeWorkbook("Students", header, nil)
}

// DefaultersXLSX exports the defaulters list.
func DefaultersXLSX(defaulters []analytics.Defaulter) ([]byte, error) {
	header := []interface{}{
		"Admission No", "Name", "Class", "Balance", "Guardian", "Phone", "Email", "Last action", "Last action status", "Next follow-up",
	}
	rows := make([][]interface{}, 0, len(defaulters))
	for _, d := range defaulters {
		balance, _ := d.Balance.Round(2).Float64()
		var action, status, followUp string
		if d.LastAction != nil {
			action, status = d.LastAction.Action, d.LastAction.Status
			if d.LastAction.NextFollowUp != nil {
				followUp = d.LastAction.NextFollowUp.Format("2006-01-02")
			}
		}
		rows = append(rows, []interface{}{
			d.AdmissionNo, d.Name, d.ClassName, balance, d.GuardianName, d.GuardianPhone, d.GuardianEmail, action, status, followUp,
		})
	}
	return writeWorkbook("Defaulters", header, rows)
}

type sheetData struct {
	name   string
	header []interface{}
	rows   [][]interface{}
}

func writeWorkbook(sheet string, header []interface{}, rows [][]interface{}) ([]byte, error) {
	return writeSheets(sheetData{name: sheet, header: header, rows: rows})
}

// writeSheets writes one sheet per entry, in order, each with a bold header row.
func writeSheets(sheets ...sheetData) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, errors.Wrap(err, "creating header style")
	}
	for i, sh := range sheets {
		if i == 0 {
			err = f.SetSheetName(f.GetSheetName(0), sh.name)
		} else {
			_, err = f.NewSheet(sh.name)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "adding sheet %s", sh.name)
		}
		if err = writeSheet(f, sh, bold); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if _, err = f.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "writing workbook")
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, sh sheetData, headerStyle int) error {
	header := sh.header
	if err := f.SetSheetRow(sh.name, "A1", &header); err != nil {
		return errors.Wrapf(err, "writing %s header", sh.name)
	}
	if err := f.SetRowStyle(sh.name, 1, 1, headerStyle); err != nil {
		return errors.Wrapf(err, "styling %s header", sh.name)
	}

	for i, row := range sh.rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := row
		if err = f.SetSheetRow(sh.name, cell, &row); err != nil {
			return errors.Wrapf(err, "writing %s row %d", sh.name, i+2)
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	if err = f.SetColWidth(sh.name, "A", lastCol, 18); err != nil {
		return errors.Wrapf(err, "sizing %s columns", sh.name)
	}
	return nil
}
