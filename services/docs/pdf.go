// Package docs renders the documents the app hands out: PDF receipts and invoices, Excel sheets.
package docs

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/phpdave11/gofpdf"
	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/billing"
	"github.com/trezcool/karo/core/docsign"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
)

const (
	dateLayout = "02 Jan 2006"
	qrSize     = 32 // mm
)

var NowFunc = time.Now // mockable

// InvoiceDoc is everything printed on an invoice.
type InvoiceDoc struct {
	School   school.School
	Student  student.Student
	Guardian *student.Guardian
	Invoice  billing.InvoiceDetail
}

// Renderer implements payment.ReceiptRenderer.
type Renderer struct {
	appName string
	signer  *docsign.Signer
}

var _ payment.ReceiptRenderer = (*Renderer)(nil)

type RendererOption func(*Renderer)

// WithSigner prints a signed QR code on every document.
func WithSigner(s *docsign.Signer) RendererOption {
	return func(r *Renderer) { r.signer = s }
}

func NewRenderer(appName string, opts ...RendererOption) *Renderer {
	r := &Renderer{appName: appName}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type page struct {
	pdf *gofpdf.Fpdf
	tr  func(string) string
}

func (r *Renderer) newPage(title string, sch school.School) page {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(title, true)
	pdf.SetCreator(r.appName, true)
	pdf.SetCreationDate(NowFunc())
	pdf.SetMargins(15, 15, 15)
	pdf.AddPage()
	p := page{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor("")}

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 8, p.tr(sch.Name), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	for _, line := range []string{sch.Address, joinNonEmpty(" | ", sch.Phone, sch.Email)} {
		if line != "" {
			pdf.CellFormat(0, 5, p.tr(line), "", 1, "L", false, 0, "")
		}
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 9, strings.ToUpper(title), "B", 1, "L", false, 0, "")
	pdf.Ln(3)
	return p
}

func (p page) field(label, value string) {
	p.pdf.SetFont("Helvetica", "B", 10)
	p.pdf.CellFormat(45, 6, label, "", 0, "L", false, 0, "")
	p.pdf.SetFont("Helvetica", "", 10)
	p.pdf.CellFormat(0, 6, p.tr(safe(value, "-")), "", 1, "L", false, 0, "")
}

func (p page) row(desc, amount string, bold bool) {
	style := ""
	if bold {
		style = "B"
	}
	p.pdf.SetFont("Helvetica", style, 10)
	p.pdf.CellFormat(130, 7, p.tr(desc), "1", 0, "L", false, 0, "")
	p.pdf.CellFormat(0, 7, amount, "1", 1, "R", false, 0, "")
}

func (p page) footer(text string) {
	p.pdf.Ln(8)
	p.pdf.SetFont("Helvetica", "I", 9)
	p.pdf.MultiCell(0, 5, p.tr(text), "", "L", false)
}

// qr prints `payload` as a QR code on the right, under what was written so far.
func (p page) qr(payload string) error {
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		return errors.Wrap(err, "encoding qr code")
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	p.pdf.RegisterImageOptionsReader("qr", opts, bytes.NewReader(png))

	pageW, _ := p.pdf.GetPageSize()
	_, _, right, _ := p.pdf.GetMargins()
	y := p.pdf.GetY() + 4
	p.pdf.ImageOptions("qr", pageW-right-qrSize, y, qrSize, qrSize, false, opts, 0, "")
	p.pdf.SetY(y + qrSize + 1)
	p.pdf.SetFont("Helvetica", "", 8)
	p.pdf.CellFormat(0, 4, "Scan to verify this document", "", 1, "R", false, 0, "")
	return nil
}

// sign prints the signed payload of the document, when the renderer has a signer.
func (r *Renderer) sign(p page, kind string, fields map[string]interface{}) error {
	if r.signer == nil {
		return nil
	}
	payload, err := r.signer.Sign(kind, fields)
	if err != nil {
		return err
	}
	return p.qr(payload)
}

func (p page) output() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.pdf.Output(&buf); err != nil {
		return nil, errors.Wrap(err, "writing pdf")
	}
	return buf.Bytes(), nil
}

// ReceiptFields is what the QR code of a receipt vouches for.
func ReceiptFields(rc payment.Receipt) map[string]interface{} {
	return map[string]interface{}{
		"rid":       rc.Payment.ID,
		"no":        ReceiptNumber(rc.Payment),
		"school_id": rc.Payment.SchoolID,
		"sid":       rc.Payment.StudentID,
		"name":      rc.Student.Name,
		"adm":       rc.Student.AdmissionNo,
		"amt":       rc.Payment.Amount.StringFixed(2),
		"cur":       rc.School.Currency,
		"m":         rc.Payment.Method,
		"ref":       rc.Payment.Reference,
		"term":      rc.Payment.Term,
		"year":      rc.Payment.Year,
		"dt":        rc.Payment.PaidAt.UTC().Format("2006-01-02"),
	}
}

// InvoiceFields is what the QR code of an invoice vouches for.
func InvoiceFields(doc InvoiceDoc) map[string]interface{} {
	inv := doc.Invoice
	return map[string]interface{}{
		"iid":       inv.ID,
		"no":        InvoiceNumber(inv.Invoice),
		"school_id": inv.SchoolID,
		"sid":       inv.StudentID,
		"name":      doc.Student.Name,
		"adm":       doc.Student.AdmissionNo,
		"total":     inv.Total.StringFixed(2),
		"cur":       doc.School.Currency,
		"term":      inv.Term,
		"year":      inv.Year,
		"dt":        inv.IssuedAt.UTC().Format("2006-01-02"),
	}
}

// ReceiptNumber is the printed number of a payment receipt.
func ReceiptNumber(p payment.Payment) string {
	return fmt.Sprintf("RCT-%d-%06d", p.SchoolID, p.ID)
}

// InvoiceNumber is the printed number of an invoice.
func InvoiceNumber(inv billing.Invoice) string {
	return fmt.Sprintf("INV-%d-T%d-%06d", inv.Year, inv.Term, inv.ID)
}

func (r *Renderer) ReceiptPDF(rc payment.Receipt) ([]byte, error) {
	currency := rc.School.Currency
	p := r.newPage("Payment receipt", rc.School)

	p.field("Receipt no:", ReceiptNumber(rc.Payment))
	p.field("Date:", rc.Payment.PaidAt.Format(dateLayout))
	p.field("Student:", rc.Student.Name)
	p.field("Admission no:", rc.Student.AdmissionNo)
	p.field("Class:", rc.Student.ClassName)
	if rc.Guardian != nil {
		p.field("Received from:", rc.Guardian.Name)
	}
	p.field("Term:", fmt.Sprintf("Term %d, %d", rc.Payment.Term, rc.Payment.Year))
	p.field("Method:", rc.Payment.Method)
	p.field("Reference:", rc.Payment.Reference)
	p.pdf.Ln(4)

	p.row("Amount received", core.FormatMoney(currency, rc.Payment.Amount), true)
	p.row("Balance after payment", core.FormatMoney(currency, rc.Student.Balance), false)
	if rc.Student.Credit.IsPositive() {
		p.row("Credit available", core.FormatMoney(currency, rc.Student.Credit), false)
	}

	p.footer(fmt.Sprintf("Issued by %s on %s. Thank you for your payment.", r.appName, NowFunc().Format(dateLayout)))
	if err := r.sign(p, docsign.KindReceipt, ReceiptFields(rc)); err != nil {
		return nil, err
	}
	return p.output()
}

func (r *Renderer) InvoicePDF(doc InvoiceDoc) ([]byte, error) {
	currency := doc.School.Currency
	inv := doc.Invoice
	p := r.newPage("Invoice", doc.School)

	p.field("Invoice no:", InvoiceNumber(inv.Invoice))
	p.field("Issued:", inv.IssuedAt.Format(dateLayout))
	if !inv.DueDate.IsZero() {
		p.field("Due:", inv.DueDate.Format(dateLayout))
	}
	p.field("Status:", strings.ToUpper(inv.Status))
	p.field("Student:", doc.Student.Name)
	p.field("Admission no:", doc.Student.AdmissionNo)
	p.field("Class:", doc.Student.ClassName)
	if doc.Guardian != nil {
		p.field("Bill to:", doc.Guardian.Name)
	}
	p.field("Term:", fmt.Sprintf("Term %d, %d", inv.Term, inv.Year))
	p.pdf.Ln(4)

	p.pdf.SetFillColor(235, 235, 235)
	p.pdf.SetFont("Helvetica", "B", 10)
	p.pdf.CellFormat(130, 7, "Description", "1", 0, "L", true, 0, "")
	p.pdf.CellFormat(0, 7, "Amount", "1", 1, "R", true, 0, "")
	for _, it := range inv.Items {
		p.row(it.Description, core.FormatMoney(currency, it.Amount), false)
	}
	p.row("Total", core.FormatMoney(currency, inv.Total), true)
	p.row("Paid", core.FormatMoney(currency, inv.Paid), false)
	p.row("Outstanding", core.FormatMoney(currency, inv.Outstanding), true)

	p.footer(fmt.Sprintf("Generated by %s on %s.", r.appName, NowFunc().Format(dateLayout)))
	if err := r.sign(p, docsign.KindInvoice, InvoiceFields(doc)); err != nil {
		return nil, err
	}
	return p.output()
}

func safe(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
