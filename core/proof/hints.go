package proof

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	currencyAmountRegex = regexp.MustCompile(`(?i)\b(?:KES|Ksh|Shs|Sh)\.?\s*([\d,]+(?:\.\d+)?)`)
	bareAmountRegex     = regexp.MustCompile(`\b(\d[\d,]{2,}(?:\.\d+)?)\b`)
	numericDateRegex    = regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`)
	textDateRegex       = regexp.MustCompile(`(?i)\b\d{1,2}\s+(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\s+\d{2,4}\b`)
	bankWordRegex       = regexp.MustCompile(`(?i)\b(m-?pesa|equity|kcb|dtb|family|absa|barclays|stanbic|co-?operative|ncba|bank)\b`)

	bankNames = map[string]string{
		"mpesa":        "M-Pesa",
		"m-pesa":       "M-Pesa",
		"equity":       "Equity",
		"kcb":          "KCB",
		"dtb":          "DTB",
		"family":       "Family",
		"absa":         "Absa",
		"barclays":     "Absa",
		"stanbic":      "Stanbic",
		"cooperative":  "Co-operative",
		"co-operative": "Co-operative",
		"ncba":         "NCBA",
		"bank":         "Bank",
	}
)

// ExtractHints reads an amount, a date and a bank off free text (the guardian's note, a file name).
// An amount after a currency marker wins over a bare number.
func ExtractHints(text string) Hints {
	var h Hints
	if text = strings.TrimSpace(text); text == "" {
		return h
	}

	raw := ""
	if m := currencyAmountRegex.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else if m := bareAmountRegex.FindStringSubmatch(withoutDates(text)); m != nil {
		raw = m[1]
	}
	if raw != "" {
		if d, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", "")); err == nil && d.IsPositive() {
			h.Amount = decimal.NewNullDecimal(d.Round(2))
		}
	}

	if m := numericDateRegex.FindString(text); m != "" {
		h.Date = m
	} else if m := textDateRegex.FindString(text); m != "" {
		h.Date = m
	}

	if m := bankWordRegex.FindStringSubmatch(text); m != nil {
		h.Bank = bankNames[strings.ToLower(m[1])]
	}
	return h
}

func withoutDates(text string) string {
	return textDateRegex.ReplaceAllString(numericDateRegex.ReplaceAllString(text, " "), " ")
}
