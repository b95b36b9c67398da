package core

import (
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/shopspring/decimal"
)

var (
	// custom validation tags & texts
	alphaNumUnderTag   = "alphanum_"
	alphaNumUnderText  = "only alphanumeric characters and underscores are allowed"
	alphaNumUnderRegex = regexp.MustCompile(`^\w+$`)

	decimalGTZeroTag  = "dgt0"
	decimalGTZeroText = "must be greater than 0"

	decimalGTEZeroTag  = "dgte0"
	decimalGTEZeroText = "cannot be negative"

	msisdnTag   = "msisdn"
	msisdnText  = "invalid phone number"
	msisdnRegex = regexp.MustCompile(`^(\+?254|0)?[17]\d{8}$`)

	termTag  = "term"
	termText = "term must be 1, 2 or 3"

	schoolYearTag  = "schoolyear"
	schoolYearText = "invalid school year"

	slugTag   = "slug"
	slugText  = "only lowercase letters, digits and dashes are allowed"
	slugRegex = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

	requiredTag     = "required"
	requiredWithTag = "required_with"
	requiredText    = "this field is required"
)

// NewTranslator returns the english translator used for validation messages.
func NewTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

// InitValidators instantiates the validator for use.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// decimals are validated as values, not structs
	validate.RegisterCustomTypeFunc(decimalValuer, decimal.Decimal{})

	// register custom validators
	_ = validate.RegisterValidation(alphaNumUnderTag, alphaNumUnderValidation)
	RegisterCustomTranslation(validate, translator, alphaNumUnderTag, alphaNumUnderText)

	_ = validate.RegisterValidation(decimalGTZeroTag, decimalGTZeroValidation)
	RegisterCustomTranslation(validate, translator, decimalGTZeroTag, decimalGTZeroText)

	_ = validate.RegisterValidation(decimalGTEZeroTag, decimalGTEZeroValidation)
	RegisterCustomTranslation(validate, translator, decimalGTEZeroTag, decimalGTEZeroText)

	_ = validate.RegisterValidation(msisdnTag, msisdnValidation)
	RegisterCustomTranslation(validate, translator, msisdnTag, msisdnText)

	_ = validate.RegisterValidation(termTag, termValidation)
	RegisterCustomTranslation(validate, translator, termTag, termText)

	_ = validate.RegisterValidation(schoolYearTag, schoolYearValidation)
	RegisterCustomTranslation(validate, translator, schoolYearTag, schoolYearText)

	_ = validate.RegisterValidation(slugTag, slugValidation)
	RegisterCustomTranslation(validate, translator, slugTag, slugText)

	RegisterCustomTranslation(validate, translator, requiredTag, requiredText, true)
	RegisterCustomTranslation(validate, translator, requiredWithTag, requiredText, true)
}

// RegisterCustomTranslation registers a custom translation for the specified validation tag.
func RegisterCustomTranslation(validate *validator.Validate, translator ut.Translator, tag, text string, override ...bool) {
	var ovrd bool
	if len(override) > 0 {
		ovrd = override[0]
	}
	_ = validate.RegisterTranslation(
		tag, translator,
		func(t ut.Translator) error { return t.Add(tag, text, ovrd) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(tag, fe.Field())
			return s
		},
	)
}

// decimalValuer exposes decimals to the validator as their string form.
func decimalValuer(field reflect.Value) interface{} {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		return d.String()
	}
	return nil
}

func fieldDecimal(fl validator.FieldLevel) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(fl.Field().String())
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Custom Global Validators

// alphaNumUnderValidation only allows alphanumeric characters and underscores.
func alphaNumUnderValidation(fl validator.FieldLevel) bool {
	return alphaNumUnderRegex.MatchString(fl.Field().String())
}

func decimalGTZeroValidation(fl validator.FieldLevel) bool {
	d, ok := fieldDecimal(fl)
	return ok && d.IsPositive()
}

func decimalGTEZeroValidation(fl validator.FieldLevel) bool {
	d, ok := fieldDecimal(fl)
	return ok && !d.IsNegative()
}

// msisdnValidation accepts Safaricom/Airtel style numbers: 07XXXXXXXX, 2547XXXXXXXX, +2541XXXXXXXX.
func msisdnValidation(fl validator.FieldLevel) bool {
	s := strings.ReplaceAll(fl.Field().String(), " ", "")
	return msisdnRegex.MatchString(s)
}

func termValidation(fl validator.FieldLevel) bool {
	t := fl.Field().Int()
	return t >= 1 && t <= 3
}

func schoolYearValidation(fl validator.FieldLevel) bool {
	y := int(fl.Field().Int())
	return y >= 2000 && y <= time.Now().Year()+1
}

func slugValidation(fl validator.FieldLevel) bool {
	return slugRegex.MatchString(fl.Field().String())
}
