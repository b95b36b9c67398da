package payment

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/karo/core"
)

var (
	paymentMethodTag  = "paymentmethod"
	paymentMethodText = "invalid payment method"
)

func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(paymentMethodTag, paymentMethodValidation)
	core.RegisterCustomTranslation(validate, translator, paymentMethodTag, paymentMethodText)
}

func paymentMethodValidation(fl validator.FieldLevel) bool {
	method := fl.Field().String()
	for _, m := range ManualMethods {
		if m == method {
			return true
		}
	}
	return false
}
