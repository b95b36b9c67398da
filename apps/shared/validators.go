package shared

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/user"
)

// NewValidation returns a validator with every custom tag and its english message registered.
func NewValidation() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	payment.InitValidators(validate, translator)
	return validate, translator
}
