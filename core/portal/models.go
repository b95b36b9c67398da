package portal

import (
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/karo/core"
)

// Identity is what a verified guardian is allowed to act as.
type Identity struct {
	GuardianID int    `json:"guardian_id"`
	SchoolID   int    `json:"school_id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
}

type CodeRequest struct {
	School string `json:"school" validate:"required,slug"`
	Email  string `json:"email" validate:"required,email"`
}

func (cr *CodeRequest) Validate(validate *validator.Validate) error {
	cr.School = core.CleanString(cr.School, true /* lower */)
	cr.Email = core.CleanString(cr.Email, true /* lower */)
	return validate.Struct(cr)
}

type CodeVerification struct {
	School string `json:"school" validate:"required,slug"`
	Email  string `json:"email" validate:"required,email"`
	Code   string `json:"code" validate:"required,len=6,numeric"`
}

func (cv *CodeVerification) Validate(validate *validator.Validate) error {
	cv.School = core.CleanString(cv.School, true /* lower */)
	cv.Email = core.CleanString(cv.Email, true /* lower */)
	cv.Code = core.CleanString(cv.Code)
	return validate.Struct(cv)
}
