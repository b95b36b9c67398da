package student

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
)

// Credit search modes
const (
	SearchSources = "source"
	SearchTargets = "target"

	creditSearchLimit = 25
)

type Guardian struct {
	ID           int       `json:"id"`
	SchoolID     int       `json:"school_id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	Relationship string    `json:"relationship"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Student struct {
	ID          int             `json:"id"`
	SchoolID    int             `json:"school_id"`
	GuardianID  *int            `json:"guardian_id"`
	Name        string          `json:"name"`
	AdmissionNo string          `json:"admission_no"`
	ClassName   string          `json:"class_name"`
	Balance     decimal.Decimal `json:"balance"`
	Credit      decimal.Decimal `json:"credit"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// HasDebtOrCredit reports whether the student can receive transferred credit.
func (s Student) HasDebtOrCredit() bool {
	return s.Balance.IsPositive() || s.Credit.IsPositive()
}

func (s Student) HasGuardian(id int) bool {
	return s.GuardianID != nil && *s.GuardianID == id
}

type NewGuardian struct {
	SchoolID     int    `json:"-"`
	Name         string `json:"name" validate:"required"`
	Email        string `json:"email" validate:"omitempty,email"`
	Phone        string `json:"phone" validate:"omitempty,msisdn"`
	Relationship string `json:"relationship"`
}

func (ng *NewGuardian) Validate(validate *validator.Validate) error {
	ng.Name = core.CleanString(ng.Name)
	ng.Email = core.CleanString(ng.Email, true /* lower */)
	ng.Phone = core.CleanString(ng.Phone)
	ng.Relationship = core.CleanString(ng.Relationship, true /* lower */)
	return validate.Struct(ng)
}

type UpdateGuardian NewGuardian

func (ug *UpdateGuardian) Validate(validate *validator.Validate) error {
	return (*NewGuardian)(ug).Validate(validate)
}

type NewStudent struct {
	SchoolID    int    `json:"-"`
	GuardianID  *int   `json:"guardian_id"`
	Name        string `json:"name" validate:"required"`
	AdmissionNo string `json:"admission_no" validate:"required,max=32"`
	ClassName   string `json:"class_name" validate:"max=64"`
}

func (ns *NewStudent) Validate(validate *validator.Validate) error {
	ns.Name = core.CleanString(ns.Name)
	ns.AdmissionNo = core.CleanString(ns.AdmissionNo)
	ns.ClassName = core.CleanString(ns.ClassName)
	return validate.Struct(ns)
}

type UpdateStudent struct {
	GuardianID  *int   `json:"guardian_id"`
	Name        string `json:"name" validate:"required"`
	AdmissionNo string `json:"admission_no" validate:"required,max=32"`
	ClassName   string `json:"class_name" validate:"max=64"`
	IsActive    *bool  `json:"is_active"`
}

// Validate fills the omitted fields from `orig` before validating.
func (us *UpdateStudent) Validate(orig Student, validate *validator.Validate) error {
	us.Name = core.CleanString(us.Name)
	us.AdmissionNo = core.CleanString(us.AdmissionNo)
	us.ClassName = core.CleanString(us.ClassName)
	if us.Name == "" {
		us.Name = orig.Name
	}
	if us.AdmissionNo == "" {
		us.AdmissionNo = orig.AdmissionNo
	}
	if us.GuardianID == nil {
		us.GuardianID = orig.GuardianID
	}
	if us.IsActive == nil {
		us.IsActive = &orig.IsActive
	}
	return validate.Struct(us)
}

type QueryFilter struct {
	SchoolID   int    `query:"-"`
	Search     string `query:"search"`
	ClassName  string `query:"class"`
	GuardianID int    `query:"guardian"`
	HasBalance *bool  `query:"has_balance"`
	HasCredit  *bool  `query:"has_credit"`
	IsActive   *bool  `query:"is_active"`
	MinBalance decimal.Decimal
}

// ImportRow is one spreadsheet row of a bulk import.
type ImportRow struct {
	Row           int
	Name          string
	AdmissionNo   string
	ClassName     string
	GuardianName  string
	GuardianEmail string
	GuardianPhone string
}

type ImportError struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

type ImportResult struct {
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Errors  []ImportError `json:"errors"`
}
