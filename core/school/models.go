package school

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/user"
)

// Plans
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Setting keys
const (
	SettingReminderTemplate = "reminder_template"
	SettingReminderChannels = "reminder_channels"
	SettingAutoReminders    = "auto_reminders"
	SettingPortalURL        = "portal_url"
	SettingPayPalEnabled    = "paypal_enabled"
	SettingReportFrequency  = "report_frequency"
)

// Report frequencies
const (
	ReportsOff     = "off"
	ReportsWeekly  = "weekly"
	ReportsMonthly = "monthly"
)

const DefaultReminderTemplate = "Dear {{.GuardianName}}, this is a reminder that {{.StudentName}} ({{.AdmissionNo}}, {{.ClassName}}) " +
	"has an outstanding fee balance of {{.Currency}} {{.Balance}} at {{.SchoolName}}. " +
	"{{if .PortalURL}}View and pay online: {{.PortalURL}} {{end}}Thank you."

var (
	knownSettings = map[string]bool{
		SettingReminderTemplate: true,
		SettingReminderChannels: true,
		SettingAutoReminders:    true,
		SettingPortalURL:        true,
		SettingPayPalEnabled:    true,
		SettingReportFrequency:  true,
	}

	// settingValues lists the accepted values of the settings that have a fixed set.
	settingValues = map[string][]string{
		SettingReportFrequency: {ReportsOff, ReportsWeekly, ReportsMonthly},
	}

	slugInvalidChars = regexp.MustCompile(`[^a-z0-9]+`)
)

type School struct {
	ID             int       `json:"id"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone"`
	Address        string    `json:"address"`
	Currency       string    `json:"currency"`
	Plan           string    `json:"plan"`
	ProActivatedAt time.Time `json:"pro_activated_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (s School) IsPro() bool {
	return s.Plan == PlanPro
}

// Settings is the per-school key/value store.
type Settings map[string]string

func DefaultSettings() Settings {
	return Settings{
		SettingReminderTemplate: DefaultReminderTemplate,
		SettingReminderChannels: "email",
		SettingAutoReminders:    "false",
		SettingPortalURL:        "",
		SettingPayPalEnabled:    "false",
		SettingReportFrequency:  ReportsWeekly,
	}
}

func (s Settings) Bool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(s[key])) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// List splits a comma separated setting.
func (s Settings) List(key string) []string {
	var out []string
	for _, v := range strings.Split(s[key], ",") {
		if v = strings.TrimSpace(strings.ToLower(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ProActivation is the record of a Pro plan purchase, unique per M-Pesa receipt.
type ProActivation struct {
	ID          int             `json:"id"`
	SchoolID    int             `json:"school_id"`
	MpesaRef    string          `json:"mpesa_ref"`
	Amount      decimal.Decimal `json:"amount"`
	LicenseKey  string          `json:"license_key"`
	ActivatedAt time.Time       `json:"activated_at"`
}

// NewSchool contains information needed to sign up a school along with its owner.
type NewSchool struct {
	Name     string       `json:"name" validate:"required"`
	Slug     string       `json:"slug" validate:"omitempty,slug"`
	Email    string       `json:"email" validate:"required,email"`
	Phone    string       `json:"phone" validate:"omitempty,msisdn"`
	Address  string       `json:"address"`
	Currency string       `json:"currency" validate:"omitempty,len=3"`
	Owner    user.NewUser `json:"owner"`
}

func (ns *NewSchool) Validate(ctx context.Context, validate *validator.Validate, usrSvc user.Service) error {
	ns.Name = core.CleanString(ns.Name)
	ns.Email = core.CleanString(ns.Email, true /* lower */)
	ns.Phone = core.CleanString(ns.Phone)
	ns.Address = core.CleanString(ns.Address)
	ns.Currency = strings.ToUpper(core.CleanString(ns.Currency))
	ns.Slug = core.CleanString(ns.Slug, true /* lower */)
	if ns.Slug == "" {
		ns.Slug = Slugify(ns.Name)
	}
	ns.Owner.Roles = []string{user.RoleAdminOwner}

	if err := validate.Struct(ns); err != nil {
		return err
	}
	return ns.Owner.Validate(ctx, validate, usrSvc)
}

type UpdateSchool struct {
	Name    string `json:"name"`
	Email   string `json:"email" validate:"omitempty,email"`
	Phone   string `json:"phone" validate:"omitempty,msisdn"`
	Address string `json:"address"`
}

func (us *UpdateSchool) Validate(validate *validator.Validate) error {
	us.Name = core.CleanString(us.Name)
	us.Email = core.CleanString(us.Email, true /* lower */)
	us.Phone = core.CleanString(us.Phone)
	us.Address = core.CleanString(us.Address)
	return validate.Struct(us)
}

// Slugify turns "St. Mary's Academy" into "st-mary-s-academy".
func Slugify(name string) string {
	return strings.Trim(slugInvalidChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
}
