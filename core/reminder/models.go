package reminder

import (
	"time"

	"github.com/shopspring/decimal"
)

// Channels
const (
	ChannelEmail    = "email"
	ChannelWhatsApp = "whatsapp"
)

// Log statuses
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusPreview = "preview"
)

var AllChannels = []string{ChannelEmail, ChannelWhatsApp}

type Log struct {
	ID        int       `json:"id"`
	SchoolID  int       `json:"school_id"`
	StudentID int       `json:"student_id"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Message   string    `json:"message"`
	Status    string    `json:"status"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

type LogFilter struct {
	SchoolID  int    `query:"-"`
	StudentID int    `query:"student"`
	Status    string `query:"status"`
	Limit     int    `query:"limit"`
}

type RunRequest struct {
	ClassName  string          `json:"class_name"`
	MinBalance decimal.Decimal `json:"min_balance"`
	Channels   []string        `json:"channels"`
	DryRun     bool            `json:"dry_run"`
}

// TemplateData is exposed to the school's reminder template.
type TemplateData struct {
	GuardianName string
	StudentName  string
	AdmissionNo  string
	ClassName    string
	Balance      string
	Currency     string
	SchoolName   string
	PortalURL    string
}

type Message struct {
	StudentID   int    `json:"student_id"`
	StudentName string `json:"student_name"`
	Channel     string `json:"channel"`
	Recipient   string `json:"recipient"`
	Body        string `json:"body"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

type RunResult struct {
	DryRun   bool      `json:"dry_run"`
	Targeted int       `json:"targeted"`
	Sent     int       `json:"sent"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped"`
	Messages []Message `json:"messages"`
}

func (r *RunResult) count(status string) {
	switch status {
	case StatusSent:
		r.Sent++
	case StatusFailed:
		r.Failed++
	case StatusSkipped:
		r.Skipped++
	}
}
