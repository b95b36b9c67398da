package term

import (
	"fmt"
	"time"
)

// Statuses
const (
	StatusDraft  = "DRAFT"
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"
)

// AcademicTerm is one of the three terms of a school year.
type AcademicTerm struct {
	ID        int       `json:"id"`
	SchoolID  int       `json:"school_id"`
	Year      int       `json:"year"`
	Term      int       `json:"term"`
	Label     string    `json:"label"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Status    string    `json:"status"`
	IsCurrent bool      `json:"is_current"`
	OpensAt   time.Time `json:"opens_at,omitempty"`
	ClosesAt  time.Time `json:"closes_at,omitempty"`
}

// Contains reports whether `day` falls within the term dates (inclusive).
func (t AcademicTerm) Contains(day time.Time) bool {
	d := truncateDay(day)
	return !d.Before(truncateDay(t.StartDate)) && !d.After(truncateDay(t.EndDate))
}

// Period identifies a (year, term) pair.
type Period struct {
	Year int `json:"year"`
	Term int `json:"term"`
}

func (p Period) String() string {
	return fmt.Sprintf("%d-T%d", p.Year, p.Term)
}

// Current is the resolved current period along with its row, if any.
type Current struct {
	Period
	AcademicTerm *AcademicTerm `json:"academic_term,omitempty"`
	Inferred     bool          `json:"inferred"`
}

// UpdateSchedule sets when a term opens and closes automatically.
type UpdateSchedule struct {
	OpensAt  time.Time `json:"opens_at"`
	ClosesAt time.Time `json:"closes_at"`
}

type StartYear struct {
	Year int `json:"year" validate:"required,schoolyear"`
}

// seedWindows are the default (month, day) windows of the three terms.
var seedWindows = [3][2][2]int{
	{{1, 3}, {4, 15}},
	{{5, 5}, {8, 15}},
	{{9, 1}, {11, 30}},
}

// DefaultTerms returns the three default terms of `year` for a school.
func DefaultTerms(schoolID, year int) []AcademicTerm {
	terms := make([]AcademicTerm, 0, len(seedWindows))
	for i, w := range seedWindows {
		terms = append(terms, AcademicTerm{
			SchoolID:  schoolID,
			Year:      year,
			Term:      i + 1,
			Label:     fmt.Sprintf("Term %d %d", i+1, year),
			StartDate: time.Date(year, time.Month(w[0][0]), w[0][1], 0, 0, 0, 0, time.UTC),
			EndDate:   time.Date(year, time.Month(w[1][0]), w[1][1], 0, 0, 0, 0, time.UTC),
			Status:    StatusDraft,
		})
	}
	return terms
}

// InferTerm maps a month to a term: Jan-Apr => 1, May-Aug => 2, else 3.
func InferTerm(month time.Month) int {
	switch {
	case month <= time.April:
		return 1
	case month <= time.August:
		return 2
	default:
		return 3
	}
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
