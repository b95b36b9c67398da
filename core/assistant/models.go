package assistant

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/karo/core"
)

// intents
const (
	IntentStudentBalance   = "student_balance"
	IntentTopDebtors       = "top_debtors"
	IntentAnalyticsSummary = "analytics_summary"
	IntentGenerateReminder = "generate_reminder"
	IntentGeneral          = "general"
)

var Intents = []string{
	IntentStudentBalance,
	IntentTopDebtors,
	IntentAnalyticsSummary,
	IntentGenerateReminder,
	IntentGeneral,
}

func validIntent(intent string) bool {
	for _, i := range Intents {
		if i == intent {
			return true
		}
	}
	return false
}

// Chunk is a piece of knowledge text. Chunks without a school are shared by every school.
type Chunk struct {
	ID        int       `json:"id"`
	SchoolID  *int      `json:"school_id"`
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

type Ingest struct {
	SchoolID int    `json:"-"`
	Source   string `json:"source" validate:"required,max=200"`
	Text     string `json:"text" validate:"required"`
	Replace  bool   `json:"replace"` // drop the source's previous chunks first
}

func (in *Ingest) Validate(validate *validator.Validate) error {
	in.Source = core.CleanString(in.Source)
	in.Text = core.CleanString(in.Text)
	return validate.Struct(in)
}

type Question struct {
	Question string `json:"question" validate:"required,max=2000"`
}

func (q *Question) Validate(validate *validator.Validate) error {
	q.Question = core.CleanString(q.Question)
	return validate.Struct(q)
}

// ChatMessage is one message of an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

type Source struct {
	ID      int     `json:"id"`
	Source  string  `json:"source"`
	Excerpt string  `json:"excerpt"`
	Score   float64 `json:"score"`
}

type Answer struct {
	Intent  string      `json:"intent"`
	Entity  string      `json:"entity,omitempty"`
	Answer  string      `json:"answer"`
	Data    interface{} `json:"data,omitempty"`
	Sources []Source    `json:"sources"`
	UsedLLM bool        `json:"used_llm"`
}

type IngestResult struct {
	Source  string `json:"source"`
	Chunks  int    `json:"chunks"`
	Deleted int    `json:"deleted"`
}
