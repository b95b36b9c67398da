package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/analytics"
	"github.com/trezcool/karo/core/reminder"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
)

const (
	topK          = 4
	topDebtorsN   = 10
	studentMatchN = 5
	excerptLen    = 240
)

var (
	// errors
	ErrNoSchool = errors.New("school is required")

	NowFunc = time.Now // mockable

	entityRegex = regexp.MustCompile(`(?i)\b(?:for|of|owed by|owes|does)\s+([a-z0-9][a-z0-9 .'/-]*?)(?:\s+(?:owe|have|has|still)\b|[?.!]|$)`)
	admNoRegex  = regexp.MustCompile(`\b[A-Za-z]*\d[\w/-]*\b`)
	jsonObject  = regexp.MustCompile(`(?s)\{.*\}`)
)

type (
	Repository interface {
		CreateChunks(ctx context.Context, chunks []Chunk, exec ...core.DBExecutor) ([]Chunk, error)
		// SearchChunks ranks the school's chunks and the shared ones against `query` and returns the best `k`.
		SearchChunks(ctx context.Context, schoolID int, query string, k int, exec ...core.DBExecutor) ([]ScoredChunk, error)
		DeleteChunks(ctx context.Context, schoolID int, source string, exec ...core.DBExecutor) (int, error)
	}

	// Completer answers a chat conversation with a large language model.
	Completer interface {
		Complete(ctx context.Context, messages []ChatMessage) (string, error)
	}

	Service interface {
		Ingest(ctx context.Context, in Ingest) (IngestResult, error)
		Search(ctx context.Context, schoolID int, query string) ([]ScoredChunk, error)
		// Classify returns the intent of `question` and the entity it names, if any.
		Classify(ctx context.Context, question string) (string, string)
		Ask(ctx context.Context, schoolID int, question string) (Answer, error)
	}

	service struct {
		repo         Repository
		studentRepo  student.Repository
		schoolSvc    school.Service
		analyticsSvc analytics.Service
		llm          Completer
		logger       core.Logger
	}
)

var _ Service = (*service)(nil)

// NewService creates the assistant; `llm` may be nil, the assistant then answers from templates.
func NewService(
	repo Repository,
	studentRepo student.Repository,
	schoolSvc school.Service,
	analyticsSvc analytics.Service,
	llm Completer,
	logger core.Logger,
) Service {
	return &service{
		repo:         repo,
		studentRepo:  studentRepo,
		schoolSvc:    schoolSvc,
		analyticsSvc: analyticsSvc,
		llm:          llm,
		logger:       logger,
	}
}

func (svc *service) checkPro(ctx context.Context, schoolID int) (school.School, error) {
	sch, err := svc.schoolSvc.Get(ctx, schoolID)
	if err != nil {
		return sch, err
	}
	if !sch.IsPro() {
		return sch, core.ErrProFeature
	}
	return sch, nil
}

func (svc *service) Ingest(ctx context.Context, in Ingest) (IngestResult, error) {
	res := IngestResult{Source: in.Source}
	if _, err := svc.checkPro(ctx, in.SchoolID); err != nil {
		return res, err
	}

	if in.Replace {
		n, err := svc.repo.DeleteChunks(ctx, in.SchoolID, in.Source)
		if err != nil {
			return res, errors.Wrap(err, "deleting chunks")
		}
		res.Deleted = n
	}

	texts := SplitChunks(in.Text, ChunkSize)
	if len(texts) == 0 {
		return res, nil
	}
	now := NowFunc().UTC()
	sid := in.SchoolID
	chunks := make([]Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = Chunk{SchoolID: &sid, Source: in.Source, Content: t, CreatedAt: now}
	}
	created, err := svc.repo.CreateChunks(ctx, chunks)
	if err != nil {
		return res, errors.Wrap(err, "creating chunks")
	}
	res.Chunks = len(created)
	return res, nil
}

func (svc *service) Search(ctx context.Context, schoolID int, query string) ([]ScoredChunk, error) {
	if strings.TrimSpace(query) == "" {
		return []ScoredChunk{}, nil
	}
	return svc.repo.SearchChunks(ctx, schoolID, query, topK)
}

// Classify asks the LLM when available and falls back to keyword heuristics.
func (svc *service) Classify(ctx context.Context, question string) (string, string) {
	if svc.llm != nil {
		intent, entity, err := svc.classifyLLM(ctx, question)
		if err == nil {
			return intent, entity
		}
		svc.logger.Warn(fmt.Sprintf("assistant.Classify: falling back to heuristics: %v", err))
	}
	return classifyHeuristic(question)
}

func (svc *service) classifyLLM(ctx context.Context, question string) (string, string, error) {
	out, err := svc.llm.Complete(ctx, []ChatMessage{
		{Role: "system", Content: "Classify the school bursar's question. Reply with JSON only: " +
			`{"intent": one of ` + strings.Join(Intents, "|") + `, "entity": student name or admission number, or ""}`},
		{Role: "user", Content: question},
	})
	if err != nil {
		return "", "", err
	}
	raw := jsonObject.FindString(out)
	if raw == "" || !gjson.Valid(raw) {
		return "", "", errors.Errorf("unexpected classifier output: %q", out)
	}
	intent := strings.ToLower(strings.TrimSpace(gjson.Get(raw, "intent").String()))
	if !validIntent(intent) {
		return "", "", errors.Errorf("unknown intent: %q", intent)
	}
	return intent, strings.TrimSpace(gjson.Get(raw, "entity").String()), nil
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func classifyHeuristic(question string) (string, string) {
	q := strings.ToLower(question)
	switch {
	case containsAny(q, "remind", "reminder"):
		return IntentGenerateReminder, extractEntity(question)
	case containsAny(q, "top debtor", "defaulter", "owing the most", "owe the most", "highest balance", "biggest balance", "debtors"):
		return IntentTopDebtors, ""
	case containsAny(q, "summary", "collection rate", "collected", "collections", "analytics", "outstanding total", "total outstanding", "how much have we"):
		return IntentAnalyticsSummary, ""
	case containsAny(q, "balance", "owe", "owes", "owed", "arrears", "fees for", "fee for"):
		if entity := extractEntity(question); entity != "" {
			return IntentStudentBalance, entity
		}
	}
	return IntentGeneral, ""
}

func extractEntity(question string) string {
	if m := entityRegex.FindStringSubmatch(question); len(m) > 1 {
		entity := strings.TrimSpace(m[1])
		entity = strings.TrimSuffix(entity, "'s")
		if t := Terms(entity); len(t) > 0 && !stopWords[strings.ToLower(entity)] {
			return entity
		}
	}
	return admNoRegex.FindString(question)
}

type studentFigure struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	AdmissionNo string          `json:"admission_no"`
	ClassName   string          `json:"class_name"`
	Balance     decimal.Decimal `json:"balance"`
	Credit      decimal.Decimal `json:"credit"`
}

func (svc *service) findStudents(ctx context.Context, schoolID int, entity string) ([]studentFigure, error) {
	figures := make([]studentFigure, 0)
	if entity == "" {
		return figures, nil
	}
	students, err := svc.studentRepo.QueryStudents(ctx, &student.QueryFilter{SchoolID: schoolID, Search: entity},
		[]core.DBOrdering{{Field: "name", Ascending: true}})
	if err != nil {
		return nil, errors.Wrap(err, "querying students")
	}
	for i, s := range students {
		if i == studentMatchN {
			break
		}
		figures = append(figures, studentFigure{
			ID:          s.ID,
			Name:        s.Name,
			AdmissionNo: s.AdmissionNo,
			ClassName:   s.ClassName,
			Balance:     s.Balance,
			Credit:      s.Credit,
		})
	}
	return figures, nil
}

// gather collects the structured data backing an intent.
func (svc *service) gather(ctx context.Context, sch school.School, intent, entity string) (interface{}, error) {
	switch intent {
	case IntentStudentBalance:
		return svc.findStudents(ctx, sch.ID, entity)
	case IntentTopDebtors:
		defaulters, err := svc.analyticsSvc.Defaulters(ctx, analytics.DefaulterFilter{SchoolID: sch.ID})
		if err != nil {
			return nil, err
		}
		if len(defaulters) > topDebtorsN {
			defaulters = defaulters[:topDebtorsN]
		}
		return defaulters, nil
	case IntentAnalyticsSummary:
		return svc.analyticsSvc.Summary(ctx, analytics.SummaryFilter{SchoolID: sch.ID})
	case IntentGenerateReminder:
		return svc.reminderDraft(ctx, sch, entity)
	}
	return nil, nil
}

type reminderDraft struct {
	StudentID   int    `json:"student_id"`
	StudentName string `json:"student_name"`
	Message     string `json:"message"`
}

func (svc *service) reminderDraft(ctx context.Context, sch school.School, entity string) ([]reminderDraft, error) {
	settings, err := svc.schoolSvc.Settings(ctx, sch.ID)
	if err != nil {
		return nil, errors.Wrap(err, "getting settings")
	}

	var targets []student.Student
	if entity != "" {
		targets, err = svc.studentRepo.QueryStudents(ctx, &student.QueryFilter{SchoolID: sch.ID, Search: entity}, nil)
	} else {
		owing := true
		targets, err = svc.studentRepo.QueryStudents(ctx, &student.QueryFilter{SchoolID: sch.ID, HasBalance: &owing},
			[]core.DBOrdering{{Field: "balance"}})
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying students")
	}

	drafts := make([]reminderDraft, 0, 1)
	for _, s := range targets {
		if len(drafts) == 3 {
			break
		}
		data := reminder.TemplateData{
			GuardianName: "Parent/Guardian",
			StudentName:  s.Name,
			AdmissionNo:  s.AdmissionNo,
			ClassName:    s.ClassName,
			Balance:      core.FormatMoney("", s.Balance),
			Currency:     sch.Currency,
			SchoolName:   sch.Name,
			PortalURL:    settings[school.SettingPortalURL],
		}
		if s.GuardianID != nil {
			if g, err := svc.studentRepo.GetGuardian(ctx, sch.ID, *s.GuardianID); err == nil {
				data.GuardianName = g.Name
			}
		}
		msg, err := reminder.RenderMessage(settings[school.SettingReminderTemplate], data)
		if err != nil {
			return nil, errors.Wrap(err, "rendering reminder")
		}
		drafts = append(drafts, reminderDraft{StudentID: s.ID, StudentName: s.Name, Message: msg})
	}
	return drafts, nil
}

func excerpt(s string) string {
	if len(s) <= excerptLen {
		return s
	}
	return strings.TrimSpace(s[:excerptLen]) + "..."
}

// Ask answers a bursar's question from the school's figures and knowledge base.
func (svc *service) Ask(ctx context.Context, schoolID int, question string) (Answer, error) {
	sch, err := svc.checkPro(ctx, schoolID)
	if err != nil {
		return Answer{}, err
	}

	ans := Answer{Sources: make([]Source, 0)}
	ans.Intent, ans.Entity = svc.Classify(ctx, question)

	if ans.Data, err = svc.gather(ctx, sch, ans.Intent, ans.Entity); err != nil {
		return Answer{}, errors.Wrapf(err, "gathering %s data", ans.Intent)
	}

	chunks, err := svc.Search(ctx, schoolID, question)
	if err != nil {
		return Answer{}, errors.Wrap(err, "searching knowledge")
	}
	for _, c := range chunks {
		ans.Sources = append(ans.Sources, Source{ID: c.ID, Source: c.Source, Excerpt: excerpt(c.Content), Score: c.Score})
	}

	if svc.llm != nil {
		text, err := svc.answerLLM(ctx, sch, question, ans, chunks)
		if err == nil {
			ans.Answer, ans.UsedLLM = text, true
			return ans, nil
		}
		svc.logger.Warn(fmt.Sprintf("assistant.Ask: falling back to templated answer: %v", err))
	}
	ans.Answer = templatedAnswer(sch, ans, chunks)
	return ans, nil
}

func (svc *service) answerLLM(ctx context.Context, sch school.School, question string, ans Answer, chunks []ScoredChunk) (string, error) {
	data, err := json.Marshal(ans.Data)
	if err != nil {
		return "", errors.Wrap(err, "encoding data")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are the fee assistant of %s. Amounts are in %s. ", sch.Name, sch.Currency)
	b.WriteString("Answer using only the data and context below. If they do not hold the answer, say so.\n\n")
	fmt.Fprintf(&b, "Intent: %s\nData: %s\n", ans.Intent, data)
	for i, c := range chunks {
		fmt.Fprintf(&b, "\nContext %d (%s):\n%s\n", i+1, c.Source, c.Content)
	}

	out, err := svc.llm.Complete(ctx, []ChatMessage{
		{Role: "system", Content: b.String()},
		{Role: "user", Content: question},
	})
	if err != nil {
		return "", err
	}
	if out = strings.TrimSpace(out); out == "" {
		return "", errors.New("empty completion")
	}
	return out, nil
}

func templatedAnswer(sch school.School, ans Answer, chunks []ScoredChunk) string {
	money := func(d decimal.Decimal) string { return core.FormatMoney(sch.Currency, d) }
	var b strings.Builder

	switch data := ans.Data.(type) {
	case []studentFigure:
		if len(data) == 0 {
			fmt.Fprintf(&b, "I could not find a student matching %q.", ans.Entity)
			break
		}
		for _, s := range data {
			fmt.Fprintf(&b, "%s (%s, %s) owes %s", s.Name, s.AdmissionNo, s.ClassName, money(s.Balance))
			if s.Credit.IsPositive() {
				fmt.Fprintf(&b, " and has %s in credit", money(s.Credit))
			}
			b.WriteString(".\n")
		}
	case []analytics.Defaulter:
		if len(data) == 0 {
			b.WriteString("No student currently owes fees.")
			break
		}
		b.WriteString("Top debtors:\n")
		for i, d := range data {
			fmt.Fprintf(&b, "%d. %s (%s, %s): %s\n", i+1, d.Name, d.AdmissionNo, d.ClassName, money(d.Balance))
		}
	case analytics.Summary:
		fmt.Fprintf(&b, "%d active students. Invoiced %s, collected %s (%s%% collection rate). "+
			"Outstanding %s across %d students; %s held in credit.",
			data.Students, money(data.TotalInvoiced), money(data.TotalCollected), data.CollectionRate.StringFixed(1),
			money(data.Outstanding), data.Defaulters, money(data.TotalCredit))
	case []reminderDraft:
		if len(data) == 0 {
			b.WriteString("There is nobody to remind.")
			break
		}
		for _, d := range data {
			fmt.Fprintf(&b, "Reminder for %s:\n%s\n\n", d.StudentName, d.Message)
		}
	default:
		if len(chunks) == 0 {
			b.WriteString("I do not have information on that yet. Try asking about a student's balance, " +
				"the top debtors or the collection summary.")
			break
		}
		b.WriteString("Here is what I found:\n")
		for _, c := range chunks {
			fmt.Fprintf(&b, "- %s\n", excerpt(c.Content))
		}
	}
	return strings.TrimSpace(b.String())
}
