package assistant_test

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/assistant"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/internal/testutil"
)

const feePolicy = `Fees are payable at the start of every term.

Refunds of overpaid fees are made by M-Pesa within 14 days of the bursar approving the request.

Siblings enrolled at the same time get a 5% discount on tuition.`

func setup(t *testing.T) (*testutil.Env, school.School) {
	t.Helper()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	env.MakePro(t, sch.ID)
	g := testutil.CreateGuardian(t, env.StudentRepo, sch.ID, "Wanjiku Otieno", "wanjiku@example.com", "0711000111")
	testutil.CreateStudent(t, env.StudentRepo, sch.ID, g.ID, "Amani Otieno", "ADM001", "Grade 4", 5000, 200)
	testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Baraka Ouma", "ADM002", "Grade 2", 12000, 0)
	testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Chebet Kirui", "ADM003", "Grade 1", 0, 0)
	return env, sch
}

func TestProOnly(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")

	_, err := env.AssistantSvc.Ask(ctx, sch.ID, "Who are the top debtors?")
	assert.Equal(t, core.ErrProFeature, errors.Cause(err))
	_, err = env.AssistantSvc.Ingest(ctx, assistant.Ingest{SchoolID: sch.ID, Source: "policy", Text: feePolicy})
	assert.Equal(t, core.ErrProFeature, errors.Cause(err))
}

func TestIngestAndSearch(t *testing.T) {
	ctx := context.Background()
	env, sch := setup(t)

	in := assistant.Ingest{SchoolID: sch.ID, Source: " Fee policy ", Text: feePolicy}
	require.NoError(t, in.Validate(env.Validate))
	res, err := env.AssistantSvc.Ingest(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "Fee policy", res.Source)
	assert.Equal(t, 1, res.Chunks)

	chunks, err := env.AssistantSvc.Search(ctx, sch.ID, "how are refunds paid?")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "Refunds of overpaid fees")

	chunks, err = env.AssistantSvc.Search(ctx, sch.ID, "   ")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	// other schools do not see the policy
	other, _ := env.CreateSchool(t, "Bidii School", "bidii", "pwd")
	chunks, err = env.AssistantSvc.Search(ctx, other.ID, "how are refunds paid?")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	res, err = env.AssistantSvc.Ingest(ctx, assistant.Ingest{SchoolID: sch.ID, Source: "Fee policy", Text: "Fees are due on the 5th.", Replace: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Chunks)
}

func TestClassify_Heuristics(t *testing.T) {
	env, _ := setup(t)

	tests := []struct {
		question, intent, entity string
	}{
		{"What is the balance for Amani Otieno?", assistant.IntentStudentBalance, "Amani Otieno"},
		{"How much does ADM002 owe?", assistant.IntentStudentBalance, "ADM002"},
		{"Who are the top debtors?", assistant.IntentTopDebtors, ""},
		{"Show me the collection summary", assistant.IntentAnalyticsSummary, ""},
		{"Draft a reminder for Baraka Ouma", assistant.IntentGenerateReminder, "Baraka Ouma"},
		{"When does term two start?", assistant.IntentGeneral, ""},
	}
	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			intent, entity := env.AssistantSvc.Classify(context.Background(), tt.question)
			assert.Equal(t, tt.intent, intent)
			assert.Equal(t, tt.entity, entity)
		})
	}
}

func TestClassify_LLM(t *testing.T) {
	env, _ := setup(t)
	env.LLM.Replies = []string{
		"Sure! ```json\n{\"intent\": \"student_balance\", \"entity\": \"Amani\"}\n```",
		`{"intent": "weather"}`,
	}

	intent, entity := env.AssistantSvc.Classify(context.Background(), "how is amani doing with fees")
	assert.Equal(t, assistant.IntentStudentBalance, intent)
	assert.Equal(t, "Amani", entity)

	// unknown intents fall back to the heuristics
	intent, _ = env.AssistantSvc.Classify(context.Background(), "Who are the top debtors?")
	assert.Equal(t, assistant.IntentTopDebtors, intent)
	assert.Len(t, env.LLM.Calls, 2)
}

func TestAsk_Templated(t *testing.T) {
	ctx := context.Background()
	env, sch := setup(t)

	tests := []struct {
		name     string
		question string
		intent   string
		contains []string
	}{
		{name: "student balance", question: "What is the balance for Amani Otieno?", intent: assistant.IntentStudentBalance,
			contains: []string{"Amani Otieno (ADM001, Grade 4) owes", "5,000.00", "200.00 in credit"}},
		{name: "unknown student", question: "What is the balance for Zawadi?", intent: assistant.IntentStudentBalance,
			contains: []string{`could not find a student matching "Zawadi"`}},
		{name: "top debtors", question: "Who are the top debtors?", intent: assistant.IntentTopDebtors,
			contains: []string{"1. Baraka Ouma", "2. Amani Otieno"}},
		{name: "summary", question: "Give me the collection summary", intent: assistant.IntentAnalyticsSummary,
			contains: []string{"3 active students", "Outstanding", "17,000.00"}},
		{name: "reminder", question: "Draft a reminder for Amani Otieno", intent: assistant.IntentGenerateReminder,
			contains: []string{"Reminder for Amani Otieno", "Dear Wanjiku Otieno"}},
		{name: "nothing known", question: "When does term two start?", intent: assistant.IntentGeneral,
			contains: []string{"I do not have information on that yet"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ans, err := env.AssistantSvc.Ask(ctx, sch.ID, tt.question)
			require.NoError(t, err)
			assert.Equal(t, tt.intent, ans.Intent)
			assert.False(t, ans.UsedLLM)
			for _, s := range tt.contains {
				assert.Contains(t, ans.Answer, s)
			}
		})
	}
}

func TestAsk_FromKnowledge(t *testing.T) {
	ctx := context.Background()
	env, sch := setup(t)
	_, err := env.AssistantSvc.Ingest(ctx, assistant.Ingest{SchoolID: sch.ID, Source: "policy", Text: feePolicy})
	require.NoError(t, err)

	ans, err := env.AssistantSvc.Ask(ctx, sch.ID, "Do siblings get a discount on tuition?")
	require.NoError(t, err)
	assert.Equal(t, assistant.IntentGeneral, ans.Intent)
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, "policy", ans.Sources[0].Source)
	assert.True(t, strings.HasPrefix(ans.Answer, "Here is what I found:"), ans.Answer)
}

func TestAsk_LLM(t *testing.T) {
	ctx := context.Background()
	env, sch := setup(t)
	env.LLM.Replies = []string{
		`{"intent": "student_balance", "entity": "Baraka"}`,
		"  Baraka Ouma owes KES 12,000.00.  ",
	}

	ans, err := env.AssistantSvc.Ask(ctx, sch.ID, "How far behind is Baraka?")
	require.NoError(t, err)
	assert.True(t, ans.UsedLLM)
	assert.Equal(t, "Baraka Ouma owes KES 12,000.00.", ans.Answer)
	assert.Equal(t, "Baraka", ans.Entity)

	// the answering prompt carries the figures
	require.Len(t, env.LLM.Calls, 2)
	prompt := env.LLM.Calls[1][0].Content
	assert.Contains(t, prompt, "Karo Academy")
	assert.Contains(t, prompt, `"admission_no":"ADM002"`)

	t.Run("failing model", func(t *testing.T) {
		env.LLM.Err = errors.New("upstream timeout")
		ans, err := env.AssistantSvc.Ask(ctx, sch.ID, "What is the balance for Baraka Ouma?")
		require.NoError(t, err)
		assert.False(t, ans.UsedLLM)
		assert.Contains(t, ans.Answer, "Baraka Ouma (ADM002, Grade 2) owes")
	})
}

func TestSplitChunks(t *testing.T) {
	assert.Empty(t, assistant.SplitChunks("  \n\n  ", 100))
	assert.Equal(t, []string{"one two\n\nthree"}, assistant.SplitChunks("one   two\n\n\nthree", 100))

	long := strings.Repeat("word ", 50)
	chunks := assistant.SplitChunks(long+"\n\n"+long, 120)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 120)
	}
	assert.Equal(t, 100, strings.Count(strings.Join(chunks, " "), "word"))
}

func TestTermsAndScore(t *testing.T) {
	assert.Equal(t, []string{"refunds", "paid"}, assistant.Terms("How are REFUNDS paid? Refunds!"))
	terms := assistant.Terms("refund policy")
	assert.Equal(t, 0.5, assistant.OverlapScore(terms, "Our refund is quick."))
	assert.Zero(t, assistant.OverlapScore(nil, "anything"))
}
