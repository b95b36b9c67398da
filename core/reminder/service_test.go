package reminder_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/karo/core/reminder"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
	"github.com/trezcool/karo/internal/testutil"
	emailsvc "github.com/trezcool/karo/services/email"
)

type fixture struct {
	env                   *testutil.Env
	sch                   school.School
	amani, baraka, chebet student.Student
	settled, inactive     student.Student
}

func setup(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	kamau := testutil.CreateGuardian(t, env.StudentRepo, sch.ID, "Wanjiku Kamau", "wanjiku@example.com", "+254 711 000111")
	ouma := testutil.CreateGuardian(t, env.StudentRepo, sch.ID, "Peter Ouma", "", "0722000222")

	f := &fixture{env: env, sch: sch}
	f.amani = testutil.CreateStudent(t, env.StudentRepo, sch.ID, kamau.ID, "Amani Kamau", "ADM001", "Grade 4", 5000, 0)
	f.baraka = testutil.CreateStudent(t, env.StudentRepo, sch.ID, ouma.ID, "Baraka Ouma", "ADM002", "Grade 2", 3000, 0)
	f.chebet = testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Chebet Njeri", "ADM003", "Grade 4", 2000, 0)
	f.settled = testutil.CreateStudent(t, env.StudentRepo, sch.ID, kamau.ID, "Dalila Kamau", "ADM004", "Grade 1", 0, 0)
	f.inactive = testutil.CreateStudent(t, env.StudentRepo, sch.ID, kamau.ID, "Eli Kamau", "ADM005", "Grade 6", 900, 0)
	f.inactive.IsActive = false
	_, err := env.StudentRepo.UpdateStudent(context.Background(), f.inactive)
	require.NoError(t, err)

	emailsvc.ResetSentMessages()
	return f
}

func byStudent(msgs []reminder.Message, studentID int, channel string) reminder.Message {
	for _, m := range msgs {
		if m.StudentID == studentID && m.Channel == channel {
			return m
		}
	}
	return reminder.Message{}
}

func TestRun_DryRun(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	res, err := f.env.ReminderSvc.Run(ctx, f.sch.ID, reminder.RunRequest{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 3, res.Targeted)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 2, res.Skipped)
	require.Len(t, res.Messages, 3)

	// ordered by name; the default channel is email
	assert.Equal(t, "Amani Kamau", res.Messages[0].StudentName)
	assert.Equal(t, reminder.ChannelEmail, res.Messages[0].Channel)
	assert.Equal(t, reminder.StatusPreview, res.Messages[0].Status)
	assert.Equal(t, "wanjiku@example.com", res.Messages[0].Recipient)
	assert.Contains(t, res.Messages[0].Body, "Dear Wanjiku Kamau")
	assert.Contains(t, res.Messages[0].Body, "5,000.00")
	assert.Contains(t, res.Messages[0].Body, "Karo Academy")

	chebet := byStudent(res.Messages, f.chebet.ID, reminder.ChannelEmail)
	assert.Equal(t, reminder.StatusSkipped, chebet.Status)
	assert.Contains(t, chebet.Body, "Dear Parent/Guardian")

	assert.Empty(t, emailsvc.LastSentMessages())
	logs, err := f.env.ReminderSvc.Logs(ctx, reminder.LogFilter{SchoolID: f.sch.ID})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	channels := []string{reminder.ChannelEmail, reminder.ChannelWhatsApp}

	res, err := f.env.ReminderSvc.Run(ctx, f.sch.ID, reminder.RunRequest{Channels: channels})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Targeted)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 3, res.Skipped)

	assert.Equal(t, reminder.StatusSent, byStudent(res.Messages, f.amani.ID, reminder.ChannelEmail).Status)
	assert.Equal(t, reminder.StatusSent, byStudent(res.Messages, f.amani.ID, reminder.ChannelWhatsApp).Status)
	assert.Equal(t, reminder.StatusSkipped, byStudent(res.Messages, f.baraka.ID, reminder.ChannelEmail).Status)
	assert.Equal(t, reminder.StatusSent, byStudent(res.Messages, f.baraka.ID, reminder.ChannelWhatsApp).Status)

	assert.Contains(t, f.env.WhatsApp.Sent, "254711000111")
	assert.Contains(t, f.env.WhatsApp.Sent, "0722000222")
	data := testutil.LastEmailData(t, "fee_reminder")
	assert.Contains(t, data["Body"], "Amani Kamau")

	logs, err := f.env.ReminderSvc.Logs(ctx, reminder.LogFilter{SchoolID: f.sch.ID, Status: reminder.StatusSent})
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	t.Run("cooldown", func(t *testing.T) {
		res, err := f.env.ReminderSvc.Run(ctx, f.sch.ID, reminder.RunRequest{Channels: channels})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Sent)
		assert.Equal(t, 6, res.Skipped)
		assert.Equal(t, "reminded within cooldown", byStudent(res.Messages, f.amani.ID, reminder.ChannelEmail).Error)

		reminder.NowFunc = func() time.Time { return time.Now().Add(73 * time.Hour) }
		defer func() { reminder.NowFunc = time.Now }()

		res, err = f.env.ReminderSvc.Run(ctx, f.sch.ID, reminder.RunRequest{Channels: channels})
		require.NoError(t, err)
		assert.Equal(t, 3, res.Sent)
	})
}

func TestRun_Filters(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	tests := []struct {
		name     string
		req      reminder.RunRequest
		targeted int
	}{
		{name: "class", req: reminder.RunRequest{ClassName: "Grade 4", DryRun: true}, targeted: 2},
		{name: "minimum balance", req: reminder.RunRequest{MinBalance: decimal.NewFromInt(3000), DryRun: true}, targeted: 2},
		{name: "class and minimum balance", req: reminder.RunRequest{ClassName: "Grade 4", MinBalance: decimal.NewFromInt(2500), DryRun: true}, targeted: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.env.ReminderSvc.Run(ctx, f.sch.ID, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.targeted, res.Targeted)
		})
	}
}

func TestRun_WhatsAppFailure(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.env.WhatsApp.Err = errors.New("rate limited")

	res, err := f.env.ReminderSvc.Run(ctx, f.sch.ID, reminder.RunRequest{Channels: []string{reminder.ChannelWhatsApp}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, "rate limited", byStudent(res.Messages, f.amani.ID, reminder.ChannelWhatsApp).Error)

	// failures do not count against the cooldown
	f.env.WhatsApp.Err = nil
	res, err = f.env.ReminderSvc.Run(ctx, f.sch.ID, reminder.RunRequest{Channels: []string{reminder.ChannelWhatsApp}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
}

func TestRun_Invalid(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.env.ReminderSvc.Run(ctx, f.sch.ID, reminder.RunRequest{Channels: []string{"sms"}})
	assert.True(t, testutil.IsValidationError(err), "err = %v", err)

	_, err = f.env.ReminderSvc.Run(ctx, 999999, reminder.RunRequest{})
	assert.Error(t, err)
}

func TestRun_Template(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.env.SchoolSvc.UpdateSettings(ctx, f.sch.ID, school.Settings{
		school.SettingReminderTemplate: "{{.StudentName}} owes {{.Currency}} {{.Balance}}",
	})
	require.NoError(t, err)
	res, err := f.env.ReminderSvc.Run(ctx, f.sch.ID, reminder.RunRequest{ClassName: "Grade 2", DryRun: true})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "Baraka Ouma owes "+f.sch.Currency+" 3,000.00", res.Messages[0].Body)

	// a broken template falls back to the default one
	_, err = f.env.SchoolSvc.UpdateSettings(ctx, f.sch.ID, school.Settings{school.SettingReminderTemplate: "{{.StudentName"})
	require.NoError(t, err)
	res, err = f.env.ReminderSvc.Run(ctx, f.sch.ID, reminder.RunRequest{ClassName: "Grade 2", DryRun: true})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Contains(t, res.Messages[0].Body, "Dear Peter Ouma")
}

func TestRenderMessage(t *testing.T) {
	data := reminder.TemplateData{GuardianName: "Wanjiku", StudentName: "Amani", Balance: "1,200.00", Currency: "KES"}

	body, err := reminder.RenderMessage("  Hi {{.GuardianName}}, {{.StudentName}} owes {{.Currency}} {{.Balance}}.  ", data)
	require.NoError(t, err)
	assert.Equal(t, "Hi Wanjiku, Amani owes KES 1,200.00.", body)

	body, err = reminder.RenderMessage("{{if}}", data)
	require.NoError(t, err)
	assert.Contains(t, body, "Dear Wanjiku")
	assert.NotContains(t, body, "View and pay online")
}

func TestRunScheduled(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	other, _ := f.env.CreateSchool(t, "Bidii School", "bidii", "pwd")
	testutil.CreateStudent(t, f.env.StudentRepo, other.ID, 0, "Faith Achieng", "B001", "Grade 3", 700, 0)

	n, err := f.env.ReminderSvc.RunScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = f.env.SchoolSvc.UpdateSettings(ctx, f.sch.ID, school.Settings{school.SettingAutoReminders: "true"})
	require.NoError(t, err)
	n, err = f.env.ReminderSvc.RunScheduled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	logs, err := f.env.ReminderSvc.Logs(ctx, reminder.LogFilter{SchoolID: f.sch.ID})
	require.NoError(t, err)
	assert.Len(t, logs, 3)
	logs, err = f.env.ReminderSvc.Logs(ctx, reminder.LogFilter{SchoolID: other.ID})
	require.NoError(t, err)
	assert.Empty(t, logs)
}
