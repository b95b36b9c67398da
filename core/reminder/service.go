package reminder

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"strings"
	"text/template"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
)

var (
	// errors
	ErrNoRecipient     = errors.New("guardian has no contact for this channel")
	ErrChannelDisabled = errors.New("channel is not configured")
	ErrUnknownChannel  = errors.New("unknown channel")

	NowFunc = time.Now // mockable
)

type (
	Repository interface {
		CreateLog(ctx context.Context, l Log, exec ...core.DBExecutor) (Log, error)
		// QueryLogs returns the newest logs first.
		QueryLogs(ctx context.Context, filter LogFilter, exec ...core.DBExecutor) ([]Log, error)
		// RemindedSince returns the IDs of the students successfully reminded at or after `since`.
		RemindedSince(ctx context.Context, schoolID int, since time.Time, exec ...core.DBExecutor) (map[int]bool, error)
	}

	// WhatsAppSender delivers text messages over WhatsApp.
	WhatsAppSender interface {
		SendText(ctx context.Context, to, body string) error
	}

	Service interface {
		Run(ctx context.Context, schoolID int, req RunRequest) (RunResult, error)
		RunScheduled(ctx context.Context) (int, error)
		Logs(ctx context.Context, filter LogFilter) ([]Log, error)
	}

	service struct {
		repo        Repository
		studentRepo student.Repository
		schoolSvc   school.Service
		mailSvc     core.EmailService
		whatsapp    WhatsAppSender
		conf        *core.Config
		logger      core.Logger
	}
)

var _ Service = (*service)(nil)

// NewService creates the reminder service; `whatsapp` may be nil when not configured.
func NewService(
	repo Repository,
	studentRepo student.Repository,
	schoolSvc school.Service,
	mailSvc core.EmailService,
	whatsapp WhatsAppSender,
	conf *core.Config,
	logger core.Logger,
) Service {
	return &service{
		repo:        repo,
		studentRepo: studentRepo,
		schoolSvc:   schoolSvc,
		mailSvc:     mailSvc,
		whatsapp:    whatsapp,
		conf:        conf,
		logger:      logger,
	}
}

func (svc *service) Logs(ctx context.Context, filter LogFilter) ([]Log, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return svc.repo.QueryLogs(ctx, filter)
}

func parseTemplate(text string) (*template.Template, error) {
	return template.New("reminder").Option("missingkey=zero").Parse(text)
}

// RenderMessage renders a reminder from the template `text`, falling back to the default template when invalid.
func RenderMessage(text string, data TemplateData) (string, error) {
	tmpl, err := parseTemplate(text)
	if err != nil {
		if tmpl, err = parseTemplate(school.DefaultReminderTemplate); err != nil {
			return "", err
		}
	}
	var buf bytes.Buffer
	if err = tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// Run reminds the guardians of every active student owing at least the minimum balance.
func (svc *service) Run(ctx context.Context, schoolID int, req RunRequest) (RunResult, error) {
	res := RunResult{DryRun: req.DryRun, Messages: make([]Message, 0)}

	sch, err := svc.schoolSvc.Get(ctx, schoolID)
	if err != nil {
		return res, err
	}
	settings, err := svc.schoolSvc.Settings(ctx, schoolID)
	if err != nil {
		return res, errors.Wrap(err, "getting settings")
	}

	channels := req.Channels
	if len(channels) == 0 {
		channels = settings.List(school.SettingReminderChannels)
	}
	for _, ch := range channels {
		if ch != ChannelEmail && ch != ChannelWhatsApp {
			return res, core.NewValidationError(ErrUnknownChannel, core.FieldError{Field: "channels", Error: ErrUnknownChannel.Error() + ": " + ch})
		}
	}

	tmpl, err := parseTemplate(settings[school.SettingReminderTemplate])
	if err != nil {
		svc.logger.Warn(fmt.Sprintf("reminder.Run: school %d has an invalid template: %v", schoolID, err))
		tmpl, _ = parseTemplate(school.DefaultReminderTemplate)
	}

	minBalance := req.MinBalance
	if !minBalance.IsPositive() {
		minBalance = svc.conf.Reminders.MinBalance
	}
	active := true
	students, err := svc.studentRepo.QueryStudents(ctx, &student.QueryFilter{
		SchoolID:   schoolID,
		ClassName:  core.CleanString(req.ClassName),
		IsActive:   &active,
		MinBalance: minBalance,
	}, []core.DBOrdering{{Field: "name", Ascending: true}})
	if err != nil {
		return res, errors.Wrap(err, "querying students")
	}
	res.Targeted = len(students)

	now := NowFunc().UTC()
	reminded, err := svc.repo.RemindedSince(ctx, schoolID, now.Add(-svc.conf.Reminders.Cooldown))
	if err != nil {
		return res, errors.Wrap(err, "querying recent reminders")
	}

	guardians := make(map[int]*student.Guardian)
	for _, s := range students {
		g, err := svc.guardian(ctx, s, guardians)
		if err != nil {
			return res, err
		}

		data := TemplateData{
			StudentName: s.Name,
			AdmissionNo: s.AdmissionNo,
			ClassName:   s.ClassName,
			Balance:     core.FormatMoney("", s.Balance),
			Currency:    sch.Currency,
			SchoolName:  sch.Name,
			PortalURL:   settings[school.SettingPortalURL],
		}
		if g != nil {
			data.GuardianName = g.Name
		} else {
			data.GuardianName = "Parent/Guardian"
		}
		var buf bytes.Buffer
		if err = tmpl.Execute(&buf, data); err != nil {
			return res, errors.Wrap(err, "rendering reminder")
		}
		body := strings.TrimSpace(buf.String())

		for _, ch := range channels {
			msg := Message{StudentID: s.ID, StudentName: s.Name, Channel: ch, Body: body}
			if g != nil {
				msg.Recipient = recipient(*g, ch)
			}

			switch {
			case reminded[s.ID]:
				msg.Status, msg.Error = StatusSkipped, "reminded within cooldown"
			case msg.Recipient == "":
				msg.Status, msg.Error = StatusSkipped, ErrNoRecipient.Error()
			case req.DryRun:
				msg.Status = StatusPreview
			default:
				if err := svc.send(ctx, sch, g, msg); err != nil {
					msg.Status, msg.Error = StatusFailed, err.Error()
				} else {
					msg.Status = StatusSent
				}
			}

			res.count(msg.Status)
			res.Messages = append(res.Messages, msg)
			if req.DryRun {
				continue
			}
			if _, err = svc.repo.CreateLog(ctx, Log{
				SchoolID:  schoolID,
				StudentID: s.ID,
				Channel:   ch,
				Recipient: msg.Recipient,
				Message:   body,
				Status:    msg.Status,
				Error:     msg.Error,
				CreatedAt: now,
			}); err != nil {
				return res, errors.Wrap(err, "logging reminder")
			}
		}
	}
	return res, nil
}

func (svc *service) guardian(ctx context.Context, s student.Student, cache map[int]*student.Guardian) (*student.Guardian, error) {
	if s.GuardianID == nil {
		return nil, nil
	}
	if g, ok := cache[*s.GuardianID]; ok {
		return g, nil
	}
	g, err := svc.studentRepo.GetGuardian(ctx, s.SchoolID, *s.GuardianID)
	if err != nil {
		if core.IsNotFound(err) {
			cache[*s.GuardianID] = nil
			return nil, nil
		}
		return nil, errors.Wrap(err, "getting guardian")
	}
	cache[*s.GuardianID] = &g
	return &g, nil
}

func recipient(g student.Guardian, channel string) string {
	switch channel {
	case ChannelEmail:
		return g.Email
	case ChannelWhatsApp:
		return core.DigitsOnly(g.Phone)
	}
	return ""
}

func (svc *service) send(ctx context.Context, sch school.School, g *student.Guardian, msg Message) error {
	switch msg.Channel {
	case ChannelEmail:
		svc.mailSvc.SendMessages(&core.EmailMessage{
			To:           []mail.Address{{Name: g.Name, Address: msg.Recipient}},
			Subject:      fmt.Sprintf("%s: fee balance reminder", sch.Name),
			TemplateName: "fee_reminder",
			TemplateData: map[string]interface{}{"Body": msg.Body},
		})
		return nil
	case ChannelWhatsApp:
		if svc.whatsapp == nil {
			return ErrChannelDisabled
		}
		return svc.whatsapp.SendText(ctx, msg.Recipient, msg.Body)
	}
	return ErrUnknownChannel
}

// RunScheduled runs reminders for every school with auto reminders on. It returns the number of schools processed.
func (svc *service) RunScheduled(ctx context.Context) (int, error) {
	schools, err := svc.schoolSvc.Query(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "querying schools")
	}
	var n int
	for _, sch := range schools {
		settings, err := svc.schoolSvc.Settings(ctx, sch.ID)
		if err != nil {
			return n, errors.Wrapf(err, "getting settings of school %d", sch.ID)
		}
		if !settings.Bool(school.SettingAutoReminders) {
			continue
		}
		res, err := svc.Run(ctx, sch.ID, RunRequest{})
		if err != nil {
			svc.logger.Error(fmt.Sprintf("reminder.RunScheduled(school=%d): %v", sch.ID, err), err)
			continue
		}
		svc.logger.Info(fmt.Sprintf("reminder.RunScheduled(school=%d): sent=%d failed=%d skipped=%d", sch.ID, res.Sent, res.Failed, res.Skipped))
		n++
	}
	return n, nil
}
