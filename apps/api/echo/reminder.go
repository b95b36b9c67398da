package echoapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/reminder"
	"github.com/trezcool/karo/core/user"
	"github.com/trezcool/karo/services/metrics"
)

type reminderApi struct {
	base
	svc reminder.Service
}

func registerReminderAPI(g *echo.Group, b base, staff []echo.MiddlewareFunc, svc reminder.Service) {
	api := reminderApi{base: b, svc: svc}

	rg := g.Group("/reminders", staff...)
	rg.POST("/run", api.run, adminMiddleware(user.FinanceRoles...))
	rg.GET("/logs", api.logs)
}

// run sends balance reminders now; `dry_run` only previews the messages.
func (api *reminderApi) run(ctx echo.Context) error {
	var data reminder.RunRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to RunRequest")
	}
	data.ClassName = core.CleanString(data.ClassName)
	for i, ch := range data.Channels {
		data.Channels[i] = strings.ToLower(strings.TrimSpace(ch))
		if !isChannel(data.Channels[i]) {
			return core.NewValidationError(nil, core.FieldError{
				Field: "channels",
				Error: "channels must be one of " + strings.Join(reminder.AllChannels, ", "),
			})
		}
	}
	if data.MinBalance.IsNegative() {
		return core.NewValidationError(nil, core.FieldError{Field: "min_balance", Error: "min_balance must be 0 or greater"})
	}

	res, err := api.svc.Run(ctx.Request().Context(), schoolID(ctx), data)
	if err != nil {
		return errors.Wrap(err, "running reminders")
	}
	if res.Messages == nil {
		res.Messages = []reminder.Message{}
	}
	if !res.DryRun {
		for _, m := range res.Messages {
			metrics.RecordReminder(m.Channel, m.Status)
		}
		api.record(ctx, audit.ActionRun, "reminder", "", fmt.Sprintf(
			"targeted=%d sent=%d failed=%d skipped=%d", res.Targeted, res.Sent, res.Failed, res.Skipped))
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *reminderApi) logs(ctx echo.Context) error {
	filter := reminder.LogFilter{}
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []reminder.Log{})
	}
	filter.SchoolID = schoolID(ctx)

	logs, err := api.svc.Logs(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying reminder logs")
	}
	return ctx.JSON(http.StatusOK, orEmpty(logs))
}

func isChannel(ch string) bool {
	for _, c := range reminder.AllChannels {
		if c == ch {
			return true
		}
	}
	return false
}
