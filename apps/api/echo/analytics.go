package echoapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/analytics"
	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/services/docs"
)

type analyticsApi struct {
	base
	svc  analytics.Service
	conf *core.Config
}

func registerAnalyticsAPI(g *echo.Group, b base, staff []echo.MiddlewareFunc, svc analytics.Service, conf *core.Config) {
	api := analyticsApi{base: b, svc: svc, conf: conf}

	ag := g.Group("/analytics", staff...)
	ag.Use(adminMiddleware())
	ag.GET("/summary", api.summary)
	ag.GET("/defaulters", api.defaulters)
	ag.GET("/defaulters.xlsx", api.defaultersXLSX)
	ag.GET("/recovery", api.recoveryActions)
	ag.POST("/recovery", api.addRecoveryAction)
}

func (api *analyticsApi) summary(ctx echo.Context) error {
	filter := analytics.SummaryFilter{}
	if err := ctx.Bind(&filter); err != nil {
		return errors.Wrap(err, "binding to SummaryFilter")
	}
	filter.SchoolID = schoolID(ctx)

	sum, err := api.svc.Summary(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "computing summary")
	}
	return ctx.JSON(http.StatusOK, sum)
}

func (api *analyticsApi) defaulterFilter(ctx echo.Context) analytics.DefaulterFilter {
	return analytics.DefaulterFilter{
		SchoolID:   schoolID(ctx),
		ClassName:  core.CleanString(ctx.QueryParam("class")),
		Search:     core.CleanString(ctx.QueryParam("q")),
		MinBalance: decimalQuery(ctx, "min_balance", api.conf.Reminders.MinBalance),
	}
}

func (api *analyticsApi) defaulters(ctx echo.Context) error {
	defaulters, err := api.svc.Defaulters(ctx.Request().Context(), api.defaulterFilter(ctx))
	if err != nil {
		return errors.Wrap(err, "querying defaulters")
	}
	return ctx.JSON(http.StatusOK, orEmpty(defaulters))
}

func (api *analyticsApi) defaultersXLSX(ctx echo.Context) error {
	defaulters, err := api.svc.Defaulters(ctx.Request().Context(), api.defaulterFilter(ctx))
	if err != nil {
		return errors.Wrap(err, "querying defaulters")
	}
	data, err := docs.DefaultersXLSX(defaulters)
	if err != nil {
		return errors.Wrap(err, "building defaulters workbook")
	}
	name := fmt.Sprintf("defaulters-%s.xlsx", time.Now().Format("20060102"))
	return attachment(ctx, name, xlsxContentType, data)
}

func (api *analyticsApi) recoveryActions(ctx echo.Context) error {
	filter := analytics.RecoveryFilter{}
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []analytics.RecoveryAction{})
	}
	filter.SchoolID = schoolID(ctx)

	actions, err := api.svc.RecoveryActions(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying recovery actions")
	}
	return ctx.JSON(http.StatusOK, orEmpty(actions))
}

func (api *analyticsApi) addRecoveryAction(ctx echo.Context) error {
	var data analytics.NewRecoveryAction
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewRecoveryAction")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	data.SchoolID = schoolID(ctx)
	data.CreatedBy = actor(ctx)
	ra, err := api.svc.AddRecoveryAction(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "adding recovery action")
	}
	api.record(ctx, audit.ActionCreate, "recovery_action", ra.ID, fmt.Sprintf("student=%d %s", ra.StudentID, ra.Action))
	return ctx.JSON(http.StatusCreated, ra)
}
