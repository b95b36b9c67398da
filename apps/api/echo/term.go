package echoapi

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/term"
	"github.com/trezcool/karo/core/user"
)

type termApi struct {
	base
	svc term.Service
}

func registerTermAPI(g *echo.Group, b base, staff []echo.MiddlewareFunc, svc term.Service) {
	api := termApi{base: b, svc: svc}
	manage := adminMiddleware(user.RoleAdminOwner, user.RoleAdminPrincipal)

	tg := g.Group("/terms", staff...)
	tg.GET("", api.query)
	tg.GET("/current", api.current)
	tg.POST("/start-year", api.startNewYear, manage)
	tg.GET("/:id", api.retrieve)
	tg.POST("/:id/set-current", api.setCurrent, manage)
	tg.POST("/:id/open", api.open, manage)
	tg.POST("/:id/close", api.close, manage)
	tg.PUT("/:id/schedule", api.schedule, manage)
}

func (api *termApi) query(ctx echo.Context) error {
	terms, err := api.svc.Query(ctx.Request().Context(), schoolID(ctx), intQuery(ctx, "year"))
	if err != nil {
		return errors.Wrap(err, "querying terms")
	}
	return ctx.JSON(http.StatusOK, orEmpty(terms))
}

func (api *termApi) current(ctx echo.Context) error {
	cur, err := api.svc.Current(ctx.Request().Context(), schoolID(ctx))
	if err != nil {
		return errors.Wrap(err, "resolving current term")
	}
	return ctx.JSON(http.StatusOK, cur)
}

func (api *termApi) retrieve(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	t, err := api.svc.Get(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "getting term")
	}
	return ctx.JSON(http.StatusOK, t)
}

func (api *termApi) startNewYear(ctx echo.Context) error {
	var data term.StartYear
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to StartYear")
	}
	if err := api.validate.Struct(data); err != nil {
		return err
	}

	terms, err := api.svc.StartNewYear(ctx.Request().Context(), schoolID(ctx), data.Year)
	if err != nil {
		return errors.Wrap(err, "starting new year")
	}
	api.record(ctx, audit.ActionCreate, "term", data.Year, fmt.Sprintf("seeded %d terms", len(terms)))
	return ctx.JSON(http.StatusCreated, terms)
}

// transition applies one of the term state changes to the `:id` term.
func (api *termApi) transition(ctx echo.Context, desc string, fn func(schoolID, id int) (term.AcademicTerm, error)) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	t, err := fn(schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, desc)
	}
	api.record(ctx, audit.ActionUpdate, "term", t.ID, desc)
	return ctx.JSON(http.StatusOK, t)
}

func (api *termApi) setCurrent(ctx echo.Context) error {
	return api.transition(ctx, "setting current term", func(schoolID, id int) (term.AcademicTerm, error) {
		return api.svc.SetCurrent(ctx.Request().Context(), schoolID, id)
	})
}

func (api *termApi) open(ctx echo.Context) error {
	return api.transition(ctx, "opening term", func(schoolID, id int) (term.AcademicTerm, error) {
		return api.svc.Open(ctx.Request().Context(), schoolID, id)
	})
}

func (api *termApi) close(ctx echo.Context) error {
	return api.transition(ctx, "closing term", func(schoolID, id int) (term.AcademicTerm, error) {
		return api.svc.Close(ctx.Request().Context(), schoolID, id)
	})
}

func (api *termApi) schedule(ctx echo.Context) error {
	var data term.UpdateSchedule
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateSchedule")
	}
	return api.transition(ctx, "scheduling term", func(schoolID, id int) (term.AcademicTerm, error) {
		return api.svc.Schedule(ctx.Request().Context(), schoolID, id, data)
	})
}
