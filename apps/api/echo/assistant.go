package echoapi

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/assistant"
	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/user"
)

type assistantApi struct {
	base
	svc assistant.Service
}

func registerAssistantAPI(g *echo.Group, b base, staff []echo.MiddlewareFunc, svc assistant.Service) {
	api := assistantApi{base: b, svc: svc}

	ag := g.Group("/assistant", staff...)
	ag.Use(adminMiddleware())
	ag.POST("/ask", api.ask)
	ag.GET("/knowledge", api.search)
	ag.POST("/knowledge", api.ingest, adminMiddleware(user.RoleAdminOwner, user.RoleAdminPrincipal))
}

func (api *assistantApi) ask(ctx echo.Context) error {
	var data assistant.Question
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Question")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	ans, err := api.svc.Ask(ctx.Request().Context(), schoolID(ctx), data.Question)
	if err != nil {
		return errors.Wrap(err, "answering question")
	}
	if ans.Sources == nil {
		ans.Sources = []assistant.Source{}
	}
	return ctx.JSON(http.StatusOK, ans)
}

func (api *assistantApi) search(ctx echo.Context) error {
	q := core.CleanString(ctx.QueryParam("q"))
	if q == "" {
		return ctx.JSON(http.StatusOK, []assistant.ScoredChunk{})
	}
	chunks, err := api.svc.Search(ctx.Request().Context(), schoolID(ctx), q)
	if err != nil {
		return errors.Wrap(err, "searching knowledge")
	}
	return ctx.JSON(http.StatusOK, orEmpty(chunks))
}

// ingest splits a document into the school's knowledge chunks.
func (api *assistantApi) ingest(ctx echo.Context) error {
	var data assistant.Ingest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Ingest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	data.SchoolID = schoolID(ctx)
	res, err := api.svc.Ingest(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "ingesting knowledge")
	}
	api.record(ctx, audit.ActionCreate, "knowledge", res.Source, fmt.Sprintf("chunks=%d deleted=%d", res.Chunks, res.Deleted))
	return ctx.JSON(http.StatusCreated, res)
}
