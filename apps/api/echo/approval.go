package echoapi

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core/approval"
	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/user"
)

type approvalApi struct {
	base
	svc approval.Service
}

func registerApprovalAPI(g *echo.Group, b base, staff []echo.MiddlewareFunc, svc approval.Service) {
	api := approvalApi{base: b, svc: svc}

	ag := g.Group("/approvals", staff...)
	ag.GET("", api.query)
	ag.POST("", api.submit, adminMiddleware(user.FinanceRoles...))
	ag.GET("/:id", api.retrieve)
	ag.POST("/:id/verify", api.verify, adminMiddleware(user.FinanceRoles...))
	ag.POST("/:id/decide", api.decide, adminMiddleware(user.RoleAdminOwner, user.RoleAdminPrincipal))
}

func (api *approvalApi) query(ctx echo.Context) error {
	filter := approval.QueryFilter{}
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []approval.Request{})
	}
	filter.SchoolID = schoolID(ctx)

	reqs, err := api.svc.Query(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying approval requests")
	}
	return ctx.JSON(http.StatusOK, orEmpty(reqs))
}

// submit files a request and emails a one-time code to the requestor.
func (api *approvalApi) submit(ctx echo.Context) error {
	var data approval.NewRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	data.SchoolID = schoolID(ctx)
	r, err := api.svc.Submit(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "submitting approval request")
	}
	api.record(ctx, audit.ActionSubmit, "approval", r.ID, fmt.Sprintf("%s %s", r.Type, r.Amount.StringFixed(2)))
	return ctx.JSON(http.StatusCreated, r)
}

func (api *approvalApi) retrieve(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	r, err := api.svc.Get(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "getting approval request")
	}
	return ctx.JSON(http.StatusOK, r)
}

func (api *approvalApi) verify(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	var data approval.VerifyOTP
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to VerifyOTP")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	r, err := api.svc.VerifyOTP(ctx.Request().Context(), schoolID(ctx), id, data.Code)
	if err != nil {
		return errors.Wrap(err, "verifying approval code")
	}
	return ctx.JSON(http.StatusOK, r)
}

// decide approves (and executes) or rejects a verified request.
func (api *approvalApi) decide(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	var data approval.Decision
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Decision")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	r, err := api.svc.Decide(ctx.Request().Context(), schoolID(ctx), id, data, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "deciding approval request")
	}
	api.record(ctx, audit.ActionDecide, "approval", r.ID, r.Status)
	return ctx.JSON(http.StatusOK, r)
}
