package echoapi

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/credit"
	"github.com/trezcool/karo/core/ledger"
	"github.com/trezcool/karo/core/user"
)

type AutoApplyResponse struct {
	Applied string `json:"applied"`
}

type creditApi struct {
	base
	svc    credit.Service
	ledger ledger.Service
}

func registerCreditAPI(g *echo.Group, b base, staff []echo.MiddlewareFunc, svc credit.Service, ledgerSvc ledger.Service) {
	api := creditApi{base: b, svc: svc, ledger: ledgerSvc}
	finance := adminMiddleware(user.FinanceRoles...)

	cg := g.Group("/credit", staff...)
	cg.GET("/operations", api.operations)
	cg.POST("/apply", api.apply, finance)
	cg.POST("/refund", api.refund, finance)
	cg.POST("/transfer", api.transfer, finance)
	cg.POST("/auto-apply", api.autoApply, finance)

	lg := g.Group("/ledger", staff...)
	lg.GET("/students/:id", api.statement)
}

func (api *creditApi) apply(ctx echo.Context) error {
	var data credit.Apply
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Apply")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	data.SchoolID = schoolID(ctx)
	data.Actor = actor(ctx)
	res, err := api.svc.Apply(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "applying credit")
	}
	api.record(ctx, audit.ActionApply, "credit_operation", res.Operation.ID,
		fmt.Sprintf("student=%d amount=%s", data.StudentID, data.Amount.StringFixed(2)))
	return ctx.JSON(http.StatusOK, res)
}

func (api *creditApi) refund(ctx echo.Context) error {
	var data credit.Refund
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Refund")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	data.SchoolID = schoolID(ctx)
	data.Actor = actor(ctx)
	res, err := api.svc.Refund(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "refunding credit")
	}
	api.record(ctx, audit.ActionRefund, "credit_operation", res.Operation.ID,
		fmt.Sprintf("student=%d amount=%s method=%s", data.StudentID, data.Amount.StringFixed(2), data.Method))
	return ctx.JSON(http.StatusOK, res)
}

// transfer moves credit between two students; the target's balance is settled first.
func (api *creditApi) transfer(ctx echo.Context) error {
	var data credit.Transfer
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Transfer")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	data.SchoolID = schoolID(ctx)
	data.Actor = actor(ctx)
	res, err := api.svc.Transfer(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "transferring credit")
	}
	api.record(ctx, audit.ActionTransfer, "credit_transfer", res.Correlation,
		fmt.Sprintf("from=%d to=%d amount=%s", data.FromStudentID, data.ToStudentID, data.Amount.StringFixed(2)))
	return ctx.JSON(http.StatusOK, res)
}

func (api *creditApi) autoApply(ctx echo.Context) error {
	var data credit.AutoApply
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to AutoApply")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	applied, err := api.svc.AutoApplyForTerm(ctx.Request().Context(), schoolID(ctx), data.StudentID, data.Year, data.Term, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "auto applying credit")
	}
	if applied.IsPositive() {
		api.record(ctx, audit.ActionApply, "credit_operation", "",
			fmt.Sprintf("auto student=%d %d-T%d amount=%s", data.StudentID, data.Year, data.Term, applied.StringFixed(2)))
	}
	return ctx.JSON(http.StatusOK, AutoApplyResponse{Applied: applied.StringFixed(2)})
}

func (api *creditApi) operations(ctx echo.Context) error {
	filter := ledger.OperationFilter{}
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []ledger.CreditOperation{})
	}
	filter.SchoolID = schoolID(ctx)

	ops, err := api.ledger.Operations(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying credit operations")
	}
	return ctx.JSON(http.StatusOK, orEmpty(ops))
}

func (api *creditApi) statement(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	st, err := api.ledger.Statement(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "getting statement")
	}
	return ctx.JSON(http.StatusOK, st)
}
