package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/user"
)

type auditApi struct {
	base
	svc audit.Service
}

func registerAuditAPI(g *echo.Group, b base, staff []echo.MiddlewareFunc, svc audit.Service) {
	api := auditApi{base: b, svc: svc}

	ag := g.Group("/audit", staff...)
	ag.GET("", api.query, adminMiddleware(user.RoleAdminOwner, user.RoleAdminPrincipal))
}

func (api *auditApi) query(ctx echo.Context) error {
	filter := audit.QueryFilter{}
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []audit.Entry{})
	}
	filter.SchoolID = schoolID(ctx)

	entries, err := api.svc.Query(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying audit log")
	}
	return ctx.JSON(http.StatusOK, orEmpty(entries))
}
