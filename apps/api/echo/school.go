package echoapi

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/user"
)

type schoolApi struct {
	base
	auth       *Auth
	svc        school.Service
	usrSvc     user.Service
	paymentSvc payment.Service
}

type SignupResponse struct {
	School school.School `json:"school"`
	Owner  user.User     `json:"owner"`
	Token  string        `json:"token"`
}

func registerSchoolAPI(
	g *echo.Group,
	b base,
	auth *Auth,
	limited echo.MiddlewareFunc,
	staff []echo.MiddlewareFunc,
	svc school.Service,
	usrSvc user.Service,
	paymentSvc payment.Service,
) {
	api := schoolApi{base: b, auth: auth, svc: svc, usrSvc: usrSvc, paymentSvc: paymentSvc}

	sg := g.Group("/schools")
	sg.POST("", api.signup, limited)

	mg := sg.Group("/me", staff...)
	mg.GET("", api.retrieve)
	mg.PUT("", api.update, adminMiddleware(user.RoleAdminOwner, user.RoleAdminPrincipal))
	mg.GET("/settings", api.settings)
	mg.PUT("/settings", api.updateSettings, adminMiddleware(user.RoleAdminOwner, user.RoleAdminPrincipal))
	mg.POST("/pro/checkout", api.proCheckout, adminMiddleware(user.RoleAdminOwner))
}

// signup creates a school with its owner and logs the owner in.
func (api *schoolApi) signup(ctx echo.Context) error {
	var data school.NewSchool
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSchool")
	}
	if err := data.Validate(ctx.Request().Context(), api.validate, api.usrSvc); err != nil {
		return err
	}

	sch, owner, err := api.svc.Create(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating school")
	}
	token, err := api.auth.GenerateToken(api.auth.UserClaims(owner))
	if err != nil {
		return errors.Wrap(err, "generating token")
	}
	if api.audit != nil {
		api.audit.Log(ctx.Request().Context(), audit.Entry{
			SchoolID: sch.ID,
			Actor:    owner.Username,
			Action:   audit.ActionCreate,
			Entity:   "school",
			EntityID: sch.Slug,
			IP:       ctx.RealIP(),
		})
	}

	return ctx.JSON(http.StatusCreated, SignupResponse{School: sch, Owner: owner, Token: token})
}

func (api *schoolApi) retrieve(ctx echo.Context) error {
	sch, err := api.svc.Get(ctx.Request().Context(), schoolID(ctx))
	if err != nil {
		return errors.Wrap(err, "getting school")
	}
	return ctx.JSON(http.StatusOK, sch)
}

func (api *schoolApi) update(ctx echo.Context) error {
	var data school.UpdateSchool
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateSchool")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	sch, err := api.svc.Update(ctx.Request().Context(), schoolID(ctx), data)
	if err != nil {
		return errors.Wrap(err, "updating school")
	}
	api.record(ctx, audit.ActionUpdate, "school", sch.ID, "")
	return ctx.JSON(http.StatusOK, sch)
}

func (api *schoolApi) settings(ctx echo.Context) error {
	settings, err := api.svc.Settings(ctx.Request().Context(), schoolID(ctx))
	if err != nil {
		return errors.Wrap(err, "getting settings")
	}
	return ctx.JSON(http.StatusOK, settings)
}

func (api *schoolApi) updateSettings(ctx echo.Context) error {
	data := make(school.Settings)
	if err := json.NewDecoder(ctx.Request().Body).Decode(&data); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "settings must be an object of strings").SetInternal(err)
	}

	settings, err := api.svc.UpdateSettings(ctx.Request().Context(), schoolID(ctx), data)
	if err != nil {
		return errors.Wrap(err, "updating settings")
	}
	api.record(ctx, audit.ActionUpdate, "settings", schoolID(ctx), "")
	return ctx.JSON(http.StatusOK, settings)
}

// proCheckout prompts the owner's phone to pay for the Pro plan.
func (api *schoolApi) proCheckout(ctx echo.Context) error {
	var data payment.ProCheckout
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ProCheckout")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	mp, err := api.paymentSvc.ProCheckout(ctx.Request().Context(), schoolID(ctx), data)
	if err != nil {
		return errors.Wrap(err, "starting pro checkout")
	}
	return ctx.JSON(http.StatusAccepted, mp)
}
