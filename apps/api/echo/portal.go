package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core/ledger"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/portal"
	"github.com/trezcool/karo/core/proof"
	"github.com/trezcool/karo/core/student"
)

type (
	portalDeps struct {
		svc            portal.Service
		ledger         ledger.Service
		payments       payment.Service
		proofs         proof.Service
		maxUploadBytes int
	}

	portalApi struct {
		base
		portalDeps
		auth *Auth
	}

	CodeRequestResponse struct {
		Success string `json:"success"`
		SentTo  string `json:"sent_to"`
	}

	GuardianLoginResponse struct {
		Token    string          `json:"token"`
		Guardian portal.Identity `json:"guardian"`
	}
)

func registerPortalAPI(g *echo.Group, b base, auth *Auth, limited, jwt echo.MiddlewareFunc, deps portalDeps) {
	api := portalApi{base: b, portalDeps: deps, auth: auth}

	pg := g.Group("/portal")

	// un-authed endpoints
	pg.POST("/login/request", api.requestCode, limited)
	pg.POST("/login/verify", api.verifyCode, limited)

	// guardian endpoints
	sg := pg.Group("/students", jwt, guardianMiddleware())
	sg.GET("", api.students)
	sg.GET("/:id", api.student)
	sg.GET("/:id/statement", api.statement)
	sg.GET("/:id/payments", api.studentPayments)
	sg.POST("/:id/mpesa", api.mpesaCheckout)
	sg.POST("/:id/paypal", api.createPayPalOrder)
	sg.POST("/:id/paypal/:order/capture", api.capturePayPalOrder)
	sg.GET("/:id/proofs", api.studentProofs)
	sg.POST("/:id/proofs", api.uploadProof, limited)
}

// requestCode emails a login code. Unknown emails get the same answer.
func (api *portalApi) requestCode(ctx echo.Context) error {
	var data portal.CodeRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CodeRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	masked, err := api.svc.RequestCode(ctx.Request().Context(), data.School, data.Email)
	if err != nil {
		return errors.Wrap(err, "requesting login code")
	}
	return ctx.JSON(http.StatusOK, CodeRequestResponse{
		Success: "If this email belongs to a guardian, a login code is on its way.",
		SentTo:  masked,
	})
}

func (api *portalApi) verifyCode(ctx echo.Context) error {
	var data portal.CodeVerification
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CodeVerification")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	id, err := api.svc.VerifyCode(ctx.Request().Context(), data.School, data.Email, data.Code)
	if err != nil {
		return errors.Wrap(err, "verifying login code")
	}
	token, err := api.auth.GenerateToken(api.auth.GuardianClaims(id))
	if err != nil {
		return errors.Wrap(err, "generating token")
	}
	return ctx.JSON(http.StatusOK, GuardianLoginResponse{Token: token, Guardian: id})
}

func identity(ctx echo.Context) portal.Identity {
	claims, _ := getContextClaims(ctx)
	return claims.Identity()
}

// guardianStudent loads the `:id` student, provided it belongs to the calling guardian.
func (api *portalApi) guardianStudent(ctx echo.Context) (student.Student, error) {
	id, err := idParam(ctx)
	if err != nil {
		return student.Student{}, err
	}
	return api.svc.Student(ctx.Request().Context(), identity(ctx), id)
}

func (api *portalApi) students(ctx echo.Context) error {
	students, err := api.svc.Students(ctx.Request().Context(), identity(ctx))
	if err != nil {
		return errors.Wrap(err, "querying guardian students")
	}
	return ctx.JSON(http.StatusOK, orEmpty(students))
}

func (api *portalApi) student(ctx echo.Context) error {
	s, err := api.guardianStudent(ctx)
	if err != nil {
		return errors.Wrap(err, "getting student")
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *portalApi) statement(ctx echo.Context) error {
	s, err := api.guardianStudent(ctx)
	if err != nil {
		return errors.Wrap(err, "getting student")
	}
	st, err := api.ledger.Statement(ctx.Request().Context(), s.SchoolID, s.ID)
	if err != nil {
		return errors.Wrap(err, "getting statement")
	}
	return ctx.JSON(http.StatusOK, st)
}

func (api *portalApi) studentPayments(ctx echo.Context) error {
	s, err := api.guardianStudent(ctx)
	if err != nil {
		return errors.Wrap(err, "getting student")
	}
	payments, err := api.payments.Query(ctx.Request().Context(), payment.QueryFilter{SchoolID: s.SchoolID, StudentID: s.ID})
	if err != nil {
		return errors.Wrap(err, "querying payments")
	}
	return ctx.JSON(http.StatusOK, orEmpty(payments))
}

func (api *portalApi) mpesaCheckout(ctx echo.Context) error {
	s, err := api.guardianStudent(ctx)
	if err != nil {
		return errors.Wrap(err, "getting student")
	}
	var data payment.MpesaCheckout
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to MpesaCheckout")
	}
	data.StudentID = s.ID
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	mp, err := api.payments.MpesaCheckout(ctx.Request().Context(), s.SchoolID, data)
	if err != nil {
		return errors.Wrap(err, "starting mpesa checkout")
	}
	return ctx.JSON(http.StatusAccepted, mp)
}

func (api *portalApi) createPayPalOrder(ctx echo.Context) error {
	s, err := api.guardianStudent(ctx)
	if err != nil {
		return errors.Wrap(err, "getting student")
	}
	var data payment.NewPayPalOrder
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewPayPalOrder")
	}
	data.StudentID = s.ID
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	o, err := api.payments.CreatePayPalOrder(ctx.Request().Context(), s.SchoolID, data)
	if err != nil {
		return errors.Wrap(err, "creating paypal order")
	}
	return ctx.JSON(http.StatusCreated, o)
}

func (api *portalApi) capturePayPalOrder(ctx echo.Context) error {
	s, err := api.guardianStudent(ctx)
	if err != nil {
		return errors.Wrap(err, "getting student")
	}
	o, err := api.payments.GetPayPalOrder(ctx.Request().Context(), s.SchoolID, ctx.Param("order"))
	if err != nil {
		return errors.Wrap(err, "getting paypal order")
	}
	if o.StudentID != s.ID {
		return errHttpNotFound
	}

	claims, _ := getContextClaims(ctx)
	if o, err = api.payments.CapturePayPalOrder(ctx.Request().Context(), s.SchoolID, o.OrderID, claims.Actor()); err != nil {
		return errors.Wrap(err, "capturing paypal order")
	}
	return ctx.JSON(http.StatusOK, o)
}
