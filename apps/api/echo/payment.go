package echoapi

import (
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/user"
	"github.com/trezcool/karo/services/docs"
	"github.com/trezcool/karo/services/metrics"
)

const maxCallbackSize = 64 << 10 // 64KB

// MpesaAck is what Daraja expects back from a callback, whatever happened on our side.
type MpesaAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var mpesaAccepted = MpesaAck{ResultCode: 0, ResultDesc: "Accepted"}

type paymentApi struct {
	base
	svc payment.Service
}

func registerPaymentAPI(g *echo.Group, b base, staff []echo.MiddlewareFunc, svc payment.Service) {
	api := paymentApi{base: b, svc: svc}
	finance := adminMiddleware(user.FinanceRoles...)

	pg := g.Group("/payments", staff...)
	pg.GET("", api.query)
	pg.POST("", api.create, finance)
	pg.GET("/:id", api.retrieve)
	pg.GET("/:id/receipt", api.receipt)
	pg.POST("/:id/email", api.emailReceipt, finance)

	// Daraja posts every confirmation from a handful of addresses, so the callback is never throttled.
	g.POST("/mpesa/callback", api.mpesaCallback)
	g.Group("/mpesa", staff...).POST("/checkout", api.mpesaCheckout, adminMiddleware())

	og := g.Group("/paypal/orders", staff...)
	og.POST("", api.createPayPalOrder, adminMiddleware())
	og.POST("/:id/capture", api.capturePayPalOrder, adminMiddleware())
}

func (api *paymentApi) query(ctx echo.Context) error {
	filter := payment.QueryFilter{}
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []payment.Payment{})
	}
	filter.SchoolID = schoolID(ctx)

	payments, err := api.svc.Query(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying payments")
	}
	return ctx.JSON(http.StatusOK, orEmpty(payments))
}

// create applies a manual payment: the balance is settled first and any surplus becomes credit.
func (api *paymentApi) create(ctx echo.Context) error {
	var data payment.NewPayment
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewPayment")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	data.SchoolID = schoolID(ctx)
	data.RecordedBy = actor(ctx)
	res, err := api.svc.Record(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "recording payment")
	}
	metrics.RecordPayment(res.Payment.Method)
	api.record(ctx, audit.ActionRecord, "payment", res.Payment.ID,
		fmt.Sprintf("%s %s student=%d", res.Payment.Method, res.Payment.Amount.StringFixed(2), res.Payment.StudentID))
	return ctx.JSON(http.StatusCreated, res)
}

func (api *paymentApi) retrieve(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	p, err := api.svc.Get(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "getting payment")
	}
	return ctx.JSON(http.StatusOK, p)
}

func (api *paymentApi) receipt(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	p, err := api.svc.Get(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "getting payment")
	}
	data, err := api.svc.ReceiptPDF(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "rendering receipt")
	}
	return inline(ctx, docs.ReceiptNumber(p)+".pdf", "application/pdf", data)
}

func (api *paymentApi) emailReceipt(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	to, err := api.svc.EmailReceipt(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "emailing receipt")
	}
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "Receipt sent to " + to + "."})
}

// M-Pesa

func (api *paymentApi) mpesaCheckout(ctx echo.Context) error {
	var data payment.MpesaCheckout
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to MpesaCheckout")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	mp, err := api.svc.MpesaCheckout(ctx.Request().Context(), schoolID(ctx), data)
	if err != nil {
		return errors.Wrap(err, "starting mpesa checkout")
	}
	return ctx.JSON(http.StatusAccepted, mp)
}

// mpesaCallback reconciles a Daraja STK callback. Daraja retries anything but an
// acceptance, so failures are logged and acknowledged all the same.
func (api *paymentApi) mpesaCallback(ctx echo.Context) error {
	body, err := ioutil.ReadAll(http.MaxBytesReader(ctx.Response(), ctx.Request().Body, maxCallbackSize))
	if err != nil {
		metrics.RecordMpesaCallback("invalid")
		ctx.Logger().Warnf("reading mpesa callback: %v", err)
		return ctx.JSON(http.StatusOK, mpesaAccepted)
	}

	cb, err := api.svc.ParseMpesaCallback(body)
	if err != nil {
		metrics.RecordMpesaCallback("invalid")
		ctx.Logger().Warnf("parsing mpesa callback: %v", err)
		return ctx.JSON(http.StatusOK, mpesaAccepted)
	}

	mp, err := api.svc.HandleMpesaCallback(ctx.Request().Context(), cb)
	switch {
	case err != nil:
		metrics.RecordMpesaCallback("error")
		ctx.Logger().Errorf("%+v", errors.Wrapf(err, "handling mpesa callback %s", cb.CheckoutRequestID))
	case mp.SchoolID == 0:
		metrics.RecordMpesaCallback("unknown")
	case mp.Status == payment.StatusSuccess:
		metrics.RecordMpesaCallback("paid")
		if mp.AccountRef != payment.ProAccountRef {
			metrics.RecordPayment(payment.MethodMpesa)
		}
	default:
		metrics.RecordMpesaCallback("failed")
	}
	return ctx.JSON(http.StatusOK, mpesaAccepted)
}

// PayPal

func (api *paymentApi) createPayPalOrder(ctx echo.Context) error {
	var data payment.NewPayPalOrder
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewPayPalOrder")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	o, err := api.svc.CreatePayPalOrder(ctx.Request().Context(), schoolID(ctx), data)
	if err != nil {
		return errors.Wrap(err, "creating paypal order")
	}
	return ctx.JSON(http.StatusCreated, o)
}

func (api *paymentApi) capturePayPalOrder(ctx echo.Context) error {
	o, err := api.svc.CapturePayPalOrder(ctx.Request().Context(), schoolID(ctx), ctx.Param("id"), actor(ctx))
	if err != nil {
		return errors.Wrap(err, "capturing paypal order")
	}
	if o.PaymentID != nil {
		metrics.RecordPayment(payment.MethodPayPal)
		api.record(ctx, audit.ActionRecord, "payment", *o.PaymentID, "PayPal "+o.OrderID)
	}
	return ctx.JSON(http.StatusOK, o)
}
