package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/docsign"
	"github.com/trezcool/karo/core/report"
	"github.com/trezcool/karo/core/user"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type (
	// DocumentVerifier checks the payload of a receipt or invoice QR code.
	DocumentVerifier interface {
		Verify(payload string) (docsign.Document, error)
	}

	reportApi struct {
		base
		svc report.Service
	}

	documentApi struct {
		base
		verifier DocumentVerifier
	}

	VerifyDocumentRequest struct {
		Payload string `json:"payload" validate:"required,max=2048"`
	}

	VerifyDocumentResponse struct {
		Valid  bool                   `json:"valid"`
		Kind   string                 `json:"kind"`
		Fields map[string]interface{} `json:"fields"`
	}
)

func registerReportAPI(g *echo.Group, b base, staff []echo.MiddlewareFunc, svc report.Service) {
	api := reportApi{base: b, svc: svc}

	rg := g.Group("/reports", staff...)
	rg.GET("/fees", api.download)
	rg.POST("/fees/send", api.send, adminMiddleware(user.FinanceRoles...))
}

func (api *reportApi) download(ctx echo.Context) error {
	data, r, err := api.svc.Workbook(ctx.Request().Context(), schoolID(ctx))
	if err != nil {
		return errors.Wrap(err, "building fee report")
	}
	return attachment(ctx, report.Filename(r), xlsxContentType, data)
}

// send mails the fee report to the school's address right away.
func (api *reportApi) send(ctx echo.Context) error {
	if err := api.svc.Send(ctx.Request().Context(), schoolID(ctx)); err != nil {
		if errors.Is(err, report.ErrNoSchoolEmail) {
			return core.NewValidationError(err, core.FieldError{Field: "email", Error: err.Error()})
		}
		return errors.Wrap(err, "sending fee report")
	}
	api.record(ctx, audit.ActionRun, "fee_report", schoolID(ctx), "sent")
	return ctx.JSON(http.StatusAccepted, map[string]string{"success": "The fee report is on its way."})
}

func registerDocumentAPI(g *echo.Group, b base, limited echo.MiddlewareFunc, verifier DocumentVerifier) {
	api := documentApi{base: b, verifier: verifier}
	g.POST("/documents/verify", api.verify, limited)
}

// verify tells whether a scanned receipt or invoice QR code was issued by us, and what it says.
func (api *documentApi) verify(ctx echo.Context) error {
	var data VerifyDocumentRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to VerifyDocumentRequest")
	}
	if err := api.validate.Struct(data); err != nil {
		return err
	}

	doc, err := api.verifier.Verify(data.Payload)
	if err != nil {
		if errors.Is(err, docsign.ErrInvalidSignature) || errors.Is(err, docsign.ErrMalformed) {
			return core.NewValidationError(err, core.FieldError{Field: "payload", Error: err.Error()})
		}
		return errors.Wrap(err, "verifying document")
	}
	return ctx.JSON(http.StatusOK, VerifyDocumentResponse{Valid: true, Kind: doc.Kind, Fields: doc.Fields})
}
