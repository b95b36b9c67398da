package echoapi

import (
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/proof"
	"github.com/trezcool/karo/core/user"
)

const defaultMaxUploadBytes = 5 << 20

type proofApi struct {
	base
	svc proof.Service
}

func registerProofAPI(g *echo.Group, b base, staff []echo.MiddlewareFunc, svc proof.Service) {
	api := proofApi{base: b, svc: svc}

	pg := g.Group("/proofs", staff...)
	pg.GET("", api.query)
	pg.GET("/:id", api.retrieve)
	pg.GET("/:id/file", api.file)
	pg.POST("/:id/review", api.review, adminMiddleware(user.FinanceRoles...))
}

func (api *proofApi) query(ctx echo.Context) error {
	filter := proof.QueryFilter{}
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []proof.Proof{})
	}
	filter.SchoolID = schoolID(ctx)

	proofs, err := api.svc.Query(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying proofs")
	}
	return ctx.JSON(http.StatusOK, orEmpty(proofs))
}

func (api *proofApi) retrieve(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	p, err := api.svc.Get(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "getting proof")
	}
	return ctx.JSON(http.StatusOK, p)
}

func (api *proofApi) file(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	p, data, err := api.svc.File(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "getting proof file")
	}
	return inline(ctx, p.FileName, p.ContentType, data)
}

// review moves a proof along; verifying with record_payment also books the payment.
func (api *proofApi) review(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	var data proof.Review
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to Review")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	p, err := api.svc.Review(ctx.Request().Context(), schoolID(ctx), id, data, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "reviewing proof")
	}
	detail := fmt.Sprintf("status=%s student=%d", p.Status, p.StudentID)
	if p.PaymentID != nil {
		detail += fmt.Sprintf(" payment=%d", *p.PaymentID)
	}
	api.record(ctx, audit.ActionDecide, "payment_proof", p.ID, detail)
	return ctx.JSON(http.StatusOK, p)
}

// readUpload reads the multipart `field`, refusing files over maxBytes before they are fully read.
func readUpload(ctx echo.Context, field string, maxBytes int) (string, []byte, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	fh, err := ctx.FormFile(field)
	if err != nil {
		return "", nil, core.NewValidationError(err, core.FieldError{Field: field, Error: "this field is required"})
	}
	if fh.Size > int64(maxBytes) {
		return "", nil, core.NewValidationError(proof.ErrFileTooLarge, core.FieldError{Field: field, Error: proof.ErrFileTooLarge.Error()})
	}
	f, err := fh.Open()
	if err != nil {
		return "", nil, errors.Wrap(err, "opening upload")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)+1))
	if err != nil {
		return "", nil, errors.Wrap(err, "reading upload")
	}
	return fh.Filename, data, nil
}

// uploadProof stores a payment proof for one of the guardian's students.
func (api *portalApi) uploadProof(ctx echo.Context) error {
	s, err := api.guardianStudent(ctx)
	if err != nil {
		return errors.Wrap(err, "getting student")
	}
	name, data, err := readUpload(ctx, "file", api.maxUploadBytes)
	if err != nil {
		return err
	}

	np := proof.NewProof{
		SchoolID:    s.SchoolID,
		StudentID:   s.ID,
		GuardianID:  identity(ctx).GuardianID,
		Description: ctx.FormValue("description"),
		FileName:    name,
		Data:        data,
	}
	if err = np.Validate(api.validate); err != nil {
		return err
	}
	p, err := api.proofs.Upload(ctx.Request().Context(), np)
	if err != nil {
		return errors.Wrap(err, "uploading proof")
	}
	return ctx.JSON(http.StatusCreated, p)
}

func (api *portalApi) studentProofs(ctx echo.Context) error {
	s, err := api.guardianStudent(ctx)
	if err != nil {
		return errors.Wrap(err, "getting student")
	}
	proofs, err := api.proofs.Query(ctx.Request().Context(), proof.QueryFilter{
		SchoolID:   s.SchoolID,
		StudentID:  s.ID,
		GuardianID: identity(ctx).GuardianID,
	})
	if err != nil {
		return errors.Wrap(err, "querying proofs")
	}
	return ctx.JSON(http.StatusOK, orEmpty(proofs))
}
