package echoapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/student"
	"github.com/trezcool/karo/services/docs"
)

const (
	maxImportSize = 5 << 20 // 5MB
)

type studentApi struct {
	base
	svc student.Service
}

func registerStudentAPI(g *echo.Group, b base, staff []echo.MiddlewareFunc, svc student.Service) {
	api := studentApi{base: b, svc: svc}

	gg := g.Group("/guardians", staff...)
	gg.GET("", api.queryGuardians)
	gg.POST("", api.createGuardian, adminMiddleware())
	gg.GET("/:id", api.retrieveGuardian)
	gg.PUT("/:id", api.updateGuardian, adminMiddleware())
	gg.DELETE("/:id", api.destroyGuardian, adminMiddleware())
	gg.GET("/:id/students", api.guardianStudents)

	sg := g.Group("/students", staff...)
	sg.GET("", api.query)
	sg.POST("", api.create, adminMiddleware())
	sg.GET("/credit-search", api.creditSearch)
	sg.GET("/import/template", api.importTemplate)
	sg.POST("/import", api.importSheet, adminMiddleware())
	sg.GET("/:id", api.retrieve)
	sg.PUT("/:id", api.update, adminMiddleware())
	sg.DELETE("/:id", api.deactivate, adminMiddleware())
	sg.GET("/:id/siblings", api.siblings)
}

// Guardians

func (api *studentApi) queryGuardians(ctx echo.Context) error {
	guardians, err := api.svc.QueryGuardians(ctx.Request().Context(), schoolID(ctx), core.CleanString(ctx.QueryParam("search")))
	if err != nil {
		return errors.Wrap(err, "querying guardians")
	}
	if guardians == nil {
		guardians = []student.Guardian{}
	}
	return ctx.JSON(http.StatusOK, guardians)
}

func (api *studentApi) createGuardian(ctx echo.Context) error {
	var data student.NewGuardian
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewGuardian")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	data.SchoolID = schoolID(ctx)
	g, err := api.svc.CreateGuardian(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating guardian")
	}
	api.record(ctx, audit.ActionCreate, "guardian", g.ID, g.Name)
	return ctx.JSON(http.StatusCreated, g)
}

func (api *studentApi) retrieveGuardian(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	g, err := api.svc.GetGuardian(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "getting guardian")
	}
	return ctx.JSON(http.StatusOK, g)
}

func (api *studentApi) updateGuardian(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	g, err := api.svc.GetGuardian(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "getting guardian")
	}

	var data student.UpdateGuardian
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateGuardian")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	g, err = api.svc.UpdateGuardian(ctx.Request().Context(), g, data)
	if err != nil {
		return errors.Wrap(err, "updating guardian")
	}
	api.record(ctx, audit.ActionUpdate, "guardian", g.ID, g.Name)
	return ctx.JSON(http.StatusOK, g)
}

func (api *studentApi) destroyGuardian(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.DeleteGuardian(ctx.Request().Context(), schoolID(ctx), id); err != nil {
		return errors.Wrap(err, "deleting guardian")
	}
	api.record(ctx, audit.ActionDelete, "guardian", id, "")
	return ctx.NoContent(http.StatusNoContent)
}

func (api *studentApi) guardianStudents(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	if _, err = api.svc.GetGuardian(ctx.Request().Context(), schoolID(ctx), id); err != nil {
		return errors.Wrap(err, "getting guardian")
	}
	students, err := api.svc.GuardianStudents(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "querying guardian students")
	}
	return ctx.JSON(http.StatusOK, orEmpty(students))
}

// Students

func (api *studentApi) query(ctx echo.Context) error {
	filter := new(student.QueryFilter)
	if err := ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []student.Student{})
	}
	filter.SchoolID = schoolID(ctx)
	filter.Search = core.CleanString(filter.Search)
	filter.ClassName = core.CleanString(filter.ClassName)
	ordering := new(Ordering)
	ordering.Bind(ctx)

	students, err := api.svc.Query(ctx.Request().Context(), filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying students")
	}
	return ctx.JSON(http.StatusOK, orEmpty(students))
}

func (api *studentApi) create(ctx echo.Context) error {
	var data student.NewStudent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewStudent")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	data.SchoolID = schoolID(ctx)
	s, err := api.svc.Create(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating student")
	}
	api.record(ctx, audit.ActionCreate, "student", s.ID, s.AdmissionNo)
	return ctx.JSON(http.StatusCreated, s)
}

func (api *studentApi) retrieve(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	s, err := api.svc.Get(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "getting student")
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *studentApi) update(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	s, err := api.svc.Get(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "getting student")
	}

	var data student.UpdateStudent
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateStudent")
	}
	if err = data.Validate(s, api.validate); err != nil {
		return err
	}

	s, err = api.svc.Update(ctx.Request().Context(), s, data)
	if err != nil {
		return errors.Wrap(err, "updating student")
	}
	api.record(ctx, audit.ActionUpdate, "student", s.ID, s.AdmissionNo)
	return ctx.JSON(http.StatusOK, s)
}

// deactivate keeps the student's history: students are never hard deleted.
func (api *studentApi) deactivate(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	s, err := api.svc.Deactivate(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "deactivating student")
	}
	api.record(ctx, audit.ActionDelete, "student", s.ID, s.AdmissionNo)
	return ctx.JSON(http.StatusOK, s)
}

func (api *studentApi) siblings(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	students, err := api.svc.Siblings(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "querying siblings")
	}
	return ctx.JSON(http.StatusOK, orEmpty(students))
}

// creditSearch finds credit transfer sources (`mode=source`) or targets (`mode=target`).
func (api *studentApi) creditSearch(ctx echo.Context) error {
	mode := strings.ToLower(ctx.QueryParam("mode"))
	if mode != student.SearchSources && mode != student.SearchTargets {
		return core.NewValidationError(nil, core.FieldError{
			Field: "mode",
			Error: fmt.Sprintf("must be one of %s, %s", student.SearchSources, student.SearchTargets),
		})
	}
	students, err := api.svc.CreditSearch(ctx.Request().Context(), schoolID(ctx), mode, core.CleanString(ctx.QueryParam("q")))
	if err != nil {
		return errors.Wrap(err, "searching students")
	}
	return ctx.JSON(http.StatusOK, orEmpty(students))
}

func (api *studentApi) importTemplate(ctx echo.Context) error {
	data, err := docs.StudentSheetTemplate()
	if err != nil {
		return errors.Wrap(err, "building import template")
	}
	return attachment(ctx, "students-template.xlsx", xlsxContentType, data)
}

// importSheet reads the uploaded `file` (.xlsx) and upserts its students by admission number.
func (api *studentApi) importSheet(ctx echo.Context) error {
	fh, err := ctx.FormFile("file")
	if err != nil {
		return core.NewValidationError(nil, core.FieldError{Field: "file", Error: "file is a required field"})
	}
	if fh.Size > maxImportSize {
		return core.NewValidationError(nil, core.FieldError{Field: "file", Error: "file is too large"})
	}
	f, err := fh.Open()
	if err != nil {
		return errors.Wrap(err, "opening upload")
	}
	defer f.Close()

	rows, err := docs.ReadStudentSheet(f)
	if err != nil {
		return core.NewValidationError(nil, core.FieldError{Field: "file", Error: "not a valid .xlsx workbook"})
	}

	res, err := api.svc.Import(ctx.Request().Context(), schoolID(ctx), rows)
	if err != nil {
		return errors.Wrap(err, "importing students")
	}
	if res.Errors == nil {
		res.Errors = []student.ImportError{}
	}
	api.record(ctx, audit.ActionImport, "student", "", fmt.Sprintf("created=%d updated=%d errors=%d", res.Created, res.Updated, len(res.Errors)))
	return ctx.JSON(http.StatusOK, res)
}

// helpers

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func attachment(ctx echo.Context, filename, contentType string, data []byte) error {
	ctx.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return ctx.Blob(http.StatusOK, contentType, data)
}

func inline(ctx echo.Context, filename, contentType string, data []byte) error {
	ctx.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", filename))
	return ctx.Blob(http.StatusOK, contentType, data)
}
