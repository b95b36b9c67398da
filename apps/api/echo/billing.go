package echoapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core/audit"
	"github.com/trezcool/karo/core/billing"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
	"github.com/trezcool/karo/core/user"
	"github.com/trezcool/karo/services/docs"
)

type (
	billingDeps struct {
		svc      billing.Service
		students student.Service
		schools  school.Service
		renderer InvoiceRenderer
	}

	billingApi struct {
		base
		billingDeps
	}
)

func registerBillingAPI(g *echo.Group, b base, staff []echo.MiddlewareFunc, deps billingDeps) {
	api := billingApi{base: b, billingDeps: deps}
	finance := adminMiddleware(user.FinanceRoles...)

	bg := g.Group("/billing", staff...)

	bg.GET("/components", api.queryComponents)
	bg.POST("/components", api.createComponent, finance)
	bg.PUT("/components/:id", api.updateComponent, finance)
	bg.DELETE("/components/:id", api.destroyComponent, finance)

	bg.GET("/class-defaults", api.queryClassDefaults)
	bg.POST("/class-defaults", api.setClassDefault, finance)
	bg.DELETE("/class-defaults/:id", api.destroyClassDefault, finance)

	bg.GET("/student-items", api.queryStudentItems)
	bg.POST("/student-items", api.setStudentItem, finance)
	bg.DELETE("/student-items/:id", api.destroyStudentItem, finance)

	bg.GET("/discounts", api.queryDiscounts)
	bg.POST("/discounts", api.setDiscount, finance)
	bg.DELETE("/discounts/:id", api.destroyDiscount, finance)

	ig := bg.Group("/invoices")
	ig.GET("", api.queryInvoices)
	ig.POST("/generate", api.generateInvoices, finance)
	ig.GET("/:id", api.retrieveInvoice)
	ig.GET("/:id/pdf", api.invoicePDF)
	ig.POST("/:id/send", api.markSent, finance)
	ig.POST("/:id/void", api.voidInvoice, finance)
}

// Fee components

func (api *billingApi) queryComponents(ctx echo.Context) error {
	comps, err := api.svc.QueryComponents(ctx.Request().Context(), schoolID(ctx))
	if err != nil {
		return errors.Wrap(err, "querying fee components")
	}
	return ctx.JSON(http.StatusOK, orEmpty(comps))
}

func (api *billingApi) createComponent(ctx echo.Context) error {
	var data billing.NewFeeComponent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewFeeComponent")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	data.SchoolID = schoolID(ctx)
	comp, err := api.svc.CreateComponent(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating fee component")
	}
	api.record(ctx, audit.ActionCreate, "fee_component", comp.ID, comp.Code)
	return ctx.JSON(http.StatusCreated, comp)
}

func (api *billingApi) updateComponent(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	var data billing.NewFeeComponent
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewFeeComponent")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	comp, err := api.svc.UpdateComponent(ctx.Request().Context(), schoolID(ctx), id, data)
	if err != nil {
		return errors.Wrap(err, "updating fee component")
	}
	api.record(ctx, audit.ActionUpdate, "fee_component", comp.ID, comp.Code)
	return ctx.JSON(http.StatusOK, comp)
}

func (api *billingApi) destroyComponent(ctx echo.Context) error {
	return api.destroy(ctx, "fee_component", api.svc.DeleteComponent)
}

// Class defaults

func (api *billingApi) queryClassDefaults(ctx echo.Context) error {
	defaults, err := api.svc.QueryClassDefaults(ctx.Request().Context(), schoolID(ctx), intQuery(ctx, "year"), intQuery(ctx, "term"))
	if err != nil {
		return errors.Wrap(err, "querying class defaults")
	}
	return ctx.JSON(http.StatusOK, orEmpty(defaults))
}

func (api *billingApi) setClassDefault(ctx echo.Context) error {
	var data billing.NewClassFeeDefault
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewClassFeeDefault")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	data.SchoolID = schoolID(ctx)
	def, err := api.svc.SetClassDefault(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "setting class default")
	}
	api.record(ctx, audit.ActionUpdate, "class_fee_default", def.ID, fmt.Sprintf("%s %d-T%d", def.ClassName, def.Year, def.Term))
	return ctx.JSON(http.StatusOK, def)
}

func (api *billingApi) destroyClassDefault(ctx echo.Context) error {
	return api.destroy(ctx, "class_fee_default", api.svc.DeleteClassDefault)
}

// Student items

func (api *billingApi) queryStudentItems(ctx echo.Context) error {
	items, err := api.svc.QueryStudentItems(ctx.Request().Context(), schoolID(ctx), intQuery(ctx, "year"), intQuery(ctx, "term"))
	if err != nil {
		return errors.Wrap(err, "querying student fee items")
	}
	return ctx.JSON(http.StatusOK, orEmpty(items))
}

func (api *billingApi) setStudentItem(ctx echo.Context) error {
	var data billing.NewStudentFeeItem
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewStudentFeeItem")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	data.SchoolID = schoolID(ctx)
	it, err := api.svc.SetStudentItem(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "setting student fee item")
	}
	api.record(ctx, audit.ActionUpdate, "student_fee_item", it.ID, fmt.Sprintf("student=%d", it.StudentID))
	return ctx.JSON(http.StatusOK, it)
}

func (api *billingApi) destroyStudentItem(ctx echo.Context) error {
	return api.destroy(ctx, "student_fee_item", api.svc.DeleteStudentItem)
}

// Discounts

func (api *billingApi) queryDiscounts(ctx echo.Context) error {
	discounts, err := api.svc.QueryDiscounts(ctx.Request().Context(), schoolID(ctx), intQuery(ctx, "year"), intQuery(ctx, "term"))
	if err != nil {
		return errors.Wrap(err, "querying discounts")
	}
	return ctx.JSON(http.StatusOK, orEmpty(discounts))
}

func (api *billingApi) setDiscount(ctx echo.Context) error {
	var data billing.NewDiscount
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewDiscount")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	data.SchoolID = schoolID(ctx)
	d, err := api.svc.SetDiscount(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "setting discount")
	}
	api.record(ctx, audit.ActionUpdate, "discount", d.ID, fmt.Sprintf("%s %s", d.Kind, d.Value))
	return ctx.JSON(http.StatusOK, d)
}

func (api *billingApi) destroyDiscount(ctx echo.Context) error {
	return api.destroy(ctx, "discount", api.svc.DeleteDiscount)
}

func (api *billingApi) destroy(ctx echo.Context, entity string, del func(context.Context, int, int) error) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	if err = del(ctx.Request().Context(), schoolID(ctx), id); err != nil {
		return errors.Wrapf(err, "deleting %s", entity)
	}
	api.record(ctx, audit.ActionDelete, entity, id, "")
	return ctx.NoContent(http.StatusNoContent)
}

// Invoices

func (api *billingApi) queryInvoices(ctx echo.Context) error {
	filter := billing.InvoiceFilter{}
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []billing.Invoice{})
	}
	filter.SchoolID = schoolID(ctx)

	invoices, err := api.svc.QueryInvoices(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying invoices")
	}
	return ctx.JSON(http.StatusOK, orEmpty(invoices))
}

// generateInvoices (re)builds the invoices of a term for every active student, or one class.
func (api *billingApi) generateInvoices(ctx echo.Context) error {
	var data billing.GenerateInvoices
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to GenerateInvoices")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	res, err := api.svc.GenerateInvoices(ctx.Request().Context(), schoolID(ctx), data, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "generating invoices")
	}
	if res.InvoiceIDs == nil {
		res.InvoiceIDs = []int{}
	}
	api.record(ctx, audit.ActionGenerate, "invoice", "", fmt.Sprintf(
		"%d-T%d created=%d updated=%d skipped=%d", data.Year, data.Term, res.Created, res.Updated, res.Skipped))
	return ctx.JSON(http.StatusOK, res)
}

func (api *billingApi) retrieveInvoice(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	inv, err := api.svc.GetInvoice(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "getting invoice")
	}
	return ctx.JSON(http.StatusOK, inv)
}

func (api *billingApi) invoicePDF(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	c := ctx.Request().Context()
	doc := docs.InvoiceDoc{}

	if doc.Invoice, err = api.svc.GetInvoice(c, schoolID(ctx), id); err != nil {
		return errors.Wrap(err, "getting invoice")
	}
	if doc.Student, err = api.students.Get(c, schoolID(ctx), doc.Invoice.StudentID); err != nil {
		return errors.Wrap(err, "getting student")
	}
	if doc.School, err = api.schools.Get(c, schoolID(ctx)); err != nil {
		return errors.Wrap(err, "getting school")
	}
	if doc.Student.GuardianID != nil {
		if g, err := api.students.GetGuardian(c, schoolID(ctx), *doc.Student.GuardianID); err == nil {
			doc.Guardian = &g
		}
	}

	data, err := api.renderer.InvoicePDF(doc)
	if err != nil {
		return errors.Wrap(err, "rendering invoice")
	}
	return inline(ctx, docs.InvoiceNumber(doc.Invoice.Invoice)+".pdf", "application/pdf", data)
}

func (api *billingApi) markSent(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	inv, err := api.svc.MarkSent(ctx.Request().Context(), schoolID(ctx), id)
	if err != nil {
		return errors.Wrap(err, "marking invoice sent")
	}
	api.record(ctx, audit.ActionUpdate, "invoice", inv.ID, "sent")
	return ctx.JSON(http.StatusOK, inv)
}

func (api *billingApi) voidInvoice(ctx echo.Context) error {
	id, err := idParam(ctx)
	if err != nil {
		return err
	}
	inv, err := api.svc.Void(ctx.Request().Context(), schoolID(ctx), id, actor(ctx))
	if err != nil {
		return errors.Wrap(err, "voiding invoice")
	}
	api.record(ctx, audit.ActionVoid, "invoice", inv.ID, inv.Total.StringFixed(2))
	return ctx.JSON(http.StatusOK, inv)
}
