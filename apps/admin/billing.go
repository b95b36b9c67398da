package main

import (
	"context"
	"fmt"
	"time"

	"github.com/trezcool/karo/core/billing"
)

func (cli *commandLine) generateInvoices(schoolID, year, term int, class, due string) error {
	ctx := context.Background()
	if _, err := cli.schoolSvc.Get(ctx, schoolID); err != nil {
		return err
	}

	req := billing.GenerateInvoices{Year: year, Term: term, ClassName: class}
	if due != "" {
		d, err := time.Parse("2006-01-02", due)
		if err != nil {
			return fmt.Errorf("due date must be of form YYYY-MM-DD (got '%s')", due)
		}
		req.DueDate = d
	}
	if err := req.Validate(cli.validate); err != nil {
		return err
	}

	res, err := cli.billingSvc.GenerateInvoices(ctx, schoolID, req, cliActor)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "created: %d, updated: %d, skipped: %d, invoiced: %s\n",
		res.Created, res.Updated, res.Skipped, res.Invoiced.StringFixed(2))
	return nil
}
