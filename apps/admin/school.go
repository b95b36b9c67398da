package main

import (
	"context"
	"fmt"

	"github.com/trezcool/karo/core/school"
)

func (cli *commandLine) createSchool(ns school.NewSchool) error {
	ctx := context.Background()
	if err := ns.Validate(ctx, cli.validate, cli.usrSvc); err != nil {
		return err
	}
	sch, owner, err := cli.schoolSvc.Create(ctx, ns)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "school %q created: id=%d slug=%s owner=%s\n", sch.Name, sch.ID, sch.Slug, owner.Username)
	return nil
}
