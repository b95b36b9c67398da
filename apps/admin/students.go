package main

import (
	"context"
	"fmt"
	"os"

	"github.com/trezcool/karo/services/docs"
)

// importStudents creates or updates the students listed in an .xlsx sheet. Row errors are reported, not fatal.
func (cli *commandLine) importStudents(schoolID int, path string) error {
	ctx := context.Background()
	if _, err := cli.schoolSvc.Get(ctx, schoolID); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := docs.ReadStudentSheet(f)
	if err != nil {
		return err
	}
	res, err := cli.studentSvc.Import(ctx, schoolID, rows)
	if err != nil {
		return err
	}

	fmt.Fprintf(cli.out, "created: %d, updated: %d, errors: %d\n", res.Created, res.Updated, len(res.Errors))
	for _, e := range res.Errors {
		fmt.Fprintf(cli.out, "  row %d: %s\n", e.Row, e.Error)
	}
	return nil
}
