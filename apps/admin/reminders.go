package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/trezcool/karo/core/reminder"
)

// sendReminders runs one school's reminders, or the scheduled run over every opted-in school.
func (cli *commandLine) sendReminders(schoolID int, class, channels string, dryRun bool) error {
	ctx := context.Background()
	if schoolID == 0 {
		sent, err := cli.reminderSvc.RunScheduled(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "sent: %d\n", sent)
		return nil
	}

	req := reminder.RunRequest{ClassName: class, DryRun: dryRun}
	for _, ch := range strings.Split(channels, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			req.Channels = append(req.Channels, ch)
		}
	}
	res, err := cli.reminderSvc.Run(ctx, schoolID, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "targeted: %d, sent: %d, failed: %d, skipped: %d\n", res.Targeted, res.Sent, res.Failed, res.Skipped)
	if res.DryRun {
		for _, m := range res.Messages {
			fmt.Fprintf(cli.out, "  %+v\n", m)
		}
	}
	return nil
}
