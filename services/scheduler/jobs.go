package scheduler

import (
	"context"
	"time"

	"github.com/trezcool/karo/core"
)

const (
	JobReminders     = "reminders"
	JobTermStatus    = "term_status_sync"
	JobApprovalPurge = "approval_purge"
	JobFeeReports    = "fee_reports"
)

type (
	ReminderRunner interface {
		RunScheduled(ctx context.Context) (int, error)
	}
	TermSyncer interface {
		SyncStatuses(ctx context.Context) (int, error)
	}
	ApprovalPurger interface {
		PurgeExpired(ctx context.Context) (int, error)
	}
	// ReportRunner mails the fee reports that are due.
	ReportRunner interface {
		RunScheduled(ctx context.Context) (int, error)
	}
)

// DefaultJobs returns the app's periodic jobs. Reminders follow conf.Reminders.Schedule
// and fee reports conf.Reports.Schedule.
func DefaultJobs(conf *core.Config, reminders ReminderRunner, terms TermSyncer, approvals ApprovalPurger, reports ReportRunner) []Job {
	schedule := conf.Reminders.Schedule
	if schedule == "" {
		schedule = "0 8 * * *"
	}
	reportSchedule := conf.Reports.Schedule
	if reportSchedule == "" {
		reportSchedule = "0 7 * * MON"
	}
	return []Job{
		{Name: JobReminders, Spec: schedule, Timeout: 30 * time.Minute, Run: reminders.RunScheduled},
		{Name: JobFeeReports, Spec: reportSchedule, Timeout: 30 * time.Minute, Run: reports.RunScheduled},
		{Name: JobTermStatus, Spec: "@every 15m", Timeout: time.Minute, Run: terms.SyncStatuses},
		{Name: JobApprovalPurge, Spec: "@every 10m", Timeout: time.Minute, Run: approvals.PurgeExpired},
	}
}
