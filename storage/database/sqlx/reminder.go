package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/reminder"
)

const reminderLogColumns = `id, school_id, student_id, channel, recipient, message, status, error, created_at`

type reminderLogRow struct {
	ID        int       `db:"id"`
	SchoolID  int       `db:"school_id"`
	StudentID int       `db:"student_id"`
	Channel   string    `db:"channel"`
	Recipient string    `db:"recipient"`
	Message   string    `db:"message"`
	Status    string    `db:"status"`
	Error     string    `db:"error"`
	CreatedAt time.Time `db:"created_at"`
}

type reminderRepository struct {
	base
}

var _ reminder.Repository = (*reminderRepository)(nil)

func NewReminderRepository(db *sqlx.DB) reminder.Repository {
	return &reminderRepository{base{db: db}}
}

func (repo *reminderRepository) CreateLog(ctx context.Context, l reminder.Log, exec ...core.DBExecutor) (reminder.Log, error) {
	var row reminderLogRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO reminder_logs (school_id, student_id, channel, recipient, message, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+reminderLogColumns,
		l.SchoolID, l.StudentID, l.Channel, l.Recipient, l.Message, l.Status, l.Error, l.CreatedAt.UTC())
	if err != nil {
		return reminder.Log{}, errors.Wrap(err, "inserting reminder log")
	}
	return reminder.Log(row), nil
}

func (repo *reminderRepository) QueryLogs(ctx context.Context, filter reminder.LogFilter, exec ...core.DBExecutor) ([]reminder.Log, error) {
	var rows []reminderLogRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+reminderLogColumns+` FROM reminder_logs
		WHERE school_id = $1 AND ($2 = 0 OR student_id = $2) AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($4, 0)`,
		filter.SchoolID, filter.StudentID, filter.Status, filter.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying reminder logs")
	}
	logs := make([]reminder.Log, 0, len(rows))
	for _, r := range rows {
		logs = append(logs, reminder.Log(r))
	}
	return logs, nil
}

func (repo *reminderRepository) RemindedSince(ctx context.Context, schoolID int, since time.Time, exec ...core.DBExecutor) (map[int]bool, error) {
	var ids []int
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &ids,
		`SELECT DISTINCT student_id FROM reminder_logs WHERE school_id = $1 AND status = $2 AND created_at >= $3`,
		schoolID, reminder.StatusSent, since.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "querying reminded students")
	}
	reminded := make(map[int]bool, len(ids))
	for _, id := range ids {
		reminded[id] = true
	}
	return reminded, nil
}
