package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/analytics"
)

const recoveryColumns = `id, school_id, student_id, action, status, promised_amount, promised_date, next_follow_up, notes, created_by, created_at`

type recoveryRow struct {
	ID             int             `db:"id"`
	SchoolID       int             `db:"school_id"`
	StudentID      int             `db:"student_id"`
	Action         string          `db:"action"`
	Status         string          `db:"status"`
	PromisedAmount decimal.Decimal `db:"promised_amount"`
	PromisedDate   null.Time       `db:"promised_date"`
	NextFollowUp   null.Time       `db:"next_follow_up"`
	Notes          string          `db:"notes"`
	CreatedBy      string          `db:"created_by"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r recoveryRow) action() analytics.RecoveryAction {
	return analytics.RecoveryAction{
		ID:             r.ID,
		SchoolID:       r.SchoolID,
		StudentID:      r.StudentID,
		Action:         r.Action,
		Status:         r.Status,
		PromisedAmount: r.PromisedAmount,
		PromisedDate:   r.PromisedDate.Ptr(),
		NextFollowUp:   r.NextFollowUp.Ptr(),
		Notes:          r.Notes,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt,
	}
}

type analyticsRepository struct {
	base
}

var _ analytics.Repository = (*analyticsRepository)(nil)

func NewAnalyticsRepository(db *sqlx.DB) analytics.Repository {
	return &analyticsRepository{base{db: db}}
}

func (repo *analyticsRepository) CreateRecoveryAction(ctx context.Context, ra analytics.RecoveryAction, exec ...core.DBExecutor) (analytics.RecoveryAction, error) {
	var row recoveryRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO recovery_actions
			(school_id, student_id, action, status, promised_amount, promised_date, next_follow_up, notes, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+recoveryColumns,
		ra.SchoolID, ra.StudentID, ra.Action, ra.Status, ra.PromisedAmount,
		nullTimePtr(ra.PromisedDate), nullTimePtr(ra.NextFollowUp), ra.Notes, ra.CreatedBy, ra.CreatedAt.UTC())
	if err != nil {
		return analytics.RecoveryAction{}, errors.Wrap(err, "inserting recovery action")
	}
	return row.action(), nil
}

func (repo *analyticsRepository) QueryRecoveryActions(ctx context.Context, filter analytics.RecoveryFilter, exec ...core.DBExecutor) ([]analytics.RecoveryAction, error) {
	var rows []recoveryRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+recoveryColumns+` FROM recovery_actions
		WHERE school_id = $1 AND ($2 = 0 OR student_id = $2) AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($4, 0)`,
		filter.SchoolID, filter.StudentID, filter.Status, filter.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying recovery actions")
	}
	actions := make([]analytics.RecoveryAction, 0, len(rows))
	for _, r := range rows {
		actions = append(actions, r.action())
	}
	return actions, nil
}

func (repo *analyticsRepository) LatestRecoveryActions(ctx context.Context, schoolID int, studentIDs []int, exec ...core.DBExecutor) (map[int]analytics.RecoveryAction, error) {
	latest := make(map[int]analytics.RecoveryAction)
	if len(studentIDs) == 0 {
		return latest, nil
	}
	ids := make([]int64, 0, len(studentIDs))
	for _, id := range studentIDs {
		ids = append(ids, int64(id))
	}

	var rows []recoveryRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT DISTINCT ON (student_id) `+recoveryColumns+` FROM recovery_actions
		WHERE school_id = $1 AND student_id = ANY($2)
		ORDER BY student_id, created_at DESC, id DESC`,
		schoolID, pq.Int64Array(ids))
	if err != nil {
		return nil, errors.Wrap(err, "querying latest recovery actions")
	}
	for _, r := range rows {
		latest[r.StudentID] = r.action()
	}
	return latest, nil
}
