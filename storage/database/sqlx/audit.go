package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/audit"
)

const auditColumns = `id, school_id, actor, action, entity, entity_id, detail, ip, created_at`

type auditRow struct {
	ID        int       `db:"id"`
	SchoolID  int       `db:"school_id"`
	Actor     string    `db:"actor"`
	Action    string    `db:"action"`
	Entity    string    `db:"entity"`
	EntityID  string    `db:"entity_id"`
	Detail    string    `db:"detail"`
	IP        string    `db:"ip"`
	CreatedAt time.Time `db:"created_at"`
}

type auditRepository struct {
	base
}

var _ audit.Repository = (*auditRepository)(nil)

func NewAuditRepository(db *sqlx.DB) audit.Repository {
	return &auditRepository{base{db: db}}
}

func (repo *auditRepository) CreateEntry(ctx context.Context, e audit.Entry, exec ...core.DBExecutor) (audit.Entry, error) {
	var row auditRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`INSERT INTO audit_logs (school_id, actor, action, entity, entity_id, detail, ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+auditColumns,
		e.SchoolID, e.Actor, e.Action, e.Entity, e.EntityID, e.Detail, e.IP, e.CreatedAt.UTC())
	if err != nil {
		return audit.Entry{}, errors.Wrap(err, "inserting audit entry")
	}
	return audit.Entry(row), nil
}

func (repo *auditRepository) QueryEntries(ctx context.Context, filter audit.QueryFilter, exec ...core.DBExecutor) ([]audit.Entry, error) {
	var rows []auditRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT `+auditColumns+` FROM audit_logs
		WHERE school_id = $1 AND ($2 = '' OR entity = $2) AND ($3 = '' OR actor = $3)
			AND ($4::timestamptz IS NULL OR created_at >= $4) AND ($5::timestamptz IS NULL OR created_at <= $5)
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($6, 0)`,
		filter.SchoolID, filter.Entity, filter.Actor, nullTime(filter.From), nullTime(filter.To), filter.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying audit entries")
	}
	entries := make([]audit.Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, audit.Entry(r))
	}
	return entries, nil
}
