package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/trezcool/karo/core"
)

const maxDetailLen = 2000

var NowFunc = time.Now // mockable

type (
	Repository interface {
		CreateEntry(ctx context.Context, e Entry, exec ...core.DBExecutor) (Entry, error)
		// QueryEntries returns the newest entries first.
		QueryEntries(ctx context.Context, filter QueryFilter, exec ...core.DBExecutor) ([]Entry, error)
	}

	Service interface {
		// Log records a mutation. Failures are reported to the logger and never bubble up.
		Log(ctx context.Context, e Entry)
		Query(ctx context.Context, filter QueryFilter) ([]Entry, error)
	}

	service struct {
		repo   Repository
		logger core.Logger
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository, logger core.Logger) Service {
	return &service{repo: repo, logger: logger}
}

func (svc *service) Log(ctx context.Context, e Entry) {
	e.Actor = core.CleanString(e.Actor)
	e.Entity = core.CleanString(e.Entity, true /* lower */)
	if len(e.Detail) > maxDetailLen {
		e.Detail = e.Detail[:maxDetailLen]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = NowFunc().UTC()
	}
	if _, err := svc.repo.CreateEntry(ctx, e); err != nil {
		svc.logger.Error(fmt.Sprintf("audit.Log(%s %s#%s): %v", e.Action, e.Entity, e.EntityID, err), err)
	}
}

func (svc *service) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	filter.Entity = core.CleanString(filter.Entity, true /* lower */)
	filter.Actor = core.CleanString(filter.Actor)
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 200
	}
	return svc.repo.QueryEntries(ctx, filter)
}
