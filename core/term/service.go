package term

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/karo/core"
)

var (
	// errors
	ErrNotFound          = core.NewNotFoundError("term")
	ErrTermExists        = errors.New("terms already exist for this year")
	ErrInvalidTransition = errors.New("invalid term status transition")

	NowFunc = time.Now // mockable
)

type (
	Repository interface {
		// CreateTerms inserts all terms or none; returns ErrTermExists on a (school, year, term) conflict.
		CreateTerms(ctx context.Context, terms []AcademicTerm, exec ...core.DBExecutor) ([]AcademicTerm, error)
		// QueryTerms returns the terms of a school ordered by year & term; year 0 returns every year.
		QueryTerms(ctx context.Context, schoolID, year int, exec ...core.DBExecutor) ([]AcademicTerm, error)
		GetTerm(ctx context.Context, schoolID, id int, exec ...core.DBExecutor) (AcademicTerm, error)
		UpdateTerm(ctx context.Context, t AcademicTerm, exec ...core.DBExecutor) (AcademicTerm, error)
		ClearCurrent(ctx context.Context, schoolID int, exec ...core.DBExecutor) error
		// QueryDueTransitions returns terms of every school due to open or close at `now`.
		QueryDueTransitions(ctx context.Context, now time.Time, exec ...core.DBExecutor) ([]AcademicTerm, error)
	}

	Service interface {
		Query(ctx context.Context, schoolID, year int) ([]AcademicTerm, error)
		Get(ctx context.Context, schoolID, id int) (AcademicTerm, error)
		Current(ctx context.Context, schoolID int) (Current, error)
		SetCurrent(ctx context.Context, schoolID, id int) (AcademicTerm, error)
		Open(ctx context.Context, schoolID, id int) (AcademicTerm, error)
		Close(ctx context.Context, schoolID, id int) (AcademicTerm, error)
		Schedule(ctx context.Context, schoolID, id int, data UpdateSchedule) (AcademicTerm, error)
		StartNewYear(ctx context.Context, schoolID, year int) ([]AcademicTerm, error)
		SeedYear(ctx context.Context, schoolID, year int, exec ...core.DBExecutor) ([]AcademicTerm, error)
		SyncStatuses(ctx context.Context) (int, error)
	}

	service struct {
		repo Repository
		tx   core.Transactor
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository, tx core.Transactor) Service {
	return &service{repo: repo, tx: tx}
}

func (svc *service) Query(ctx context.Context, schoolID, year int) ([]AcademicTerm, error) {
	return svc.repo.QueryTerms(ctx, schoolID, year)
}

func (svc *service) Get(ctx context.Context, schoolID, id int) (AcademicTerm, error) {
	return svc.repo.GetTerm(ctx, schoolID, id)
}

// Current resolves the current term: the flagged row, else the row whose dates contain today
// (which gets flagged), else the default terms are seeded when the school has none, else the
// term is inferred from the month.
func (svc *service) Current(ctx context.Context, schoolID int) (Current, error) {
	now := NowFunc().UTC()

	terms, err := svc.repo.QueryTerms(ctx, schoolID, 0)
	if err != nil {
		return Current{}, errors.Wrap(err, "querying terms")
	}
	for i := range terms {
		if terms[i].IsCurrent {
			return Current{Period: Period{terms[i].Year, terms[i].Term}, AcademicTerm: &terms[i]}, nil
		}
	}

	if len(terms) == 0 {
		if terms, err = svc.SeedYear(ctx, schoolID, now.Year()); err != nil && err != ErrTermExists {
			return Current{}, errors.Wrap(err, "seeding terms")
		}
	}

	for _, t := range terms {
		if t.Contains(now) {
			flagged, err := svc.SetCurrent(ctx, schoolID, t.ID)
			if err != nil {
				return Current{}, errors.Wrap(err, "flagging current term")
			}
			return Current{Period: Period{flagged.Year, flagged.Term}, AcademicTerm: &flagged}, nil
		}
	}

	return Current{Period: Period{Year: now.Year(), Term: InferTerm(now.Month())}, Inferred: true}, nil
}

func (svc *service) SetCurrent(ctx context.Context, schoolID, id int) (AcademicTerm, error) {
	var t AcademicTerm
	err := svc.tx.WithinTx(ctx, func(exec core.DBExecutor) error {
		var err error
		if t, err = svc.repo.GetTerm(ctx, schoolID, id, core.TxExec(exec)...); err != nil {
			return err
		}
		if err = svc.repo.ClearCurrent(ctx, schoolID, core.TxExec(exec)...); err != nil {
			return errors.Wrap(err, "clearing current term")
		}
		t.IsCurrent = true
		t, err = svc.repo.UpdateTerm(ctx, t, core.TxExec(exec)...)
		return err
	})
	return t, err
}

func (svc *service) transition(ctx context.Context, schoolID, id int, from, to string) (AcademicTerm, error) {
	t, err := svc.repo.GetTerm(ctx, schoolID, id)
	if err != nil {
		return AcademicTerm{}, err
	}
	if t.Status != from {
		return AcademicTerm{}, core.NewValidationError(ErrInvalidTransition, core.FieldError{
			Field: "status",
			Error: "cannot move a " + t.Status + " term to " + to,
		})
	}
	t.Status = to
	return svc.repo.UpdateTerm(ctx, t)
}

func (svc *service) Open(ctx context.Context, schoolID, id int) (AcademicTerm, error) {
	return svc.transition(ctx, schoolID, id, StatusDraft, StatusOpen)
}

func (svc *service) Close(ctx context.Context, schoolID, id int) (AcademicTerm, error) {
	return svc.transition(ctx, schoolID, id, StatusOpen, StatusClosed)
}

func (svc *service) Schedule(ctx context.Context, schoolID, id int, data UpdateSchedule) (AcademicTerm, error) {
	if !data.OpensAt.IsZero() && !data.ClosesAt.IsZero() && !data.ClosesAt.After(data.OpensAt) {
		return AcademicTerm{}, core.NewValidationError(nil, core.FieldError{Field: "closes_at", Error: "must be after opens_at"})
	}
	t, err := svc.repo.GetTerm(ctx, schoolID, id)
	if err != nil {
		return AcademicTerm{}, err
	}
	t.OpensAt = data.OpensAt.UTC()
	t.ClosesAt = data.ClosesAt.UTC()
	return svc.repo.UpdateTerm(ctx, t)
}

func (svc *service) StartNewYear(ctx context.Context, schoolID, year int) ([]AcademicTerm, error) {
	terms, err := svc.SeedYear(ctx, schoolID, year)
	if err == ErrTermExists {
		return nil, core.NewValidationError(err, core.FieldError{Field: "year", Error: err.Error()})
	}
	return terms, err
}

func (svc *service) SeedYear(ctx context.Context, schoolID, year int, exec ...core.DBExecutor) ([]AcademicTerm, error) {
	return svc.repo.CreateTerms(ctx, DefaultTerms(schoolID, year), exec...)
}

// SyncStatuses opens DRAFT terms whose opens_at has passed and closes OPEN terms whose closes_at has passed.
func (svc *service) SyncStatuses(ctx context.Context) (int, error) {
	now := NowFunc().UTC()
	due, err := svc.repo.QueryDueTransitions(ctx, now)
	if err != nil {
		return 0, errors.Wrap(err, "querying due transitions")
	}

	var changed int
	for _, t := range due {
		switch {
		case t.Status == StatusDraft && !t.OpensAt.IsZero() && !t.OpensAt.After(now):
			t.Status = StatusOpen
			if !t.ClosesAt.IsZero() && !t.ClosesAt.After(now) {
				t.Status = StatusClosed
			}
		case t.Status == StatusOpen && !t.ClosesAt.IsZero() && !t.ClosesAt.After(now):
			t.Status = StatusClosed
		default:
			continue
		}
		if _, err = svc.repo.UpdateTerm(ctx, t); err != nil {
			return changed, errors.Wrapf(err, "updating term %d", t.ID)
		}
		changed++
	}
	return changed, nil
}
