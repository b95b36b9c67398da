package school

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/term"
	"github.com/trezcool/karo/core/user"
)

var (
	// errors
	ErrNotFound   = core.NewNotFoundError("school")
	ErrSlugExists = errors.New("a school with this slug already exists")
)

type (
	Repository interface {
		CreateSchool(ctx context.Context, s School, exec ...core.DBExecutor) (School, error)
		GetSchool(ctx context.Context, id int, exec ...core.DBExecutor) (School, error)
		GetSchoolBySlug(ctx context.Context, slug string, exec ...core.DBExecutor) (School, error)
		QuerySchools(ctx context.Context, exec ...core.DBExecutor) ([]School, error)
		UpdateSchool(ctx context.Context, s School, exec ...core.DBExecutor) (School, error)
		GetSettings(ctx context.Context, schoolID int, exec ...core.DBExecutor) (Settings, error)
		// SetSettings upserts the given keys, leaving the others untouched.
		SetSettings(ctx context.Context, schoolID int, settings Settings, exec ...core.DBExecutor) error
		// CreateProActivation is idempotent on MpesaRef: it returns the existing row and false when already recorded.
		CreateProActivation(ctx context.Context, pa ProActivation, exec ...core.DBExecutor) (ProActivation, bool, error)
	}

	Service interface {
		Create(ctx context.Context, ns NewSchool) (School, user.User, error)
		Get(ctx context.Context, id int) (School, error)
		GetBySlug(ctx context.Context, slug string) (School, error)
		Query(ctx context.Context) ([]School, error)
		Update(ctx context.Context, id int, us UpdateSchool) (School, error)
		Settings(ctx context.Context, schoolID int) (Settings, error)
		UpdateSettings(ctx context.Context, schoolID int, settings Settings) (Settings, error)
		ActivatePro(ctx context.Context, schoolID int, mpesaRef string, amount decimal.Decimal, exec ...core.DBExecutor) (ProActivation, error)
	}

	service struct {
		repo    Repository
		usrSvc  user.Service
		termSvc term.Service
		tx      core.Transactor
		conf    *core.Config
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository, usrSvc user.Service, termSvc term.Service, tx core.Transactor, conf *core.Config) Service {
	return &service{
		repo:    repo,
		usrSvc:  usrSvc,
		termSvc: termSvc,
		tx:      tx,
		conf:    conf,
	}
}

// Create bootstraps a tenant: the school, its default settings, the owner and this year's terms.
func (svc *service) Create(ctx context.Context, ns NewSchool) (School, user.User, error) {
	now := time.Now().UTC()
	currency := ns.Currency
	if currency == "" {
		currency = svc.conf.Currency
	}

	var (
		sch School
		usr user.User
	)
	err := svc.tx.WithinTx(ctx, func(exec core.DBExecutor) error {
		var err error
		sch, err = svc.repo.CreateSchool(ctx, School{
			Name:      ns.Name,
			Slug:      ns.Slug,
			Email:     ns.Email,
			Phone:     ns.Phone,
			Address:   ns.Address,
			Currency:  currency,
			Plan:      PlanFree,
			CreatedAt: now,
			UpdatedAt: now,
		}, core.TxExec(exec)...)
		if err != nil {
			if err == ErrSlugExists {
				return core.NewValidationError(err, core.FieldError{Field: "slug", Error: err.Error()})
			}
			return errors.Wrap(err, "creating school")
		}

		if err = svc.repo.SetSettings(ctx, sch.ID, DefaultSettings(), core.TxExec(exec)...); err != nil {
			return errors.Wrap(err, "setting default settings")
		}

		owner := ns.Owner
		owner.SchoolID = sch.ID
		if usr, err = svc.usrSvc.Create(ctx, owner, core.TxExec(exec)...); err != nil {
			return errors.Wrap(err, "creating owner")
		}

		if _, err = svc.termSvc.SeedYear(ctx, sch.ID, now.Year(), core.TxExec(exec)...); err != nil {
			return errors.Wrap(err, "seeding terms")
		}
		return nil
	})
	if err != nil {
		return School{}, user.User{}, err
	}
	return sch, usr, nil
}

func (svc *service) Get(ctx context.Context, id int) (School, error) {
	return svc.repo.GetSchool(ctx, id)
}

func (svc *service) GetBySlug(ctx context.Context, slug string) (School, error) {
	return svc.repo.GetSchoolBySlug(ctx, core.CleanString(slug, true /* lower */))
}

func (svc *service) Query(ctx context.Context) ([]School, error) {
	return svc.repo.QuerySchools(ctx)
}

func (svc *service) Update(ctx context.Context, id int, us UpdateSchool) (School, error) {
	sch, err := svc.repo.GetSchool(ctx, id)
	if err != nil {
		return School{}, err
	}
	if us.Name != "" {
		sch.Name = us.Name
	}
	if us.Email != "" {
		sch.Email = us.Email
	}
	if us.Phone != "" {
		sch.Phone = us.Phone
	}
	if us.Address != "" {
		sch.Address = us.Address
	}
	sch.UpdatedAt = time.Now().UTC()
	return svc.repo.UpdateSchool(ctx, sch)
}

func (svc *service) Settings(ctx context.Context, schoolID int) (Settings, error) {
	settings, err := svc.repo.GetSettings(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	merged := DefaultSettings()
	for k, v := range settings {
		merged[k] = v
	}
	return merged, nil
}

func (svc *service) UpdateSettings(ctx context.Context, schoolID int, settings Settings) (Settings, error) {
	fldErrs := make([]core.FieldError, 0)
	for k, v := range settings {
		if !knownSettings[k] {
			fldErrs = append(fldErrs, core.FieldError{Field: k, Error: "unknown setting"})
			continue
		}
		if allowed, ok := settingValues[k]; ok {
			v = strings.ToLower(strings.TrimSpace(v))
			if !oneOf(v, allowed) {
				fldErrs = append(fldErrs, core.FieldError{Field: k, Error: "must be one of " + strings.Join(allowed, ", ")})
				continue
			}
			settings[k] = v
		}
	}
	if len(fldErrs) > 0 {
		return nil, core.NewValidationError(nil, fldErrs...)
	}
	if err := svc.repo.SetSettings(ctx, schoolID, settings); err != nil {
		return nil, errors.Wrap(err, "setting settings")
	}
	return svc.Settings(ctx, schoolID)
}

// ActivatePro upgrades the school to the Pro plan. Replays of the same receipt are no-ops.
func (svc *service) ActivatePro(ctx context.Context, schoolID int, mpesaRef string, amount decimal.Decimal, exec ...core.DBExecutor) (ProActivation, error) {
	pa, created, err := svc.repo.CreateProActivation(ctx, ProActivation{
		SchoolID:    schoolID,
		MpesaRef:    mpesaRef,
		Amount:      amount,
		LicenseKey:  LicenseKey(schoolID, mpesaRef),
		ActivatedAt: time.Now().UTC(),
	}, exec...)
	if err != nil {
		return ProActivation{}, errors.Wrap(err, "creating pro activation")
	}
	if !created {
		return pa, nil
	}

	sch, err := svc.repo.GetSchool(ctx, schoolID, exec...)
	if err != nil {
		return ProActivation{}, err
	}
	sch.Plan = PlanPro
	sch.ProActivatedAt = pa.ActivatedAt
	sch.UpdatedAt = pa.ActivatedAt
	if _, err = svc.repo.UpdateSchool(ctx, sch, exec...); err != nil {
		return ProActivation{}, errors.Wrap(err, "updating school plan")
	}
	return pa, nil
}

// LicenseKey builds the Pro license key: KR-PRO-<REF>-<sha1[:6]>.
func LicenseKey(schoolID int, mpesaRef string) string {
	ref := strings.ToUpper(core.CleanString(mpesaRef))
	sum := sha1.Sum([]byte(fmt.Sprintf("%d:%s", schoolID, ref)))
	return "KR-PRO-" + ref + "-" + strings.ToUpper(hex.EncodeToString(sum[:])[:6])
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}
