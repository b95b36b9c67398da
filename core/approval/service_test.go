package approval_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/karo/core/approval"
	"github.com/trezcool/karo/core/billing"
	"github.com/trezcool/karo/core/ledger"
	"github.com/trezcool/karo/internal/testutil"
)

func submit(t *testing.T, env *testutil.Env, nr approval.NewRequest) (approval.Request, string) {
	t.Helper()
	nr.RequestorName = "Jane Bursar"
	nr.RequestorEmail = "bursar@karo-academy.ac.ke"
	require.NoError(t, nr.Validate(env.Validate))

	r, err := env.ApprovalSvc.Submit(context.Background(), nr)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusOTPPending, r.Status)

	data := testutil.LastEmailData(t, "approval_otp")
	assert.Equal(t, r.ID, data["ID"])
	code, _ := data["Code"].(string)
	require.Len(t, code, 6)
	return r, code
}

func TestWriteOff(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	s := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 5000, 0)

	r, code := submit(t, env, approval.NewRequest{
		SchoolID:  sch.ID,
		Type:      approval.TypeWriteOff,
		StudentID: s.ID,
		Amount:    decimal.NewFromInt(2000),
		Reason:    "Hardship",
	})

	// no decision before the requestor proves their email
	_, err := env.ApprovalSvc.Decide(ctx, sch.ID, r.ID, approval.Decision{Action: approval.ActionApprove}, "principal")
	assert.True(t, testutil.IsValidationError(err), "err = %v", err)

	r, err = env.ApprovalSvc.VerifyOTP(ctx, sch.ID, r.ID, code)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, r.Status)

	r, err = env.ApprovalSvc.Decide(ctx, sch.ID, r.ID, approval.Decision{Action: approval.ActionApprove, Note: "ok"}, "principal")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, r.Status)
	assert.Equal(t, "principal", r.DecidedBy)
	assert.Len(t, r.VerificationCode, 16)

	s = testutil.GetStudent(t, env.StudentRepo, sch.ID, s.ID)
	assert.True(t, testutil.Dec("3000").Equal(s.Balance), "balance = %s", s.Balance)

	ops, err := env.LedgerSvc.Operations(ctx, ledger.OperationFilter{SchoolID: sch.ID, OpType: ledger.OpWriteOff})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "WO-"+strconv.Itoa(r.ID), ops[0].Reference)

	data := testutil.LastEmailData(t, "approval_decision")
	assert.Equal(t, approval.StatusApproved, data["Status"])
	assert.Equal(t, r.VerificationCode, data["VerificationCode"])

	// decided requests stay decided
	_, err = env.ApprovalSvc.Decide(ctx, sch.ID, r.ID, approval.Decision{Action: approval.ActionReject}, "owner")
	assert.True(t, testutil.IsValidationError(err), "err = %v", err)
}

func TestWriteOff_SettlesInvoice(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	s := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 0, 0)
	_, err := env.BillingSvc.CreateComponent(ctx, billing.NewFeeComponent{
		SchoolID: sch.ID, Name: "Tuition", Code: "TUI", DefaultAmount: decimal.NewFromInt(4000),
	})
	require.NoError(t, err)
	_, err = env.BillingSvc.GenerateInvoices(ctx, sch.ID, billing.GenerateInvoices{Year: 2026, Term: 1}, "bursar")
	require.NoError(t, err)

	invoiceStatus := func() string {
		invoices, err := env.BillingSvc.QueryInvoices(ctx, billing.InvoiceFilter{SchoolID: sch.ID, StudentID: s.ID})
		require.NoError(t, err)
		require.Len(t, invoices, 1)
		return invoices[0].Status
	}
	approve := func(amount int64) {
		r, code := submit(t, env, approval.NewRequest{
			SchoolID: sch.ID, Type: approval.TypeWriteOff, StudentID: s.ID, Amount: decimal.NewFromInt(amount), Reason: "Hardship",
		})
		_, err := env.ApprovalSvc.VerifyOTP(ctx, sch.ID, r.ID, code)
		require.NoError(t, err)
		_, err = env.ApprovalSvc.Decide(ctx, sch.ID, r.ID, approval.Decision{Action: approval.ActionApprove}, "principal")
		require.NoError(t, err)
	}

	approve(1500)
	assert.Equal(t, billing.StatusDraft, invoiceStatus())

	// writing off the rest leaves nothing owed
	approve(2500)
	assert.True(t, testutil.GetStudent(t, env.StudentRepo, sch.ID, s.ID).Balance.IsZero())
	assert.Equal(t, billing.StatusPaid, invoiceStatus())
}

func TestWriteOff_ExceedsBalance(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	s := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 500, 0)

	r, code := submit(t, env, approval.NewRequest{
		SchoolID: sch.ID, Type: approval.TypeWriteOff, StudentID: s.ID, Amount: decimal.NewFromInt(800),
	})
	_, err := env.ApprovalSvc.VerifyOTP(ctx, sch.ID, r.ID, code)
	require.NoError(t, err)

	_, err = env.ApprovalSvc.Decide(ctx, sch.ID, r.ID, approval.Decision{Action: approval.ActionApprove}, "principal")
	assert.True(t, testutil.IsValidationError(err), "err = %v", err)

	r, err = env.ApprovalSvc.Get(ctx, sch.ID, r.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, r.Status)
	s = testutil.GetStudent(t, env.StudentRepo, sch.ID, s.ID)
	assert.True(t, testutil.Dec("500").Equal(s.Balance))
}

func TestDiscountAndTransfer(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	src := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 0, 1000)
	dst := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Baraka Otieno", "ADM002", "Grade 2", 400, 0)

	approve := func(r approval.Request, code string) approval.Request {
		_, err := env.ApprovalSvc.VerifyOTP(ctx, sch.ID, r.ID, code)
		require.NoError(t, err)
		r, err = env.ApprovalSvc.Decide(ctx, sch.ID, r.ID, approval.Decision{Action: approval.ActionApprove}, "owner")
		require.NoError(t, err)
		return r
	}

	t.Run("discount", func(t *testing.T) {
		r, code := submit(t, env, approval.NewRequest{
			SchoolID: sch.ID, Type: approval.TypeDiscount, StudentID: dst.ID,
			Amount: decimal.NewFromInt(15), Year: 2026, Term: 2, DiscountKind: billing.DiscountPercent,
		})
		approve(r, code)

		discounts, err := env.BillingSvc.QueryDiscounts(ctx, sch.ID, 2026, 2)
		require.NoError(t, err)
		require.Len(t, discounts, 1)
		assert.Equal(t, dst.ID, discounts[0].StudentID)
		assert.True(t, testutil.Dec("15").Equal(discounts[0].Value))
	})

	t.Run("credit transfer", func(t *testing.T) {
		r, code := submit(t, env, approval.NewRequest{
			SchoolID: sch.ID, Type: approval.TypeCreditTransfer, StudentID: src.ID, TargetStudentID: dst.ID,
			Amount: decimal.NewFromInt(600),
		})
		approve(r, code)

		src := testutil.GetStudent(t, env.StudentRepo, sch.ID, src.ID)
		dst := testutil.GetStudent(t, env.StudentRepo, sch.ID, dst.ID)
		assert.True(t, testutil.Dec("400").Equal(src.Credit), "source credit = %s", src.Credit)
		assert.True(t, dst.Balance.IsZero(), "recipient balance = %s", dst.Balance)
		assert.True(t, testutil.Dec("200").Equal(dst.Credit), "recipient credit = %s", dst.Credit)
	})
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	s := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 5000, 0)

	r, code := submit(t, env, approval.NewRequest{
		SchoolID: sch.ID, Type: approval.TypeWriteOff, StudentID: s.ID, Amount: decimal.NewFromInt(1000),
	})
	_, err := env.ApprovalSvc.VerifyOTP(ctx, sch.ID, r.ID, code)
	require.NoError(t, err)

	r, err = env.ApprovalSvc.Decide(ctx, sch.ID, r.ID, approval.Decision{Action: approval.ActionReject, Note: "no"}, "owner")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusRejected, r.Status)
	assert.Empty(t, r.VerificationCode)

	s = testutil.GetStudent(t, env.StudentRepo, sch.ID, s.ID)
	assert.True(t, testutil.Dec("5000").Equal(s.Balance))
}

func TestVerifyOTP(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	s := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 5000, 0)
	nr := approval.NewRequest{SchoolID: sch.ID, Type: approval.TypeWriteOff, StudentID: s.ID, Amount: decimal.NewFromInt(100)}

	t.Run("too many attempts", func(t *testing.T) {
		r, code := submit(t, env, nr)
		wrong := "000000"
		if code == wrong {
			wrong = "111111"
		}
		for i := 0; i < 5; i++ {
			_, err := env.ApprovalSvc.VerifyOTP(ctx, sch.ID, r.ID, wrong)
			assert.True(t, testutil.IsValidationError(err), "attempt %d: err = %v", i+1, err)
		}
		r, err := env.ApprovalSvc.Get(ctx, sch.ID, r.ID)
		require.NoError(t, err)
		assert.Equal(t, approval.StatusRejected, r.Status)
		assert.Equal(t, 5, r.OTPAttempts)

		// even the right code is too late now
		_, err = env.ApprovalSvc.VerifyOTP(ctx, sch.ID, r.ID, code)
		assert.True(t, testutil.IsValidationError(err), "err = %v", err)
	})

	t.Run("expired", func(t *testing.T) {
		r, code := submit(t, env, nr)
		approval.NowFunc = func() time.Time { return time.Now().Add(11 * time.Minute) }
		defer func() { approval.NowFunc = time.Now }()

		_, err := env.ApprovalSvc.VerifyOTP(ctx, sch.ID, r.ID, code)
		assert.True(t, testutil.IsValidationError(err), "err = %v", err)

		n, err := env.ApprovalSvc.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = env.ApprovalSvc.Get(ctx, sch.ID, r.ID)
		assert.Equal(t, approval.ErrNotFound, err)
	})

	t.Run("student of another school", func(t *testing.T) {
		other, _ := env.CreateSchool(t, "Other School", "other-school", "pwd")
		bad := nr
		bad.SchoolID = other.ID
		_, err := env.ApprovalSvc.Submit(ctx, bad)
		assert.True(t, testutil.IsValidationError(err), "err = %v", err)
	})
}

func TestNewRequest_Validate(t *testing.T) {
	env := testutil.NewEnv(t)
	base := approval.NewRequest{
		RequestorName: "Jane", RequestorEmail: "jane@example.com", StudentID: 1, Amount: decimal.NewFromInt(10),
	}
	tests := []struct {
		name    string
		mod     func(nr *approval.NewRequest)
		wantErr bool
	}{
		{name: "write-off", mod: func(nr *approval.NewRequest) { nr.Type = approval.TypeWriteOff }},
		{name: "unknown type", mod: func(nr *approval.NewRequest) { nr.Type = "gift" }, wantErr: true},
		{name: "transfer without target", mod: func(nr *approval.NewRequest) { nr.Type = approval.TypeCreditTransfer }, wantErr: true},
		{name: "transfer", mod: func(nr *approval.NewRequest) {
			nr.Type = approval.TypeCreditTransfer
			nr.TargetStudentID = 2
		}},
		{name: "discount without period", mod: func(nr *approval.NewRequest) {
			nr.Type = approval.TypeDiscount
			nr.DiscountKind = billing.DiscountAmount
		}, wantErr: true},
		{name: "discount", mod: func(nr *approval.NewRequest) {
			nr.Type = approval.TypeDiscount
			nr.DiscountKind = billing.DiscountAmount
			nr.Year, nr.Term = 2026, 1
		}},
		{name: "bad email", mod: func(nr *approval.NewRequest) {
			nr.Type = approval.TypeWriteOff
			nr.RequestorEmail = "jane"
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nr := base
			tt.mod(&nr)
			err := nr.Validate(env.Validate)
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}
