package payment_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/ledger"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/internal/testutil"
	emailsvc "github.com/trezcool/karo/services/email"
)

func TestRecord(t *testing.T) {
	tests := []struct {
		name                       string
		balance, credit, amount    int64
		wantApplied, wantToCredit  string
		wantBalance, wantCredit    string
		wantEntry, wantOverpayment bool
	}{
		{name: "partial", balance: 1000, amount: 400,
			wantApplied: "400", wantToCredit: "0", wantBalance: "600", wantCredit: "0", wantEntry: true},
		{name: "exact", balance: 1000, amount: 1000,
			wantApplied: "1000", wantToCredit: "0", wantBalance: "0", wantCredit: "0", wantEntry: true},
		{name: "overpayment", balance: 1000, credit: 50, amount: 1500,
			wantApplied: "1000", wantToCredit: "500", wantBalance: "0", wantCredit: "550", wantEntry: true, wantOverpayment: true},
		{name: "nothing owed", amount: 300,
			wantApplied: "0", wantToCredit: "300", wantBalance: "0", wantCredit: "300", wantOverpayment: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := testutil.NewEnv(t)
			sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
			s := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", tt.balance, tt.credit)

			res, err := env.PaymentSvc.Record(ctx, payment.NewPayment{
				SchoolID:   sch.ID,
				StudentID:  s.ID,
				Amount:     decimal.NewFromInt(tt.amount),
				Method:     payment.MethodCash,
				RecordedBy: "bursar",
			})
			require.NoError(t, err)

			assert.True(t, testutil.Dec(tt.wantApplied).Equal(res.AppliedToBalance), "applied = %s", res.AppliedToBalance)
			assert.True(t, testutil.Dec(tt.wantToCredit).Equal(res.AddedToCredit), "to credit = %s", res.AddedToCredit)

			s = testutil.GetStudent(t, env.StudentRepo, sch.ID, s.ID)
			assert.True(t, testutil.Dec(tt.wantBalance).Equal(s.Balance), "balance = %s", s.Balance)
			assert.True(t, testutil.Dec(tt.wantCredit).Equal(s.Credit), "credit = %s", s.Credit)
			assert.NotZero(t, res.Payment.Year)
			assert.NotZero(t, res.Payment.Term)

			entries, err := env.LedgerRepo.QueryEntries(ctx, sch.ID, s.ID)
			require.NoError(t, err)
			if tt.wantEntry {
				require.Len(t, entries, 1)
				assert.Equal(t, ledger.Credit, entries[0].Type)
				assert.Equal(t, ledger.LinkPayment, entries[0].LinkType)
				assert.Equal(t, res.Payment.ID, entries[0].LinkID)
			} else {
				assert.Empty(t, entries)
			}

			ops, err := env.LedgerSvc.Operations(ctx, ledger.OperationFilter{SchoolID: sch.ID, StudentID: s.ID, OpType: ledger.OpOverpayment})
			require.NoError(t, err)
			if tt.wantOverpayment {
				require.Len(t, ops, 1)
				assert.True(t, res.AddedToCredit.Equal(ops[0].Amount))
			} else {
				assert.Empty(t, ops)
			}
		})
	}
}

func TestRecord_Invalid(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	s := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 1000, 0)

	np := payment.NewPayment{
		SchoolID:  sch.ID,
		StudentID: s.ID,
		Amount:    decimal.NewFromInt(200),
		Method:    payment.MethodBank,
		Reference: "BNK-778",
	}
	_, err := env.PaymentSvc.Record(ctx, np)
	require.NoError(t, err)

	t.Run("duplicate reference", func(t *testing.T) {
		_, err := env.PaymentSvc.Record(ctx, np)
		assert.True(t, testutil.IsValidationError(err), "err = %v", err)
		s := testutil.GetStudent(t, env.StudentRepo, sch.ID, s.ID)
		assert.True(t, testutil.Dec("800").Equal(s.Balance))
	})

	t.Run("unknown student", func(t *testing.T) {
		bad := np
		bad.StudentID = 999999
		bad.Reference = ""
		_, err := env.PaymentSvc.Record(ctx, bad)
		assert.True(t, testutil.IsValidationError(err), "err = %v", err)
	})

	t.Run("non positive amount", func(t *testing.T) {
		bad := np
		bad.Reference = ""
		bad.Amount = decimal.Zero
		_, err := env.PaymentSvc.Record(ctx, bad)
		assert.True(t, testutil.IsValidationError(err), "err = %v", err)
	})

	t.Run("other school", func(t *testing.T) {
		other, _ := env.CreateSchool(t, "Other School", "other-school", "pwd")
		bad := np
		bad.SchoolID = other.ID
		bad.Reference = ""
		_, err := env.PaymentSvc.Record(ctx, bad)
		assert.True(t, testutil.IsValidationError(err), "err = %v", err)
	})
}

func TestMpesaCheckoutAndCallback(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	s := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 1000, 0)

	mp, err := env.PaymentSvc.MpesaCheckout(ctx, sch.ID, payment.MpesaCheckout{
		StudentID: s.ID,
		Phone:     "0712345678",
		Amount:    decimal.NewFromInt(700),
	})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, mp.Status)
	require.Len(t, env.Mpesa.Requests, 1)
	assert.Equal(t, "254712345678", env.Mpesa.Requests[0].Phone)
	assert.Equal(t, "ADM001", env.Mpesa.Requests[0].AccountRef)
	assert.Equal(t, env.Conf.Mpesa.TransactionDesc, env.Mpesa.Requests[0].Description)

	cb := payment.STKCallback{
		MerchantRequestID: mp.MerchantRequestID,
		CheckoutRequestID: mp.CheckoutRequestID,
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
		Receipt:           "QKX7ABC123",
		Amount:            decimal.NewFromInt(700),
		Phone:             "254712345678",
	}
	got, err := env.PaymentSvc.HandleMpesaCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, got.Status)
	require.NotNil(t, got.PaymentID)

	s = testutil.GetStudent(t, env.StudentRepo, sch.ID, s.ID)
	assert.True(t, testutil.Dec("300").Equal(s.Balance), "balance = %s", s.Balance)

	// Daraja retries callbacks: the replay must not pay twice
	got, err = env.PaymentSvc.HandleMpesaCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, got.Status)

	payments, err := env.PaymentSvc.Query(ctx, payment.QueryFilter{SchoolID: sch.ID, StudentID: s.ID})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, payment.MethodMpesa, payments[0].Method)
	assert.Equal(t, "QKX7ABC123", payments[0].Reference)

	s = testutil.GetStudent(t, env.StudentRepo, sch.ID, s.ID)
	assert.True(t, testutil.Dec("300").Equal(s.Balance), "balance = %s", s.Balance)
}

func TestHandleMpesaCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("failed", func(t *testing.T) {
		env := testutil.NewEnv(t)
		sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
		s := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 1000, 0)
		mp, err := env.PaymentSvc.MpesaCheckout(ctx, sch.ID, payment.MpesaCheckout{StudentID: s.ID, Phone: "0712345678", Amount: decimal.NewFromInt(500)})
		require.NoError(t, err)

		got, err := env.PaymentSvc.HandleMpesaCallback(ctx, payment.STKCallback{
			CheckoutRequestID: mp.CheckoutRequestID,
			ResultCode:        1032,
			ResultDesc:        "Request cancelled by user",
		})
		require.NoError(t, err)
		assert.Equal(t, payment.StatusFailed, got.Status)
		assert.Nil(t, got.PaymentID)
		require.NotNil(t, got.ResultCode)
		assert.Equal(t, 1032, *got.ResultCode)

		s = testutil.GetStudent(t, env.StudentRepo, sch.ID, s.ID)
		assert.True(t, testutil.Dec("1000").Equal(s.Balance))
	})

	t.Run("unknown checkout", func(t *testing.T) {
		env := testutil.NewEnv(t)
		got, err := env.PaymentSvc.HandleMpesaCallback(ctx, payment.STKCallback{
			CheckoutRequestID: "ws_CO_UNKNOWN",
			Receipt:           "QKX7ZZZ999",
			Amount:            decimal.NewFromInt(100),
		})
		require.NoError(t, err)
		assert.Zero(t, got.SchoolID)
		assert.Equal(t, payment.StatusSuccess, got.Status)
		assert.Nil(t, got.PaymentID)
	})

	t.Run("pro plan", func(t *testing.T) {
		env := testutil.NewEnv(t)
		sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
		mp, err := env.PaymentSvc.ProCheckout(ctx, sch.ID, payment.ProCheckout{Phone: "+254712345678"})
		require.NoError(t, err)
		require.Len(t, env.Mpesa.Requests, 1)
		assert.Equal(t, payment.ProAccountRef, env.Mpesa.Requests[0].AccountRef)
		assert.True(t, decimal.NewFromInt(1500).Equal(env.Mpesa.Requests[0].Amount))

		cb := payment.STKCallback{CheckoutRequestID: mp.CheckoutRequestID, Receipt: "QKXPRO0001", Amount: decimal.NewFromInt(1500)}
		_, err = env.PaymentSvc.HandleMpesaCallback(ctx, cb)
		require.NoError(t, err)
		_, err = env.PaymentSvc.HandleMpesaCallback(ctx, cb)
		require.NoError(t, err)

		sch, err = env.SchoolSvc.Get(ctx, sch.ID)
		require.NoError(t, err)
		assert.Equal(t, school.PlanPro, sch.Plan)
		assert.True(t, sch.IsPro())
	})
}

func TestMpesaCheckout_NoGateway(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := payment.NewService(payment.Deps{
		Repo:        env.PaymentRepo,
		StudentRepo: env.StudentRepo,
		SchoolSvc:   env.SchoolSvc,
		Conf:        env.Conf,
	})
	_, err := svc.ProCheckout(context.Background(), 1, payment.ProCheckout{Phone: "0712345678"})
	assert.Equal(t, payment.ErrGatewayUnavailable, err)
	_, err = svc.ParseMpesaCallback([]byte(`{}`))
	assert.Equal(t, payment.ErrGatewayUnavailable, err)
}

func TestPayPal(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	s := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 1000, 0)
	no := payment.NewPayPalOrder{StudentID: s.ID, Amount: decimal.NewFromInt(1000)}

	_, err := env.PaymentSvc.CreatePayPalOrder(ctx, sch.ID, no)
	assert.True(t, testutil.IsValidationError(err), "disabled: err = %v", err)

	_, err = env.SchoolSvc.UpdateSettings(ctx, sch.ID, school.Settings{school.SettingPayPalEnabled: "true"})
	require.NoError(t, err)

	o, err := env.PaymentSvc.CreatePayPalOrder(ctx, sch.ID, no)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCreated, o.Status)
	assert.Equal(t, "USD", o.Currency)
	assert.True(t, testutil.Dec("7.7").Equal(o.ConvertedAmount), "converted = %s", o.ConvertedAmount)
	assert.NotEmpty(t, o.ApproveURL)

	o, err = env.PaymentSvc.CapturePayPalOrder(ctx, sch.ID, o.OrderID, "guardian:1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, o.Status)
	require.NotNil(t, o.PaymentID)

	// a second capture is a no-op
	_, err = env.PaymentSvc.CapturePayPalOrder(ctx, sch.ID, o.OrderID, "guardian:1")
	require.NoError(t, err)
	assert.Len(t, env.PayPal.Captured, 1)

	payments, err := env.PaymentSvc.Query(ctx, payment.QueryFilter{SchoolID: sch.ID, Method: payment.MethodPayPal})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, decimal.NewFromInt(1000).Equal(payments[0].Amount))

	s = testutil.GetStudent(t, env.StudentRepo, sch.ID, s.ID)
	assert.True(t, s.Balance.IsZero(), "balance = %s", s.Balance)

	t.Run("capture not completed", func(t *testing.T) {
		env.PayPal.Status = "PENDING"
		o, err := env.PaymentSvc.CreatePayPalOrder(ctx, sch.ID, no)
		require.NoError(t, err)
		_, err = env.PaymentSvc.CapturePayPalOrder(ctx, sch.ID, o.OrderID, "guardian:1")
		assert.True(t, testutil.IsValidationError(err), "err = %v", err)

		o, err = env.PaymentSvc.GetPayPalOrder(ctx, sch.ID, o.OrderID)
		require.NoError(t, err)
		assert.Equal(t, payment.StatusFailed, o.Status)
	})
}

func TestEmailReceipt(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	g := testutil.CreateGuardian(t, env.StudentRepo, sch.ID, "Wanjiku Kamau", "wanjiku@example.com", "0711000111")
	withEmail := testutil.CreateStudent(t, env.StudentRepo, sch.ID, g.ID, "Amani Kamau", "ADM001", "Grade 4", 1000, 0)
	orphan := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Baraka Ouma", "ADM002", "Grade 4", 1000, 0)

	pay := func(studentID int) int {
		res, err := env.PaymentSvc.Record(ctx, payment.NewPayment{
			SchoolID: sch.ID, StudentID: studentID, Amount: decimal.NewFromInt(250), Method: payment.MethodCash,
		})
		require.NoError(t, err)
		return res.Payment.ID
	}

	_, err := env.PaymentSvc.EmailReceipt(ctx, sch.ID, pay(orphan.ID))
	assert.True(t, testutil.IsValidationError(err), "err = %v", err)

	emailsvc.ResetSentMessages()
	masked, err := env.PaymentSvc.EmailReceipt(ctx, sch.ID, pay(withEmail.ID))
	require.NoError(t, err)
	assert.Equal(t, core.MaskEmail(g.Email), masked)

	msgs := emailsvc.LastSentMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, g.Email, msgs[0].To[0].Address)
	assert.Equal(t, "payment_receipt", msgs[0].TemplateName)
	require.Len(t, msgs[0].Attachments, 1)
	assert.Equal(t, "application/pdf", msgs[0].Attachments[0].ContentType)

	pdf, err := env.PaymentSvc.ReceiptPDF(ctx, sch.ID, pay(withEmail.ID))
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(pdf[:4]))
}

func TestNormalizeMSISDN(t *testing.T) {
	tests := []struct {
		phone, want string
	}{
		{"0712345678", "254712345678"},
		{"+254712345678", "254712345678"},
		{"254 712 345 678", "254712345678"},
		{"712345678", "254712345678"},
		{"0110123456", "254110123456"},
	}
	for _, tt := range tests {
		t.Run(tt.phone, func(t *testing.T) {
			assert.Equal(t, tt.want, payment.NormalizeMSISDN(tt.phone))
		})
	}
}
