package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/karo/core/ledger"
	"github.com/trezcool/karo/internal/testutil"
)

func TestStatement(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	other, _ := env.CreateSchool(t, "Bidii School", "bidii", "pwd")
	s := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 0, 0)

	start := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	entries := []ledger.Entry{
		// inserted out of order; the statement is oldest first
		{Type: ledger.Credit, Amount: testutil.Dec("2000"), Description: "Cash", CreatedAt: start.Add(48 * time.Hour)},
		{Type: ledger.Debit, Amount: testutil.Dec("12000"), Description: "Term 1 invoice", LinkType: ledger.LinkInvoice, CreatedAt: start},
		{Type: ledger.Credit, Amount: testutil.Dec("5000"), Description: "M-Pesa", LinkType: ledger.LinkPayment, CreatedAt: start.Add(24 * time.Hour)},
	}
	for _, e := range entries {
		e.SchoolID, e.StudentID = sch.ID, s.ID
		_, err := env.LedgerRepo.CreateEntry(ctx, e)
		require.NoError(t, err)
	}

	st, err := env.LedgerSvc.Statement(ctx, sch.ID, s.ID)
	require.NoError(t, err)
	require.Len(t, st.Lines, 3)

	wantBalances := []string{"12000", "7000", "5000"}
	for i, line := range st.Lines {
		assert.True(t, testutil.Dec(wantBalances[i]).Equal(line.Balance), "line %d balance = %s", i, line.Balance)
	}
	assert.Equal(t, "Term 1 invoice", st.Lines[0].Description)
	assert.True(t, testutil.Dec("12000").Equal(st.TotalDebits))
	assert.True(t, testutil.Dec("7000").Equal(st.TotalCredits))
	assert.True(t, testutil.Dec("5000").Equal(st.Balance))

	// other tenants see nothing
	st, err = env.LedgerSvc.Statement(ctx, other.ID, s.ID)
	require.NoError(t, err)
	assert.Empty(t, st.Lines)
	assert.True(t, st.Balance.IsZero())
}

func TestOperations(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	s := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 0, 0)

	start := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	for i, opType := range []string{ledger.OpOverpayment, ledger.OpApply, ledger.OpRefund} {
		_, err := env.LedgerRepo.CreateCreditOperation(ctx, ledger.CreditOperation{
			SchoolID: sch.ID, StudentID: s.ID, OpType: opType, Amount: testutil.Dec("100"),
			CreatedAt: start.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	tests := []struct {
		name    string
		filter  ledger.OperationFilter
		wantOps []string
	}{
		{name: "newest first", filter: ledger.OperationFilter{SchoolID: sch.ID},
			wantOps: []string{ledger.OpRefund, ledger.OpApply, ledger.OpOverpayment}},
		{name: "by type", filter: ledger.OperationFilter{SchoolID: sch.ID, OpType: ledger.OpApply},
			wantOps: []string{ledger.OpApply}},
		{name: "limit", filter: ledger.OperationFilter{SchoolID: sch.ID, Limit: 2},
			wantOps: []string{ledger.OpRefund, ledger.OpApply}},
		{name: "out of range limit falls back to the default", filter: ledger.OperationFilter{SchoolID: sch.ID, Limit: 10000},
			wantOps: []string{ledger.OpRefund, ledger.OpApply, ledger.OpOverpayment}},
		{name: "other student", filter: ledger.OperationFilter{SchoolID: sch.ID, StudentID: s.ID + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, err := env.LedgerSvc.Operations(ctx, tt.filter)
			require.NoError(t, err)
			got := make([]string, 0, len(ops))
			for _, op := range ops {
				got = append(got, op.OpType)
			}
			if tt.wantOps == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.wantOps, got)
		})
	}
}
