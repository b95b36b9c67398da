package sqlxrepos

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/billing"
	"github.com/trezcool/karo/core/ledger"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/proof"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
	"github.com/trezcool/karo/core/user"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func cols(columns string) []string {
	return regexp.MustCompile(`\s*,\s*`).Split(regexp.MustCompile(`\s+`).ReplaceAllString(columns, " "), -1)
}

var now = time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

func studentRowValues(id int, balance, credit string) []driver.Value {
	return []driver.Value{id, 1, nil, "Amina Wanjiku", "ADM-001", "Grade 4", balance, credit, true, now, now}
}

func TestStudentRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("GetStudentForUpdate locks the row", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewStudentRepository(db)

		mock.ExpectQuery(`SELECT (.+) FROM students WHERE school_id = \$1 AND id = \$2 FOR UPDATE`).
			WithArgs(1, 7).
			WillReturnRows(sqlmock.NewRows(cols(studentColumns)).AddRow(studentRowValues(7, "1500.00", "0")...))

		s, err := repo.GetStudentForUpdate(ctx, 1, 7)
		require.NoError(t, err)
		assert.Equal(t, 7, s.ID)
		assert.Nil(t, s.GuardianID)
		assert.True(t, s.Balance.Equal(decimal.NewFromInt(1500)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("GetStudent maps no rows to ErrNotFound", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewStudentRepository(db)

		mock.ExpectQuery(`SELECT (.+) FROM students`).WithArgs(1, 99).WillReturnError(sql.ErrNoRows)

		_, err := repo.GetStudent(ctx, 1, 99)
		assert.Equal(t, student.ErrNotFound, err)
		assert.True(t, core.IsNotFound(err))
	})

	t.Run("CreateStudent maps unique violation", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewStudentRepository(db)

		mock.ExpectQuery(`INSERT INTO students`).WillReturnError(&pq.Error{Code: uniqueViolation})

		_, err := repo.CreateStudent(ctx, student.Student{SchoolID: 1, Name: "Amina", AdmissionNo: "ADM-001"})
		assert.Equal(t, student.ErrAdmissionNoExists, err)
	})

	t.Run("QueryStudents builds the filter", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewStudentRepository(db)
		hasBalance := true

		mock.ExpectQuery(regexp.QuoteMeta(
			`WHERE school_id = $1 AND (name ILIKE $2 OR admission_no ILIKE $2) AND (balance > 0) = $3 ORDER BY balance DESC, id`)).
			WithArgs(1, "%ami%", true).
			WillReturnRows(sqlmock.NewRows(cols(studentColumns)).
				AddRow(studentRowValues(7, "1500.00", "0")...).
				AddRow(studentRowValues(8, "200.00", "0")...))

		students, err := repo.QueryStudents(ctx,
			&student.QueryFilter{SchoolID: 1, Search: "ami", HasBalance: &hasBalance},
			[]core.DBOrdering{{Field: "balance"}, {Field: "drop table"}})
		require.NoError(t, err)
		assert.Len(t, students, 2)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPaymentRepository_CreatePayment(t *testing.T) {
	ctx := context.Background()
	p := payment.Payment{
		SchoolID:  1,
		StudentID: 7,
		Amount:    decimal.NewFromInt(500),
		Method:    payment.MethodMpesa,
		Reference: "QAB12CD34",
		Year:      2024,
		Term:      1,
		PaidAt:    now,
		CreatedAt: now,
	}

	t.Run("inserted", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewPaymentRepository(db)

		mock.ExpectQuery(`INSERT INTO payments (.+) ON CONFLICT \(school_id, method, reference\) WHERE reference <> '' DO NOTHING`).
			WillReturnRows(sqlmock.NewRows(cols(paymentColumns)).
				AddRow(11, 1, 7, "500", payment.MethodMpesa, "QAB12CD34", 2024, 1, now, "", now))

		saved, err := repo.CreatePayment(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, 11, saved.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate reference", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewPaymentRepository(db)

		mock.ExpectQuery(`INSERT INTO payments`).WillReturnRows(sqlmock.NewRows(cols(paymentColumns)))

		_, err := repo.CreatePayment(ctx, p)
		assert.Equal(t, payment.ErrDuplicateReference, err)
	})
}

func TestPaymentRepository_CreateMpesaPayment(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPaymentRepository(db)
	studentID, resultCode := 7, 0
	mp := payment.MpesaPayment{
		SchoolID:          1,
		StudentID:         &studentID,
		CheckoutRequestID: "ws_CO_X",
		Phone:             "254712345678",
		Amount:            decimal.NewFromInt(500),
		Status:            payment.StatusSuccess,
		ResultCode:        &resultCode,
		ResultDesc:        "The service request is processed successfully.",
		Receipt:           "QRC123X",
		TransactionDate:   "20240201080000",
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	// a callback for an unknown checkout keeps the receipt
	mock.ExpectQuery(`INSERT INTO mpesa_payments (.+) result_code, result_desc, receipt, transaction_date, payment_id`).
		WithArgs(1, 7, "ws_CO_X", "", "254712345678", decimal.NewFromInt(500), "", payment.StatusSuccess,
			0, "The service request is processed successfully.", "QRC123X", "20240201080000", nil, now, now).
		WillReturnRows(sqlmock.NewRows(cols(mpesaColumns)).
			AddRow(4, 1, 7, "ws_CO_X", "", "254712345678", "500", "", payment.StatusSuccess,
				0, "The service request is processed successfully.", "QRC123X", "20240201080000", nil, now, now))

	saved, err := repo.CreateMpesaPayment(context.Background(), mp)
	require.NoError(t, err)
	assert.Equal(t, 4, saved.ID)
	assert.Equal(t, "QRC123X", saved.Receipt)
	assert.Equal(t, "20240201080000", saved.TransactionDate)
	require.NotNil(t, saved.ResultCode)
	assert.Equal(t, 0, *saved.ResultCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProofRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("update records the review", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewProofRepository(db)
		paymentID := 12
		reviewedAt := now.Add(time.Hour)

		mock.ExpectQuery(`UPDATE payment_proofs SET (.+) WHERE school_id = \$7 AND id = \$8`).
			WithArgs(proof.StatusVerified, "", paymentID, "bursar", reviewedAt, reviewedAt, 1, 5).
			WillReturnRows(sqlmock.NewRows(cols(proofColumns)).
				AddRow(5, 1, 7, 3, "Grace Wanjiku", "grace@example.com", "0712345678", "Fees KES 4,500",
					"proofs/1/20240201080000_ab12cd34.jpg", "slip.jpg", "image/jpeg", 2048, "4500.00", "", "", proof.StatusVerified, "",
					paymentID, "bursar", reviewedAt, now, reviewedAt))

		saved, err := repo.UpdateProof(ctx, proof.Proof{
			ID:         5,
			SchoolID:   1,
			Status:     proof.StatusVerified,
			PaymentID:  &paymentID,
			ReviewedBy: "bursar",
			ReviewedAt: &reviewedAt,
			UpdatedAt:  reviewedAt,
		})
		require.NoError(t, err)
		assert.Equal(t, proof.StatusVerified, saved.Status)
		require.NotNil(t, saved.PaymentID)
		assert.Equal(t, 12, *saved.PaymentID)
		require.True(t, saved.AmountHint.Valid)
		assert.True(t, decimal.NewFromInt(4500).Equal(saved.AmountHint.Decimal))
		require.NotNil(t, saved.ReviewedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown proof", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewProofRepository(db)

		mock.ExpectQuery(`SELECT (.+) FROM payment_proofs WHERE school_id = \$1 AND id = \$2`).
			WithArgs(2, 5).WillReturnError(sql.ErrNoRows)

		_, err := repo.GetProof(ctx, 2, 5)
		assert.Equal(t, proof.ErrNotFound, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerRepository_CreateCreditOperation(t *testing.T) {
	db, mock := newMock(t)
	repo := NewLedgerRepository(db)

	mock.ExpectQuery(`INSERT INTO credit_operations (.+) ON CONFLICT DO NOTHING`).
		WillReturnRows(sqlmock.NewRows(cols(operationColumns)))

	_, err := repo.CreateCreditOperation(context.Background(), ledger.CreditOperation{
		SchoolID:  1,
		StudentID: 7,
		OpType:    ledger.OpAutoApply,
		Amount:    decimal.NewFromInt(300),
		Year:      2024,
		Term:      2,
	})
	assert.Equal(t, ledger.ErrOperationExists, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchoolRepository_CreateProActivation(t *testing.T) {
	ctx := context.Background()
	pa := school.ProActivation{SchoolID: 1, MpesaRef: "QXY99", Amount: decimal.NewFromInt(2500), LicenseKey: "KARO-1", ActivatedAt: now}
	columns := []string{"id", "school_id", "mpesa_ref", "amount", "license_key", "activated_at"}

	t.Run("first time", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewSchoolRepository(db)

		mock.ExpectQuery(`INSERT INTO pro_activations`).
			WillReturnRows(sqlmock.NewRows(columns).AddRow(3, 1, "QXY99", "2500", "KARO-1", now))

		saved, created, err := repo.CreateProActivation(ctx, pa)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, 3, saved.ID)
	})

	t.Run("replayed callback", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewSchoolRepository(db)

		mock.ExpectQuery(`INSERT INTO pro_activations`).WillReturnRows(sqlmock.NewRows(columns))
		mock.ExpectQuery(`SELECT (.+) FROM pro_activations WHERE mpesa_ref = \$1`).
			WithArgs("QXY99").
			WillReturnRows(sqlmock.NewRows(columns).AddRow(3, 1, "QXY99", "2500", "KARO-1", now))

		saved, created, err := repo.CreateProActivation(ctx, pa)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 3, saved.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBillingRepository_DeleteDiscount(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBillingRepository(db)

	mock.ExpectExec(`DELETE FROM discounts WHERE school_id = \$1 AND id = \$2`).
		WithArgs(1, 5).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.DeleteDiscount(context.Background(), 1, 5)
	assert.Equal(t, billing.ErrDiscountNotFound, err)
}

func TestUserRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("GetUser with invalid uuid", func(t *testing.T) {
		db, _ := newMock(t)
		repo := NewUserRepository(db)

		_, err := repo.GetUser(ctx, user.GetFilter{ID: "not-a-uuid"})
		assert.Equal(t, user.ErrNotFound, err)
	})

	t.Run("CreateUser maps email conflict", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewUserRepository(db)

		mock.ExpectQuery(`INSERT INTO users`).
			WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "users_email_key"})

		_, err := repo.CreateUser(ctx, user.User{Username: "bursar", Email: "bursar@school.ke"})
		assert.Equal(t, user.ErrEmailExists, err)
	})

	t.Run("CheckUsernameUniqueness", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewUserRepository(db)

		mock.ExpectQuery(`SELECT username, email FROM users`).
			WillReturnRows(sqlmock.NewRows([]string{"username", "email"}).AddRow("bursar", "other@school.ke"))

		err := repo.CheckUsernameUniqueness(ctx, "bursar", "bursar@school.ke", nil)
		assert.Equal(t, user.ErrUsernameExists, err)
	})
}
