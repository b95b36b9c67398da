package proof_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/proof"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/student"
	"github.com/trezcool/karo/internal/testutil"
	emailsvc "github.com/trezcool/karo/services/email"
)

var pdfSlip = []byte("%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF\n")

func pngSlip(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		img.Set(x, 10, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	env           *testutil.Env
	sch           school.School
	grace, peter  student.Guardian
	amina, baraka student.Student
}

func setup(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Hillside Academy", "hillside", "pwd")
	f := &fixture{env: env, sch: sch}
	f.grace = testutil.CreateGuardian(t, env.StudentRepo, sch.ID, "Grace Wanjiku", "grace@example.com", "")
	f.peter = testutil.CreateGuardian(t, env.StudentRepo, sch.ID, "Peter Ouma", "peter@example.com", "")
	f.amina = testutil.CreateStudent(t, env.StudentRepo, sch.ID, f.grace.ID, "Amina Wanjiku", "ADM-001", "Grade 4", 3500, 0)
	f.baraka = testutil.CreateStudent(t, env.StudentRepo, sch.ID, f.peter.ID, "Baraka Ouma", "ADM-002", "Grade 2", 1000, 0)
	emailsvc.ResetSentMessages()
	return f
}

func (f *fixture) upload(t *testing.T, name string, data []byte, desc string) proof.Proof {
	t.Helper()
	p, err := f.env.ProofSvc.Upload(context.Background(), proof.NewProof{
		SchoolID:    f.sch.ID,
		StudentID:   f.amina.ID,
		GuardianID:  f.grace.ID,
		Description: desc,
		FileName:    name,
		Data:        data,
	})
	require.NoError(t, err)
	return p
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	t.Run("pdf is kept as is", func(t *testing.T) {
		p := f.upload(t, "equity_slip.pdf", pdfSlip, "Paid KES 1,500 on 12/10/2026")
		assert.Equal(t, proof.StatusPending, p.Status)
		assert.Equal(t, "application/pdf", p.ContentType)
		assert.Equal(t, len(pdfSlip), p.Size)
		assert.Equal(t, f.grace.Name, p.GuardianName)
		assert.Equal(t, f.grace.Email, p.GuardianEmail)
		assert.True(t, strings.HasSuffix(p.FileKey, ".pdf"), p.FileKey)
		require.True(t, p.AmountHint.Valid)
		assert.True(t, p.AmountHint.Decimal.Equal(testutil.Dec("1500")))
		assert.Equal(t, "12/10/2026", p.DateHint)
		assert.Equal(t, "Equity", p.BankHint)

		got, data, err := f.env.ProofSvc.File(ctx, f.sch.ID, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, pdfSlip, data)
	})

	t.Run("images are stored as jpeg", func(t *testing.T) {
		p := f.upload(t, "mpesa.png", pngSlip(t), "")
		assert.Equal(t, "image/jpeg", p.ContentType)
		assert.True(t, strings.HasSuffix(p.FileKey, ".jpg"), p.FileKey)
		assert.Equal(t, "M-Pesa", p.BankHint)
		assert.False(t, p.AmountHint.Valid)

		_, data, err := f.env.ProofSvc.File(ctx, f.sch.ID, p.ID)
		require.NoError(t, err)
		_, err = jpeg.Decode(bytes.NewReader(data))
		assert.NoError(t, err)
	})
}

func TestUpload_Invalid(t *testing.T) {
	f := setup(t)
	tests := []struct {
		name     string
		student  int
		guardian int
		fileName string
		data     []byte
		wantErr  error
	}{
		{"empty file", f.amina.ID, f.grace.ID, "slip.pdf", nil, proof.ErrEmptyFile},
		{"too large", f.amina.ID, f.grace.ID, "slip.pdf", append(append([]byte{}, pdfSlip...), make([]byte, 1<<20)...), proof.ErrFileTooLarge},
		{"unsupported extension", f.amina.ID, f.grace.ID, "slip.gif", pdfSlip, proof.ErrUnsupportedFile},
		{"content does not match extension", f.amina.ID, f.grace.ID, "slip.pdf", pngSlip(t), proof.ErrUnsupportedFile},
		{"student of another guardian", f.baraka.ID, f.grace.ID, "slip.pdf", pdfSlip, proof.ErrStudentNotFound},
		{"unknown student", 999, f.grace.ID, "slip.pdf", pdfSlip, proof.ErrStudentNotFound},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.env.ProofSvc.Upload(context.Background(), proof.NewProof{
				SchoolID:   f.sch.ID,
				StudentID:  tc.student,
				GuardianID: tc.guardian,
				FileName:   tc.fileName,
				Data:       tc.data,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	proofs, err := f.env.ProofSvc.Query(context.Background(), proof.QueryFilter{SchoolID: f.sch.ID})
	require.NoError(t, err)
	assert.Empty(t, proofs)
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	first := f.upload(t, "first.pdf", pdfSlip, "")
	second := f.upload(t, "second.pdf", pdfSlip, "")
	_, err := f.env.ProofSvc.Review(ctx, f.sch.ID, first.ID, proof.Review{Status: proof.StatusInReview}, "bursar")
	require.NoError(t, err)

	all, err := f.env.ProofSvc.Query(ctx, proof.QueryFilter{SchoolID: f.sch.ID})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	pending, err := f.env.ProofSvc.Query(ctx, proof.QueryFilter{SchoolID: f.sch.ID, Status: proof.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	other, err := f.env.ProofSvc.Query(ctx, proof.QueryFilter{SchoolID: f.sch.ID, GuardianID: f.peter.ID})
	require.NoError(t, err)
	assert.Empty(t, other)

	_, err = f.env.ProofSvc.Get(ctx, f.sch.ID+1, first.ID)
	assert.True(t, core.IsNotFound(err))
}

func TestReview_Verify(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	p := f.upload(t, "slip.pdf", pdfSlip, "KES 1,500")

	p, err := f.env.ProofSvc.Review(ctx, f.sch.ID, p.ID, proof.Review{Status: proof.StatusInReview}, "bursar")
	require.NoError(t, err)
	assert.Equal(t, proof.StatusInReview, p.Status)
	assert.Nil(t, p.PaymentID)

	p, err = f.env.ProofSvc.Review(ctx, f.sch.ID, p.ID, proof.Review{
		Status:        proof.StatusVerified,
		RecordPayment: true,
		Amount:        testutil.Dec("1500"),
	}, "bursar")
	require.NoError(t, err)
	assert.Equal(t, proof.StatusVerified, p.Status)
	assert.Equal(t, "bursar", p.ReviewedBy)
	require.NotNil(t, p.ReviewedAt)
	require.NotNil(t, p.PaymentID)

	s := testutil.GetStudent(t, f.env.StudentRepo, f.sch.ID, f.amina.ID)
	assert.True(t, s.Balance.Equal(testutil.Dec("2000")), "balance = %s", s.Balance)

	pays, err := f.env.PaymentRepo.QueryPayments(ctx, payment.QueryFilter{SchoolID: f.sch.ID, StudentID: f.amina.ID})
	require.NoError(t, err)
	require.Len(t, pays, 1)
	assert.Equal(t, *p.PaymentID, pays[0].ID)
	assert.Equal(t, payment.MethodBank, pays[0].Method)
	assert.Equal(t, "PROOF-"+strconv.Itoa(p.ID), pays[0].Reference)

	data := testutil.LastEmailData(t, "proof_status")
	assert.Equal(t, "Verified", data["Status"])
	assert.Equal(t, "Amina Wanjiku", data["StudentName"])
	assert.Contains(t, data["Amount"], "1,500.00")
	msgs := emailsvc.LastSentMessages()
	assert.Equal(t, "Payment proof verified for Amina Wanjiku", msgs[len(msgs)-1].Subject)

	_, err = f.env.ProofSvc.Review(ctx, f.sch.ID, p.ID, proof.Review{Status: proof.StatusRejected, Reason: "late"}, "bursar")
	assert.ErrorIs(t, err, proof.ErrInvalidTransition)
}

func TestReview_Reject(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	p := f.upload(t, "slip.pdf", pdfSlip, "")

	_, err := f.env.ProofSvc.Review(ctx, f.sch.ID, p.ID, proof.Review{Status: proof.StatusRejected}, "bursar")
	assert.True(t, testutil.IsValidationError(err), "a rejection needs a reason: %v", err)

	p, err = f.env.ProofSvc.Review(ctx, f.sch.ID, p.ID, proof.Review{Status: proof.StatusRejected, Reason: "The slip is unreadable"}, "bursar")
	require.NoError(t, err)
	assert.Equal(t, proof.StatusRejected, p.Status)
	assert.Equal(t, "The slip is unreadable", p.Reason)

	data := testutil.LastEmailData(t, "proof_status")
	assert.Equal(t, "Rejected", data["Status"])
	assert.Equal(t, "The slip is unreadable", data["Reason"])
	assert.Equal(t, "an amount", data["Amount"])

	_, err = f.env.ProofSvc.Review(ctx, f.sch.ID, p.ID, proof.Review{Status: proof.StatusVerified}, "bursar")
	assert.ErrorIs(t, err, proof.ErrInvalidTransition)
}

func TestReview_Invalid(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	p := f.upload(t, "slip.pdf", pdfSlip, "")

	_, err := f.env.ProofSvc.Review(ctx, f.sch.ID, p.ID, proof.Review{Status: proof.StatusInReview, RecordPayment: true, Amount: testutil.Dec("10")}, "bursar")
	assert.True(t, testutil.IsValidationError(err), "only verifying records a payment: %v", err)

	_, err = f.env.ProofSvc.Review(ctx, f.sch.ID, p.ID, proof.Review{Status: proof.StatusVerified, RecordPayment: true}, "bursar")
	assert.True(t, testutil.IsValidationError(err), "the amount is required: %v", err)

	_, err = f.env.ProofSvc.Review(ctx, f.sch.ID, 999, proof.Review{Status: proof.StatusInReview}, "bursar")
	assert.True(t, core.IsNotFound(err))
}

func TestReview_PaymentFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	p := f.upload(t, "slip.pdf", pdfSlip, "")
	_, err := f.env.PaymentSvc.Record(ctx, payment.NewPayment{
		SchoolID:  f.sch.ID,
		StudentID: f.amina.ID,
		Amount:    testutil.Dec("100"),
		Method:    payment.MethodBank,
		Reference: "EQ-778",
	})
	require.NoError(t, err)
	emailsvc.ResetSentMessages()

	_, err = f.env.ProofSvc.Review(ctx, f.sch.ID, p.ID, proof.Review{
		Status:        proof.StatusVerified,
		RecordPayment: true,
		Amount:        testutil.Dec("500"),
		Reference:     "EQ-778",
	}, "bursar")
	require.Error(t, err)

	p, err = f.env.ProofSvc.Get(ctx, f.sch.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, proof.StatusPending, p.Status)
	assert.Nil(t, p.PaymentID)
	s := testutil.GetStudent(t, f.env.StudentRepo, f.sch.ID, f.amina.ID)
	assert.True(t, s.Balance.Equal(testutil.Dec("3400")), "balance = %s", s.Balance)
	assert.Empty(t, emailsvc.LastSentMessages())
}

