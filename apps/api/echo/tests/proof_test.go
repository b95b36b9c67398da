package tests

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/karo/apps/api/echo"
	"github.com/trezcool/karo/core/docsign"
	"github.com/trezcool/karo/core/proof"
	"github.com/trezcool/karo/internal/testutil"
)

var pdfSlip = []byte("%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF\n")

func uploadProof(t *testing.T, srv http.Handler, path, token, fileName string, data []byte, description string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("description", description))
	fw, err := w.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func Test_proofApi(t *testing.T) {
	srv, env := setup(t)
	sch, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	g := testutil.CreateGuardian(t, env.StudentRepo, sch.ID, "Wanjiku Otieno", "wanjiku@example.com", "0711000111")
	amani := testutil.CreateStudent(t, env.StudentRepo, sch.ID, g.ID, "Amani Otieno", "ADM001", "Grade 4", 1500, 0)
	stranger := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Baraka Ouma", "ADM002", "Grade 2", 900, 0)

	token := guardianLogin(t, srv, sch.Slug, g.Email).Token
	staffToken := getToken(t, srv, owner)
	proofsPath := "/v1/portal/students/" + strconv.Itoa(amani.ID) + "/proofs"

	rec := uploadProof(t, srv, "/v1/portal/students/"+strconv.Itoa(stranger.ID)+"/proofs", token, "slip.pdf", pdfSlip, "")
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	rec = uploadProof(t, srv, proofsPath, token, "slip.gif", pdfSlip, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = uploadProof(t, srv, proofsPath, token, "equity_slip.pdf", pdfSlip, "Paid KES 1,000 on 12/10/2026")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p proof.Proof
	decode(t, rec, &p)
	assert.Equal(t, proof.StatusPending, p.Status)
	assert.Equal(t, "Equity", p.BankHint)

	rec = do(srv, http.MethodGet, proofsPath, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var mine []proof.Proof
	decode(t, rec, &mine)
	require.Len(t, mine, 1)
	assert.Equal(t, p.ID, mine[0].ID)

	proofPath := "/v1/proofs/" + strconv.Itoa(p.ID)
	runHTTPTests(t, srv, []httpTest{
		{name: "guardians cannot list staff proofs", path: "/v1/proofs", token: token, wantCode: http.StatusForbidden},
		{name: "staff list", path: "/v1/proofs?status=pending", token: staffToken, wantCode: http.StatusOK},
		{name: "unknown proof", path: "/v1/proofs/999", token: staffToken, wantCode: http.StatusNotFound},
		{name: "rejecting needs a reason", method: http.MethodPost, path: proofPath + "/review", token: staffToken,
			body: []byte(`{"status": "rejected"}`), wantCode: http.StatusBadRequest},
	})

	rec = do(srv, http.MethodGet, proofPath+"/file", staffToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, pdfSlip, rec.Body.Bytes())

	rec = do(srv, http.MethodPost, proofPath+"/review", staffToken,
		[]byte(`{"status": "verified", "record_payment": true, "amount": "1000", "reference": "EQ-1001"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &p)
	assert.Equal(t, proof.StatusVerified, p.Status)
	require.NotNil(t, p.PaymentID)

	s := testutil.GetStudent(t, env.StudentRepo, sch.ID, amani.ID)
	assert.True(t, s.Balance.Equal(testutil.Dec("500")), "balance = %s", s.Balance)
	assert.Equal(t, "Verified", testutil.LastEmailData(t, "proof_status")["Status"])

	rec = do(srv, http.MethodPost, proofPath+"/review", staffToken, []byte(`{"status": "rejected", "reason": "duplicate"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func Test_reportApi(t *testing.T) {
	srv, env := setup(t)
	sch, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 1500, 0)
	staffToken := getToken(t, srv, owner)

	rec := do(srv, http.MethodGet, "/v1/reports/fees", staffToken)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())

	env.MakePro(t, sch.ID)
	rec = do(srv, http.MethodGet, "/v1/reports/fees", staffToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "spreadsheetml")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "fee_report_karo-academy_")
	assert.NotZero(t, rec.Body.Len())

	rec = do(srv, http.MethodPost, "/v1/reports/fees/send", staffToken)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "Karo Academy", testutil.LastEmailData(t, "fee_report")["SchoolName"])
}

func Test_documentApi_verify(t *testing.T) {
	srv, env := setup(t)
	payload, err := env.Signer.Sign(docsign.KindReceipt, map[string]interface{}{"no": "RCT-000042", "amt": "1500.00"})
	require.NoError(t, err)

	rec := do(srv, http.MethodPost, "/v1/documents/verify", "", marshalObj(t, echoapi.VerifyDocumentRequest{Payload: payload}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res echoapi.VerifyDocumentResponse
	decode(t, rec, &res)
	assert.True(t, res.Valid)
	assert.Equal(t, docsign.KindReceipt, res.Kind)
	assert.Equal(t, "RCT-000042", res.Fields["no"])

	forged := bytes.Replace([]byte(payload), []byte("1500.00"), []byte("9500.00"), 1)
	runHTTPTests(t, srv, []httpTest{
		{name: "tampered", method: http.MethodPost, path: "/v1/documents/verify",
			body: marshalObj(t, echoapi.VerifyDocumentRequest{Payload: string(forged)}), wantCode: http.StatusBadRequest},
		{name: "not a document", method: http.MethodPost, path: "/v1/documents/verify",
			body: []byte(`{"payload": "hello"}`), wantCode: http.StatusBadRequest},
		{name: "payload required", method: http.MethodPost, path: "/v1/documents/verify",
			body: []byte(`{}`), wantCode: http.StatusBadRequest},
	})
}
