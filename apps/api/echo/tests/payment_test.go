package tests

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/karo/apps/api/echo"
	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/payment"
	"github.com/trezcool/karo/core/student"
	"github.com/trezcool/karo/core/user"
	"github.com/trezcool/karo/internal/testutil"
)

func Test_studentApi_create(t *testing.T) {
	srv, env := setup(t)
	sch, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	teacher := testutil.CreateUser(t, env.UserRepo, sch.ID, "Tom Teacher", "tom_teacher", "tom@karo.ac.ke", "pwd", []string{user.RoleTeacher}, true)
	token := getToken(t, srv, owner)
	body := []byte(`{"name": " Amani Otieno ", "admission_no": "ADM001", "class_name": "Grade 4"}`)

	runHTTPTests(t, srv, []httpTest{
		{name: "admin required", method: http.MethodPost, path: "/v1/students", token: getToken(t, srv, teacher), body: body,
			wantCode: http.StatusForbidden},
		{name: "missing admission no", method: http.MethodPost, path: "/v1/students", token: token,
			body: []byte(`{"name": "Amani"}`), wantCode: http.StatusBadRequest},
		{name: "bad id", path: "/v1/students/abc", token: token, wantCode: http.StatusNotFound},
	})

	rec := do(srv, http.MethodPost, "/v1/students", token, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var s student.Student
	decode(t, rec, &s)
	assert.Equal(t, "Amani Otieno", s.Name)
	assert.True(t, s.Balance.IsZero())

	// teachers may read
	rec = do(srv, http.MethodGet, "/v1/students/"+strconv.Itoa(s.ID), getToken(t, srv, teacher))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func Test_paymentApi_create(t *testing.T) {
	srv, env := setup(t)
	sch, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	other, _ := env.CreateSchool(t, "Bidii School", "bidii", "pwd")
	teacher := testutil.CreateUser(t, env.UserRepo, sch.ID, "Tom Teacher", "tom_teacher", "tom@karo.ac.ke", "pwd", []string{user.RoleTeacher}, true)
	s := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 2000, 0)
	outsider := testutil.CreateStudent(t, env.StudentRepo, other.ID, 0, "Zawadi Njeri", "ADM001", "Grade 4", 2000, 0)
	token := getToken(t, srv, owner)

	pay := func(studentID int, amount, method, ref string) []byte {
		return []byte(fmt.Sprintf(`{"student_id": %d, "amount": %q, "method": %q, "reference": %q}`, studentID, amount, method, ref))
	}

	runHTTPTests(t, srv, []httpTest{
		{name: "finance roles only", method: http.MethodPost, path: "/v1/payments", token: getToken(t, srv, teacher),
			body: pay(s.ID, "500", payment.MethodCash, ""), wantCode: http.StatusForbidden},
		{name: "unknown method", method: http.MethodPost, path: "/v1/payments", token: token,
			body: pay(s.ID, "500", "Bitcoin", ""), wantCode: http.StatusBadRequest},
		{name: "zero amount", method: http.MethodPost, path: "/v1/payments", token: token,
			body: pay(s.ID, "0", payment.MethodCash, ""), wantCode: http.StatusBadRequest},
		{name: "other school's student", method: http.MethodPost, path: "/v1/payments", token: token,
			body: pay(outsider.ID, "500", payment.MethodCash, ""), wantCode: http.StatusBadRequest},
	})

	rec := do(srv, http.MethodPost, "/v1/payments", token, pay(s.ID, "2500", payment.MethodBank, "BNK-001"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res payment.RecordResult
	decode(t, rec, &res)
	assert.True(t, testutil.Dec("2000").Equal(res.AppliedToBalance), "applied = %s", res.AppliedToBalance)
	assert.True(t, testutil.Dec("500").Equal(res.AddedToCredit), "credit = %s", res.AddedToCredit)
	assert.Equal(t, owner.Username, res.Payment.RecordedBy)

	// references are unique per school and method
	rec = do(srv, http.MethodPost, "/v1/payments", token, pay(s.ID, "100", payment.MethodBank, "BNK-001"))
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	path := "/v1/payments/" + strconv.Itoa(res.Payment.ID)
	rec = do(srv, http.MethodGet, path+"/receipt", getToken(t, srv, teacher))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "%PDF"))

	// payments of other schools are out of reach
	otherOwner, err := env.UserSvc.GetByUsername(context.Background(), "owner_bidii")
	require.NoError(t, err)
	rec = do(srv, http.MethodGet, path, getToken(t, srv, otherOwner))
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func Test_paymentApi_mpesa(t *testing.T) {
	srv, env := setup(t)
	sch, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	s := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Amani Otieno", "ADM001", "Grade 4", 1000, 0)

	body := []byte(fmt.Sprintf(`{"student_id": %d, "phone": "0712345678", "amount": "700"}`, s.ID))
	rec := do(srv, http.MethodPost, "/v1/mpesa/checkout", getToken(t, srv, owner), body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var mp payment.MpesaPayment
	decode(t, rec, &mp)
	assert.Equal(t, payment.StatusPending, mp.Status)

	callback := func(checkoutID string, code int, receipt string) []byte {
		return []byte(fmt.Sprintf(`{"Body": {"stkCallback": {
			"MerchantRequestID": "MR-1",
			"CheckoutRequestID": %q,
			"ResultCode": %d,
			"ResultDesc": "The service request is processed successfully.",
			"CallbackMetadata": {"Item": [
				{"Name": "Amount", "Value": 700},
				{"Name": "MpesaReceiptNumber", "Value": %q},
				{"Name": "TransactionDate", "Value": 20260115103000},
				{"Name": "PhoneNumber", "Value": 254712345678}
			]}
		}}}`, checkoutID, code, receipt))
	}
	accepted := marshalObj(t, echoapi.MpesaAck{ResultCode: 0, ResultDesc: "Accepted"})

	// Daraja gets an acceptance whatever happens, and replays pay once
	runHTTPTests(t, srv, []httpTest{
		{name: "garbage", method: http.MethodPost, path: "/v1/mpesa/callback", body: []byte(`<xml/>`),
			wantCode: http.StatusOK, wantData: accepted},
		{name: "unknown checkout", method: http.MethodPost, path: "/v1/mpesa/callback", body: callback("ws_CO_unknown", 0, "QKX0000000"),
			wantCode: http.StatusOK, wantData: accepted},
		{name: "paid", method: http.MethodPost, path: "/v1/mpesa/callback", body: callback(mp.CheckoutRequestID, 0, "QKX7ABC123"),
			wantCode: http.StatusOK, wantData: accepted},
		{name: "replay", method: http.MethodPost, path: "/v1/mpesa/callback", body: callback(mp.CheckoutRequestID, 0, "QKX7ABC123"),
			wantCode: http.StatusOK, wantData: accepted},
	})

	s = testutil.GetStudent(t, env.StudentRepo, sch.ID, s.ID)
	assert.True(t, testutil.Dec("300").Equal(s.Balance), "balance = %s", s.Balance)

	rec = do(srv, http.MethodGet, fmt.Sprintf("/v1/payments?student=%d", s.ID), getToken(t, srv, owner))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var payments []payment.Payment
	decode(t, rec, &payments)
	require.Len(t, payments, 1)
	assert.Equal(t, "QKX7ABC123", payments[0].Reference)
}

func Test_paymentApi_mpesaCallbackNotThrottled(t *testing.T) {
	srv, _ := setup(t, func(conf *core.Config) {
		conf.Server.RateLimitRPS = 0.001
		conf.Server.RateLimitBurst = 1
	})

	for i := 0; i < 5; i++ {
		rec := do(srv, http.MethodPost, "/v1/mpesa/callback", "", []byte(`<xml/>`))
		assert.Equal(t, http.StatusOK, rec.Code, "callback %d: %s", i+1, rec.Body.String())
	}

	// login endpoints from the same address still are
	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := do(srv, http.MethodPost, "/v1/portal/login/request", "",
			[]byte(`{"school": "karo-academy", "email": "nobody@example.com"}`))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}
