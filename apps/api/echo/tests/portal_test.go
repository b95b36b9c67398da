package tests

import (
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/karo/apps/api/echo"
	"github.com/trezcool/karo/core/portal"
	"github.com/trezcool/karo/core/student"
	"github.com/trezcool/karo/internal/testutil"
	emailsvc "github.com/trezcool/karo/services/email"
)

func guardianLogin(t *testing.T, srv http.Handler, schoolSlug, email string) echoapi.GuardianLoginResponse {
	t.Helper()
	emailsvc.ResetSentMessages()
	rec := do(srv, http.MethodPost, "/v1/portal/login/request", "", marshalObj(t, portal.CodeRequest{School: schoolSlug, Email: email}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	code, _ := testutil.LastEmailData(t, "portal_otp")["Code"].(string)
	rec = do(srv, http.MethodPost, "/v1/portal/login/verify", "", marshalObj(t, portal.CodeVerification{School: schoolSlug, Email: email, Code: code}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res echoapi.GuardianLoginResponse
	decode(t, rec, &res)
	return res
}

func Test_portalApi_login(t *testing.T) {
	srv, env := setup(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	g := testutil.CreateGuardian(t, env.StudentRepo, sch.ID, "Wanjiku Otieno", "wanjiku@example.com", "0711000111")

	// unknown emails get the same answer
	for _, email := range []string{"nobody@example.com", "Wanjiku@Example.com"} {
		rec := do(srv, http.MethodPost, "/v1/portal/login/request", "", marshalObj(t, portal.CodeRequest{School: sch.Slug, Email: email}))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var res echoapi.CodeRequestResponse
		decode(t, rec, &res)
		assert.Contains(t, res.Success, "login code is on its way")
	}

	runHTTPTests(t, srv, []httpTest{
		{name: "malformed code", method: http.MethodPost, path: "/v1/portal/login/verify",
			body: []byte(`{"school": "karo-academy", "email": "wanjiku@example.com", "code": "12ab"}`), wantCode: http.StatusBadRequest},
		{name: "wrong code", method: http.MethodPost, path: "/v1/portal/login/verify",
			body: []byte(`{"school": "karo-academy", "email": "nobody@example.com", "code": "123456"}`), wantCode: http.StatusBadRequest},
		{name: "school required", method: http.MethodPost, path: "/v1/portal/login/request",
			body: []byte(`{"email": "wanjiku@example.com"}`), wantCode: http.StatusBadRequest},
	})

	res := guardianLogin(t, srv, sch.Slug, g.Email)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, portal.Identity{GuardianID: g.ID, SchoolID: sch.ID, Name: g.Name, Email: g.Email}, res.Guardian)
}

func Test_portalApi_students(t *testing.T) {
	srv, env := setup(t)
	sch, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	g := testutil.CreateGuardian(t, env.StudentRepo, sch.ID, "Wanjiku Otieno", "wanjiku@example.com", "0711000111")
	amani := testutil.CreateStudent(t, env.StudentRepo, sch.ID, g.ID, "Amani Otieno", "ADM001", "Grade 4", 1500, 0)
	stranger := testutil.CreateStudent(t, env.StudentRepo, sch.ID, 0, "Baraka Ouma", "ADM002", "Grade 2", 900, 0)

	token := guardianLogin(t, srv, sch.Slug, g.Email).Token
	staffToken := getToken(t, srv, owner)
	forbidden := marshalObj(t, httpErr{Error: "permission denied"})

	runHTTPTests(t, srv, []httpTest{
		{name: "auth required", path: "/v1/portal/students", wantCode: http.StatusUnauthorized, wantData: marshalObj(t, errMissingToken)},
		{name: "staff tokens are refused", path: "/v1/portal/students", token: staffToken,
			wantCode: http.StatusForbidden, wantData: forbidden},
		{name: "guardian tokens are refused by the staff API", path: "/v1/students", token: token,
			wantCode: http.StatusForbidden, wantData: forbidden},
		{name: "someone else's child", path: "/v1/portal/students/" + strconv.Itoa(stranger.ID), token: token,
			wantCode: http.StatusNotFound},
		{name: "own child", path: "/v1/portal/students/" + strconv.Itoa(amani.ID), token: token,
			wantCode: http.StatusOK},
		{name: "payments", path: "/v1/portal/students/" + strconv.Itoa(amani.ID) + "/payments", token: token,
			wantCode: http.StatusOK, wantData: []byte(`[]`)},
	})

	rec := do(srv, http.MethodGet, "/v1/portal/students", token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var students []student.Student
	decode(t, rec, &students)
	require.Len(t, students, 1)
	assert.Equal(t, amani.ID, students[0].ID)

	// guardians pay by M-Pesa for their own children only
	rec = do(srv, http.MethodPost, "/v1/portal/students/"+strconv.Itoa(amani.ID)+"/mpesa", token,
		[]byte(`{"phone": "0711000111", "amount": "1500"}`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, env.Mpesa.Requests, 1)
	assert.Equal(t, "ADM001", env.Mpesa.Requests[0].AccountRef)

	rec = do(srv, http.MethodPost, "/v1/portal/students/"+strconv.Itoa(stranger.ID)+"/mpesa", token,
		[]byte(`{"phone": "0711000111", "amount": "900"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	assert.Len(t, env.Mpesa.Requests, 1)
}
