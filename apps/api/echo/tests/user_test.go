package tests

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/karo/apps/api/echo"
	"github.com/trezcool/karo/core/user"
	"github.com/trezcool/karo/internal/testutil"
)

func Test_userApi_login(t *testing.T) {
	srv, env := setup(t)
	_, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	testutil.CreateUser(t, env.UserRepo, owner.SchoolID, "Gone", "gone_user", "gone@karo.ac.ke", "pwd", nil, false)

	path := "/v1/users/login"
	failed := marshalObj(t, httpErr{Error: "authentication failed"})

	runHTTPTests(t, srv, []httpTest{
		{name: "unknown user", method: http.MethodPost, path: path, wantCode: http.StatusBadRequest, wantData: failed,
			body: []byte(`{"username": "nobody", "password": "pwd"}`)},
		{name: "bad password", method: http.MethodPost, path: path, wantCode: http.StatusBadRequest, wantData: failed,
			body: []byte(`{"username": "owner_karo-academy", "password": "nope"}`)},
		{name: "inactive", method: http.MethodPost, path: path, wantCode: http.StatusForbidden,
			body:     []byte(`{"username": "gone_user", "password": "pwd"}`),
			wantData: marshalObj(t, httpErr{Error: "account deactivated"})},
		{name: "missing password", method: http.MethodPost, path: path, wantCode: http.StatusBadRequest,
			body: []byte(`{"username": "owner_karo-academy"}`)},
	})

	for _, uname := range []string{"OWNER_karo-academy", "owner@karo-academy.ac.ke"} {
		rec := do(srv, http.MethodPost, path, "", marshalObj(t, echoapi.LoginRequest{Username: uname, Password: "pwd"}))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var res echoapi.LoginResponse
		decode(t, rec, &res)
		assert.NotEmpty(t, res.Token)

		// the token opens the staff API
		rec = do(srv, http.MethodGet, "/v1/schools/me", res.Token)
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
}

func Test_userApi_tokenRefresh(t *testing.T) {
	srv, env := setup(t)
	_, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")

	runHTTPTests(t, srv, []httpTest{
		{name: "auth required", method: http.MethodPost, path: "/v1/users/token-refresh",
			wantCode: http.StatusUnauthorized, wantData: marshalObj(t, errMissingToken)},
		{name: "bad token", method: http.MethodPost, path: "/v1/users/token-refresh", token: "not.a.token",
			wantCode: http.StatusUnauthorized},
	})

	rec := do(srv, http.MethodPost, "/v1/users/token-refresh", getToken(t, srv, owner))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res echoapi.LoginResponse
	decode(t, rec, &res)
	assert.NotEmpty(t, res.Token)
}

func Test_userApi_query(t *testing.T) {
	srv, env := setup(t)
	sch, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	other, _ := env.CreateSchool(t, "Bidii School", "bidii", "pwd")
	bursar := testutil.CreateUser(t, env.UserRepo, sch.ID, "Jane Bursar", "jane_bursar", "jane@karo.ac.ke", "pwd", []string{user.RoleAdminBursar}, true)
	teacher := testutil.CreateUser(t, env.UserRepo, sch.ID, "Tom Teacher", "tom_teacher", "tom@karo.ac.ke", "pwd", []string{user.RoleTeacher}, true)
	testutil.CreateUser(t, env.UserRepo, other.ID, "Ann Bursar", "ann_bursar", "ann@bidii.ac.ke", "pwd", []string{user.RoleAdminBursar}, true)

	runHTTPTests(t, srv, []httpTest{
		{name: "auth required", path: "/v1/users", wantCode: http.StatusUnauthorized, wantData: marshalObj(t, errMissingToken)},
		{name: "admin required", path: "/v1/users", token: getToken(t, srv, teacher), wantCode: http.StatusForbidden,
			wantData: marshalObj(t, httpErr{Error: "permission denied"})},
		{name: "roles", path: "/v1/users/roles", token: getToken(t, srv, bursar), wantCode: http.StatusOK,
			wantData: marshalObj(t, user.Roles)},
	})

	rec := do(srv, http.MethodGet, "/v1/users", getToken(t, srv, owner))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var users []user.User
	decode(t, rec, &users)
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	assert.ElementsMatch(t, []string{owner.ID, bursar.ID, teacher.ID}, ids, "only the caller's school is listed")

	rec = do(srv, http.MethodGet, "/v1/users?search=TOM", getToken(t, srv, owner))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &users)
	require.Len(t, users, 1)
	assert.Equal(t, teacher.ID, users[0].ID)
}

func Test_userApi_create(t *testing.T) {
	srv, env := setup(t)
	sch, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	bursar := testutil.CreateUser(t, env.UserRepo, sch.ID, "Jane Bursar", "jane_bursar", "jane@karo.ac.ke", "pwd", []string{user.RoleAdminBursar}, true)
	teacher := testutil.CreateUser(t, env.UserRepo, sch.ID, "Tom Teacher", "tom_teacher", "tom@karo.ac.ke", "pwd", []string{user.RoleTeacher}, true)

	newUser := func(uname string, roles ...string) []byte {
		return marshalObj(t, user.NewUser{
			Name:            "New User",
			Username:        uname,
			Email:           uname + "@karo.ac.ke",
			Password:        "Tuition#2026",
			PasswordConfirm: "Tuition#2026",
			Roles:           roles,
		})
	}
	path := "/v1/users/register"

	runHTTPTests(t, srv, []httpTest{
		{name: "admin required", method: http.MethodPost, path: path, token: getToken(t, srv, teacher),
			body: newUser("new_teacher", user.RoleTeacher), wantCode: http.StatusForbidden},
		{name: "role above the caller's", method: http.MethodPost, path: path, token: getToken(t, srv, bursar),
			body: newUser("new_principal", user.RoleAdminPrincipal), wantCode: http.StatusBadRequest,
			wantData: marshalObj(t, map[string]string{"roles": "not enough rights to set these roles"})},
		{name: "passwords differ", method: http.MethodPost, path: path, token: getToken(t, srv, owner),
			body:     []byte(`{"name": "X", "username": "mismatch", "password": "a", "password_confirm": "b"}`),
			wantCode: http.StatusBadRequest},
	})

	rec := do(srv, http.MethodPost, path, getToken(t, srv, bursar), newUser("new_teacher", user.RoleTeacher))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var usr user.User
	decode(t, rec, &usr)
	assert.Equal(t, sch.ID, usr.SchoolID, "users join the caller's school")
	assert.Equal(t, []string{user.RoleTeacher}, usr.Roles)
	assert.NotContains(t, rec.Body.String(), "password")

	// the creation is audited
	rec = do(srv, http.MethodGet, "/v1/audit?entity=user", getToken(t, srv, owner))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"actor":"jane_bursar"`)
}

func Test_userApi_detail(t *testing.T) {
	srv, env := setup(t)
	sch, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	other, _ := env.CreateSchool(t, "Bidii School", "bidii", "pwd")
	teacher := testutil.CreateUser(t, env.UserRepo, sch.ID, "Tom Teacher", "tom_teacher", "tom@karo.ac.ke", "pwd", []string{user.RoleTeacher}, true)
	colleague := testutil.CreateUser(t, env.UserRepo, sch.ID, "Ida Teacher", "ida_teacher", "ida@karo.ac.ke", "pwd", []string{user.RoleTeacher}, true)
	outsider := testutil.CreateUser(t, env.UserRepo, other.ID, "Ann Bursar", "ann_bursar", "ann@bidii.ac.ke", "pwd", []string{user.RoleAdminBursar}, true)

	ownerToken := getToken(t, srv, owner)
	teacherToken := getToken(t, srv, teacher)
	notFound := marshalObj(t, httpErr{Error: "not found"})

	runHTTPTests(t, srv, []httpTest{
		{name: "self", path: "/v1/users/" + teacher.ID, token: teacherToken, wantCode: http.StatusOK},
		{name: "colleague (non admin)", path: "/v1/users/" + colleague.ID, token: teacherToken,
			wantCode: http.StatusNotFound, wantData: notFound},
		{name: "colleague (admin)", path: "/v1/users/" + colleague.ID, token: ownerToken, wantCode: http.StatusOK},
		{name: "other school", path: "/v1/users/" + outsider.ID, token: ownerToken,
			wantCode: http.StatusNotFound, wantData: notFound},
		{name: "non admin cannot change roles", method: http.MethodPut, path: "/v1/users/" + teacher.ID, token: teacherToken,
			body: []byte(`{"roles": ["admin:owner"]}`), wantCode: http.StatusForbidden},
		{name: "no suicide", method: http.MethodDelete, path: "/v1/users/" + owner.ID, token: ownerToken,
			wantCode: http.StatusForbidden},
	})

	rec := do(srv, http.MethodPut, "/v1/users/"+teacher.ID, teacherToken, []byte(`{"name": "Tom T. Teacher"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var usr user.User
	decode(t, rec, &usr)
	assert.Equal(t, "Tom T. Teacher", usr.Name)

	rec = do(srv, http.MethodDelete, "/v1/users/"+colleague.ID, ownerToken)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = do(srv, http.MethodGet, "/v1/users/"+colleague.ID, ownerToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func Test_userApi_passwordReset(t *testing.T) {
	srv, env := setup(t)
	_, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")

	// unknown emails get the same answer
	for _, email := range []string{"nobody@karo.ac.ke", owner.Email} {
		rec := do(srv, http.MethodPost, "/v1/users/password-reset", "", marshalObj(t, echoapi.PasswordResetRequest{Email: email}))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), "If the email address supplied")
	}

	url, _ := testutil.LastEmailData(t, "password_reset")["URL"].(string)
	parts := strings.SplitN(strings.TrimPrefix(url, env.Conf.FrontendBaseURL+"/password-reset/"), "/", 2)
	require.Len(t, parts, 2, url)

	confirm := marshalObj(t, user.ResetUserPassword{UID: parts[0], Token: parts[1], Password: "Mango#Tree42", PasswordConfirm: "Mango#Tree42"})
	rec := do(srv, http.MethodPost, "/v1/users/password-reset-confirm", "", confirm)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(srv, http.MethodPost, "/v1/users/login", "", marshalObj(t, echoapi.LoginRequest{Username: owner.Username, Password: "Mango#Tree42"}))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// tokens are single use
	rec = do(srv, http.MethodPost, "/v1/users/password-reset-confirm", "", confirm)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}
