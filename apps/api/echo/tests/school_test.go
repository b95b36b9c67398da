package tests

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	echoapi "github.com/trezcool/karo/apps/api/echo"
	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/school"
	"github.com/trezcool/karo/core/user"
	"github.com/trezcool/karo/internal/testutil"
)

func Test_schoolApi_signup(t *testing.T) {
	srv, env := setup(t)
	env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")

	signup := func(name, slug, uname string) []byte {
		return marshalObj(t, school.NewSchool{
			Name:  name,
			Slug:  slug,
			Email: "info@bidii.ac.ke",
			Owner: user.NewUser{
				Name:            "Ann Owner",
				Username:        uname,
				Email:           uname + "@bidii.ac.ke",
				Password:        "Tuition#2026",
				PasswordConfirm: "Tuition#2026",
			},
		})
	}

	runHTTPTests(t, srv, []httpTest{
		{name: "slug taken", method: http.MethodPost, path: "/v1/schools", body: signup("Karo Academy", "", "ann_owner"),
			wantCode: http.StatusBadRequest},
		{name: "owner username taken", method: http.MethodPost, path: "/v1/schools", body: signup("Bidii", "", "owner_karo-academy"),
			wantCode: http.StatusBadRequest},
		{name: "missing name", method: http.MethodPost, path: "/v1/schools", body: signup("", "bidii", "ann_owner"),
			wantCode: http.StatusBadRequest},
	})

	rec := do(srv, http.MethodPost, "/v1/schools", "", signup("Bidii School", "", "ann_owner"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res echoapi.SignupResponse
	decode(t, rec, &res)
	assert.Equal(t, "bidii-school", res.School.Slug)
	assert.Equal(t, school.PlanFree, res.School.Plan)
	assert.Equal(t, res.School.ID, res.Owner.SchoolID)
	assert.Equal(t, []string{user.RoleAdminOwner}, res.Owner.Roles)

	// the owner is logged in
	rec = do(srv, http.MethodGet, "/v1/schools/me", res.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sch school.School
	decode(t, rec, &sch)
	assert.Equal(t, res.School.ID, sch.ID)
}

func Test_schoolApi_settings(t *testing.T) {
	srv, env := setup(t)
	sch, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	bursar := testutil.CreateUser(t, env.UserRepo, sch.ID, "Jane Bursar", "jane_bursar", "jane@karo.ac.ke", "pwd", []string{user.RoleAdminBursar}, true)
	ownerToken := getToken(t, srv, owner)

	runHTTPTests(t, srv, []httpTest{
		{name: "read", path: "/v1/schools/me/settings", token: getToken(t, srv, bursar), wantCode: http.StatusOK,
			wantData: marshalObj(t, school.DefaultSettings())},
		{name: "owner or principal required", method: http.MethodPut, path: "/v1/schools/me/settings", token: getToken(t, srv, bursar),
			body: []byte(`{"auto_reminders": "true"}`), wantCode: http.StatusForbidden},
		{name: "unknown setting", method: http.MethodPut, path: "/v1/schools/me/settings", token: ownerToken,
			body: []byte(`{"theme": "dark"}`), wantCode: http.StatusBadRequest},
		{name: "not an object of strings", method: http.MethodPut, path: "/v1/schools/me/settings", token: ownerToken,
			body: []byte(`{"auto_reminders": true}`), wantCode: http.StatusBadRequest,
			wantData: marshalObj(t, httpErr{Error: "settings must be an object of strings"})},
	})

	rec := do(srv, http.MethodPut, "/v1/schools/me/settings", ownerToken, []byte(`{"auto_reminders": "true", "reminder_channels": "email,whatsapp"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var settings school.Settings
	decode(t, rec, &settings)
	assert.True(t, settings.Bool(school.SettingAutoReminders))
	assert.Equal(t, []string{"email", "whatsapp"}, settings.List(school.SettingReminderChannels))
}

func Test_schoolApi_update(t *testing.T) {
	srv, env := setup(t)
	_, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")

	rec := do(srv, http.MethodPut, "/v1/schools/me", getToken(t, srv, owner), []byte(`{"address": "Kisumu"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sch school.School
	decode(t, rec, &sch)
	assert.Equal(t, "Karo Academy", sch.Name)
	assert.Equal(t, "Kisumu", sch.Address)
}

func Test_schoolApi_proOnly(t *testing.T) {
	srv, env := setup(t)
	sch, owner := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	token := getToken(t, srv, owner)
	ask := []byte(`{"question": "Who are the top debtors?"}`)

	runHTTPTests(t, srv, []httpTest{
		{name: "free plan", method: http.MethodPost, path: "/v1/assistant/ask", token: token, body: ask,
			wantCode: http.StatusPaymentRequired, wantData: marshalObj(t, httpErr{Error: core.ErrProFeature.Error()})},
	})

	env.MakePro(t, sch.ID)
	rec := do(srv, http.MethodPost, "/v1/assistant/ask", token, ask)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(srv, http.MethodPost, "/v1/schools/me/pro/checkout", token, []byte(`{"phone": "0712345678"}`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, env.Mpesa.Requests, 1)
	assert.Equal(t, "PRO", env.Mpesa.Requests[0].AccountRef)
}
