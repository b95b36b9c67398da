package portal_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/karo/core/portal"
	"github.com/trezcool/karo/internal/testutil"
	emailsvc "github.com/trezcool/karo/services/email"
)

func requestCode(t *testing.T, env *testutil.Env, email string) string {
	t.Helper()
	masked, err := env.PortalSvc.RequestCode(context.Background(), "karo-academy", email)
	require.NoError(t, err)
	assert.Equal(t, "w*****u@example.com", masked)

	data := testutil.LastEmailData(t, "portal_otp")
	code, _ := data["Code"].(string)
	require.Len(t, code, 6)
	return code
}

func TestRequestCode(t *testing.T) {
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	testutil.CreateGuardian(t, env.StudentRepo, sch.ID, "Wanjiku Kamau", "wanjiku@example.com", "0711000111")
	emailsvc.ResetSentMessages()

	requestCode(t, env, "  Wanjiku@Example.com ")
	data := testutil.LastEmailData(t, "portal_otp")
	assert.Equal(t, "Karo Academy", data["SchoolName"])
	assert.Equal(t, int(env.Conf.OTP.TTL.Minutes()), data["Minutes"])

	// unknown emails get the same answer, and nothing is sent
	emailsvc.ResetSentMessages()
	masked, err := env.PortalSvc.RequestCode(context.Background(), "karo-academy", "nobody@example.com")
	require.NoError(t, err)
	assert.Equal(t, "n****y@example.com", masked)
	assert.Empty(t, emailsvc.LastSentMessages())

	// and so do unknown schools
	masked, err = env.PortalSvc.RequestCode(context.Background(), "no-such-school", "wanjiku@example.com")
	require.NoError(t, err)
	assert.Equal(t, "w*****u@example.com", masked)
	assert.Empty(t, emailsvc.LastSentMessages())
}

func TestRequestCode_scopedToSchool(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	karo, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	hill, _ := env.CreateSchool(t, "Hillside School", "hillside", "pwd")
	g := testutil.CreateGuardian(t, env.StudentRepo, karo.ID, "Wanjiku Kamau", "wanjiku@example.com", "0711000111")
	// same email, registered later at another school
	testutil.CreateGuardian(t, env.StudentRepo, hill.ID, "Wanjiku K.", "wanjiku@example.com", "0711000111")
	emailsvc.ResetSentMessages()

	code := requestCode(t, env, "wanjiku@example.com")
	data := testutil.LastEmailData(t, "portal_otp")
	assert.Equal(t, "Karo Academy", data["SchoolName"])
	assert.Equal(t, "Wanjiku Kamau", data["Name"])

	// a code issued for one school does not open another
	_, err := env.PortalSvc.VerifyCode(ctx, "hillside", "wanjiku@example.com", code)
	assert.True(t, testutil.IsValidationError(err), "err = %v", err)

	id, err := env.PortalSvc.VerifyCode(ctx, "karo-academy", "wanjiku@example.com", code)
	require.NoError(t, err)
	assert.Equal(t, portal.Identity{GuardianID: g.ID, SchoolID: karo.ID, Name: g.Name, Email: g.Email}, id)
}

func TestVerifyCode(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	g := testutil.CreateGuardian(t, env.StudentRepo, sch.ID, "Wanjiku Kamau", "wanjiku@example.com", "0711000111")

	t.Run("valid", func(t *testing.T) {
		code := requestCode(t, env, "wanjiku@example.com")

		id, err := env.PortalSvc.VerifyCode(ctx, "karo-academy", "WANJIKU@example.com", code)
		require.NoError(t, err)
		assert.Equal(t, portal.Identity{GuardianID: g.ID, SchoolID: sch.ID, Name: g.Name, Email: g.Email}, id)

		// codes are single use
		_, err = env.PortalSvc.VerifyCode(ctx, "karo-academy", "wanjiku@example.com", code)
		assert.True(t, testutil.IsValidationError(err), "err = %v", err)
	})

	t.Run("never requested", func(t *testing.T) {
		_, err := env.PortalSvc.VerifyCode(ctx, "karo-academy", "nobody@example.com", "123456")
		assert.True(t, testutil.IsValidationError(err), "err = %v", err)
	})

	t.Run("too many attempts", func(t *testing.T) {
		code := requestCode(t, env, "wanjiku@example.com")
		wrong := "000000"
		if code == wrong {
			wrong = "111111"
		}
		for i := 0; i < env.Conf.OTP.MaxAttempts; i++ {
			_, err := env.PortalSvc.VerifyCode(ctx, "karo-academy", "wanjiku@example.com", wrong)
			assert.True(t, testutil.IsValidationError(err), "attempt %d: err = %v", i+1, err)
		}

		_, err := env.PortalSvc.VerifyCode(ctx, "karo-academy", "wanjiku@example.com", code)
		assert.True(t, testutil.IsValidationError(err), "err = %v", err)
		// the code is gone now
		_, err = env.Codes.Get(ctx, fmt.Sprintf("portal:otp:%d:wanjiku@example.com", sch.ID))
		assert.Equal(t, portal.ErrCodeNotFound, err)
	})
}

func TestStudents(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	g := testutil.CreateGuardian(t, env.StudentRepo, sch.ID, "Wanjiku Kamau", "wanjiku@example.com", "0711000111")
	other := testutil.CreateGuardian(t, env.StudentRepo, sch.ID, "Peter Ouma", "peter@example.com", "0722000222")
	baraka := testutil.CreateStudent(t, env.StudentRepo, sch.ID, g.ID, "Baraka Kamau", "ADM002", "Grade 2", 3000, 0)
	amani := testutil.CreateStudent(t, env.StudentRepo, sch.ID, g.ID, "Amani Kamau", "ADM001", "Grade 4", 5000, 0)
	stranger := testutil.CreateStudent(t, env.StudentRepo, sch.ID, other.ID, "Chebet Ouma", "ADM003", "Grade 4", 100, 0)
	id := portal.Identity{GuardianID: g.ID, SchoolID: sch.ID, Name: g.Name, Email: g.Email}

	students, err := env.PortalSvc.Students(ctx, id)
	require.NoError(t, err)
	require.Len(t, students, 2)
	assert.Equal(t, amani.ID, students[0].ID)
	assert.Equal(t, baraka.ID, students[1].ID)

	s, err := env.PortalSvc.Student(ctx, id, amani.ID)
	require.NoError(t, err)
	assert.Equal(t, "ADM001", s.AdmissionNo)

	for _, studentID := range []int{stranger.ID, 999999} {
		_, err = env.PortalSvc.Student(ctx, id, studentID)
		assert.Equal(t, portal.ErrStudentNotFound, err)
	}
}

func TestCodeVerification_Validate(t *testing.T) {
	env := testutil.NewEnv(t)

	cv := portal.CodeVerification{School: " Karo-Academy ", Email: " Wanjiku@Example.COM ", Code: " 012345 "}
	require.NoError(t, cv.Validate(env.Validate))
	assert.Equal(t, "karo-academy", cv.School)
	assert.Equal(t, "wanjiku@example.com", cv.Email)
	assert.Equal(t, "012345", cv.Code)

	for _, code := range []string{"12345", "12a456", ""} {
		cv = portal.CodeVerification{School: "karo-academy", Email: "wanjiku@example.com", Code: code}
		assert.Error(t, cv.Validate(env.Validate), "code %q", code)
	}

	cr := portal.CodeRequest{School: "karo-academy", Email: "not-an-email"}
	assert.Error(t, cr.Validate(env.Validate))
	cr = portal.CodeRequest{Email: "wanjiku@example.com"}
	assert.Error(t, cr.Validate(env.Validate), "school is required")
}
