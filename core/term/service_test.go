package term_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/karo/core/term"
	"github.com/trezcool/karo/internal/testutil"
)

func setNow(t *testing.T, now time.Time) {
	t.Helper()
	term.NowFunc = func() time.Time { return now }
	t.Cleanup(func() { term.NowFunc = time.Now })
}

func termOf(t *testing.T, terms []term.AcademicTerm, n int) term.AcademicTerm {
	t.Helper()
	for _, at := range terms {
		if at.Term == n {
			return at
		}
	}
	t.Fatalf("term %d not found", n)
	return term.AcademicTerm{}
}

func TestCurrent(t *testing.T) {
	ctx := context.Background()
	year := time.Now().Year()

	t.Run("dated term gets flagged", func(t *testing.T) {
		env := testutil.NewEnv(t)
		sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
		setNow(t, time.Date(year, time.February, 10, 9, 0, 0, 0, time.UTC))

		cur, err := env.TermSvc.Current(ctx, sch.ID)
		require.NoError(t, err)
		assert.Equal(t, term.Period{Year: year, Term: 1}, cur.Period)
		assert.False(t, cur.Inferred)
		require.NotNil(t, cur.AcademicTerm)
		assert.True(t, cur.AcademicTerm.IsCurrent)

		// the flag wins over the calendar
		setNow(t, time.Date(year, time.June, 10, 9, 0, 0, 0, time.UTC))
		cur, err = env.TermSvc.Current(ctx, sch.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, cur.Term)
	})

	t.Run("between terms the term is inferred", func(t *testing.T) {
		env := testutil.NewEnv(t)
		sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
		setNow(t, time.Date(year, time.April, 25, 9, 0, 0, 0, time.UTC))

		cur, err := env.TermSvc.Current(ctx, sch.ID)
		require.NoError(t, err)
		assert.True(t, cur.Inferred)
		assert.Nil(t, cur.AcademicTerm)
		assert.Equal(t, term.Period{Year: year, Term: 1}, cur.Period)
	})
}

func TestSetCurrent(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	terms, err := env.TermSvc.Query(ctx, sch.ID, time.Now().Year())
	require.NoError(t, err)
	require.Len(t, terms, 3)

	for _, n := range []int{2, 3} {
		_, err = env.TermSvc.SetCurrent(ctx, sch.ID, termOf(t, terms, n).ID)
		require.NoError(t, err)
	}
	terms, err = env.TermSvc.Query(ctx, sch.ID, 0)
	require.NoError(t, err)
	var current []int
	for _, at := range terms {
		if at.IsCurrent {
			current = append(current, at.Term)
		}
	}
	assert.Equal(t, []int{3}, current)

	_, err = env.TermSvc.SetCurrent(ctx, sch.ID, 999999)
	assert.Error(t, err)
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	terms, err := env.TermSvc.Query(ctx, sch.ID, time.Now().Year())
	require.NoError(t, err)
	t1 := termOf(t, terms, 1)
	assert.Equal(t, term.StatusDraft, t1.Status)

	_, err = env.TermSvc.Close(ctx, sch.ID, t1.ID)
	assert.True(t, testutil.IsValidationError(err), "err = %v", err)

	t1, err = env.TermSvc.Open(ctx, sch.ID, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, term.StatusOpen, t1.Status)
	_, err = env.TermSvc.Open(ctx, sch.ID, t1.ID)
	assert.True(t, testutil.IsValidationError(err), "err = %v", err)

	t1, err = env.TermSvc.Close(ctx, sch.ID, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, term.StatusClosed, t1.Status)
}

func TestScheduleAndSync(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	terms, err := env.TermSvc.Query(ctx, sch.ID, time.Now().Year())
	require.NoError(t, err)
	now := time.Now().UTC()
	setNow(t, now)

	_, err = env.TermSvc.Schedule(ctx, sch.ID, termOf(t, terms, 1).ID, term.UpdateSchedule{OpensAt: now, ClosesAt: now.Add(-time.Hour)})
	assert.True(t, testutil.IsValidationError(err), "err = %v", err)

	// term 2 is due to open, term 3 to open and close at once
	_, err = env.TermSvc.Schedule(ctx, sch.ID, termOf(t, terms, 2).ID, term.UpdateSchedule{OpensAt: now.Add(-time.Hour), ClosesAt: now.Add(24 * time.Hour)})
	require.NoError(t, err)
	_, err = env.TermSvc.Schedule(ctx, sch.ID, termOf(t, terms, 3).ID, term.UpdateSchedule{OpensAt: now.Add(-2 * time.Hour), ClosesAt: now.Add(-time.Hour)})
	require.NoError(t, err)

	changed, err := env.TermSvc.SyncStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	terms, err = env.TermSvc.Query(ctx, sch.ID, time.Now().Year())
	require.NoError(t, err)
	assert.Equal(t, term.StatusDraft, termOf(t, terms, 1).Status)
	assert.Equal(t, term.StatusOpen, termOf(t, terms, 2).Status)
	assert.Equal(t, term.StatusClosed, termOf(t, terms, 3).Status)

	// a day later term 2 closes too
	setNow(t, now.Add(25*time.Hour))
	changed, err = env.TermSvc.SyncStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	changed, err = env.TermSvc.SyncStatuses(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestStartNewYear(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	sch, _ := env.CreateSchool(t, "Karo Academy", "karo-academy", "pwd")
	next := time.Now().Year() + 1

	terms, err := env.TermSvc.StartNewYear(ctx, sch.ID, next)
	require.NoError(t, err)
	require.Len(t, terms, 3)
	assert.Equal(t, fmt.Sprintf("Term 1 %d", next), terms[0].Label)

	_, err = env.TermSvc.StartNewYear(ctx, sch.ID, next)
	assert.True(t, testutil.IsValidationError(err), "err = %v", err)

	all, err := env.TermSvc.Query(ctx, sch.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestAcademicTerm_Contains(t *testing.T) {
	t1 := term.DefaultTerms(1, 2026)[0]

	tests := []struct {
		day  time.Time
		want bool
	}{
		{day: time.Date(2026, 1, 2, 23, 0, 0, 0, time.UTC), want: false},
		{day: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC), want: true},
		{day: time.Date(2026, 4, 15, 18, 30, 0, 0, time.UTC), want: true},
		{day: time.Date(2026, 4, 16, 0, 0, 0, 0, time.UTC), want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, t1.Contains(tt.day), tt.day.String())
	}
}

func TestInferTerm(t *testing.T) {
	tests := map[time.Month]int{
		time.January:   1,
		time.April:     1,
		time.May:       2,
		time.August:    2,
		time.September: 3,
		time.December:  3,
	}
	for month, want := range tests {
		assert.Equal(t, want, term.InferTerm(month), month.String())
	}
	assert.Equal(t, "2026-T2", term.Period{Year: 2026, Term: 2}.String())
}
