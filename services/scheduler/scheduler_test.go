package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/karo/core"
)

type countingJob struct {
	calls int32
	n     int
	err   error
}

func (j *countingJob) run(ctx context.Context) (int, error) {
	atomic.AddInt32(&j.calls, 1)
	return j.n, j.err
}

func (j *countingJob) RunScheduled(ctx context.Context) (int, error) { return j.run(ctx) }
func (j *countingJob) SyncStatuses(ctx context.Context) (int, error) { return j.run(ctx) }
func (j *countingJob) PurgeExpired(ctx context.Context) (int, error) { return j.run(ctx) }

func TestNew_Validation(t *testing.T) {
	noop := func(context.Context) (int, error) { return 0, nil }

	_, err := New(core.NopLogger{}, nil, Job{Name: "", Spec: "@every 1m", Run: noop})
	assert.Error(t, err)

	_, err = New(core.NopLogger{}, nil, Job{Name: "x", Spec: "not a spec", Run: noop})
	assert.Error(t, err)

	_, err = New(core.NopLogger{}, nil,
		Job{Name: "x", Spec: "@every 1m", Run: noop},
		Job{Name: "x", Spec: "@every 2m", Run: noop})
	assert.Error(t, err)
}

func TestRunNow(t *testing.T) {
	ok := &countingJob{n: 3}
	failing := &countingJob{err: errors.New("db down")}

	s, err := New(core.NopLogger{}, time.UTC,
		Job{Name: "ok", Spec: "@every 1h", Run: ok.run},
		Job{Name: "failing", Spec: "@every 1h", Run: failing.run})
	require.NoError(t, err)

	n, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.RunNow(context.Background(), "failing")
	assert.EqualError(t, err, "db down")
	assert.Equal(t, int32(1), atomic.LoadInt32(&failing.calls))

	_, err = s.RunNow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestRunNow_Timeout(t *testing.T) {
	s, err := New(core.NopLogger{}, nil, Job{Name: "slow", Spec: "@every 1h", Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		}})
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartStop(t *testing.T) {
	job := &countingJob{}
	s, err := New(core.NopLogger{}, nil, Job{Name: "tick", Spec: "@every 1s", Run: job.run})
	require.NoError(t, err)

	assert.True(t, s.Entries()["tick"].IsZero())
	s.Start()
	assert.False(t, s.Entries()["tick"].IsZero())

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&job.calls) > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestDefaultJobs(t *testing.T) {
	conf := core.NewTestConfig()
	conf.Reminders.Schedule = "30 7 * * 1-5"
	rem, terms, approvals, reports := &countingJob{n: 1}, &countingJob{n: 2}, &countingJob{n: 3}, &countingJob{n: 4}

	jobs := DefaultJobs(conf, rem, terms, approvals, reports)
	require.Len(t, jobs, 4)
	assert.Equal(t, "30 7 * * 1-5", jobs[0].Spec)
	assert.Equal(t, "0 7 * * MON", jobs[1].Spec)

	s, err := New(core.NopLogger{}, nil, jobs...)
	require.NoError(t, err)

	for name, want := range map[string]int{JobReminders: 1, JobTermStatus: 2, JobApprovalPurge: 3, JobFeeReports: 4} {
		n, err := s.RunNow(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, want, n, name)
	}
}
