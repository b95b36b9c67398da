// Package scheduler runs the periodic jobs of the app on cron specs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/services/metrics"
)

// Job is a named task. Run returns how many items it processed.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) (int, error)
}

type Scheduler struct {
	cron   *cron.Cron
	jobs   map[string]Job
	ids    map[string]cron.EntryID
	logger core.Logger
}

// cronLogger adapts core.Logger to cron.Logger.
type cronLogger struct {
	logger core.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("scheduler: "+msg, kvMap(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("scheduler: "+msg, err, kvMap(keysAndValues))
}

func kvMap(kv []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return m
}

// New builds a scheduler; overlapping runs of the same job are skipped and panics are recovered.
func New(logger core.Logger, loc *time.Location, jobs ...Job) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		jobs:   make(map[string]Job, len(jobs)),
		ids:    make(map[string]cron.EntryID, len(jobs)),
		logger: logger,
	}
	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a run func")
	}
	if _, dup := s.jobs[job.Name]; dup {
		return errors.Errorf("scheduler: duplicate job %q", job.Name)
	}
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cronLogger{logger: s.logger})).Then(cron.FuncJob(func() {
		_, _ = s.run(context.Background(), job)
	}))
	id, err := s.cron.AddJob(job.Spec, wrapped)
	if err != nil {
		return errors.Wrapf(err, "scheduling %s (%q)", job.Name, job.Spec)
	}
	s.jobs[job.Name] = job
	s.ids[job.Name] = id
	return nil
}

func (s *Scheduler) run(ctx context.Context, job Job) (int, error) {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	n, err := job.Run(ctx)
	metrics.RecordJobRun(job.Name, time.Since(start), err == nil)
	if err != nil {
		s.logger.Error(fmt.Sprintf("scheduler: job %s failed: %v", job.Name, err), err)
		return n, err
	}
	s.logger.Info(fmt.Sprintf("scheduler: job %s processed %d item(s) in %s", job.Name, n, time.Since(start).Round(time.Millisecond)))
	return n, nil
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	job, ok := s.jobs[name]
	if !ok {
		return 0, errors.Errorf("scheduler: unknown job %q", name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until `ctx` is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for running jobs")
	}
}

// Entries returns job names with their next run time; it is zero until Start.
func (s *Scheduler) Entries() map[string]time.Time {
	next := make(map[string]time.Time, len(s.ids))
	for name, id := range s.ids {
		next[name] = s.cron.Entry(id).Next
	}
	return next
}
