// Package scheduler runs Plaza's periodic maintenance jobs on cron
// schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/plaza-social/plaza/internal/app/system"
	"github.com/plaza-social/plaza/internal/logging"
	"github.com/plaza-social/plaza/internal/metrics"
)

var _ system.Service = (*Scheduler)(nil)

var ErrUnknownJob = errors.New("unknown job")

// JobFunc performs one run of a job and reports how many items it touched.
type JobFunc func(ctx context.Context, now time.Time) (int, error)

// Job is a named periodic task.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     JobFunc
}

// Scheduler runs registered jobs. A job whose previous run is still in
// progress is skipped.
type Scheduler struct {
	log     *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	jobs    map[string]Job
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// New creates a scheduler. m may be nil.
func New(m *metrics.Metrics, log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.Default()
	}
	return &Scheduler{
		log:     log,
		metrics: m,
		now:     time.Now,
		jobs:    make(map[string]Job),
	}
}

func (s *Scheduler) Name() string { return "scheduler" }

// Add registers a job. The cron schedule is validated immediately.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run func")
	}
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Spec, err)
	}
	if job.Timeout <= 0 {
		job.Timeout = 5 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already started")
	}
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	adapter := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
	)
	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	for name, job := range s.jobs {
		name := name
		if _, err := c.AddFunc(job.Spec, func() { _, _ = s.RunNow(baseCtx, name) }); err != nil {
			cancel()
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.running = true
	s.log.WithContext(ctx).WithField("jobs", len(s.jobs)).Info("scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.cancel
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	stopped := c.Stop()
	cancel()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.WithContext(ctx).Info("scheduler stopped")
	return nil
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()
	runCtx = logging.WithTraceID(runCtx, logging.NewTraceID())

	start := time.Now()
	n, err := job.Run(runCtx, s.now())
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordJob(name, elapsed, err == nil)
	}

	entry := s.log.WithContext(runCtx).WithFields(map[string]interface{}{
		"job":         name,
		"affected":    n,
		"duration_ms": elapsed.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("job failed")
		return n, err
	}
	if n > 0 {
		entry.Info("job finished")
	} else {
		entry.Debug("job finished")
	}
	return n, nil
}

// cronLogger adapts the logrus-backed logger to cron.Logger.
type cronLogger struct {
	log *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(pairs(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(pairs(keysAndValues)).Error("cron: " + msg)
}

func pairs(kv []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
