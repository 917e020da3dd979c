// Package scheduler runs the treasury maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/treasury_layer/internal/logging"
	"github.com/R3E-Network/treasury_layer/internal/metrics"
)

// Job names.
const (
	JobExpireStale      = "expire-stale"
	JobReconcilePayouts = "reconcile-payouts"
	JobRefreshBalances  = "refresh-balances"
)

// JobFunc performs one run and reports how many records it touched.
type JobFunc func(ctx context.Context) (int, error)

// Job is a named unit of scheduled work.
type Job struct {
	Name     string
	Schedule string
	Run      JobFunc
}

// Sweeper is the part of the multisig engine the scheduler drives.
type Sweeper interface {
	ExpireStale(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) (int, error)
}

// BalanceRefresher refreshes every wallet's cached balances.
type BalanceRefresher interface {
	RefreshAll(ctx context.Context) (int, error)
}

// Schedules holds the cron expressions of the treasury jobs. An empty
// expression disables the job.
type Schedules struct {
	Sweep          string
	Reconcile      string
	BalanceRefresh string
}

// TreasuryJobs builds the standard job set.
func TreasuryJobs(s Schedules, engine Sweeper, wallets BalanceRefresher) []Job {
	var jobs []Job
	if s.Sweep != "" {
		jobs = append(jobs, Job{Name: JobExpireStale, Schedule: s.Sweep, Run: engine.ExpireStale})
	}
	if s.Reconcile != "" {
		jobs = append(jobs, Job{Name: JobReconcilePayouts, Schedule: s.Reconcile, Run: engine.Reconcile})
	}
	if s.BalanceRefresh != "" && wallets != nil {
		jobs = append(jobs, Job{Name: JobRefreshBalances, Schedule: s.BalanceRefresh, Run: wallets.RefreshAll})
	}
	return jobs
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler owns a cron instance. Overlapping runs of the same job are
// skipped.
type Scheduler struct {
	cron    *cron.Cron
	log     *logging.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]Job
}

// New creates a scheduler. Each run gets its own context bounded by timeout.
func New(log *logging.Logger, m *metrics.Metrics, timeout time.Duration) *Scheduler {
	if log == nil {
		log = logging.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cl := cronLogger{entry: log.WithField("component", "scheduler")}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		log:     log,
		metrics: m,
		timeout: timeout,
		jobs:    make(map[string]Job),
	}
}

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if _, err := parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	var running sync.Mutex
	if _, err := s.cron.AddFunc(job.Schedule, func() {
		if !running.TryLock() {
			s.log.WithField("job", job.Name).Debug("Previous run still in progress, skipping")
			return
		}
		defer running.Unlock()
		_, _ = s.run(context.Background(), job)
	}); err != nil {
		return fmt.Errorf("schedule job %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// RunNow runs a registered job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown job %s", name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ctx = logging.WithTraceID(ctx, logging.NewTraceID())

	start := time.Now()
	n, err := job.Run(ctx)
	elapsed := time.Since(start)
	s.metrics.JobRun(job.Name, elapsed, err)

	entry := s.log.WithContext(ctx).WithFields(logrus.Fields{
		"job":         job.Name,
		"processed":   n,
		"duration_ms": elapsed.Milliseconds(),
	})
	switch {
	case err != nil:
		entry.WithError(err).Error("Scheduled job failed")
	case n > 0:
		entry.Info("Scheduled job completed")
	default:
		entry.Debug("Scheduled job completed")
	}
	return n, err
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("jobs", s.Jobs()).Info("Scheduler started")
}

// Stop prevents new runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// cronLogger routes cron's internal logging through logrus.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(pairs(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithError(err).WithFields(pairs(keysAndValues)).Error(msg)
}

func pairs(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
