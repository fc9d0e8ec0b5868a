// Package scheduler drives the billing sweeps on wall-clock cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/uppalcrm/billing/internal/billing"
	"github.com/uppalcrm/billing/internal/clock"
	"github.com/uppalcrm/billing/internal/config"
	"github.com/uppalcrm/billing/internal/observability/metrics"
	orgdomain "github.com/uppalcrm/billing/internal/organization/domain"
	subdomain "github.com/uppalcrm/billing/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrUnknownJob = errors.New("unknown_job")

const defaultJobTimeout = 10 * time.Minute

// Config controls which jobs run and where their clock lives. Schedules are
// wall-clock in the configured timezone, so the 2 AM sweep tracks DST the
// way the operators expect.
type Config struct {
	Timezone    string
	EnabledJobs []string
	JobTimeout  time.Duration
}

type jobSpec struct {
	name     string
	schedule string
	run      func(ctx context.Context) error
}

// JobStatus is the operator-facing view of one scheduled job.
type JobStatus struct {
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	Enabled  bool       `json:"enabled"`
	Prev     *time.Time `json:"prev,omitempty"`
	Next     *time.Time `json:"next,omitempty"`
}

// Scheduler owns the cron runner and the job table. Jobs run with a timeout
// context and never overlap themselves.
type Scheduler struct {
	cron   *cron.Cron
	log    *zap.Logger
	cfg    Config
	db     *gorm.DB
	clock  clock.Clock
	genID  *snowflake.Node
	policy *config.BillingPolicyHolder
	engine *billing.Engine
	subs   subdomain.Repository
	orgs   orgdomain.Repository

	mu      sync.Mutex
	jobs    map[string]jobSpec
	entries map[string]cron.EntryID
	started bool
}

func New(
	appCfg config.Config,
	log *zap.Logger,
	db *gorm.DB,
	clk clock.Clock,
	genID *snowflake.Node,
	policy *config.BillingPolicyHolder,
	engine *billing.Engine,
	subs subdomain.Repository,
	orgs orgdomain.Repository,
) (*Scheduler, error) {
	cfg := Config{
		Timezone:    appCfg.Timezone,
		EnabledJobs: appCfg.SchedulerEnabledJobs,
		JobTimeout:  defaultJobTimeout,
	}
	return NewWithConfig(cfg, log, db, clk, genID, policy, engine, subs, orgs)
}

func NewWithConfig(
	cfg Config,
	log *zap.Logger,
	db *gorm.DB,
	clk clock.Clock,
	genID *snowflake.Node,
	policy *config.BillingPolicyHolder,
	engine *billing.Engine,
	subs subdomain.Repository,
	orgs orgdomain.Repository,
) (*Scheduler, error) {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone %q: %w", cfg.Timezone, err)
	}

	s := &Scheduler{
		log:     log.Named("scheduler"),
		cfg:     cfg,
		db:      db,
		clock:   clk,
		genID:   genID,
		policy:  policy,
		engine:  engine,
		subs:    subs,
		orgs:    orgs,
		jobs:    make(map[string]jobSpec),
		entries: make(map[string]cron.EntryID),
	}

	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithChain(
			cron.Recover(cron.VerbosePrintfLogger(zap.NewStdLog(s.log))),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		),
	)

	for _, spec := range s.jobTable() {
		s.jobs[spec.name] = spec
		if !s.jobEnabled(spec.name) {
			continue
		}
		id, err := s.cron.AddFunc(spec.schedule, s.wrap(spec))
		if err != nil {
			return nil, fmt.Errorf("failed to schedule %s: %w", spec.name, err)
		}
		s.entries[spec.name] = id
	}

	return s, nil
}

// jobTable is the full schedule. Invoicing and renewals are deliberately
// separate from the nightly composite run: the composite catches anything a
// standalone sweep missed, and the standalone sweeps keep their own cadence.
func (s *Scheduler) jobTable() []jobSpec {
	return []jobSpec{
		{
			name:     "dailyBilling",
			schedule: "0 2 * * *",
			run: func(ctx context.Context) error {
				_, err := s.engine.RunBillingAutomation(ctx)
				return err
			},
		},
		{
			name:     "trialNotifications",
			schedule: "0 10 * * *",
			run: func(ctx context.Context) error {
				_, err := s.engine.SendTrialExpirationNotifications(ctx)
				return err
			},
		},
		{
			name:     "monthlyInvoicing",
			schedule: "0 1 1 * *",
			run: func(ctx context.Context) error {
				_, err := s.engine.GenerateMonthlyInvoices(ctx)
				return err
			},
		},
		{
			name:     "gracePeriodCleanup",
			schedule: "0 3 * * *",
			run: func(ctx context.Context) error {
				_, err := s.engine.ProcessExpiredGracePeriods(ctx)
				return err
			},
		},
		{
			name:     "autoRenewals",
			schedule: "0 9-18 * * *",
			run: func(ctx context.Context) error {
				_, _, err := s.engine.ProcessAutomaticRenewals(ctx)
				return err
			},
		},
		{
			name:     "trialArchival",
			schedule: "0 4 * * *",
			run: func(ctx context.Context) error {
				_, err := s.ArchiveFinishedTrials(ctx)
				return err
			},
		},
		{
			name:     "healthCheck",
			schedule: "*/30 * * * *",
			run:      s.RunHealthCheck,
		},
	}
}

func (s *Scheduler) jobEnabled(name string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if enabled == name {
			return true
		}
	}
	return false
}

func (s *Scheduler) wrap(spec jobSpec) func() {
	return func() {
		if err := s.execute(context.Background(), spec); err != nil {
			s.log.Error("scheduled job failed",
				zap.String("job", spec.name),
				zap.Error(err),
			)
		}
	}
}

func (s *Scheduler) execute(parent context.Context, spec jobSpec) error {
	m := metrics.Scheduler()
	m.IncJobRun(spec.name)

	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := spec.run(ctx)
	elapsed := time.Since(start)
	m.ObserveJobDuration(spec.name, elapsed)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			m.IncJobTimeout(spec.name)
		}
		m.IncJobError(spec.name, err)
		return err
	}

	s.log.Info("scheduled job finished",
		zap.String("job", spec.name),
		zap.Duration("duration", elapsed),
	)
	return nil
}

// RunJob triggers one job by name outside its schedule, for operator
// tooling and tests.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	s.mu.Lock()
	spec, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, spec)
}

// Status reports every known job with its schedule and, when running, its
// previous and next fire times.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for name, spec := range s.jobs {
		status := JobStatus{
			Name:     name,
			Schedule: spec.schedule,
		}
		if id, ok := s.entries[name]; ok {
			status.Enabled = true
			if s.started {
				entry := s.cron.Entry(id)
				if !entry.Prev.IsZero() {
					prev := entry.Prev
					status.Prev = &prev
				}
				if !entry.Next.IsZero() {
					next := entry.Next
					status.Next = &next
				}
			}
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
	s.log.Info("scheduler started",
		zap.String("timezone", s.cfg.Timezone),
		zap.Int("jobs", len(s.entries)),
	)
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
