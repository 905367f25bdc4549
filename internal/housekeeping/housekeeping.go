/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package housekeeping runs periodic maintenance jobs on a cron schedule.
package housekeeping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/airwave/internal/db"
	"github.com/friendsincode/airwave/internal/logging"
	"github.com/friendsincode/airwave/internal/telemetry"
)

// JobFunc is one maintenance task.
type JobFunc func(ctx context.Context) error

type job struct {
	name string
	spec string
	run  JobFunc
}

// Runner schedules maintenance jobs. Jobs never overlap with themselves.
type Runner struct {
	logger  zerolog.Logger
	timeout time.Duration
	parser  cron.Parser

	mu   sync.Mutex
	jobs map[string]job
	c    *cron.Cron
}

// New creates a runner. timeout bounds a single job run.
func New(timeout time.Duration, logger zerolog.Logger) *Runner {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Runner{
		logger:  logging.Component(logger, "housekeeping"),
		timeout: timeout,
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:    make(map[string]job),
	}
}

// Add registers a job under a cron spec ("@hourly", "*/5 * * * *", "@every 30s").
func (r *Runner) Add(name, spec string, fn JobFunc) error {
	if _, err := r.parser.Parse(spec); err != nil {
		return fmt.Errorf("housekeeping job %s: invalid schedule %q: %w", name, spec, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return fmt.Errorf("housekeeping job %s: runner already started", name)
	}
	r.jobs[name] = job{name: name, spec: spec, run: fn}
	return nil
}

// Start schedules every registered job until ctx ends or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}

	c := cron.New(cron.WithParser(r.parser), cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	for _, j := range r.jobs {
		j := j
		if _, err := c.AddFunc(j.spec, func() { _ = r.execute(ctx, j) }); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	r.c = c
	c.Start()
	r.logger.Info().Int("jobs", len(r.jobs)).Msg("housekeeping started")

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info().Msg("housekeeping stopped")
}

// RunNow executes a registered job immediately.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown housekeeping job %q", name)
	}
	return r.execute(ctx, j)
}

func (r *Runner) execute(ctx context.Context, j job) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := j.run(ctx)
	if err != nil {
		telemetry.HousekeepingRunsTotal.WithLabelValues(j.name, "error").Inc()
		r.logger.Warn().Err(err).Str("job", j.name).Dur("took", time.Since(start)).Msg("housekeeping job failed")
		return err
	}
	telemetry.HousekeepingRunsTotal.WithLabelValues(j.name, "ok").Inc()
	r.logger.Debug().Str("job", j.name).Dur("took", time.Since(start)).Msg("housekeeping job finished")
	return nil
}

// LogPruner is the store surface PruneWebhookLogs needs.
type LogPruner interface {
	PruneWebhookLogs(ctx context.Context, cutoff time.Time) (int64, error)
}

// PruneWebhookLogs deletes webhook delivery logs older than retention.
func PruneWebhookLogs(st LogPruner, retention time.Duration, logger zerolog.Logger) JobFunc {
	return func(ctx context.Context) error {
		n, err := st.PruneWebhookLogs(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info().Int64("deleted", n).Msg("pruned webhook delivery logs")
		}
		return nil
	}
}

// ConnectionMetrics refreshes the database pool gauges.
func ConnectionMetrics(database *gorm.DB) JobFunc {
	return func(context.Context) error {
		db.UpdateConnectionMetrics(database)
		return nil
	}
}
