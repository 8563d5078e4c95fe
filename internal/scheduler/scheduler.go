// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package scheduler drives job assignment and settlement: it walks the
// pending queue against idle workers, applies settle outcomes with the
// configured refund policy, and sweeps for jobs stalled behind an offline
// worker.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/campusgrid/exchange/internal/domain"
	"github.com/campusgrid/exchange/pkg/logging"
	"github.com/campusgrid/exchange/pkg/metrics"
	"github.com/campusgrid/exchange/pkg/retry"
)

// Store is the subset of internal/store.Store the scheduler depends on.
type Store interface {
	AssignNextJob(ctx context.Context, workerID string, workerSpecs domain.ResourceSpec) (*domain.Job, error)
	SettleJob(ctx context.Context, jobID string, outcome domain.JobStatus, result domain.Result, opts SettleOptions) (domain.Job, error)
	ReapStalledJobs(ctx context.Context, nowTime time.Time, grace time.Duration, opts SettleOptions) ([]domain.Job, error)
}

// SettleOptions mirrors internal/store.SettleOptions, kept as its own type
// so this package does not import internal/store directly for wiring.
type SettleOptions struct {
	TimeoutRefundFraction float64
	RefundOnFailed        bool
}

// Notifier is told about assignment and settlement outcomes so the worker's
// registry entry can be marked busy, or idle again.
type Notifier interface {
	MarkAssigned(workerID, jobID string)
	MarkSettled(workerID string)
}

// Scheduler drives pending-queue assignment, settlement, and stall recovery.
type Scheduler struct {
	store    Store
	notifier Notifier
	logger   logging.Logger
	metrics  metrics.Collector

	settleOpts    SettleOptions
	reaperGrace   time.Duration
	reaperPeriod  time.Duration

	mu       sync.Mutex
	pending  map[string]time.Time // workerID -> time a reap check was scheduled

	startedAt map[string]time.Time // jobID -> assignment time, for the run-duration metric; no started_at+2x-timeout sweep reads it
	startedMu sync.Mutex
}

// New builds a Scheduler. logger and collector may be nil, in which case a
// no-op implementation is used.
func New(store Store, notifier Notifier, logger logging.Logger, collector metrics.Collector, settleOpts SettleOptions, reaperGrace, reaperPeriod time.Duration) *Scheduler {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Scheduler{
		store:        store,
		notifier:     notifier,
		logger:       logger,
		metrics:      collector,
		settleOpts:   settleOpts,
		reaperGrace:  reaperGrace,
		reaperPeriod: reaperPeriod,
		pending:      make(map[string]time.Time),
		startedAt:    make(map[string]time.Time),
	}
}

// SetNotifier rebinds the notifier after construction, for the common
// coordinator wiring where the registry (itself a Notifier) needs this
// Scheduler as its Reaper before either can be fully built.
func (s *Scheduler) SetNotifier(notifier Notifier) {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	s.mu.Lock()
	s.notifier = notifier
	s.mu.Unlock()
}

type noopNotifier struct{}

func (noopNotifier) MarkAssigned(workerID, jobID string) {}
func (noopNotifier) MarkSettled(workerID string)          {}

// backoff used for contended assignment transactions (SQLITE_BUSY under
// concurrent AssignNextJob calls against the single-writer connection).
func assignBackoff() *retry.ExponentialBackoff {
	return &retry.ExponentialBackoff{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  5,
	}
}

// TryAssign attempts to hand the next matching pending job to workerID. It
// returns nil, nil if no job currently matches.
func (s *Scheduler) TryAssign(ctx context.Context, workerID string, specs domain.ResourceSpec) (*domain.Job, error) {
	job, err := retry.RetryWithResult(ctx, assignBackoff(), func() (*domain.Job, error) {
		return s.store.AssignNextJob(ctx, workerID, specs)
	})
	if err != nil {
		logging.LogError(s.logger, err, "scheduler.assign", "worker_id", workerID)
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	s.startedMu.Lock()
	s.startedAt[job.ID] = time.Now()
	s.startedMu.Unlock()

	s.notifier.MarkAssigned(workerID, job.ID)
	s.metrics.RecordAssigned(time.Since(job.SubmittedAt))
	logging.LogOperation(s.logger, "scheduler.assign", "worker_id", workerID, "job_id", job.ID).Info("job assigned")
	return job, nil
}

// Settle applies a worker-reported outcome to jobID and releases the worker
// back to idle.
func (s *Scheduler) Settle(ctx context.Context, workerID, jobID string, outcome domain.JobStatus, result domain.Result) (domain.Job, error) {
	job, err := s.store.SettleJob(ctx, jobID, outcome, result, SettleOptions(s.settleOpts))
	if err != nil {
		logging.LogError(s.logger, err, "scheduler.settle", "job_id", jobID)
		return domain.Job{}, err
	}

	s.startedMu.Lock()
	started, ok := s.startedAt[jobID]
	delete(s.startedAt, jobID)
	s.startedMu.Unlock()

	s.notifier.MarkSettled(workerID)
	ran := time.Duration(0)
	if ok {
		ran = time.Since(started)
	}
	s.metrics.RecordSettled(string(outcome), ran)
	logging.LogOperation(s.logger, "scheduler.settle", "job_id", jobID, "outcome", string(outcome)).Info("job settled")
	return job, nil
}

// ScheduleReapCheck implements registry.Reaper: it records that workerID's
// assigned job should be checked for stalling after `after`, deduplicating
// repeated detach/reconnect churn for the same worker.
func (s *Scheduler) ScheduleReapCheck(workerID string, after time.Duration) {
	s.mu.Lock()
	s.pending[workerID] = time.Now().Add(after)
	s.mu.Unlock()

	go func() {
		timer := time.NewTimer(after)
		defer timer.Stop()
		<-timer.C
		s.mu.Lock()
		delete(s.pending, workerID)
		s.mu.Unlock()
		// The actual reap decision is made by the periodic sweep below
		// (ReapStalledJobs re-checks worker.offline_since against grace),
		// so the timer here only bounds how long a stale entry lingers in
		// s.pending; nothing else reads s.pending.
	}()
}

// RunReaper runs the periodic stall sweep until ctx is cancelled.
func (s *Scheduler) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(s.reaperPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	reaped, err := s.store.ReapStalledJobs(ctx, time.Now(), s.reaperGrace, SettleOptions(s.settleOpts))
	if err != nil {
		logging.LogError(s.logger, err, "scheduler.reap")
		return
	}
	for _, j := range reaped {
		if j.AssignedWorker != "" {
			s.notifier.MarkSettled(j.AssignedWorker)
		}
		s.metrics.RecordSettled(string(j.Status), j.FinishedAt.Sub(j.StartedAt))
		logging.LogOperation(s.logger, "scheduler.reap", "job_id", j.ID, "outcome", string(j.Status)).Warn("job reaped as stalled")
	}
}
