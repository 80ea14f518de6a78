// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package services

import (
	"context"
)

// Runner is a background loop that returns when ctx is canceled.
//
// Satisfied by *recovery.Job, *recovery.Sweeper and *sync.Scheduler.
type Runner interface {
	RunWithContext(ctx context.Context) error
}

// RunnerService wraps a Runner as a supervised service. If the loop returns
// an error before ctx is done, suture restarts it with backoff.
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService wraps runner under name.
func NewRunnerService(runner Runner, name string) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// NewRecoveryJobService wraps the pending-queue recovery job.
func NewRecoveryJobService(job Runner) *RunnerService {
	return NewRunnerService(job, "recovery-job")
}

// NewSweeperService wraps the retention sweeper.
func NewSweeperService(sweeper Runner) *RunnerService {
	return NewRunnerService(sweeper, "pending-sweeper")
}

// NewSchedulerService wraps the periodic account sync scheduler.
func NewSchedulerService(scheduler Runner) *RunnerService {
	return NewRunnerService(scheduler, "sync-scheduler")
}

// Serve implements suture.Service.
func (s *RunnerService) Serve(ctx context.Context) error {
	return s.runner.RunWithContext(ctx)
}

// String implements fmt.Stringer for logging.
// Suture uses this to identify the service in log messages.
func (s *RunnerService) String() string {
	return s.name
}
