// Package scheduler is the Drip Scheduler / Worker: a single-flight
// consumer that dequeues one job per drip interval, invokes the
// downstream client, writes the result, updates batch progress,
// dispatches the callback, and retries job-level failures with
// exponential backoff.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/dripgate/dripgate/internal/downstream"
	"github.com/dripgate/dripgate/internal/job"
	"github.com/dripgate/dripgate/internal/registry"
	"github.com/dripgate/dripgate/internal/shaping"
	"github.com/dripgate/dripgate/internal/webhook"
)

// Downstream is the subset of the downstream client the scheduler
// needs, so tests can substitute a fake.
type Downstream interface {
	Invoke(ctx context.Context, req downstream.Request) ([]byte, error)
}

const (
	claimPollTimeout   = 5 * time.Second
	leaseRenewFraction = 2 // renew at half the lease interval
	jobRetryBase       = 5 * time.Second
)

// Scheduler drains the job store at one job per drip interval.
type Scheduler struct {
	store      job.Store
	registry   *registry.Registry
	downstream Downstream
	dispatcher *webhook.Dispatcher

	limiter       *rate.Limiter
	leaseDuration time.Duration
	gracePeriod   time.Duration
}

// Config configures a Scheduler.
type Config struct {
	DripInterval  time.Duration
	LeaseDuration time.Duration
	GracePeriod   time.Duration
}

// New returns a Scheduler. The limiter is a capacity-1 token bucket
// refilled once per DripInterval — the canonical implementation of the
// "start no sooner than D after the previous start, and no sooner than
// the previous finish" gate.
func New(store job.Store, reg *registry.Registry, downstream Downstream, dispatcher *webhook.Dispatcher, cfg Config) *Scheduler {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	return &Scheduler{
		store:         store,
		registry:      reg,
		downstream:    downstream,
		dispatcher:    dispatcher,
		limiter:       rate.NewLimiter(rate.Every(cfg.DripInterval), 1),
		leaseDuration: cfg.LeaseDuration,
		gracePeriod:   cfg.GracePeriod,
	}
}

// Run is the scheduler's cooperative loop: wait for the drip token,
// claim a job, process it to completion, release, repeat. It returns
// when ctx is cancelled, after finishing any in-flight job within the
// configured grace period.
func (s *Scheduler) Run(ctx context.Context) error {
	stopBackground := s.startBackgroundLoops(ctx)
	defer stopBackground()

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}

		j, err := s.store.ClaimNext(ctx, claimPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("scheduler: claim failed", "error", err)
			continue
		}
		if j == nil {
			continue
		}

		// The job runs on a context that outlives ctx by at most the grace
		// period, so a shutdown lets the in-flight job finish.
		jobCtx, jobCancel := context.WithCancel(context.WithoutCancel(ctx))
		stopGrace := context.AfterFunc(ctx, func() { time.AfterFunc(s.gracePeriod, jobCancel) })
		s.processJob(jobCtx, j)
		stopGrace()
		jobCancel()

		if ctx.Err() != nil {
			return nil
		}
	}
}

// startBackgroundLoops launches the periodic lease-recovery and
// delayed-retry-promotion goroutines and returns a function to stop
// them, matching the teacher's pattern of deriving a child context for
// ancillary goroutines off main's.
func (s *Scheduler) startBackgroundLoops(ctx context.Context) func() {
	bgCtx, cancel := context.WithCancel(ctx)
	go s.promoteLoop(bgCtx)
	go s.recoverLoop(bgCtx)
	return cancel
}

func (s *Scheduler) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.PromoteDueDelayed(ctx)
			if err != nil {
				slog.Error("scheduler: promote delayed failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("scheduler: promoted delayed jobs", "count", n)
			}
		}
	}
}

func (s *Scheduler) recoverLoop(ctx context.Context) {
	interval := s.leaseDuration / leaseRenewFraction
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.RecoverExpiredLeases(ctx)
			if err != nil {
				slog.Error("scheduler: recover leases failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("scheduler: recovered stalled leases", "count", n)
			}
			if err := s.store.Sweep(ctx); err != nil {
				slog.Error("scheduler: sweep failed", "error", err)
			}
		}
	}
}

// processJob runs steps 2-7 of the processing sequence for one claimed
// job: registry lookup, validation, invocation, result write, batch
// accounting, callback dispatch, and job-level retry on failure.
func (s *Scheduler) processJob(ctx context.Context, j *job.Job) {
	renewDone := s.renewLeaseWhileRunning(ctx, j.ID)
	defer close(renewDone)

	entry, ok := s.registry.Lookup(j.Tool)
	if !ok {
		j.AttemptsMade++
		s.terminalFailure(ctx, j, &shaping.ValidationError{Tool: j.Tool, Message: "unknown tool"})
		return
	}

	var params map[string]any
	if len(j.Params) > 0 {
		if err := json.Unmarshal(j.Params, &params); err != nil {
			j.AttemptsMade++
			s.terminalFailure(ctx, j, &shaping.ValidationError{Tool: j.Tool, Message: "params is not a JSON object"})
			return
		}
	}
	if v := s.registry.Validate(j.Tool, params); !v.OK {
		j.AttemptsMade++
		s.terminalFailure(ctx, j, &shaping.ValidationError{
			Tool:    j.Tool,
			Field:   fmt.Sprint(v.Missing),
			Message: "missing required parameters",
		})
		return
	}

	data, err := s.downstream.Invoke(ctx, downstream.Request{
		Method:       entry.Method,
		EndpointPath: entry.EndpointPath,
		Body:         j.Params,
	})
	if err != nil {
		s.handleFailure(ctx, j, err)
		return
	}

	s.succeed(ctx, j, data)
}

// renewLeaseWhileRunning starts a goroutine that renews j's lease at
// half the lease interval until the returned channel is closed.
func (s *Scheduler) renewLeaseWhileRunning(ctx context.Context, jobID string) chan struct{} {
	done := make(chan struct{})
	interval := s.leaseDuration / leaseRenewFraction
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.store.RenewLease(ctx, jobID); err != nil {
					slog.Warn("scheduler: lease renewal failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return done
}

func (s *Scheduler) succeed(ctx context.Context, j *job.Job, data []byte) {
	now := time.Now().UTC()
	j.FinishedAt = &now
	j.Status = job.StatusCompleted

	batchID := ptrOrEmpty(j.BatchID)
	if err := s.store.WriteResult(ctx, &job.ResultRecord{
		JobID:      j.ID,
		RowID:      j.RowID,
		Tool:       j.Tool,
		BatchID:    j.BatchID,
		Status:     job.StatusCompleted,
		Data:       json.RawMessage(data),
		FinishedAt: now,
	}); err != nil {
		slog.Error("scheduler: write result failed", "job_id", j.ID, "error", err)
	}

	if j.BatchID != "" {
		if _, err := s.store.IncrementCompleted(ctx, j.BatchID); err != nil {
			slog.Error("scheduler: increment completed failed", "batch_id", j.BatchID, "error", err)
		}
	}

	s.dispatchCallback(ctx, j, webhook.Payload{
		JobID:       j.ID,
		RowID:       j.RowID,
		BatchID:     batchID,
		Tool:        j.Tool,
		Status:      "completed",
		ProcessedAt: now,
		Data:        json.RawMessage(data),
	})
}

// handleFailure applies job-level retry for retryable error kinds and
// falls through to terminalFailure once max_attempts is reached or the
// error is non-retryable by kind.
func (s *Scheduler) handleFailure(ctx context.Context, j *job.Job, err error) {
	j.AttemptsMade++

	if shaping.Terminal(err) || j.AttemptsMade >= j.MaxAttempts {
		s.terminalFailure(ctx, j, err)
		return
	}

	delay := jobRetryBase * (1 << (j.AttemptsMade - 1))
	slog.Warn("scheduler: job-level retry scheduled", "job_id", j.ID, "attempt", j.AttemptsMade, "delay", delay, "error", err)
	if rerr := s.store.Requeue(ctx, j, delay); rerr != nil {
		slog.Error("scheduler: requeue failed", "job_id", j.ID, "error", rerr)
	}
}

func (s *Scheduler) terminalFailure(ctx context.Context, j *job.Job, err error) {
	now := time.Now().UTC()
	j.FinishedAt = &now
	j.Status = job.StatusFailed

	batchID := ptrOrEmpty(j.BatchID)
	if werr := s.store.WriteResult(ctx, &job.ResultRecord{
		JobID:      j.ID,
		RowID:      j.RowID,
		Tool:       j.Tool,
		BatchID:    j.BatchID,
		Status:     job.StatusFailed,
		Error:      err.Error(),
		FinishedAt: now,
	}); werr != nil {
		slog.Error("scheduler: write result failed", "job_id", j.ID, "error", werr)
	}

	if j.BatchID != "" {
		if _, ferr := s.store.IncrementFailed(ctx, j.BatchID); ferr != nil {
			slog.Error("scheduler: increment failed failed", "batch_id", j.BatchID, "error", ferr)
		}
	}

	s.dispatchCallback(ctx, j, webhook.Payload{
		JobID:       j.ID,
		RowID:       j.RowID,
		BatchID:     batchID,
		Tool:        j.Tool,
		Status:      "failed",
		ProcessedAt: now,
		Error:       err.Error(),
		Attempts:    j.AttemptsMade,
	})
}

// dispatchCallback hands off the payload to the Callback Dispatcher.
// Its outcome is logged but never feeds back into the job's status —
// a result record is always written before this runs.
func (s *Scheduler) dispatchCallback(ctx context.Context, j *job.Job, payload webhook.Payload) {
	outcome := s.dispatcher.Dispatch(ctx, j.CallbackURL, payload)
	if outcome.Skipped {
		return
	}
	if !outcome.Success {
		cbErr := &shaping.CallbackDeliveryError{URL: j.CallbackURL, Attempts: outcome.Attempts, Cause: outcome.Err}
		slog.Warn("scheduler: callback delivery failed", "job_id", j.ID, "error", cbErr)
	}
}

func ptrOrEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
