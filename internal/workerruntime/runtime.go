// Package workerruntime implements the worker-side poll/dispatch loop
// (§4.8): poll the broker at a configurable interval while idle, dispatch
// claimed jobs to a connector, stream progress, and transition to a
// terminal state. Concurrency and graceful shutdown follow the teacher's
// worker-pool shape (ticker-driven poll loop, WaitGroup-tracked handlers,
// a stop channel) adapted to pull from the Broker instead of a push
// channel.
package workerruntime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/stakeordie/emp-job-queue-sub012/internal/broker"
	"github.com/stakeordie/emp-job-queue-sub012/internal/connector"
	"github.com/stakeordie/emp-job-queue-sub012/internal/jobrepo"
	"github.com/stakeordie/emp-job-queue-sub012/internal/workerregistry"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

// Config holds per-worker tunables, matching §6.6's worker defaults.
type Config struct {
	PollInterval      time.Duration
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      time.Second,
		MaxConcurrentJobs: 1,
		JobTimeout:        30 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Runtime drives one worker's poll → claim → dispatch → complete/fail
// cycle.
type Runtime struct {
	workerID string
	cfg      Config

	b    *broker.Broker
	jobs *jobrepo.Repository
	wk   *workerregistry.Registry
	conn *connector.Manager

	sem    chan struct{}
	wg     sync.WaitGroup
	stopCh chan struct{}
	log    *slog.Logger

	mu        sync.Mutex
	cancelAll context.CancelFunc
}

// New returns a Runtime for workerID. It does not start polling until Run
// is called.
func New(workerID string, cfg Config, b *broker.Broker, jobs *jobrepo.Repository, wk *workerregistry.Registry, conn *connector.Manager) *Runtime {
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	return &Runtime{
		workerID: workerID,
		cfg:      cfg,
		b:        b,
		jobs:     jobs,
		wk:       wk,
		conn:     conn,
		sem:      make(chan struct{}, cfg.MaxConcurrentJobs),
		stopCh:   make(chan struct{}),
		log:      slog.Default().With("component", "workerruntime", "worker_id", workerID),
	}
}

// Run blocks, polling at cfg.PollInterval and dispatching claimed jobs to
// handler goroutines, until ctx is cancelled or Stop is called.
func (r *Runtime) Run(ctx context.Context) {
	handlerCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancelAll = cancel
	r.mu.Unlock()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case <-r.stopCh:
			r.shutdown()
			return
		case <-heartbeat.C:
			if err := r.wk.Heartbeat(ctx, r.workerID); err != nil {
				r.log.Warn("heartbeat failed", "error", err)
			}
		case <-ticker.C:
			r.pollOnce(ctx, handlerCtx)
		}
	}
}

// Stop signals Run to exit and cancel in-flight handlers, each failing its
// job with canRetry=true so another worker can pick it up.
func (r *Runtime) Stop() { close(r.stopCh) }

func (r *Runtime) shutdown() {
	r.mu.Lock()
	if r.cancelAll != nil {
		r.cancelAll()
	}
	r.mu.Unlock()
	r.wg.Wait()
	_ = r.wk.Deregister(context.Background(), r.workerID)
}

// pollOnce attempts to acquire a concurrency slot and claim exactly one
// job; if either fails it simply waits for the next tick.
func (r *Runtime) pollOnce(ctx, handlerCtx context.Context) {
	select {
	case r.sem <- struct{}{}:
	default:
		return
	}

	j, err := r.b.Claim(ctx, r.workerID)
	if err != nil {
		<-r.sem
		if !errors.Is(err, broker.ErrNoEligibleJob) {
			r.log.Warn("claim failed", "error", err)
		}
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		r.handle(handlerCtx, j)
	}()
}

// handle runs one claimed job to completion: transition to in_progress,
// dispatch to its connector with the per-job timeout, then Complete or
// Fail. parent is cancelled on shutdown, failing the job retryably so
// another worker can pick it up.
func (r *Runtime) handle(parent context.Context, j *types.Job) {
	ctx, cancel := context.WithTimeout(parent, r.cfg.JobTimeout)
	defer cancel()

	if _, err := r.jobs.StartProcessing(ctx, j.ID); err != nil {
		r.log.Warn("failed to start processing", "job_id", j.ID, "error", err)
	}

	progress := func(pct int, status, msg string, step, total int) {
		err := r.jobs.Progress(ctx, j.ID, pct, msg, step, total)
		if errors.Is(err, jobrepo.ErrAlreadyTerminal) {
			// The job was cancelled or reclaimed out from under us; abandon
			// the connector call.
			cancel()
			return
		}
		if err != nil {
			r.log.Warn("failed to record progress", "job_id", j.ID, "error", err)
		}
	}

	req := connector.Request{JobID: string(j.ID), ServiceType: j.ServiceRequired, Payload: j.Payload}
	result, err := r.conn.Dispatch(ctx, req, progress)

	succeeded := err == nil
	if err != nil {
		canRetry := true
		var cerr *connector.ConnectorError
		if errors.As(err, &cerr) {
			canRetry = cerr.Retryable
		}
		if _, failErr := r.jobs.Fail(context.Background(), j.ID, r.workerID, err, canRetry); failErr != nil {
			r.log.Warn("failed to record job failure", "job_id", j.ID, "error", failErr)
		}
	} else {
		if _, compErr := r.jobs.Complete(context.Background(), j.ID, result.Data); compErr != nil && !errors.Is(compErr, jobrepo.ErrAlreadyTerminal) {
			r.log.Warn("failed to record job completion", "job_id", j.ID, "error", compErr)
		}
	}

	if err := r.wk.ClearCurrentJob(context.Background(), r.workerID, succeeded); err != nil {
		r.log.Warn("failed to clear current job", "worker_id", r.workerID, "error", err)
	}
}

// Wait blocks until all in-flight handlers have returned. Intended to be
// called after Stop/context cancellation during shutdown.
func (r *Runtime) Wait() { r.wg.Wait() }
