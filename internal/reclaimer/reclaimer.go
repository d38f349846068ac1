// Package reclaimer periodically sweeps for jobs and workers left behind
// by crashes: orphaned active-job hashes, workers pointing at jobs that
// already finished, and jobs whose worker has gone silent. All three
// sweeps are idempotent; concurrent runs are safe because every mutation
// goes through the same conditional-remove primitive the claim path uses.
package reclaimer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stakeordie/emp-job-queue-sub012/internal/jobrepo"
	"github.com/stakeordie/emp-job-queue-sub012/internal/progressbus"
	"github.com/stakeordie/emp-job-queue-sub012/internal/store"
	"github.com/stakeordie/emp-job-queue-sub012/internal/workerregistry"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

// Config holds the reclaimer's sweep cadence and timeout thresholds,
// matching §6.6's enumerated defaults.
type Config struct {
	ScanInterval        time.Duration
	HeartbeatTimeout    time.Duration
	ProgressTimeout     time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:     60 * time.Second,
		HeartbeatTimeout: 120 * time.Second,
		ProgressTimeout:  300 * time.Second,
	}
}

// Reclaimer runs the three periodic sweeps (§4.7).
type Reclaimer struct {
	st   store.Store
	jobs *jobrepo.Repository
	wk   *workerregistry.Registry
	bus  *progressbus.Bus
	cfg  Config
	log  *slog.Logger
	now  func() int64
}

// New returns a Reclaimer using cfg's thresholds. bus is used to inspect
// recent progress-stream activity in the no-progress-timeout sweep.
func New(st store.Store, jobs *jobrepo.Repository, wk *workerregistry.Registry, bus *progressbus.Bus, cfg Config) *Reclaimer {
	return &Reclaimer{st: st, jobs: jobs, wk: wk, bus: bus, cfg: cfg, log: slog.Default().With("component", "reclaimer"), now: types.NowMillis}
}

// Run blocks, executing all three sweeps every ScanInterval until ctx is
// cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs all three sweeps a single time; exported so callers
// (tests, manual admin triggers) don't have to wait out a full interval.
func (r *Reclaimer) SweepOnce(ctx context.Context) {
	if err := r.sweepOrphanedActive(ctx); err != nil {
		r.log.Warn("orphaned-active sweep failed", "error", err)
	}
	if err := r.sweepStuckWorkers(ctx); err != nil {
		r.log.Warn("stuck-worker sweep failed", "error", err)
	}
	if err := r.sweepTimeouts(ctx); err != nil {
		r.log.Warn("timeout sweep failed", "error", err)
	}
}

// sweepOrphanedActive implements §4.7.A.
func (r *Reclaimer) sweepOrphanedActive(ctx context.Context) error {
	keys, err := r.st.HKeys(ctx, "jobs:active:*")
	if err != nil {
		return fmt.Errorf("reclaimer: scan active keys: %w", err)
	}
	active, err := r.wk.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("reclaimer: list active workers: %w", err)
	}
	activeSet := make(map[string]bool, len(active))
	for _, id := range active {
		activeSet[id] = true
	}

	for _, key := range keys {
		workerID := strings.TrimPrefix(key, "jobs:active:")
		if activeSet[workerID] {
			continue
		}
		jobIDs, err := r.st.HGetAll(ctx, key)
		if err != nil {
			r.log.Warn("failed to read orphaned active hash", "key", key, "error", err)
			continue
		}
		for jobID := range jobIDs {
			if err := r.jobs.Requeue(ctx, types.JobID(jobID)); err != nil {
				r.log.Warn("failed to requeue orphaned job", "job_id", jobID, "error", err)
			}
		}
		if err := r.st.HDel(ctx, key, keysOf(jobIDs)...); err != nil {
			r.log.Warn("failed to clear orphaned active hash", "key", key, "error", err)
		}
	}
	return nil
}

// sweepStuckWorkers implements §4.7.B.
func (r *Reclaimer) sweepStuckWorkers(ctx context.Context) error {
	active, err := r.wk.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("reclaimer: list active workers: %w", err)
	}
	for _, id := range active {
		w, err := r.wk.Get(ctx, id)
		if err != nil || w.CurrentJobID == "" {
			continue
		}
		j, err := r.jobs.Get(ctx, types.JobID(w.CurrentJobID))
		if err != nil {
			continue
		}
		if j.Status == types.StatusCancelled || j.Status == types.StatusCompleted || j.Status == types.StatusFailed {
			if err := r.wk.ClearCurrentJob(ctx, id, j.Status == types.StatusCompleted); err != nil {
				r.log.Warn("failed to clear stuck worker", "worker_id", id, "error", err)
			}
		}
	}
	return nil
}

// sweepTimeouts implements §4.7.C.
func (r *Reclaimer) sweepTimeouts(ctx context.Context) error {
	inFlight, err := r.jobs.QueryJobs(ctx, jobrepo.QueryFilter{})
	if err != nil {
		return fmt.Errorf("reclaimer: query jobs: %w", err)
	}
	now := r.now()
	deadWorkers := map[string]bool{}
	for _, j := range inFlight {
		if j.Status != types.StatusAssigned && j.Status != types.StatusInProgress {
			continue
		}

		alive, err := r.wk.IsAlive(ctx, j.WorkerID)
		if err == nil && alive && r.cfg.HeartbeatTimeout > 0 {
			if w, werr := r.wk.Get(ctx, j.WorkerID); werr == nil && time.Duration(now-w.LastHeartbeat)*time.Millisecond > r.cfg.HeartbeatTimeout {
				alive = false
			}
		}
		if err != nil || !alive {
			r.release(ctx, j, "Worker heartbeat timeout")
			if j.WorkerID != "" && !deadWorkers[j.WorkerID] {
				deadWorkers[j.WorkerID] = true
				if err := r.wk.SetStatus(ctx, j.WorkerID, types.WorkerReclaimed); err != nil {
					r.log.Warn("failed to mark worker reclaimed", "worker_id", j.WorkerID, "error", err)
				}
			}
			continue
		}

		if j.StartedAt == 0 {
			continue
		}
		if time.Duration(now-j.StartedAt)*time.Millisecond <= r.cfg.ProgressTimeout {
			continue
		}
		history, err := r.bus.History(ctx, j.ID)
		if err != nil || len(history) == 0 {
			r.release(ctx, j, "No progress timeout")
			continue
		}
		last := history[len(history)-1]
		if time.Duration(now-last.UpdatedAt)*time.Millisecond > r.cfg.ProgressTimeout {
			r.release(ctx, j, "No progress timeout")
		}
	}
	return nil
}

func (r *Reclaimer) release(ctx context.Context, j *types.Job, reason string) {
	if _, err := r.jobs.Fail(ctx, j.ID, j.WorkerID, fmt.Errorf("%s", reason), true); err != nil {
		r.log.Warn("failed to release timed-out job", "job_id", j.ID, "error", err)
	}
}

func keysOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
