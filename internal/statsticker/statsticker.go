// Package statsticker periodically composes an aggregate queue/worker
// snapshot and broadcasts it to monitors only (§4.11). It reads directly
// from the store on every tick; no caching.
package statsticker

import (
	"context"
	"log/slog"
	"time"

	"github.com/stakeordie/emp-job-queue-sub012/internal/broadcaster"
	"github.com/stakeordie/emp-job-queue-sub012/internal/jobrepo"
	"github.com/stakeordie/emp-job-queue-sub012/internal/workerregistry"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

// DefaultInterval matches §6.6's stats_interval_ms default.
const DefaultInterval = 5 * time.Second

// Ticker composes and broadcasts stats snapshots on a fixed interval.
type Ticker struct {
	jobs     *jobrepo.Repository
	wk       *workerregistry.Registry
	bc       *broadcaster.Broadcaster
	interval time.Duration
	log      *slog.Logger
}

// New returns a Ticker broadcasting every interval (DefaultInterval if 0).
func New(jobs *jobrepo.Repository, wk *workerregistry.Registry, bc *broadcaster.Broadcaster, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Ticker{jobs: jobs, wk: wk, bc: bc, interval: interval, log: slog.Default().With("component", "statsticker")}
}

// Run blocks, composing and broadcasting a snapshot every interval, until
// ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Ticker) tick(ctx context.Context) {
	snapshot, err := t.compose(ctx)
	if err != nil {
		t.log.Warn("failed to compose stats snapshot", "error", err)
		return
	}
	envelope, err := broadcaster.EncodeStats(snapshot)
	if err != nil {
		t.log.Warn("failed to encode stats snapshot", "error", err)
		return
	}
	t.bc.BroadcastStats(envelope)
}

func (t *Ticker) compose(ctx context.Context) (broadcaster.StatsSnapshot, error) {
	allJobs, err := t.jobs.QueryJobs(ctx, jobrepo.QueryFilter{})
	if err != nil {
		return broadcaster.StatsSnapshot{}, err
	}
	byStatus := map[types.JobStatus]int{}
	for _, j := range allJobs {
		byStatus[j.Status]++
	}

	workerIDs, err := t.wk.ListActive(ctx)
	if err != nil {
		return broadcaster.StatsSnapshot{}, err
	}
	byWorkerStatus := map[types.WorkerStatus]int{}
	for _, id := range workerIDs {
		w, err := t.wk.Get(ctx, id)
		if err != nil {
			continue
		}
		byWorkerStatus[w.Status]++
	}

	connections := 0
	for _, n := range t.bc.ConnectionCounts() {
		connections += n
	}

	return broadcaster.StatsSnapshot{
		Timestamp:   types.NowMillis(),
		Connections: connections,
		Workers:     len(workerIDs),
		System: map[string]interface{}{
			"jobs": map[string]interface{}{
				"status":          byStatus,
				"pending_jobs":    byStatus[types.StatusPending],
				"active_jobs":     byStatus[types.StatusAssigned] + byStatus[types.StatusInProgress],
				"completed_jobs":  byStatus[types.StatusCompleted],
				"failed_jobs":     byStatus[types.StatusFailed],
			},
			"workers": map[string]interface{}{
				"total":          len(workerIDs),
				"status":         byWorkerStatus,
				"active_workers": byWorkerStatus[types.WorkerBusy],
			},
		},
	}, nil
}
