package reclaimer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/stakeordie/emp-job-queue-sub012/internal/jobrepo"
	"github.com/stakeordie/emp-job-queue-sub012/internal/progressbus"
	"github.com/stakeordie/emp-job-queue-sub012/internal/store/redisstore"
	"github.com/stakeordie/emp-job-queue-sub012/internal/workerregistry"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

func newHarness(t *testing.T) (*jobrepo.Repository, *workerregistry.Registry, *Reclaimer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := redisstore.Dial(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := progressbus.New(s)
	jobs := jobrepo.New(s, bus)
	wk := workerregistry.New(s, bus)
	r := New(s, jobs, wk, bus, Config{ScanInterval: time.Hour, HeartbeatTimeout: 0, ProgressTimeout: time.Hour})
	return jobs, wk, r, mr
}

func TestSweepOrphanedActiveRequeuesJobs(t *testing.T) {
	jobs, wk, r, _ := newHarness(t)
	ctx := context.Background()

	require.NoError(t, wk.Register(ctx, &types.Worker{ID: "worker-a"}))
	_, err := jobs.Submit(ctx, &types.Job{ID: "job-1", ServiceRequired: "comfyui"})
	require.NoError(t, err)
	_, err = jobs.MarkAssigned(ctx, "job-1", "worker-a")
	require.NoError(t, err)

	// Simulate a crash: worker vanishes from the active set while its
	// jobs:active:<w> hash is left behind.
	require.NoError(t, wk.Deregister(ctx, "worker-a"))

	r.SweepOnce(ctx)

	j, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, j.Status)
}

func TestSweepStuckWorkersClearsFinishedJob(t *testing.T) {
	jobs, wk, r, _ := newHarness(t)
	ctx := context.Background()

	require.NoError(t, wk.Register(ctx, &types.Worker{ID: "worker-a"}))
	_, err := jobs.Submit(ctx, &types.Job{ID: "job-1", ServiceRequired: "comfyui"})
	require.NoError(t, err)
	_, err = jobs.MarkAssigned(ctx, "job-1", "worker-a")
	require.NoError(t, err)
	require.NoError(t, wk.SetCurrentJob(ctx, "worker-a", "job-1"))

	_, err = jobs.Complete(ctx, "job-1", nil)
	require.NoError(t, err)

	r.SweepOnce(ctx)

	w, err := wk.Get(ctx, "worker-a")
	require.NoError(t, err)
	require.Empty(t, w.CurrentJobID)
	require.Equal(t, types.WorkerIdle, w.Status)
}

func TestSweepTimeoutsReleasesJobWithDeadHeartbeat(t *testing.T) {
	jobs, wk, r, mr := newHarness(t)
	ctx := context.Background()

	require.NoError(t, wk.Register(ctx, &types.Worker{ID: "worker-a"}))
	_, err := jobs.Submit(ctx, &types.Job{ID: "job-1", ServiceRequired: "comfyui", MaxRetries: 5})
	require.NoError(t, err)
	_, err = jobs.MarkAssigned(ctx, "job-1", "worker-a")
	require.NoError(t, err)

	// Let the worker's heartbeat key expire without removing it from the
	// active set, simulating a stalled-but-still-registered worker.
	mr.FastForward(61 * time.Second)

	r.SweepOnce(ctx)

	j, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, j.Status)
	require.Equal(t, "worker-a", j.LastFailedWorker)

	w, err := wk.Get(ctx, "worker-a")
	require.NoError(t, err)
	require.Equal(t, types.WorkerReclaimed, w.Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	jobs, wk, r, mr := newHarness(t)
	ctx := context.Background()

	require.NoError(t, wk.Register(ctx, &types.Worker{ID: "worker-a"}))
	_, err := jobs.Submit(ctx, &types.Job{ID: "job-1", ServiceRequired: "comfyui", MaxRetries: 5})
	require.NoError(t, err)
	_, err = jobs.MarkAssigned(ctx, "job-1", "worker-a")
	require.NoError(t, err)

	mr.FastForward(61 * time.Second)

	r.SweepOnce(ctx)
	first, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)

	r.SweepOnce(ctx)
	second, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)

	// A second sweep with no intervening worker activity must not change
	// the job's state again: once pending, it is no longer in scope for
	// the timeout sweep.
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.RetryCount, second.RetryCount)
}
