package workerruntime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/stakeordie/emp-job-queue-sub012/internal/broker"
	"github.com/stakeordie/emp-job-queue-sub012/internal/connector"
	"github.com/stakeordie/emp-job-queue-sub012/internal/jobrepo"
	"github.com/stakeordie/emp-job-queue-sub012/internal/progressbus"
	"github.com/stakeordie/emp-job-queue-sub012/internal/store/redisstore"
	"github.com/stakeordie/emp-job-queue-sub012/internal/workerregistry"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

func TestRuntimeClaimsAndCompletesJob(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := redisstore.Dial(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := progressbus.New(s)
	jobs := jobrepo.New(s, bus)
	wk := workerregistry.New(s, bus)
	b := broker.New(s, jobs, wk, broker.MatchPermissive)

	ctx := context.Background()
	require.NoError(t, wk.Register(ctx, &types.Worker{ID: "worker-a"}))
	_, err = jobs.Submit(ctx, &types.Job{ID: "job-1", ServiceRequired: "simulation"})
	require.NoError(t, err)

	conn := connector.NewManager()
	conn.Register("simulation", &connector.Simulation{MaxDelay: 5 * time.Millisecond, FailureRate: 0})

	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	rt := New("worker-a", cfg, b, jobs, wk, conn)

	runCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	go rt.Run(runCtx)

	require.Eventually(t, func() bool {
		j, err := jobs.Get(ctx, "job-1")
		return err == nil && j.Status == types.StatusCompleted
	}, 400*time.Millisecond, 5*time.Millisecond)

	cancel()
	rt.Wait()
}

func newRuntimeHarness(t *testing.T) (*jobrepo.Repository, *workerregistry.Registry, *broker.Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := redisstore.Dial(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := progressbus.New(s)
	jobs := jobrepo.New(s, bus)
	wk := workerregistry.New(s, bus)
	return jobs, wk, broker.New(s, jobs, wk, broker.MatchPermissive)
}

func TestShutdownFailsInFlightJobRetryably(t *testing.T) {
	jobs, wk, b := newRuntimeHarness(t)
	ctx := context.Background()

	require.NoError(t, wk.Register(ctx, &types.Worker{ID: "worker-a"}))
	_, err := jobs.Submit(ctx, &types.Job{ID: "job-1", ServiceRequired: "simulation"})
	require.NoError(t, err)

	conn := connector.NewManager()
	// Slow enough that the job is still in flight when Stop lands.
	conn.Register("simulation", &connector.Simulation{MinDelay: 5 * time.Second, MaxDelay: 6 * time.Second, FailureRate: 0})

	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	rt := New("worker-a", cfg, b, jobs, wk, conn)

	done := make(chan struct{})
	go func() {
		rt.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		j, err := jobs.Get(ctx, "job-1")
		return err == nil && j.Status == types.StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)

	rt.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not shut down")
	}

	j, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, j.Status, "in-flight job should be requeued for another worker")
	require.EqualValues(t, 1, j.RetryCount)
	require.Equal(t, "worker-a", j.LastFailedWorker)
}

func TestCancelledJobIsAbandonedOnNextProgressReport(t *testing.T) {
	jobs, wk, b := newRuntimeHarness(t)
	ctx := context.Background()

	require.NoError(t, wk.Register(ctx, &types.Worker{ID: "worker-a"}))
	_, err := jobs.Submit(ctx, &types.Job{ID: "job-1", ServiceRequired: "simulation"})
	require.NoError(t, err)

	conn := connector.NewManager()
	// Long enough total runtime that cancellation lands between progress
	// reports rather than after completion.
	conn.Register("simulation", &connector.Simulation{MinDelay: 400 * time.Millisecond, MaxDelay: 500 * time.Millisecond, FailureRate: 0})

	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	rt := New("worker-a", cfg, b, jobs, wk, conn)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(runCtx)

	require.Eventually(t, func() bool {
		j, err := jobs.Get(ctx, "job-1")
		return err == nil && j.Status == types.StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)

	_, err = jobs.Cancel(ctx, "job-1", "user")
	require.NoError(t, err)

	// Terminal stickiness: whatever the connector does afterwards, the job
	// stays cancelled and the worker frees itself up.
	require.Eventually(t, func() bool {
		w, err := wk.Get(ctx, "worker-a")
		return err == nil && w.CurrentJobID == ""
	}, 3*time.Second, 10*time.Millisecond)

	j, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, types.StatusCancelled, j.Status)
}
