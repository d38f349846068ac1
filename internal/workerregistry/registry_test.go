package workerregistry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/stakeordie/emp-job-queue-sub012/internal/progressbus"
	"github.com/stakeordie/emp-job-queue-sub012/internal/store/redisstore"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := redisstore.Dial(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, progressbus.New(s)), mr
}

func TestRegisterMarksWorkerIdleAndActive(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	w := &types.Worker{ID: "worker-a", Capabilities: types.Capabilities{Services: []string{"comfyui"}}}
	require.NoError(t, r.Register(ctx, w))

	loaded, err := r.Get(ctx, "worker-a")
	require.NoError(t, err)
	require.Equal(t, types.WorkerIdle, loaded.Status)
	require.Equal(t, []string{"comfyui"}, loaded.Capabilities.Services)

	active, err := r.ListActive(ctx)
	require.NoError(t, err)
	require.Contains(t, active, "worker-a")

	alive, err := r.IsAlive(ctx, "worker-a")
	require.NoError(t, err)
	require.True(t, alive)
}

func TestHeartbeatRejectsInactiveWorker(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	err := r.Heartbeat(ctx, "ghost")
	require.Error(t, err)
}

func TestSetCurrentJobFlipsToBusyAndBack(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &types.Worker{ID: "worker-a"}))
	require.NoError(t, r.SetCurrentJob(ctx, "worker-a", "job-1"))

	w, err := r.Get(ctx, "worker-a")
	require.NoError(t, err)
	require.Equal(t, types.WorkerBusy, w.Status)
	require.Equal(t, "job-1", w.CurrentJobID)

	require.NoError(t, r.ClearCurrentJob(ctx, "worker-a", true))
	w, err = r.Get(ctx, "worker-a")
	require.NoError(t, err)
	require.Equal(t, types.WorkerIdle, w.Status)
	require.Empty(t, w.CurrentJobID)
	require.EqualValues(t, 1, w.JobsProcessed)
}

func TestDeregisterRemovesFromActiveSet(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &types.Worker{ID: "worker-a"}))
	require.NoError(t, r.Deregister(ctx, "worker-a"))

	active, err := r.ListActive(ctx)
	require.NoError(t, err)
	require.NotContains(t, active, "worker-a")
}

func TestHeartbeatExpiresAfterTTL(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &types.Worker{ID: "worker-a"}))
	mr.FastForward(heartbeatTTL + time.Second)

	alive, err := r.IsAlive(ctx, "worker-a")
	require.NoError(t, err)
	require.False(t, alive)
}
