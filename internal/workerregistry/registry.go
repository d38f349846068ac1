// Package workerregistry tracks connected workers: their declared
// capabilities, status, and liveness. Liveness is a TTL key in the store
// (worker:<id>:heartbeat); the Reclaimer (internal/reclaimer) treats an
// expired heartbeat as a down worker regardless of what this package's own
// view of Status says.
package workerregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stakeordie/emp-job-queue-sub012/internal/progressbus"
	"github.com/stakeordie/emp-job-queue-sub012/internal/store"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

const (
	// ActiveSet names the set of currently-registered worker IDs.
	ActiveSet = "workers:active"

	heartbeatTTL = 60 * time.Second
)

func workerKey(id string) string    { return "worker:" + id }
func heartbeatKey(id string) string { return "worker:" + id + ":heartbeat" }

// Registry is the authoritative store of worker records.
type Registry struct {
	st  store.Store
	bus *progressbus.Bus
	now func() int64
}

// New returns a Registry backed by st.
func New(st store.Store, bus *progressbus.Bus) *Registry {
	return &Registry{st: st, bus: bus, now: types.NowMillis}
}

// Register records a newly-connected worker, marks it active, and opens
// its heartbeat lease.
func (r *Registry) Register(ctx context.Context, w *types.Worker) error {
	w.Status = types.WorkerInitializing
	w.ConnectedAt = r.now()
	w.LastHeartbeat = w.ConnectedAt
	if err := r.save(ctx, w); err != nil {
		return err
	}
	if err := r.st.SAdd(ctx, ActiveSet, w.ID); err != nil {
		return fmt.Errorf("workerregistry: activate %s: %w", w.ID, err)
	}
	if err := r.st.HSet(ctx, heartbeatKey(w.ID), map[string]string{"ts": isoNow(w.LastHeartbeat)}); err != nil {
		return err
	}
	if err := r.st.Expire(ctx, heartbeatKey(w.ID), heartbeatTTL); err != nil {
		return err
	}
	_ = r.bus.Publish(ctx, progressbus.ChannelWorkerRegistered, map[string]interface{}{
		"worker_id": w.ID, "timestamp": w.ConnectedAt,
	})
	return r.SetStatus(ctx, w.ID, types.WorkerIdle)
}

func (r *Registry) save(ctx context.Context, w *types.Worker) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return err
	}
	fields := map[string]string{
		"id":             w.ID,
		"machine_id":     w.MachineID,
		"capabilities":   string(caps),
		"status":         string(w.Status),
		"connected_at":   itoa64(w.ConnectedAt),
		"last_heartbeat": itoa64(w.LastHeartbeat),
		"current_job_id": w.CurrentJobID,
		"jobs_processed": itoa64(w.JobsProcessed),
		"jobs_failed":    itoa64(w.JobsFailed),
	}
	return r.st.HSet(ctx, workerKey(w.ID), fields)
}

// Get loads a worker's record.
func (r *Registry) Get(ctx context.Context, id string) (*types.Worker, error) {
	fields, err := r.st.HGetAll(ctx, workerKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	w := &types.Worker{
		ID:            fields["id"],
		MachineID:     fields["machine_id"],
		Status:        types.WorkerStatus(fields["status"]),
		ConnectedAt:   atoi64(fields["connected_at"]),
		LastHeartbeat: atoi64(fields["last_heartbeat"]),
		CurrentJobID:  fields["current_job_id"],
		JobsProcessed: atoi64(fields["jobs_processed"]),
		JobsFailed:    atoi64(fields["jobs_failed"]),
	}
	if c, ok := fields["capabilities"]; ok && c != "" {
		if err := json.Unmarshal([]byte(c), &w.Capabilities); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Heartbeat refreshes a worker's liveness TTL, but only if it is still
// listed as active — closing the race against a reclaim sweep that has
// already evicted it.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	now := r.now()
	ok, err := r.st.RefreshHeartbeatIfActive(ctx, heartbeatKey(id), ActiveSet, id, heartbeatTTL, isoNow(now))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("workerregistry: heartbeat for inactive worker %s", id)
	}
	return r.st.HSet(ctx, workerKey(id), map[string]string{"last_heartbeat": itoa64(now)})
}

// IsAlive reports whether a worker's heartbeat key currently exists.
func (r *Registry) IsAlive(ctx context.Context, id string) (bool, error) {
	return r.st.Exists(ctx, heartbeatKey(id))
}

// SetStatus updates a worker's status field and publishes the change.
func (r *Registry) SetStatus(ctx context.Context, id string, status types.WorkerStatus) error {
	if err := r.st.HSet(ctx, workerKey(id), map[string]string{"status": string(status)}); err != nil {
		return err
	}
	_ = r.bus.Publish(ctx, progressbus.ChannelWorkerStatus, map[string]interface{}{
		"worker_id": id, "status": status, "timestamp": r.now(),
	})
	return nil
}

// SetCurrentJob records the job a worker is actively processing and flips
// it to busy.
func (r *Registry) SetCurrentJob(ctx context.Context, id string, jobID types.JobID) error {
	if err := r.st.HSet(ctx, workerKey(id), map[string]string{"current_job_id": string(jobID)}); err != nil {
		return err
	}
	return r.SetStatus(ctx, id, types.WorkerBusy)
}

// ClearCurrentJob releases a worker's current job and flips it back to
// idle, incrementing the processed/failed counters as appropriate.
func (r *Registry) ClearCurrentJob(ctx context.Context, id string, succeeded bool) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	w.CurrentJobID = ""
	if succeeded {
		w.JobsProcessed++
	} else {
		w.JobsFailed++
	}
	if err := r.save(ctx, w); err != nil {
		return err
	}
	return r.SetStatus(ctx, id, types.WorkerIdle)
}

// Deregister marks a worker offline and removes it from the active set,
// used on clean shutdown. A crash is instead detected by the Reclaimer via
// heartbeat expiry (status becomes "reclaimed", not "offline").
func (r *Registry) Deregister(ctx context.Context, id string) error {
	if err := r.st.SRem(ctx, ActiveSet, id); err != nil {
		return err
	}
	if err := r.SetStatus(ctx, id, types.WorkerOffline); err != nil {
		return err
	}
	_ = r.bus.Publish(ctx, progressbus.ChannelWorkerDisconnected, map[string]interface{}{
		"worker_id": id, "timestamp": r.now(),
	})
	return nil
}

// ListActive returns the IDs of every worker in the active set.
func (r *Registry) ListActive(ctx context.Context) ([]string, error) {
	return r.st.SMembers(ctx, ActiveSet)
}

func isoNow(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func itoa64(n int64) string { return fmt.Sprintf("%d", n) }

func atoi64(s string) int64 {
	var n int64
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}
