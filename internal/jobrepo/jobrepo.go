// Package jobrepo owns the job lifecycle state machine (pending →
// assigned → in_progress → {completed|failed}, with cancelled reachable
// from any non-terminal state) and the pending priority queue. Broker
// consumes it for the claim protocol; everything else (submit, progress,
// complete, fail, cancel, queries) is served directly from here.
package jobrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stakeordie/emp-job-queue-sub012/internal/progressbus"
	"github.com/stakeordie/emp-job-queue-sub012/internal/store"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

// Defaults applied when a submitted job omits the corresponding field.
const (
	DefaultPriority   = 50
	DefaultMaxRetries = 3

	completedTTL = 24 * time.Hour
	failedTTL    = 7 * 24 * time.Hour
)

// ErrAlreadyTerminal is returned when a caller attempts a transition on a
// job that has already reached a terminal state.
var ErrAlreadyTerminal = errors.New("jobrepo: job already terminal")

// Metrics receives lifecycle counter updates. Implemented by
// internal/metrics.Collector; a nil Metrics disables recording.
type Metrics interface {
	RecordSubmit()
	RecordCompleted()
	RecordFailed(terminal bool)
	RecordCancelled()
}

// Repository is the authoritative owner of job records and the pending
// queue. All methods are safe for concurrent use; the store provides any
// serialization a given operation needs.
type Repository struct {
	st  store.Store
	bus *progressbus.Bus
	m   Metrics
	now func() int64
}

// New returns a Repository backed by st, publishing lifecycle events
// through bus.
func New(st store.Store, bus *progressbus.Bus) *Repository {
	return &Repository{st: st, bus: bus, now: types.NowMillis}
}

// WithMetrics attaches a metrics sink to the repository and returns it.
func (r *Repository) WithMetrics(m Metrics) *Repository {
	r.m = m
	return r
}

// Submit validates defaults, writes the job's detail hash, and adds it to
// the pending sorted set with its computed score.
func (r *Repository) Submit(ctx context.Context, j *types.Job) (*types.Job, error) {
	if j.ID == "" {
		j.ID = types.JobID(uuid.NewString())
	}
	if j.Priority == 0 {
		j.Priority = DefaultPriority
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = DefaultMaxRetries
	}
	if j.CreatedAt == 0 {
		j.CreatedAt = r.now()
	}
	j.Status = types.StatusPending

	if err := r.save(ctx, j); err != nil {
		return nil, err
	}
	if err := r.st.ZAdd(ctx, KeyPending, string(j.ID), Score(j)); err != nil {
		return nil, fmt.Errorf("jobrepo: enqueue %s: %w", j.ID, err)
	}
	_ = r.bus.Publish(ctx, progressbus.ChannelJobSubmitted, map[string]interface{}{
		"job_id":    j.ID,
		"status":    j.Status,
		"timestamp": r.now(),
	})
	if r.m != nil {
		r.m.RecordSubmit()
	}
	return j, nil
}

// Get loads a job by ID.
func (r *Repository) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	fields, err := r.st.HGetAll(ctx, jobKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return decode(fields)
}

func (r *Repository) save(ctx context.Context, j *types.Job) error {
	fields, err := encode(j)
	if err != nil {
		return fmt.Errorf("jobrepo: encode %s: %w", j.ID, err)
	}
	return r.st.HSet(ctx, jobKey(j.ID), fields)
}

// MarkAssigned transitions pending -> assigned. Called by Broker after it
// has already won the atomic conditional remove from the pending set; this
// method does not touch the pending set itself.
func (r *Repository) MarkAssigned(ctx context.Context, id types.JobID, workerID string) (*types.Job, error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	j.Status = types.StatusAssigned
	j.WorkerID = workerID
	j.AssignedAt = r.now()
	if err := r.save(ctx, j); err != nil {
		return nil, err
	}
	if err := r.putActive(ctx, j); err != nil {
		return nil, err
	}
	_ = r.bus.Write(ctx, types.ProgressRecord{
		JobID: j.ID, WorkerID: workerID, Status: types.ProgressAssigned, UpdatedAt: j.AssignedAt,
	})
	_ = r.bus.Publish(ctx, "job_assigned", map[string]interface{}{
		"job_id": j.ID, "worker_id": workerID, "timestamp": j.AssignedAt,
	})
	return j, nil
}

func (r *Repository) putActive(ctx context.Context, j *types.Job) error {
	fields, err := encode(j)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return r.st.HSet(ctx, activeKey(j.WorkerID), map[string]string{string(j.ID): string(blob)})
}

// StartProcessing transitions assigned -> in_progress.
func (r *Repository) StartProcessing(ctx context.Context, id types.JobID) (*types.Job, error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	j.Status = types.StatusInProgress
	j.StartedAt = r.now()
	if err := r.save(ctx, j); err != nil {
		return nil, err
	}
	_ = r.bus.Write(ctx, types.ProgressRecord{
		JobID: j.ID, WorkerID: j.WorkerID, Status: types.ProgressProcessing, Progress: 0, UpdatedAt: j.StartedAt,
	})
	return j, nil
}

// Progress records an in-flight progress update. A terminal job returns
// ErrAlreadyTerminal so the reporting worker learns it must abandon work
// (the job was cancelled or reclaimed elsewhere); nothing is recorded.
func (r *Repository) Progress(ctx context.Context, id types.JobID, pct int, msg string, step, totalSteps int) error {
	j, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	return r.bus.Write(ctx, types.ProgressRecord{
		JobID: j.ID, WorkerID: j.WorkerID, Progress: pct, Status: types.ProgressProcessing,
		Message: msg, CurrentStep: step, TotalSteps: totalSteps, UpdatedAt: r.now(),
	})
}

// Complete transitions to completed, recording result and clearing the
// worker's active-job entry.
func (r *Repository) Complete(ctx context.Context, id types.JobID, result map[string]interface{}) (*types.Job, error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	now := r.now()
	j.Status = types.StatusCompleted
	j.CompletedAt = now
	if err := r.save(ctx, j); err != nil {
		return nil, err
	}
	if err := r.removeActive(ctx, j.WorkerID, j.ID); err != nil {
		return nil, err
	}

	resultJSON, _ := json.Marshal(result)
	completed := map[string]string{
		string(j.ID): fmt.Sprintf(`{"success":true,"data":%s,"completed_at":%d}`, resultJSON, now),
	}
	if err := r.st.HSet(ctx, KeyCompleted, completed); err != nil {
		return nil, err
	}
	_ = r.st.Expire(ctx, KeyCompleted, completedTTL)

	_ = r.bus.Write(ctx, types.ProgressRecord{
		JobID: j.ID, WorkerID: j.WorkerID, Status: types.ProgressCompleted, Progress: 100, UpdatedAt: now,
	})
	_ = r.bus.Publish(ctx, progressbus.ChannelJobCompleted, map[string]interface{}{
		"job_id": j.ID, "worker_id": j.WorkerID, "result": result, "timestamp": now,
	})
	if r.m != nil {
		r.m.RecordCompleted()
	}
	return j, nil
}

func (r *Repository) removeActive(ctx context.Context, workerID string, id types.JobID) error {
	if workerID == "" {
		return nil
	}
	return r.st.HDel(ctx, activeKey(workerID), string(id))
}

// Fail implements §4.6: retry if allowed and under the retry budget,
// otherwise permanent failure.
func (r *Repository) Fail(ctx context.Context, id types.JobID, workerID string, cause error, canRetry bool) (*types.Job, error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		// A late failure report (a racing reclaim sweep, a worker whose
		// Complete already landed) must not resurrect a terminal job.
		return j, nil
	}
	now := r.now()
	newCount := j.RetryCount + 1
	willRetry := canRetry && newCount < j.MaxRetries

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	if err := r.removeActive(ctx, workerID, j.ID); err != nil {
		return nil, err
	}

	if willRetry {
		j.Status = types.StatusPending
		j.RetryCount = newCount
		j.LastFailedWorker = workerID
		j.LastError = errMsg
		j.WorkerID = ""
		j.AssignedAt = 0
		j.CreatedAt = now
		if err := r.save(ctx, j); err != nil {
			return nil, err
		}
		if err := r.st.ZAdd(ctx, KeyPending, string(j.ID), Score(j)); err != nil {
			return nil, err
		}
	} else {
		j.Status = types.StatusFailed
		j.RetryCount = newCount
		j.FailedAt = now
		j.LastError = errMsg
		j.WorkerID = ""
		if err := r.save(ctx, j); err != nil {
			return nil, err
		}
		failed := map[string]string{
			string(j.ID): fmt.Sprintf(`{"error":%q,"failed_at":%d,"retry_count":%d}`, errMsg, now, j.RetryCount),
		}
		if err := r.st.HSet(ctx, KeyFailed, failed); err != nil {
			return nil, err
		}
		_ = r.st.Expire(ctx, KeyFailed, failedTTL)
	}

	progressStatus := types.ProgressFailed
	if willRetry {
		progressStatus = types.ProgressRetrying
	}
	_ = r.bus.Write(ctx, types.ProgressRecord{
		JobID: j.ID, WorkerID: workerID, Status: progressStatus, Message: errMsg, UpdatedAt: now,
	})
	_ = r.bus.Publish(ctx, progressbus.ChannelJobFailed, map[string]interface{}{
		"job_id": j.ID, "error": errMsg, "will_retry": willRetry, "retry_count": j.RetryCount, "timestamp": now,
	})
	if r.m != nil {
		r.m.RecordFailed(!willRetry)
	}
	return j, nil
}

// Cancel moves a job to cancelled from any non-terminal state, removing it
// from both the pending queue and its worker's active set.
func (r *Repository) Cancel(ctx context.Context, id types.JobID, reason string) (*types.Job, error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	now := r.now()
	workerID := j.WorkerID
	j.Status = types.StatusCancelled
	j.CancelledAt = now
	if err := r.save(ctx, j); err != nil {
		return nil, err
	}
	if _, err := r.st.ConditionalRemove(ctx, KeyPending, string(j.ID)); err != nil {
		return nil, err
	}
	if err := r.removeActive(ctx, workerID, j.ID); err != nil {
		return nil, err
	}
	_ = r.bus.Publish(ctx, progressbus.ChannelJobCancelled, map[string]interface{}{
		"job_id": j.ID, "worker_id": workerID, "reason": reason, "timestamp": now,
	})
	if r.m != nil {
		r.m.RecordCancelled()
	}
	return j, nil
}

// Requeue resets an assigned/in-progress job back to pending with its
// original score, used by the reclaimer's orphan sweep. Unlike Fail, it
// does not count against retry_count — the job never actually ran.
func (r *Repository) Requeue(ctx context.Context, id types.JobID) error {
	j, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}
	j.Status = types.StatusPending
	j.WorkerID = ""
	j.AssignedAt = 0
	if err := r.save(ctx, j); err != nil {
		return err
	}
	return r.st.ZAdd(ctx, KeyPending, string(j.ID), Score(j))
}

// QueryFilter narrows QueryJobs results. Zero-value fields are unfiltered.
type QueryFilter struct {
	Status     types.JobStatus
	WorkerID   string
	CustomerID string
	WorkflowID string
	Limit      int
}

// QueryJobs scans all job keys and returns those matching filter. This is
// O(n) over the job keyspace; acceptable for the admin/monitor surface
// this backs (§6.1), not the hot claim path.
func (r *Repository) QueryJobs(ctx context.Context, filter QueryFilter) ([]*types.Job, error) {
	keys, err := r.st.HKeys(ctx, "job:*")
	if err != nil {
		return nil, err
	}
	var out []*types.Job
	for _, k := range keys {
		if strings.HasSuffix(k, ":progress") {
			continue
		}
		fields, err := r.st.HGetAll(ctx, k)
		if err != nil || len(fields) == 0 {
			continue
		}
		j, err := decode(fields)
		if err != nil {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.WorkerID != "" && j.WorkerID != filter.WorkerID {
			continue
		}
		if filter.CustomerID != "" && j.CustomerID != filter.CustomerID {
			continue
		}
		if filter.WorkflowID != "" && j.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, j)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// QueueStats summarizes queue depth by lifecycle stage.
type QueueStats struct {
	Pending   int64 `json:"pending"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Stats composes the aggregate counts the control plane and stats ticker
// expose. Pending comes straight from the sorted set; the rest from a scan
// of the job keyspace.
func (r *Repository) Stats(ctx context.Context) (QueueStats, error) {
	pending, err := r.st.ZRevRange(ctx, KeyPending, 1<<20)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Pending: int64(len(pending))}

	all, err := r.QueryJobs(ctx, QueryFilter{})
	if err != nil {
		return QueueStats{}, err
	}
	for _, j := range all {
		switch j.Status {
		case types.StatusAssigned, types.StatusInProgress:
			stats.Active++
		case types.StatusCompleted:
			stats.Completed++
		case types.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}
