// Package progressbus implements the dual-write path every job state
// change goes through (spec §4.9): an entry appended to the per-job
// append-only stream (durable, replayable) and a publication on the
// matching pub/sub channel (best-effort, for live fan-out). The stream is
// authoritative; pub/sub is convenience only (spec §9).
package progressbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/stakeordie/emp-job-queue-sub012/internal/store"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

// Pub/sub channel names, matching spec §6.5's persisted state layout.
const (
	ChannelJobSubmitted       = "job_submitted"
	ChannelJobProgress        = "job_progress"
	ChannelJobCompleted       = "job_completed"
	ChannelJobFailed          = "job_failed"
	ChannelJobCancelled       = "job_cancelled"
	ChannelWorkerStatus       = "worker_status"
	ChannelWorkerRegistered   = "worker_registered"
	ChannelWorkerDisconnected = "worker_disconnected"
)

func progressStreamKey(jobID types.JobID) string { return "progress:" + string(jobID) }
func progressSnapshotKey(jobID types.JobID) string { return "job:" + string(jobID) + ":progress" }

// Bus writes progress records and publishes their corresponding events.
type Bus struct {
	st  store.Store
	log *slog.Logger
}

// New returns a Bus backed by st.
func New(st store.Store) *Bus {
	return &Bus{st: st, log: slog.Default().With("component", "progressbus")}
}

// Write appends rec to the job's progress stream, updates the latest
// snapshot hash, and publishes it on job_progress. Terminal statuses
// (completed/failed) are published on their own channel by the caller
// (jobrepo), which already holds the terminal event payload (result or
// error) this bus does not know about.
func (b *Bus) Write(ctx context.Context, rec types.ProgressRecord) error {
	fields := map[string]string{
		"job_id":     string(rec.JobID),
		"worker_id":  rec.WorkerID,
		"progress":   strconv.Itoa(rec.Progress),
		"status":     string(rec.Status),
		"message":    rec.Message,
		"updated_at": strconv.FormatInt(rec.UpdatedAt, 10),
	}
	if rec.TotalSteps > 0 {
		fields["current_step"] = strconv.Itoa(rec.CurrentStep)
		fields["total_steps"] = strconv.Itoa(rec.TotalSteps)
	}

	if _, err := b.st.XAdd(ctx, progressStreamKey(rec.JobID), fields); err != nil {
		return fmt.Errorf("progressbus: append stream: %w", err)
	}
	if err := b.st.HSet(ctx, progressSnapshotKey(rec.JobID), fields); err != nil {
		b.log.Warn("failed to update progress snapshot", "job_id", rec.JobID, "error", err)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("progressbus: marshal event: %w", err)
	}
	if err := b.st.Publish(ctx, ChannelJobProgress, string(payload)); err != nil {
		// Pub/sub is best-effort (spec §9) — log and continue; the stream
		// write above already preserved the durable history.
		b.log.Warn("failed to publish job_progress", "job_id", rec.JobID, "error", err)
	}
	return nil
}

// History returns every progress record ever written for jobID, in
// append order.
func (b *Bus) History(ctx context.Context, jobID types.JobID) ([]types.ProgressRecord, error) {
	entries, err := b.st.XRange(ctx, progressStreamKey(jobID), "", "")
	if err != nil {
		return nil, fmt.Errorf("progressbus: read stream: %w", err)
	}
	out := make([]types.ProgressRecord, 0, len(entries))
	for _, e := range entries {
		progress, _ := strconv.Atoi(e.Fields["progress"])
		updatedAt, _ := strconv.ParseInt(e.Fields["updated_at"], 10, 64)
		currentStep, _ := strconv.Atoi(e.Fields["current_step"])
		totalSteps, _ := strconv.Atoi(e.Fields["total_steps"])
		out = append(out, types.ProgressRecord{
			JobID:       jobID,
			WorkerID:    e.Fields["worker_id"],
			Progress:    progress,
			Status:      types.ProgressStatus(e.Fields["status"]),
			Message:     e.Fields["message"],
			CurrentStep: currentStep,
			TotalSteps:  totalSteps,
			UpdatedAt:   updatedAt,
		})
	}
	return out, nil
}

// Publish emits payload on channel directly, for events that don't carry a
// progress record shape (job_submitted, job_cancelled, worker_status, ...).
func (b *Bus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("progressbus: marshal %s event: %w", channel, err)
	}
	if err := b.st.Publish(ctx, channel, string(data)); err != nil {
		b.log.Warn("failed to publish event", "channel", channel, "error", err)
	}
	return nil
}
