package broadcaster

import (
	"encoding/json"

	"github.com/stakeordie/emp-job-queue-sub012/internal/progressbus"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

// monitorEnvelope re-frames a raw store event into the native monitor wire
// format (§6.3). A nil, nil return means the channel has no monitor-facing
// representation.
func monitorEnvelope(channel string, raw map[string]interface{}) ([]byte, error) {
	switch channel {
	case progressbus.ChannelJobProgress:
		return json.Marshal(map[string]interface{}{
			"type":      "job_progress",
			"job_id":    raw["job_id"],
			"worker_id": raw["worker_id"],
			"progress":  raw["progress"],
			"status":    raw["status"],
			"message":   raw["message"],
			"timestamp": raw["updated_at"],
		})
	case progressbus.ChannelJobSubmitted, progressbus.ChannelJobCompleted, progressbus.ChannelJobFailed, progressbus.ChannelJobCancelled:
		return json.Marshal(map[string]interface{}{
			"type":      "job_status_changed",
			"job_id":    raw["job_id"],
			"new_status": statusFor(channel),
			"worker_id": raw["worker_id"],
			"timestamp": raw["timestamp"],
		})
	case progressbus.ChannelWorkerStatus:
		return json.Marshal(map[string]interface{}{
			"type":            "worker_status_changed",
			"worker_id":       raw["worker_id"],
			"new_status":      raw["status"],
			"current_job_id":  raw["current_job_id"],
			"timestamp":       raw["timestamp"],
		})
	default:
		return nil, nil
	}
}

func statusFor(channel string) types.JobStatus {
	switch channel {
	case progressbus.ChannelJobSubmitted:
		return types.StatusPending
	case progressbus.ChannelJobCompleted:
		return types.StatusCompleted
	case progressbus.ChannelJobFailed:
		return types.StatusFailed
	case progressbus.ChannelJobCancelled:
		return types.StatusCancelled
	default:
		return ""
	}
}

// StatsSnapshot is the payload StatsTicker composes for the
// stats_broadcast envelope.
type StatsSnapshot struct {
	Timestamp     int64                  `json:"timestamp"`
	Connections   int                    `json:"connections"`
	Workers       int                    `json:"workers"`
	Subscriptions int                    `json:"subscriptions"`
	System        map[string]interface{} `json:"system"`
}

// EncodeStats marshals a snapshot into a stats_broadcast envelope.
func EncodeStats(s StatsSnapshot) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type":          "stats_broadcast",
		"timestamp":     s.Timestamp,
		"connections":   s.Connections,
		"workers":       s.Workers,
		"subscriptions": s.Subscriptions,
		"system":        s.System,
	})
}
