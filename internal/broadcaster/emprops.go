package broadcaster

import (
	"encoding/json"

	"github.com/stakeordie/emp-job-queue-sub012/internal/progressbus"
)

// emPropsEnvelope re-frames a raw store event into the EmProps wire
// format (§6.4). Progress events are relayed as-is; terminal events are
// wrapped with a result.status field.
func emPropsEnvelope(channel string, raw map[string]interface{}) ([]byte, error) {
	switch channel {
	case progressbus.ChannelJobProgress:
		return json.Marshal(map[string]interface{}{
			"type":      "update_job_progress",
			"job_id":    raw["job_id"],
			"progress":  raw["progress"],
			"timestamp": raw["updated_at"],
		})
	case progressbus.ChannelJobCompleted:
		return json.Marshal(map[string]interface{}{
			"type":   "complete_job",
			"job_id": raw["job_id"],
			"result": map[string]interface{}{
				"status": "success",
				"data":   raw["result"],
			},
			"timestamp": raw["timestamp"],
		})
	case progressbus.ChannelJobFailed:
		return json.Marshal(map[string]interface{}{
			"type":   "complete_job",
			"job_id": raw["job_id"],
			"result": map[string]interface{}{
				"status": "failed",
				"error":  raw["error"],
			},
			"timestamp": raw["timestamp"],
		})
	default:
		return nil, nil
	}
}

// ConnectionEstablished is sent once, immediately after an EmProps client
// socket opens.
func ConnectionEstablished(message string, timestamp int64) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type":      "connection_established",
		"message":   message,
		"timestamp": timestamp,
	})
}

// JobAccepted acknowledges a client's submit_job message.
func JobAccepted(jobID string, timestamp int64) ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"type":      "job_accepted",
		"job_id":    jobID,
		"status":    "queued",
		"timestamp": timestamp,
	})
}
