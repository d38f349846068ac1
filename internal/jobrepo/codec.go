package jobrepo

import (
	"encoding/json"
	"strconv"

	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

// encode flattens a Job into the string-valued hash fields the store
// persists it as (spec: "All job fields (values stringified)"). Nested
// structures (payload, requirements) are JSON-encoded into single fields.
func encode(j *types.Job) (map[string]string, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{
		"id":               string(j.ID),
		"service_required": j.ServiceRequired,
		"priority":         strconv.Itoa(j.Priority),
		"payload":          string(payload),
		"customer_id":      j.CustomerID,
		"workflow_id":      j.WorkflowID,
		"step_number":      strconv.Itoa(j.StepNumber),
		"total_steps":      strconv.Itoa(j.TotalSteps),
		"created_at":       strconv.FormatInt(j.CreatedAt, 10),
		"retry_count":      strconv.Itoa(j.RetryCount),
		"max_retries":      strconv.Itoa(j.MaxRetries),
		"last_failed_worker": j.LastFailedWorker,
		"last_error":       j.LastError,
		"worker_id":        j.WorkerID,
		"assigned_at":      strconv.FormatInt(j.AssignedAt, 10),
		"started_at":       strconv.FormatInt(j.StartedAt, 10),
		"completed_at":     strconv.FormatInt(j.CompletedAt, 10),
		"failed_at":        strconv.FormatInt(j.FailedAt, 10),
		"cancelled_at":     strconv.FormatInt(j.CancelledAt, 10),
		"status":           string(j.Status),
	}
	if j.Requirements != nil {
		req, err := json.Marshal(j.Requirements)
		if err != nil {
			return nil, err
		}
		fields["requirements"] = string(req)
	}
	if j.WorkflowPriority != nil {
		fields["workflow_priority"] = strconv.Itoa(*j.WorkflowPriority)
	}
	if j.WorkflowDateTime != nil {
		fields["workflow_datetime"] = strconv.FormatInt(*j.WorkflowDateTime, 10)
	}
	return fields, nil
}

func decode(fields map[string]string) (*types.Job, error) {
	j := &types.Job{
		ID:               types.JobID(fields["id"]),
		ServiceRequired:  fields["service_required"],
		Priority:         atoi(fields["priority"]),
		CustomerID:       fields["customer_id"],
		WorkflowID:       fields["workflow_id"],
		StepNumber:       atoi(fields["step_number"]),
		TotalSteps:       atoi(fields["total_steps"]),
		CreatedAt:        atoi64(fields["created_at"]),
		RetryCount:       atoi(fields["retry_count"]),
		MaxRetries:       atoi(fields["max_retries"]),
		LastFailedWorker: fields["last_failed_worker"],
		LastError:        fields["last_error"],
		WorkerID:         fields["worker_id"],
		AssignedAt:       atoi64(fields["assigned_at"]),
		StartedAt:        atoi64(fields["started_at"]),
		CompletedAt:      atoi64(fields["completed_at"]),
		FailedAt:         atoi64(fields["failed_at"]),
		CancelledAt:      atoi64(fields["cancelled_at"]),
		Status:           types.JobStatus(fields["status"]),
	}
	if p, ok := fields["payload"]; ok && p != "" {
		if err := json.Unmarshal([]byte(p), &j.Payload); err != nil {
			return nil, err
		}
	}
	if r, ok := fields["requirements"]; ok && r != "" {
		var req types.Requirements
		if err := json.Unmarshal([]byte(r), &req); err != nil {
			return nil, err
		}
		j.Requirements = &req
	}
	if v, ok := fields["workflow_priority"]; ok && v != "" {
		p := atoi(v)
		j.WorkflowPriority = &p
	}
	if v, ok := fields["workflow_datetime"]; ok && v != "" {
		t := atoi64(v)
		j.WorkflowDateTime = &t
	}
	return j, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
