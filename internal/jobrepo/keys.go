package jobrepo

import "github.com/stakeordie/emp-job-queue-sub012/pkg/types"

// Key layout matches the persisted state table: job:<id>, job:<id>:progress,
// jobs:pending, jobs:active:<workerId>, jobs:completed, jobs:failed.
const (
	KeyPending   = "jobs:pending"
	KeyCompleted = "jobs:completed"
	KeyFailed    = "jobs:failed"
)

func jobKey(id types.JobID) string { return "job:" + string(id) }

func activeKey(workerID string) string { return "jobs:active:" + workerID }
