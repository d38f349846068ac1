package jobrepo

import "github.com/stakeordie/emp-job-queue-sub012/pkg/types"

// maxSafeInt mirrors the IEEE-754 double's largest exactly representable
// integer, matching the source's choice of time-term ceiling so that scores
// stay comparable across implementations.
const maxSafeInt = 1<<53 - 1

// Score computes the pending-queue ranking key: priority dominates, and
// within a priority tier older jobs (smaller effTime) get a larger
// complement term and sort first. Workflow steps share workflow_priority /
// workflow_datetime, so they cluster together ahead of later workflows at
// the same priority.
func Score(j *types.Job) float64 {
	effPriority := float64(j.EffPriority())
	effTime := float64(j.EffTime())
	return effPriority*1e6 + (float64(maxSafeInt) - effTime)
}
