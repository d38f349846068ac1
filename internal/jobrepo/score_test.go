package jobrepo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

func TestScoreHigherPriorityWins(t *testing.T) {
	low := &types.Job{Priority: 10, CreatedAt: 1000}
	high := &types.Job{Priority: 90, CreatedAt: 1000}
	require.Greater(t, Score(high), Score(low))
}

func TestScoreOlderWinsWithinSamePriority(t *testing.T) {
	older := &types.Job{Priority: 50, CreatedAt: 1000}
	newer := &types.Job{Priority: 50, CreatedAt: 2000}
	require.Greater(t, Score(older), Score(newer))
}

func TestScoreWorkflowFieldsOverridePriorityAndTime(t *testing.T) {
	wfPriority := 99
	wfTime := int64(500)
	j := &types.Job{Priority: 1, CreatedAt: 999999, WorkflowPriority: &wfPriority, WorkflowDateTime: &wfTime}
	require.Equal(t, Score(&types.Job{Priority: 99, CreatedAt: 500}), Score(j))
}

func TestScorePriorityDominatesTimeTerm(t *testing.T) {
	// A one-point priority gap must outrank any achievable age gap, since
	// the priority factor (1e6) vastly exceeds the time term's range.
	oldLowPriority := &types.Job{Priority: 10, CreatedAt: 0}
	newHighPriority := &types.Job{Priority: 11, CreatedAt: 1 << 40}
	require.Greater(t, Score(newHighPriority), Score(oldLowPriority))
}
