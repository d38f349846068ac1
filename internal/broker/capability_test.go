package broker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

func baseWorker() *types.Worker {
	return &types.Worker{
		ID: "worker-a",
		Capabilities: types.Capabilities{
			Services:    []string{"comfyui"},
			GPUMemoryGB: 24,
			RAMGB:       64,
			CPUCores:    16,
		},
	}
}

func TestEligibleRequiresMatchingService(t *testing.T) {
	w := baseWorker()
	j := &types.Job{ServiceRequired: "simulation"}
	require.False(t, Eligible(j, w))

	j.ServiceRequired = "comfyui"
	require.True(t, Eligible(j, w))
}

func TestEligibleRejectsSelfRetry(t *testing.T) {
	w := baseWorker()
	j := &types.Job{ServiceRequired: "comfyui", LastFailedWorker: "worker-a"}
	require.False(t, Eligible(j, w))
}

func TestEligibleEnforcesHardwareMinimums(t *testing.T) {
	w := baseWorker()
	j := &types.Job{
		ServiceRequired: "comfyui",
		Requirements:    &types.Requirements{GPUMemoryGB: 48},
	}
	require.False(t, Eligible(j, w))

	j.Requirements.GPUMemoryGB = 16
	require.True(t, Eligible(j, w))
}

func TestEligibleWildcardSatisfiesComponentRequirement(t *testing.T) {
	w := baseWorker()
	w.Capabilities.Components = []string{"all"}
	j := &types.Job{
		ServiceRequired: "comfyui",
		Requirements:    &types.Requirements{Component: "upscaler"},
	}
	require.True(t, Eligible(j, w))
}

func TestEligibleDeniedCustomerAlwaysExcluded(t *testing.T) {
	w := baseWorker()
	w.Capabilities.DeniedCustomers = []string{"cust-1"}
	j := &types.Job{ServiceRequired: "comfyui", CustomerID: "cust-1"}
	require.False(t, Eligible(j, w))
}

func TestEligibleStrictIsolationRequiresAllowlist(t *testing.T) {
	w := baseWorker()
	w.Capabilities.Isolation = types.IsolationStrict
	w.Capabilities.AllowedCustomers = []string{"cust-1"}
	j := &types.Job{ServiceRequired: "comfyui", CustomerID: "cust-2"}
	require.False(t, Eligible(j, w))

	j.CustomerID = "cust-1"
	require.True(t, Eligible(j, w))
}
