package broker

import "github.com/stakeordie/emp-job-queue-sub012/pkg/types"

const wildcard = "all"

// Eligible implements §4.5's capability predicate. In permissive mode
// callers should skip this entirely (see Broker.Claim); this function only
// ever runs under strict matching.
func Eligible(j *types.Job, w *types.Worker) bool {
	if j.LastFailedWorker != "" && j.LastFailedWorker == w.ID {
		return false
	}
	if !contains(w.Capabilities.Services, j.ServiceRequired) {
		return false
	}

	req := j.Requirements
	if req == nil {
		return customerAllowed(j, w)
	}

	if req.ServiceType != "" && !contains(w.Capabilities.Services, req.ServiceType) {
		return false
	}
	if !setSatisfied(req.Component, w.Capabilities.Components) {
		return false
	}
	if !setSatisfied(req.Workflow, w.Capabilities.Workflows) {
		return false
	}
	for _, m := range req.Models {
		if !setSatisfied(m, w.Capabilities.Models) {
			return false
		}
	}
	if req.GPUMemoryGB > 0 && w.Capabilities.GPUMemoryGB < req.GPUMemoryGB {
		return false
	}
	if req.RAMGB > 0 && w.Capabilities.RAMGB < req.RAMGB {
		return false
	}
	if req.CPUCores > 0 && w.Capabilities.CPUCores < req.CPUCores {
		return false
	}

	return customerAllowed(j, w)
}

// setSatisfied reports whether value is permitted by a worker's declared
// set: either the worker declares the wildcard, or value is absent, or
// value appears in the set.
func setSatisfied(value string, declared []string) bool {
	if value == "" {
		return true
	}
	if contains(declared, wildcard) {
		return true
	}
	return contains(declared, value)
}

func customerAllowed(j *types.Job, w *types.Worker) bool {
	if contains(w.Capabilities.DeniedCustomers, j.CustomerID) {
		return false
	}
	if w.Capabilities.Isolation == types.IsolationStrict && len(w.Capabilities.AllowedCustomers) > 0 {
		return contains(w.Capabilities.AllowedCustomers, j.CustomerID)
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
