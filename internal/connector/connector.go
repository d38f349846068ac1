// Package connector defines the external collaborator contract
// WorkerRuntime dispatches claimed jobs to, plus a manager for routing by
// service type and a simulation connector used where no real backend
// (ComfyUI, A1111, Playwright) is wired in.
package connector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Request bundles the fields a Connector needs to run one job.
type Request struct {
	JobID           string
	ServiceType     string
	Payload         map[string]interface{}
	Requirements    map[string]interface{}
}

// ProgressFunc reports interim progress back to the caller. Connectors call
// it zero or more times before returning.
type ProgressFunc func(progressPct int, status, message string, currentStep, totalSteps int)

// Result is a connector's successful output blob.
type Result struct {
	Data map[string]interface{}
}

// ConnectorError carries whether the failure is retryable, per §7's
// ConnectorError error kind (default retryable).
type ConnectorError struct {
	Err       error
	Retryable bool
}

func (e *ConnectorError) Error() string { return e.Err.Error() }
func (e *ConnectorError) Unwrap() error { return e.Err }

// NewError wraps err as a ConnectorError with the given retryable flag.
func NewError(err error, retryable bool) error {
	return &ConnectorError{Err: err, Retryable: retryable}
}

// Connector executes one job against a specific backend service.
type Connector interface {
	ProcessJob(ctx context.Context, req Request, progress ProgressFunc) (Result, error)
	CancelJob(ctx context.Context, jobID string) error
	AvailableModels() []string
	Health(ctx context.Context) bool
}

// Manager routes a job to the connector registered for its service type.
type Manager struct {
	byService map[string]Connector
}

// NewManager returns an empty Manager; register connectors with Register.
func NewManager() *Manager {
	return &Manager{byService: make(map[string]Connector)}
}

// Register associates a Connector with a service type tag (e.g. "comfyui").
func (m *Manager) Register(serviceType string, c Connector) {
	m.byService[serviceType] = c
}

// ErrNoConnector indicates no connector is registered for a service type.
var ErrNoConnector = errors.New("connector: no connector registered for service")

// Dispatch routes req to the connector registered for req.ServiceType.
func (m *Manager) Dispatch(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	c, ok := m.byService[req.ServiceType]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoConnector, req.ServiceType)
	}
	return c.ProcessJob(ctx, req, progress)
}

// Simulation is a Connector that performs no real work: it sleeps a random
// duration and fails at a configurable rate, standing in for a real
// service backend in development and in the test harness.
type Simulation struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	FailureRate int // percent, 0-100
	Models      []string
}

// NewSimulation returns a Simulation connector with sensible defaults: a
// delay between 0 and 500ms and a 10% failure rate.
func NewSimulation() *Simulation {
	return &Simulation{MaxDelay: 500 * time.Millisecond, FailureRate: 10}
}

func (s *Simulation) ProcessJob(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	spread := s.MaxDelay - s.MinDelay
	delay := s.MinDelay
	if spread > 0 {
		delay += time.Duration(rand.Int63n(int64(spread)))
	}

	steps := 4
	stepDelay := delay / time.Duration(steps)
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return Result{}, NewError(ctx.Err(), true)
		case <-time.After(stepDelay):
			if progress != nil {
				progress(i*100/steps, "processing", fmt.Sprintf("step %d/%d", i, steps), i, steps)
			}
		}
	}

	if rand.Intn(100) < s.FailureRate {
		return Result{}, NewError(fmt.Errorf("simulated failure processing job %s", req.JobID), true)
	}
	return Result{Data: map[string]interface{}{"job_id": req.JobID, "simulated": true}}, nil
}

func (s *Simulation) CancelJob(ctx context.Context, jobID string) error { return nil }

func (s *Simulation) AvailableModels() []string {
	if s.Models == nil {
		return []string{"simulation-v1"}
	}
	return s.Models
}

func (s *Simulation) Health(ctx context.Context) bool { return true }

var _ Connector = (*Simulation)(nil)
