package connector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSimulationReportsProgressAndSucceeds(t *testing.T) {
	s := &Simulation{MaxDelay: 20 * time.Millisecond, FailureRate: 0}
	var updates []int
	result, err := s.ProcessJob(context.Background(), Request{JobID: "job-1"}, func(pct int, status, msg string, step, total int) {
		updates = append(updates, pct)
	})
	require.NoError(t, err)
	require.NotEmpty(t, updates)
	require.Equal(t, 100, updates[len(updates)-1])
	require.Equal(t, "job-1", result.Data["job_id"])
}

func TestSimulationAlwaysFailsAtFullFailureRate(t *testing.T) {
	s := &Simulation{MaxDelay: time.Millisecond, FailureRate: 100}
	_, err := s.ProcessJob(context.Background(), Request{JobID: "job-1"}, nil)
	require.Error(t, err)
	var cerr *ConnectorError
	require.ErrorAs(t, err, &cerr)
	require.True(t, cerr.Retryable)
}

func TestSimulationHonorsCancellation(t *testing.T) {
	s := &Simulation{MaxDelay: time.Second, FailureRate: 0}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ProcessJob(ctx, Request{JobID: "job-1"}, nil)
	require.Error(t, err)
}

func TestManagerDispatchesByServiceType(t *testing.T) {
	m := NewManager()
	m.Register("simulation", &Simulation{FailureRate: 0})

	_, err := m.Dispatch(context.Background(), Request{JobID: "job-1", ServiceType: "unregistered"}, nil)
	require.ErrorIs(t, err, ErrNoConnector)

	result, err := m.Dispatch(context.Background(), Request{JobID: "job-1", ServiceType: "simulation"}, nil)
	require.NoError(t, err)
	require.Equal(t, "job-1", result.Data["job_id"])
}
