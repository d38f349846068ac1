// Package broker implements the claim protocol (§4.4): a worker's single
// attempt per poll to take ownership of one pending job. The atomic
// conditional remove on the pending sorted set is the only place
// correctness depends on the store's atomicity (§9); everything else here
// is at-least-once and safe to retry.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/stakeordie/emp-job-queue-sub012/internal/jobrepo"
	"github.com/stakeordie/emp-job-queue-sub012/internal/store"
	"github.com/stakeordie/emp-job-queue-sub012/internal/workerregistry"
	"github.com/stakeordie/emp-job-queue-sub012/pkg/types"
)

// MatchMode selects whether Claim applies capability predicates.
// Phase-1A's simplified mode (MatchPermissive) grants any worker any job;
// MatchStrict applies §4.5 in full. The source exhibits both, so callers
// must be able to switch.
type MatchMode int

const (
	MatchPermissive MatchMode = iota
	MatchStrict
)

// topKPermissive and topKStrict are the read depths from §4.4: 1 when no
// filtering is needed, 20 when capability predicates must be evaluated
// against successive candidates.
const (
	topKPermissive = 1
	topKStrict     = 20
)

// ErrNoEligibleJob indicates the worker found no claimable job on this
// poll attempt — an ordinary empty-queue result, not a failure.
var ErrNoEligibleJob = fmt.Errorf("broker: no eligible job")

// Metrics receives claim outcome observations. Implemented by
// internal/metrics.Collector; a nil Metrics disables recording.
type Metrics interface {
	RecordClaim(latency time.Duration)
	RecordClaimAttempt(latency time.Duration)
}

// Broker mediates job claims between the pending queue and workers.
type Broker struct {
	st   store.Store
	jobs *jobrepo.Repository
	wk   *workerregistry.Registry
	mode MatchMode
	m    Metrics
}

// New returns a Broker operating in the given matching mode.
func New(st store.Store, jobs *jobrepo.Repository, wk *workerregistry.Registry, mode MatchMode) *Broker {
	return &Broker{st: st, jobs: jobs, wk: wk, mode: mode}
}

// WithMetrics attaches a metrics sink to the broker and returns it.
func (b *Broker) WithMetrics(m Metrics) *Broker {
	b.m = m
	return b
}

// Claim runs one claim attempt for worker w: read top-K pending by score,
// pick the first eligible candidate, atomically remove it, and advance
// both the job and the worker to their assigned states.
func (b *Broker) Claim(ctx context.Context, workerID string) (*types.Job, error) {
	start := time.Now()
	w, err := b.wk.Get(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("broker: load worker %s: %w", workerID, err)
	}

	k := int64(topKPermissive)
	if b.mode == MatchStrict {
		k = topKStrict
	}
	candidates, err := b.st.ZRevRange(ctx, jobrepo.KeyPending, k)
	if err != nil {
		return nil, fmt.Errorf("broker: read pending: %w", err)
	}

	for _, c := range candidates {
		jobID := types.JobID(c.Member)
		j, err := b.jobs.Get(ctx, jobID)
		if err != nil {
			// Job vanished between the zset read and the hash read (race
			// with cancel); treat it like contention and try the next one.
			continue
		}
		if b.mode == MatchStrict && !Eligible(j, w) {
			continue
		}

		removed, err := b.st.ConditionalRemove(ctx, jobrepo.KeyPending, c.Member)
		if err != nil {
			return nil, fmt.Errorf("broker: claim %s: %w", jobID, err)
		}
		if !removed {
			// Another worker's claim linearized first; this is ordinary
			// contention (§7), not an error.
			continue
		}

		assigned, err := b.jobs.MarkAssigned(ctx, jobID, workerID)
		if err != nil {
			return nil, fmt.Errorf("broker: mark assigned %s: %w", jobID, err)
		}
		if err := b.wk.SetCurrentJob(ctx, workerID, jobID); err != nil {
			return nil, fmt.Errorf("broker: update worker %s: %w", workerID, err)
		}
		if b.m != nil {
			b.m.RecordClaim(time.Since(start))
		}
		return assigned, nil
	}

	if b.m != nil {
		b.m.RecordClaimAttempt(time.Since(start))
	}
	return nil, ErrNoEligibleJob
}
