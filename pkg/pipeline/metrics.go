// Copyright 2025 Certen Protocol

package pipeline

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the executor's ExecutorMetrics: a set of atomically-updated
// counters plus, when a prometheus.Registerer is supplied, a mirrored set of
// exported series for scraping.
type Metrics struct {
	TasksDiscovered atomic.Int64
	TasksClaimed    atomic.Int64
	TasksCompleted  atomic.Int64
	TasksFailed     atomic.Int64
	ClaimsFailed    atomic.Int64
	ClaimsExpired   atomic.Int64
	SubmitsFailed   atomic.Int64
	ClaimRetries    atomic.Int64
	SubmitRetries   atomic.Int64
	TasksInProgress atomic.Int64

	// pipelineActive counts every admitted task not yet terminal (queued
	// through S4), satisfying tasksDiscovered = completed + failed +
	// pipelineActive at any observation.
	pipelineActive atomic.Int64

	prom *promCollectors
}

func (m *Metrics) incPipelineActive() { m.pipelineActive.Add(1) }
func (m *Metrics) decPipelineActive() { m.pipelineActive.Add(-1) }

// PipelineActive returns the count of admitted, not-yet-terminal tasks.
func (m *Metrics) PipelineActive() int64 { return m.pipelineActive.Load() }

type promCollectors struct {
	discovered prometheus.Counter
	claimed    prometheus.Counter
	completed  prometheus.Counter
	failed     prometheus.Counter
	claimsFail prometheus.Counter
	claimsExp  prometheus.Counter
	submitFail prometheus.Counter
	claimRetry prometheus.Counter
	submitRetry prometheus.Counter
	inProgress prometheus.Gauge
}

// RegisterPrometheus wires the counters into reg under the "taskrunner_"
// namespace. Safe to call once per Metrics instance; a nil reg is a no-op,
// matching the deferral manager's optional-sink convention.
func (m *Metrics) RegisterPrometheus(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	p := &promCollectors{
		discovered:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: "taskrunner", Name: "tasks_discovered_total"}),
		claimed:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: "taskrunner", Name: "tasks_claimed_total"}),
		completed:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: "taskrunner", Name: "tasks_completed_total"}),
		failed:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: "taskrunner", Name: "tasks_failed_total"}),
		claimsFail:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: "taskrunner", Name: "claims_failed_total"}),
		claimsExp:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: "taskrunner", Name: "claims_expired_total"}),
		submitFail:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: "taskrunner", Name: "submits_failed_total"}),
		claimRetry:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: "taskrunner", Name: "claim_retries_total"}),
		submitRetry: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "taskrunner", Name: "submit_retries_total"}),
		inProgress:  prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "taskrunner", Name: "tasks_in_progress"}),
	}
	for _, c := range []prometheus.Collector{p.discovered, p.claimed, p.completed, p.failed, p.claimsFail, p.claimsExp, p.submitFail, p.claimRetry, p.submitRetry, p.inProgress} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	m.prom = p
	return nil
}

func (m *Metrics) incDiscovered() {
	m.TasksDiscovered.Add(1)
	if m.prom != nil {
		m.prom.discovered.Inc()
	}
}
func (m *Metrics) incClaimed() {
	m.TasksClaimed.Add(1)
	if m.prom != nil {
		m.prom.claimed.Inc()
	}
}
func (m *Metrics) incCompleted() {
	m.TasksCompleted.Add(1)
	if m.prom != nil {
		m.prom.completed.Inc()
	}
}
func (m *Metrics) incFailed() {
	m.TasksFailed.Add(1)
	if m.prom != nil {
		m.prom.failed.Inc()
	}
}
func (m *Metrics) incClaimsFailed() {
	m.ClaimsFailed.Add(1)
	if m.prom != nil {
		m.prom.claimsFail.Inc()
	}
}
func (m *Metrics) incClaimsExpired() {
	m.ClaimsExpired.Add(1)
	if m.prom != nil {
		m.prom.claimsExp.Inc()
	}
}
func (m *Metrics) incSubmitsFailed() {
	m.SubmitsFailed.Add(1)
	if m.prom != nil {
		m.prom.submitFail.Inc()
	}
}
func (m *Metrics) incClaimRetries() {
	m.ClaimRetries.Add(1)
	if m.prom != nil {
		m.prom.claimRetry.Inc()
	}
}
func (m *Metrics) incSubmitRetries() {
	m.SubmitRetries.Add(1)
	if m.prom != nil {
		m.prom.submitRetry.Inc()
	}
}
func (m *Metrics) adjustInProgress(delta int64) {
	m.TasksInProgress.Add(delta)
	if m.prom != nil {
		m.prom.inProgress.Add(float64(delta))
	}
}

// Snapshot is a point-in-time copy of the counters, satisfying P3:
// TasksDiscovered = TasksCompleted + TasksFailed + PipelineActive.
// TasksInProgress counts only tasks currently in S3.
type Snapshot struct {
	TasksDiscovered int64
	TasksClaimed    int64
	TasksCompleted  int64
	TasksFailed     int64
	ClaimsFailed    int64
	ClaimsExpired   int64
	SubmitsFailed   int64
	ClaimRetries    int64
	SubmitRetries   int64
	TasksInProgress int64
	PipelineActive  int64
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TasksDiscovered: m.TasksDiscovered.Load(),
		TasksClaimed:    m.TasksClaimed.Load(),
		TasksCompleted:  m.TasksCompleted.Load(),
		TasksFailed:     m.TasksFailed.Load(),
		ClaimsFailed:    m.ClaimsFailed.Load(),
		ClaimsExpired:   m.ClaimsExpired.Load(),
		SubmitsFailed:   m.SubmitsFailed.Load(),
		ClaimRetries:    m.ClaimRetries.Load(),
		SubmitRetries:   m.SubmitRetries.Load(),
		TasksInProgress: m.TasksInProgress.Load(),
		PipelineActive:  m.pipelineActive.Load(),
	}
}
