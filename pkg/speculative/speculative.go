// Copyright 2025 Certen Protocol
//
// Package speculative is the scheduling-decision layer (component G's
// orchestration half): a single gate, ShouldSpeculate, in front of the
// dependency graph, commitment ledger and deferral manager, plus the
// proof-outcome handlers that turn a confirmed or failed speculative proof
// into graph/ledger/deferral state transitions.
package speculative

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/opchain/taskrunner/pkg/deferral"
	"github.com/opchain/taskrunner/pkg/depgraph"
	"github.com/opchain/taskrunner/pkg/ledger"
	"github.com/opchain/taskrunner/pkg/rollback"
	"github.com/opchain/taskrunner/pkg/task"
)

// DenialReason is why ShouldSpeculate refused a task, or "" if allowed.
type DenialReason string

const (
	ReasonNone                      DenialReason = ""
	ReasonDisabled                  DenialReason = "disabled"
	ReasonTaskNotFound              DenialReason = "task_not_found"
	ReasonDependencyTypeUnsupported DenialReason = "dependency_type_not_speculatable"
	ReasonDepthLimit                DenialReason = "depth_limit"
	ReasonStakeLimit                DenialReason = "stake_limit"
	ReasonPrivateDisabled           DenialReason = "private_speculation_disabled"
	ReasonLowReputation             DenialReason = "low_reputation"
	ReasonRollbackRateExceeded      DenialReason = "rollback_rate_exceeded"
)

// CancelReason is why CancelSpeculation was invoked.
type CancelReason string

const (
	CancelCreatorCancelled CancelReason = "creator_cancelled"
	CancelDeadlineExpired  CancelReason = "deadline_expired"
	CancelManual           CancelReason = "manual"
	CancelPolicyViolation  CancelReason = "policy_violation"
)

// Strategy picks the ordering candidates for speculation are offered in. The
// scheduler never reorders execution itself — this is advisory ranking a
// caller may use to decide which of several eligible candidates to
// speculate on first.
type Strategy int

const (
	StrategyFIFO Strategy = iota
	StrategyPriority
	StrategyRewardWeighted
)

// Candidate is one task a caller is weighing for speculation.
type Candidate struct {
	TaskAddress task.Address
	Depth       int
	Reward      *big.Int
}

// Rank orders candidates per the configured strategy: FIFO preserves input
// order, Priority favors shallower depth, RewardWeighted favors higher
// reward.
func Rank(strategy Strategy, candidates []Candidate) []Candidate {
	out := append([]Candidate{}, candidates...)
	switch strategy {
	case StrategyPriority:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Depth < out[j].Depth })
	case StrategyRewardWeighted:
		sort.SliceStable(out, func(i, j int) bool {
			ri, rj := out[i].Reward, out[j].Reward
			if ri == nil || rj == nil {
				return false
			}
			return ri.Cmp(rj) > 0
		})
	}
	return out
}

// Config is the speculative scheduler's tunable policy surface.
type Config struct {
	Enabled                     bool
	MaxSpeculationDepth         int
	MaxSpeculativeStake         *big.Int
	AllowPrivateSpeculation     bool
	MinReputationForSpeculation int
	ProofTimeoutMs              int64
	Strategy                    Strategy
	SpeculatableDependencyTypes map[task.DependencyType]struct{}
	MaxRollbackRatePercent      float64
}

func DefaultConfig() Config {
	return Config{
		Enabled:                     true,
		MaxSpeculationDepth:         3,
		MaxSpeculativeStake:         new(big.Int).Mul(big.NewInt(10), big.NewInt(1_000_000_000)),
		AllowPrivateSpeculation:     false,
		MinReputationForSpeculation: 500,
		ProofTimeoutMs:              300_000,
		Strategy:                    StrategyFIFO,
		SpeculatableDependencyTypes: map[task.DependencyType]struct{}{
			task.DependencyData:  {},
			task.DependencyOrder: {},
		},
		MaxRollbackRatePercent: 20,
	}
}

// Listeners are the scheduler's advisory and outcome callbacks.
type Listeners struct {
	OnDepthLimitReached   func(taskAddr task.Address)
	OnStakeLimitReached   func(taskAddr task.Address)
	OnSpeculationDisabled func(reason string)
	OnSpeculationStarted  func(taskAddr task.Address, depth int)
	OnSpeculationConfirmed func(taskAddr task.Address)
	OnSpeculationFailed   func(taskAddr task.Address, reason string)
}

// Metrics is the scheduler's ExecutorMetrics-adjacent speculation counters.
type Metrics struct {
	SpeculativeExecutions int64
	SpeculativeHits       int64
	SpeculativeMisses     int64
	HitRate               float64
	EstimatedTimeSaved    int64
	TimeWastedOnRollbacks int64
	RollbackRate          float64
}

// CancelResult is returned by CancelSpeculation.
type CancelResult struct {
	CancelledTaskAddress task.Address
	Reason               CancelReason
	AbortedDescendants   []task.Address
	CancelledProofs      int
	StakeReleased        int64
}

// Scheduler is the speculative scheduling-decision layer.
type Scheduler struct {
	cfg      Config
	graph    *depgraph.Graph
	ledger   *ledger.Ledger
	deferral *deferral.Manager
	rollback *rollback.Controller

	mu        sync.Mutex
	enabled   bool
	listeners []Listeners

	metricsMu sync.Mutex
	metrics   Metrics

	startTimes map[task.Address]time.Time

	rollbackTripped bool
	nowMs           func() int64
}

func New(cfg Config, graph *depgraph.Graph, led *ledger.Ledger, def *deferral.Manager, rb *rollback.Controller) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		graph:      graph,
		ledger:     led,
		deferral:   def,
		rollback:   rb,
		enabled:    cfg.Enabled,
		startTimes: make(map[task.Address]time.Time),
		nowMs:      func() int64 { return time.Now().UnixMilli() },
	}
}

func (s *Scheduler) AddListeners(l Listeners) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Scheduler) emit(fn func(l Listeners)) {
	s.mu.Lock()
	listeners := append([]Listeners{}, s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		fn(l)
	}
}

// EnableSpeculation re-enables speculation after an auto-disable. It is the
// only way to clear a rollback-rate trip; the scheduler never re-enables
// itself.
func (s *Scheduler) EnableSpeculation() {
	s.mu.Lock()
	s.enabled = true
	s.rollbackTripped = false
	s.mu.Unlock()
}

// DisableSpeculation is the manual-off switch.
func (s *Scheduler) DisableSpeculation() {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
}

// ShouldSpeculate is the scheduler's single entry point, evaluating denial
// reasons in the fixed order the policy requires: the first failing check
// wins.
func (s *Scheduler) ShouldSpeculate(taskAddr task.Address, isPrivate bool, agentReputation int) (bool, DenialReason) {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()
	if !enabled {
		return false, ReasonDisabled
	}

	node, ok := s.graph.GetNode(taskAddr)
	if !ok {
		return false, ReasonTaskNotFound
	}

	if _, ok := s.cfg.SpeculatableDependencyTypes[node.DependencyType]; !ok || node.DependencyType == task.DependencyProof {
		return false, ReasonDependencyTypeUnsupported
	}

	if node.Depth > s.cfg.MaxSpeculationDepth {
		s.emit(func(l Listeners) {
			if l.OnDepthLimitReached != nil {
				l.OnDepthLimitReached(taskAddr)
			}
		})
		return false, ReasonDepthLimit
	}

	if s.cfg.MaxSpeculativeStake != nil && s.ledger.TotalStakeAtRisk().Cmp(s.cfg.MaxSpeculativeStake) >= 0 {
		s.emit(func(l Listeners) {
			if l.OnStakeLimitReached != nil {
				l.OnStakeLimitReached(taskAddr)
			}
		})
		return false, ReasonStakeLimit
	}

	if isPrivate && !s.cfg.AllowPrivateSpeculation {
		return false, ReasonPrivateDisabled
	}

	if agentReputation < s.cfg.MinReputationForSpeculation {
		return false, ReasonLowReputation
	}

	if s.rollbackRateExceeded() {
		s.tripRollbackDisable()
		return false, ReasonRollbackRateExceeded
	}

	return true, ReasonNone
}

func (s *Scheduler) rollbackRateExceeded() bool {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return s.metrics.RollbackRate > s.cfg.MaxRollbackRatePercent
}

// tripRollbackDisable flips the global flag exactly once per enable,
// satisfying P5's at-most-once-per-enable trip semantics.
func (s *Scheduler) tripRollbackDisable() {
	s.mu.Lock()
	alreadyTripped := s.rollbackTripped
	s.enabled = false
	s.rollbackTripped = true
	s.mu.Unlock()

	if !alreadyTripped {
		s.emit(func(l Listeners) {
			if l.OnSpeculationDisabled != nil {
				l.OnSpeculationDisabled(string(ReasonRollbackRateExceeded))
			}
		})
	}
}

// RegisterSpeculationStart records a speculative execution's start.
func (s *Scheduler) RegisterSpeculationStart(taskAddr task.Address, depth int) {
	s.mu.Lock()
	if s.startTimes == nil {
		s.startTimes = make(map[task.Address]time.Time)
	}
	s.startTimes[taskAddr] = time.Now()
	s.mu.Unlock()

	s.metricsMu.Lock()
	s.metrics.SpeculativeExecutions++
	s.metricsMu.Unlock()

	s.emit(func(l Listeners) {
		if l.OnSpeculationStarted != nil {
			l.OnSpeculationStarted(taskAddr, depth)
		}
	})
}

// OnProofConfirmed marks a speculative task's proof confirmed on-chain:
// completes the graph node, confirms the commitment, credits the estimated
// time saved, and releases any descendant proofs blocked on this ancestor.
func (s *Scheduler) OnProofConfirmed(taskAddr task.Address) {
	elapsed := s.takeElapsed(taskAddr)

	_ = s.graph.UpdateStatus(taskAddr, depgraph.StatusCompleted)
	_ = s.ledger.MarkConfirmed(taskAddr)

	s.metricsMu.Lock()
	s.metrics.EstimatedTimeSaved += elapsed
	s.metrics.SpeculativeHits++
	s.updateRatesLocked()
	s.metricsMu.Unlock()

	s.emit(func(l Listeners) {
		if l.OnSpeculationConfirmed != nil {
			l.OnSpeculationConfirmed(taskAddr)
		}
	})

	s.deferral.OnAncestorConfirmed(taskAddr)
}

// OnProofFailed triggers a full rollback rooted at taskAddr, notifies the
// deferral manager, and records the miss.
func (s *Scheduler) OnProofFailed(taskAddr task.Address, reason string) {
	s.takeElapsed(taskAddr)

	result, _ := s.rollback.Rollback(taskAddr, rollback.ReasonProofFailed)

	s.deferral.OnAncestorFailed(taskAddr)

	s.metricsMu.Lock()
	s.metrics.SpeculativeMisses++
	s.metrics.TimeWastedOnRollbacks += result.WastedComputeMs
	s.updateRatesLocked()
	s.metricsMu.Unlock()

	s.emit(func(l Listeners) {
		if l.OnSpeculationFailed != nil {
			l.OnSpeculationFailed(taskAddr, reason)
		}
	})
}

// updateRatesLocked recomputes hitRate/rollbackRate. Caller must hold
// metricsMu.
func (s *Scheduler) updateRatesLocked() {
	total := s.metrics.SpeculativeHits + s.metrics.SpeculativeMisses
	if total > 0 {
		s.metrics.HitRate = float64(s.metrics.SpeculativeHits) / float64(total) * 100
	}
	if s.metrics.SpeculativeExecutions > 0 {
		s.metrics.RollbackRate = float64(s.metrics.SpeculativeMisses) / float64(s.metrics.SpeculativeExecutions) * 100
	}
}

func (s *Scheduler) takeElapsed(taskAddr task.Address) int64 {
	s.mu.Lock()
	start, ok := s.startTimes[taskAddr]
	delete(s.startTimes, taskAddr)
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return time.Since(start).Milliseconds()
}

// CancelSpeculation is the soft-abort path: it cancels descendant
// speculations and their pending proofs without counting a miss or slashing
// stake, releasing it instead.
func (s *Scheduler) CancelSpeculation(taskAddr task.Address, reason CancelReason) (CancelResult, error) {
	descendants, err := s.graph.GetDescendants(taskAddr)
	if err != nil {
		return CancelResult{}, fmt.Errorf("speculative: %w", err)
	}
	affected := append([]task.Address{taskAddr}, descendants...)

	result := CancelResult{CancelledTaskAddress: taskAddr, Reason: reason}
	for _, addr := range affected {
		if err := s.deferral.Cancel(addr); err == nil {
			result.CancelledProofs++
		}
		if c, ok := s.ledger.GetByTask(addr); ok && !c.Status.Terminal() {
			stake := c.StakeAtRisk.Int64()
			if err := s.ledger.UpdateStatus(addr, ledger.StatusRolledBack); err == nil {
				result.StakeReleased += stake
			}
		}
		if addr != taskAddr {
			result.AbortedDescendants = append(result.AbortedDescendants, addr)
		}
	}
	return result, nil
}

// GetMetrics returns a snapshot of the scheduler's speculation counters.
func (s *Scheduler) GetMetrics() Metrics {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return s.metrics
}

// Enabled reports whether speculation is currently allowed.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}
