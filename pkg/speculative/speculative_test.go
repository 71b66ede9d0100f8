// Copyright 2025 Certen Protocol

package speculative

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opchain/taskrunner/pkg/deferral"
	"github.com/opchain/taskrunner/pkg/depgraph"
	"github.com/opchain/taskrunner/pkg/ledger"
	"github.com/opchain/taskrunner/pkg/rollback"
	"github.com/opchain/taskrunner/pkg/task"
)

type fakeAborter struct{}

func (fakeAborter) Abort(task.Address) (int64, bool) { return 5, true }

func newTestScheduler(cfg Config) (*Scheduler, *depgraph.Graph, *ledger.Ledger) {
	graph := depgraph.New()
	led := ledger.New()
	def := deferral.New(nil)
	rb := rollback.New(graph, led, def, fakeAborter{})
	return New(cfg, graph, led, def, rb), graph, led
}

func TestShouldSpeculateDenialOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSpeculationDepth = 1
	s, graph, _ := newTestScheduler(cfg)

	root := common.HexToHash("0x1")
	if _, err := graph.AddNode(root, nil, task.DependencyData); err != nil {
		t.Fatalf("add root: %v", err)
	}

	// task_not_found: never inserted into the graph.
	unknown := common.HexToHash("0xff")
	if allowed, reason := s.ShouldSpeculate(unknown, false, 1000); allowed || reason != ReasonTaskNotFound {
		t.Fatalf("unknown task: allowed=%v reason=%v, want denied/task_not_found", allowed, reason)
	}

	// dependency_type_not_speculatable: a proof-dependency child.
	proofChild := common.HexToHash("0x2")
	if _, err := graph.AddNode(proofChild, &root, task.DependencyProof); err != nil {
		t.Fatalf("add proof child: %v", err)
	}
	if allowed, reason := s.ShouldSpeculate(proofChild, false, 1000); allowed || reason != ReasonDependencyTypeUnsupported {
		t.Fatalf("proof child: allowed=%v reason=%v, want denied/dependency_type_not_speculatable", allowed, reason)
	}

	// depth_limit: root is depth 0, fine against MaxSpeculationDepth=1; a
	// grandchild at depth 2 exceeds it.
	dataChild := common.HexToHash("0x3")
	if _, err := graph.AddNode(dataChild, &root, task.DependencyData); err != nil {
		t.Fatalf("add data child: %v", err)
	}
	grandchild := common.HexToHash("0x4")
	if _, err := graph.AddNode(grandchild, &dataChild, task.DependencyData); err != nil {
		t.Fatalf("add grandchild: %v", err)
	}
	if allowed, reason := s.ShouldSpeculate(grandchild, false, 1000); allowed || reason != ReasonDepthLimit {
		t.Fatalf("grandchild: allowed=%v reason=%v, want denied/depth_limit", allowed, reason)
	}

	if allowed, reason := s.ShouldSpeculate(dataChild, false, 1000); !allowed || reason != ReasonNone {
		t.Fatalf("dataChild: allowed=%v reason=%v, want allowed", allowed, reason)
	}
}

func TestShouldSpeculateStakeLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSpeculativeStake = big.NewInt(100)
	s, graph, led := newTestScheduler(cfg)

	root := common.HexToHash("0x1")
	if _, err := graph.AddNode(root, nil, task.DependencyData); err != nil {
		t.Fatalf("add root: %v", err)
	}
	if err := led.Record(ledger.Commitment{TaskAddress: common.HexToHash("0x99"), StakeAtRisk: big.NewInt(100), Status: ledger.StatusActive}); err != nil {
		t.Fatalf("record: %v", err)
	}

	var hits int
	s.AddListeners(Listeners{OnStakeLimitReached: func(task.Address) { hits++ }})

	allowed, reason := s.ShouldSpeculate(root, false, 1000)
	if allowed || reason != ReasonStakeLimit {
		t.Fatalf("allowed=%v reason=%v, want denied/stake_limit", allowed, reason)
	}
	if hits != 1 {
		t.Fatalf("onStakeLimitReached fired %d times, want 1", hits)
	}
}

func TestShouldSpeculatePrivateAndReputation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinReputationForSpeculation = 500
	s, graph, _ := newTestScheduler(cfg)

	root := common.HexToHash("0x1")
	if _, err := graph.AddNode(root, nil, task.DependencyData); err != nil {
		t.Fatalf("add root: %v", err)
	}

	if allowed, reason := s.ShouldSpeculate(root, true, 1000); allowed || reason != ReasonPrivateDisabled {
		t.Fatalf("private: allowed=%v reason=%v, want denied/private_speculation_disabled", allowed, reason)
	}
	if allowed, reason := s.ShouldSpeculate(root, false, 100); allowed || reason != ReasonLowReputation {
		t.Fatalf("low rep: allowed=%v reason=%v, want denied/low_reputation", allowed, reason)
	}
}

func TestRollbackRateTripsAtMostOncePerEnable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRollbackRatePercent = 10
	s, graph, _ := newTestScheduler(cfg)

	root := common.HexToHash("0x1")
	if _, err := graph.AddNode(root, nil, task.DependencyData); err != nil {
		t.Fatalf("add root: %v", err)
	}

	s.RegisterSpeculationStart(root, 0)
	s.OnProofFailed(root, "bad proof")

	var disables int
	s.AddListeners(Listeners{OnSpeculationDisabled: func(string) { disables++ }})

	allowed, reason := s.ShouldSpeculate(root, false, 1000)
	if allowed || reason != ReasonRollbackRateExceeded {
		t.Fatalf("allowed=%v reason=%v, want denied/rollback_rate_exceeded", allowed, reason)
	}
	if disables != 1 {
		t.Fatalf("onSpeculationDisabled fired %d times, want 1", disables)
	}

	// Subsequent calls short-circuit at the disabled check, not rollback_rate_exceeded.
	allowed, reason = s.ShouldSpeculate(root, false, 1000)
	if allowed || reason != ReasonDisabled {
		t.Fatalf("second call: allowed=%v reason=%v, want denied/disabled", allowed, reason)
	}
	if disables != 1 {
		t.Fatalf("onSpeculationDisabled fired %d times after second call, want still 1", disables)
	}

	s.EnableSpeculation()
	if !s.Enabled() {
		t.Fatal("expected scheduler enabled after EnableSpeculation")
	}
}

func TestOnProofConfirmedReleasesDescendant(t *testing.T) {
	s, graph, led := newTestScheduler(DefaultConfig())

	root := common.HexToHash("0x1")
	child := common.HexToHash("0x2")
	if _, err := graph.AddNode(root, nil, task.DependencyData); err != nil {
		t.Fatalf("add root: %v", err)
	}
	if _, err := graph.AddNode(child, &root, task.DependencyData); err != nil {
		t.Fatalf("add child: %v", err)
	}
	if err := graph.UpdateStatus(root, depgraph.StatusExecuting); err != nil {
		t.Fatalf("executing: %v", err)
	}
	if err := led.Record(ledger.Commitment{TaskAddress: root, StakeAtRisk: big.NewInt(10), Status: ledger.StatusActive}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := s.deferral.Enqueue(child, nil, []task.Address{root}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	s.RegisterSpeculationStart(root, 0)
	s.OnProofConfirmed(root)

	node, ok := graph.GetNode(root)
	if !ok || node.Status != depgraph.StatusCompleted {
		t.Fatalf("root node status = %v, want completed", node)
	}
	c, ok := led.GetByTask(root)
	if !ok || c.Status != ledger.StatusConfirmed {
		t.Fatalf("root commitment status = %v, want confirmed", c)
	}
	proof, ok := s.deferral.Get(child)
	if !ok || proof.Stage != deferral.StageSubmitting {
		t.Fatalf("child proof stage = %v, want submitting", proof)
	}

	m := s.GetMetrics()
	if m.SpeculativeHits != 1 {
		t.Fatalf("speculativeHits = %d, want 1", m.SpeculativeHits)
	}
}

func TestCancelSpeculationReleasesStakeWithoutCountingMiss(t *testing.T) {
	s, graph, led := newTestScheduler(DefaultConfig())

	root := common.HexToHash("0x1")
	child := common.HexToHash("0x2")
	if _, err := graph.AddNode(root, nil, task.DependencyData); err != nil {
		t.Fatalf("add root: %v", err)
	}
	if _, err := graph.AddNode(child, &root, task.DependencyData); err != nil {
		t.Fatalf("add child: %v", err)
	}
	if err := led.Record(ledger.Commitment{TaskAddress: root, StakeAtRisk: big.NewInt(10), Status: ledger.StatusActive}); err != nil {
		t.Fatalf("record root: %v", err)
	}
	if err := led.Record(ledger.Commitment{TaskAddress: child, StakeAtRisk: big.NewInt(5), Status: ledger.StatusActive}); err != nil {
		t.Fatalf("record child: %v", err)
	}
	if err := s.deferral.Enqueue(child, nil, nil, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := s.CancelSpeculation(root, CancelCreatorCancelled)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.StakeReleased != 15 {
		t.Fatalf("stakeReleased = %d, want 15", result.StakeReleased)
	}
	if len(result.AbortedDescendants) != 1 || result.AbortedDescendants[0] != child {
		t.Fatalf("abortedDescendants = %v, want [child]", result.AbortedDescendants)
	}

	m := s.GetMetrics()
	if m.SpeculativeMisses != 0 {
		t.Fatalf("speculativeMisses = %d, want 0 (cancel is not a miss)", m.SpeculativeMisses)
	}
}

func TestRankStrategies(t *testing.T) {
	candidates := []Candidate{
		{TaskAddress: common.HexToHash("0x1"), Depth: 2, Reward: big.NewInt(5)},
		{TaskAddress: common.HexToHash("0x2"), Depth: 0, Reward: big.NewInt(50)},
		{TaskAddress: common.HexToHash("0x3"), Depth: 1, Reward: big.NewInt(1)},
	}

	byPriority := Rank(StrategyPriority, candidates)
	if byPriority[0].Depth != 0 || byPriority[2].Depth != 2 {
		t.Fatalf("priority order = %+v, want depth ascending", byPriority)
	}

	byReward := Rank(StrategyRewardWeighted, candidates)
	if byReward[0].Reward.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("reward order = %+v, want highest reward first", byReward)
	}

	byFIFO := Rank(StrategyFIFO, candidates)
	if byFIFO[0].TaskAddress != candidates[0].TaskAddress {
		t.Fatalf("fifo order changed input order")
	}
}
