// Copyright 2025 Certen Protocol

package rollback

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opchain/taskrunner/pkg/deferral"
	"github.com/opchain/taskrunner/pkg/depgraph"
	"github.com/opchain/taskrunner/pkg/ledger"
	"github.com/opchain/taskrunner/pkg/task"
)

type fakeAborter struct {
	aborted map[task.Address]int64
}

func newFakeAborter() *fakeAborter { return &fakeAborter{aborted: make(map[task.Address]int64)} }

func (f *fakeAborter) Abort(addr task.Address) (int64, bool) {
	f.aborted[addr] = 42
	return 42, true
}

func buildChain(t *testing.T) (*depgraph.Graph, task.Address, task.Address, task.Address) {
	t.Helper()
	g := depgraph.New()
	root := common.HexToHash("0x01")
	child := common.HexToHash("0x02")
	grandchild := common.HexToHash("0x03")
	if _, err := g.AddNode(root, nil, task.DependencyNone); err != nil {
		t.Fatalf("root: %v", err)
	}
	if _, err := g.AddNode(child, &root, task.DependencyData); err != nil {
		t.Fatalf("child: %v", err)
	}
	if _, err := g.AddNode(grandchild, &child, task.DependencyData); err != nil {
		t.Fatalf("grandchild: %v", err)
	}
	for _, addr := range []task.Address{root, child, grandchild} {
		if err := g.UpdateStatus(addr, depgraph.StatusExecuting); err != nil {
			t.Fatalf("advance %x: %v", addr, err)
		}
	}
	return g, root, child, grandchild
}

func TestRollbackCascadesToDescendants(t *testing.T) {
	g, root, child, grandchild := buildChain(t)
	led := ledger.New()
	for _, addr := range []task.Address{root, child, grandchild} {
		if err := led.Record(ledger.Commitment{TaskAddress: addr, StakeAtRisk: big.NewInt(10), Status: ledger.StatusActive}); err != nil {
			t.Fatalf("record %x: %v", addr, err)
		}
	}
	def := deferral.New(nil)
	for _, addr := range []task.Address{child, grandchild} {
		if err := def.Enqueue(addr, nil, nil, 0); err != nil {
			t.Fatalf("enqueue %x: %v", addr, err)
		}
	}

	aborter := newFakeAborter()
	ctrl := New(g, led, def, aborter)

	var started, completed int
	ctrl.AddListeners(Listeners{
		OnRollbackStarted:   func(task.Address, Reason) { started++ },
		OnRollbackCompleted: func(Result) { completed++ },
	})

	result, err := ctrl.Rollback(root, ReasonProofFailed)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if started != 1 || completed != 1 {
		t.Fatalf("started=%d completed=%d, want 1 and 1", started, completed)
	}
	if len(result.AffectedTaskAddresses) != 3 {
		t.Fatalf("affected = %v, want 3 addresses", result.AffectedTaskAddresses)
	}
	if result.StakeReleased != 30 {
		t.Fatalf("stakeReleased = %d, want 30", result.StakeReleased)
	}
	if result.WastedComputeMs != 126 {
		t.Fatalf("wastedComputeMs = %d, want 126 (42*3)", result.WastedComputeMs)
	}

	for _, addr := range []task.Address{root, child, grandchild} {
		node, _ := g.GetNode(addr)
		if node.Status != depgraph.StatusFailed {
			t.Fatalf("node %x status = %v, want failed", addr, node.Status)
		}
		c, _ := led.GetByTask(addr)
		if c.Status != ledger.StatusRolledBack {
			t.Fatalf("commitment %x status = %v, want rolled-back", addr, c.Status)
		}
	}
	for _, addr := range []task.Address{child, grandchild} {
		p, _ := def.Get(addr)
		if p.Stage != deferral.StageCancelled {
			t.Fatalf("deferred proof %x stage = %v, want cancelled", addr, p.Stage)
		}
	}
}
