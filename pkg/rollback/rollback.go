// Copyright 2025 Certen Protocol
//
// Package rollback is the rollback controller (component F). On ancestor
// proof failure it walks the dependency graph's BFS descendant order,
// aborting each task's cancellation signal, cancelling any pending deferred
// proof, releasing non-terminal commitments as rolled-back, and marking the
// graph node failed.
package rollback

import (
	"sync"

	"github.com/opchain/taskrunner/pkg/deferral"
	"github.com/opchain/taskrunner/pkg/depgraph"
	"github.com/opchain/taskrunner/pkg/ledger"
	"github.com/opchain/taskrunner/pkg/task"
)

// Reason is why a rollback was triggered.
type Reason string

const (
	ReasonProofFailed    Reason = "proof_failed"
	ReasonAncestorFailed Reason = "ancestor_failed"
	ReasonTimeout        Reason = "timeout"
	ReasonManual         Reason = "manual"
)

// Aborter aborts a task's shared per-task cancellation signal and reports
// how many milliseconds it had been running, for wastedComputeMs accounting.
// Implemented by the pipeline, which owns the per-task signal registry.
type Aborter interface {
	Abort(addr task.Address) (elapsedMs int64, wasActive bool)
}

// Result is the RollbackResult returned from Rollback.
type Result struct {
	RootAddress          task.Address
	Reason               Reason
	AffectedTaskAddresses []task.Address
	StakeReleased        int64
	WastedComputeMs      int64
}

// Listeners are invoked once per Rollback call, around the BFS walk.
type Listeners struct {
	OnRollbackStarted   func(rootAddr task.Address, reason Reason)
	OnRollbackCompleted func(result Result)
}

// Controller is the rollback controller.
type Controller struct {
	graph    *depgraph.Graph
	ledger   *ledger.Ledger
	deferral *deferral.Manager
	aborter  Aborter

	mu        sync.RWMutex
	listeners []Listeners
}

func New(graph *depgraph.Graph, led *ledger.Ledger, def *deferral.Manager, aborter Aborter) *Controller {
	return &Controller{
		graph:    graph,
		ledger:   led,
		deferral: def,
		aborter:  aborter,
	}
}

// AddListeners registers a listener set. Multiple sets may be registered;
// all are invoked in registration order.
func (c *Controller) AddListeners(l Listeners) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Rollback executes the BFS-abort protocol over rootAddr and its
// descendants, in deterministic order, and returns the aggregate result.
func (c *Controller) Rollback(rootAddr task.Address, reason Reason) (Result, error) {
	c.mu.RLock()
	listeners := append([]Listeners{}, c.listeners...)
	c.mu.RUnlock()

	for _, l := range listeners {
		if l.OnRollbackStarted != nil {
			l.OnRollbackStarted(rootAddr, reason)
		}
	}

	descendants, err := c.graph.GetDescendants(rootAddr)
	if err != nil {
		return Result{}, err
	}
	affected := append([]task.Address{rootAddr}, descendants...)

	result := Result{
		RootAddress:           rootAddr,
		Reason:                reason,
		AffectedTaskAddresses: affected,
	}

	for _, addr := range affected {
		c.rollbackOne(addr, &result)
	}

	for _, l := range listeners {
		if l.OnRollbackCompleted != nil {
			l.OnRollbackCompleted(result)
		}
	}
	return result, nil
}

func (c *Controller) rollbackOne(addr task.Address, result *Result) {
	if elapsedMs, wasActive := c.aborter.Abort(addr); wasActive {
		result.WastedComputeMs += elapsedMs
	}

	if c.deferral != nil {
		_ = c.deferral.Cancel(addr)
	}

	if c.ledger != nil {
		if commitment, ok := c.ledger.GetByTask(addr); ok && !commitment.Status.Terminal() {
			stake := commitment.StakeAtRisk.Int64()
			if err := c.ledger.UpdateStatus(addr, ledger.StatusRolledBack); err == nil {
				result.StakeReleased += stake
			}
		}
	}

	_ = c.graph.UpdateStatus(addr, resolveGraphStatus(c.graph, addr))
}

// resolveGraphStatus picks the legal transition into `failed`: a node must
// pass through `executing` if it is still `pending`, since depgraph only
// allows pending->executing->failed.
func resolveGraphStatus(g *depgraph.Graph, addr task.Address) depgraph.NodeStatus {
	node, ok := g.GetNode(addr)
	if !ok {
		return depgraph.StatusFailed
	}
	if node.Status == depgraph.StatusPending {
		_ = g.UpdateStatus(addr, depgraph.StatusExecuting)
	}
	return depgraph.StatusFailed
}
