// Copyright 2025 Certen Protocol

package ops

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/opchain/taskrunner/pkg/task"
)

// FakePort is an in-memory Port used by the ops and pipeline tests. It
// models claim/completion bookkeeping faithfully enough to drive the state
// machine but never touches a network.
type FakePort struct {
	mu      sync.Mutex
	tasks   map[task.Address]*task.OnChainTask
	claims  map[task.Address]*task.ClaimRecord
	byIDs   map[[20 + 32]byte]task.Address
	deps    map[task.Address]dependency

	// Hooks let a test force a specific Port error for a given address, e.g.
	// to exercise the retry-vs-fail split in §7. An entry applies to every
	// call against that address until the test removes it.
	ClaimErr    map[task.Address]error
	CompleteErr map[task.Address]error

	// WorkerAddr is the worker ClaimTask records on every claim. FetchClaim
	// only returns a claim held by the worker it is asked about, so a test
	// whose executor uses another AgentAddress sets this to match (both
	// default to the zero address).
	WorkerAddr common.Address

	// ClaimLifetimeSec overrides the default 600s claim lifetime for a
	// given address, letting tests force a near-immediate claim expiry.
	ClaimLifetimeSec map[task.Address]int64

	// ClaimFailFirstN/ClaimFailErr make ClaimTask fail with ClaimFailErr[addr]
	// for the first ClaimFailFirstN[addr] calls against addr, then succeed —
	// for exercising the claim-retry-then-succeed path.
	ClaimFailFirstN map[task.Address]int
	ClaimFailErr    map[task.Address]error
	claimAttempts   map[task.Address]int

	NowSec func() int64
}

// dependency records the parent edge a task was seeded with.
type dependency struct {
	parent  task.Address
	depType task.DependencyType
}

// NewFakePort returns an empty FakePort. NowSec defaults to a fixed clock the
// caller can mutate via the returned struct's NowSec field.
func NewFakePort() *FakePort {
	fixed := int64(1_700_000_000)
	return &FakePort{
		tasks:            make(map[task.Address]*task.OnChainTask),
		claims:           make(map[task.Address]*task.ClaimRecord),
		byIDs:            make(map[[20 + 32]byte]task.Address),
		deps:             make(map[task.Address]dependency),
		ClaimErr:         make(map[task.Address]error),
		CompleteErr:      make(map[task.Address]error),
		ClaimLifetimeSec: make(map[task.Address]int64),
		ClaimFailFirstN:  make(map[task.Address]int),
		ClaimFailErr:     make(map[task.Address]error),
		claimAttempts:    make(map[task.Address]int),
		NowSec:           func() int64 { return fixed },
	}
}

// Seed registers a task at addr as if discovered on-chain.
func (p *FakePort) Seed(addr task.Address, t *task.OnChainTask) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *t
	p.tasks[addr] = &cp
	var key [20 + 32]byte
	copy(key[:20], t.Creator[:])
	copy(key[20:], t.TaskID[:])
	p.byIDs[key] = addr
}

// SeedDependency records that addr was registered with parent as its
// dependency, forming depType edge. Call after Seed(addr, ...).
func (p *FakePort) SeedDependency(addr, parent task.Address, depType task.DependencyType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deps[addr] = dependency{parent: parent, depType: depType}
}

// FetchDependency returns the parent seeded via SeedDependency, or a nil
// parent if addr has none.
func (p *FakePort) FetchDependency(ctx context.Context, addr task.Address) (*task.Address, task.DependencyType, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dep, ok := p.deps[addr]
	if !ok {
		return nil, task.DependencyNone, nil
	}
	parent := dep.parent
	return &parent, dep.depType, nil
}

func (p *FakePort) FetchTask(ctx context.Context, addr task.Address) (*task.OnChainTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[addr]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (p *FakePort) FetchTaskByIDs(ctx context.Context, creator common.Address, taskID task.ID) (task.Address, *task.OnChainTask, error) {
	p.mu.Lock()
	var key [20 + 32]byte
	copy(key[:20], creator[:])
	copy(key[20:], taskID[:])
	addr, ok := p.byIDs[key]
	p.mu.Unlock()
	if !ok {
		return task.Address{}, nil, ErrTaskNotFound
	}
	t, err := p.FetchTask(ctx, addr)
	return addr, t, err
}

func (p *FakePort) FetchClaim(ctx context.Context, taskAddr task.Address, worker common.Address) (*task.ClaimRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.claims[taskAddr]
	if !ok || c.Worker != worker {
		return nil, ErrTaskNotFound
	}
	cp := *c
	return &cp, nil
}

func (p *FakePort) ClaimTask(ctx context.Context, addr task.Address, snapshot *task.OnChainTask) (*ClaimOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ClaimErr[addr]; err != nil {
		return nil, err
	}
	if n := p.ClaimFailFirstN[addr]; n > 0 {
		p.claimAttempts[addr]++
		if p.claimAttempts[addr] <= n {
			return nil, p.ClaimFailErr[addr]
		}
	}
	t, ok := p.tasks[addr]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.CurrentWorkers >= t.MaxWorkers {
		return nil, ErrTaskFullyClaimed
	}
	if _, claimed := p.claims[addr]; claimed && t.TaskType == task.TypeExclusive {
		return nil, ErrAlreadyClaimed
	}
	t.CurrentWorkers++
	t.Status = task.StatusInProgress
	now := p.NowSec()
	lifetime := int64(600)
	if v, ok := p.ClaimLifetimeSec[addr]; ok {
		lifetime = v
	}
	rec := &task.ClaimRecord{
		TaskAddress:  addr,
		Worker:       p.WorkerAddr,
		ClaimedAtSec: now,
		ExpiresAtSec: now + lifetime,
	}
	p.claims[addr] = rec
	return &ClaimOutcome{
		TaskID:       t.TaskID,
		ClaimAddress: addr,
		TxSignature:  uuid.New().String(),
	}, nil
}

func (p *FakePort) CompleteTask(ctx context.Context, addr task.Address, result task.PublicResult) (*CompleteOutcome, error) {
	return p.complete(addr)
}

func (p *FakePort) CompleteTaskPrivate(ctx context.Context, addr task.Address, result task.PrivateResult) (*CompleteOutcome, error) {
	return p.complete(addr)
}

func (p *FakePort) complete(addr task.Address) (*CompleteOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.CompleteErr[addr]; err != nil {
		return nil, err
	}
	t, ok := p.tasks[addr]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if _, claimed := p.claims[addr]; !claimed {
		return nil, ErrStaleClaim
	}
	t.Completions++
	if t.Completions >= t.RequiredCompletions {
		t.Status = task.StatusCompleted
	}
	return &CompleteOutcome{TaskID: t.TaskID, TxSignature: uuid.New().String()}, nil
}

var _ Port = (*FakePort)(nil)

// NewTestTask builds a plausible OnChainTask for table-driven tests, with a
// reward of 1 (smallest unit) and a single required completion unless the
// caller overrides fields on the returned pointer.
func NewTestTask(taskID task.ID, creator common.Address) *task.OnChainTask {
	return &task.OnChainTask{
		TaskID:              taskID,
		Creator:             creator,
		RequiredCapabilities: 0,
		RewardAmount:        big.NewInt(1),
		MaxWorkers:          1,
		CurrentWorkers:      0,
		Status:              task.StatusOpen,
		TaskType:            task.TypeExclusive,
		DeadlineSec:         0,
		Escrow:              big.NewInt(1),
		RequiredCompletions: 1,
		Completions:         0,
	}
}
