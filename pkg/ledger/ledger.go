// Copyright 2025 Certen Protocol
//
// Package ledger is the commitment ledger (component D): it records
// speculative commitments and keeps a running sum of stake at risk that is
// maintained atomically with every terminal status transition.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/opchain/taskrunner/pkg/task"
)

// Status is a SpeculativeCommitment's lifecycle position.
type Status int

const (
	StatusActive Status = iota
	StatusAwaitingAncestor
	StatusConfirmed
	StatusFailed
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusAwaitingAncestor:
		return "awaiting-ancestor"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further status transition is legal.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusRolledBack
}

var (
	ErrAlreadyRecorded = errors.New("ledger: commitment already recorded for task")
	ErrNotFound        = errors.New("ledger: commitment not found")
	ErrTerminal        = errors.New("ledger: commitment is already terminal")
)

// Commitment is a SpeculativeCommitment.
type Commitment struct {
	TaskAddress  task.Address
	Depth        int
	StakeAtRisk  *big.Int
	Status       Status
	CreatedAtMs  int64
}

// Stats is the GetStats() aggregate: counts by status plus, as a supplement
// to the required aggregate, the maximum observed depth per status — mirrors
// the teacher's habit of tracking transition counts alongside raw state.
type Stats struct {
	CountByStatus    map[Status]int
	MaxDepthByStatus map[Status]int
	TotalStakeAtRisk *big.Int
}

// Ledger is the commitment ledger. All reads and writes are serialized
// behind one mutex; TotalStakeAtRisk is maintained as a running sum rather
// than recomputed, so its update is part of every status-changing critical
// section.
type Ledger struct {
	mu           sync.RWMutex
	commitments  map[task.Address]*Commitment
	totalAtRisk  *big.Int
}

func New() *Ledger {
	return &Ledger{
		commitments: make(map[task.Address]*Commitment),
		totalAtRisk: big.NewInt(0),
	}
}

// Record inserts a new commitment. If its initial status is non-terminal,
// its stake joins the running total.
func (l *Ledger) Record(c Commitment) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.commitments[c.TaskAddress]; exists {
		return fmt.Errorf("%w: %x", ErrAlreadyRecorded, c.TaskAddress)
	}
	stake := new(big.Int)
	if c.StakeAtRisk != nil {
		stake.Set(c.StakeAtRisk)
	}
	cp := c
	cp.StakeAtRisk = stake
	l.commitments[c.TaskAddress] = &cp

	if !c.Status.Terminal() {
		l.totalAtRisk.Add(l.totalAtRisk, stake)
	}
	return nil
}

func (l *Ledger) GetByTask(addr task.Address) (*Commitment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.commitments[addr]
	if !ok {
		return nil, false
	}
	return cloneCommitment(c), true
}

func (l *Ledger) AllCommitments() []*Commitment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Commitment, 0, len(l.commitments))
	for _, c := range l.commitments {
		out = append(out, cloneCommitment(c))
	}
	return out
}

// TotalStakeAtRisk returns the sum of stakeAtRisk over commitments whose
// status is not terminal, maintained as a running total rather than
// recomputed on each call (P4).
func (l *Ledger) TotalStakeAtRisk() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.totalAtRisk)
}

// UpdateStatus transitions a commitment's status. Crossing into a terminal
// status releases its stake from the running total in the same critical
// section as the status write, keeping TotalStakeAtRisk's invariant atomic.
func (l *Ledger) UpdateStatus(addr task.Address, newStatus Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.commitments[addr]
	if !ok {
		return fmt.Errorf("%w: %x", ErrNotFound, addr)
	}
	if c.Status.Terminal() {
		return fmt.Errorf("%w: %x is %s", ErrTerminal, addr, c.Status)
	}
	c.Status = newStatus
	if newStatus.Terminal() {
		l.totalAtRisk.Sub(l.totalAtRisk, c.StakeAtRisk)
	}
	return nil
}

// MarkConfirmed is UpdateStatus(addr, StatusConfirmed), the common case
// called from the speculative scheduler's proof-confirmed path.
func (l *Ledger) MarkConfirmed(addr task.Address) error {
	return l.UpdateStatus(addr, StatusConfirmed)
}

// GetStats returns the status-count and max-depth-per-status breakdown.
func (l *Ledger) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		CountByStatus:    make(map[Status]int),
		MaxDepthByStatus: make(map[Status]int),
		TotalStakeAtRisk: new(big.Int).Set(l.totalAtRisk),
	}
	for _, c := range l.commitments {
		stats.CountByStatus[c.Status]++
		if d, ok := stats.MaxDepthByStatus[c.Status]; !ok || c.Depth > d {
			stats.MaxDepthByStatus[c.Status] = c.Depth
		}
	}
	return stats
}

func cloneCommitment(c *Commitment) *Commitment {
	cp := *c
	cp.StakeAtRisk = new(big.Int).Set(c.StakeAtRisk)
	return &cp
}
