// Copyright 2025 Certen Protocol
//
// Package deferral is the proof deferral manager (component E): a job queue
// for proof generation/submission gated on ancestor-confirmation, with
// per-job deadlines and a custody-style hash-linked event trail adapted from
// the proof lifecycle manager's custody chain technique.
package deferral

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opchain/taskrunner/pkg/task"
)

// Stage is a DeferredProof's position in its lifecycle.
type Stage int

const (
	StageQueued Stage = iota
	StageGenerating
	StageAwaitingAncestors
	StageSubmitting
	StageConfirmed
	StageFailed
	StageTimedOut
	StageCancelled
)

func (s Stage) String() string {
	switch s {
	case StageQueued:
		return "queued"
	case StageGenerating:
		return "generating"
	case StageAwaitingAncestors:
		return "awaiting-ancestors"
	case StageSubmitting:
		return "submitting"
	case StageConfirmed:
		return "confirmed"
	case StageFailed:
		return "failed"
	case StageTimedOut:
		return "timed-out"
	case StageCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Stage) Terminal() bool {
	switch s {
	case StageConfirmed, StageFailed, StageTimedOut, StageCancelled:
		return true
	default:
		return false
	}
}

var (
	ErrAlreadyQueued = errors.New("deferral: proof already queued for task")
	ErrNotFound      = errors.New("deferral: proof not found")
)

// DeferredProof is a proof whose on-chain submission is blocked until every
// entry in AncestorsPending has confirmed.
type DeferredProof struct {
	TaskAddress      task.Address
	Artifact         []byte
	Stage            Stage
	AncestorsPending map[task.Address]struct{}
	EnqueuedAtMs     int64
	DeadlineMs       int64
}

// Stats is the GetStats() breakdown.
type Stats struct {
	Queued            int
	Generating        int
	AwaitingAncestors int
}

// AuditSink receives custody-style events for deferred proofs. It is
// supplemental observability (§4.6 of the expanded design), not required by
// any safety invariant; a nil sink is a valid, silent no-op.
type AuditSink interface {
	RecordEvent(taskAddr task.Address, eventType string, details map[string]any) error
}

// Manager is the proof deferral manager.
type Manager struct {
	mu     sync.Mutex
	proofs map[task.Address]*DeferredProof

	audit        AuditSink
	custodyPrev  map[task.Address][32]byte
	nowMs        func() int64
}

// New builds a Manager. audit may be nil.
func New(audit AuditSink) *Manager {
	return &Manager{
		proofs:      make(map[task.Address]*DeferredProof),
		audit:       audit,
		custodyPrev: make(map[task.Address][32]byte),
		nowMs:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Enqueue admits a new deferred proof. Its initial stage is `queued` if it
// has no pending ancestors, else `awaiting-ancestors`.
func (m *Manager) Enqueue(taskAddr task.Address, artifact []byte, ancestorsPending []task.Address, deadlineMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.proofs[taskAddr]; exists {
		return fmt.Errorf("%w: %x", ErrAlreadyQueued, taskAddr)
	}

	pending := make(map[task.Address]struct{}, len(ancestorsPending))
	for _, a := range ancestorsPending {
		pending[a] = struct{}{}
	}

	stage := StageQueued
	if len(pending) > 0 {
		stage = StageAwaitingAncestors
	}

	p := &DeferredProof{
		TaskAddress:      taskAddr,
		Artifact:         artifact,
		Stage:            stage,
		AncestorsPending: pending,
		EnqueuedAtMs:     m.nowMs(),
		DeadlineMs:       deadlineMs,
	}
	m.proofs[taskAddr] = p
	m.recordEvent(taskAddr, "enqueued", map[string]any{"stage": stage.String(), "ancestors": len(pending)})
	return nil
}

// OnAncestorConfirmed removes ancestorAddr from every blocked proof's
// pending set. A proof whose set becomes empty moves to `submitting` — the
// only legal route into that stage, which is what makes the safety
// invariant (P1) statically true rather than merely tested.
func (m *Manager) OnAncestorConfirmed(ancestorAddr task.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, p := range m.proofs {
		if p.Stage.Terminal() {
			continue
		}
		if _, blocked := p.AncestorsPending[ancestorAddr]; !blocked {
			continue
		}
		delete(p.AncestorsPending, ancestorAddr)
		if len(p.AncestorsPending) == 0 {
			p.Stage = StageSubmitting
			m.recordEvent(addr, "ancestor_confirmed", map[string]any{"ancestor": fmt.Sprintf("%x", ancestorAddr), "stage": p.Stage.String()})
		} else {
			m.recordEvent(addr, "ancestor_confirmed", map[string]any{"ancestor": fmt.Sprintf("%x", ancestorAddr), "remaining": len(p.AncestorsPending)})
		}
	}
}

// OnAncestorFailed cancels every proof whose pending set contains
// ancestorAddr, directly or (via repeated calls during a rollback's BFS
// closure) by descendant closure.
func (m *Manager) OnAncestorFailed(ancestorAddr task.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, p := range m.proofs {
		if p.Stage.Terminal() {
			continue
		}
		if _, blocked := p.AncestorsPending[ancestorAddr]; !blocked {
			continue
		}
		p.Stage = StageCancelled
		m.recordEvent(addr, "ancestor_failed", map[string]any{"ancestor": fmt.Sprintf("%x", ancestorAddr), "stage": p.Stage.String()})
	}
}

// Cancel cancels a single proof directly, used by CancelSpeculation's softer
// abort path (does not imply an ancestor failure).
func (m *Manager) Cancel(taskAddr task.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proofs[taskAddr]
	if !ok {
		return fmt.Errorf("%w: %x", ErrNotFound, taskAddr)
	}
	if p.Stage.Terminal() {
		return nil
	}
	p.Stage = StageCancelled
	m.recordEvent(taskAddr, "cancelled", nil)
	return nil
}

// AdvanceGenerating marks a queued proof as actively generating.
func (m *Manager) AdvanceGenerating(taskAddr task.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proofs[taskAddr]
	if !ok {
		return fmt.Errorf("%w: %x", ErrNotFound, taskAddr)
	}
	if p.Stage != StageQueued {
		return nil
	}
	p.Stage = StageGenerating
	m.recordEvent(taskAddr, "generating", nil)
	return nil
}

// MarkConfirmed marks a submitted proof as confirmed on-chain.
func (m *Manager) MarkConfirmed(taskAddr task.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proofs[taskAddr]
	if !ok {
		return fmt.Errorf("%w: %x", ErrNotFound, taskAddr)
	}
	p.Stage = StageConfirmed
	m.recordEvent(taskAddr, "confirmed", nil)
	return nil
}

// MarkFailed marks a submitted proof as having failed verification.
func (m *Manager) MarkFailed(taskAddr task.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proofs[taskAddr]
	if !ok {
		return fmt.Errorf("%w: %x", ErrNotFound, taskAddr)
	}
	p.Stage = StageFailed
	m.recordEvent(taskAddr, "failed", nil)
	return nil
}

// CheckTimeouts transitions every non-terminal proof whose deadline has
// passed nowMs to `timed-out`. The scheduler's OnProofFailed path treats a
// timed-out proof identically to a failed one.
func (m *Manager) CheckTimeouts(nowMs int64) []task.Address {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []task.Address
	for addr, p := range m.proofs {
		if p.Stage.Terminal() || p.DeadlineMs <= 0 {
			continue
		}
		if nowMs >= p.DeadlineMs {
			p.Stage = StageTimedOut
			m.recordEvent(addr, "timed_out", map[string]any{"deadline_ms": p.DeadlineMs})
			expired = append(expired, addr)
		}
	}
	return expired
}

// BlockedProofs returns every proof still in queued, generating or
// awaiting-ancestors.
func (m *Manager) BlockedProofs() []*DeferredProof {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*DeferredProof
	for _, p := range m.proofs {
		if p.Stage == StageQueued || p.Stage == StageGenerating || p.Stage == StageAwaitingAncestors {
			out = append(out, cloneProof(p))
		}
	}
	return out
}

func (m *Manager) Get(taskAddr task.Address) (*DeferredProof, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proofs[taskAddr]
	if !ok {
		return nil, false
	}
	return cloneProof(p), true
}

func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for _, p := range m.proofs {
		switch p.Stage {
		case StageQueued:
			s.Queued++
		case StageGenerating:
			s.Generating++
		case StageAwaitingAncestors:
			s.AwaitingAncestors++
		}
	}
	return s
}

// recordEvent extends taskAddr's in-memory custody hash chain with this event
// and, if an audit sink is configured, forwards the event type and details to
// it; the chain hash is kept only in custodyPrev and is not passed to the
// sink. Must be called with m.mu held.
func (m *Manager) recordEvent(taskAddr task.Address, eventType string, details map[string]any) {
	prev := m.custodyPrev[taskAddr]
	input := fmt.Sprintf("%s%s%v%d", hex.EncodeToString(prev[:]), eventType, details, m.nowMs())
	next := sha256.Sum256([]byte(input))
	m.custodyPrev[taskAddr] = next

	if m.audit != nil {
		_ = m.audit.RecordEvent(taskAddr, eventType, details)
	}
}

func cloneProof(p *DeferredProof) *DeferredProof {
	cp := *p
	cp.AncestorsPending = make(map[task.Address]struct{}, len(p.AncestorsPending))
	for k := range p.AncestorsPending {
		cp.AncestorsPending[k] = struct{}{}
	}
	cp.Artifact = append([]byte{}, p.Artifact...)
	return &cp
}
