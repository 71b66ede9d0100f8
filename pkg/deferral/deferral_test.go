// Copyright 2025 Certen Protocol

package deferral

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opchain/taskrunner/pkg/task"
)

func TestEnqueueWithNoAncestorsStartsQueued(t *testing.T) {
	m := New(nil)
	addr := common.HexToHash("0x01")
	if err := m.Enqueue(addr, nil, nil, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	p, ok := m.Get(addr)
	if !ok {
		t.Fatal("not found")
	}
	if p.Stage != StageQueued {
		t.Fatalf("stage = %v, want queued", p.Stage)
	}
}

func TestOnAncestorConfirmedAdvancesToSubmittingOnlyWhenEmpty(t *testing.T) {
	m := New(nil)
	addr := common.HexToHash("0x10")
	anc1 := common.HexToHash("0x11")
	anc2 := common.HexToHash("0x12")
	if err := m.Enqueue(addr, nil, []task.Address{anc1, anc2}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	m.OnAncestorConfirmed(anc1)
	p, _ := m.Get(addr)
	if p.Stage != StageAwaitingAncestors {
		t.Fatalf("stage after one ancestor confirmed = %v, want awaiting-ancestors (P1)", p.Stage)
	}
	if _, stillPending := p.AncestorsPending[anc2]; !stillPending {
		t.Fatal("anc2 should still be pending")
	}

	m.OnAncestorConfirmed(anc2)
	p, _ = m.Get(addr)
	if p.Stage != StageSubmitting {
		t.Fatalf("stage after both confirmed = %v, want submitting", p.Stage)
	}
}

func TestOnAncestorFailedCancels(t *testing.T) {
	m := New(nil)
	addr := common.HexToHash("0x20")
	anc := common.HexToHash("0x21")
	if err := m.Enqueue(addr, nil, []task.Address{anc}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	m.OnAncestorFailed(anc)
	p, _ := m.Get(addr)
	if p.Stage != StageCancelled {
		t.Fatalf("stage = %v, want cancelled", p.Stage)
	}
}

func TestCheckTimeouts(t *testing.T) {
	m := New(nil)
	addr := common.HexToHash("0x30")
	if err := m.Enqueue(addr, nil, nil, 1000); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	expired := m.CheckTimeouts(500)
	if len(expired) != 0 {
		t.Fatalf("expected no expirations before deadline, got %v", expired)
	}
	expired = m.CheckTimeouts(1001)
	if len(expired) != 1 || expired[0] != addr {
		t.Fatalf("expected %x expired, got %v", addr, expired)
	}
	p, _ := m.Get(addr)
	if p.Stage != StageTimedOut {
		t.Fatalf("stage = %v, want timed-out", p.Stage)
	}
}

func TestGetStatsBreakdown(t *testing.T) {
	m := New(nil)
	a := common.HexToHash("0x40")
	b := common.HexToHash("0x41")
	c := common.HexToHash("0x42")
	mustEnqueue(t, m, a, nil)
	mustEnqueue(t, m, b, []task.Address{common.HexToHash("0x99")})
	mustEnqueue(t, m, c, nil)
	if err := m.AdvanceGenerating(c); err != nil {
		t.Fatalf("advance: %v", err)
	}

	stats := m.GetStats()
	if stats.Queued != 1 || stats.Generating != 1 || stats.AwaitingAncestors != 1 {
		t.Fatalf("stats = %+v, want queued=1 generating=1 awaitingAncestors=1", stats)
	}
}

func mustEnqueue(t *testing.T, m *Manager, addr task.Address, ancestors []task.Address) {
	t.Helper()
	if err := m.Enqueue(addr, nil, ancestors, 0); err != nil {
		t.Fatalf("enqueue(%x): %v", addr, err)
	}
}
