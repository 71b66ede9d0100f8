// Copyright 2025 Certen Protocol

package ledger

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestRecordAndTotalStakeAtRisk(t *testing.T) {
	l := New()
	a := common.HexToHash("0x01")
	b := common.HexToHash("0x02")

	if err := l.Record(Commitment{TaskAddress: a, Depth: 0, StakeAtRisk: big.NewInt(100), Status: StatusActive}); err != nil {
		t.Fatalf("record a: %v", err)
	}
	if err := l.Record(Commitment{TaskAddress: b, Depth: 1, StakeAtRisk: big.NewInt(50), Status: StatusActive}); err != nil {
		t.Fatalf("record b: %v", err)
	}
	if got := l.TotalStakeAtRisk(); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("TotalStakeAtRisk = %v, want 150", got)
	}
}

func TestUpdateStatusReleasesStakeOnTerminal(t *testing.T) {
	l := New()
	a := common.HexToHash("0x10")
	if err := l.Record(Commitment{TaskAddress: a, StakeAtRisk: big.NewInt(100), Status: StatusActive}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.UpdateStatus(a, StatusConfirmed); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := l.TotalStakeAtRisk(); got.Sign() != 0 {
		t.Fatalf("TotalStakeAtRisk after confirm = %v, want 0", got)
	}
}

func TestUpdateStatusRejectsPostTerminal(t *testing.T) {
	l := New()
	a := common.HexToHash("0x20")
	if err := l.Record(Commitment{TaskAddress: a, StakeAtRisk: big.NewInt(1), Status: StatusActive}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.UpdateStatus(a, StatusRolledBack); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if err := l.UpdateStatus(a, StatusConfirmed); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestRecordRejectsDuplicate(t *testing.T) {
	l := New()
	a := common.HexToHash("0x30")
	if err := l.Record(Commitment{TaskAddress: a, StakeAtRisk: big.NewInt(1)}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Record(Commitment{TaskAddress: a, StakeAtRisk: big.NewInt(1)}); !errors.Is(err, ErrAlreadyRecorded) {
		t.Fatalf("expected ErrAlreadyRecorded, got %v", err)
	}
}

func TestGetStatsDepthBreakdown(t *testing.T) {
	l := New()
	a := common.HexToHash("0x40")
	b := common.HexToHash("0x41")
	c := common.HexToHash("0x42")
	mustRecord(t, l, a, 0, 10, StatusActive)
	mustRecord(t, l, b, 2, 10, StatusActive)
	mustRecord(t, l, c, 1, 10, StatusActive)

	stats := l.GetStats()
	if stats.CountByStatus[StatusActive] != 3 {
		t.Fatalf("count = %d, want 3", stats.CountByStatus[StatusActive])
	}
	if stats.MaxDepthByStatus[StatusActive] != 2 {
		t.Fatalf("max depth = %d, want 2", stats.MaxDepthByStatus[StatusActive])
	}
}

func mustRecord(t *testing.T, l *Ledger, addr common.Hash, depth int, stake int64, status Status) {
	t.Helper()
	if err := l.Record(Commitment{TaskAddress: addr, Depth: depth, StakeAtRisk: big.NewInt(stake), Status: status}); err != nil {
		t.Fatalf("record(%x): %v", addr, err)
	}
}
