// Copyright 2025 Certen Protocol

package ops

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opchain/taskrunner/pkg/task"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindOther},
		{"transport", &TransportError{Cause: errors.New("dial tcp: refused")}, KindTransport},
		{"already claimed", ErrAlreadyClaimed, KindAlreadyClaimed},
		{"fully claimed", ErrTaskFullyClaimed, KindTaskFullyClaimed},
		{"verification rejected", ErrVerificationRejected, KindVerificationRejected},
		{"stale claim", ErrStaleClaim, KindStaleClaim},
		{"not found", ErrTaskNotFound, KindNotFound},
		{"other", errors.New("boom"), KindOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorKindRetryable(t *testing.T) {
	if !KindTransport.Retryable() {
		t.Error("transport errors must be retryable")
	}
	for _, k := range []ErrorKind{KindAlreadyClaimed, KindTaskFullyClaimed, KindVerificationRejected, KindStaleClaim, KindNotFound, KindOther} {
		if k.Retryable() {
			t.Errorf("kind %v must not be retryable", k)
		}
	}
}

func TestSubmitDispatchesByVariant(t *testing.T) {
	ctx := context.Background()
	port := NewFakePort()
	creator := common.HexToAddress("0xaaaa000000000000000000000000000000aaaa")
	taskID := common.HexToHash("0x01")
	addr := common.HexToHash("0x02")
	port.Seed(addr, NewTestTask(taskID, creator))
	if _, err := port.ClaimTask(ctx, addr, NewTestTask(taskID, creator)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	pub, err := task.NewPublicResult(task.PublicResult{ResultData: []byte("ok")})
	if err != nil {
		t.Fatalf("NewPublicResult: %v", err)
	}
	if _, err := Submit(ctx, port, addr, pub); err != nil {
		t.Fatalf("Submit(public): %v", err)
	}

	addr2 := common.HexToHash("0x03")
	taskID2 := common.HexToHash("0x04")
	port.Seed(addr2, NewTestTask(taskID2, creator))
	if _, err := port.ClaimTask(ctx, addr2, NewTestTask(taskID2, creator)); err != nil {
		t.Fatalf("claim2: %v", err)
	}
	var seal [260]byte
	copy(seal[:4], task.PrivateSealMagic[:])
	priv, err := task.NewPrivateResult(task.PrivateResult{SealBytes: seal})
	if err != nil {
		t.Fatalf("NewPrivateResult: %v", err)
	}
	if _, err := Submit(ctx, port, addr2, priv); err != nil {
		t.Fatalf("Submit(private): %v", err)
	}
}

func TestFakePortRejectsDoubleExclusiveClaim(t *testing.T) {
	ctx := context.Background()
	port := NewFakePort()
	creator := common.HexToAddress("0xbbbb000000000000000000000000000000bbbb")
	taskID := common.HexToHash("0x10")
	addr := common.HexToHash("0x11")
	snap := NewTestTask(taskID, creator)
	snap.MaxWorkers = 2
	port.Seed(addr, snap)

	if _, err := port.ClaimTask(ctx, addr, snap); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := port.ClaimTask(ctx, addr, snap)
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("second claim on exclusive task: got %v, want ErrAlreadyClaimed", err)
	}
}

func TestFakePortFullyClaimed(t *testing.T) {
	ctx := context.Background()
	port := NewFakePort()
	creator := common.HexToAddress("0xcccc000000000000000000000000000000cccc")
	taskID := common.HexToHash("0x20")
	addr := common.HexToHash("0x21")
	snap := NewTestTask(taskID, creator)
	snap.MaxWorkers = 1
	port.Seed(addr, snap)

	if _, err := port.ClaimTask(ctx, addr, snap); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := port.ClaimTask(ctx, addr, snap)
	if !errors.Is(err, ErrTaskFullyClaimed) {
		t.Fatalf("claim beyond maxWorkers: got %v, want ErrTaskFullyClaimed", err)
	}
}
