// Copyright 2025 Certen Protocol

package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opchain/taskrunner/pkg/task"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSourceDedupesAcrossPolls(t *testing.T) {
	addr := common.HexToHash("0xaa")
	calls := 0
	lister := func(ctx context.Context) ([]Discovered, error) {
		calls++
		return []Discovered{{TaskAddress: addr, Task: &task.OnChainTask{}, Medium: SourcePoll}}, nil
	}
	src := NewSource(lister, Config{PollInterval: 5 * time.Millisecond, QueueSize: 8})

	var mu sync.Mutex
	received := 0
	src.Subscribe(func(d Discovered) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	src.Start()
	defer src.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 1
	})

	time.Sleep(30 * time.Millisecond) // allow several more polls
	mu.Lock()
	got := received
	mu.Unlock()
	if got != 1 {
		t.Fatalf("expected exactly one emission despite repeated polls, got %d", got)
	}
	if src.DiscoveredCount() != 1 {
		t.Fatalf("DiscoveredCount = %d, want 1", src.DiscoveredCount())
	}
}

func TestSourceClearSeenAllowsReemission(t *testing.T) {
	addr := common.HexToHash("0xbb")
	lister := func(ctx context.Context) ([]Discovered, error) {
		return []Discovered{{TaskAddress: addr}}, nil
	}
	src := NewSource(lister, Config{PollInterval: 5 * time.Millisecond})

	var mu sync.Mutex
	received := 0
	src.Subscribe(func(d Discovered) {
		mu.Lock()
		received++
		mu.Unlock()
	})
	src.Start()
	defer src.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 1
	})

	src.ClearSeen()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 2
	})
}

func TestSourcePauseSuppressesDispatchWithoutLosingEvents(t *testing.T) {
	addrs := []task.Address{common.HexToHash("0x01"), common.HexToHash("0x02")}
	idx := 0
	var mu sync.Mutex
	lister := func(ctx context.Context) ([]Discovered, error) {
		mu.Lock()
		defer mu.Unlock()
		if idx >= len(addrs) {
			return nil, nil
		}
		d := Discovered{TaskAddress: addrs[idx]}
		idx++
		return []Discovered{d}, nil
	}
	src := NewSource(lister, Config{PollInterval: 5 * time.Millisecond})

	var recvMu sync.Mutex
	var receivedOrder []task.Address
	src.Subscribe(func(d Discovered) {
		recvMu.Lock()
		receivedOrder = append(receivedOrder, d.TaskAddress)
		recvMu.Unlock()
	})

	src.Start()
	defer src.Stop()
	src.Pause()

	time.Sleep(40 * time.Millisecond) // both items queued while paused

	recvMu.Lock()
	n := len(receivedOrder)
	recvMu.Unlock()
	if n != 0 {
		t.Fatalf("expected no dispatch while paused, got %d", n)
	}

	src.Resume()
	waitFor(t, time.Second, func() bool {
		recvMu.Lock()
		defer recvMu.Unlock()
		return len(receivedOrder) == 2
	})
}

func TestSourceIsRunningAndStop(t *testing.T) {
	lister := func(ctx context.Context) ([]Discovered, error) { return nil, nil }
	src := NewSource(lister, Config{PollInterval: 5 * time.Millisecond})
	if src.IsRunning() {
		t.Fatal("must not be running before Start")
	}
	src.Start()
	if !src.IsRunning() {
		t.Fatal("must be running after Start")
	}
	src.Stop()
	if src.IsRunning() {
		t.Fatal("must not be running after Stop")
	}
}

func TestSourceUnsubscribeStopsDelivery(t *testing.T) {
	addr := common.HexToHash("0xcc")
	lister := func(ctx context.Context) ([]Discovered, error) {
		return []Discovered{{TaskAddress: addr}}, nil
	}
	src := NewSource(lister, Config{PollInterval: 5 * time.Millisecond})

	var mu sync.Mutex
	received := 0
	unsub := src.Subscribe(func(d Discovered) {
		mu.Lock()
		received++
		mu.Unlock()
	})
	unsub()

	src.Start()
	defer src.Stop()
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if received != 0 {
		t.Fatalf("expected zero deliveries after unsubscribe, got %d", received)
	}
}
