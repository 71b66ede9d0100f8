// Copyright 2025 Certen Protocol

package depgraph

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opchain/taskrunner/pkg/task"
)

func TestAddNodeComputesDepth(t *testing.T) {
	g := New()
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

	for addr, want := range map[task.Address]int{root: 0, child: 1, grandchild: 2} {
		got, ok := g.GetDepth(addr)
		if !ok {
			t.Fatalf("GetDepth(%x): not found", addr)
		}
		if got != want {
			t.Errorf("GetDepth(%x) = %d, want %d", addr, got, want)
		}
	}
}

func TestAddNodeRejectsCycle(t *testing.T) {
	g := New()
	a := common.HexToHash("0x10")
	b := common.HexToHash("0x11")

	if _, err := g.AddNode(a, nil, task.DependencyNone); err != nil {
		t.Fatalf("a: %v", err)
	}
	if _, err := g.AddNode(b, &a, task.DependencyData); err != nil {
		t.Fatalf("b: %v", err)
	}
	// b is already a's child; re-inserting a as b's parent-of-its-own-ancestor
	// is impossible without reusing an address, so exercise the guard by
	// attempting to add 'a' again with b as parent.
	_, err := g.AddNode(a, &b, task.DependencyData)
	if !errors.Is(err, ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists for duplicate address, got %v", err)
	}
}

func TestAddNodeRejectsMissingParent(t *testing.T) {
	g := New()
	child := common.HexToHash("0x20")
	missingParent := common.HexToHash("0x21")
	_, err := g.AddNode(child, &missingParent, task.DependencyData)
	if !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("expected ErrParentNotFound, got %v", err)
	}
}

func TestGetDescendantsBFSOrder(t *testing.T) {
	g := New()
	root := common.HexToHash("0x30")
	x := common.HexToHash("0x31")
	y := common.HexToHash("0x32")
	xChild := common.HexToHash("0x33")

	mustAdd(t, g, root, nil)
	mustAdd(t, g, x, &root)
	mustAdd(t, g, y, &root)
	mustAdd(t, g, xChild, &x)

	desc, err := g.GetDescendants(root)
	if err != nil {
		t.Fatalf("GetDescendants: %v", err)
	}
	want := []task.Address{x, y, xChild}
	if len(desc) != len(want) {
		t.Fatalf("got %v, want %v", desc, want)
	}
	for i := range want {
		if desc[i] != want[i] {
			t.Fatalf("BFS order mismatch at %d: got %x want %x", i, desc[i], want[i])
		}
	}
}

func TestUpdateStatusPartialOrder(t *testing.T) {
	g := New()
	addr := common.HexToHash("0x40")
	mustAdd(t, g, addr, nil)

	if err := g.UpdateStatus(addr, StatusCompleted); err == nil {
		t.Fatal("pending -> completed must be rejected")
	}
	if err := g.UpdateStatus(addr, StatusExecuting); err != nil {
		t.Fatalf("pending -> executing: %v", err)
	}
	if err := g.UpdateStatus(addr, StatusCompleted); err != nil {
		t.Fatalf("executing -> completed: %v", err)
	}
	if err := g.UpdateStatus(addr, StatusExecuting); !errors.Is(err, ErrTerminalStatus) {
		t.Fatalf("completed is terminal, got %v", err)
	}
}

func mustAdd(t *testing.T, g *Graph, addr task.Address, parent *task.Address) {
	t.Helper()
	if _, err := g.AddNode(addr, parent, task.DependencyData); err != nil {
		t.Fatalf("AddNode(%x): %v", addr, err)
	}
}
