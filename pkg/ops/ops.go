// Copyright 2025 Certen Protocol
//
// Package ops is the thin capability surface over the coordination program:
// fetch task/claim, submit claim, submit completion (public or private).
//
// The on-chain program, its instruction set, account layout and proof
// verifier are treated as opaque external collaborators — this package only
// describes the shape of the calls the pipeline makes against them.
package ops

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opchain/taskrunner/pkg/task"
)

// Sentinel errors surfaced by Port implementations. Callers decide whether to
// retry a TransportError; the others are never retried (§7).
var (
	ErrTransport            = errors.New("ops: transport error")
	ErrAlreadyClaimed       = errors.New("ops: task already claimed")
	ErrTaskFullyClaimed     = errors.New("ops: task fully claimed")
	ErrVerificationRejected = errors.New("ops: verification rejected")
	ErrStaleClaim           = errors.New("ops: stale claim")
	ErrTaskNotFound         = errors.New("ops: task not found")
)

// TransportError wraps a lower-level transport failure so callers can
// recover the cause while still matching on errors.Is(err, ErrTransport).
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return fmt.Sprintf("ops: transport error: %v", e.Cause) }
func (e *TransportError) Unwrap() error { return e.Cause }
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ErrorKind classifies a Port error for the pipeline's retry logic, so stage
// code never needs a type-assertion chain to decide whether to retry.
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindAlreadyClaimed
	KindTaskFullyClaimed
	KindVerificationRejected
	KindStaleClaim
	KindNotFound
	KindOther
)

// Classify maps an error returned from a Port method to its ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindOther
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrAlreadyClaimed):
		return KindAlreadyClaimed
	case errors.Is(err, ErrTaskFullyClaimed):
		return KindTaskFullyClaimed
	case errors.Is(err, ErrVerificationRejected):
		return KindVerificationRejected
	case errors.Is(err, ErrStaleClaim):
		return KindStaleClaim
	case errors.Is(err, ErrTaskNotFound):
		return KindNotFound
	default:
		return KindOther
	}
}

// Retryable reports whether a retryable-stage failure of this kind should
// consume a retry attempt rather than fail the task outright.
func (k ErrorKind) Retryable() bool {
	return k == KindTransport
}

// ClaimOutcome is returned by ClaimTask on success.
type ClaimOutcome struct {
	TaskID       task.ID
	ClaimAddress task.Address
	TxSignature  string
}

// CompleteOutcome is returned by CompleteTask/CompleteTaskPrivate on success.
type CompleteOutcome struct {
	TaskID      task.ID
	TxSignature string
}

// Port is the capability surface the pipeline consumes. Implementations must
// surface the program's verdict rather than assume idempotency: a retry of
// ClaimTask or CompleteTask* may legitimately fail with AlreadyClaimed /
// VerificationRejected even though an earlier attempt actually succeeded.
type Port interface {
	FetchTask(ctx context.Context, addr task.Address) (*task.OnChainTask, error)
	FetchTaskByIDs(ctx context.Context, creator common.Address, taskID task.ID) (task.Address, *task.OnChainTask, error)
	FetchClaim(ctx context.Context, taskAddr task.Address, worker common.Address) (*task.ClaimRecord, error)

	// FetchDependency reports the parent task a task was registered with, if
	// any, and the type of edge it forms. A nil parent means the task has no
	// parent (it is a root in the dependency graph).
	FetchDependency(ctx context.Context, addr task.Address) (*task.Address, task.DependencyType, error)

	ClaimTask(ctx context.Context, addr task.Address, snapshot *task.OnChainTask) (*ClaimOutcome, error)
	CompleteTask(ctx context.Context, addr task.Address, result task.PublicResult) (*CompleteOutcome, error)
	CompleteTaskPrivate(ctx context.Context, addr task.Address, result task.PrivateResult) (*CompleteOutcome, error)
}

// Submit dispatches an ExecutionResult to the matching Port operation,
// implementing the variant-routing rule from §3: Public -> CompleteTask,
// Private -> CompleteTaskPrivate. Exactly one is invoked.
func Submit(ctx context.Context, port Port, addr task.Address, result task.ExecutionResult) (*CompleteOutcome, error) {
	if priv, ok := result.Private(); ok {
		return port.CompleteTaskPrivate(ctx, addr, priv)
	}
	pub, ok := result.Public()
	if !ok {
		return nil, fmt.Errorf("ops: execution result carries neither variant")
	}
	return port.CompleteTask(ctx, addr, pub)
}
