// Copyright 2025 Certen Protocol
//
// Package task holds the data model shared by the Operations Port, Discovery
// Source and the task pipeline: task identities, on-chain snapshots, claim
// records and the public/private execution result variants.
package task

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Address is the 32-byte identity the coordination program assigns to a task.
// It doubles as the principal key in every map the scheduler keeps.
type Address = common.Hash

// ID is the creator-scoped application identifier for a task.
type ID = common.Hash

// Status is the coordination program's lifecycle state for a task.
type Status int

const (
	StatusOpen Status = iota
	StatusInProgress
	StatusPendingValidation
	StatusCompleted
	StatusCancelled
	StatusDisputed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusInProgress:
		return "in_progress"
	case StatusPendingValidation:
		return "pending_validation"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// Type distinguishes tasks a single worker can finish from tasks that admit
// multiple concurrent completions.
type Type int

const (
	TypeExclusive Type = iota
	TypeShared
)

// OnChainTask is an immutable-per-observation snapshot fetched from the
// coordination program.
type OnChainTask struct {
	TaskID               ID
	Creator              common.Address
	RequiredCapabilities  uint64 // bitset
	RewardAmount         *big.Int
	MaxWorkers           uint32
	CurrentWorkers       uint32
	Status               Status
	TaskType             Type
	DeadlineSec          int64 // seconds since epoch, 0 = none
	Escrow               *big.Int
	RequiredCompletions  uint32
	Completions          uint32
}

// Validate checks the invariants OnChainTask must hold at every observation.
func (t *OnChainTask) Validate() error {
	if t.CurrentWorkers > t.MaxWorkers {
		return fmt.Errorf("task: currentWorkers %d exceeds maxWorkers %d", t.CurrentWorkers, t.MaxWorkers)
	}
	if t.Completions > t.RequiredCompletions {
		return fmt.Errorf("task: completions %d exceeds requiredCompletions %d", t.Completions, t.RequiredCompletions)
	}
	return nil
}

// ClaimRecord is the snapshot of a worker's claim over a task.
type ClaimRecord struct {
	TaskAddress  Address
	Worker       common.Address
	ClaimedAtSec int64
	ExpiresAtSec int64
}

// Validate enforces expiresAtSec > claimedAtSec.
func (c *ClaimRecord) Validate() error {
	if c.ExpiresAtSec <= c.ClaimedAtSec {
		return fmt.Errorf("claim: expiresAtSec %d must be after claimedAtSec %d", c.ExpiresAtSec, c.ClaimedAtSec)
	}
	return nil
}

// Healthy reports whether the claim still has bufferSec of life left at
// nowSec. A claim is healthy iff nowSec + bufferSec < expiresAtSec.
func (c *ClaimRecord) Healthy(nowSec, bufferSec int64) bool {
	return nowSec+bufferSec < c.ExpiresAtSec
}

// ExecutionResult is the sealed sum type dispatched by the pipeline's submit
// stage. A result built by NewPublicResult or NewPrivateResult carries
// exactly one of PublicResult/PrivateResult, and the zero value carries
// neither; IsPrivate, Public and Private report which, so callers switch on
// the tag instead of field presence.
type ExecutionResult struct {
	variant variantKind
	public  *PublicResult
	private *PrivateResult
}

type variantKind int

const (
	variantPublic variantKind = iota
	variantPrivate
)

// PublicResult carries a public proof hash and up to 64 bytes of result data.
type PublicResult struct {
	ProofHash  [32]byte
	ResultData []byte // <= 64 bytes
}

// PrivateSealMagic is the fixed 4-byte tag identifying the seal encoding
// carried in the first four bytes of SealBytes. Present so callers who must
// interoperate without a prior type tag can still identify the format.
var PrivateSealMagic = [4]byte{'R', 'Z', 'V', 'M'}

// PrivateResult carries a zero-knowledge seal plus its journal and binding
// material. Field widths are fixed per §6 of the specification.
type PrivateResult struct {
	SealBytes     [260]byte
	Journal       [192]byte
	ImageID       [32]byte
	BindingValue  [32]byte
	NullifierSeed [32]byte
}

// NewPublicResult builds an ExecutionResult carrying a public variant.
func NewPublicResult(r PublicResult) (ExecutionResult, error) {
	if len(r.ResultData) > 64 {
		return ExecutionResult{}, fmt.Errorf("task: public result data is %d bytes, max 64", len(r.ResultData))
	}
	return ExecutionResult{variant: variantPublic, public: &r}, nil
}

// NewPrivateResult builds an ExecutionResult carrying a private variant. The
// first four bytes of SealBytes must match PrivateSealMagic.
func NewPrivateResult(r PrivateResult) (ExecutionResult, error) {
	var tag [4]byte
	copy(tag[:], r.SealBytes[:4])
	if tag != PrivateSealMagic {
		return ExecutionResult{}, fmt.Errorf("task: private result seal tag %x does not match magic %x", tag, PrivateSealMagic)
	}
	return ExecutionResult{variant: variantPrivate, private: &r}, nil
}

// IsPrivate reports whether the result carries sealBytes — the dispatch rule
// from §3: a result is Private iff it carries sealBytes.
func (r ExecutionResult) IsPrivate() bool {
	return r.variant == variantPrivate
}

// Public returns the public payload and true, or the zero value and false if
// this result is a private variant or the zero ExecutionResult.
func (r ExecutionResult) Public() (PublicResult, bool) {
	if r.variant != variantPublic || r.public == nil {
		return PublicResult{}, false
	}
	return *r.public, true
}

// Private returns the private payload and true, or the zero value and false
// if this result is a public variant.
func (r ExecutionResult) Private() (PrivateResult, bool) {
	if r.variant != variantPrivate {
		return PrivateResult{}, false
	}
	return *r.private, true
}

// DependencyType classifies the edge between a task node and its parent.
type DependencyType int

const (
	DependencyNone DependencyType = iota
	DependencyData
	DependencyOrder
	DependencyProof
)

func (d DependencyType) String() string {
	switch d {
	case DependencyNone:
		return "none"
	case DependencyData:
		return "data"
	case DependencyOrder:
		return "order"
	case DependencyProof:
		return "proof"
	default:
		return "unknown"
	}
}
