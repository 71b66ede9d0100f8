// Copyright 2025 Certen Protocol
//
// EVM-backed Port, adapted from pkg/ethereum's go-ethereum client wrapper.
// The coordination program's instruction set is opaque per package doc; this
// file only needs a stable method/argument shape to call through, expressed
// here as a minimal ABI. Swapping in the real program's ABI is a one-file
// change — nothing else in this package depends on it.
package ops

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opchain/taskrunner/pkg/ethereum"
	"github.com/opchain/taskrunner/pkg/task"
)

// coordinationABI describes the subset of the coordination program's
// interface this package calls through. Field names mirror the data model in
// pkg/task; a different deployment's ABI can be substituted without touching
// any other function in this file.
const coordinationABI = `[
	{"name":"getTask","type":"function","stateMutability":"view",
	 "inputs":[{"name":"taskAddr","type":"bytes32"}],
	 "outputs":[
		{"name":"taskId","type":"bytes32"},
		{"name":"creator","type":"address"},
		{"name":"requiredCapabilities","type":"uint64"},
		{"name":"rewardAmount","type":"uint256"},
		{"name":"maxWorkers","type":"uint32"},
		{"name":"currentWorkers","type":"uint32"},
		{"name":"status","type":"uint8"},
		{"name":"taskType","type":"uint8"},
		{"name":"deadlineSec","type":"int64"},
		{"name":"escrow","type":"uint256"},
		{"name":"requiredCompletions","type":"uint32"},
		{"name":"completions","type":"uint32"}]},
	{"name":"getTaskAddress","type":"function","stateMutability":"view",
	 "inputs":[{"name":"creator","type":"address"},{"name":"taskId","type":"bytes32"}],
	 "outputs":[{"name":"taskAddr","type":"bytes32"}]},
	{"name":"getClaim","type":"function","stateMutability":"view",
	 "inputs":[{"name":"taskAddr","type":"bytes32"},{"name":"worker","type":"address"}],
	 "outputs":[{"name":"claimedAtSec","type":"int64"},{"name":"expiresAtSec","type":"int64"}]},
	{"name":"getDependency","type":"function","stateMutability":"view",
	 "inputs":[{"name":"taskAddr","type":"bytes32"}],
	 "outputs":[{"name":"parentTaskAddr","type":"bytes32"},{"name":"dependencyType","type":"uint8"}]},
	{"name":"claimTask","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"taskAddr","type":"bytes32"}],"outputs":[]},
	{"name":"completeTask","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"taskAddr","type":"bytes32"},{"name":"proofHash","type":"bytes32"},{"name":"resultData","type":"bytes"}],
	 "outputs":[]},
	{"name":"completeTaskPrivate","type":"function","stateMutability":"nonpayable",
	 "inputs":[{"name":"taskAddr","type":"bytes32"},{"name":"sealBytes","type":"bytes"},{"name":"journal","type":"bytes"},
		{"name":"imageId","type":"bytes32"},{"name":"bindingValue","type":"bytes32"},{"name":"nullifierSeed","type":"bytes32"}],
	 "outputs":[]}
]`

// EVMPort is the Port implementation backed by an EVM-compatible RPC
// endpoint. It holds no task state of its own — every call is a fresh
// round-trip, matching the Port's "thin capability surface" contract.
type EVMPort struct {
	client        *ethereum.Client
	contract      common.Address
	workerKeyHex  string
	workerAddr    common.Address
	gasLimit      uint64
	gasRetries    int
}

// EVMPortConfig gathers the deployment-specific knobs an EVMPort needs.
type EVMPortConfig struct {
	RPCURL         string
	ChainID        int64
	ContractAddr   common.Address
	WorkerKeyHex   string // hex-encoded ECDSA private key for signing claim/complete transactions
	GasLimit       uint64
	GasRetries     int
}

// NewEVMPort dials the RPC endpoint and derives the worker's public address
// from its signing key.
func NewEVMPort(cfg EVMPortConfig) (*EVMPort, error) {
	client, err := ethereum.NewClient(cfg.RPCURL, cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("ops: dial rpc: %w", err)
	}
	addr, err := ethereum.GetPublicAddress(cfg.WorkerKeyHex)
	if err != nil {
		return nil, fmt.Errorf("ops: derive worker address: %w", err)
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 300_000
	}
	gasRetries := cfg.GasRetries
	if gasRetries == 0 {
		gasRetries = 3
	}
	return &EVMPort{
		client:       client,
		contract:     cfg.ContractAddr,
		workerKeyHex: cfg.WorkerKeyHex,
		workerAddr:   addr,
		gasLimit:     gasLimit,
		gasRetries:   gasRetries,
	}, nil
}

// Health reports whether the underlying RPC endpoint is reachable.
func (p *EVMPort) Health(ctx context.Context) error {
	return p.client.Health(ctx)
}

func (p *EVMPort) FetchTask(ctx context.Context, addr task.Address) (*task.OnChainTask, error) {
	out, err := p.client.CallContract(ctx, p.contract, coordinationABI, "getTask", addr)
	if err != nil {
		return nil, classifyCallErr(err)
	}
	t := &task.OnChainTask{
		TaskID:              out[0].([32]byte),
		Creator:             out[1].(common.Address),
		RequiredCapabilities: out[2].(uint64),
		RewardAmount:        out[3].(*big.Int),
		MaxWorkers:          out[4].(uint32),
		CurrentWorkers:      out[5].(uint32),
		Status:              task.Status(out[6].(uint8)),
		TaskType:            task.Type(out[7].(uint8)),
		DeadlineSec:         out[8].(int64),
		Escrow:              out[9].(*big.Int),
		RequiredCompletions: out[10].(uint32),
		Completions:         out[11].(uint32),
	}
	if t.TaskID == ([32]byte{}) && t.Creator == (common.Address{}) {
		return nil, ErrTaskNotFound
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("ops: fetched task failed validation: %w", err)
	}
	return t, nil
}

func (p *EVMPort) FetchTaskByIDs(ctx context.Context, creator common.Address, taskID task.ID) (task.Address, *task.OnChainTask, error) {
	out, err := p.client.CallContract(ctx, p.contract, coordinationABI, "getTaskAddress", creator, taskID)
	if err != nil {
		return task.Address{}, nil, classifyCallErr(err)
	}
	addr := task.Address(out[0].([32]byte))
	if addr == (task.Address{}) {
		return task.Address{}, nil, ErrTaskNotFound
	}
	t, err := p.FetchTask(ctx, addr)
	if err != nil {
		return task.Address{}, nil, err
	}
	return addr, t, nil
}

func (p *EVMPort) FetchClaim(ctx context.Context, taskAddr task.Address, worker common.Address) (*task.ClaimRecord, error) {
	out, err := p.client.CallContract(ctx, p.contract, coordinationABI, "getClaim", taskAddr, worker)
	if err != nil {
		return nil, classifyCallErr(err)
	}
	c := &task.ClaimRecord{
		TaskAddress:  taskAddr,
		Worker:       worker,
		ClaimedAtSec: out[0].(int64),
		ExpiresAtSec: out[1].(int64),
	}
	if c.ClaimedAtSec == 0 && c.ExpiresAtSec == 0 {
		return nil, ErrTaskNotFound
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("ops: fetched claim failed validation: %w", err)
	}
	return c, nil
}

// FetchDependency reports the parent a task was registered with on the
// coordination program, if any. A zero parentTaskAddr means the task was
// registered with no parent — the returned dependency type is then
// meaningless and always task.DependencyNone.
func (p *EVMPort) FetchDependency(ctx context.Context, addr task.Address) (*task.Address, task.DependencyType, error) {
	out, err := p.client.CallContract(ctx, p.contract, coordinationABI, "getDependency", addr)
	if err != nil {
		return nil, task.DependencyNone, classifyCallErr(err)
	}
	parent := task.Address(out[0].([32]byte))
	if parent == (task.Address{}) {
		return nil, task.DependencyNone, nil
	}
	return &parent, task.DependencyType(out[1].(uint8)), nil
}

func (p *EVMPort) ClaimTask(ctx context.Context, addr task.Address, snapshot *task.OnChainTask) (*ClaimOutcome, error) {
	result, err := p.client.SendContractTransactionWithRetry(ctx, p.contract, coordinationABI, p.workerKeyHex,
		"claimTask", p.gasLimit, p.gasRetries, addr)
	if err != nil {
		return nil, classifySendErr(err)
	}
	if !result.Success {
		return nil, fmt.Errorf("ops: claimTask reverted: %w", ErrAlreadyClaimed)
	}
	return &ClaimOutcome{
		TaskID:       snapshot.TaskID,
		ClaimAddress: addr,
		TxSignature:  result.TransactionHash,
	}, nil
}

func (p *EVMPort) CompleteTask(ctx context.Context, addr task.Address, result task.PublicResult) (*CompleteOutcome, error) {
	txResult, err := p.client.SendContractTransactionWithRetry(ctx, p.contract, coordinationABI, p.workerKeyHex,
		"completeTask", p.gasLimit, p.gasRetries, addr, result.ProofHash, result.ResultData)
	if err != nil {
		return nil, classifySendErr(err)
	}
	if !txResult.Success {
		return nil, fmt.Errorf("ops: completeTask reverted: %w", ErrVerificationRejected)
	}
	return &CompleteOutcome{TxSignature: txResult.TransactionHash}, nil
}

func (p *EVMPort) CompleteTaskPrivate(ctx context.Context, addr task.Address, result task.PrivateResult) (*CompleteOutcome, error) {
	txResult, err := p.client.SendContractTransactionWithRetry(ctx, p.contract, coordinationABI, p.workerKeyHex,
		"completeTaskPrivate", p.gasLimit, p.gasRetries,
		addr, result.SealBytes[:], result.Journal[:], result.ImageID, result.BindingValue, result.NullifierSeed)
	if err != nil {
		return nil, classifySendErr(err)
	}
	if !txResult.Success {
		return nil, fmt.Errorf("ops: completeTaskPrivate reverted: %w", ErrVerificationRejected)
	}
	return &CompleteOutcome{TxSignature: txResult.TransactionHash}, nil
}

// classifyCallErr wraps a failed read-only call as a TransportError — an
// unreachable node or a malformed response is always a transport concern for
// getTask/getClaim/getTaskAddress, never a program-level rejection.
func classifyCallErr(err error) error {
	return &TransportError{Cause: err}
}

// classifySendErr inspects a failed transaction submission for the revert
// reasons the coordination program is documented to use, falling back to a
// transport error for anything that looks like an RPC/network failure.
func classifySendErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already claimed"):
		return fmt.Errorf("%w: %v", ErrAlreadyClaimed, err)
	case strings.Contains(msg, "fully claimed"):
		return fmt.Errorf("%w: %v", ErrTaskFullyClaimed, err)
	case strings.Contains(msg, "verification") || strings.Contains(msg, "invalid proof"):
		return fmt.Errorf("%w: %v", ErrVerificationRejected, err)
	case strings.Contains(msg, "stale") || strings.Contains(msg, "claim expired"):
		return fmt.Errorf("%w: %v", ErrStaleClaim, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such task"):
		return fmt.Errorf("%w: %v", ErrTaskNotFound, err)
	default:
		return &TransportError{Cause: err}
	}
}

var _ Port = (*EVMPort)(nil)
