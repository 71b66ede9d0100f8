// Copyright 2025 Certen Protocol

package pipeline

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/opchain/taskrunner/pkg/task"
)

// Mode selects how the executor is fed.
type Mode int

const (
	ModeAutonomous Mode = iota
	ModeBatch
)

// RetryPolicy governs the S1 (claim) and S4 (submit) retry stages.
// maxAttempts counts the total attempts, initial included; 1 disables retries.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelayMs  int64
	MaxDelayMs   int64
	Jitter       bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelayMs: 500, MaxDelayMs: 10_000, Jitter: true}
}

// Backpressure configures the discovery-queue hysteresis. LowWaterMark must
// be strictly less than HighWaterMark.
type Backpressure struct {
	HighWaterMark  int
	LowWaterMark   int
	PauseDiscovery bool
}

// BatchItem identifies a task to process in batch mode, by address or by the
// creator/taskId pair the Operations Port resolves via FetchTaskByIDs.
type BatchItem struct {
	TaskAddress *task.Address
	Creator     common.Address
	TaskID      task.ID
}

// Config is the executor's full tunable surface.
type Config struct {
	Mode                Mode
	AgentAddress        common.Address
	AgentID             string
	MaxConcurrentTasks  int
	TaskTimeoutMs       int64
	ClaimExpiryBufferMs int64
	RetryPolicy         RetryPolicy
	Backpressure        *Backpressure
	BatchItems          []BatchItem
}

func DefaultConfig() Config {
	return Config{
		Mode:                ModeAutonomous,
		MaxConcurrentTasks:  1,
		TaskTimeoutMs:       300_000,
		ClaimExpiryBufferMs: 30_000,
		RetryPolicy:         DefaultRetryPolicy(),
	}
}
