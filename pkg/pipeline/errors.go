// Copyright 2025 Certen Protocol

package pipeline

import "fmt"

// TaskTimeoutError reports that S3 execution exceeded taskTimeoutMs.
type TaskTimeoutError struct {
	TimeoutMs int64
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("pipeline: task execution exceeded timeout of %dms", e.TimeoutMs)
}

// ClaimExpiredError reports that the healthy-claim predicate failed, either
// synchronously after claiming or via the claim-deadline timer.
type ClaimExpiredError struct {
	BufferMs int64
}

func (e *ClaimExpiredError) Error() string {
	return fmt.Sprintf("pipeline: claim expired against buffer of %dms", e.BufferMs)
}

// RetryExhaustedError wraps the final underlying cause after the last retry
// attempt of a retryable stage (S1 claim or S4 submit) fails.
type RetryExhaustedError struct {
	Cause error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("pipeline: retries exhausted: %v", e.Cause)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Cause }
