// Copyright 2025 Certen Protocol
//
// Package pipeline is the task pipeline (component G's core state machine):
// S0 Discovered -> S1 ClaimPending -> S2 Claimed -> S3 Executing ->
// S4pub|S4prv Submitting -> C Completed, with F as the terminal-failure sink
// at every stage. Modelled on the teacher's batch scheduler's Start/Stop/
// worker-pool idiom, generalized from a fixed-size leg batch into an
// unbounded FIFO of discovered tasks gated by a concurrency-limited pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opchain/taskrunner/pkg/discovery"
	"github.com/opchain/taskrunner/pkg/ops"
	"github.com/opchain/taskrunner/pkg/task"
)

// ExecutionContext is passed to Handler for each S3 execution.
type ExecutionContext struct {
	Task         *task.OnChainTask
	TaskAddress  task.Address
	ClaimAddress task.Address
	AgentAddress common.Address
	AgentID      string
	Logger       *log.Logger
	Signal       *Signal
}

// Handler executes a claimed task's work. It must observe Signal and
// abandon work promptly once it fires.
type Handler func(ctx context.Context, execCtx ExecutionContext) (task.ExecutionResult, error)

type queueItem struct {
	TaskAddress task.Address
	Task        *task.OnChainTask
}

// Executor runs the task pipeline state machine over a stream of discovered
// tasks, enforcing maxConcurrentTasks concurrent S3 executions.
type Executor struct {
	port    ops.Port
	handler Handler
	cfg     Config
	logger  *log.Logger

	discovery *discovery.Source

	metrics Metrics

	mu        sync.RWMutex
	running   bool
	stopCh    chan struct{}
	listeners []Listeners

	qmu         sync.Mutex
	qcond       *sync.Cond
	queue       []queueItem
	queueClosed bool

	bpMu               sync.Mutex
	backpressureActive bool

	slots chan struct{}
	wg    sync.WaitGroup

	signalsMu  sync.Mutex
	signals    map[task.Address]*Signal
	startTimes map[task.Address]time.Time

	itemsWG *sync.WaitGroup

	nowSecFn func() int64

	startedAtMu sync.RWMutex
	startedAtMs int64
}

// New builds an Executor. handler runs S3 for every claimed task.
func New(port ops.Port, handler Handler, cfg Config) *Executor {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.RetryPolicy.MaxAttempts <= 0 {
		cfg.RetryPolicy.MaxAttempts = 1
	}
	e := &Executor{
		port:       port,
		handler:    handler,
		cfg:        cfg,
		logger:     log.New(os.Stderr, "[pipeline] ", log.LstdFlags),
		signals:    make(map[task.Address]*Signal),
		startTimes: make(map[task.Address]time.Time),
		nowSecFn:   func() int64 { return time.Now().Unix() },
	}
	e.qcond = sync.NewCond(&e.qmu)
	return e
}

// SetDiscovery wires an autonomous-mode feed. Ignored in batch mode.
func (e *Executor) SetDiscovery(src *discovery.Source) { e.discovery = src }

// SetLogger overrides the default stderr logger.
func (e *Executor) SetLogger(l *log.Logger) { e.logger = l }

// Metrics exposes the executor's live counters.
func (e *Executor) Metrics() *Metrics { return &e.metrics }

// IsRunning reports whether Start has been called and Stop has not yet
// completed.
func (e *Executor) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// GetQueueSize returns the number of admitted tasks waiting for a worker
// slot; a task leaves the queue when it gets a slot, before its claim (S1)
// starts.
func (e *Executor) GetQueueSize() int {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	return len(e.queue)
}

// BackpressureActive reports whether backpressure is engaged: it turns on
// when the queue reaches the high-water mark and off only once the queue has
// drained to the low-water mark. Discovery is paused meanwhile only when
// PauseDiscovery is set.
func (e *Executor) BackpressureActive() bool {
	e.bpMu.Lock()
	defer e.bpMu.Unlock()
	return e.backpressureActive
}

// StartedAtMs returns the unix millisecond timestamp of the most recent
// Start call, or 0 if Start has never run.
func (e *Executor) StartedAtMs() int64 {
	e.startedAtMu.RLock()
	defer e.startedAtMu.RUnlock()
	return e.startedAtMs
}

// UptimeMs returns milliseconds elapsed since the most recent Start call, or
// 0 if Start has never run.
func (e *Executor) UptimeMs() int64 {
	e.startedAtMu.RLock()
	started := e.startedAtMs
	e.startedAtMu.RUnlock()
	if started == 0 {
		return 0
	}
	return time.Now().UnixMilli() - started
}

// Start runs the pipeline. In autonomous mode it returns when ctx is
// cancelled or Stop is called. In batch mode it returns once every
// configured item has reached a terminal state. Start is not re-entrant.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("pipeline: already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.startedAtMu.Lock()
	e.startedAtMs = time.Now().UnixMilli()
	e.startedAtMu.Unlock()

	e.qmu.Lock()
	e.queue = nil
	e.queueClosed = false
	e.qmu.Unlock()

	e.bpMu.Lock()
	e.backpressureActive = false
	e.bpMu.Unlock()

	e.slots = make(chan struct{}, e.cfg.MaxConcurrentTasks)

	e.wg.Add(1)
	go e.dispatchLoop(ctx)

	if e.cfg.Mode == ModeBatch {
		return e.runBatch(ctx)
	}
	return e.runAutonomous(ctx)
}

func (e *Executor) runAutonomous(ctx context.Context) error {
	var unsubscribe func()
	if e.discovery != nil {
		unsubscribe = e.discovery.Subscribe(func(d discovery.Discovered) {
			e.admit(d.TaskAddress, d.Task)
		})
		e.discovery.Start()
	}

	select {
	case <-ctx.Done():
	case <-e.stopCh:
	}

	if unsubscribe != nil {
		unsubscribe()
	}
	e.Stop()
	return nil
}

func (e *Executor) runBatch(ctx context.Context) error {
	var itemsWG sync.WaitGroup
	e.itemsWG = &itemsWG

	for _, item := range e.cfg.BatchItems {
		addr, snap, err := e.resolveBatchItem(ctx, item)
		if err != nil {
			continue
		}
		itemsWG.Add(1)
		e.admit(addr, snap)
	}

	done := make(chan struct{})
	go func() {
		itemsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	case <-e.stopCh:
	}
	e.Stop()
	return nil
}

func (e *Executor) resolveBatchItem(ctx context.Context, item BatchItem) (task.Address, *task.OnChainTask, error) {
	if item.TaskAddress != nil {
		t, err := e.port.FetchTask(ctx, *item.TaskAddress)
		if err != nil {
			return task.Address{}, nil, err
		}
		return *item.TaskAddress, t, nil
	}
	return e.port.FetchTaskByIDs(ctx, item.Creator, item.TaskID)
}

// Stop idempotently halts the executor: it aborts every in-flight per-task
// signal synchronously, stops the discovery feed, drains and closes the
// queue, then waits for every handler and retry wait to observe
// cancellation before returning.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.signalsMu.Lock()
	for _, sig := range e.signals {
		sig.Abort()
	}
	e.signalsMu.Unlock()

	if e.discovery != nil {
		e.discovery.Stop()
	}

	e.qmu.Lock()
	e.queue = nil
	e.queueClosed = true
	e.qmu.Unlock()
	e.qcond.Broadcast()

	e.wg.Wait()

	e.bpMu.Lock()
	e.backpressureActive = false
	e.bpMu.Unlock()
}

func (e *Executor) admit(addr task.Address, t *task.OnChainTask) {
	e.metrics.incDiscovered()
	e.metrics.incPipelineActive()
	e.emit(func(l Listeners) {
		if l.OnTaskDiscovered != nil {
			l.OnTaskDiscovered(addr, t)
		}
	})
	e.pushQueue(queueItem{TaskAddress: addr, Task: t})
}

func (e *Executor) pushQueue(item queueItem) {
	e.qmu.Lock()
	if e.queueClosed {
		e.qmu.Unlock()
		return
	}
	e.queue = append(e.queue, item)
	size := len(e.queue)
	e.qmu.Unlock()
	e.qcond.Signal()
	e.evaluateBackpressure(size)
}

func (e *Executor) popQueue() (queueItem, bool) {
	e.qmu.Lock()
	for len(e.queue) == 0 && !e.queueClosed {
		e.qcond.Wait()
	}
	if len(e.queue) == 0 {
		e.qmu.Unlock()
		return queueItem{}, false
	}
	item := e.queue[0]
	e.queue = e.queue[1:]
	size := len(e.queue)
	e.qmu.Unlock()
	e.evaluateBackpressure(size)
	return item, true
}

// evaluateBackpressure flips backpressureActive at most once per crossing,
// guaranteeing the strict activation/release alternation of P7.
func (e *Executor) evaluateBackpressure(size int) {
	bp := e.cfg.Backpressure
	if bp == nil {
		return
	}
	e.bpMu.Lock()
	var activated, released bool
	if !e.backpressureActive && size >= bp.HighWaterMark {
		e.backpressureActive = true
		activated = true
	} else if e.backpressureActive && size <= bp.LowWaterMark {
		e.backpressureActive = false
		released = true
	}
	e.bpMu.Unlock()

	if activated {
		if bp.PauseDiscovery && e.discovery != nil {
			e.discovery.Pause()
		}
		e.emit(func(l Listeners) {
			if l.OnBackpressureActivated != nil {
				l.OnBackpressureActivated()
			}
		})
	}
	if released {
		if bp.PauseDiscovery && e.discovery != nil {
			e.discovery.Resume()
		}
		e.emit(func(l Listeners) {
			if l.OnBackpressureReleased != nil {
				l.OnBackpressureReleased()
			}
		})
	}
}

// dispatchLoop acquires a worker slot before dequeuing, so the queue only
// shrinks on slot acquisition — matching the invariant that queue size
// changes only via discovery admission (+1) or slot acquisition (-1).
func (e *Executor) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case e.slots <- struct{}{}:
		case <-e.stopCh:
			return
		}

		item, ok := e.popQueue()
		if !ok {
			<-e.slots
			return
		}

		e.wg.Add(1)
		go func(it queueItem) {
			defer e.wg.Done()
			defer func() { <-e.slots }()
			e.runTask(ctx, it)
		}(item)
	}
}

func (e *Executor) finishTask(task.Address) {
	e.metrics.decPipelineActive()
	if e.itemsWG != nil {
		e.itemsWG.Done()
	}
}

// runTask executes S1 through S4/C/F for a single discovered task.
func (e *Executor) runTask(ctx context.Context, item queueItem) {
	addr := item.TaskAddress
	sig := NewSignal()
	e.registerSignal(addr, sig)
	defer e.unregisterSignal(addr)
	defer e.finishTask(addr)

	claim, err := e.claimWithRetry(ctx, addr, item.Task, sig)
	if err != nil {
		e.metrics.incClaimsFailed()
		e.metrics.incFailed()
		e.emit(func(l Listeners) {
			if l.OnClaimFailed != nil {
				l.OnClaimFailed(err, addr)
			}
		})
		e.emit(func(l Listeners) {
			if l.OnTaskFailed != nil {
				l.OnTaskFailed(err, addr)
			}
		})
		return
	}
	e.metrics.incClaimed()
	e.emit(func(l Listeners) {
		if l.OnTaskClaimed != nil {
			l.OnTaskClaimed(addr, claim.ClaimAddress)
		}
	})

	claimRec, claimErr := e.port.FetchClaim(ctx, addr, e.cfg.AgentAddress)
	if claimErr == nil && e.cfg.ClaimExpiryBufferMs > 0 {
		bufferSec := e.cfg.ClaimExpiryBufferMs / 1000
		if !claimRec.Healthy(e.nowSecFn(), bufferSec) {
			e.failClaimExpired(addr)
			return
		}
	}

	var claimTimerStop chan struct{}
	if claimErr == nil && e.cfg.ClaimExpiryBufferMs > 0 {
		claimTimerStop = make(chan struct{})
		go e.claimDeadlineTimer(claimRec, e.cfg.ClaimExpiryBufferMs, sig, claimTimerStop)
		defer close(claimTimerStop)
	}

	e.metrics.adjustInProgress(1)
	e.emit(func(l Listeners) {
		if l.OnTaskExecutionStarted != nil {
			l.OnTaskExecutionStarted(addr)
		}
	})

	execCtx := ExecutionContext{
		Task:         item.Task,
		TaskAddress:  addr,
		ClaimAddress: claim.ClaimAddress,
		AgentAddress: e.cfg.AgentAddress,
		AgentID:      e.cfg.AgentID,
		Logger:       e.logger,
		Signal:       sig,
	}
	result, herr := e.runHandlerWithTimeout(ctx, execCtx, sig)
	e.metrics.adjustInProgress(-1)

	if herr != nil {
		e.failExecution(addr, herr)
		return
	}

	outcome, serr := e.submitWithRetry(ctx, addr, result, sig)
	if serr != nil {
		e.metrics.incSubmitsFailed()
		e.metrics.incFailed()
		e.emit(func(l Listeners) {
			if l.OnSubmitFailed != nil {
				l.OnSubmitFailed(serr, addr)
			}
		})
		e.emit(func(l Listeners) {
			if l.OnTaskFailed != nil {
				l.OnTaskFailed(serr, addr)
			}
		})
		return
	}
	_ = outcome
	e.metrics.incCompleted()
	e.emit(func(l Listeners) {
		if l.OnTaskCompleted != nil {
			l.OnTaskCompleted(addr)
		}
	})
}

func (e *Executor) failClaimExpired(addr task.Address) {
	cerr := &ClaimExpiredError{BufferMs: e.cfg.ClaimExpiryBufferMs}
	e.metrics.incClaimsExpired()
	e.metrics.incFailed()
	e.emit(func(l Listeners) {
		if l.OnClaimExpiring != nil {
			l.OnClaimExpiring(cerr, addr)
		}
	})
	e.emit(func(l Listeners) {
		if l.OnTaskFailed != nil {
			l.OnTaskFailed(cerr, addr)
		}
	})
}

func (e *Executor) failExecution(addr task.Address, herr error) {
	var timeoutErr *TaskTimeoutError
	var claimErr *ClaimExpiredError
	switch {
	case errors.As(herr, &timeoutErr):
		e.metrics.incFailed()
		e.emit(func(l Listeners) {
			if l.OnTaskTimeout != nil {
				l.OnTaskTimeout(herr, addr)
			}
		})
		e.emit(func(l Listeners) {
			if l.OnTaskFailed != nil {
				l.OnTaskFailed(herr, addr)
			}
		})
	case errors.As(herr, &claimErr):
		e.metrics.incClaimsExpired()
		e.metrics.incFailed()
		e.emit(func(l Listeners) {
			if l.OnClaimExpiring != nil {
				l.OnClaimExpiring(herr, addr)
			}
		})
		e.emit(func(l Listeners) {
			if l.OnTaskFailed != nil {
				l.OnTaskFailed(herr, addr)
			}
		})
	default:
		e.metrics.incFailed()
		e.emit(func(l Listeners) {
			if l.OnTaskFailed != nil {
				l.OnTaskFailed(herr, addr)
			}
		})
	}
}

// runHandlerWithTimeout runs the handler to completion, racing it against
// the task timeout and the task's cancellation signal. It always waits for
// the handler goroutine to return, since the handler is the only party
// permitted to release execution-scoped resources.
func (e *Executor) runHandlerWithTimeout(ctx context.Context, execCtx ExecutionContext, sig *Signal) (task.ExecutionResult, error) {
	type outcome struct {
		result task.ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := e.handler(ctx, execCtx)
		done <- outcome{r, err}
	}()

	var timeoutCh <-chan time.Time
	if e.cfg.TaskTimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(e.cfg.TaskTimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case o := <-done:
		return o.result, o.err
	case <-timeoutCh:
		toErr := &TaskTimeoutError{TimeoutMs: e.cfg.TaskTimeoutMs}
		sig.AbortWithCause(toErr)
		<-done
		return task.ExecutionResult{}, toErr
	case <-sig.Done():
		<-done
		cause := sig.Cause()
		if cause == nil {
			cause = fmt.Errorf("pipeline: task aborted")
		}
		return task.ExecutionResult{}, cause
	}
}

func (e *Executor) claimDeadlineTimer(claim *task.ClaimRecord, bufferMs int64, sig *Signal, stop <-chan struct{}) {
	remainingMs := (claim.ExpiresAtSec-e.nowSecFn())*1000 - bufferMs
	d := time.Duration(remainingMs) * time.Millisecond
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		sig.AbortWithCause(&ClaimExpiredError{BufferMs: bufferMs})
	case <-stop:
	case <-sig.Done():
	}
}

func (e *Executor) claimWithRetry(ctx context.Context, addr task.Address, snapshot *task.OnChainTask, sig *Signal) (*ops.ClaimOutcome, error) {
	policy := e.cfg.RetryPolicy
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		outcome, err := e.port.ClaimTask(ctx, addr, snapshot)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if !ops.Classify(err).Retryable() || attempt == policy.MaxAttempts-1 {
			break
		}
		e.metrics.incClaimRetries()
		if !e.sleepBackoff(ctx, attempt, policy, sig) {
			break
		}
	}
	return nil, &RetryExhaustedError{Cause: lastErr}
}

func (e *Executor) submitWithRetry(ctx context.Context, addr task.Address, result task.ExecutionResult, sig *Signal) (*ops.CompleteOutcome, error) {
	policy := e.cfg.RetryPolicy
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		outcome, err := ops.Submit(ctx, e.port, addr, result)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if !ops.Classify(err).Retryable() || attempt == policy.MaxAttempts-1 {
			break
		}
		e.metrics.incSubmitRetries()
		if !e.sleepBackoff(ctx, attempt, policy, sig) {
			break
		}
	}
	return nil, &RetryExhaustedError{Cause: lastErr}
}

func (e *Executor) sleepBackoff(ctx context.Context, attempt int, policy RetryPolicy, sig *Signal) bool {
	delay := computeBackoff(attempt, policy)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-e.stopCh:
		return false
	case <-sig.Done():
		return false
	}
}

func computeBackoff(attempt int, policy RetryPolicy) time.Duration {
	delayMs := policy.BaseDelayMs
	for i := 0; i < attempt; i++ {
		delayMs *= 2
		if policy.MaxDelayMs > 0 && delayMs >= policy.MaxDelayMs {
			delayMs = policy.MaxDelayMs
			break
		}
	}
	if policy.MaxDelayMs > 0 && delayMs > policy.MaxDelayMs {
		delayMs = policy.MaxDelayMs
	}
	if policy.Jitter && delayMs > 0 {
		delayMs = rand.Int63n(delayMs + 1)
	}
	return time.Duration(delayMs) * time.Millisecond
}

func (e *Executor) registerSignal(addr task.Address, sig *Signal) {
	e.signalsMu.Lock()
	e.signals[addr] = sig
	e.startTimes[addr] = time.Now()
	e.signalsMu.Unlock()
}

func (e *Executor) unregisterSignal(addr task.Address) {
	e.signalsMu.Lock()
	delete(e.signals, addr)
	delete(e.startTimes, addr)
	e.signalsMu.Unlock()
}

// Abort implements rollback.Aborter: it fires addr's cancellation signal and
// reports how long the task had been running.
func (e *Executor) Abort(addr task.Address) (elapsedMs int64, wasActive bool) {
	e.signalsMu.Lock()
	sig, ok := e.signals[addr]
	start, hasStart := e.startTimes[addr]
	e.signalsMu.Unlock()
	if !ok {
		return 0, false
	}
	if hasStart {
		elapsedMs = time.Since(start).Milliseconds()
	}
	sig.AbortWithCause(fmt.Errorf("pipeline: aborted by rollback"))
	return elapsedMs, true
}
