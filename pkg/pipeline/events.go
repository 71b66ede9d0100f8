// Copyright 2025 Certen Protocol

package pipeline

import "github.com/opchain/taskrunner/pkg/task"

// Listeners is one registered set of stage-outcome callbacks. Multiple sets
// may be registered; all fire in registration order. A listener that panics
// is recovered so it cannot corrupt pipeline state.
type Listeners struct {
	OnTaskDiscovered        func(taskAddr task.Address, t *task.OnChainTask)
	OnTaskClaimed           func(taskAddr task.Address, claimAddr task.Address)
	OnTaskExecutionStarted  func(taskAddr task.Address)
	OnTaskCompleted         func(taskAddr task.Address)
	OnClaimFailed           func(err error, taskAddr task.Address)
	OnTaskFailed            func(err error, taskAddr task.Address)
	OnSubmitFailed          func(err error, taskAddr task.Address)
	OnTaskTimeout           func(err error, taskAddr task.Address)
	OnClaimExpiring         func(err error, taskAddr task.Address)
	OnBackpressureActivated func()
	OnBackpressureReleased  func()
}

func (e *Executor) emit(fn func(l Listeners)) {
	e.mu.RLock()
	listeners := append([]Listeners{}, e.listeners...)
	e.mu.RUnlock()
	for _, l := range listeners {
		e.safeInvoke(l, fn)
	}
}

func (e *Executor) safeInvoke(l Listeners, fn func(l Listeners)) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("pipeline: listener panic recovered: %v", r)
		}
	}()
	fn(l)
}

// AddListeners registers a listener set.
func (e *Executor) AddListeners(l Listeners) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}
