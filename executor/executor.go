// Package executor serializes all rendering work of one processor onto a
// single goroutine locked to an OS thread.
package executor

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrReleaseTimeout is returned by Release when the worker did not finish
	// within the timeout. The release task keeps running to completion.
	ErrReleaseTimeout = errors.New("release timed out")

	// ErrTaskPanicked wraps a panic raised by a task.
	ErrTaskPanicked = errors.New("task panicked")
)

// Task is a unit of work run on the executor goroutine.
type Task func() error

// TaskExecutor runs tasks one at a time on a dedicated goroutine.
//
// Normal tasks run in submission order. High priority tasks run before any
// normal task that has not started yet. The first task error is reported to
// the error listener and latches the executor: every queued or later task is
// dropped without further reports. Only the release task runs past the
// latch.
type TaskExecutor struct {
	onError func(error)

	mu           sync.Mutex
	queue        []queuedTask
	highPriority []Task
	shouldCancel bool
	shutdown     bool
	released     bool

	wakeup chan struct{}
	done   chan struct{}
}

type queuedTask struct {
	task      Task
	isRelease bool
	result    chan error
}

// New starts an executor. onError is called at most once, on the executor
// goroutine, with the first task failure.
func New(onError func(error)) *TaskExecutor {
	logrus.WithFields(logrus.Fields{
		"function": "executor.New",
	}).Debug("Starting task executor")

	e := &TaskExecutor{
		onError: onError,
		wakeup:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go e.loop()
	return e
}

// Submit queues task after every earlier normal priority task. The task is
// dropped if the executor has failed or is being released.
func (e *TaskExecutor) Submit(task Task) {
	e.mu.Lock()
	if e.shouldCancel || e.shutdown {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, queuedTask{task: task})
	e.mu.Unlock()
	e.signal()
}

// SubmitWithHighPriority queues task to run before any normal priority task
// that has not started yet, after the currently running one.
func (e *TaskExecutor) SubmitWithHighPriority(task Task) {
	e.mu.Lock()
	if e.shouldCancel || e.shutdown {
		e.mu.Unlock()
		return
	}
	e.highPriority = append(e.highPriority, task)
	e.mu.Unlock()

	// A no-op wakes the worker even when the normal queue is empty.
	e.Submit(func() error { return nil })
}

// Release latches the executor, drops queued high priority work, runs
// releaseTask and stops the worker. It waits up to timeout for the worker to
// exit and returns ErrReleaseTimeout if it did not. Errors returned by
// releaseTask are returned. Calling Release more than once returns nil
// without running the task.
func (e *TaskExecutor) Release(releaseTask Task, timeout time.Duration) error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	e.shouldCancel = true
	dropped := len(e.highPriority) + len(e.queue)
	e.highPriority = nil
	result := make(chan error, 1)
	e.queue = append(e.queue, queuedTask{task: releaseTask, isRelease: true, result: result})
	e.shutdown = true
	e.mu.Unlock()
	e.signal()

	logrus.WithFields(logrus.Fields{
		"function":      "TaskExecutor.Release",
		"dropped_tasks": dropped,
		"timeout":       timeout,
	}).Debug("Releasing task executor")

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
	case <-timer.C:
		logrus.WithFields(logrus.Fields{
			"function": "TaskExecutor.Release",
			"timeout":  timeout,
		}).Warn("Task executor release timed out")
		return fmt.Errorf("%w after %v", ErrReleaseTimeout, timeout)
	}
	return <-result
}

// IsReleased reports whether Release has been called.
func (e *TaskExecutor) IsReleased() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// Pending returns the number of queued tasks that have not started.
func (e *TaskExecutor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) + len(e.highPriority)
}

func (e *TaskExecutor) signal() {
	select {
	case e.wakeup <- struct{}{}:
	default:
	}
}

// loop is the worker. All tasks run here, on one OS thread.
func (e *TaskExecutor) loop() {
	defer close(e.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			shutdown := e.shutdown
			e.mu.Unlock()
			if shutdown {
				return
			}
			<-e.wakeup
			continue
		}
		next := e.queue[0]
		e.queue[0] = queuedTask{}
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.run(next)
	}
}

func (e *TaskExecutor) run(qt queuedTask) {
	err := e.runQueued(qt)
	if qt.isRelease {
		qt.result <- err
		return
	}
	if err != nil {
		e.handleError(err)
	}
}

func (e *TaskExecutor) runQueued(qt queuedTask) error {
	for {
		e.mu.Lock()
		if e.shouldCancel && !qt.isRelease {
			e.mu.Unlock()
			return nil
		}
		var high Task
		if len(e.highPriority) > 0 {
			high = e.highPriority[0]
			e.highPriority = e.highPriority[1:]
		}
		e.mu.Unlock()

		if high == nil {
			break
		}
		if err := runSafely(high); err != nil {
			return err
		}
	}
	return runSafely(qt.task)
}

// runSafely converts a panicking task into an error.
func runSafely(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return task()
}

func (e *TaskExecutor) handleError(err error) {
	e.mu.Lock()
	if e.shouldCancel {
		e.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "TaskExecutor.handleError",
			"error":    err.Error(),
		}).Debug("Suppressing error after cancellation")
		return
	}
	e.shouldCancel = true
	e.highPriority = nil
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "TaskExecutor.handleError",
		"error":    err.Error(),
	}).Error("Task failed, cancelling remaining tasks")

	if e.onError != nil {
		e.onError(err)
	}
}
